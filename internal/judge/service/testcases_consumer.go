package service

import (
	"context"
	"encoding/json"

	"codehakam/internal/common/mq"
	"codehakam/internal/judge/model"
	"codehakam/pkg/utils/logger"

	"go.uber.org/zap"
)

// testcasesQueueName is this service's private binding for change events.
const testcasesQueueName = "judge.testcases-changed"

// BundleInvalidator drops the shared on-disk test data for one problem.
type BundleInvalidator interface {
	Invalidate(problemID string) error
}

// EntryInvalidator forgets the in-process bundle entries for one problem.
type EntryInvalidator interface {
	InvalidateProblem(problemID string)
}

// Subscriber registers a push consumer on the broker.
type Subscriber interface {
	SubscribeWithOptions(ctx context.Context, topic string, handler mq.HandlerFunc, opts *mq.SubscribeOptions) error
}

// RegisterTestcasesConsumer subscribes to testcases-changed events and drops
// cached bundles for the republished problem. Judging in flight keeps its
// already-extracted data; the next fetch sees the new objects.
func RegisterTestcasesConsumer(ctx context.Context, sub Subscriber, store BundleInvalidator, entries EntryInvalidator) error {
	handler := func(ctx context.Context, msg *mq.Message) error {
		var event model.TestcasesChangedEvent
		if err := json.Unmarshal(msg.Body, &event); err != nil {
			logger.Warn(ctx, "undecodable testcases-changed event dropped", zap.Error(err))
			return nil
		}
		if event.ProblemID == "" {
			logger.Warn(ctx, "testcases-changed event without problem id dropped")
			return nil
		}

		if store != nil {
			if err := store.Invalidate(event.ProblemID); err != nil {
				return err
			}
		}
		if entries != nil {
			entries.InvalidateProblem(event.ProblemID)
		}
		logger.Info(ctx, "test data cache invalidated", zap.String("problem_id", event.ProblemID))
		return nil
	}

	return sub.SubscribeWithOptions(ctx, model.RoutingKeyTestcasesChanged, handler, &mq.SubscribeOptions{
		QueueName: testcasesQueueName,
	})
}
