package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"codehakam/internal/common/db"
	"codehakam/internal/common/mq"
	"codehakam/internal/judge/model"
	"codehakam/internal/judge/pool"
	"codehakam/internal/judge/repository"
	appErr "codehakam/pkg/errors"
	"codehakam/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// clearBoxMaxID mirrors the sandbox driver's box id ceiling.
const clearBoxMaxID = 1000

// WorkerScaler resizes the judge pool at runtime and reports the previous
// live worker count.
type WorkerScaler interface {
	ScaleWorkers(target int) (int, error)
}

// BoxCleaner force-cleans one sandbox box by id.
type BoxCleaner interface {
	ClearBox(ctx context.Context, id int) error
}

// ControlConfig holds admin-operation dependencies.
type ControlConfig struct {
	Submissions repository.SubmissionRepository
	Outbox      repository.OutboxRepository
	Audit       repository.AuditRepository
	Database    db.Database
	Queue       JobPublisher
	Scaler      WorkerScaler
	Cleaner     BoxCleaner

	JobTopic string
	Timeouts Timeouts
}

// ControlService implements the admin mutations: rejudge, worker scaling and
// sandbox box cleanup. Every successful action writes an audit record.
type ControlService struct {
	submissions repository.SubmissionRepository
	outbox      repository.OutboxRepository
	audit       repository.AuditRepository
	database    db.Database
	queue       JobPublisher
	scaler      WorkerScaler
	cleaner     BoxCleaner

	jobTopic string
	timeouts Timeouts
}

// NewControlService creates the admin control service.
func NewControlService(cfg ControlConfig) (*ControlService, error) {
	if cfg.Submissions == nil {
		return nil, fmt.Errorf("submission repository is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("job publisher is required")
	}
	if cfg.Scaler == nil {
		return nil, fmt.Errorf("worker scaler is required")
	}
	if cfg.Cleaner == nil {
		return nil, fmt.Errorf("box cleaner is required")
	}
	if cfg.JobTopic == "" {
		return nil, fmt.Errorf("job topic is required")
	}
	return &ControlService{
		submissions: cfg.Submissions,
		outbox:      cfg.Outbox,
		audit:       cfg.Audit,
		database:    cfg.Database,
		queue:       cfg.Queue,
		scaler:      cfg.Scaler,
		cleaner:     cfg.Cleaner,
		jobTopic:    cfg.JobTopic,
		timeouts:    cfg.Timeouts,
	}, nil
}

// Rejudge resets a terminal submission to pending and re-enqueues it at
// rejudge priority. The rejudge-requested event rides the reset transaction's
// outbox row.
func (s *ControlService) Rejudge(ctx context.Context, submissionID, actorID string) error {
	if submissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}

	ctxDB, cancel := withTimeout(ctx, s.timeouts.DB)
	defer cancel()
	sub, err := s.submissions.Get(ctxDB, submissionID)
	if err != nil {
		if errors.Is(err, repository.ErrSubmissionNotFound) {
			return appErr.New(appErr.SubmissionNotFound)
		}
		return appErr.Wrapf(err, appErr.DatabaseError, "get submission failed")
	}
	previousState := sub.State

	if err := s.submissions.ResetForRejudge(ctxDB, submissionID, actorID); err != nil {
		switch {
		case errors.Is(err, repository.ErrSubmissionNotFound):
			return appErr.New(appErr.SubmissionNotFound)
		case errors.Is(err, repository.ErrSubmissionActive):
			return appErr.New(appErr.SubmissionNotPending).WithMessage("submission is already queued or running")
		default:
			return appErr.Wrapf(err, appErr.DatabaseError, "reset submission failed")
		}
	}

	req := model.JudgeRequest{
		SubmissionID: sub.ID,
		UserID:       sub.UserID,
		ProblemID:    sub.ProblemID,
		Language:     sub.Language,
		SourceKey:    sub.SourceKey,
		TestCount:    sub.TestsTotal,
		Priority:     model.RejudgePriority,
		EnqueuedAt:   time.Now().UnixMilli(),
	}
	req.Normalize()
	body, err := json.Marshal(&req)
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "encode judge request failed")
	}
	msg := mq.NewMessage(body)
	msg.ID = sub.ID
	msg.Priority = req.Priority

	ctxMQ, cancelMQ := withTimeout(ctx, s.timeouts.MQ)
	defer cancelMQ()
	if err := s.queue.Publish(ctxMQ, s.jobTopic, msg); err != nil {
		// The row is pending with no queued message now. The publisher
		// reconnects on its own, so this window is a broker outage.
		logger.Error(ctx, "rejudge reset but not enqueued",
			zap.String("submission_id", sub.ID),
			zap.Error(err),
		)
		return appErr.Wrapf(err, appErr.QueuePublishFail, "enqueue rejudge failed")
	}

	s.writeAudit(ctx, &repository.AuditRecord{
		ActorID: actorID,
		Action:  "submission.rejudge",
		Subject: sub.ID,
		Detail:  map[string]any{"previous_state": string(previousState)},
	})
	logger.Info(ctx, "submission rejudge queued",
		zap.String("submission_id", sub.ID),
		zap.String("actor_id", actorID),
	)
	return nil
}

// ScaleWorkers resizes the pool and publishes the scaled event through the
// outbox. Returns the previous and new live counts.
func (s *ControlService) ScaleWorkers(ctx context.Context, target int, actorID string) (int, int, error) {
	if target < 1 || target > pool.MaxWorkers {
		return 0, 0, appErr.New(appErr.InvalidWorkerCount).
			WithMessage(fmt.Sprintf("worker count must be between 1 and %d", pool.MaxWorkers))
	}

	from, err := s.scaler.ScaleWorkers(target)
	if err != nil {
		return 0, 0, appErr.Wrapf(err, appErr.InternalServerError, "scale workers failed")
	}

	event := model.WorkersScaledEvent{
		EventID: uuid.NewString(),
		ActorID: actorID,
		From:    from,
		To:      target,
		At:      time.Now().UnixMilli(),
	}
	if s.database != nil && s.outbox != nil {
		ctxDB, cancel := withTimeout(ctx, s.timeouts.DB)
		err := s.database.Transaction(ctxDB, func(tx db.Transaction) error {
			return s.outbox.Insert(ctxDB, tx, event.EventID, model.RoutingKeyWorkersScaled, event)
		})
		cancel()
		if err != nil {
			// Scaling already happened; the event is advisory.
			logger.Warn(ctx, "workers scaled event not recorded", zap.Error(err))
		}
	}

	s.writeAudit(ctx, &repository.AuditRecord{
		ActorID: actorID,
		Action:  "judge.workers.scale",
		Subject: strconv.Itoa(target),
		Detail:  map[string]any{"from": from, "to": target},
	})
	logger.Info(ctx, "judge workers scaled",
		zap.Int("from", from),
		zap.Int("to", target),
		zap.String("actor_id", actorID),
	)
	return from, target, nil
}

// ClearBox force-cleans one sandbox box.
func (s *ControlService) ClearBox(ctx context.Context, id int, actorID string) error {
	if id < 0 || id > clearBoxMaxID {
		return appErr.ValidationError("box_id", fmt.Sprintf("must be between 0 and %d", clearBoxMaxID))
	}
	if err := s.cleaner.ClearBox(ctx, id); err != nil {
		return appErr.Wrapf(err, appErr.SandboxError, "clear box failed")
	}

	s.writeAudit(ctx, &repository.AuditRecord{
		ActorID: actorID,
		Action:  "judge.clear-box",
		Subject: strconv.Itoa(id),
	})
	logger.Info(ctx, "sandbox box cleared",
		zap.Int("box_id", id),
		zap.String("actor_id", actorID),
	)
	return nil
}

// writeAudit records an admin action. The action already succeeded, so audit
// failures degrade to a warning instead of failing the request.
func (s *ControlService) writeAudit(ctx context.Context, record *repository.AuditRecord) {
	if s.audit == nil {
		return
	}
	ctxDB, cancel := withTimeout(ctx, s.timeouts.DB)
	defer cancel()
	if err := s.audit.Insert(ctxDB, nil, record); err != nil {
		logger.Warn(ctx, "audit record failed",
			zap.String("action", record.Action),
			zap.Error(err),
		)
	}
}
