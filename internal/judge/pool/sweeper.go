package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"codehakam/internal/common/db"
	"codehakam/internal/common/mq"
	"codehakam/internal/judge/repository"
	"codehakam/pkg/utils/logger"
)

const (
	defaultSweepInterval = 500 * time.Millisecond
	defaultSweepBatch    = 64
	sweepTimeout         = 5 * time.Second
)

// Publisher is the broker surface the sweeper publishes through.
type Publisher interface {
	Publish(ctx context.Context, topic string, message *mq.Message) error
}

// SweeperConfig assembles a Sweeper.
type SweeperConfig struct {
	DB        db.Database
	Outbox    repository.OutboxRepository
	Publisher Publisher

	// Interval between sweeps, default 500ms.
	Interval time.Duration
	// Batch is the maximum rows picked per sweep, default 64.
	Batch int
}

// Sweeper drains the submission outbox: committed event rows are published to
// the event exchange with their stored routing key and event id, then marked
// published. A failed publish leaves the row for the next tick, so consumers
// must treat the event id as the dedup key.
type Sweeper struct {
	cfg SweeperConfig

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewSweeper validates the config and builds a stopped sweeper.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.DB == nil {
		return nil, errors.New("database is required")
	}
	if cfg.Outbox == nil {
		return nil, errors.New("outbox repository is required")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultSweepInterval
	}
	if cfg.Batch <= 0 {
		cfg.Batch = defaultSweepBatch
	}
	return &Sweeper{
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}, nil
}

// Start begins sweeping in the background.
func (s *Sweeper) Start() {
	s.startOnce.Do(func() {
		go s.loop()
	})
}

// Stop halts the loop after one final sweep, so verdicts persisted during
// shutdown still get their events out. It blocks until the loop exits.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	<-s.done
}

func (s *Sweeper) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			s.sweep()
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	published, err := s.sweepOnce(ctx)
	if err != nil {
		logger.Warn(ctx, "outbox sweep failed", zap.Error(err))
	}
	if published > 0 {
		logger.Debug(ctx, "outbox events published", zap.Int("count", published))
	}
}

// sweepOnce publishes one batch. Rows whose publish succeeded are marked even
// when a later publish in the batch fails; the marks commit, the failure is
// returned for logging.
func (s *Sweeper) sweepOnce(ctx context.Context) (int, error) {
	var published int
	var pubErr error
	txErr := s.cfg.DB.Transaction(ctx, func(tx db.Transaction) error {
		entries, err := s.cfg.Outbox.PickUnpublished(ctx, tx, s.cfg.Batch)
		if err != nil || len(entries) == 0 {
			return err
		}

		ids := make([]int64, 0, len(entries))
		for _, e := range entries {
			msg := &mq.Message{
				ID:        e.EventID,
				Body:      e.Payload,
				Timestamp: time.Now(),
			}
			if err := s.cfg.Publisher.Publish(ctx, e.RoutingKey, msg); err != nil {
				pubErr = fmt.Errorf("publish %s: %w", e.RoutingKey, err)
				break
			}
			ids = append(ids, e.ID)
		}
		if len(ids) == 0 {
			return pubErr
		}
		if err := s.cfg.Outbox.MarkPublished(ctx, tx, ids); err != nil {
			return err
		}
		published = len(ids)
		return nil
	})
	if txErr != nil {
		return published, txErr
	}
	return published, pubErr
}
