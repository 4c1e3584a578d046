package service

import (
	"context"
	"fmt"
	"time"

	"codehakam/internal/common/mq"
	"codehakam/internal/judge/pool"
	appErr "codehakam/pkg/errors"
)

// PoolReader is the live pool view the status endpoints render.
type PoolReader interface {
	Status(ctx context.Context) pool.Status
	Workers() []pool.WorkerInfo
	StartedAt() time.Time
}

// QueueInspector reads queue gauges off the broker.
type QueueInspector interface {
	InspectQueue(ctx context.Context, name string) (mq.QueueInfo, error)
	JobQueueName() string
	DeadLetterQueueName() string
}

// Pinger reports liveness of one dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatusConfig holds status and health dependencies.
type StatusConfig struct {
	Pool    PoolReader
	Queue   QueueInspector
	DB      Pinger
	Broker  Pinger
	Storage Pinger
	Cache   Pinger

	// CheckTimeout bounds each individual health probe.
	CheckTimeout time.Duration
}

// StatusService serves the judge status, worker and health read surface.
type StatusService struct {
	pool    PoolReader
	queue   QueueInspector
	db      Pinger
	broker  Pinger
	storage Pinger
	cache   Pinger

	checkTimeout time.Duration
}

// JudgeStatus is the pool snapshot plus service uptime.
type JudgeStatus struct {
	pool.Status
	UptimeSeconds int64 `json:"uptime_seconds"`
}

// QueueStatus reports the work queue and its dead-letter companion.
type QueueStatus struct {
	Depth     int `json:"depth"`
	Consumers int `json:"consumers"`
	DLQDepth  int `json:"dlq_depth"`
}

// HealthReport is the health endpoint body.
type HealthReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// NewStatusService creates the status service.
func NewStatusService(cfg StatusConfig) (*StatusService, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("queue inspector is required")
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 2 * time.Second
	}
	return &StatusService{
		pool:         cfg.Pool,
		queue:        cfg.Queue,
		db:           cfg.DB,
		broker:       cfg.Broker,
		storage:      cfg.Storage,
		cache:        cfg.Cache,
		checkTimeout: cfg.CheckTimeout,
	}, nil
}

// JudgeStatus returns the pool snapshot with uptime.
func (s *StatusService) JudgeStatus(ctx context.Context) JudgeStatus {
	return JudgeStatus{
		Status:        s.pool.Status(ctx),
		UptimeSeconds: int64(time.Since(s.pool.StartedAt()).Seconds()),
	}
}

// Workers returns the per-worker snapshot.
func (s *StatusService) Workers() []pool.WorkerInfo {
	return s.pool.Workers()
}

// QueueStatus inspects the work queue and the dead-letter queue.
func (s *StatusService) QueueStatus(ctx context.Context) (QueueStatus, error) {
	job, err := s.queue.InspectQueue(ctx, s.queue.JobQueueName())
	if err != nil {
		return QueueStatus{}, appErr.Wrapf(err, appErr.QueueUnavailable, "inspect job queue failed")
	}
	dlq, err := s.queue.InspectQueue(ctx, s.queue.DeadLetterQueueName())
	if err != nil {
		return QueueStatus{}, appErr.Wrapf(err, appErr.QueueUnavailable, "inspect dead-letter queue failed")
	}
	return QueueStatus{
		Depth:     job.Ready,
		Consumers: job.Consumers,
		DLQDepth:  dlq.Ready,
	}, nil
}

// Health probes every dependency. The boolean is false when a hard
// dependency (database or broker) is down; storage and cache degrade the
// report without failing it.
func (s *StatusService) Health(ctx context.Context) (HealthReport, bool) {
	checks := map[string]string{
		"db":      s.probe(ctx, s.db),
		"broker":  s.probe(ctx, s.broker),
		"storage": s.probe(ctx, s.storage),
		"cache":   s.probe(ctx, s.cache),
	}

	healthy := checks["db"] == "ok" && checks["broker"] == "ok"
	status := "ok"
	switch {
	case !healthy:
		status = "down"
	case checks["storage"] != "ok" || checks["cache"] != "ok":
		status = "degraded"
	}
	return HealthReport{Status: status, Checks: checks}, healthy
}

func (s *StatusService) probe(ctx context.Context, p Pinger) string {
	if p == nil {
		return "skipped"
	}
	ctxCheck, cancel := context.WithTimeout(ctx, s.checkTimeout)
	defer cancel()
	if err := p.Ping(ctxCheck); err != nil {
		return "down"
	}
	return "ok"
}
