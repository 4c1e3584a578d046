package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"codehakam/internal/common/mq"
	"codehakam/internal/judge/pool"
	appErr "codehakam/pkg/errors"
)

type fakePoolReader struct {
	status  pool.Status
	workers []pool.WorkerInfo
	started time.Time
}

func (p *fakePoolReader) Status(ctx context.Context) pool.Status { return p.status }
func (p *fakePoolReader) Workers() []pool.WorkerInfo             { return p.workers }
func (p *fakePoolReader) StartedAt() time.Time                   { return p.started }

type fakeQueueInspector struct {
	infos map[string]mq.QueueInfo
	errs  map[string]error
}

func (q *fakeQueueInspector) InspectQueue(ctx context.Context, name string) (mq.QueueInfo, error) {
	if err := q.errs[name]; err != nil {
		return mq.QueueInfo{}, err
	}
	return q.infos[name], nil
}

func (q *fakeQueueInspector) JobQueueName() string        { return "judge.submissions" }
func (q *fakeQueueInspector) DeadLetterQueueName() string { return "judge.submissions.dlq" }

type fakePinger struct {
	err error
}

func (p *fakePinger) Ping(ctx context.Context) error { return p.err }

func newStatusFixture(t *testing.T, cfg StatusConfig) *StatusService {
	t.Helper()
	if cfg.Pool == nil {
		cfg.Pool = &fakePoolReader{started: time.Now()}
	}
	if cfg.Queue == nil {
		cfg.Queue = &fakeQueueInspector{}
	}
	svc, err := NewStatusService(cfg)
	if err != nil {
		t.Fatalf("new status service: %v", err)
	}
	return svc
}

func TestJudgeStatusIncludesUptime(t *testing.T) {
	t.Parallel()
	p := &fakePoolReader{
		status:  pool.Status{TotalWorkers: 4, ActiveWorkers: 2, QueueSize: 7, Healthy: true},
		started: time.Now().Add(-90 * time.Second),
	}
	svc := newStatusFixture(t, StatusConfig{Pool: p})

	got := svc.JudgeStatus(context.Background())
	if got.TotalWorkers != 4 || got.ActiveWorkers != 2 || got.QueueSize != 7 || !got.Healthy {
		t.Fatalf("pool snapshot lost: %+v", got)
	}
	if got.UptimeSeconds < 89 || got.UptimeSeconds > 95 {
		t.Fatalf("unexpected uptime: %d", got.UptimeSeconds)
	}
}

func TestQueueStatus(t *testing.T) {
	t.Parallel()
	q := &fakeQueueInspector{infos: map[string]mq.QueueInfo{
		"judge.submissions":     {Ready: 12, Consumers: 4},
		"judge.submissions.dlq": {Ready: 3},
	}}
	svc := newStatusFixture(t, StatusConfig{Queue: q})

	got, err := svc.QueueStatus(context.Background())
	if err != nil {
		t.Fatalf("queue status failed: %v", err)
	}
	if got.Depth != 12 || got.Consumers != 4 || got.DLQDepth != 3 {
		t.Fatalf("unexpected queue status: %+v", got)
	}
}

func TestQueueStatusBrokerDown(t *testing.T) {
	t.Parallel()
	q := &fakeQueueInspector{errs: map[string]error{
		"judge.submissions": errors.New("channel closed"),
	}}
	svc := newStatusFixture(t, StatusConfig{Queue: q})

	_, err := svc.QueueStatus(context.Background())
	if appErr.GetCode(err) != appErr.QueueUnavailable {
		t.Fatalf("expected queue unavailable, got %v", err)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		db          error
		broker      error
		storage     error
		cache       error
		wantStatus  string
		wantHealthy bool
	}{
		{"all up", nil, nil, nil, nil, "ok", true},
		{"storage down", nil, nil, errors.New("minio"), nil, "degraded", true},
		{"cache down", nil, nil, nil, errors.New("valkey"), "degraded", true},
		{"db down", errors.New("pg"), nil, nil, nil, "down", false},
		{"broker down", nil, errors.New("amqp"), nil, nil, "down", false},
		{"everything down", errors.New("pg"), errors.New("amqp"), errors.New("minio"), errors.New("valkey"), "down", false},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			svc := newStatusFixture(t, StatusConfig{
				DB:      &fakePinger{err: tc.db},
				Broker:  &fakePinger{err: tc.broker},
				Storage: &fakePinger{err: tc.storage},
				Cache:   &fakePinger{err: tc.cache},
			})

			report, healthy := svc.Health(context.Background())
			if healthy != tc.wantHealthy || report.Status != tc.wantStatus {
				t.Fatalf("unexpected health: healthy=%v report=%+v", healthy, report)
			}
		})
	}
}

func TestHealthChecksReportPerDependency(t *testing.T) {
	t.Parallel()
	svc := newStatusFixture(t, StatusConfig{
		DB:     &fakePinger{},
		Broker: &fakePinger{},
		Cache:  &fakePinger{err: errors.New("valkey down")},
	})

	report, healthy := svc.Health(context.Background())
	if !healthy {
		t.Fatal("cache outage must not fail hard health")
	}
	want := map[string]string{"db": "ok", "broker": "ok", "storage": "skipped", "cache": "down"}
	for dep, state := range want {
		if report.Checks[dep] != state {
			t.Fatalf("check %s: got %s, want %s", dep, report.Checks[dep], state)
		}
	}
}
