package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"codehakam/internal/common/db"
	"codehakam/internal/judge/model"
	"codehakam/internal/judge/pool"
	"codehakam/internal/judge/repository"
	appErr "codehakam/pkg/errors"
)

type fakeTx struct{}

func (fakeTx) Query(context.Context, string, ...interface{}) (db.Rows, error) {
	return nil, errors.New("not implemented")
}
func (fakeTx) QueryRow(context.Context, string, ...interface{}) db.Row { return nil }
func (fakeTx) Exec(context.Context, string, ...interface{}) (db.Result, error) {
	return nil, errors.New("not implemented")
}
func (fakeTx) Prepare(context.Context, string) (db.Stmt, error) {
	return nil, errors.New("not implemented")
}
func (fakeTx) Commit() error   { return nil }
func (fakeTx) Rollback() error { return nil }

// fakeDatabase runs the transaction callback against a stub transaction; the
// control service only needs the callback plumbing.
type fakeDatabase struct {
	txCalls int
}

func (d *fakeDatabase) Transaction(ctx context.Context, fn func(tx db.Transaction) error) error {
	d.txCalls++
	return fn(fakeTx{})
}

func (d *fakeDatabase) Query(context.Context, string, ...interface{}) (db.Rows, error) {
	return nil, errors.New("not implemented")
}
func (d *fakeDatabase) QueryRow(context.Context, string, ...interface{}) db.Row { return nil }
func (d *fakeDatabase) Exec(context.Context, string, ...interface{}) (db.Result, error) {
	return nil, errors.New("not implemented")
}
func (d *fakeDatabase) BeginTx(context.Context, *db.TxOptions) (db.Transaction, error) {
	return nil, errors.New("not implemented")
}
func (d *fakeDatabase) Prepare(context.Context, string) (db.Stmt, error) {
	return nil, errors.New("not implemented")
}
func (d *fakeDatabase) Ping(context.Context) error { return nil }
func (d *fakeDatabase) Close() error               { return nil }
func (d *fakeDatabase) Stats() db.Stats            { return db.Stats{} }
func (d *fakeDatabase) GetDB() interface{}         { return nil }

type outboxInsert struct {
	eventID    string
	routingKey string
	payload    any
}

type fakeOutboxRepo struct {
	mu      sync.Mutex
	inserts []outboxInsert
	err     error
}

func (o *fakeOutboxRepo) Insert(ctx context.Context, tx db.Transaction, eventID, routingKey string, payload any) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.inserts = append(o.inserts, outboxInsert{eventID: eventID, routingKey: routingKey, payload: payload})
	return nil
}

func (o *fakeOutboxRepo) PickUnpublished(context.Context, db.Transaction, int) ([]*repository.OutboxEntry, error) {
	return nil, errors.New("not implemented")
}

func (o *fakeOutboxRepo) MarkPublished(context.Context, db.Transaction, []int64) error {
	return errors.New("not implemented")
}

type fakeScaler struct {
	prev   int
	err    error
	calls  int
	target int
}

func (s *fakeScaler) ScaleWorkers(target int) (int, error) {
	s.calls++
	s.target = target
	if s.err != nil {
		return 0, s.err
	}
	return s.prev, nil
}

type fakeCleaner struct {
	boxes []int
	err   error
}

func (c *fakeCleaner) ClearBox(ctx context.Context, id int) error {
	if c.err != nil {
		return c.err
	}
	c.boxes = append(c.boxes, id)
	return nil
}

type controlFixture struct {
	repo    *fakeSubmissionRepo
	outbox  *fakeOutboxRepo
	audit   *fakeAuditRepo
	db      *fakeDatabase
	queue   *fakeJobQueue
	scaler  *fakeScaler
	cleaner *fakeCleaner
	svc     *ControlService
}

func newControlFixture(t *testing.T) *controlFixture {
	t.Helper()
	f := &controlFixture{
		repo:    newFakeSubmissionRepo(),
		outbox:  &fakeOutboxRepo{},
		audit:   &fakeAuditRepo{},
		db:      &fakeDatabase{},
		queue:   &fakeJobQueue{},
		scaler:  &fakeScaler{prev: 4},
		cleaner: &fakeCleaner{},
	}
	svc, err := NewControlService(ControlConfig{
		Submissions: f.repo,
		Outbox:      f.outbox,
		Audit:       f.audit,
		Database:    f.db,
		Queue:       f.queue,
		Scaler:      f.scaler,
		Cleaner:     f.cleaner,
		JobTopic:    testJobTopic,
	})
	if err != nil {
		t.Fatalf("new control service: %v", err)
	}
	f.svc = svc
	return f
}

func TestNewControlServiceValidatesConfig(t *testing.T) {
	t.Parallel()
	base := func() ControlConfig {
		return ControlConfig{
			Submissions: newFakeSubmissionRepo(),
			Queue:       &fakeJobQueue{},
			Scaler:      &fakeScaler{},
			Cleaner:     &fakeCleaner{},
			JobTopic:    testJobTopic,
		}
	}

	tests := []struct {
		name   string
		mutate func(*ControlConfig)
	}{
		{"missing repo", func(c *ControlConfig) { c.Submissions = nil }},
		{"missing queue", func(c *ControlConfig) { c.Queue = nil }},
		{"missing scaler", func(c *ControlConfig) { c.Scaler = nil }},
		{"missing cleaner", func(c *ControlConfig) { c.Cleaner = nil }},
		{"missing topic", func(c *ControlConfig) { c.JobTopic = "" }},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			if _, err := NewControlService(cfg); err == nil {
				t.Fatal("expected config error")
			}
		})
	}

	if _, err := NewControlService(base()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestRejudgeNotFound(t *testing.T) {
	t.Parallel()
	f := newControlFixture(t)

	err := f.svc.Rejudge(context.Background(), "missing", "admin-1")
	if appErr.GetCode(err) != appErr.SubmissionNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := f.svc.Rejudge(context.Background(), "", "admin-1"); appErr.GetCode(err) != appErr.ValidationFailed {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRejudgeActiveSubmission(t *testing.T) {
	t.Parallel()
	f := newControlFixture(t)
	f.repo.subs["sub-1"] = &repository.Submission{ID: "sub-1", State: model.VerdictRunning}
	f.repo.resetErr = repository.ErrSubmissionActive

	err := f.svc.Rejudge(context.Background(), "sub-1", "admin-1")
	if appErr.GetCode(err) != appErr.SubmissionNotPending {
		t.Fatalf("expected not-pending, got %v", err)
	}
	if f.queue.count() != 0 {
		t.Fatal("active submission must not be re-enqueued")
	}
}

func TestRejudgeAccepted(t *testing.T) {
	t.Parallel()
	f := newControlFixture(t)
	f.repo.subs["sub-1"] = &repository.Submission{
		ID:         "sub-1",
		UserID:     "user-1",
		ProblemID:  "prob-1",
		Language:   "cpp",
		SourceKey:  "submissions/sub-1/main.cpp",
		State:      model.VerdictAccepted,
		TestsTotal: 4,
	}

	if err := f.svc.Rejudge(context.Background(), "sub-1", "admin-1"); err != nil {
		t.Fatalf("rejudge failed: %v", err)
	}
	if len(f.repo.resets) != 1 || f.repo.resets[0] != "sub-1" {
		t.Fatalf("row not reset: %v", f.repo.resets)
	}

	msg := f.queue.last(t)
	if msg.ID != "sub-1" || msg.Priority != model.RejudgePriority {
		t.Fatalf("unexpected message envelope: id=%s priority=%d", msg.ID, msg.Priority)
	}

	var req model.JudgeRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if req.SubmissionID != "sub-1" || req.SourceKey != "submissions/sub-1/main.cpp" || req.TestCount != 4 {
		t.Fatalf("unexpected request: %+v", req)
	}
	// The row does not keep per-run limits, so the rejudge falls back to the
	// defaults.
	if req.TimeLimitMs != model.DefaultTimeLimitMs || req.MemoryLimitMB != model.DefaultMemoryLimitMB {
		t.Fatalf("limits not defaulted: %+v", req)
	}

	record := f.audit.last(t)
	if record.Action != "submission.rejudge" || record.ActorID != "admin-1" || record.Subject != "sub-1" {
		t.Fatalf("unexpected audit record: %+v", record)
	}
	if record.Detail["previous_state"] != string(model.VerdictAccepted) {
		t.Fatalf("previous state not audited: %v", record.Detail)
	}
}

func TestRejudgePublishFailure(t *testing.T) {
	t.Parallel()
	f := newControlFixture(t)
	f.repo.subs["sub-1"] = &repository.Submission{ID: "sub-1", Language: "cpp", SourceKey: "k", State: model.VerdictAccepted, TestsTotal: 1}
	f.queue.pubErr = errors.New("publish nacked")

	err := f.svc.Rejudge(context.Background(), "sub-1", "admin-1")
	if appErr.GetCode(err) != appErr.QueuePublishFail {
		t.Fatalf("expected publish failure, got %v", err)
	}
	if f.audit.count() != 0 {
		t.Fatal("failed rejudge must not be audited as done")
	}
}

func TestScaleWorkersBounds(t *testing.T) {
	t.Parallel()
	f := newControlFixture(t)

	for _, target := range []int{0, -1, pool.MaxWorkers + 1} {
		_, _, err := f.svc.ScaleWorkers(context.Background(), target, "admin-1")
		if appErr.GetCode(err) != appErr.InvalidWorkerCount {
			t.Fatalf("target %d: expected invalid worker count, got %v", target, err)
		}
	}
	if f.scaler.calls != 0 {
		t.Fatal("out-of-range target must not reach the pool")
	}
}

func TestScaleWorkers(t *testing.T) {
	t.Parallel()
	f := newControlFixture(t)
	f.scaler.prev = 4

	from, to, err := f.svc.ScaleWorkers(context.Background(), 8, "admin-1")
	if err != nil {
		t.Fatalf("scale failed: %v", err)
	}
	if from != 4 || to != 8 {
		t.Fatalf("unexpected counts: from=%d to=%d", from, to)
	}
	if f.scaler.target != 8 {
		t.Fatalf("pool asked for wrong target: %d", f.scaler.target)
	}

	if f.db.txCalls != 1 || len(f.outbox.inserts) != 1 {
		t.Fatalf("scaled event not staged: tx=%d inserts=%d", f.db.txCalls, len(f.outbox.inserts))
	}
	ins := f.outbox.inserts[0]
	if ins.routingKey != model.RoutingKeyWorkersScaled {
		t.Fatalf("unexpected routing key: %s", ins.routingKey)
	}
	event, ok := ins.payload.(model.WorkersScaledEvent)
	if !ok {
		t.Fatalf("unexpected payload type: %T", ins.payload)
	}
	if event.From != 4 || event.To != 8 || event.ActorID != "admin-1" {
		t.Fatalf("unexpected event: %+v", event)
	}

	record := f.audit.last(t)
	if record.Action != "judge.workers.scale" || record.Subject != "8" {
		t.Fatalf("unexpected audit record: %+v", record)
	}
	if record.Detail["from"] != 4 || record.Detail["to"] != 8 {
		t.Fatalf("unexpected audit detail: %v", record.Detail)
	}
}

func TestScaleWorkersScalerError(t *testing.T) {
	t.Parallel()
	f := newControlFixture(t)
	f.scaler.err = errors.New("pool draining")

	_, _, err := f.svc.ScaleWorkers(context.Background(), 8, "admin-1")
	if err == nil {
		t.Fatal("expected scale error")
	}
	if len(f.outbox.inserts) != 0 || f.audit.count() != 0 {
		t.Fatal("failed scaling must not record anything")
	}
}

func TestScaleWorkersOutboxFailureIsAdvisory(t *testing.T) {
	t.Parallel()
	f := newControlFixture(t)
	f.outbox.err = errors.New("db down")

	from, to, err := f.svc.ScaleWorkers(context.Background(), 8, "admin-1")
	if err != nil {
		t.Fatalf("scaling must survive a lost event: %v", err)
	}
	if from != 4 || to != 8 {
		t.Fatalf("unexpected counts: from=%d to=%d", from, to)
	}
	if f.audit.count() != 1 {
		t.Fatal("audit record still expected")
	}
}

func TestClearBox(t *testing.T) {
	t.Parallel()
	f := newControlFixture(t)

	if err := f.svc.ClearBox(context.Background(), 7, "admin-1"); err != nil {
		t.Fatalf("clear box failed: %v", err)
	}
	if len(f.cleaner.boxes) != 1 || f.cleaner.boxes[0] != 7 {
		t.Fatalf("box not cleaned: %v", f.cleaner.boxes)
	}
	record := f.audit.last(t)
	if record.Action != "judge.clear-box" || record.Subject != "7" {
		t.Fatalf("unexpected audit record: %+v", record)
	}
}

func TestClearBoxBounds(t *testing.T) {
	t.Parallel()
	f := newControlFixture(t)

	for _, id := range []int{-1, clearBoxMaxID + 1} {
		if err := f.svc.ClearBox(context.Background(), id, "admin-1"); appErr.GetCode(err) != appErr.ValidationFailed {
			t.Fatalf("box %d: expected validation error, got %v", id, err)
		}
	}
	if len(f.cleaner.boxes) != 0 {
		t.Fatal("out-of-range box must not reach the sandbox")
	}
}

func TestClearBoxSandboxFailure(t *testing.T) {
	t.Parallel()
	f := newControlFixture(t)
	f.cleaner.err = errors.New("box busy")

	err := f.svc.ClearBox(context.Background(), 3, "admin-1")
	if appErr.GetCode(err) != appErr.SandboxError {
		t.Fatalf("expected sandbox error, got %v", err)
	}
	if f.audit.count() != 0 {
		t.Fatal("failed cleanup must not be audited")
	}
}
