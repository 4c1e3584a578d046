package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"codehakam/internal/common/storage"
	"codehakam/internal/judge/bundle"
	"codehakam/internal/judge/model"
	"codehakam/internal/judge/repository"
	"codehakam/internal/judge/sandbox"
)

type fakeJob struct {
	body       []byte
	retryCount int
	retryOK    bool
	retryErr   error

	acked    int
	rejected int
	requeued int
	retried  int
}

func (j *fakeJob) Body() []byte    { return j.body }
func (j *fakeJob) RetryCount() int { return j.retryCount }
func (j *fakeJob) Ack() error      { j.acked++; return nil }
func (j *fakeJob) Reject() error   { j.rejected++; return nil }
func (j *fakeJob) Requeue() error  { j.requeued++; return nil }

func (j *fakeJob) Retry(context.Context) (bool, error) {
	j.retried++
	return j.retryOK, j.retryErr
}

// execStep scripts one Execute call. The step's out is written to output.txt
// in the box, mirroring the real driver. block waits for ctx instead.
type execStep struct {
	out   string
	res   sandbox.ExecResult
	err   error
	block bool
}

type fakeSandbox struct {
	boxDir     string
	createErr  error
	compileRes sandbox.CompileResult
	compileErr error
	steps      []execStep

	compiled  [][]byte
	execCalls int
	cleanups  int
}

func (f *fakeSandbox) CreateBox(context.Context) (*sandbox.Box, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &sandbox.Box{ID: 0, Dir: f.boxDir}, nil
}

func (f *fakeSandbox) CleanupBox(context.Context, *sandbox.Box) error {
	f.cleanups++
	return nil
}

func (f *fakeSandbox) Compile(_ context.Context, _ *sandbox.Box, _ model.Language, source []byte) (sandbox.CompileResult, error) {
	f.compiled = append(f.compiled, source)
	return f.compileRes, f.compileErr
}

func (f *fakeSandbox) Execute(ctx context.Context, box *sandbox.Box, _ sandbox.ExecSpec) (sandbox.ExecResult, error) {
	if f.execCalls >= len(f.steps) {
		return sandbox.ExecResult{}, errors.New("unexpected execute call")
	}
	step := f.steps[f.execCalls]
	f.execCalls++
	if step.block {
		<-ctx.Done()
		return sandbox.ExecResult{}, ctx.Err()
	}
	if step.err != nil {
		return sandbox.ExecResult{}, step.err
	}
	res := step.res
	res.StdoutPath = filepath.Join(box.Dir, sandbox.OutputFileName)
	if err := os.WriteFile(res.StdoutPath, []byte(step.out), 0o644); err != nil {
		return sandbox.ExecResult{}, err
	}
	return res, nil
}

type fakeChecker struct {
	prepareErr error
	verdicts   []bool

	prepared   int
	judgeCalls int
}

func (f *fakeChecker) Prepare(context.Context, *sandbox.Box, []byte) error {
	f.prepared++
	return f.prepareErr
}

func (f *fakeChecker) Judge(context.Context, *sandbox.Box, string, string) bool {
	f.judgeCalls++
	if f.judgeCalls <= len(f.verdicts) {
		return f.verdicts[f.judgeCalls-1]
	}
	return true
}

type fakeTestData struct {
	dir        string
	count      int
	errAt      map[int]error
	checker    []byte
	checkerErr error

	getCalls int
}

// newFakeTestData stages one input/answer file pair per answer.
func newFakeTestData(t *testing.T, answers ...string) *fakeTestData {
	t.Helper()
	dir := t.TempDir()
	for i, ans := range answers {
		in := filepath.Join(dir, fmt.Sprintf("%d.in", i+1))
		if err := os.WriteFile(in, []byte(fmt.Sprintf("input %d\n", i+1)), 0o644); err != nil {
			t.Fatalf("stage input: %v", err)
		}
		out := filepath.Join(dir, fmt.Sprintf("%d.ans", i+1))
		if err := os.WriteFile(out, []byte(ans), 0o644); err != nil {
			t.Fatalf("stage answer: %v", err)
		}
	}
	return &fakeTestData{dir: dir, count: len(answers), errAt: make(map[int]error)}
}

func (f *fakeTestData) Get(_ context.Context, _ string, _, test int) (bundle.TestFiles, error) {
	f.getCalls++
	if err, ok := f.errAt[test]; ok {
		return bundle.TestFiles{}, err
	}
	if test > f.count {
		return bundle.TestFiles{}, fmt.Errorf("test %d not staged: %w", test, bundle.ErrTestMissing)
	}
	return bundle.TestFiles{
		InputPath:  filepath.Join(f.dir, fmt.Sprintf("%d.in", test)),
		AnswerPath: filepath.Join(f.dir, fmt.Sprintf("%d.ans", test)),
	}, nil
}

func (f *fakeTestData) CheckerSource(context.Context, string, int) ([]byte, error) {
	return f.checker, f.checkerErr
}

type fakeSourceStorage struct {
	objects map[string][]byte
	getErr  error
}

func newFakeSourceStorage() *fakeSourceStorage {
	return &fakeSourceStorage{objects: make(map[string][]byte)}
}

func (f *fakeSourceStorage) put(bucket, key, data string) {
	f.objects[bucket+"/"+key] = []byte(data)
}

func (f *fakeSourceStorage) GetObject(_ context.Context, bucket, key string) (storage.ObjectReader, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	data, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", key, storage.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeSourceStorage) PutObject(context.Context, string, string, io.Reader, int64, string) error {
	return nil
}

func (f *fakeSourceStorage) StatObject(context.Context, string, string) (storage.ObjectStat, error) {
	return storage.ObjectStat{}, nil
}

func (f *fakeSourceStorage) EnsureBucket(context.Context, string) error { return nil }
func (f *fakeSourceStorage) Ping(context.Context) error                 { return nil }

type fakeSubmissions struct {
	markOK      bool
	markErr     error
	finalizeOK  bool
	finalizeErr error

	markCalls []string
	finalized []repository.FinalizeParams
}

func (f *fakeSubmissions) MarkRunning(_ context.Context, id string) (bool, error) {
	f.markCalls = append(f.markCalls, id)
	return f.markOK, f.markErr
}

func (f *fakeSubmissions) Finalize(_ context.Context, id string, params repository.FinalizeParams) (bool, error) {
	if f.finalizeErr != nil {
		return false, f.finalizeErr
	}
	f.finalized = append(f.finalized, params)
	return f.finalizeOK, nil
}

func (f *fakeSubmissions) last(t *testing.T) repository.FinalizeParams {
	t.Helper()
	if len(f.finalized) == 0 {
		t.Fatal("no finalize recorded")
	}
	return f.finalized[len(f.finalized)-1]
}

const testBucket = "submissions"

func validRequest() model.JudgeRequest {
	return model.JudgeRequest{
		SubmissionID:  "sub-1",
		UserID:        "user-1",
		ProblemID:     "p1",
		Language:      "cpp",
		SourceKey:     "sources/sub-1.cpp",
		TimeLimitMs:   2000,
		MemoryLimitMB: 256,
		TestCount:     2,
	}
}

func requestBody(t *testing.T, req model.JudgeRequest) []byte {
	t.Helper()
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return data
}

type fixture struct {
	job     *fakeJob
	sandbox *fakeSandbox
	checker *fakeChecker
	tests   *fakeTestData
	store   *fakeSourceStorage
	repo    *fakeSubmissions
	worker  *Worker
}

func newFixture(t *testing.T, req model.JudgeRequest, answers []string, steps []execStep) *fixture {
	t.Helper()
	f := &fixture{
		job:     &fakeJob{body: requestBody(t, req), retryOK: true},
		sandbox: &fakeSandbox{boxDir: t.TempDir(), compileRes: sandbox.CompileResult{OK: true}, steps: steps},
		checker: &fakeChecker{},
		tests:   newFakeTestData(t, answers...),
		store:   newFakeSourceStorage(),
		repo:    &fakeSubmissions{markOK: true, finalizeOK: true},
	}
	f.store.put(testBucket, req.SourceKey, "int main(){}")

	w, err := New(Config{
		Sandbox:        f.sandbox,
		Checker:        f.checker,
		TestData:       f.tests,
		Storage:        f.store,
		Submissions:    f.repo,
		SourceBucket:   testBucket,
		Timeout:        5 * time.Second,
		PersistTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.worker = w
	return f
}

func cleanRun(timeMs, memoryKB int64) sandbox.ExecResult {
	return sandbox.ExecResult{TimeMs: timeMs, MemoryKB: memoryKB}
}

func TestNewValidatesConfig(t *testing.T) {
	base := func() Config {
		return Config{
			Sandbox:      &fakeSandbox{},
			Checker:      &fakeChecker{},
			TestData:     &fakeTestData{},
			Storage:      newFakeSourceStorage(),
			Submissions:  &fakeSubmissions{},
			SourceBucket: testBucket,
		}
	}
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing sandbox", func(c *Config) { c.Sandbox = nil }},
		{"missing checker", func(c *Config) { c.Checker = nil }},
		{"missing test data", func(c *Config) { c.TestData = nil }},
		{"missing storage", func(c *Config) { c.Storage = nil }},
		{"missing submissions", func(c *Config) { c.Submissions = nil }},
		{"missing bucket", func(c *Config) { c.SourceBucket = "" }},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			if _, err := New(cfg); err == nil {
				t.Fatal("expected config error")
			}
		})
	}

	w, err := New(base())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if w.cfg.Timeout != DefaultTimeout {
		t.Errorf("timeout default = %v, want %v", w.cfg.Timeout, DefaultTimeout)
	}
}

func TestProcessUnreadableBodyDeadLetters(t *testing.T) {
	f := newFixture(t, validRequest(), []string{"1\n"}, nil)
	f.job.body = []byte("not json at all")

	res := f.worker.Process(context.Background(), f.job)

	if res.Disposition != DispositionDeadLettered {
		t.Fatalf("disposition = %q, want dead-lettered", res.Disposition)
	}
	if f.job.rejected != 1 {
		t.Errorf("rejected = %d, want 1", f.job.rejected)
	}
	if len(f.repo.markCalls) != 0 || len(f.repo.finalized) != 0 {
		t.Error("unreadable body must not touch the repository")
	}
}

func TestProcessInvalidRequestFinalizesInternalError(t *testing.T) {
	req := validRequest()
	req.TestCount = 0
	f := newFixture(t, req, nil, nil)

	res := f.worker.Process(context.Background(), f.job)

	if res.Disposition != DispositionFinalized {
		t.Fatalf("disposition = %q, want finalized", res.Disposition)
	}
	params := f.repo.last(t)
	if params.Verdict != model.VerdictInternalError {
		t.Errorf("verdict = %q, want internal-error", params.Verdict)
	}
	if params.Error == "" {
		t.Error("internal-error finalize must carry the cause")
	}
	if f.job.acked != 1 {
		t.Errorf("acked = %d, want 1", f.job.acked)
	}
	if len(f.repo.markCalls) != 0 {
		t.Error("invalid request must not be marked running")
	}
	if f.sandbox.execCalls != 0 {
		t.Error("invalid request must not reach the sandbox")
	}
}

func TestProcessDuplicateDeliveryDropped(t *testing.T) {
	f := newFixture(t, validRequest(), []string{"1\n"}, nil)
	f.repo.markOK = false

	res := f.worker.Process(context.Background(), f.job)

	if res.Disposition != DispositionDropped {
		t.Fatalf("disposition = %q, want dropped", res.Disposition)
	}
	if f.job.acked != 1 {
		t.Errorf("acked = %d, want 1", f.job.acked)
	}
	if f.sandbox.execCalls != 0 || len(f.repo.finalized) != 0 {
		t.Error("duplicate must not be judged")
	}
}

func TestProcessRetriedDeliveryProceedsPastGuard(t *testing.T) {
	// The row stays running after a failed attempt; the retried delivery
	// must still be judged.
	req := validRequest()
	req.TestCount = 1
	f := newFixture(t, req, []string{"1\n"}, []execStep{{out: "1\n", res: cleanRun(10, 100)}})
	f.repo.markOK = false
	f.job.retryCount = 1

	res := f.worker.Process(context.Background(), f.job)

	if res.Disposition != DispositionFinalized {
		t.Fatalf("disposition = %q, want finalized", res.Disposition)
	}
	if f.repo.last(t).Verdict != model.VerdictAccepted {
		t.Errorf("verdict = %q, want accepted", f.repo.last(t).Verdict)
	}
}

func TestProcessMarkRunningFailureRetries(t *testing.T) {
	f := newFixture(t, validRequest(), []string{"1\n"}, nil)
	f.repo.markErr = errors.New("connection refused")

	res := f.worker.Process(context.Background(), f.job)

	if res.Disposition != DispositionRetried {
		t.Fatalf("disposition = %q, want retried", res.Disposition)
	}
	if f.job.retried != 1 {
		t.Errorf("retried = %d, want 1", f.job.retried)
	}
	if f.job.acked != 0 {
		t.Errorf("acked = %d, want 0 (Retry settles the delivery)", f.job.acked)
	}
}

func TestProcessRetriesExhaustedDeadLetters(t *testing.T) {
	f := newFixture(t, validRequest(), []string{"1\n"}, nil)
	f.repo.markErr = errors.New("connection refused")
	f.job.retryOK = false

	res := f.worker.Process(context.Background(), f.job)

	if res.Disposition != DispositionDeadLettered {
		t.Fatalf("disposition = %q, want dead-lettered", res.Disposition)
	}
}

func TestProcessTransientStorageFailureRetries(t *testing.T) {
	f := newFixture(t, validRequest(), []string{"1\n"}, nil)
	f.store.getErr = errors.New("connection reset")

	res := f.worker.Process(context.Background(), f.job)

	if res.Disposition != DispositionRetried {
		t.Fatalf("disposition = %q, want retried", res.Disposition)
	}
	if len(f.repo.finalized) != 0 {
		t.Error("transient failure must not finalize")
	}
	if f.sandbox.cleanups != 0 {
		t.Errorf("cleanups = %d, want 0 (no box was created)", f.sandbox.cleanups)
	}
}

func TestProcessWallBudgetTimesOut(t *testing.T) {
	req := validRequest()
	req.TestCount = 1
	f := newFixture(t, req, []string{"1\n"}, []execStep{{block: true}})
	w, err := New(Config{
		Sandbox:        f.sandbox,
		Checker:        f.checker,
		TestData:       f.tests,
		Storage:        f.store,
		Submissions:    f.repo,
		SourceBucket:   testBucket,
		Timeout:        30 * time.Millisecond,
		PersistTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res := w.Process(context.Background(), f.job)

	if res.Disposition != DispositionFinalized {
		t.Fatalf("disposition = %q, want finalized", res.Disposition)
	}
	params := f.repo.last(t)
	if params.Verdict != model.VerdictSystemError {
		t.Errorf("verdict = %q, want system-error", params.Verdict)
	}
	if params.Error != "judging timed out" {
		t.Errorf("error = %q, want judging timed out", params.Error)
	}
	if f.job.acked != 1 {
		t.Errorf("acked = %d, want 1", f.job.acked)
	}
	if f.sandbox.cleanups != 1 {
		t.Errorf("cleanups = %d, want 1", f.sandbox.cleanups)
	}
}

func TestProcessShutdownRequeues(t *testing.T) {
	req := validRequest()
	req.TestCount = 1
	f := newFixture(t, req, []string{"1\n"}, []execStep{{block: true}})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	res := f.worker.Process(ctx, f.job)

	if res.Disposition != DispositionRequeued {
		t.Fatalf("disposition = %q, want requeued", res.Disposition)
	}
	if f.job.requeued != 1 {
		t.Errorf("requeued = %d, want 1", f.job.requeued)
	}
	if len(f.repo.finalized) != 0 {
		t.Error("shutdown must not finalize a verdict")
	}
}

func TestProcessFinalizeConflictDropped(t *testing.T) {
	req := validRequest()
	req.TestCount = 1
	f := newFixture(t, req, []string{"1\n"}, []execStep{{out: "1\n", res: cleanRun(10, 100)}})
	f.repo.finalizeOK = false

	res := f.worker.Process(context.Background(), f.job)

	if res.Disposition != DispositionDropped {
		t.Fatalf("disposition = %q, want dropped", res.Disposition)
	}
	if f.job.acked != 1 {
		t.Errorf("acked = %d, want 1", f.job.acked)
	}
}

func TestProcessFinalizeFailureRetries(t *testing.T) {
	req := validRequest()
	req.TestCount = 1
	f := newFixture(t, req, []string{"1\n"}, []execStep{{out: "1\n", res: cleanRun(10, 100)}})
	f.repo.finalizeErr = errors.New("connection refused")

	res := f.worker.Process(context.Background(), f.job)

	if res.Disposition != DispositionRetried {
		t.Fatalf("disposition = %q, want retried", res.Disposition)
	}
}
