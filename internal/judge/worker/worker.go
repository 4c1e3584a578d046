// Package worker turns queued judge requests into persisted verdicts. One
// worker handles a single delivery at a time: it claims the submission row,
// stages source and test data into an isolate box, runs tests until the
// first failure and finalizes the aggregate outcome.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"codehakam/internal/common/storage"
	"codehakam/internal/judge/bundle"
	"codehakam/internal/judge/model"
	"codehakam/internal/judge/repository"
	"codehakam/internal/judge/sandbox"
	"codehakam/pkg/utils/logger"
)

const (
	// DefaultTimeout is the wall budget for one submission, covering fetch,
	// compile and the run loop.
	DefaultTimeout = 60 * time.Second

	// defaultPersistTimeout bounds repository writes so a dead database
	// cannot pin a worker forever.
	defaultPersistTimeout = 10 * time.Second

	cleanupTimeout = 10 * time.Second
)

// Job is one queued judging task. Implementations settle the underlying
// broker delivery exactly once through Ack, Reject, Requeue or Retry.
type Job interface {
	Body() []byte
	RetryCount() int
	Ack() error
	Reject() error
	Requeue() error
	Retry(ctx context.Context) (bool, error)
}

// Sandbox is the slice of the isolate driver the worker drives.
type Sandbox interface {
	CreateBox(ctx context.Context) (*sandbox.Box, error)
	CleanupBox(ctx context.Context, box *sandbox.Box) error
	Compile(ctx context.Context, box *sandbox.Box, lang model.Language, source []byte) (sandbox.CompileResult, error)
	Execute(ctx context.Context, box *sandbox.Box, spec sandbox.ExecSpec) (sandbox.ExecResult, error)
}

// Checker prepares and runs a problem's custom checker inside the box.
type Checker interface {
	Prepare(ctx context.Context, box *sandbox.Box, source []byte) error
	Judge(ctx context.Context, box *sandbox.Box, submissionID, testID string) bool
}

// TestData resolves test files and checker sources through the bundle cache.
type TestData interface {
	Get(ctx context.Context, problemID string, testCount, test int) (bundle.TestFiles, error)
	CheckerSource(ctx context.Context, problemID string, testCount int) ([]byte, error)
}

// Submissions is the persistence slice the worker needs.
type Submissions interface {
	MarkRunning(ctx context.Context, id string) (bool, error)
	Finalize(ctx context.Context, id string, params repository.FinalizeParams) (bool, error)
}

// Config carries the worker's dependencies and budgets.
type Config struct {
	Sandbox     Sandbox
	Checker     Checker
	TestData    TestData
	Storage     storage.ObjectStorage
	Submissions Submissions

	// SourceBucket holds submitted sources under their source keys.
	SourceBucket string

	// Timeout is the wall budget for one submission. Zero means
	// DefaultTimeout.
	Timeout time.Duration

	// PersistTimeout bounds individual repository writes.
	PersistTimeout time.Duration
}

// Worker judges deliveries one at a time. It keeps no state between
// deliveries and is safe to share across goroutines.
type Worker struct {
	cfg Config
}

// New validates cfg and creates a worker.
func New(cfg Config) (*Worker, error) {
	if cfg.Sandbox == nil {
		return nil, errors.New("sandbox is required")
	}
	if cfg.Checker == nil {
		return nil, errors.New("checker is required")
	}
	if cfg.TestData == nil {
		return nil, errors.New("test data source is required")
	}
	if cfg.Storage == nil {
		return nil, errors.New("storage client is required")
	}
	if cfg.Submissions == nil {
		return nil, errors.New("submission repository is required")
	}
	if cfg.SourceBucket == "" {
		return nil, errors.New("source bucket is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaultPersistTimeout
	}
	return &Worker{cfg: cfg}, nil
}

// Disposition classifies how a delivery was settled.
type Disposition string

const (
	// DispositionFinalized means a terminal verdict was persisted and the
	// delivery acked.
	DispositionFinalized Disposition = "finalized"
	// DispositionDropped means the delivery was acked without a verdict
	// from this attempt: a duplicate, or the row was finalized elsewhere.
	DispositionDropped Disposition = "dropped"
	// DispositionRetried means the delivery was republished for another
	// attempt after an infrastructure failure.
	DispositionRetried Disposition = "retried"
	// DispositionDeadLettered means the delivery was handed to the
	// dead-letter queue.
	DispositionDeadLettered Disposition = "dead-lettered"
	// DispositionRequeued means the delivery went back to the queue intact,
	// typically because the worker is shutting down.
	DispositionRequeued Disposition = "requeued"
)

// Result reports the outcome of one processed delivery. The verdict fields
// are only meaningful when Disposition is DispositionFinalized.
type Result struct {
	SubmissionID string
	Disposition  Disposition

	Verdict     model.Verdict
	Score       int
	TimeMs      int
	MemoryKB    int
	TestsPassed int
	TestsTotal  int
}

// Process handles one delivery end to end, including its acknowledgement.
func (w *Worker) Process(ctx context.Context, job Job) Result {
	if job == nil {
		return Result{Disposition: DispositionDropped}
	}
	if ctx.Err() != nil {
		return w.requeue(ctx, job, "")
	}

	var req model.JudgeRequest
	if err := json.Unmarshal(job.Body(), &req); err != nil {
		return w.settleMalformed(ctx, job, &req, fmt.Errorf("decode judge request: %w", err))
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return w.settleMalformed(ctx, job, &req, err)
	}
	// Validate guarantees catalog membership.
	lang, _ := model.LanguageByCode(req.Language)

	owned, err := w.markRunning(ctx, req.SubmissionID)
	if err != nil {
		return w.retry(ctx, job, req.SubmissionID, fmt.Errorf("mark running: %w", err))
	}
	if !owned && job.RetryCount() == 0 {
		// Another consumer owns the row or it is already terminal.
		logger.Warn(ctx, "duplicate delivery dropped",
			zap.String("submission_id", req.SubmissionID))
		w.ack(ctx, job, req.SubmissionID)
		return Result{SubmissionID: req.SubmissionID, Disposition: DispositionDropped}
	}
	// A retried delivery finds the row still running from the failed
	// attempt; judging again is safe because Finalize is conditional.

	jctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	params, err := w.judge(jctx, &req, lang)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			// Shutdown mid-judging: hand the delivery back intact.
			return w.requeue(ctx, job, req.SubmissionID)
		case jctx.Err() != nil:
			// Wall budget exhausted; the partial aggregates stand.
			params.Verdict = model.VerdictSystemError
			params.Error = "judging timed out"
			params.Score = score(params.TestsPassed, params.TestsTotal)
		default:
			return w.retry(ctx, job, req.SubmissionID, err)
		}
	}
	return w.finalize(ctx, job, req.SubmissionID, params)
}

func (w *Worker) markRunning(ctx context.Context, id string) (bool, error) {
	pctx, cancel := w.persistCtx(ctx)
	defer cancel()
	return w.cfg.Submissions.MarkRunning(pctx, id)
}

// finalize persists the terminal outcome and acks. It runs detached from ctx
// cancellation so a shutdown cannot lose a computed verdict.
func (w *Worker) finalize(ctx context.Context, job Job, id string, params repository.FinalizeParams) Result {
	pctx, cancel := w.persistCtx(ctx)
	defer cancel()

	finalized, err := w.cfg.Submissions.Finalize(pctx, id, params)
	if err != nil {
		return w.retry(ctx, job, id, fmt.Errorf("finalize: %w", err))
	}
	if !finalized {
		logger.Warn(ctx, "submission already finalized elsewhere",
			zap.String("submission_id", id))
		w.ack(ctx, job, id)
		return Result{SubmissionID: id, Disposition: DispositionDropped}
	}

	logger.Info(ctx, "submission judged",
		zap.String("submission_id", id),
		zap.String("verdict", string(params.Verdict)),
		zap.Int("score", params.Score),
		zap.Int("tests_passed", params.TestsPassed),
		zap.Int("tests_total", params.TestsTotal),
		zap.Int("time_ms", params.TimeMs),
		zap.Int("memory_kb", params.MemoryKB))
	w.ack(ctx, job, id)
	return Result{
		SubmissionID: id,
		Disposition:  DispositionFinalized,
		Verdict:      params.Verdict,
		Score:        params.Score,
		TimeMs:       params.TimeMs,
		MemoryKB:     params.MemoryKB,
		TestsPassed:  params.TestsPassed,
		TestsTotal:   params.TestsTotal,
	}
}

// settleMalformed finalizes internal-error when the submission id survived
// decoding. Bodies with no usable id dead-letter for inspection instead.
func (w *Worker) settleMalformed(ctx context.Context, job Job, req *model.JudgeRequest, cause error) Result {
	if req.SubmissionID == "" {
		logger.Error(ctx, "unreadable judge request dead-lettered", zap.Error(cause))
		if err := job.Reject(); err != nil {
			logger.Warn(ctx, "reject failed", zap.Error(err))
		}
		return Result{Disposition: DispositionDeadLettered}
	}
	logger.Error(ctx, "malformed judge request",
		zap.String("submission_id", req.SubmissionID), zap.Error(cause))
	return w.finalize(ctx, job, req.SubmissionID, repository.FinalizeParams{
		Verdict:    model.VerdictInternalError,
		Error:      cause.Error(),
		TestsTotal: req.TestCount,
		UserID:     req.UserID,
		ProblemID:  req.ProblemID,
	})
}

// retry republishes the delivery with an incremented retry count; exhausted
// deliveries dead-letter instead.
func (w *Worker) retry(ctx context.Context, job Job, id string, cause error) Result {
	logger.Warn(ctx, "judging attempt failed",
		zap.String("submission_id", id),
		zap.Int("retry_count", job.RetryCount()),
		zap.Error(cause))

	scheduled, err := job.Retry(context.WithoutCancel(ctx))
	if err != nil {
		// Retry puts the delivery back on the queue when the republish
		// itself fails.
		logger.Error(ctx, "schedule retry failed",
			zap.String("submission_id", id), zap.Error(err))
		return Result{SubmissionID: id, Disposition: DispositionRequeued}
	}
	if !scheduled {
		logger.Error(ctx, "retries exhausted, delivery dead-lettered",
			zap.String("submission_id", id))
		return Result{SubmissionID: id, Disposition: DispositionDeadLettered}
	}
	return Result{SubmissionID: id, Disposition: DispositionRetried}
}

func (w *Worker) requeue(ctx context.Context, job Job, id string) Result {
	if err := job.Requeue(); err != nil {
		logger.Warn(ctx, "requeue failed",
			zap.String("submission_id", id), zap.Error(err))
	}
	return Result{SubmissionID: id, Disposition: DispositionRequeued}
}

func (w *Worker) ack(ctx context.Context, job Job, id string) {
	if err := job.Ack(); err != nil {
		logger.Warn(ctx, "ack failed",
			zap.String("submission_id", id), zap.Error(err))
	}
}

// persistCtx detaches repository writes from judging cancellation while
// keeping them bounded.
func (w *Worker) persistCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), w.cfg.PersistTimeout)
}

func score(passed, total int) int {
	if total <= 0 {
		return 0
	}
	return passed * 100 / total
}
