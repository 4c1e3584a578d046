// Package pool runs the judge workers over the broker's work queue and keeps
// the pool's shape adjustable at runtime. Scaling down never kills judging
// work: surplus workers drain, finishing their in-flight submission first.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"codehakam/internal/judge/worker"
	"codehakam/pkg/utils/contextkey"
	"codehakam/pkg/utils/logger"
)

// Worker states reported by the admin surface.
const (
	WorkerStateIdle     = "idle"
	WorkerStateBusy     = "busy"
	WorkerStateDraining = "draining"
)

// MaxWorkers caps runtime scaling.
const MaxWorkers = 50

const (
	defaultWorkers    = 4
	defaultPrefetch   = 1
	depthPollInterval = 10 * time.Second
	depthPollTimeout  = 5 * time.Second
)

// Processor turns one delivery into a settled outcome.
type Processor interface {
	Process(ctx context.Context, job worker.Job) worker.Result
}

// Stream is one consumer's feed of queued deliveries. The channel closes when
// the consumer is canceled or the connection drops.
type Stream interface {
	Deliveries() <-chan worker.Job
	Close() error
}

// Broker is the queue surface the pool needs: one consumer stream per worker
// plus depth inspection for status and backpressure.
type Broker interface {
	OpenStream(prefetch int) (Stream, error)
	QueueDepth(ctx context.Context) (int, error)
}

// Config assembles a Pool.
type Config struct {
	Broker    Broker
	Processor Processor

	// Workers is the initial worker count, default 4.
	Workers int
	// Prefetch is the per-worker consumer prefetch, default 1 for fair
	// dispatch across workers.
	Prefetch int
	// Metrics is optional; nil disables collection.
	Metrics *Metrics
}

// Pool owns the worker goroutines.
type Pool struct {
	cfg Config

	mu      sync.Mutex
	workers map[int]*poolWorker
	nextID  int
	started bool
	stopped bool

	baseCtx   context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startedAt time.Time
}

// poolWorker fields below stream are guarded by Pool.mu.
type poolWorker struct {
	id        int
	stream    Stream
	startedAt time.Time

	current  string
	judged   int64
	draining bool
}

func (w *poolWorker) state() string {
	switch {
	case w.draining:
		return WorkerStateDraining
	case w.current != "":
		return WorkerStateBusy
	default:
		return WorkerStateIdle
	}
}

// Status is the pool's aggregate state for the status endpoint.
type Status struct {
	TotalWorkers  int  `json:"total_workers"`
	ActiveWorkers int  `json:"active_workers"`
	QueueSize     int  `json:"queue_size"`
	Healthy       bool `json:"healthy"`
}

// WorkerInfo is one worker's live state for the admin surface.
type WorkerInfo struct {
	ID                int       `json:"id"`
	State             string    `json:"state"`
	CurrentSubmission string    `json:"current_submission,omitempty"`
	JudgedCount       int64     `json:"judged_count"`
	StartedAt         time.Time `json:"started_at"`
}

// New validates the config and builds a stopped pool.
func New(cfg Config) (*Pool, error) {
	if cfg.Broker == nil {
		return nil, errors.New("broker is required")
	}
	if cfg.Processor == nil {
		return nil, errors.New("processor is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Workers > MaxWorkers {
		return nil, fmt.Errorf("worker count %d exceeds maximum %d", cfg.Workers, MaxWorkers)
	}
	if cfg.Prefetch < 1 {
		cfg.Prefetch = defaultPrefetch
	}
	return &Pool{
		cfg:     cfg,
		workers: make(map[int]*poolWorker),
	}, nil
}

// Start spawns the initial workers and begins consuming.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("pool already started")
	}
	p.baseCtx, p.cancel = context.WithCancel(context.Background())
	p.startedAt = time.Now()

	for i := 0; i < p.cfg.Workers; i++ {
		if err := p.spawnLocked(); err != nil {
			for _, w := range p.workers {
				_ = w.stream.Close()
			}
			p.cancel()
			return err
		}
	}
	p.started = true
	go p.pollDepth()
	return nil
}

// ScaleWorkers grows or drains the pool to target workers and returns the
// live count before scaling. target is bounded 1..MaxWorkers.
func (p *Pool) ScaleWorkers(target int) (int, error) {
	if target < 1 || target > MaxWorkers {
		return 0, fmt.Errorf("worker count must be between 1 and %d", MaxWorkers)
	}

	p.mu.Lock()
	from := p.liveLocked()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return from, errors.New("pool is not running")
	}

	var drained []Stream
	switch {
	case target > from:
		for i := from; i < target; i++ {
			if err := p.spawnLocked(); err != nil {
				p.mu.Unlock()
				return from, err
			}
		}
	case target < from:
		drained = p.drainLocked(from - target)
	}
	p.mu.Unlock()

	// Closing the stream stops new deliveries; the worker exits once its
	// in-flight submission settles.
	for _, s := range drained {
		_ = s.Close()
	}
	return from, nil
}

// Status reports worker counts, broker queue depth and overall health.
func (p *Pool) Status(ctx context.Context) Status {
	p.mu.Lock()
	st := Status{TotalWorkers: len(p.workers)}
	for _, w := range p.workers {
		if w.current != "" {
			st.ActiveWorkers++
		}
	}
	p.mu.Unlock()

	depth, err := p.cfg.Broker.QueueDepth(ctx)
	if err == nil {
		st.QueueSize = depth
	}
	st.Healthy = err == nil && st.TotalWorkers > 0
	return st
}

// Workers snapshots every live worker, ordered by id.
func (p *Pool) Workers() []WorkerInfo {
	p.mu.Lock()
	infos := make([]WorkerInfo, 0, len(p.workers))
	for _, w := range p.workers {
		infos = append(infos, WorkerInfo{
			ID:                w.id,
			State:             w.state(),
			CurrentSubmission: w.current,
			JudgedCount:       w.judged,
			StartedAt:         w.startedAt,
		})
	}
	p.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// StartedAt is when the pool began consuming.
func (p *Pool) StartedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startedAt
}

// Shutdown stops intake and waits for in-flight judging. When ctx expires
// before the workers finish, their contexts are canceled so unsettled
// deliveries requeue.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	streams := make([]Stream, 0, len(p.workers))
	for _, w := range p.workers {
		streams = append(streams, w.stream)
	}
	p.mu.Unlock()

	for _, s := range streams {
		_ = s.Close()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

// spawnLocked opens a consumer stream and starts its worker goroutine.
func (p *Pool) spawnLocked() error {
	stream, err := p.cfg.Broker.OpenStream(p.cfg.Prefetch)
	if err != nil {
		return fmt.Errorf("open consumer stream: %w", err)
	}
	p.nextID++
	w := &poolWorker{
		id:        p.nextID,
		stream:    stream,
		startedAt: time.Now(),
	}
	p.workers[w.id] = w
	p.cfg.Metrics.workerStarted()
	p.wg.Add(1)
	go p.run(w)
	return nil
}

// drainLocked marks the n newest non-draining workers as draining and
// returns their streams for the caller to close outside the lock.
func (p *Pool) drainLocked(n int) []Stream {
	ids := make([]int, 0, len(p.workers))
	for id, w := range p.workers {
		if !w.draining {
			ids = append(ids, id)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(ids)))

	streams := make([]Stream, 0, n)
	for _, id := range ids[:n] {
		w := p.workers[id]
		w.draining = true
		streams = append(streams, w.stream)
	}
	return streams
}

func (p *Pool) liveLocked() int {
	n := 0
	for _, w := range p.workers {
		if !w.draining {
			n++
		}
	}
	return n
}

func (p *Pool) run(w *poolWorker) {
	defer p.wg.Done()
	defer p.retire(w)

	ctx := context.WithValue(p.baseCtx, contextkey.WorkerID, strconv.Itoa(w.id))
	logger.Info(ctx, "judge worker started", zap.Int("worker_id", w.id))

	for job := range w.stream.Deliveries() {
		p.beginJob(w, peekSubmissionID(job.Body()))
		start := time.Now()
		res := p.cfg.Processor.Process(ctx, job)
		p.finishJob(w, res, time.Since(start))
	}

	logger.Info(ctx, "judge worker stopped",
		zap.Int("worker_id", w.id), zap.Int64("judged", p.judgedCount(w)))
}

func (p *Pool) retire(w *poolWorker) {
	p.mu.Lock()
	delete(p.workers, w.id)
	p.mu.Unlock()
	_ = w.stream.Close()
	p.cfg.Metrics.workerStopped()
}

func (p *Pool) beginJob(w *poolWorker, submissionID string) {
	p.mu.Lock()
	w.current = submissionID
	p.mu.Unlock()
	p.cfg.Metrics.jobStarted()
}

func (p *Pool) finishJob(w *poolWorker, res worker.Result, elapsed time.Duration) {
	p.mu.Lock()
	w.current = ""
	if res.Disposition == worker.DispositionFinalized {
		w.judged++
	}
	p.mu.Unlock()
	p.cfg.Metrics.jobFinished(res, elapsed)
}

func (p *Pool) judgedCount(w *poolWorker) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return w.judged
}

// pollDepth keeps the queue depth gauge current while the pool runs.
func (p *Pool) pollDepth() {
	ticker := time.NewTicker(depthPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.baseCtx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(p.baseCtx, depthPollTimeout)
			depth, err := p.cfg.Broker.QueueDepth(ctx)
			cancel()
			if err == nil {
				p.cfg.Metrics.setQueueDepth(depth)
			}
		}
	}
}

// peekSubmissionID extracts the submission id for display purposes only; the
// worker does its own decode and validation.
func peekSubmissionID(body []byte) string {
	var peek struct {
		SubmissionID string `json:"submission_id"`
	}
	_ = json.Unmarshal(body, &peek)
	return peek.SubmissionID
}
