// Package repository persists submissions, the event outbox, audit records
// and RBAC grants through the common db wrapper. Terminal submission rows are
// additionally cached in Valkey for status reads.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"codehakam/internal/common/cache"
	"codehakam/internal/common/db"
	"codehakam/internal/judge/model"
	pkgrepo "codehakam/pkg/repository"
)

const (
	defaultSubmissionCacheTTL = 30 * time.Minute
	submissionMissCacheTTL    = 30 * time.Second
	submissionCacheKeyPrefix  = "judge:submission:"
)

var (
	ErrSubmissionNotFound = errors.New("submission not found")

	// ErrSubmissionActive is returned when a rejudge targets a row that is
	// still pending or running.
	ErrSubmissionActive = errors.New("submission is still being judged")
)

// Submission is one persisted judging record.
type Submission struct {
	ID           string        `json:"id"`
	UserID       string        `json:"user_id"`
	ProblemID    string        `json:"problem_id"`
	Language     string        `json:"language"`
	SourceKey    string        `json:"source_key"`
	SourceSHA256 string        `json:"source_sha256"`
	State        model.Verdict `json:"state"`
	Score        int           `json:"score"`
	TimeMs       int           `json:"time_ms"`
	MemoryKB     int           `json:"memory_kb"`
	CompileLog   string        `json:"compile_log,omitempty"`
	FailedTest   int           `json:"failed_test,omitempty"`
	TestsPassed  int           `json:"tests_passed"`
	TestsTotal   int           `json:"tests_total"`
	Error        string        `json:"error,omitempty"`
	Priority     uint8         `json:"priority"`
	CreatedAt    time.Time     `json:"created_at"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
}

// FinalizeParams carries one submission's aggregated terminal result plus the
// identifiers embedded in the judged event.
type FinalizeParams struct {
	Verdict     model.Verdict
	Score       int
	TimeMs      int
	MemoryKB    int
	CompileLog  string
	FailedTest  int
	TestsPassed int
	TestsTotal  int
	Error       string

	UserID    string
	ProblemID string
}

// SubmissionRepository defines submission persistence.
type SubmissionRepository interface {
	Create(ctx context.Context, tx db.Transaction, sub *Submission) error
	MarkRunning(ctx context.Context, id string) (bool, error)
	Finalize(ctx context.Context, id string, res FinalizeParams) (bool, error)
	ResetForRejudge(ctx context.Context, id, actorID string) error
	Get(ctx context.Context, id string) (*Submission, error)
	ListByUser(ctx context.Context, userID string, opts pkgrepo.ListOptions) ([]*Submission, int64, error)
	ListByProblem(ctx context.Context, problemID string, opts pkgrepo.ListOptions) ([]*Submission, int64, error)
}

// PostgresSubmissionRepository implements SubmissionRepository on the common
// db wrapper using Postgres placeholder syntax.
type PostgresSubmissionRepository struct {
	provider db.Provider
	cache    cache.Cache
	ttl      time.Duration
}

// NewSubmissionRepository creates a submission repository with the default
// terminal-row cache TTL. cacheClient may be nil to disable caching.
func NewSubmissionRepository(provider db.Provider, cacheClient cache.Cache) SubmissionRepository {
	return NewSubmissionRepositoryWithTTL(provider, cacheClient, defaultSubmissionCacheTTL)
}

// NewSubmissionRepositoryWithTTL creates a submission repository with a
// custom cache TTL.
func NewSubmissionRepositoryWithTTL(provider db.Provider, cacheClient cache.Cache, ttl time.Duration) SubmissionRepository {
	if ttl <= 0 {
		ttl = defaultSubmissionCacheTTL
	}
	return &PostgresSubmissionRepository{provider: provider, cache: cacheClient, ttl: ttl}
}

const submissionColumns = "id, user_id, problem_id, language, source_key, source_sha256, state, score, time_ms, memory_kb, compile_log, failed_test, tests_passed, tests_total, error, priority, created_at, started_at, finished_at"

// Create inserts a pending submission row.
func (r *PostgresSubmissionRepository) Create(ctx context.Context, tx db.Transaction, sub *Submission) error {
	if sub == nil {
		return errors.New("submission is nil")
	}
	if sub.ID == "" {
		return errors.New("submission id is required")
	}
	if sub.UserID == "" {
		return errors.New("user id is required")
	}
	if sub.ProblemID == "" {
		return errors.New("problem id is required")
	}
	if sub.Language == "" {
		return errors.New("language is required")
	}
	if sub.SourceKey == "" {
		return errors.New("source key is required")
	}
	if sub.State == "" {
		sub.State = model.VerdictPending
	}

	querier, err := db.GetProviderQuerier(r.provider, tx)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO submissions
		(id, user_id, problem_id, language, source_key, source_sha256, state, priority, tests_total)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = querier.Exec(
		ctx,
		query,
		sub.ID,
		sub.UserID,
		sub.ProblemID,
		sub.Language,
		sub.SourceKey,
		sub.SourceSHA256,
		sub.State,
		sub.Priority,
		sub.TestsTotal,
	)
	if err != nil {
		if _, ok := db.UniqueViolation(err); ok {
			return pkgrepo.ErrAlreadyExists
		}
		return err
	}
	return nil
}

// MarkRunning claims the submission for judging. false means the row was
// already owned or terminal, so the delivery is a duplicate.
func (r *PostgresSubmissionRepository) MarkRunning(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, errors.New("submission id is required")
	}
	querier, err := db.GetProviderQuerier(r.provider, nil)
	if err != nil {
		return false, err
	}
	result, err := querier.Exec(
		ctx,
		"UPDATE submissions SET state = $1, started_at = now() WHERE id = $2 AND state = $3",
		model.VerdictRunning,
		id,
		model.VerdictPending,
	)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// Finalize writes the terminal result and, in the same transaction, the
// submission.judged outbox row. false with a nil error means the row was
// already finalized and nothing was written.
func (r *PostgresSubmissionRepository) Finalize(ctx context.Context, id string, res FinalizeParams) (bool, error) {
	if id == "" {
		return false, errors.New("submission id is required")
	}
	if !res.Verdict.IsTerminal() {
		return false, fmt.Errorf("verdict %q is not terminal", res.Verdict)
	}
	database, err := db.CurrentDatabase(r.provider)
	if err != nil {
		return false, err
	}

	finalized := false
	err = database.Transaction(ctx, func(tx db.Transaction) error {
		query := `
			UPDATE submissions SET
				state = $1, score = $2, time_ms = $3, memory_kb = $4,
				compile_log = $5, failed_test = $6, tests_passed = $7,
				tests_total = $8, error = $9, finished_at = now()
			WHERE id = $10 AND state IN ($11, $12)
		`
		result, err := tx.Exec(
			ctx,
			query,
			res.Verdict,
			res.Score,
			res.TimeMs,
			res.MemoryKB,
			res.CompileLog,
			res.FailedTest,
			res.TestsPassed,
			res.TestsTotal,
			res.Error,
			id,
			model.VerdictPending,
			model.VerdictRunning,
		)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return nil
		}
		finalized = true

		event := model.SubmissionJudgedEvent{
			EventID:      uuid.NewString(),
			SubmissionID: id,
			UserID:       res.UserID,
			ProblemID:    res.ProblemID,
			Verdict:      res.Verdict,
			Score:        res.Score,
			TimeMs:       res.TimeMs,
			MemoryKB:     res.MemoryKB,
			TestsPassed:  res.TestsPassed,
			TestsTotal:   res.TestsTotal,
			FinishedAt:   time.Now().UnixMilli(),
		}
		return insertOutbox(ctx, tx, event.EventID, model.RoutingKeySubmissionJudged, event)
	})
	return finalized, err
}

// ResetForRejudge returns a terminal row to pending at rejudge priority,
// clears its result columns and records the rejudge-requested event.
func (r *PostgresSubmissionRepository) ResetForRejudge(ctx context.Context, id, actorID string) error {
	if id == "" {
		return errors.New("submission id is required")
	}
	database, err := db.CurrentDatabase(r.provider)
	if err != nil {
		return err
	}

	err = database.Transaction(ctx, func(tx db.Transaction) error {
		query := `
			UPDATE submissions SET
				state = $1, priority = $2, score = 0, time_ms = 0, memory_kb = 0,
				compile_log = '', failed_test = 0, tests_passed = 0, error = '',
				started_at = NULL, finished_at = NULL
			WHERE id = $3 AND state NOT IN ($4, $5)
		`
		result, err := tx.Exec(
			ctx,
			query,
			model.VerdictPending,
			model.RejudgePriority,
			id,
			model.VerdictPending,
			model.VerdictRunning,
		)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			var one int
			err := tx.QueryRow(ctx, "SELECT 1 FROM submissions WHERE id = $1", id).Scan(&one)
			if db.IsNoRows(err) {
				return ErrSubmissionNotFound
			}
			if err != nil {
				return err
			}
			return ErrSubmissionActive
		}

		event := model.RejudgeRequestedEvent{
			EventID:      uuid.NewString(),
			SubmissionID: id,
			ActorID:      actorID,
			At:           time.Now().UnixMilli(),
		}
		return insertOutbox(ctx, tx, event.EventID, model.RoutingKeyRejudgeRequested, event)
	})
	if err != nil {
		return err
	}
	if r.cache != nil {
		// The cached copy is terminal; the row no longer is.
		_ = r.cache.Del(ctx, submissionCacheKey(id))
	}
	return nil
}

// Get reads one submission, serving terminal rows from cache when possible.
// Misses are cached briefly so polling an unknown id does not hammer the
// database; ids are handed out only after the row exists, so a cached miss
// can never mask a real submission.
func (r *PostgresSubmissionRepository) Get(ctx context.Context, id string) (*Submission, error) {
	if id == "" {
		return nil, errors.New("submission id is required")
	}
	if r.cache != nil {
		if val, err := r.cache.Get(ctx, submissionCacheKey(id)); err == nil && val != "" {
			if val == cache.NullCacheValue {
				return nil, ErrSubmissionNotFound
			}
			var sub Submission
			if err := json.Unmarshal([]byte(val), &sub); err == nil {
				return &sub, nil
			}
		}
	}

	sub, err := r.getFromDB(ctx, id)
	if errors.Is(err, ErrSubmissionNotFound) {
		if r.cache != nil {
			_ = r.cache.Set(ctx, submissionCacheKey(id), cache.NullCacheValue, submissionMissCacheTTL)
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	// Only terminal rows are cached: pending and running change under readers.
	if r.cache != nil && sub.State.IsTerminal() {
		if data, err := json.Marshal(sub); err == nil {
			_ = r.cache.Set(ctx, submissionCacheKey(id), string(data), cache.JitterTTL(r.ttl))
		}
	}
	return sub, nil
}

// ListByUser returns the user's submissions, newest first, with the total
// match count for pagination.
func (r *PostgresSubmissionRepository) ListByUser(ctx context.Context, userID string, opts pkgrepo.ListOptions) ([]*Submission, int64, error) {
	if userID == "" {
		return nil, 0, errors.New("user id is required")
	}
	return r.list(ctx, "user_id", userID, opts)
}

// ListByProblem returns the problem's submissions, newest first, with the
// total match count for pagination.
func (r *PostgresSubmissionRepository) ListByProblem(ctx context.Context, problemID string, opts pkgrepo.ListOptions) ([]*Submission, int64, error) {
	if problemID == "" {
		return nil, 0, errors.New("problem id is required")
	}
	return r.list(ctx, "problem_id", problemID, opts)
}

func (r *PostgresSubmissionRepository) list(ctx context.Context, column, value string, opts pkgrepo.ListOptions) ([]*Submission, int64, error) {
	opts.Normalize()
	querier, err := db.GetProviderQuerier(r.provider, nil)
	if err != nil {
		return nil, 0, err
	}

	var total int64
	countQuery := "SELECT COUNT(*) FROM submissions WHERE " + column + " = $1"
	if err := querier.QueryRow(ctx, countQuery, value).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := "SELECT " + submissionColumns + " FROM submissions WHERE " + column +
		" = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3"
	rows, err := querier.Query(ctx, query, value, opts.Limit, opts.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	subs := make([]*Submission, 0, opts.Limit)
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, 0, err
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return subs, total, nil
}

func (r *PostgresSubmissionRepository) getFromDB(ctx context.Context, id string) (*Submission, error) {
	querier, err := db.GetProviderQuerier(r.provider, nil)
	if err != nil {
		return nil, err
	}
	query := "SELECT " + submissionColumns + " FROM submissions WHERE id = $1"
	sub, err := scanSubmission(querier.QueryRow(ctx, query, id))
	if db.IsNoRows(err) {
		return nil, ErrSubmissionNotFound
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func scanSubmission(sc db.Scanner) (*Submission, error) {
	sub := &Submission{}
	err := sc.Scan(
		&sub.ID,
		&sub.UserID,
		&sub.ProblemID,
		&sub.Language,
		&sub.SourceKey,
		&sub.SourceSHA256,
		&sub.State,
		&sub.Score,
		&sub.TimeMs,
		&sub.MemoryKB,
		&sub.CompileLog,
		&sub.FailedTest,
		&sub.TestsPassed,
		&sub.TestsTotal,
		&sub.Error,
		&sub.Priority,
		&sub.CreatedAt,
		&sub.StartedAt,
		&sub.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func submissionCacheKey(id string) string {
	return submissionCacheKeyPrefix + id
}
