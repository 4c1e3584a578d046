package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"codehakam/internal/common/mq"
	"codehakam/internal/common/storage"
	"codehakam/internal/judge/model"
	"codehakam/internal/judge/repository"
	appErr "codehakam/pkg/errors"
	pkgrepo "codehakam/pkg/repository"
	"codehakam/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	sourceKeyPrefix     = "submissions"
	defaultMaxQueueSize = 1000

	// Non-printable runes may make up at most this percentage of the
	// source before it is treated as binary. Tab, CR and LF are exempt.
	maxNonPrintablePct = 1
)

// bannedPatterns rejects source that is plainly probing the sandbox rather
// than solving a problem. The matched pattern is audited, never echoed back.
var bannedPatterns = []string{
	"/etc/passwd",
	"/etc/shadow",
	"/proc/self/mem",
	":(){ :|:&};:",
	"os.system(",
	"subprocess.Popen",
	"ProcessBuilder",
	"Runtime.getRuntime().exec",
	"LD_PRELOAD",
	"ptrace(",
}

// JobPublisher is the work-queue side of the broker.
type JobPublisher interface {
	Publish(ctx context.Context, topic string, message *mq.Message) error
	QueueDepth(ctx context.Context) (int, error)
}

// Timeouts bounds each external call class.
type Timeouts struct {
	DB      time.Duration
	Cache   time.Duration
	MQ      time.Duration
	Storage time.Duration
}

// SubmissionConfig holds intake dependencies and settings.
type SubmissionConfig struct {
	Submissions repository.SubmissionRepository
	Audit       repository.AuditRepository
	Storage     storage.ObjectStorage
	Queue       JobPublisher
	Limiter     *RateLimiter

	SourceBucket string
	JobTopic     string
	MaxQueueSize int
	Timeouts     Timeouts
}

// SubmissionService handles submission intake and reads.
type SubmissionService struct {
	submissions repository.SubmissionRepository
	audit       repository.AuditRepository
	storage     storage.ObjectStorage
	queue       JobPublisher
	limiter     *RateLimiter

	sourceBucket string
	jobTopic     string
	maxQueueSize int
	timeouts     Timeouts
}

// SubmitInput is one submission attempt. Limits and test count come from the
// upstream problem data the platform attaches to the request.
type SubmitInput struct {
	UserID        string
	ProblemID     string
	Language      string
	SourceCode    string
	TimeLimitMs   int
	MemoryLimitMB int
	TestCount     int
}

// SubmitReceipt acknowledges an accepted submission.
type SubmitReceipt struct {
	SubmissionID string `json:"submission_id"`
	Status       string `json:"status"`
}

// NewSubmissionService creates the intake service.
func NewSubmissionService(cfg SubmissionConfig) (*SubmissionService, error) {
	if cfg.Submissions == nil {
		return nil, fmt.Errorf("submission repository is required")
	}
	if cfg.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("job publisher is required")
	}
	if cfg.SourceBucket == "" {
		return nil, fmt.Errorf("source bucket is required")
	}
	if cfg.JobTopic == "" {
		return nil, fmt.Errorf("job topic is required")
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = defaultMaxQueueSize
	}
	return &SubmissionService{
		submissions:  cfg.Submissions,
		audit:        cfg.Audit,
		storage:      cfg.Storage,
		queue:        cfg.Queue,
		limiter:      cfg.Limiter,
		sourceBucket: cfg.SourceBucket,
		jobTopic:     cfg.JobTopic,
		maxQueueSize: cfg.MaxQueueSize,
		timeouts:     cfg.Timeouts,
	}, nil
}

// Submit validates the attempt, stores the source, creates the pending row
// and enqueues the judge request.
func (s *SubmissionService) Submit(ctx context.Context, input SubmitInput) (*SubmitReceipt, error) {
	lang, err := s.validateInput(ctx, input)
	if err != nil {
		return nil, err
	}
	if err := s.limiter.Allow(ctx, input.UserID); err != nil {
		return nil, err
	}
	if err := s.checkQueueDepth(ctx); err != nil {
		return nil, err
	}

	submissionID := uuid.NewString()
	sourceKey := buildSourceKey(submissionID, lang)

	if err := s.uploadSource(ctx, sourceKey, input.SourceCode); err != nil {
		return nil, err
	}

	sub := &repository.Submission{
		ID:           submissionID,
		UserID:       input.UserID,
		ProblemID:    input.ProblemID,
		Language:     lang.Code,
		SourceKey:    sourceKey,
		SourceSHA256: hashSource(input.SourceCode),
		State:        model.VerdictPending,
		TestsTotal:   input.TestCount,
	}
	if err := s.createSubmission(ctx, sub); err != nil {
		return nil, err
	}

	req := model.JudgeRequest{
		SubmissionID:  submissionID,
		UserID:        input.UserID,
		ProblemID:     input.ProblemID,
		Language:      lang.Code,
		SourceKey:     sourceKey,
		TimeLimitMs:   input.TimeLimitMs,
		MemoryLimitMB: input.MemoryLimitMB,
		TestCount:     input.TestCount,
		EnqueuedAt:    time.Now().UnixMilli(),
	}
	req.Normalize()
	if err := s.publishRequest(ctx, &req); err != nil {
		// The row stays pending with no queued message; a rejudge cannot
		// recover it, so make the failure loud.
		logger.Error(ctx, "submission stored but not enqueued",
			zap.String("submission_id", submissionID),
			zap.Error(err),
		)
		return nil, err
	}

	logger.Info(ctx, "submission queued",
		zap.String("submission_id", submissionID),
		zap.String("problem_id", input.ProblemID),
		zap.String("language", lang.Code),
	)
	return &SubmitReceipt{SubmissionID: submissionID, Status: "queued"}, nil
}

// GetSubmission reads one submission.
func (s *SubmissionService) GetSubmission(ctx context.Context, id string) (*repository.Submission, error) {
	if strings.TrimSpace(id) == "" {
		return nil, appErr.ValidationError("submission_id", "required")
	}
	ctxDB, cancel := withTimeout(ctx, s.timeouts.DB)
	defer cancel()
	sub, err := s.submissions.Get(ctxDB, id)
	if err != nil {
		if errors.Is(err, repository.ErrSubmissionNotFound) {
			return nil, appErr.New(appErr.SubmissionNotFound)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "get submission failed")
	}
	return sub, nil
}

// ListByUser returns a user's submissions, newest first, with the total
// match count.
func (s *SubmissionService) ListByUser(ctx context.Context, userID string, opts pkgrepo.ListOptions) ([]*repository.Submission, int64, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, 0, appErr.ValidationError("user_id", "required")
	}
	opts.Normalize()
	ctxDB, cancel := withTimeout(ctx, s.timeouts.DB)
	defer cancel()
	subs, total, err := s.submissions.ListByUser(ctxDB, userID, opts)
	if err != nil {
		return nil, 0, appErr.Wrapf(err, appErr.DatabaseError, "list submissions failed")
	}
	return subs, total, nil
}

// ListByProblem returns a problem's submissions, newest first, with the
// total match count.
func (s *SubmissionService) ListByProblem(ctx context.Context, problemID string, opts pkgrepo.ListOptions) ([]*repository.Submission, int64, error) {
	if strings.TrimSpace(problemID) == "" {
		return nil, 0, appErr.ValidationError("problem_id", "required")
	}
	opts.Normalize()
	ctxDB, cancel := withTimeout(ctx, s.timeouts.DB)
	defer cancel()
	subs, total, err := s.submissions.ListByProblem(ctxDB, problemID, opts)
	if err != nil {
		return nil, 0, appErr.Wrapf(err, appErr.DatabaseError, "list submissions failed")
	}
	return subs, total, nil
}

func (s *SubmissionService) validateInput(ctx context.Context, input SubmitInput) (model.Language, error) {
	if strings.TrimSpace(input.UserID) == "" {
		return model.Language{}, appErr.ValidationError("user_id", "required")
	}
	if strings.TrimSpace(input.ProblemID) == "" {
		return model.Language{}, appErr.ValidationError("problem_id", "required")
	}
	if strings.ContainsAny(input.ProblemID, `/\`) || strings.Contains(input.ProblemID, "..") {
		return model.Language{}, appErr.ValidationError("problem_id", "invalid")
	}
	lang, ok := model.LanguageByCode(input.Language)
	if !ok {
		return model.Language{}, appErr.New(appErr.LanguageNotSupported)
	}
	if input.TestCount < 1 {
		return model.Language{}, appErr.ValidationError("test_count", "must be at least 1")
	}
	if err := validateSource(input.SourceCode); err != nil {
		return model.Language{}, err
	}
	if pattern, hit := matchBannedPattern(input.SourceCode); hit {
		s.auditRejection(ctx, input, pattern)
		return model.Language{}, appErr.New(appErr.CodeRejected)
	}
	return lang, nil
}

func validateSource(code string) error {
	if strings.TrimSpace(code) == "" {
		return appErr.ValidationError("code", "required")
	}
	if len(code) > model.MaxSourceBytes {
		return appErr.New(appErr.CodeTooLarge)
	}
	if !utf8.ValidString(code) {
		return appErr.New(appErr.InvalidFormat).WithMessage("code is not valid UTF-8")
	}

	total, bad := 0, 0
	for _, r := range code {
		total++
		if r == '\t' || r == '\r' || r == '\n' {
			continue
		}
		if !unicode.IsPrint(r) {
			bad++
		}
	}
	if bad*100 > total*maxNonPrintablePct {
		return appErr.New(appErr.InvalidValue).WithMessage("code contains binary content")
	}
	return nil
}

func matchBannedPattern(code string) (string, bool) {
	for _, pattern := range bannedPatterns {
		if strings.Contains(code, pattern) {
			return pattern, true
		}
	}
	return "", false
}

// auditRejection records the matched pattern for operators. The client only
// ever sees the generic rejection.
func (s *SubmissionService) auditRejection(ctx context.Context, input SubmitInput, pattern string) {
	if s.audit == nil {
		return
	}
	ctxDB, cancel := withTimeout(ctx, s.timeouts.DB)
	defer cancel()
	err := s.audit.Insert(ctxDB, nil, &repository.AuditRecord{
		ActorID: input.UserID,
		Action:  "submission.rejected",
		Subject: input.ProblemID,
		Detail: map[string]any{
			"pattern":  pattern,
			"language": input.Language,
			"sha256":   hashSource(input.SourceCode),
		},
	})
	if err != nil {
		logger.Warn(ctx, "audit rejected submission failed", zap.Error(err))
	}
}

func (s *SubmissionService) checkQueueDepth(ctx context.Context) error {
	if s.maxQueueSize <= 0 {
		return nil
	}
	ctxMQ, cancel := withTimeout(ctx, s.timeouts.MQ)
	defer cancel()
	depth, err := s.queue.QueueDepth(ctxMQ)
	if err != nil {
		return appErr.Wrapf(err, appErr.QueueUnavailable, "queue depth check failed")
	}
	if depth >= s.maxQueueSize {
		return appErr.New(appErr.JudgeQueueFull).WithDetail("reason", "queue_full")
	}
	return nil
}

func (s *SubmissionService) uploadSource(ctx context.Context, key, code string) error {
	ctxStorage, cancel := withTimeout(ctx, s.timeouts.Storage)
	defer cancel()
	reader := io.NopCloser(strings.NewReader(code))
	defer reader.Close()
	err := s.storage.PutObject(ctxStorage, s.sourceBucket, key, reader, int64(len(code)), "text/plain; charset=utf-8")
	if err != nil {
		return appErr.Wrapf(err, appErr.SubmissionCreateFailed, "upload source failed")
	}
	return nil
}

func (s *SubmissionService) createSubmission(ctx context.Context, sub *repository.Submission) error {
	ctxDB, cancel := withTimeout(ctx, s.timeouts.DB)
	defer cancel()
	if err := s.submissions.Create(ctxDB, nil, sub); err != nil {
		return appErr.Wrapf(err, appErr.SubmissionCreateFailed, "create submission failed")
	}
	return nil
}

func (s *SubmissionService) publishRequest(ctx context.Context, req *model.JudgeRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return appErr.Wrapf(err, appErr.SubmissionCreateFailed, "encode judge request failed")
	}
	msg := mq.NewMessage(body)
	msg.ID = req.SubmissionID
	msg.Priority = req.Priority

	ctxMQ, cancel := withTimeout(ctx, s.timeouts.MQ)
	defer cancel()
	if err := s.queue.Publish(ctxMQ, s.jobTopic, msg); err != nil {
		return appErr.Wrapf(err, appErr.QueuePublishFail, "enqueue judge request failed")
	}
	return nil
}

func buildSourceKey(submissionID string, lang model.Language) string {
	return fmt.Sprintf("%s/%s/%s", sourceKeyPrefix, submissionID, lang.SourceFile)
}

func hashSource(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
