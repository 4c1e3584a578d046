package model

import (
	"errors"
	"strings"
)

// Resource limit bounds applied during admission and again by the worker.
const (
	DefaultTimeLimitMs   = 2000
	MaxTimeLimitMs       = 30000
	DefaultMemoryLimitMB = 256
	MaxMemoryLimitMB     = 512

	MaxSourceBytes     = 64 << 10
	MaxTestObjectBytes = 10 << 20

	MaxPriority     = 9
	RejudgePriority = 5
)

// JudgeRequest is the broker payload for one judging job.
type JudgeRequest struct {
	SubmissionID  string `json:"submission_id"`
	UserID        string `json:"user_id"`
	ProblemID     string `json:"problem_id"`
	Language      string `json:"language"`
	SourceKey     string `json:"source_key"`
	TimeLimitMs   int    `json:"time_limit_ms"`
	MemoryLimitMB int    `json:"memory_limit_mb"`
	TestCount     int    `json:"test_count"`
	Priority      uint8  `json:"priority"`
	EnqueuedAt    int64  `json:"enqueued_at"`
}

// Normalize applies limit defaults and clamps in place.
func (r *JudgeRequest) Normalize() {
	if r.TimeLimitMs <= 0 {
		r.TimeLimitMs = DefaultTimeLimitMs
	}
	if r.TimeLimitMs > MaxTimeLimitMs {
		r.TimeLimitMs = MaxTimeLimitMs
	}
	if r.MemoryLimitMB <= 0 {
		r.MemoryLimitMB = DefaultMemoryLimitMB
	}
	if r.MemoryLimitMB > MaxMemoryLimitMB {
		r.MemoryLimitMB = MaxMemoryLimitMB
	}
	if r.Priority > MaxPriority {
		r.Priority = MaxPriority
	}
}

// Validate checks the required fields. Limits are handled by Normalize, not
// here, so an in-range request never fails validation over a zero limit.
func (r *JudgeRequest) Validate() error {
	if r.SubmissionID == "" {
		return errors.New("submission_id is required")
	}
	if r.UserID == "" {
		return errors.New("user_id is required")
	}
	if r.ProblemID == "" {
		return errors.New("problem_id is required")
	}
	// problem_id feeds object keys and cache paths, so it must not traverse.
	if strings.ContainsAny(r.ProblemID, `/\`) || strings.Contains(r.ProblemID, "..") {
		return errors.New("problem_id contains invalid characters")
	}
	if r.Language == "" {
		return errors.New("language is required")
	}
	if _, ok := LanguageByCode(r.Language); !ok {
		return errors.New("language is not supported")
	}
	if r.SourceKey == "" {
		return errors.New("source_key is required")
	}
	if r.TestCount < 1 {
		return errors.New("test_count must be at least 1")
	}
	return nil
}
