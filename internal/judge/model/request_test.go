package model

import (
	"strings"
	"testing"
)

func validRequest() JudgeRequest {
	return JudgeRequest{
		SubmissionID:  "6a9f1a9e-0f6a-4d2c-9b6e-0c9a5f1d2e3f",
		UserID:        "42",
		ProblemID:     "prob-100",
		Language:      "cpp",
		SourceKey:     "submissions/6a9f1a9e/main.cpp",
		TimeLimitMs:   2000,
		MemoryLimitMB: 256,
		TestCount:     10,
	}
}

func TestJudgeRequestNormalize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   JudgeRequest
		want JudgeRequest
	}{
		{
			name: "zero limits get defaults",
			in:   JudgeRequest{},
			want: JudgeRequest{TimeLimitMs: DefaultTimeLimitMs, MemoryLimitMB: DefaultMemoryLimitMB},
		},
		{
			name: "negative limits get defaults",
			in:   JudgeRequest{TimeLimitMs: -5, MemoryLimitMB: -1},
			want: JudgeRequest{TimeLimitMs: DefaultTimeLimitMs, MemoryLimitMB: DefaultMemoryLimitMB},
		},
		{
			name: "over-max limits clamp",
			in:   JudgeRequest{TimeLimitMs: 60000, MemoryLimitMB: 4096},
			want: JudgeRequest{TimeLimitMs: MaxTimeLimitMs, MemoryLimitMB: MaxMemoryLimitMB},
		},
		{
			name: "in-range limits untouched",
			in:   JudgeRequest{TimeLimitMs: 1500, MemoryLimitMB: 128},
			want: JudgeRequest{TimeLimitMs: 1500, MemoryLimitMB: 128},
		},
		{
			name: "priority clamps to max",
			in:   JudgeRequest{Priority: 200},
			want: JudgeRequest{TimeLimitMs: DefaultTimeLimitMs, MemoryLimitMB: DefaultMemoryLimitMB, Priority: MaxPriority},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := tc.in
			got.Normalize()
			if got.TimeLimitMs != tc.want.TimeLimitMs {
				t.Fatalf("time limit = %d, want %d", got.TimeLimitMs, tc.want.TimeLimitMs)
			}
			if got.MemoryLimitMB != tc.want.MemoryLimitMB {
				t.Fatalf("memory limit = %d, want %d", got.MemoryLimitMB, tc.want.MemoryLimitMB)
			}
			if got.Priority != tc.want.Priority {
				t.Fatalf("priority = %d, want %d", got.Priority, tc.want.Priority)
			}
		})
	}
}

func TestJudgeRequestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*JudgeRequest)
		wantErr string
	}{
		{
			name:   "valid request",
			mutate: func(r *JudgeRequest) {},
		},
		{
			name: "zero limits are valid after normalize",
			mutate: func(r *JudgeRequest) {
				r.TimeLimitMs = 0
				r.MemoryLimitMB = 0
			},
		},
		{
			name:    "missing submission id",
			mutate:  func(r *JudgeRequest) { r.SubmissionID = "" },
			wantErr: "submission_id",
		},
		{
			name:    "missing user id",
			mutate:  func(r *JudgeRequest) { r.UserID = "" },
			wantErr: "user_id",
		},
		{
			name:    "missing problem id",
			mutate:  func(r *JudgeRequest) { r.ProblemID = "" },
			wantErr: "problem_id",
		},
		{
			name:    "problem id with path separator",
			mutate:  func(r *JudgeRequest) { r.ProblemID = "a/b" },
			wantErr: "invalid characters",
		},
		{
			name:    "problem id with dot dot",
			mutate:  func(r *JudgeRequest) { r.ProblemID = ".." },
			wantErr: "invalid characters",
		},
		{
			name:    "missing language",
			mutate:  func(r *JudgeRequest) { r.Language = "" },
			wantErr: "language is required",
		},
		{
			name:    "unknown language",
			mutate:  func(r *JudgeRequest) { r.Language = "cobol" },
			wantErr: "not supported",
		},
		{
			name:    "missing source key",
			mutate:  func(r *JudgeRequest) { r.SourceKey = "" },
			wantErr: "source_key",
		},
		{
			name:    "zero test count",
			mutate:  func(r *JudgeRequest) { r.TestCount = 0 },
			wantErr: "test_count",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req := validRequest()
			tc.mutate(&req)
			err := req.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("expected valid, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error = %q, want it to contain %q", err, tc.wantErr)
			}
		})
	}
}
