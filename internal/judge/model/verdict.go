// Package model defines the judge domain types shared across the service:
// verdicts, the broker judge request, the language catalog and event payloads.
package model

// Verdict is the lifecycle state of a submission. A row moves
// pending -> running -> one of the terminal verdicts.
type Verdict string

const (
	VerdictPending             Verdict = "pending"
	VerdictRunning             Verdict = "running"
	VerdictAccepted            Verdict = "accepted"
	VerdictWrongAnswer         Verdict = "wrong-answer"
	VerdictTimeLimitExceeded   Verdict = "time-limit-exceeded"
	VerdictMemoryLimitExceeded Verdict = "memory-limit-exceeded"
	VerdictRuntimeError        Verdict = "runtime-error"
	VerdictCompileError        Verdict = "compile-error"
	VerdictSystemError         Verdict = "system-error"
	VerdictInternalError       Verdict = "internal-error"
)

// IsTerminal reports whether the verdict ends a submission's lifecycle.
func (v Verdict) IsTerminal() bool {
	switch v {
	case VerdictPending, VerdictRunning, "":
		return false
	}
	return true
}

// IsUserFault reports whether the outcome is attributable to the submitted
// program rather than the judge. User-fault verdicts are final and never
// retried.
func (v Verdict) IsUserFault() bool {
	switch v {
	case VerdictWrongAnswer, VerdictTimeLimitExceeded, VerdictMemoryLimitExceeded,
		VerdictRuntimeError, VerdictCompileError:
		return true
	}
	return false
}

// TestResult captures one test case's outcome for aggregation.
type TestResult struct {
	Test     int     `json:"test"`
	Verdict  Verdict `json:"verdict"`
	TimeMs   int     `json:"time_ms"`
	MemoryKB int     `json:"memory_kb"`
}
