package sandbox

import "codehakam/internal/judge/model"

// MapVerdict classifies a finished run against the submission's limits. Rules
// apply in order; the first match wins. VerdictAccepted only means the run is
// clean, the checker owns the final accept or reject.
func MapVerdict(res ExecResult, timeLimitMs, memoryLimitMB int) model.Verdict {
	limitMs := int64(timeLimitMs)
	limitKB := int64(memoryLimitMB) * 1024

	if res.Status == StatusTimeout {
		return model.VerdictTimeLimitExceeded
	}
	if limitMs > 0 && (res.TimeMs > limitMs || res.WallTimeMs > limitMs) {
		return model.VerdictTimeLimitExceeded
	}
	if res.Status == StatusInternal {
		return model.VerdictSystemError
	}
	if res.ExitCode == 137 || res.OOMKilled {
		return model.VerdictMemoryLimitExceeded
	}
	if limitKB > 0 && res.MemoryKB > limitKB {
		return model.VerdictMemoryLimitExceeded
	}
	// 124 and 125 are the timeout(1) conventions.
	if res.ExitCode == 124 || res.ExitCode == 125 {
		return model.VerdictTimeLimitExceeded
	}
	if res.ExitCode != 0 {
		return model.VerdictRuntimeError
	}
	return model.VerdictAccepted
}
