package model

// Routing keys on the event exchange.
const (
	RoutingKeySubmissionJudged = "submission.judged"
	RoutingKeyRejudgeRequested = "submission.rejudge-requested"
	RoutingKeyWorkersScaled    = "judge.workers.scaled"
	RoutingKeyTestcasesChanged = "problem.testcases-changed"
)

// SubmissionJudgedEvent is published after a terminal verdict is persisted.
// EventID is stable across publish retries so consumers can dedupe.
type SubmissionJudgedEvent struct {
	EventID      string  `json:"event_id"`
	SubmissionID string  `json:"submission_id"`
	UserID       string  `json:"user_id"`
	ProblemID    string  `json:"problem_id"`
	Verdict      Verdict `json:"verdict"`
	Score        int     `json:"score"`
	TimeMs       int     `json:"time_ms"`
	MemoryKB     int     `json:"memory_kb"`
	TestsPassed  int     `json:"tests_passed"`
	TestsTotal   int     `json:"tests_total"`
	FinishedAt   int64   `json:"finished_at"`
}

// RejudgeRequestedEvent is published when an admin re-enqueues a submission.
type RejudgeRequestedEvent struct {
	EventID      string `json:"event_id"`
	SubmissionID string `json:"submission_id"`
	ActorID      string `json:"actor_id"`
	At           int64  `json:"at"`
}

// WorkersScaledEvent is published when an admin resizes the worker pool.
type WorkersScaledEvent struct {
	EventID string `json:"event_id"`
	ActorID string `json:"actor_id"`
	From    int    `json:"from"`
	To      int    `json:"to"`
	At      int64  `json:"at"`
}

// TestcasesChangedEvent arrives when a problem's test data is republished;
// cached bundles for the problem must be invalidated.
type TestcasesChangedEvent struct {
	ProblemID string `json:"problem_id"`
}
