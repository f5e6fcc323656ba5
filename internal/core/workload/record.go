package workload

import "time"

// =============================================================================
// Run State
// =============================================================================

// RunState is the outcome of the most recent script run for a workload.
type RunState string

const (
	RunStateLaunched  RunState = "launched"
	RunStateSucceeded RunState = "succeeded"
	RunStateFailed    RunState = "failed"
)

// RunStateForExit maps a script exit code to a terminal run state.
func RunStateForExit(exitCode int) RunState {
	if exitCode == 0 {
		return RunStateSucceeded
	}
	return RunStateFailed
}

// =============================================================================
// Record
// =============================================================================

// Record is the indexed metadata of one deployed workload. The workload
// directory stays authoritative for existence; a Record only enriches it.
type Record struct {
	Identity   string
	Directory  string
	Port       *int
	Manifest   string
	BuildFiles []string
	Resources  []string

	RunID      string
	PID        int
	RunState   RunState
	ExitCode   *int
	OutputTail string

	CreatedAt  time.Time
	UpdatedAt  time.Time
	FinishedAt *time.Time
}

// RunResult is the outcome reported for a finished script run.
type RunResult struct {
	RunID      string
	ExitCode   int
	OutputTail string
	FinishedAt time.Time
}
