// Package engine schedules matrix jobs across a bounded worker pool and
// tracks their lifecycle through a validated state machine.
package engine

import "fmt"

// JobState is the lifecycle state of one matrix job.
type JobState string

const (
	// JobPending means the job has not been dispatched yet.
	JobPending JobState = "PENDING"

	// JobRunning means the job is executing on a worker.
	JobRunning JobState = "RUNNING"

	// JobPassed means every step of the job succeeded.
	JobPassed JobState = "PASSED"

	// JobFailed means a step of the job exited non-zero or a declared
	// artifact was missing.
	JobFailed JobState = "FAILED"

	// JobSkipped means the job was never completed because fail-fast
	// stopped the run after another job failed.
	JobSkipped JobState = "SKIPPED"

	// JobCarried means the job passed in the previous run and its result
	// was carried into this resume without re-execution.
	JobCarried JobState = "CARRIED"
)

// ExecutionState maps job ID to its current state.
type ExecutionState map[string]JobState

// Clone returns an independent copy.
func (s ExecutionState) Clone() ExecutionState {
	cp := make(ExecutionState, len(s))
	for k, v := range s {
		cp[k] = v
	}
	return cp
}

// IsTerminal reports whether the state is final.
func IsTerminal(s JobState) bool {
	switch s {
	case JobPassed, JobFailed, JobSkipped, JobCarried:
		return true
	default:
		return false
	}
}

// Transition performs an atomic validated transition for a single job.
//
// The caller supplies the expected prior state so that races surface as
// errors instead of silent overwrites. The map is mutated only when the
// transition is valid.
func Transition(state ExecutionState, jobID string, from, to JobState) error {
	cur, ok := state[jobID]
	if !ok {
		return fmt.Errorf("unknown job in state: %q", jobID)
	}
	if cur != from {
		return fmt.Errorf("invalid transition for %q: expected %s, got %s", jobID, from, cur)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition for %q: %s -> %s", jobID, from, to)
	}
	state[jobID] = to
	return nil
}

func isAllowedTransition(from, to JobState) bool {
	switch from {
	case JobPending:
		return to == JobRunning || to == JobSkipped || to == JobCarried
	case JobRunning:
		// RUNNING -> SKIPPED happens only when fail-fast cancels an
		// in-flight job.
		return to == JobPassed || to == JobFailed || to == JobSkipped
	default:
		return false
	}
}
