package engine

// StepStatus is the outcome of a single step within a job.
type StepStatus string

const (
	StepPassed  StepStatus = "PASSED"
	StepFailed  StepStatus = "FAILED"
	StepSkipped StepStatus = "SKIPPED"
)

// Step skip reasons. These are stable logical codes: they appear in the
// canonical run report and must not be reworded casually.
const (
	SkipConditionUnmatched = "ConditionUnmatched"
	SkipPriorStepFailed    = "PriorStepFailed"
	SkipJobFailed          = "JobFailed"
)

// StepOutcome records the result of one step of one job.
type StepOutcome struct {
	// Name is the step name from the declaration.
	Name string `json:"name"`

	// AfterSuccess marks steps from the after_success section.
	AfterSuccess bool `json:"after_success,omitempty"`

	// Status is the step's final status.
	Status StepStatus `json:"status"`

	// SkipReason is set when Status is SKIPPED.
	SkipReason string `json:"skip_reason,omitempty"`

	// ExitCode is the process exit code of an executed step.
	ExitCode int `json:"exit_code"`

	// Stdout and Stderr are the captured streams of an executed step.
	Stdout []byte `json:"stdout,omitempty"`
	Stderr []byte `json:"stderr,omitempty"`
}

// JobOutcome records the result of one job.
type JobOutcome struct {
	// JobID is the canonical matrix job identifier.
	JobID string `json:"job_id"`

	// Passed reports whether every executed step succeeded and all
	// declared artifacts were collected.
	Passed bool `json:"passed"`

	// FailedStep names the step that failed the job, if any. Empty for a
	// passed job or a job failed by artifact collection.
	FailedStep string `json:"failed_step,omitempty"`

	// FailureReason is a human-readable description of a non-step
	// failure (e.g. a missing declared artifact).
	FailureReason string `json:"failure_reason,omitempty"`

	// Steps are the per-step outcomes in declaration order, main steps
	// first, then after_success steps.
	Steps []StepOutcome `json:"steps"`
}

// RunResult aggregates the outcome of executing a job list.
type RunResult struct {
	// FinalState is the terminal state of every job.
	FinalState ExecutionState

	// DispatchOrder lists executed jobs in the order they were started.
	DispatchOrder []string

	// Outcomes maps job ID to its detailed outcome. Jobs that were
	// skipped or carried have no entry.
	Outcomes map[string]*JobOutcome
}

// Passed reports whether the run as a whole succeeded: every job is either
// PASSED or CARRIED.
func (r *RunResult) Passed() bool {
	for _, st := range r.FinalState {
		if st != JobPassed && st != JobCarried {
			return false
		}
	}
	return true
}
