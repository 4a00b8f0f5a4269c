// Package state persists run records and per-job outcomes so a failed
// matrix run can be resumed without re-executing jobs that already passed.
package state

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"matrixci/internal/engine"
)

// RunStatus is the persisted lifecycle of a run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusPassed  RunStatus = "passed"
	RunStatusFailed  RunStatus = "failed"
)

// Run is the persistent metadata of one execution attempt.
type Run struct {
	RunID         string    `json:"run_id"`
	Pipeline      string    `json:"pipeline"`
	PipelineHash  string    `json:"pipeline_hash"`
	CreatedAt     time.Time `json:"created_at"`
	FailFast      bool      `json:"fail_fast"`
	Status        RunStatus `json:"status"`
	RetryCount    int       `json:"retry_count"`
	PreviousRunID *string   `json:"previous_run_id"`
}

// Validate checks required fields before the record touches disk.
func (r Run) Validate() error {
	var errs []error
	if strings.TrimSpace(r.RunID) == "" {
		errs = append(errs, errors.New("run_id is required"))
	}
	if strings.TrimSpace(r.Pipeline) == "" {
		errs = append(errs, errors.New("pipeline is required"))
	}
	if strings.TrimSpace(r.PipelineHash) == "" {
		errs = append(errs, errors.New("pipeline_hash is required"))
	}
	if r.CreatedAt.IsZero() {
		errs = append(errs, errors.New("created_at is required"))
	}
	switch r.Status {
	case RunStatusRunning, RunStatusPassed, RunStatusFailed:
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", r.Status))
	}
	if r.RetryCount < 0 {
		errs = append(errs, errors.New("retry_count must be >= 0"))
	}
	if r.PreviousRunID != nil && strings.TrimSpace(*r.PreviousRunID) == "" {
		errs = append(errs, errors.New("previous_run_id must not be empty when provided"))
	}
	return errors.Join(errs...)
}

// JobRecord is the persisted outcome of one finished job within a run.
type JobRecord struct {
	JobID string `json:"job_id"`

	// State is the terminal engine state: PASSED, FAILED, SKIPPED or
	// CARRIED.
	State engine.JobState `json:"state"`

	// Outcome carries step detail for executed jobs. Nil for skipped and
	// carried jobs.
	Outcome *engine.JobOutcome `json:"outcome,omitempty"`
}

// Validate checks structural consistency of the record.
func (j JobRecord) Validate() error {
	var errs []error
	if strings.TrimSpace(j.JobID) == "" {
		errs = append(errs, errors.New("job_id is required"))
	}
	if !engine.IsTerminal(j.State) {
		errs = append(errs, fmt.Errorf("state %q is not terminal", j.State))
	}
	switch j.State {
	case engine.JobPassed, engine.JobFailed:
		if j.Outcome == nil {
			errs = append(errs, fmt.Errorf("outcome is required for state %s", j.State))
		} else if j.Outcome.JobID != j.JobID {
			errs = append(errs, fmt.Errorf("outcome job_id %q does not match record %q", j.Outcome.JobID, j.JobID))
		}
	default:
		if j.Outcome != nil {
			errs = append(errs, fmt.Errorf("outcome must be absent for state %s", j.State))
		}
	}
	return errors.Join(errs...)
}
