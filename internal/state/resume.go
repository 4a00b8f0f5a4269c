package state

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"matrixci/internal/engine"
)

// ResumePlan describes how a new run continues a previous one.
type ResumePlan struct {
	// PreviousRunID is the run being resumed.
	PreviousRunID string

	// Carried lists job IDs that passed previously and are not re-run.
	// Sorted for deterministic dispatch and reporting.
	Carried []string
}

// CheckResume verifies resume eligibility and computes the resume plan.
//
// Eligibility rules:
//   - the previous run exists and its record loads cleanly
//   - its status is failed (a passed run has nothing to resume; a run
//     still marked running either crashed mid-flight or is live — the
//     caller decides via allowInterrupted)
//   - the pipeline hash is unchanged: editing the declaration invalidates
//     every previous outcome
//
// currentJobIDs is the freshly expanded job list: a carried job must still
// exist in the current matrix. With an unchanged pipeline hash the matrix
// cannot actually differ; the check keeps the invariant explicit.
func CheckResume(store *Store, prevRunID, pipelineHash string, currentJobIDs []string, allowInterrupted bool) (*ResumePlan, error) {
	if store == nil {
		return nil, errors.New("nil store")
	}
	if strings.TrimSpace(prevRunID) == "" {
		return nil, errors.New("previous run ID is required")
	}

	prev, err := store.LoadRun(prevRunID)
	if err != nil {
		return nil, fmt.Errorf("previous run %q: %w", prevRunID, err)
	}

	switch prev.Status {
	case RunStatusFailed:
	case RunStatusRunning:
		if !allowInterrupted {
			return nil, fmt.Errorf("previous run %q is marked running; pass --allow-interrupted if it crashed", prevRunID)
		}
	case RunStatusPassed:
		return nil, fmt.Errorf("previous run %q passed; nothing to resume", prevRunID)
	default:
		return nil, fmt.Errorf("previous run %q has unknown status %q", prevRunID, prev.Status)
	}

	if prev.PipelineHash != pipelineHash {
		return nil, fmt.Errorf("pipeline changed since run %q (hash %s != %s); resume would replay stale outcomes",
			prevRunID, pipelineHash, prev.PipelineHash)
	}

	jobs, err := store.LoadJobs(prevRunID)
	if err != nil {
		return nil, fmt.Errorf("loading job records of %q: %w", prevRunID, err)
	}

	current := make(map[string]bool, len(currentJobIDs))
	for _, id := range currentJobIDs {
		current[id] = true
	}

	plan := &ResumePlan{PreviousRunID: prevRunID}
	for id, rec := range jobs {
		// CARRIED records chain: a job carried in the previous run was
		// proven passed by an earlier ancestor.
		if rec.State != engine.JobPassed && rec.State != engine.JobCarried {
			continue
		}
		if !current[id] {
			return nil, fmt.Errorf("previous run contains job %q absent from the current matrix", id)
		}
		plan.Carried = append(plan.Carried, id)
	}
	sort.Strings(plan.Carried)

	if len(plan.Carried) == len(currentJobIDs) {
		return nil, fmt.Errorf("every job of run %q already passed; nothing to resume", prevRunID)
	}

	return plan, nil
}

// NextRun builds the run record for a resume attempt.
func NextRun(prev Run, newRunID string, now time.Time, failFast bool) Run {
	prevID := prev.RunID
	return Run{
		RunID:         newRunID,
		Pipeline:      prev.Pipeline,
		PipelineHash:  prev.PipelineHash,
		CreatedAt:     now,
		FailFast:      failFast,
		Status:        RunStatusRunning,
		RetryCount:    prev.RetryCount + 1,
		PreviousRunID: &prevID,
	}
}
