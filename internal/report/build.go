package report

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"matrixci/internal/engine"
)

// Build assembles the canonical report from an engine result.
func Build(pipelineName, pipelineHash string, result *engine.RunResult) *Report {
	r := &Report{Pipeline: pipelineName, PipelineHash: pipelineHash}

	for jobID, st := range result.FinalState {
		switch st {
		case engine.JobSkipped:
			r.Events = append(r.Events, Event{Kind: EventJobSkipped, JobID: jobID, StepIndex: -1})
		case engine.JobCarried:
			r.Events = append(r.Events, Event{Kind: EventJobCarried, JobID: jobID, StepIndex: -1})
		}
	}

	for jobID, out := range result.Outcomes {
		for i, so := range out.Steps {
			e := Event{JobID: jobID, Step: so.Name, StepIndex: i}
			switch so.Status {
			case engine.StepPassed:
				e.Kind = EventStepPassed
			case engine.StepFailed:
				e.Kind = EventStepFailed
				e.ExitCode = so.ExitCode
			case engine.StepSkipped:
				e.Kind = EventStepSkipped
				e.Reason = so.SkipReason
			}
			r.Events = append(r.Events, e)
		}

		jobEvent := Event{JobID: jobID, StepIndex: -1, Kind: EventJobFailed}
		if out.Passed {
			jobEvent.Kind = EventJobPassed
		}
		r.Events = append(r.Events, jobEvent)
	}

	r.Canonicalize()
	return r
}

// Hash returns the SHA-256 of the canonical JSON bytes.
func (r Report) Hash() (string, error) {
	b, err := r.CanonicalJSON()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Write writes the canonical JSON to path, creating parent directories.
func (r Report) Write(path string) error {
	b, err := r.CanonicalJSON()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
