// Package report produces the canonical, deterministic record of a matrix
// run.
//
// The report captures logical facts only: which steps ran, were skipped, or
// failed, and how each job ended. It contains no timestamps, durations,
// worker identities, or captured output, so its canonical JSON bytes — and
// its hash — are identical across reruns of the same declaration regardless
// of worker count or completion timing. The operational narrative (timing,
// output, host detail) belongs to the structured log, not here.
package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// EventKind is the stable discriminator for report events. The string
// values are part of the canonical bytes; do not rename.
type EventKind string

const (
	EventStepPassed  EventKind = "StepPassed"
	EventStepFailed  EventKind = "StepFailed"
	EventStepSkipped EventKind = "StepSkipped"
	EventJobPassed   EventKind = "JobPassed"
	EventJobFailed   EventKind = "JobFailed"
	EventJobSkipped  EventKind = "JobSkipped"
	EventJobCarried  EventKind = "JobCarried"
)

// Event is one logical fact about the run.
type Event struct {
	Kind EventKind

	// JobID identifies the matrix job. Required for every kind.
	JobID string

	// Step is the step name for step-level events.
	Step string

	// StepIndex is the step's position within the job (main steps first,
	// then after_success). Job-level events carry -1.
	StepIndex int

	// Reason is a stable logical code (e.g. "ConditionUnmatched") for
	// skip events.
	Reason string

	// ExitCode is the process exit code for StepFailed events.
	ExitCode int
}

// Report is the canonical record of a run.
type Report struct {
	// Pipeline is the pipeline name.
	Pipeline string

	// PipelineHash is the declaration identity the run executed.
	PipelineHash string

	// Events are the logical facts, canonically ordered.
	Events []Event
}

// Validate checks basic invariants.
func (r *Report) Validate() error {
	if r == nil {
		return errors.New("report is nil")
	}
	if r.PipelineHash == "" {
		return errors.New("pipeline hash is required")
	}
	for i, e := range r.Events {
		if e.Kind == "" {
			return fmt.Errorf("events[%d]: kind is required", i)
		}
		if e.JobID == "" {
			return fmt.Errorf("events[%d]: job ID is required", i)
		}
		if isStepEvent(e.Kind) && e.Step == "" {
			return fmt.Errorf("events[%d]: step name is required for %s", i, e.Kind)
		}
	}
	return nil
}

func isStepEvent(kind EventKind) bool {
	switch kind {
	case EventStepPassed, EventStepFailed, EventStepSkipped:
		return true
	default:
		return false
	}
}

// Canonicalize sorts events into their total order: job ID first, then step
// events by step index, then job-level events. The order is independent of
// completion timing and concurrency.
func (r *Report) Canonicalize() {
	sort.SliceStable(r.Events, func(i, j int) bool {
		a, b := r.Events[i], r.Events[j]
		if a.JobID != b.JobID {
			return a.JobID < b.JobID
		}
		ai, bi := sortIndex(a), sortIndex(b)
		if ai != bi {
			return ai < bi
		}
		return kindOrder(a.Kind) < kindOrder(b.Kind)
	})
}

// sortIndex places job-level events after every step event of the job.
func sortIndex(e Event) int {
	if isStepEvent(e.Kind) {
		return e.StepIndex
	}
	return 1 << 30
}

func kindOrder(k EventKind) int {
	switch k {
	case EventStepPassed:
		return 10
	case EventStepFailed:
		return 20
	case EventStepSkipped:
		return 30
	case EventJobCarried:
		return 40
	case EventJobPassed:
		return 50
	case EventJobFailed:
		return 60
	case EventJobSkipped:
		return 70
	default:
		return 1000
	}
}

// CanonicalJSON returns the canonical encoding. A copy is canonicalized so
// the caller's event slice is not reordered.
func (r Report) CanonicalJSON() ([]byte, error) {
	cp := Report{Pipeline: r.Pipeline, PipelineHash: r.PipelineHash}
	cp.Events = make([]Event, len(r.Events))
	copy(cp.Events, r.Events)
	cp.Canonicalize()
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(&cp)
}

// MarshalJSON fixes field order and omission rules so the bytes are stable.
func (r Report) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"pipeline":`)
	writeJSONString(&buf, r.Pipeline)
	buf.WriteString(`,"pipelineHash":`)
	writeJSONString(&buf, r.PipelineHash)
	buf.WriteString(`,"events":[`)
	for i, e := range r.Events {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeEvent(&buf, e); err != nil {
			return nil, err
		}
	}
	buf.WriteString(`]}`)
	return buf.Bytes(), nil
}

func writeEvent(buf *bytes.Buffer, e Event) error {
	buf.WriteString(`{"kind":`)
	writeJSONString(buf, string(e.Kind))
	buf.WriteString(`,"jobId":`)
	writeJSONString(buf, e.JobID)
	if isStepEvent(e.Kind) {
		buf.WriteString(`,"step":`)
		writeJSONString(buf, e.Step)
		fmt.Fprintf(buf, `,"stepIndex":%d`, e.StepIndex)
	}
	if e.Reason != "" {
		buf.WriteString(`,"reason":`)
		writeJSONString(buf, e.Reason)
	}
	if e.Kind == EventStepFailed {
		fmt.Fprintf(buf, `,"exitCode":%d`, e.ExitCode)
	}
	buf.WriteByte('}')
	return nil
}

func writeJSONString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s)
	buf.Write(b)
}
