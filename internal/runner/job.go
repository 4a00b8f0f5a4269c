// Package runner executes one matrix job: its gated steps in order, the
// after_success steps, and artifact collection.
package runner

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"matrixci/internal/engine"
	"matrixci/internal/exec"
	"matrixci/internal/matrix"
	"matrixci/internal/pipeline"
)

// JobRunner runs every step of a job sequentially in the shared workspace.
type JobRunner struct {
	// Pipeline is the declaration being executed.
	Pipeline *pipeline.Pipeline

	// WorkDir is the job working directory (the checked-out workspace).
	WorkDir string

	// ArtifactDir is the run directory artifacts are collected into.
	// Empty disables collection even if the pipeline declares artifacts.
	ArtifactDir string

	// Executor runs individual step commands.
	Executor *exec.StepExecutor

	// Logger carries operational progress; the canonical report is
	// assembled elsewhere from the returned outcome.
	Logger *zap.Logger
}

// NewJobRunner creates a runner for the given pipeline and workspace.
func NewJobRunner(p *pipeline.Pipeline, workDir, artifactDir string, logger *zap.Logger) *JobRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobRunner{
		Pipeline:    p,
		WorkDir:     workDir,
		ArtifactDir: artifactDir,
		Executor:    exec.NewStepExecutor(workDir, p.PassEnv),
		Logger:      logger,
	}
}

// RunJob implements engine.JobRunner.
//
// Main steps run in declaration order. A step whose `when` does not match
// the cell is skipped with reason ConditionUnmatched. The first failing
// step fails the job; remaining main steps are skipped with reason
// PriorStepFailed. after_success steps run only when all main steps passed
// (a coverage upload never publishes results of a broken run); a failure
// there fails the job too. Artifacts are collected only from passed jobs.
func (r *JobRunner) RunJob(ctx context.Context, job matrix.Job) (*engine.JobOutcome, error) {
	out := &engine.JobOutcome{JobID: job.ID, Passed: true}
	log := r.Logger.With(zap.String("job", job.ID))

	for _, step := range r.Pipeline.Steps {
		so, err := r.runStep(ctx, log, job, step, false, out.Passed, engine.SkipPriorStepFailed)
		if err != nil {
			return nil, err
		}
		out.Steps = append(out.Steps, *so)
		if so.Status == engine.StepFailed {
			out.Passed = false
			out.FailedStep = step.Name
		}
	}

	for _, step := range r.Pipeline.AfterSuccess {
		so, err := r.runStep(ctx, log, job, step, true, out.Passed, engine.SkipJobFailed)
		if err != nil {
			return nil, err
		}
		out.Steps = append(out.Steps, *so)
		if so.Status == engine.StepFailed {
			// Only reached when main steps all passed; keep the first
			// failing step name.
			out.Passed = false
			if out.FailedStep == "" {
				out.FailedStep = step.Name
			}
		}
	}

	if out.Passed && r.ArtifactDir != "" && len(r.Pipeline.Artifacts) > 0 {
		n, err := CollectArtifacts(r.WorkDir, r.ArtifactDir, job.ID, r.Pipeline.Artifacts)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// A passed job that did not produce its declared artifacts is
			// a failed job: downstream consumers rely on them existing.
			out.Passed = false
			out.FailureReason = fmt.Sprintf("artifact collection: %v", err)
			log.Warn("artifact collection failed", zap.Error(err))
		} else {
			log.Info("artifacts collected", zap.Int("files", n))
		}
	}

	return out, nil
}

// runStep evaluates gating for one step and executes it if eligible.
// eligible is false once an earlier step failed; skipReason names why an
// otherwise-matching step is being skipped in that case.
func (r *JobRunner) runStep(ctx context.Context, log *zap.Logger, job matrix.Job, step pipeline.Step, afterSuccess, eligible bool, skipReason string) (*engine.StepOutcome, error) {
	so := &engine.StepOutcome{Name: step.Name, AfterSuccess: afterSuccess}

	if !matchesWhen(step.When, job.Cell) {
		so.Status = engine.StepSkipped
		so.SkipReason = engine.SkipConditionUnmatched
		log.Debug("step skipped", zap.String("step", step.Name), zap.String("reason", so.SkipReason))
		return so, nil
	}
	if !eligible {
		so.Status = engine.StepSkipped
		so.SkipReason = skipReason
		log.Debug("step skipped", zap.String("step", step.Name), zap.String("reason", so.SkipReason))
		return so, nil
	}

	log.Info("step started", zap.String("step", step.Name))
	res, err := r.Executor.Run(ctx, step.Run, r.Pipeline.Env, job.Env, step.Env)
	if err != nil {
		return nil, fmt.Errorf("step %q: %w", step.Name, err)
	}

	so.ExitCode = res.ExitCode
	so.Stdout = res.Stdout
	so.Stderr = res.Stderr
	if res.ExitCode == 0 {
		so.Status = engine.StepPassed
		log.Info("step passed", zap.String("step", step.Name))
	} else {
		so.Status = engine.StepFailed
		log.Warn("step failed",
			zap.String("step", step.Name),
			zap.Int("exit_code", res.ExitCode))
	}
	return so, nil
}

// matchesWhen reports whether the cell satisfies a step gate: every listed
// axis's value must be among the accepted values.
func matchesWhen(when pipeline.When, cell matrix.Cell) bool {
	for axis, accepted := range when {
		got, ok := cell.Value(axis)
		if !ok {
			return false
		}
		found := false
		for _, v := range accepted {
			if v == got {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
