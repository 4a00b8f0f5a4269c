package cli

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"matrixci/internal/engine"
	"matrixci/internal/matrix"
	"matrixci/internal/pipeline"
	"matrixci/internal/report"
	"matrixci/internal/runner"
	"matrixci/internal/state"
)

func (r *RootCommand) newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Expand the matrix and execute every job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			inv, err := r.opts.Resolve()
			if err != nil {
				return err
			}
			return r.executeRun(cmd, inv, "", false)
		},
	}
}

func (r *RootCommand) newResumeCommand() *cobra.Command {
	var allowInterrupted bool
	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Re-run only the jobs that did not pass in a previous run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := r.opts.Resolve()
			if err != nil {
				return err
			}
			return r.executeRun(cmd, inv, args[0], allowInterrupted)
		},
	}
	cmd.Flags().BoolVar(&allowInterrupted, "allow-interrupted", false,
		"resume a run still marked running (crashed mid-flight)")
	return cmd
}

// executeRun is the shared body of `run` and `resume`. A non-empty
// prevRunID turns the run into a resume: jobs that passed previously are
// carried instead of re-executed.
func (r *RootCommand) executeRun(cmd *cobra.Command, inv Invocation, prevRunID string, allowInterrupted bool) error {
	ctx := cmd.Context()
	log := r.logger

	p, err := pipeline.Load(inv.PipelinePath)
	if err != nil {
		return err
	}
	pipelineHash := p.ComputeHash().String()

	jobs, err := matrix.Expand(p)
	if err != nil {
		return exitErrorf(ExitConfigError, "expanding matrix: %v", err)
	}
	jobIDs := make([]string, len(jobs))
	for i, j := range jobs {
		jobIDs[i] = j.ID
	}

	store, err := state.NewStore(inv.StateDir)
	if err != nil {
		return exitErrorf(ExitInternalError, "opening state store: %v", err)
	}

	runID := uuid.NewString()
	var run state.Run
	var carried []string
	if prevRunID == "" {
		run = state.Run{
			RunID:        runID,
			Pipeline:     p.Name,
			PipelineHash: pipelineHash,
			CreatedAt:    time.Now().UTC(),
			FailFast:     inv.FailFast,
			Status:       state.RunStatusRunning,
		}
	} else {
		plan, err := state.CheckResume(store, prevRunID, pipelineHash, jobIDs, allowInterrupted)
		if err != nil {
			return exitErrorf(ExitConfigError, "resume: %v", err)
		}
		carried = plan.Carried
		prev, err := store.LoadRun(prevRunID)
		if err != nil {
			return exitErrorf(ExitConfigError, "resume: %v", err)
		}
		run = state.NextRun(prev, runID, time.Now().UTC(), inv.FailFast)
		log.Info("resuming run",
			zap.String("previous_run", prevRunID),
			zap.Int("carried_jobs", len(carried)))
	}

	if err := store.SaveRun(run); err != nil {
		return exitErrorf(ExitInternalError, "saving run record: %v", err)
	}

	log.Info("run started",
		zap.String("run", runID),
		zap.String("pipeline", p.Name),
		zap.Int("jobs", len(jobs)),
		zap.Int("workers", inv.Workers),
		zap.Bool("fail_fast", inv.FailFast))

	jr := runner.NewJobRunner(p, inv.WorkDir, store.ArtifactDir(runID), log)
	pool, err := engine.NewPool(inv.Workers, inv.FailFast, jr, log)
	if err != nil {
		return exitErrorf(ExitInternalError, "creating pool: %v", err)
	}
	pool.OnTerminal = func(jobID string, st engine.JobState, outcome *engine.JobOutcome) error {
		return store.SaveJob(runID, state.JobRecord{JobID: jobID, State: st, Outcome: outcome})
	}

	result, err := pool.Run(ctx, jobs, carried)
	if err != nil {
		// Finished jobs already have records on disk and the run record
		// stays in status running, so an interrupted run remains resumable
		// with --allow-interrupted.
		return exitErrorf(ExitInternalError, "run %s: %v", runID, err)
	}

	rep := report.Build(p.Name, pipelineHash, result)
	if err := rep.Write(filepath.Join(store.RunDir(runID), "report.json")); err != nil {
		return exitErrorf(ExitInternalError, "%v", err)
	}
	if inv.ReportPath != "" {
		if err := rep.Write(inv.ReportPath); err != nil {
			return exitErrorf(ExitInternalError, "%v", err)
		}
	}

	run.Status = state.RunStatusFailed
	if result.Passed() {
		run.Status = state.RunStatusPassed
	}
	if err := store.SaveRun(run); err != nil {
		return exitErrorf(ExitInternalError, "saving run record: %v", err)
	}

	passed, failed, skipped, carriedN := tally(result.FinalState)
	log.Info("run finished",
		zap.String("run", runID),
		zap.String("status", string(run.Status)),
		zap.Int("passed", passed),
		zap.Int("failed", failed),
		zap.Int("skipped", skipped),
		zap.Int("carried", carriedN))

	fmt.Fprintf(cmd.OutOrStdout(), "run %s: %s (%d passed, %d failed, %d skipped, %d carried)\n",
		runID, run.Status, passed, failed, skipped, carriedN)

	if !result.Passed() {
		return exitErrorf(ExitJobFailure, "%d of %d jobs did not pass", failed+skipped, len(jobs))
	}
	return nil
}

func tally(final engine.ExecutionState) (passed, failed, skipped, carried int) {
	for _, st := range final {
		switch st {
		case engine.JobPassed:
			passed++
		case engine.JobFailed:
			failed++
		case engine.JobSkipped:
			skipped++
		case engine.JobCarried:
			carried++
		}
	}
	return
}
