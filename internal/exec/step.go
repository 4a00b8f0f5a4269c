// Package exec runs single pipeline steps as shell subprocesses.
package exec

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"syscall"
)

// Result contains the observable outcome of one step execution.
type Result struct {
	// Stdout is the captured standard output.
	Stdout []byte

	// Stderr is the captured standard error.
	Stderr []byte

	// ExitCode is the process exit code. 0 is success; any non-zero code
	// fails the step (shell default failure semantics, no retries).
	ExitCode int
}

// StepExecutor runs step commands with a fully constructed environment.
//
// Environment isolation is allowlist-based: the subprocess environment
// starts empty, then receives the host variables named in PassEnv, then the
// injected layers (pipeline env, matrix env, step env — later layers win).
// A host variable not in PassEnv is never observable by a step.
type StepExecutor struct {
	// WorkDir is the directory steps execute in.
	WorkDir string

	// PassEnv names host environment variables passed through.
	PassEnv []string
}

// NewStepExecutor creates a StepExecutor for the given job working directory.
func NewStepExecutor(workDir string, passEnv []string) *StepExecutor {
	return &StepExecutor{WorkDir: workDir, PassEnv: passEnv}
}

// Run executes command via `sh -c` and returns its captured outcome.
//
// The process runs in its own process group; on context cancellation the
// whole group receives SIGKILL so helper processes spawned by the step do
// not outlive the run. A non-zero exit code is returned in Result, not as
// an error: error means the step could not be executed at all.
func (e *StepExecutor) Run(ctx context.Context, command string, layers ...map[string]string) (*Result, error) {
	if command == "" {
		return nil, fmt.Errorf("empty command")
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = e.WorkDir
	cmd.Env = e.buildEnv(layers)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start step command: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var waitErr error
	select {
	case <-ctx.Done():
		if cmd.Process != nil {
			// Negative pid targets the whole process group.
			syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		<-done
		return nil, fmt.Errorf("step cancelled: %w", ctx.Err())
	case waitErr = <-done:
		// Wait can win this select when cancellation already killed the
		// process. A cancelled step is cancelled, never a plain failure.
		if ctx.Err() != nil {
			if cmd.Process != nil {
				syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			}
			return nil, fmt.Errorf("step cancelled: %w", ctx.Err())
		}
	}

	exitCode := 0
	if waitErr != nil {
		exitErr, ok := waitErr.(*exec.ExitError)
		if !ok {
			return nil, fmt.Errorf("run step command: %w", waitErr)
		}
		exitCode = exitErr.ExitCode()
	}

	return &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: exitCode,
	}, nil
}

// buildEnv merges the passthrough allowlist with the injected layers.
// The result is sorted so process environments are reproducible.
func (e *StepExecutor) buildEnv(layers []map[string]string) []string {
	merged := make(map[string]string)
	for _, name := range e.PassEnv {
		if v, ok := os.LookupEnv(name); ok {
			merged[name] = v
		}
	}
	for _, layer := range layers {
		for k, v := range layer {
			merged[k] = v
		}
	}

	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}
