package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"matrixci/internal/matrix"
)

// JobRunner executes a single matrix job.
//
// A non-nil error indicates an infrastructure failure (inability to create
// the job workspace, start a shell, ...). Job failures caused by non-zero
// step exit codes are reported through JobOutcome.Passed, not as errors.
type JobRunner interface {
	RunJob(ctx context.Context, job matrix.Job) (*JobOutcome, error)
}

// Pool executes independent matrix jobs on up to Workers goroutines.
//
// Jobs never depend on each other, so scheduling is a plain bounded pool.
// Dispatch follows the canonical matrix order; completion order is
// timing-dependent and therefore never recorded in the canonical report.
type Pool struct {
	Workers  int
	FailFast bool
	Runner   JobRunner
	Logger   *zap.Logger

	// OnTerminal, when set, is invoked once for each job as it reaches a
	// terminal state, before Run returns. A crash mid-run therefore loses
	// at most the jobs still in flight. An error aborts the run.
	OnTerminal func(jobID string, state JobState, outcome *JobOutcome) error

	mu    sync.Mutex
	state ExecutionState
}

// NewPool creates a pool. Workers must be positive.
func NewPool(workers int, failFast bool, runner JobRunner, logger *zap.Logger) (*Pool, error) {
	if workers <= 0 {
		return nil, fmt.Errorf("workers must be > 0")
	}
	if runner == nil {
		return nil, fmt.Errorf("nil runner")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{Workers: workers, FailFast: failFast, Runner: runner, Logger: logger}, nil
}

type workResult struct {
	jobID   string
	outcome *JobOutcome
	err     error
}

// Run executes jobs and returns the aggregated result.
//
// carried lists job IDs satisfied by a previous run: they transition
// directly PENDING -> CARRIED and are never dispatched.
//
// With FailFast, the first job failure stops further dispatch, cancels
// in-flight jobs (they finish as SKIPPED), and marks undispatched jobs
// SKIPPED. Without it, every job runs to completion.
func (p *Pool) Run(ctx context.Context, jobs []matrix.Job, carried []string) (*RunResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.Lock()
	p.state = make(ExecutionState, len(jobs))
	for _, j := range jobs {
		if _, dup := p.state[j.ID]; dup {
			p.mu.Unlock()
			return nil, fmt.Errorf("duplicate job ID %q", j.ID)
		}
		p.state[j.ID] = JobPending
	}
	for _, id := range carried {
		if err := Transition(p.state, id, JobPending, JobCarried); err != nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("carrying %q: %w", id, err)
		}
	}
	p.mu.Unlock()

	for _, id := range carried {
		if err := p.notifyTerminal(id, JobCarried, nil); err != nil {
			return nil, err
		}
	}

	jobCtx, cancelJobs := context.WithCancel(ctx)
	defer cancelJobs()

	workCh := make(chan matrix.Job)
	doneCh := make(chan workResult, p.Workers)

	var wg sync.WaitGroup
	for i := 0; i < p.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range workCh {
				outcome, err := p.Runner.RunJob(jobCtx, job)
				doneCh <- workResult{jobID: job.ID, outcome: outcome, err: err}
			}
		}()
	}
	// Closed exactly once, either by the dispatch loop finishing or by
	// fail-fast abandoning it.
	var closeOnce sync.Once
	closeWork := func() { closeOnce.Do(func() { close(workCh) }) }
	defer func() {
		closeWork()
		wg.Wait()
	}()

	order := make([]string, 0, len(jobs))
	outcomes := make(map[string]*JobOutcome, len(jobs))

	pending := make([]matrix.Job, 0, len(jobs))
	for _, j := range jobs {
		p.mu.Lock()
		st := p.state[j.ID]
		p.mu.Unlock()
		if st == JobPending {
			pending = append(pending, j)
		}
	}

	inFlight := 0
	next := 0
	failFastTriggered := false

	for {
		// Dispatch while capacity remains and fail-fast has not fired.
		for !failFastTriggered && inFlight < p.Workers && next < len(pending) {
			job := pending[next]

			// The inFlight guard guarantees a worker is free or about to
			// loop back to its receive, so this send cannot stall.
			var dispatched bool
			select {
			case workCh <- job:
				dispatched = true
			case <-ctx.Done():
			}
			if !dispatched {
				break
			}

			p.mu.Lock()
			if err := Transition(p.state, job.ID, JobPending, JobRunning); err != nil {
				p.mu.Unlock()
				return nil, err
			}
			order = append(order, job.ID)
			p.mu.Unlock()

			p.Logger.Info("job started", zap.String("job", job.ID))
			inFlight++
			next++
		}

		if inFlight == 0 && (next >= len(pending) || failFastTriggered) {
			break
		}

		select {
		case <-ctx.Done():
			cancelJobs()
			closeWork()
			wg.Wait()
			return nil, fmt.Errorf("run cancelled: %w", ctx.Err())
		case r := <-doneCh:
			inFlight--
			if err := p.recordCompletion(r, failFastTriggered, outcomes); err != nil {
				return nil, err
			}
			if p.FailFast && !failFastTriggered && r.err == nil && !r.outcome.Passed {
				failFastTriggered = true
				cancelJobs()
				p.Logger.Warn("fail-fast: stopping dispatch", zap.String("failed_job", r.jobID))
			}
		}
	}

	// Undispatched jobs after fail-fast become SKIPPED.
	p.mu.Lock()
	skipped := make([]string, 0, len(pending)-next)
	for _, j := range pending[next:] {
		if p.state[j.ID] != JobPending {
			continue
		}
		if err := Transition(p.state, j.ID, JobPending, JobSkipped); err != nil {
			p.mu.Unlock()
			return nil, err
		}
		skipped = append(skipped, j.ID)
	}
	final := p.state.Clone()
	p.mu.Unlock()

	for _, id := range skipped {
		if err := p.notifyTerminal(id, JobSkipped, nil); err != nil {
			return nil, err
		}
	}

	for id, st := range final {
		if !IsTerminal(st) {
			return nil, fmt.Errorf("job %q finished in non-terminal state %s", id, st)
		}
	}

	return &RunResult{
		FinalState:    final,
		DispatchOrder: order,
		Outcomes:      outcomes,
	}, nil
}

func (p *Pool) recordCompletion(r workResult, failFastTriggered bool, outcomes map[string]*JobOutcome) error {
	if r.err != nil {
		// A cancellation after fail-fast fired is an expected way for an
		// in-flight job to end; anything else is an infrastructure error.
		if failFastTriggered && errors.Is(r.err, context.Canceled) {
			p.mu.Lock()
			err := Transition(p.state, r.jobID, JobRunning, JobSkipped)
			p.mu.Unlock()
			if err != nil {
				return err
			}
			p.Logger.Info("job cancelled by fail-fast", zap.String("job", r.jobID))
			return p.notifyTerminal(r.jobID, JobSkipped, nil)
		}
		return fmt.Errorf("executing job %q: %w", r.jobID, r.err)
	}
	if r.outcome == nil {
		return fmt.Errorf("executing job %q: nil outcome", r.jobID)
	}

	outcomes[r.jobID] = r.outcome
	to := JobFailed
	if r.outcome.Passed {
		to = JobPassed
	}
	p.mu.Lock()
	err := Transition(p.state, r.jobID, JobRunning, to)
	p.mu.Unlock()
	if err != nil {
		return err
	}
	if r.outcome.Passed {
		p.Logger.Info("job passed", zap.String("job", r.jobID))
	} else {
		p.Logger.Warn("job failed",
			zap.String("job", r.jobID),
			zap.String("failed_step", r.outcome.FailedStep))
	}
	return p.notifyTerminal(r.jobID, to, r.outcome)
}

// notifyTerminal runs the OnTerminal callback outside the state lock so the
// callback can do slow work such as a durable write.
func (p *Pool) notifyTerminal(jobID string, st JobState, outcome *JobOutcome) error {
	if p.OnTerminal == nil {
		return nil
	}
	if err := p.OnTerminal(jobID, st, outcome); err != nil {
		return fmt.Errorf("recording job %q: %w", jobID, err)
	}
	return nil
}
