package engine

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"matrixci/internal/matrix"
)

var errDiskFull = errors.New("disk full")

type fakeRunner struct {
	mu   sync.Mutex
	ran  []string
	fail map[string]bool

	// blockUntilCancel lists jobs that wait for context cancellation and
	// then report it, simulating an in-flight job killed by fail-fast.
	blockUntilCancel map[string]bool
}

func (f *fakeRunner) RunJob(ctx context.Context, job matrix.Job) (*JobOutcome, error) {
	if f.blockUntilCancel[job.ID] {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	f.mu.Lock()
	f.ran = append(f.ran, job.ID)
	f.mu.Unlock()

	out := &JobOutcome{JobID: job.ID, Passed: !f.fail[job.ID]}
	if !out.Passed {
		out.FailedStep = "test"
		out.Steps = []StepOutcome{{Name: "test", Status: StepFailed, ExitCode: 1}}
	} else {
		out.Steps = []StepOutcome{{Name: "test", Status: StepPassed}}
	}
	return out, nil
}

func jobsNamed(ids ...string) []matrix.Job {
	jobs := make([]matrix.Job, len(ids))
	for i, id := range ids {
		jobs[i] = matrix.Job{ID: id}
	}
	return jobs
}

func TestPoolAllPass(t *testing.T) {
	f := &fakeRunner{}
	pool, err := NewPool(4, false, f, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	jobs := jobsNamed("a", "b", "c", "d", "e", "f", "g", "h")
	result, err := pool.Run(context.Background(), jobs, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Passed() {
		t.Fatal("expected run to pass")
	}
	for _, j := range jobs {
		if result.FinalState[j.ID] != JobPassed {
			t.Errorf("job %s: got %s", j.ID, result.FinalState[j.ID])
		}
		if result.Outcomes[j.ID] == nil {
			t.Errorf("job %s: missing outcome", j.ID)
		}
	}
	if len(result.DispatchOrder) != len(jobs) {
		t.Fatalf("dispatch order incomplete: %v", result.DispatchOrder)
	}
}

func TestPoolFailureWithoutFailFastRunsEverything(t *testing.T) {
	f := &fakeRunner{fail: map[string]bool{"b": true}}
	pool, err := NewPool(2, false, f, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	result, err := pool.Run(context.Background(), jobsNamed("a", "b", "c"), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Passed() {
		t.Fatal("expected run to fail")
	}
	if result.FinalState["b"] != JobFailed {
		t.Fatalf("job b: got %s", result.FinalState["b"])
	}
	if result.FinalState["a"] != JobPassed || result.FinalState["c"] != JobPassed {
		t.Fatalf("remaining jobs must still run: %v", result.FinalState)
	}
	if len(f.ran) != 3 {
		t.Fatalf("expected 3 executions, got %v", f.ran)
	}
}

func TestPoolFailFastSkipsUndispatched(t *testing.T) {
	f := &fakeRunner{fail: map[string]bool{"a": true}}
	pool, err := NewPool(1, true, f, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	result, err := pool.Run(context.Background(), jobsNamed("a", "b", "c"), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.FinalState["a"] != JobFailed {
		t.Fatalf("job a: got %s", result.FinalState["a"])
	}
	if result.FinalState["b"] != JobSkipped || result.FinalState["c"] != JobSkipped {
		t.Fatalf("undispatched jobs must be skipped: %v", result.FinalState)
	}
	if len(f.ran) != 1 {
		t.Fatalf("only job a should have executed, got %v", f.ran)
	}
}

func TestPoolFailFastCancelsInFlight(t *testing.T) {
	f := &fakeRunner{
		fail:             map[string]bool{"a": true},
		blockUntilCancel: map[string]bool{"b": true},
	}
	pool, err := NewPool(2, true, f, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	var result *RunResult
	var runErr error
	go func() {
		defer close(done)
		result, runErr = pool.Run(context.Background(), jobsNamed("a", "b"), nil)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("pool did not finish; fail-fast cancellation is broken")
	}

	if runErr != nil {
		t.Fatalf("Run: %v", runErr)
	}
	if result.FinalState["a"] != JobFailed {
		t.Fatalf("job a: got %s", result.FinalState["a"])
	}
	if result.FinalState["b"] != JobSkipped {
		t.Fatalf("cancelled in-flight job must be skipped, got %s", result.FinalState["b"])
	}
}

func TestPoolCarriedJobsNotDispatched(t *testing.T) {
	f := &fakeRunner{}
	pool, err := NewPool(2, false, f, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	result, err := pool.Run(context.Background(), jobsNamed("a", "b", "c"), []string{"a", "c"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.FinalState["a"] != JobCarried || result.FinalState["c"] != JobCarried {
		t.Fatalf("carried jobs: %v", result.FinalState)
	}
	if result.FinalState["b"] != JobPassed {
		t.Fatalf("job b: got %s", result.FinalState["b"])
	}
	if len(f.ran) != 1 || f.ran[0] != "b" {
		t.Fatalf("only job b should have executed, got %v", f.ran)
	}
	if !result.Passed() {
		t.Fatal("carried + passed run must pass")
	}
}

func TestPoolCarriedUnknownJobRejected(t *testing.T) {
	pool, err := NewPool(1, false, &fakeRunner{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := pool.Run(context.Background(), jobsNamed("a"), []string{"ghost"}); err == nil {
		t.Fatal("carrying an unknown job must fail")
	}
}

func TestPoolReportsTerminalStates(t *testing.T) {
	f := &fakeRunner{fail: map[string]bool{"b": true}}
	pool, err := NewPool(2, false, f, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	states := map[string]JobState{}
	outcomes := map[string]*JobOutcome{}
	pool.OnTerminal = func(id string, st JobState, out *JobOutcome) error {
		mu.Lock()
		defer mu.Unlock()
		if _, dup := states[id]; dup {
			t.Errorf("job %s reported twice", id)
		}
		states[id] = st
		outcomes[id] = out
		return nil
	}

	if _, err := pool.Run(context.Background(), jobsNamed("a", "b", "c"), []string{"c"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := map[string]JobState{"a": JobPassed, "b": JobFailed, "c": JobCarried}
	if !reflect.DeepEqual(states, want) {
		t.Fatalf("reported states: got %v want %v", states, want)
	}
	if outcomes["a"] == nil || outcomes["b"] == nil {
		t.Fatal("executed jobs must be reported with their outcome")
	}
	if outcomes["c"] != nil {
		t.Fatal("carried jobs have no outcome")
	}
}

func TestPoolReportsFinishedJobsBeforeCancellation(t *testing.T) {
	// If the cancelled dispatch race still hands b to a worker, b observes
	// the cancellation instead of completing.
	f := &fakeRunner{blockUntilCancel: map[string]bool{"b": true}}
	pool, err := NewPool(1, false, f, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	states := map[string]JobState{}
	pool.OnTerminal = func(id string, st JobState, _ *JobOutcome) error {
		mu.Lock()
		states[id] = st
		mu.Unlock()
		// Interrupt the run as soon as the first job lands.
		cancel()
		return nil
	}

	if _, err := pool.Run(ctx, jobsNamed("a", "b"), nil); err == nil {
		t.Fatal("expected cancellation error")
	}
	if states["a"] != JobPassed {
		t.Fatalf("finished job must be reported before the run aborts: %v", states)
	}
	if _, ok := states["b"]; ok {
		t.Fatalf("undispatched job must not reach a terminal record: %v", states)
	}
}

func TestPoolTerminalCallbackErrorAbortsRun(t *testing.T) {
	pool, err := NewPool(1, false, &fakeRunner{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	pool.OnTerminal = func(string, JobState, *JobOutcome) error {
		return errDiskFull
	}
	if _, err := pool.Run(context.Background(), jobsNamed("a"), nil); !errors.Is(err, errDiskFull) {
		t.Fatalf("expected the callback error, got %v", err)
	}
}

func TestPoolOuterCancellation(t *testing.T) {
	f := &fakeRunner{blockUntilCancel: map[string]bool{"a": true}}
	pool, err := NewPool(1, false, f, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := pool.Run(ctx, jobsNamed("a", "b"), nil); err == nil {
		t.Fatal("expected cancellation error")
	}
}
