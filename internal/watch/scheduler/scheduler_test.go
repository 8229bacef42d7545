package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/petr-muller/ghwatch/internal/watch/cycle"
	"github.com/petr-muller/ghwatch/internal/watch/resource"
)

type call struct {
	Trigger string
	Hint    string
}

type fakeRunner struct {
	mu      sync.Mutex
	calls   []call
	state   cycle.State
	running chan struct{}
	release chan struct{}
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{state: cycle.StateIdle, running: make(chan struct{}, 10), release: make(chan struct{})}
}

func (f *fakeRunner) Run(_ context.Context, trigger string, hint *resource.Hint) cycle.Result {
	f.running <- struct{}{}
	<-f.release

	f.mu.Lock()
	defer f.mu.Unlock()
	c := call{Trigger: trigger}
	if hint != nil {
		c.Hint = hint.String()
	}
	f.calls = append(f.calls, c)
	return cycle.Result{State: f.state}
}

func (f *fakeRunner) recorded() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func waitForCalls(t *testing.T, runner *fakeRunner, n int) []call {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if calls := runner.recorded(); len(calls) >= n {
			return calls
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d calls, got %v", n, runner.recorded())
	return nil
}

func TestRegister(t *testing.T) {
	s := New(nil)
	if err := s.Register("a", newFakeRunner(), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Register("a", newFakeRunner(), 0); !errors.Is(err, ErrDuplicateJob) {
		t.Errorf("expected ErrDuplicateJob, got %v", err)
	}
	if err := s.Enqueue("b", Request{Trigger: TriggerManual}); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("expected ErrUnknownJob, got %v", err)
	}
	if err := s.Register("c", newFakeRunner(), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "c"}, s.Jobs()); diff != "" {
		t.Errorf("jobs differ (-expected +got):\n%s", diff)
	}
}

func TestRequestsDuringCycleAreCoalesced(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := newFakeRunner()
	s := New(nil)
	if err := s.Register("job", runner, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.Start(ctx)

	main := resource.Hint{Kind: resource.KindBranch, Key: "main"}
	pr := resource.Hint{Kind: resource.KindPullRequest, Key: "7"}

	if err := s.Enqueue("job", Request{Trigger: TriggerWebhook, Hint: &main}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	<-runner.running

	// queued while the first cycle runs
	for i := 0; i < 3; i++ {
		_ = s.Enqueue("job", Request{Trigger: TriggerWebhook, Hint: &pr})
		_ = s.Enqueue("job", Request{Trigger: TriggerWebhook, Hint: &main})
	}
	close(runner.release)

	calls := waitForCalls(t, runner, 3)
	expected := []call{
		{Trigger: "webhook", Hint: "branch/main"},
		{Trigger: "webhook", Hint: "branch/main"},
		{Trigger: "webhook", Hint: "pull_request/7"},
	}
	if diff := cmp.Diff(expected, calls); diff != "" {
		t.Errorf("calls differ (-expected +got):\n%s", diff)
	}

	cancel()
	s.Wait()
}

func TestFullScanCoversHints(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := newFakeRunner()
	s := New(nil)
	if err := s.Register("job", runner, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.Start(ctx)

	_ = s.Enqueue("job", Request{Trigger: TriggerManual})
	<-runner.running

	main := resource.Hint{Kind: resource.KindBranch, Key: "main"}
	_ = s.Enqueue("job", Request{Trigger: TriggerWebhook, Hint: &main})
	_ = s.Enqueue("job", Request{Trigger: TriggerTimer})
	_ = s.Enqueue("job", Request{Trigger: TriggerManual})
	close(runner.release)

	calls := waitForCalls(t, runner, 2)
	expected := []call{{Trigger: "manual"}, {Trigger: "manual"}}
	if diff := cmp.Diff(expected, calls); diff != "" {
		t.Errorf("calls differ (-expected +got):\n%s", diff)
	}

	cancel()
	s.Wait()
	if calls := runner.recorded(); len(calls) != 2 {
		t.Errorf("expected no further cycles, got %v", calls)
	}
}

func TestTimerStartsFirstCycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := newFakeRunner()
	close(runner.release)
	s := New(nil)
	if err := s.Register("job", runner, time.Hour); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.Start(ctx)

	calls := waitForCalls(t, runner, 1)
	if calls[0].Trigger != "timer" || calls[0].Hint != "" {
		t.Errorf("expected a full timer scan, got %v", calls[0])
	}
	cancel()
	s.Wait()
}

func TestBackoffHoldsTimerTriggers(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	runner := newFakeRunner()
	runner.state = cycle.StateFailed
	close(runner.release)

	s := New(nil)
	s.now = func() time.Time { return now }
	if err := s.Register("job", runner, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w := s.workers["job"]
	w.backoff.Base = time.Minute

	w.run(context.Background(), Request{Trigger: TriggerTimer})
	w.run(context.Background(), Request{Trigger: TriggerTimer})
	if calls := runner.recorded(); len(calls) != 1 {
		t.Fatalf("expected the second timer trigger to be held back, got %v", calls)
	}

	w.run(context.Background(), Request{Trigger: TriggerManual})
	if calls := runner.recorded(); len(calls) != 2 {
		t.Fatalf("manual triggers must bypass the backoff, got %v", calls)
	}
	if w.backoff.ConsecutiveFailures != 2 {
		t.Errorf("expected 2 consecutive failures, got %d", w.backoff.ConsecutiveFailures)
	}

	now = now.Add(3 * time.Minute)
	runner.state = cycle.StateIdle
	w.run(context.Background(), Request{Trigger: TriggerTimer})
	if calls := runner.recorded(); len(calls) != 3 {
		t.Fatalf("expected the timer trigger to run after the delay, got %v", calls)
	}
	if w.backoff.ConsecutiveFailures != 0 {
		t.Errorf("expected success to reset the backoff, got %d", w.backoff.ConsecutiveFailures)
	}
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		name     string
		failures int
		min, max time.Duration
	}{
		{name: "no failures", failures: 0},
		{name: "one failure", failures: 1, min: 54 * time.Second, max: 66 * time.Second},
		{name: "three failures", failures: 3, min: 216 * time.Second, max: 264 * time.Second},
		{name: "capped", failures: 20, min: 54 * time.Minute, max: 66 * time.Minute},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := &Backoff{Base: time.Minute, ConsecutiveFailures: tc.failures}
			for i := 0; i < 10; i++ {
				if delay := b.Delay(); delay < tc.min || delay > tc.max {
					t.Errorf("delay %v outside [%v, %v]", delay, tc.min, tc.max)
				}
			}
		})
	}
}

func TestResume(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	runner := newFakeRunner()
	close(runner.release)

	s := New(nil)
	s.now = func() time.Time { return now }
	if err := s.Register("job", runner, time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Resume("job", 3, now.Add(-time.Minute)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Resume("unknown", 1, now); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("expected ErrUnknownJob, got %v", err)
	}

	s.workers["job"].run(context.Background(), Request{Trigger: TriggerTimer})
	if calls := runner.recorded(); len(calls) != 0 {
		t.Errorf("expected the resumed backoff to hold the timer trigger, got %v", calls)
	}
}
