// Package scheduler owns one worker goroutine per job. Every trigger (timer,
// webhook or a manual check) only enqueues a request; the worker is the
// single writer of its job's snapshot and runs the cycles strictly one at a
// time. Requests arriving while a cycle runs are coalesced.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/petr-muller/ghwatch/internal/watch/cycle"
	"github.com/petr-muller/ghwatch/internal/watch/resource"
)

// Trigger names what asked for a cycle
type Trigger string

const (
	TriggerTimer   Trigger = "timer"
	TriggerWebhook Trigger = "webhook"
	TriggerManual  Trigger = "manual"
)

// Request asks a worker for a cycle. A nil Hint asks for a full scan.
type Request struct {
	Trigger Trigger
	Hint    *resource.Hint
}

// Runner runs one reconciliation cycle
type Runner interface {
	Run(ctx context.Context, trigger string, hint *resource.Hint) cycle.Result
}

var (
	ErrUnknownJob   = errors.New("unknown job")
	ErrDuplicateJob = errors.New("job already registered")
)

// Scheduler runs registered jobs
type Scheduler struct {
	logger *logrus.Entry
	now    func() time.Time

	mu      sync.Mutex
	workers map[string]*worker
	started bool
	wg      sync.WaitGroup
}

// New creates a scheduler
func New(logger *logrus.Entry) *Scheduler {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Scheduler{logger: logger, now: time.Now, workers: map[string]*worker{}}
}

// Register adds a job. A zero interval disables the timer; the job then runs
// only on webhook and manual triggers. Jobs must be registered before Start.
func (s *Scheduler) Register(id string, runner Runner, interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("cannot register job %s: scheduler already started", id)
	}
	if _, ok := s.workers[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, id)
	}
	s.workers[id] = &worker{
		id:       id,
		runner:   runner,
		interval: interval,
		backoff:  Backoff{Base: interval},
		signal:   make(chan struct{}, 1),
		hints:    map[resource.Hint]Trigger{},
		logger:   s.logger.WithField("job", id),
		now:      s.now,
	}
	return nil
}

// Resume restores the failure streak of a job recorded by a previous process
func (s *Scheduler) Resume(id string, failures int, lastFailure time.Time) error {
	s.mu.Lock()
	w, ok := s.workers[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.backoff.ConsecutiveFailures = failures
	w.backoff.LastFailureTime = lastFailure
	return nil
}

// Jobs lists the registered job ids
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Enqueue hands a request to the job's worker. It never blocks.
func (s *Scheduler) Enqueue(id string, req Request) error {
	s.mu.Lock()
	w, ok := s.workers[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	w.enqueue(req)
	return nil
}

// Start launches the workers and their timers. They stop when ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.started = true
	for _, w := range s.workers {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			w.loop(ctx)
		}()
		if w.interval > 0 {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				wait.JitterUntilWithContext(ctx, func(context.Context) {
					w.enqueue(Request{Trigger: TriggerTimer})
				}, w.interval, 0.1, true)
			}()
		}
	}
	s.logger.Infof("Started %d job workers", len(s.workers))
}

// Wait blocks until all workers stopped
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

type worker struct {
	id       string
	runner   Runner
	interval time.Duration
	logger   *logrus.Entry
	now      func() time.Time

	signal chan struct{}

	mu          sync.Mutex
	full        bool
	fullTrigger Trigger
	hints       map[resource.Hint]Trigger
	backoff     Backoff
}

func (w *worker) enqueue(req Request) {
	w.mu.Lock()
	if req.Hint == nil {
		if !w.full || w.fullTrigger == TriggerTimer {
			w.fullTrigger = req.Trigger
		}
		w.full = true
	} else if _, ok := w.hints[*req.Hint]; !ok {
		w.hints[*req.Hint] = req.Trigger
	}
	w.mu.Unlock()

	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// take drains the pending requests. A pending full scan covers every hint.
func (w *worker) take() []Request {
	w.mu.Lock()
	defer w.mu.Unlock()

	var requests []Request
	if w.full {
		requests = append(requests, Request{Trigger: w.fullTrigger})
	} else {
		for hint, trigger := range w.hints {
			requests = append(requests, Request{Trigger: trigger, Hint: &hint})
		}
		sort.Slice(requests, func(i, j int) bool {
			return requests[i].Hint.String() < requests[j].Hint.String()
		})
	}
	w.full = false
	w.fullTrigger = ""
	w.hints = map[resource.Hint]Trigger{}
	return requests
}

func (w *worker) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.signal:
		}

		for _, req := range w.take() {
			if ctx.Err() != nil {
				return
			}
			w.run(ctx, req)
		}
	}
}

func (w *worker) run(ctx context.Context, req Request) {
	w.mu.Lock()
	ready := req.Trigger != TriggerTimer || w.backoff.Ready(w.now())
	failures := w.backoff.ConsecutiveFailures
	w.mu.Unlock()
	if !ready {
		w.logger.Debugf("Backing off after %d failed fetches, skipping timer trigger", failures)
		return
	}

	result := w.runner.Run(ctx, string(req.Trigger), req.Hint)

	w.mu.Lock()
	defer w.mu.Unlock()
	if result.State == cycle.StateFailed {
		w.backoff.RecordFailure(w.now())
		w.logger.Warnf("Cycle failed, %d consecutive failures", w.backoff.ConsecutiveFailures)
		return
	}
	w.backoff.RecordSuccess()
}
