// Package builds is a local build execution backend: an in-process queue
// served by a fixed pool of workers, supporting cancellation of queued builds
// and abortion of running ones.
package builds

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/petr-muller/ghwatch/internal/watch/dispatch"
	"github.com/petr-muller/ghwatch/internal/watch/resource"
)

// State is the lifecycle state of a build
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"
	StateAborted   State = "aborted"
)

const (
	historySize       = 100
	drainPollInterval = 50 * time.Millisecond
)

// ErrStopped is returned when enqueueing into an executor that shut down
var ErrStopped = errors.New("build executor is stopped")

// Build is one build known to the executor
type Build struct {
	ID         string
	Job        string
	Key        string
	Cause      resource.Cause
	State      State
	QueuedAt   time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	Error      string

	cancel  context.CancelFunc
	aborted bool
}

// Runner executes one build to completion
type Runner interface {
	Run(ctx context.Context, build Build) error
}

// Executor queues builds and runs them on a worker pool
type Executor struct {
	runner  Runner
	workers int
	logger  *logrus.Entry

	mu      sync.Mutex
	queue   []*Build
	running map[string]*Build
	history []Build
	stopped bool

	wake chan struct{}
	wg   sync.WaitGroup
}

var _ dispatch.Backend = &Executor{}

// NewExecutor creates an executor with the given number of workers
func NewExecutor(runner Runner, workers int, logger *logrus.Entry) *Executor {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Executor{
		runner:  runner,
		workers: workers,
		logger:  logger,
		running: map[string]*Build{},
		wake:    make(chan struct{}, 1),
	}
}

// Start launches the workers. They stop when ctx is done; running builds see
// their context canceled.
func (e *Executor) Start(ctx context.Context) {
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.work(ctx)
		}()
	}
	go func() {
		<-ctx.Done()
		e.mu.Lock()
		e.stopped = true
		e.mu.Unlock()
	}()
}

// Wait blocks until all workers exited
func (e *Executor) Wait() {
	e.wg.Wait()
}

func (e *Executor) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Enqueue adds a build to the end of the queue
func (e *Executor) Enqueue(_ context.Context, req dispatch.Request) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return "", ErrStopped
	}
	build := &Build{
		ID:       uuid.NewString(),
		Job:      req.Job,
		Key:      req.Key,
		Cause:    req.Cause,
		State:    StateQueued,
		QueuedAt: time.Now(),
	}
	e.queue = append(e.queue, build)
	e.signal()
	return build.ID, nil
}

// CancelQueued removes queued builds of a key that did not start yet
func (e *Executor) CancelQueued(_ context.Context, job, key string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	kept := e.queue[:0]
	canceled := 0
	for _, build := range e.queue {
		if build.Job == job && build.Key == key {
			build.State = StateCanceled
			build.FinishedAt = time.Now()
			e.record(build)
			canceled++
			continue
		}
		kept = append(kept, build)
	}
	e.queue = kept
	return canceled, nil
}

// AbortRunning cancels the context of running builds of a key
func (e *Executor) AbortRunning(_ context.Context, job, key string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	aborted := 0
	for _, build := range e.running {
		if build.Job == job && build.Key == key && !build.aborted {
			build.aborted = true
			build.cancel()
			aborted++
		}
	}
	return aborted, nil
}

// Builds returns queued, running and recently finished builds
func (e *Executor) Builds() []Build {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []Build
	for _, build := range e.queue {
		out = append(out, *build)
	}
	for _, build := range e.running {
		out = append(out, *build)
	}
	return append(out, e.history...)
}

// Drain blocks until no build is queued or running, or ctx is done
func (e *Executor) Drain(ctx context.Context) error {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for {
		e.mu.Lock()
		idle := len(e.queue) == 0 && len(e.running) == 0
		e.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Executor) record(build *Build) {
	e.history = append(e.history, *build)
	if len(e.history) > historySize {
		e.history = e.history[len(e.history)-historySize:]
	}
}

// next moves the first queued build to running. It returns the tracked build
// together with a copy taken under the lock; runners only ever see the copy.
func (e *Executor) next(ctx context.Context) (*Build, Build, context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.queue) == 0 {
		return nil, Build{}, nil
	}
	build := e.queue[0]
	e.queue[0] = nil
	e.queue = e.queue[1:]
	if len(e.queue) > 0 {
		e.signal()
	}

	buildCtx, cancel := context.WithCancel(ctx)
	build.cancel = cancel
	build.State = StateRunning
	build.StartedAt = time.Now()
	e.running[build.ID] = build
	return build, *build, buildCtx
}

func (e *Executor) work(ctx context.Context) {
	for {
		build, started, buildCtx := e.next(ctx)
		if build == nil {
			select {
			case <-ctx.Done():
				return
			case <-e.wake:
				continue
			}
		}

		logger := e.logger.WithFields(logrus.Fields{"job": started.Job, "key": started.Key, "build": started.ID})
		logger.Info("Starting build")
		err := e.runner.Run(buildCtx, started)
		e.finish(build, err, logger)
	}
}

func (e *Executor) finish(build *Build, err error, logger *logrus.Entry) {
	e.mu.Lock()
	defer e.mu.Unlock()

	build.cancel()
	build.FinishedAt = time.Now()
	switch {
	case build.aborted:
		build.State = StateAborted
		logger.Info("Build aborted")
	case err != nil:
		build.State = StateFailed
		build.Error = err.Error()
		logger.WithError(err).Warn("Build failed")
	default:
		build.State = StateSucceeded
		logger.Info("Build succeeded")
	}
	delete(e.running, build.ID)
	e.record(build)
}
