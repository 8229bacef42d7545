// Package dispatch admits builds for resolved causes, keeping at most one
// build in flight per resource by superseding older queued or running work.
package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/petr-muller/ghwatch/internal/watch/resource"
)

// Request is what the build backend receives for one build
type Request struct {
	Job   string
	Key   string
	Cause resource.Cause
}

// Backend is the build execution system
type Backend interface {
	Enqueue(ctx context.Context, req Request) (string, error)
	CancelQueued(ctx context.Context, job, key string) (int, error)
	AbortRunning(ctx context.Context, job, key string) (int, error)
}

// Status is a commit status on the remote
type Status struct {
	State       string
	TargetURL   string
	Description string
	Context     string
}

const StatusPending = "pending"

// StatusSetter reports build state back to the remote
type StatusSetter interface {
	SetStatus(ctx context.Context, repo resource.Repo, sha string, status Status) error
}

// StatusPolicy describes the pending status set after a build is queued. The
// "{build}" placeholder in URL expands to the build identifier.
type StatusPolicy struct {
	Context string
	Message string
	URL     string
}

// Policy holds the per-job admission knobs
type Policy struct {
	CancelQueued bool
	AbortRunning bool
	Status       *StatusPolicy
}

// Result describes what one dispatch did
type Result struct {
	Dispatched bool
	BuildID    string
	Canceled   int
	Aborted    int
	Message    string
}

// Observer receives dispatch outcomes for metrics
type Observer interface {
	Dispatched(job string, kind resource.Kind, result Result)
}

// Dispatcher admits builds for one job
type Dispatcher struct {
	job      string
	backend  Backend
	status   StatusSetter
	policy   Policy
	observer Observer
	logger   *logrus.Entry
}

// New creates a dispatcher. status and observer may be nil.
func New(job string, backend Backend, status StatusSetter, policy Policy, observer Observer, logger *logrus.Entry) *Dispatcher {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Dispatcher{
		job:      job,
		backend:  backend,
		status:   status,
		policy:   policy,
		observer: observer,
		logger:   logger.WithField("job", job),
	}
}

// Dispatch queues a build for the cause. Stale work for the same key is
// superseded first, according to the policy; failing to cancel or abort is
// logged and does not prevent the new build. An enqueue failure is returned.
func (d *Dispatcher) Dispatch(ctx context.Context, key string, cause resource.Cause) (Result, error) {
	logger := d.logger.WithFields(logrus.Fields{"key": key, "sha": cause.CommitSHA})
	var result Result

	if d.policy.CancelQueued {
		canceled, err := d.backend.CancelQueued(ctx, d.job, key)
		if err != nil {
			logger.WithError(err).Warn("Cannot cancel queued builds")
		}
		result.Canceled = canceled
	}

	if d.policy.AbortRunning {
		aborted, err := d.backend.AbortRunning(ctx, d.job, key)
		if err != nil {
			logger.WithError(err).Warn("Cannot abort running builds")
		}
		result.Aborted = aborted
	}

	id, err := d.backend.Enqueue(ctx, Request{Job: d.job, Key: key, Cause: cause})
	if err != nil {
		result.Message = fmt.Sprintf("failed to queue the run (%s)", cause.Reason)
		d.observe(cause.Kind, result)
		return result, fmt.Errorf("cannot queue build for %s: %w", key, err)
	}
	result.Dispatched = true
	result.BuildID = id
	result.Message = message(cause.Reason, result.Canceled, result.Aborted)
	logger.WithField("build", id).Info(result.Message)

	d.setPendingStatus(ctx, cause, id, logger)
	d.observe(cause.Kind, result)
	return result, nil
}

func (d *Dispatcher) observe(kind resource.Kind, result Result) {
	if d.observer != nil {
		d.observer.Dispatched(d.job, kind, result)
	}
}

func (d *Dispatcher) setPendingStatus(ctx context.Context, cause resource.Cause, id string, logger *logrus.Entry) {
	if d.policy.Status == nil || d.status == nil {
		return
	}
	description := d.policy.Status.Message
	if description == "" {
		description = "Build queued: " + cause.Reason
	}
	status := Status{
		State:       StatusPending,
		TargetURL:   strings.ReplaceAll(d.policy.Status.URL, "{build}", id),
		Description: description,
		Context:     d.policy.Status.Context,
	}
	if err := d.status.SetStatus(ctx, cause.Repo, cause.CommitSHA, status); err != nil {
		logger.WithError(err).Warn("Cannot set pending status")
	}
}

func message(reason string, canceled, aborted int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "queued the run (%s)", reason)
	if canceled > 0 {
		fmt.Fprintf(&b, ". %d queued %s canceled", canceled, plural(canceled))
	}
	if aborted > 0 {
		fmt.Fprintf(&b, ". %d running %s aborted", aborted, plural(aborted))
	}
	if canceled > 0 || aborted > 0 {
		b.WriteString(".")
	}
	return b.String()
}

func plural(n int) string {
	if n == 1 {
		return "run"
	}
	return "runs"
}
