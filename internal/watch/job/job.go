// Package job assembles configured jobs into runnable reconcilers
package job

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/petr-muller/ghwatch/internal/config"
	"github.com/petr-muller/ghwatch/internal/watch/cycle"
	"github.com/petr-muller/ghwatch/internal/watch/dispatch"
	"github.com/petr-muller/ghwatch/internal/watch/resource"
	"github.com/petr-muller/ghwatch/internal/watch/rules"
	"github.com/petr-muller/ghwatch/internal/watch/webhook"
)

// Deps are the shared services every job is wired to
type Deps struct {
	Source    cycle.Source
	Remote    rules.Remote
	Status    dispatch.StatusSetter
	Store     cycle.Store
	Backend   dispatch.Backend
	Observer  dispatch.Observer
	Recorders []cycle.Recorder
	Logger    *logrus.Entry
}

// Job is one assembled watch job
type Job struct {
	Name       string
	Repo       resource.Repo
	Kinds      []resource.Kind
	Interval   time.Duration
	Reconciler *cycle.Reconciler
}

// Build assembles one configured job
func Build(cfg config.Job, deps Deps) (*Job, error) {
	repo, err := resource.ParseRepo(cfg.Repo)
	if err != nil {
		return nil, err
	}
	kinds := make([]resource.Kind, 0, len(cfg.Kinds))
	for _, raw := range cfg.Kinds {
		kind, err := resource.ParseKind(raw)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, kind)
	}
	pipeline, err := rules.PipelineFromConfig(cfg.Rules, cfg.SkipFirstRun)
	if err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	policy := dispatch.Policy{CancelQueued: cfg.CancelQueued, AbortRunning: cfg.AbortRunning}
	if cfg.Status != nil {
		policy.Status = &dispatch.StatusPolicy{Context: cfg.Status.Context, Message: cfg.Status.Message, URL: cfg.Status.URL}
	}
	dispatcher := dispatch.New(cfg.Name, deps.Backend, deps.Status, policy, deps.Observer, logger)

	reconciler := cycle.New(cycle.Config{
		Job:         cfg.Name,
		Repo:        repo,
		Kinds:       kinds,
		Source:      deps.Source,
		Remote:      deps.Remote,
		Store:       deps.Store,
		Pipeline:    pipeline,
		Dispatcher:  dispatcher,
		Parallelism: cfg.Parallelism,
		Recorders:   deps.Recorders,
		Logger:      logger,
	})

	return &Job{
		Name:       cfg.Name,
		Repo:       repo,
		Kinds:      kinds,
		Interval:   cfg.IntervalDuration(),
		Reconciler: reconciler,
	}, nil
}

// BuildAll assembles every configured job, reporting all broken ones at once
func BuildAll(cfg *config.Config, deps Deps) ([]*Job, error) {
	var jobs []*Job
	var errs []error
	for _, jobConfig := range cfg.Jobs {
		job, err := Build(jobConfig, deps)
		if err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", jobConfig.Name, err))
			continue
		}
		jobs = append(jobs, job)
	}
	if err := utilerrors.NewAggregate(errs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// Commands maps job names to their build commands
func Commands(cfg *config.Config) map[string][]string {
	commands := make(map[string][]string, len(cfg.Jobs))
	for _, job := range cfg.Jobs {
		commands[job.Name] = job.Command
	}
	return commands
}

// Webhook describes the job for the webhook handler
func (j *Job) Webhook() webhook.Job {
	return webhook.Job{Name: j.Name, Repo: j.Repo, Kinds: j.Kinds}
}
