package main

import (
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/petr-muller/ghwatch/internal/config"
	"github.com/petr-muller/ghwatch/internal/watch/builds"
	"github.com/petr-muller/ghwatch/internal/watch/cycle"
	"github.com/petr-muller/ghwatch/internal/watch/github"
	"github.com/petr-muller/ghwatch/internal/watch/job"
	"github.com/petr-muller/ghwatch/internal/watch/metrics"
	"github.com/petr-muller/ghwatch/internal/watch/runlog"
	"github.com/petr-muller/ghwatch/internal/watch/snapshot"
)

const (
	runLogFileName  = "runs.db"
	buildLogDirName = "builds"
)

// services are the components shared by every job of one process
type services struct {
	cfg      *config.Config
	store    *snapshot.Store
	runs     *runlog.Database
	metrics  *metrics.Metrics
	executor *builds.Executor
	source   *github.Source
	jobs     []*job.Job
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration %s: %w", cfg.Path, err)
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (*snapshot.Store, string, error) {
	dataDir := cfg.DataDir
	if dataDir == "" {
		var err error
		if dataDir, err = snapshot.DefaultDataDir(); err != nil {
			return nil, "", fmt.Errorf("cannot determine data directory: %w", err)
		}
	}
	return snapshot.NewStore(dataDir), dataDir, nil
}

func openRunLog(cfg *config.Config, dataDir string, logger *logrus.Entry) (*runlog.Database, error) {
	path := cfg.RunLog
	if path == "" {
		path = filepath.Join(filepath.Dir(dataDir), runLogFileName)
	}
	db, err := runlog.Open(path, logger)
	if err != nil {
		return nil, fmt.Errorf("cannot open run log: %w", err)
	}
	return db, nil
}

func newSource(logger *logrus.Entry) (*github.Source, error) {
	if err := opts.github.Validate(); err != nil {
		return nil, fmt.Errorf("invalid GitHub options: %w", err)
	}
	prs, err := opts.github.Client()
	if err != nil {
		return nil, err
	}
	token, err := opts.github.TokenGenerator()
	if err != nil {
		return nil, err
	}
	refs := github.NewRESTClient(opts.github.RESTEndpoint, token, logger)
	return github.NewSource(refs, prs, logger), nil
}

// newServices wires the configuration into runnable jobs
func newServices(logger *logrus.Entry) (*services, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store, dataDir, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	source, err := newSource(logger)
	if err != nil {
		return nil, err
	}
	runs, err := openRunLog(cfg, dataDir, logger)
	if err != nil {
		return nil, err
	}

	buildLogDir := cfg.BuildLogDir
	if buildLogDir == "" {
		buildLogDir = filepath.Join(filepath.Dir(dataDir), buildLogDirName)
	}
	runner := &builds.CommandRunner{Commands: job.Commands(cfg), LogDir: buildLogDir}
	executor := builds.NewExecutor(runner, cfg.BuildWorkers, logger.WithField("component", "builds"))
	m := metrics.New()

	jobs, err := job.BuildAll(cfg, job.Deps{
		Source:    source,
		Remote:    source,
		Status:    source,
		Store:     store,
		Backend:   executor,
		Observer:  m,
		Recorders: []cycle.Recorder{runs, m},
		Logger:    logger,
	})
	if err != nil {
		_ = runs.Close()
		return nil, fmt.Errorf("invalid jobs: %w", err)
	}

	return &services{
		cfg:      cfg,
		store:    store,
		runs:     runs,
		metrics:  m,
		executor: executor,
		source:   source,
		jobs:     jobs,
	}, nil
}

func (s *services) job(name string) (*job.Job, error) {
	for _, j := range s.jobs {
		if j.Name == name {
			return j, nil
		}
	}
	return nil, fmt.Errorf("job %q is not configured", name)
}
