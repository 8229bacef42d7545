package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"
)

const (
	defaultInterval     = 5 * time.Minute
	defaultListen       = ":8080"
	defaultBuildWorkers = 2
	defaultParallelism  = 4
)

// Config is the watcher configuration file
type Config struct {
	DataDir           string `toml:"data_dir"`
	RunLog            string `toml:"run_log"`
	BuildLogDir       string `toml:"build_log_dir"`
	Listen            string `toml:"listen"`
	WebhookSecretFile string `toml:"webhook_secret_file"`
	Interval          string `toml:"interval"`
	BuildWorkers      int    `toml:"build_workers"`
	Jobs              []Job  `toml:"job"`

	Path string `toml:"-"`
}

// Job declares one watched repository and what to do about its changes
type Job struct {
	Name         string   `toml:"name"`
	Repo         string   `toml:"repo"`
	Kinds        []string `toml:"kinds"`
	Interval     string   `toml:"interval"`
	SkipFirstRun bool     `toml:"skip_first_run"`
	CancelQueued bool     `toml:"cancel_queued"`
	AbortRunning bool     `toml:"abort_running"`
	Command      []string `toml:"command"`
	Parallelism  int      `toml:"parallelism"`
	Status       *Status  `toml:"status"`
	Rules        []Rule   `toml:"rule"`
}

// Status configures the pending commit status set after a build is queued
type Status struct {
	Context string `toml:"context"`
	Message string `toml:"message"`
	URL     string `toml:"url"`
}

// Rule is one entry of a job's decision chain
type Rule struct {
	Type     string   `toml:"type"`
	Patterns []string `toml:"patterns"`
	Exclude  bool     `toml:"exclude"`
	Users    []string `toml:"users"`
	Orgs     []string `toml:"orgs"`
	Labels   []string `toml:"labels"`
	Number   int      `toml:"number"`
	Match    bool     `toml:"match"`
	Skip     bool     `toml:"skip"`
	SkipBots bool     `toml:"skip_bots"`
	Kinds    []string `toml:"kinds"`
}

// RuleTypes lists every rule type the decision chain understands
var RuleTypes = sets.New(
	"created", "deleted", "hash-changed", "closed", "skip-first-run",
	"commit-message", "restriction", "user-restriction",
	"non-mergeable", "bad-state",
	"labels-added", "labels-removed", "labels-exist",
	"description-skip", "number", "comment",
)

var (
	kinds   = sets.New("branch", "tag", "pull_request")
	jobName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

// Load reads the configuration file. A missing file at the default location
// yields an empty configuration; a missing explicit path is an error.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	cfg := &Config{Path: path}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && !explicit {
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("cannot read config file: %w", err)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.applyDefaults()

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Interval == "" {
		c.Interval = defaultInterval.String()
	}
	if c.BuildWorkers <= 0 {
		c.BuildWorkers = defaultBuildWorkers
	}
	for i := range c.Jobs {
		job := &c.Jobs[i]
		if len(job.Kinds) == 0 {
			job.Kinds = []string{"branch", "pull_request"}
		}
		if job.Interval == "" {
			job.Interval = c.Interval
		}
		if job.Parallelism <= 0 {
			job.Parallelism = defaultParallelism
		}
	}
}

// Validate checks the configuration for errors that would make a job unusable
func (c *Config) Validate() error {
	var errs []error

	if _, err := time.ParseDuration(c.Interval); err != nil {
		errs = append(errs, fmt.Errorf("interval: %w", err))
	}

	seen := sets.New[string]()
	for i, job := range c.Jobs {
		if err := job.validate(); err != nil {
			errs = append(errs, fmt.Errorf("job %d (%s): %w", i, job.Name, err))
		}
		if seen.Has(job.Name) {
			errs = append(errs, fmt.Errorf("job %d: duplicate job name %q", i, job.Name))
		}
		seen.Insert(job.Name)
	}

	return utilerrors.NewAggregate(errs)
}

func (j Job) validate() error {
	var errs []error

	if !jobName.MatchString(j.Name) {
		errs = append(errs, fmt.Errorf("name %q must be non-empty and contain only letters, digits, '.', '_' and '-'", j.Name))
	}
	if owner, name, ok := strings.Cut(j.Repo, "/"); !ok || owner == "" || name == "" {
		errs = append(errs, fmt.Errorf("repo %q must be in the owner/name form", j.Repo))
	}
	for _, kind := range j.Kinds {
		if !kinds.Has(kind) {
			errs = append(errs, fmt.Errorf("unknown kind %q", kind))
		}
	}
	if interval, err := time.ParseDuration(j.Interval); err != nil {
		errs = append(errs, fmt.Errorf("interval: %w", err))
	} else if interval <= 0 {
		errs = append(errs, fmt.Errorf("interval must be positive"))
	}
	if len(j.Command) == 0 {
		errs = append(errs, fmt.Errorf("command must be specified"))
	}
	if len(j.Rules) == 0 {
		errs = append(errs, fmt.Errorf("at least one rule must be specified"))
	}
	for i, rule := range j.Rules {
		if err := rule.validate(); err != nil {
			errs = append(errs, fmt.Errorf("rule %d (%s): %w", i, rule.Type, err))
		}
	}
	if j.Status != nil && j.Status.Context == "" {
		errs = append(errs, fmt.Errorf("status.context must be specified when status is configured"))
	}

	return utilerrors.NewAggregate(errs)
}

func (r Rule) validate() error {
	if !RuleTypes.Has(r.Type) {
		return fmt.Errorf("unknown rule type, must be one of %s", strings.Join(sets.List(RuleTypes), ", "))
	}
	for _, kind := range r.Kinds {
		if !kinds.Has(kind) {
			return fmt.Errorf("unknown kind %q", kind)
		}
	}
	switch r.Type {
	case "labels-added", "labels-removed", "labels-exist":
		if len(r.Labels) == 0 {
			return fmt.Errorf("labels must be specified")
		}
	case "comment":
		if len(r.Patterns) != 1 {
			return fmt.Errorf("exactly one pattern must be specified")
		}
		if _, err := regexp.Compile(r.Patterns[0]); err != nil {
			return fmt.Errorf("invalid pattern: %w", err)
		}
	}
	return nil
}

// Job returns the job with the given name
func (c *Config) Job(name string) (Job, error) {
	for _, job := range c.Jobs {
		if job.Name == name {
			return job, nil
		}
	}
	return Job{}, fmt.Errorf("job %q is not configured", name)
}

// IntervalDuration returns the parsed polling interval of a job
func (j Job) IntervalDuration() time.Duration {
	interval, err := time.ParseDuration(j.Interval)
	if err != nil {
		return defaultInterval
	}
	return interval
}
