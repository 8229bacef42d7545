// Package cycle runs one reconciliation of a watched job: fetch the remote
// resources, drop the unchanged ones, decide about the rest, dispatch builds
// and commit the observed state.
package cycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/petr-muller/ghwatch/internal/watch/dispatch"
	"github.com/petr-muller/ghwatch/internal/watch/filter"
	"github.com/petr-muller/ghwatch/internal/watch/resolve"
	"github.com/petr-muller/ghwatch/internal/watch/resource"
	"github.com/petr-muller/ghwatch/internal/watch/rules"
	"github.com/petr-muller/ghwatch/internal/watch/snapshot"
)

// State is the phase a cycle is in
type State string

const (
	StateIdle        State = "idle"
	StateFetching    State = "fetching"
	StateFiltering   State = "filtering"
	StateDeciding    State = "deciding"
	StateDispatching State = "dispatching"
	StateCommitting  State = "committing"
	StateFailed      State = "failed"
)

// Scope tells the source what to fetch
type Scope struct {
	Kinds []resource.Kind
	// Hint restricts the fetch to one resource
	Hint *resource.Hint
	// Known holds the snapshot entries, per kind
	Known map[resource.Kind]map[string]resource.Entry
}

// Source fetches the current remote resources of a repository. A source may
// return tombstones for resources it knows are gone; keys known locally but
// absent from a full fetch are treated as gone.
type Source interface {
	Fetch(ctx context.Context, repo resource.Repo, scope Scope) ([]resource.Ref, error)
}

// RateLimiter is implemented by sources that expose their API quota
type RateLimiter interface {
	RateLimit(ctx context.Context) (resource.RateLimit, error)
}

// Store persists job snapshots
type Store interface {
	Load(job string) (*snapshot.RepositorySnapshot, error)
	Save(job string, repo resource.Repo, snap *snapshot.RepositorySnapshot) error
}

// Dispatcher admits builds
type Dispatcher interface {
	Dispatch(ctx context.Context, key string, cause resource.Cause) (dispatch.Result, error)
}

// Recorder observes finished cycles
type Recorder interface {
	Record(result Result)
}

// Config wires a Reconciler
type Config struct {
	Job         string
	Repo        resource.Repo
	Kinds       []resource.Kind
	Source      Source
	Remote      rules.Remote
	Store       Store
	Pipeline    *rules.Pipeline
	Dispatcher  Dispatcher
	Parallelism int
	Recorders   []Recorder
	Logger      *logrus.Entry
	Now         func() time.Time
}

// Result describes one finished cycle
type Result struct {
	Job       string
	Repo      resource.Repo
	Trigger   string
	Hint      *resource.Hint
	StartedAt time.Time
	Duration  time.Duration
	State     State

	Fetched   int
	Evaluated int
	Skipped   int
	// Causes holds the causes whose builds were dispatched
	Causes     []resource.Cause
	Dispatches []dispatch.Result

	RateLimitBefore *resource.RateLimit
	RateLimitAfter  *resource.RateLimit

	Errors []error
}

// Err aggregates all errors of the cycle. The aggregate unwraps to its
// members, so errors.As finds the classified errors.
func (r Result) Err() error {
	agg := utilerrors.NewAggregate(r.Errors)
	if agg == nil {
		return nil
	}
	return aggregate{agg}
}

type aggregate struct {
	utilerrors.Aggregate
}

func (a aggregate) Unwrap() []error {
	return a.Errors()
}

// Consumed is the API quota the cycle used, or -1 when unknown
func (r Result) Consumed() int {
	if r.RateLimitBefore == nil || r.RateLimitAfter == nil {
		return -1
	}
	return r.RateLimitBefore.Remaining - r.RateLimitAfter.Remaining
}

// Reconciler runs the cycles of one job. The in-memory snapshot it holds is
// authoritative; the store is written after every successful cycle.
type Reconciler struct {
	cfg    Config
	logger *logrus.Entry

	// run serializes cycles
	run sync.Mutex

	mu    sync.Mutex
	state State
	snap  *snapshot.RepositorySnapshot
}

// New creates a reconciler
func New(cfg Config) *Reconciler {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if len(cfg.Kinds) == 0 {
		cfg.Kinds = resource.Kinds
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Reconciler{
		cfg:    cfg,
		logger: logger.WithFields(logrus.Fields{"job": cfg.Job, "repo": cfg.Repo.String()}),
		state:  StateIdle,
	}
}

// Job returns the name of the job
func (r *Reconciler) Job() string {
	return r.cfg.Job
}

// State returns the phase of the cycle in progress, or Idle / Failed after it ended
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Reconciler) setState(state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = state
}

// Snapshot returns the job snapshot, loading it from the store on first use
func (r *Reconciler) Snapshot() (*snapshot.RepositorySnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.snap != nil {
		return r.snap, nil
	}
	snap, err := r.cfg.Store.Load(r.cfg.Job)
	if err != nil {
		return nil, &PersistenceError{Job: r.cfg.Job, Op: "load", Err: err}
	}
	r.snap = snap
	return snap, nil
}

// candidate is one observed ref moving through a cycle
type candidate struct {
	ref      resource.Ref
	local    *resource.Entry
	evaluate bool

	dropped bool
	dropErr error
	cause   *resource.Cause
	ok      bool
}

// Run executes one cycle. It never fails as a whole: errors are classified,
// logged and returned in the Result.
func (r *Reconciler) Run(ctx context.Context, trigger string, hint *resource.Hint) Result {
	r.run.Lock()
	defer r.run.Unlock()

	started := r.cfg.Now()
	result := Result{Job: r.cfg.Job, Repo: r.cfg.Repo, Trigger: trigger, Hint: hint, StartedAt: started}
	logger := r.logger.WithField("trigger", trigger)
	if hint != nil {
		logger = logger.WithField("hint", hint.String())
	}

	finish := func(state State) Result {
		r.setState(state)
		result.State = state
		result.Duration = r.cfg.Now().Sub(started)
		for _, recorder := range r.cfg.Recorders {
			recorder.Record(result)
		}
		return result
	}

	kinds := sets.New(r.cfg.Kinds...)
	if hint != nil && !kinds.Has(hint.Kind) {
		logger.Debugf("Job does not watch %s resources, nothing to check", hint.Kind)
		return finish(StateIdle)
	}

	r.setState(StateFetching)
	snap, err := r.Snapshot()
	if err != nil {
		logger.WithError(err).Error("Cannot load snapshot, skipping cycle")
		result.Errors = append(result.Errors, err)
		return finish(StateFailed)
	}

	result.RateLimitBefore = r.rateLimit(ctx, logger)
	if result.RateLimitBefore != nil {
		logger.Debugf("GitHub rate limit before check: %s", result.RateLimitBefore)
	}

	scope := Scope{Kinds: r.cfg.Kinds, Hint: hint, Known: map[resource.Kind]map[string]resource.Entry{}}
	for _, kind := range r.cfg.Kinds {
		scope.Known[kind] = snap.Entries(kind)
	}
	fetched, err := r.cfg.Source.Fetch(ctx, r.cfg.Repo, scope)
	if err != nil {
		fetchErr := &FetchError{Repo: r.cfg.Repo, Err: err}
		logger.WithError(fetchErr).Error("Cannot fetch resources, snapshot left untouched")
		result.Errors = append(result.Errors, fetchErr)
		return finish(StateFailed)
	}
	result.Fetched = len(fetched)

	r.setState(StateFiltering)
	candidates := r.observe(fetched, snap, kinds, hint, logger)

	r.setState(StateDeciding)
	firstRun := !snap.Persisted()
	r.decide(ctx, candidates, firstRun, logger)

	r.setState(StateDispatching)
	var observed []resource.Ref
	for _, c := range candidates {
		if c.evaluate {
			result.Evaluated++
		}
		if c.dropped {
			result.Errors = append(result.Errors, c.dropErr)
			continue
		}
		observed = append(observed, c.ref)
		if c.cause == nil {
			continue
		}
		if !c.ok {
			result.Skipped++
			logger.WithFields(logrus.Fields{"kind": c.ref.Kind, "key": c.ref.Key}).Infof("Skipping: %s", c.cause.Reason)
			continue
		}
		dispatched, err := r.cfg.Dispatcher.Dispatch(ctx, c.ref.ID(), *c.cause)
		result.Dispatches = append(result.Dispatches, dispatched)
		if err != nil {
			dispatchErr := &DispatchError{Resource: c.ref.ID(), Err: err}
			logger.WithError(dispatchErr).Error("Cannot dispatch build")
			result.Errors = append(result.Errors, dispatchErr)
			continue
		}
		result.Causes = append(result.Causes, *c.cause)
	}

	r.setState(StateCommitting)
	snapshot.Commit(snap, observed, r.cfg.Now())
	if err := r.cfg.Store.Save(r.cfg.Job, r.cfg.Repo, snap); err != nil {
		saveErr := &PersistenceError{Job: r.cfg.Job, Op: "save", Err: err}
		logger.WithError(saveErr).Error("Cannot save snapshot, keeping in-memory state")
		result.Errors = append(result.Errors, saveErr)
	}

	result.RateLimitAfter = r.rateLimit(ctx, logger)
	fields := logrus.Fields{"checked": len(candidates), "evaluated": result.Evaluated, "dispatched": len(result.Causes)}
	if result.RateLimitAfter != nil {
		fields["rate_limit"] = result.RateLimitAfter.String()
		if consumed := result.Consumed(); consumed >= 0 {
			fields["consumed"] = consumed
		}
	}
	logger.WithFields(fields).Info("Check finished")

	return finish(StateIdle)
}

// observe turns the fetched refs into cycle candidates: refs outside the
// scope and duplicates are dropped, locally known keys missing from the fetch
// become tombstones and every candidate is run through the change filter.
func (r *Reconciler) observe(fetched []resource.Ref, snap *snapshot.RepositorySnapshot, kinds sets.Set[resource.Kind], hint *resource.Hint, logger *logrus.Entry) []*candidate {
	var candidates []*candidate
	seen := sets.New[string]()

	add := func(ref resource.Ref) {
		local := snap.Get(ref.Kind, ref.Key)
		c := &candidate{ref: ref, local: local, evaluate: filter.ShouldEvaluate(ref, local)}
		if c.evaluate && logger.Logger.IsLevelEnabled(logrus.DebugLevel) {
			for _, change := range filter.Changes(ref, local) {
				logger.Debugf("%s %s: %q => %q", ref.ID(), change.Field, change.OldValue, change.NewValue)
			}
		}
		candidates = append(candidates, c)
	}

	for _, ref := range fetched {
		if !kinds.Has(ref.Kind) || (hint != nil && (ref.Kind != hint.Kind || ref.Key != hint.Key)) {
			continue
		}
		if seen.Has(ref.ID()) {
			logger.Warnf("Source returned %s more than once, ignoring the duplicate", ref.ID())
			continue
		}
		seen.Insert(ref.ID())
		add(ref)
	}

	for _, kind := range r.cfg.Kinds {
		if hint != nil && hint.Kind != kind {
			continue
		}
		for key, entry := range snap.Entries(kind) {
			if hint != nil && hint.Key != key {
				continue
			}
			if seen.Has(resource.ID(kind, key)) {
				continue
			}
			add(resource.Tombstone(kind, key, entry))
		}
	}

	return candidates
}

// decide evaluates the changed candidates in parallel. All verdicts are in
// before anything is dispatched or committed.
func (r *Reconciler) decide(ctx context.Context, candidates []*candidate, firstRun bool, logger *logrus.Entry) {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.cfg.Parallelism)

	for _, c := range candidates {
		if !c.evaluate {
			continue
		}
		group.Go(func() error {
			resourceLogger := logger.WithFields(logrus.Fields{"kind": c.ref.Kind, "key": c.ref.Key})
			rc := rules.NewContext(r.cfg.Repo, firstRun, r.cfg.Remote, resourceLogger)

			verdicts, err := r.cfg.Pipeline.Evaluate(groupCtx, c.ref, c.local, rc)
			if err != nil {
				evalErr := &RuleEvaluationError{Resource: c.ref.ID(), Err: err}
				var ruleErr *rules.Error
				if errors.As(err, &ruleErr) {
					evalErr.Rule = ruleErr.Rule
				}
				resourceLogger.WithError(evalErr).Warn("Dropping resource from this cycle")
				c.dropped, c.dropErr = true, evalErr
				return nil
			}

			if latest := rc.LatestCommentAt(); !latest.IsZero() {
				c.ref.LastCommentAt = latest
			}
			c.cause, c.ok = resolve.Resolve(r.cfg.Repo, c.ref, c.local, verdicts)
			if c.cause != nil {
				c.cause.Log = rc.Diagnostics()
			}
			return nil
		})
	}

	// goroutines never return errors
	_ = group.Wait()
}

func (r *Reconciler) rateLimit(ctx context.Context, logger *logrus.Entry) *resource.RateLimit {
	limiter, ok := r.cfg.Source.(RateLimiter)
	if !ok {
		return nil
	}
	limit, err := limiter.RateLimit(ctx)
	if err != nil {
		logger.WithError(err).Debug("Cannot read rate limit")
		return nil
	}
	return &limit
}
