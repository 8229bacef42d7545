package cycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"github.com/petr-muller/ghwatch/internal/watch/dispatch"
	"github.com/petr-muller/ghwatch/internal/watch/resource"
	"github.com/petr-muller/ghwatch/internal/watch/rules"
	"github.com/petr-muller/ghwatch/internal/watch/snapshot"
)

var testRepo = resource.Repo{Owner: "petr-muller", Name: "ghwatch"}

type fakeSource struct {
	refs   []resource.Ref
	err    error
	limits []resource.RateLimit
	scopes []Scope
}

func (f *fakeSource) Fetch(_ context.Context, _ resource.Repo, scope Scope) ([]resource.Ref, error) {
	f.scopes = append(f.scopes, scope)
	return f.refs, f.err
}

type limitedSource struct {
	*fakeSource
}

func (f limitedSource) RateLimit(context.Context) (resource.RateLimit, error) {
	limit := f.limits[0]
	f.limits = f.limits[1:]
	return limit, nil
}

type fakeDispatcher struct {
	mu     sync.Mutex
	causes []resource.Cause
	keys   []string
	fail   map[string]error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, key string, cause resource.Cause) (dispatch.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[key]; err != nil {
		return dispatch.Result{}, err
	}
	f.keys = append(f.keys, key)
	f.causes = append(f.causes, cause)
	return dispatch.Result{Dispatched: true, BuildID: key}, nil
}

type failingRule struct {
	key string
}

func (r failingRule) Name() string { return "failing" }

func (r failingRule) Evaluate(_ context.Context, remote resource.Ref, _ *resource.Entry, _ *rules.Context) (resource.Verdict, error) {
	if remote.Key == r.key {
		return resource.Verdict{}, errors.New("remote exploded")
	}
	return resource.NoOpinionVerdict(), nil
}

type countingRule struct {
	mu   sync.Mutex
	keys []string
}

func (r *countingRule) Name() string { return "counting" }

func (r *countingRule) Evaluate(_ context.Context, remote resource.Ref, _ *resource.Entry, _ *rules.Context) (resource.Verdict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, remote.ID())
	return resource.NoOpinionVerdict(), nil
}

type failingStore struct {
	*snapshot.Store
}

func (failingStore) Save(string, resource.Repo, *snapshot.RepositorySnapshot) error {
	return errors.New("disk full")
}

type recorder struct {
	results []Result
}

func (r *recorder) Record(result Result) {
	r.results = append(r.results, result)
}

func branch(key, sha string) resource.Ref {
	return resource.Ref{Kind: resource.KindBranch, Key: key, CommitSHA: sha}
}

func seedStore(t *testing.T, store *snapshot.Store, refs ...resource.Ref) {
	t.Helper()
	snap := snapshot.New()
	snapshot.Commit(snap, refs, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	if err := store.Save("job", testRepo, snap); err != nil {
		t.Fatalf("cannot seed store: %v", err)
	}
}

func newReconciler(source Source, store Store, dispatcher Dispatcher, pipeline *rules.Pipeline, recorders ...Recorder) *Reconciler {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	return New(Config{
		Job:         "job",
		Repo:        testRepo,
		Kinds:       []resource.Kind{resource.KindBranch, resource.KindPullRequest},
		Source:      source,
		Store:       store,
		Pipeline:    pipeline,
		Dispatcher:  dispatcher,
		Parallelism: 2,
		Recorders:   recorders,
		Logger:      logrus.NewEntry(logger),
	})
}

func triggers() *rules.Pipeline {
	return rules.NewPipeline(rules.Created{}, rules.Deleted{}, rules.HashChanged{}, rules.Closed{})
}

func shaOf(t *testing.T, r *Reconciler, kind resource.Kind, key string) string {
	t.Helper()
	snap, err := r.Snapshot()
	if err != nil {
		t.Fatalf("cannot get snapshot: %v", err)
	}
	entry := snap.Get(kind, key)
	if entry == nil {
		return ""
	}
	return entry.CommitSHA
}

func TestBranchLifecycle(t *testing.T) {
	store := snapshot.NewStore(t.TempDir())
	source := &fakeSource{}
	dispatcher := &fakeDispatcher{}
	counting := &countingRule{}
	pipeline := rules.NewPipeline(
		rules.NewRestriction([]string{"^release/.*"}, true),
		rules.Created{},
		rules.HashChanged{},
		counting,
	)
	r := newReconciler(source, store, dispatcher, pipeline)

	source.refs = []resource.Ref{branch("main", "abc123")}
	result := r.Run(context.Background(), "timer", nil)
	if result.State != StateIdle || result.Err() != nil {
		t.Fatalf("first cycle: state %s, error %v", result.State, result.Err())
	}
	expected := []resource.Cause{{Repo: testRepo, Kind: resource.KindBranch, Key: "main", CommitSHA: "abc123", Reason: rules.ReasonCreated}}
	if diff := cmp.Diff(expected, result.Causes, ignoreLog); diff != "" {
		t.Errorf("first cycle causes differ (-expected +got):\n%s", diff)
	}
	if sha := shaOf(t, r, resource.KindBranch, "main"); sha != "abc123" {
		t.Errorf("expected snapshot main -> abc123, got %q", sha)
	}
	if !store.Exists("job") {
		t.Errorf("expected snapshot to be saved")
	}

	result = r.Run(context.Background(), "timer", nil)
	if len(result.Causes) != 0 || result.Evaluated != 0 {
		t.Errorf("unchanged cycle: expected no evaluation and no causes, got %d evaluated and %v", result.Evaluated, result.Causes)
	}
	if diff := cmp.Diff([]string{"branch/main"}, counting.keys); diff != "" {
		t.Errorf("pipeline must not run for unchanged resources (-expected +got):\n%s", diff)
	}

	source.refs = []resource.Ref{branch("main", "def456")}
	result = r.Run(context.Background(), "timer", nil)
	expected = []resource.Cause{{Repo: testRepo, Kind: resource.KindBranch, Key: "main", CommitSHA: "def456", Reason: rules.ReasonHashChanged}}
	if diff := cmp.Diff(expected, result.Causes, ignoreLog); diff != "" {
		t.Errorf("moved branch causes differ (-expected +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"branch/main", "branch/main"}, dispatcher.keys); diff != "" {
		t.Errorf("dispatched keys differ (-expected +got):\n%s", diff)
	}
	if sha := shaOf(t, r, resource.KindBranch, "main"); sha != "def456" {
		t.Errorf("expected snapshot main -> def456, got %q", sha)
	}
}

var ignoreLog = cmp.FilterPath(func(p cmp.Path) bool {
	return p.Last().String() == ".Log"
}, cmp.Ignore())

func TestClosedPullRequest(t *testing.T) {
	open := resource.Ref{Kind: resource.KindPullRequest, Key: "7", CommitSHA: "aaa111", Number: 7, Title: "Fix things"}

	tests := []struct {
		name     string
		pipeline *rules.Pipeline
		expected []resource.Cause
	}{
		{
			name:     "closed pull request is only removed without a closed rule",
			pipeline: rules.NewPipeline(rules.Created{}, rules.HashChanged{}),
		},
		{
			name:     "closed rule builds the last known sha",
			pipeline: rules.NewPipeline(rules.Created{}, rules.HashChanged{}, rules.Closed{}),
			expected: []resource.Cause{{Repo: testRepo, Kind: resource.KindPullRequest, Key: "7", CommitSHA: "aaa111", Reason: rules.ReasonClosed, Title: "Fix things", Number: 7}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := snapshot.NewStore(t.TempDir())
			seedStore(t, store, open)
			source := &fakeSource{}
			r := newReconciler(source, store, &fakeDispatcher{}, tc.pipeline)

			result := r.Run(context.Background(), "timer", nil)
			if diff := cmp.Diff(tc.expected, result.Causes, ignoreLog); diff != "" {
				t.Errorf("causes differ (-expected +got):\n%s", diff)
			}
			if sha := shaOf(t, r, resource.KindPullRequest, "7"); sha != "" {
				t.Errorf("expected pull request 7 to be removed, still at %q", sha)
			}
			if entry, ok := source.scopes[0].Known[resource.KindPullRequest]["7"]; !ok || entry.CommitSHA != "aaa111" {
				t.Errorf("source should know the local pull requests, got %v", source.scopes[0].Known)
			}
		})
	}
}

func TestFetchFailureLeavesSnapshotUntouched(t *testing.T) {
	store := snapshot.NewStore(t.TempDir())
	seedStore(t, store, branch("main", "abc123"))
	source := &fakeSource{err: errors.New("connection refused")}
	dispatcher := &fakeDispatcher{}
	rec := &recorder{}
	r := newReconciler(source, store, dispatcher, triggers(), rec)

	result := r.Run(context.Background(), "timer", nil)
	if result.State != StateFailed || r.State() != StateFailed {
		t.Errorf("expected failed state, got result %s and reconciler %s", result.State, r.State())
	}
	var fetchErr *FetchError
	if !errors.As(result.Err(), &fetchErr) {
		t.Errorf("expected FetchError, got %v", result.Err())
	}
	if len(dispatcher.causes) != 0 {
		t.Errorf("expected no dispatch, got %v", dispatcher.causes)
	}
	if sha := shaOf(t, r, resource.KindBranch, "main"); sha != "abc123" {
		t.Errorf("expected snapshot to keep main -> abc123, got %q", sha)
	}
	if len(rec.results) != 1 || rec.results[0].State != StateFailed {
		t.Errorf("expected the failed cycle to be recorded, got %v", rec.results)
	}

	source.err = nil
	source.refs = []resource.Ref{branch("main", "abc123")}
	result = r.Run(context.Background(), "timer", nil)
	if result.State != StateIdle || r.State() != StateIdle {
		t.Errorf("expected recovery to idle, got %s", result.State)
	}
}

func TestRuleErrorDropsOnlyThatResource(t *testing.T) {
	store := snapshot.NewStore(t.TempDir())
	dispatcher := &fakeDispatcher{}
	pipeline := rules.NewPipeline(failingRule{key: "broken"}, rules.Created{})
	r := newReconciler(&fakeSource{refs: []resource.Ref{branch("broken", "bad111"), branch("main", "abc123")}}, store, dispatcher, pipeline)

	result := r.Run(context.Background(), "timer", nil)
	var evalErr *RuleEvaluationError
	if !errors.As(result.Err(), &evalErr) {
		t.Fatalf("expected RuleEvaluationError, got %v", result.Err())
	}
	if evalErr.Resource != "branch/broken" || evalErr.Rule != "failing" {
		t.Errorf("unexpected error details: %+v", evalErr)
	}
	if diff := cmp.Diff([]string{"branch/main"}, dispatcher.keys); diff != "" {
		t.Errorf("dispatched keys differ (-expected +got):\n%s", diff)
	}
	if sha := shaOf(t, r, resource.KindBranch, "broken"); sha != "" {
		t.Errorf("dropped resource must not be committed, got %q", sha)
	}
	if sha := shaOf(t, r, resource.KindBranch, "main"); sha != "abc123" {
		t.Errorf("expected main -> abc123, got %q", sha)
	}
}

func TestDispatchErrorStillCommits(t *testing.T) {
	store := snapshot.NewStore(t.TempDir())
	dispatcher := &fakeDispatcher{fail: map[string]error{"branch/main": errors.New("queue is closed")}}
	r := newReconciler(&fakeSource{refs: []resource.Ref{branch("main", "abc123")}}, store, dispatcher, triggers())

	result := r.Run(context.Background(), "timer", nil)
	var dispatchErr *DispatchError
	if !errors.As(result.Err(), &dispatchErr) {
		t.Fatalf("expected DispatchError, got %v", result.Err())
	}
	if len(result.Causes) != 0 {
		t.Errorf("failed dispatch must not be reported as a cause, got %v", result.Causes)
	}
	if sha := shaOf(t, r, resource.KindBranch, "main"); sha != "abc123" {
		t.Errorf("expected main to be committed, got %q", sha)
	}
}

func TestSkipFirstRun(t *testing.T) {
	store := snapshot.NewStore(t.TempDir())
	source := &fakeSource{refs: []resource.Ref{branch("main", "abc123"), branch("dev", "bbb222")}}
	dispatcher := &fakeDispatcher{}
	pipeline := rules.NewPipeline(rules.Created{}, rules.HashChanged{}, rules.SkipFirstRun{})
	r := newReconciler(source, store, dispatcher, pipeline)

	result := r.Run(context.Background(), "timer", nil)
	if len(result.Causes) != 0 || result.Skipped != 2 {
		t.Errorf("first run: expected 2 skipped and no causes, got %d skipped and %v", result.Skipped, result.Causes)
	}
	if sha := shaOf(t, r, resource.KindBranch, "dev"); sha != "bbb222" {
		t.Errorf("skipped resources must still be committed, got %q", sha)
	}

	source.refs = append(source.refs, branch("feature", "ccc333"))
	result = r.Run(context.Background(), "timer", nil)
	if diff := cmp.Diff([]string{"branch/feature"}, dispatcher.keys); diff != "" {
		t.Errorf("second run dispatched keys differ (-expected +got):\n%s", diff)
	}
}

func TestHintedCheck(t *testing.T) {
	tests := []struct {
		name        string
		fetched     []resource.Ref
		hint        resource.Hint
		expectedSHA map[string]string
		expected    []string
	}{
		{
			name:        "only the hinted resource is evaluated",
			fetched:     []resource.Ref{branch("main", "new111")},
			hint:        resource.Hint{Kind: resource.KindBranch, Key: "main"},
			expectedSHA: map[string]string{"main": "new111", "dev": "dev111"},
			expected:    []string{"branch/main"},
		},
		{
			name:        "other refs returned by the source are ignored",
			fetched:     []resource.Ref{branch("main", "main111"), branch("dev", "new222")},
			hint:        resource.Hint{Kind: resource.KindBranch, Key: "main"},
			expectedSHA: map[string]string{"main": "main111", "dev": "dev111"},
		},
		{
			name:        "missing hinted resource becomes a tombstone",
			hint:        resource.Hint{Kind: resource.KindBranch, Key: "dev"},
			expectedSHA: map[string]string{"main": "main111", "dev": ""},
			expected:    []string{"branch/dev"},
		},
		{
			name:        "unwatched kind is not fetched",
			hint:        resource.Hint{Kind: resource.KindTag, Key: "v1.0"},
			expectedSHA: map[string]string{"main": "main111", "dev": "dev111"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := snapshot.NewStore(t.TempDir())
			seedStore(t, store, branch("main", "main111"), branch("dev", "dev111"))
			source := &fakeSource{refs: tc.fetched}
			dispatcher := &fakeDispatcher{}
			r := newReconciler(source, store, dispatcher, triggers())

			hint := tc.hint
			r.Run(context.Background(), "manual", &hint)

			if diff := cmp.Diff(tc.expected, dispatcher.keys); diff != "" {
				t.Errorf("dispatched keys differ (-expected +got):\n%s", diff)
			}
			for key, sha := range tc.expectedSHA {
				if got := shaOf(t, r, resource.KindBranch, key); got != sha {
					t.Errorf("expected %s -> %q, got %q", key, sha, got)
				}
			}
			if tc.hint.Kind == resource.KindTag && len(source.scopes) != 0 {
				t.Errorf("expected no fetch for an unwatched kind, got %d", len(source.scopes))
			}
		})
	}
}

func TestSaveFailureKeepsInMemorySnapshot(t *testing.T) {
	store := snapshot.NewStore(t.TempDir())
	source := &fakeSource{refs: []resource.Ref{branch("main", "abc123")}}
	dispatcher := &fakeDispatcher{}
	r := newReconciler(source, failingStore{Store: store}, dispatcher, triggers())

	result := r.Run(context.Background(), "timer", nil)
	var persistenceErr *PersistenceError
	if !errors.As(result.Err(), &persistenceErr) || persistenceErr.Op != "save" {
		t.Fatalf("expected save PersistenceError, got %v", result.Err())
	}
	if result.State != StateIdle {
		t.Errorf("save failure must not fail the cycle, got %s", result.State)
	}

	result = r.Run(context.Background(), "timer", nil)
	if len(result.Causes) != 0 {
		t.Errorf("in-memory snapshot must prevent a rebuild, got %v", result.Causes)
	}
	if len(dispatcher.keys) != 1 {
		t.Errorf("expected exactly one dispatch, got %v", dispatcher.keys)
	}
}

func TestDuplicateRefsYieldOneCause(t *testing.T) {
	store := snapshot.NewStore(t.TempDir())
	dispatcher := &fakeDispatcher{}
	r := newReconciler(&fakeSource{refs: []resource.Ref{branch("main", "abc123"), branch("main", "abc123")}}, store, dispatcher, triggers())

	r.Run(context.Background(), "timer", nil)
	if diff := cmp.Diff([]string{"branch/main"}, dispatcher.keys); diff != "" {
		t.Errorf("dispatched keys differ (-expected +got):\n%s", diff)
	}
}

func TestRateLimitConsumption(t *testing.T) {
	store := snapshot.NewStore(t.TempDir())
	source := limitedSource{&fakeSource{
		refs: []resource.Ref{branch("main", "abc123")},
		limits: []resource.RateLimit{
			{Limit: 5000, Remaining: 4990},
			{Limit: 5000, Remaining: 4983},
		},
	}}
	r := newReconciler(source, store, &fakeDispatcher{}, triggers())

	result := r.Run(context.Background(), "timer", nil)
	if result.Consumed() != 7 {
		t.Errorf("expected 7 consumed requests, got %d", result.Consumed())
	}

	if consumed := (Result{}).Consumed(); consumed != -1 {
		t.Errorf("expected unknown consumption without a rate limit, got %d", consumed)
	}
}

func TestResultErrFindsClassifiedErrors(t *testing.T) {
	diskFull := errors.New("disk full")
	result := Result{Errors: []error{
		&FetchError{Repo: resource.Repo{Owner: "org", Name: "repo"}, Err: errors.New("timeout")},
		&PersistenceError{Job: "job", Op: "save", Err: diskFull},
	}}

	err := result.Err()
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Errorf("expected FetchError in %v", err)
	}
	var persistenceErr *PersistenceError
	if !errors.As(err, &persistenceErr) || persistenceErr.Op != "save" {
		t.Errorf("expected save PersistenceError in %v", err)
	}
	var dispatchErr *DispatchError
	if errors.As(err, &dispatchErr) {
		t.Errorf("unexpected DispatchError in %v", err)
	}
	if !errors.Is(err, diskFull) {
		t.Errorf("expected the wrapped cause to be found in %v", err)
	}
	if err := (Result{}).Err(); err != nil {
		t.Errorf("expected no error for a clean cycle, got %v", err)
	}
}
