package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	prowgithub "sigs.k8s.io/prow/pkg/github"

	"github.com/petr-muller/ghwatch/internal/watch/cycle"
	"github.com/petr-muller/ghwatch/internal/watch/dispatch"
	"github.com/petr-muller/ghwatch/internal/watch/resource"
)

var testRepo = resource.Repo{Owner: "org", Name: "repo"}

type fakePRClient struct {
	mu       sync.Mutex
	open     []prowgithub.PullRequest
	single   map[int]*prowgithub.PullRequest
	commits  []prowgithub.RepositoryCommit
	comments []prowgithub.IssueComment
	members  map[string]bool
	botName  string
	statuses []prowgithub.Status
	err      error
}

func (f *fakePRClient) GetPullRequests(string, string) ([]prowgithub.PullRequest, error) {
	return f.open, f.err
}

func (f *fakePRClient) GetPullRequest(_, _ string, number int) (*prowgithub.PullRequest, error) {
	if pr, ok := f.single[number]; ok {
		return pr, nil
	}
	return nil, fmt.Errorf("pull request %d not found", number)
}

func (f *fakePRClient) ListPullRequestCommits(string, string, int) ([]prowgithub.RepositoryCommit, error) {
	return f.commits, f.err
}

func (f *fakePRClient) ListIssueComments(string, string, int) ([]prowgithub.IssueComment, error) {
	return f.comments, f.err
}

func (f *fakePRClient) IsMember(org, user string) (bool, error) {
	return f.members[org+"/"+user], f.err
}

func (f *fakePRClient) BotUserChecker() (func(string) bool, error) {
	return func(candidate string) bool { return candidate == f.botName }, f.err
}

func (f *fakePRClient) CreateStatus(_, _, _ string, s prowgithub.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, s)
	return f.err
}

type fakeRefClient struct {
	branches []Head
	tags     []Head
	compare  []Commit
	compErr  error
	head     Commit
	issues   []IssueActivity
	limit    resource.RateLimit
	err      error
}

func (f *fakeRefClient) Branches(context.Context, resource.Repo) ([]Head, error) {
	return f.branches, f.err
}

func (f *fakeRefClient) Tags(context.Context, resource.Repo) ([]Head, error) { return f.tags, f.err }

func (f *fakeRefClient) Compare(context.Context, resource.Repo, string, string) ([]Commit, error) {
	return f.compare, f.compErr
}

func (f *fakeRefClient) Commit(context.Context, resource.Repo, string) (Commit, error) {
	return f.head, f.err
}

func (f *fakeRefClient) OpenPullRequestIssues(context.Context, resource.Repo) ([]IssueActivity, error) {
	return f.issues, f.err
}

func (f *fakeRefClient) RateLimit(context.Context) (resource.RateLimit, error) {
	return f.limit, f.err
}

func head(name, sha string) Head {
	var h Head
	h.Name = name
	h.Commit.SHA = sha
	return h
}

func commit(message string) Commit {
	var c Commit
	c.Commit.Message = message
	return c
}

func TestFetch(t *testing.T) {
	updated := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	issueUpdated := updated.Add(time.Hour)
	yes := true

	openPR := prowgithub.PullRequest{
		Number:    7,
		State:     "open",
		Title:     "Add feature",
		Body:      "Does things",
		HTMLURL:   "https://github.com/org/repo/pull/7",
		User:      prowgithub.User{Login: "alice"},
		Head:      prowgithub.PullRequestBranch{Ref: "feature", SHA: "pr7sha"},
		Base:      prowgithub.PullRequestBranch{Ref: "main", SHA: "base"},
		Labels:    []prowgithub.Label{{Name: "lgtm"}, {Name: "approved"}},
		Mergable:  &yes,
		UpdatedAt: updated,
	}
	closedPR := prowgithub.PullRequest{
		Number: 5,
		State:  "closed",
		Title:  "Old change",
		User:   prowgithub.User{Login: "bob"},
		Head:   prowgithub.PullRequestBranch{Ref: "old", SHA: "pr5sha"},
		Base:   prowgithub.PullRequestBranch{Ref: "main"},
	}

	refs := &fakeRefClient{
		branches: []Head{head("main", "aaa"), head("release/1.0", "bbb")},
		tags:     []Head{head("v1.0", "ccc")},
		issues: []IssueActivity{{Number: 7, UpdatedAt: issueUpdated, Labels: []Label{{Name: "lgtm"}, {Name: "approved"}, {Name: "ok-to-test"}}}},
	}
	prs := &fakePRClient{
		open:   []prowgithub.PullRequest{openPR},
		single: map[int]*prowgithub.PullRequest{5: &closedPR},
	}
	known := map[resource.Kind]map[string]resource.Entry{
		resource.KindPullRequest: {
			"5": {CommitSHA: "pr5sha", Title: "Old change"},
			"9": {CommitSHA: "pr9sha", Title: "Lost change", Author: "carol"},
		},
	}
	source := NewSource(refs, prs, nil)

	got, err := source.Fetch(context.Background(), testRepo, cycle.Scope{Kinds: resource.Kinds, Known: known})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := []resource.Ref{
		{Kind: resource.KindBranch, Key: "main", CommitSHA: "aaa"},
		{Kind: resource.KindBranch, Key: "release/1.0", CommitSHA: "bbb"},
		{Kind: resource.KindTag, Key: "v1.0", CommitSHA: "ccc"},
		{
			Kind: resource.KindPullRequest, Key: "7", CommitSHA: "pr7sha", Title: "Add feature", Author: "alice",
			Body: "Does things", URL: "https://github.com/org/repo/pull/7", Number: 7, SourceBranch: "feature",
			TargetBranch: "main", State: "open", Labels: []string{"approved", "lgtm", "ok-to-test"}, Mergeable: &yes,
			PRUpdatedAt: updated, IssueUpdatedAt: issueUpdated,
		},
		{
			Kind: resource.KindPullRequest, Key: "5", Title: "Old change", Author: "bob", Number: 5,
			SourceBranch: "old", TargetBranch: "main", State: "closed",
		},
		{
			Kind: resource.KindPullRequest, Key: "9", CommitSHA: "pr9sha", Title: "Lost change", Author: "carol",
			Number: 9, InBadState: true,
		},
	}
	if resource.Kinds[0] != resource.KindBranch || resource.Kinds[1] != resource.KindTag {
		t.Fatalf("test expects branches and tags to be fetched first, kinds are %v", resource.Kinds)
	}
	if diff := cmp.Diff(expected, got); diff != "" {
		t.Errorf("fetched refs differ (-expected +got):\n%s", diff)
	}
	if !got[4].Deleted() {
		t.Errorf("closed pull request must be a tombstone")
	}
}

func TestFetchHintedPullRequest(t *testing.T) {
	prs := &fakePRClient{single: map[int]*prowgithub.PullRequest{
		7: {Number: 7, State: "open", Head: prowgithub.PullRequestBranch{SHA: "pr7sha"}},
	}}
	source := NewSource(&fakeRefClient{}, prs, nil)

	got, err := source.Fetch(context.Background(), testRepo, cycle.Scope{
		Kinds: resource.Kinds,
		Hint:  &resource.Hint{Kind: resource.KindPullRequest, Key: "7"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].Key != "7" || got[0].CommitSHA != "pr7sha" {
		t.Errorf("expected only pull request 7, got %v", got)
	}

	if _, err := source.Fetch(context.Background(), testRepo, cycle.Scope{
		Kinds: resource.Kinds,
		Hint:  &resource.Hint{Kind: resource.KindPullRequest, Key: "not-a-number"},
	}); err == nil {
		t.Errorf("expected an error for an invalid pull request number")
	}
}

func TestFetchFailure(t *testing.T) {
	source := NewSource(&fakeRefClient{err: errors.New("boom")}, &fakePRClient{}, nil)
	if _, err := source.Fetch(context.Background(), testRepo, cycle.Scope{Kinds: []resource.Kind{resource.KindBranch}}); err == nil {
		t.Errorf("expected an error")
	}
}

func TestCommitMessages(t *testing.T) {
	tests := []struct {
		name     string
		refs     *fakeRefClient
		prs      *fakePRClient
		remote   resource.Ref
		local    *resource.Entry
		expected []string
	}{
		{
			name:     "new branch uses the head commit",
			refs:     &fakeRefClient{head: commit("head message")},
			remote:   resource.Ref{Kind: resource.KindBranch, Key: "main", CommitSHA: "bbb"},
			expected: []string{"head message"},
		},
		{
			name:     "moved branch uses the compare range",
			refs:     &fakeRefClient{compare: []Commit{commit("one"), commit("two")}},
			remote:   resource.Ref{Kind: resource.KindBranch, Key: "main", CommitSHA: "bbb"},
			local:    &resource.Entry{CommitSHA: "aaa"},
			expected: []string{"one", "two"},
		},
		{
			name:     "force push falls back to the head commit",
			refs:     &fakeRefClient{compErr: &APIError{StatusCode: http.StatusNotFound}, head: commit("rewritten")},
			remote:   resource.Ref{Kind: resource.KindBranch, Key: "main", CommitSHA: "bbb"},
			local:    &resource.Entry{CommitSHA: "aaa"},
			expected: []string{"rewritten"},
		},
		{
			name: "pull request lists its commits",
			prs: &fakePRClient{commits: []prowgithub.RepositoryCommit{
				{SHA: "1", Commit: prowgithub.GitCommit{Message: "first"}},
				{SHA: "2", Commit: prowgithub.GitCommit{Message: "second"}},
			}},
			remote:   resource.Ref{Kind: resource.KindPullRequest, Key: "7", Number: 7, CommitSHA: "2"},
			expected: []string{"first", "second"},
		},
		{
			name:   "tombstone has no messages",
			remote: resource.Ref{Kind: resource.KindBranch, Key: "gone"},
			local:  &resource.Entry{CommitSHA: "aaa"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.refs == nil {
				tc.refs = &fakeRefClient{}
			}
			if tc.prs == nil {
				tc.prs = &fakePRClient{}
			}
			source := NewSource(tc.refs, tc.prs, nil)
			got, err := source.CommitMessages(context.Background(), testRepo, tc.remote, tc.local)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tc.expected, got); diff != "" {
				t.Errorf("messages differ (-expected +got):\n%s", diff)
			}
		})
	}
}

func TestRemoteLookups(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	prs := &fakePRClient{
		members: map[string]bool{"org/alice": true},
		botName: "watch-bot",
		comments: []prowgithub.IssueComment{
			{Body: "/retest", User: prowgithub.User{Login: "alice"}, CreatedAt: created},
		},
	}
	source := NewSource(&fakeRefClient{}, prs, nil)
	ctx := context.Background()

	if member, _ := source.IsMember(ctx, "org", "alice"); !member {
		t.Errorf("expected alice to be a member")
	}
	if self, _ := source.IsSelf(ctx, "watch-bot"); !self {
		t.Errorf("expected watch-bot to be the watcher itself")
	}
	if self, _ := source.IsSelf(ctx, "alice"); self {
		t.Errorf("alice is not the watcher")
	}

	comments, err := source.Comments(ctx, testRepo, 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(comments) != 1 || comments[0].Author != "alice" || comments[0].Body != "/retest" || !comments[0].CreatedAt.Equal(created) {
		t.Errorf("unexpected comments: %v", comments)
	}

	status := dispatch.Status{State: dispatch.StatusPending, Context: "ci/ghwatch", Description: "Build queued: created", TargetURL: "https://ci/1"}
	if err := source.SetStatus(ctx, testRepo, "abc", status); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := []prowgithub.Status{{State: "pending", Context: "ci/ghwatch", Description: "Build queued: created", TargetURL: "https://ci/1"}}
	if diff := cmp.Diff(expected, prs.statuses); diff != "" {
		t.Errorf("statuses differ (-expected +got):\n%s", diff)
	}
}

func TestRESTClientPagination(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected authorization header %q", got)
		}
		switch r.URL.Path {
		case "/repos/org/repo/branches":
			if r.URL.Query().Get("page") == "" {
				w.Header().Set("Link", fmt.Sprintf(`<%s/repos/org/repo/branches?per_page=100&page=2>; rel="next", <%s/repos/org/repo/branches?per_page=100&page=2>; rel="last"`, server.URL, server.URL))
				fmt.Fprint(w, `[{"name": "main", "commit": {"sha": "aaa"}}]`)
				return
			}
			fmt.Fprint(w, `[{"name": "dev", "commit": {"sha": "bbb"}}]`)
		case "/repos/org/repo/issues":
			if r.URL.Query().Get("state") != "open" {
				t.Errorf("expected open issues to be requested, got %q", r.URL.RawQuery)
			}
			fmt.Fprint(w, `[{"number": 1, "updated_at": "2026-03-01T10:00:00Z"}, {"number": 2, "updated_at": "2026-03-01T11:00:00Z", "pull_request": {}, "labels": [{"name": "lgtm"}]}]`)
		case "/repos/org/repo/compare/aaa...bbb":
			fmt.Fprint(w, `{"commits": [{"sha": "bbb", "commit": {"message": "fix it"}}]}`)
		case "/rate_limit":
			fmt.Fprint(w, `{"resources": {"core": {"limit": 5000, "remaining": 4321, "reset": 1772359200}}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"message": "Not Found"}`)
		}
	}))
	defer server.Close()

	client := NewRESTClient(server.URL, func() []byte { return []byte("secret\n") }, nil)
	ctx := context.Background()

	branches, err := client.Branches(ctx, testRepo)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]Head{head("main", "aaa"), head("dev", "bbb")}, branches); diff != "" {
		t.Errorf("branches differ (-expected +got):\n%s", diff)
	}

	issues, err := client.OpenPullRequestIssues(ctx, testRepo)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(issues) != 1 || issues[0].Number != 2 || len(issues[0].Labels) != 1 {
		t.Errorf("expected only the pull request issue, got %+v", issues)
	}

	commits, err := client.Compare(ctx, testRepo, "aaa", "bbb")
	if err != nil || len(commits) != 1 || commits[0].Commit.Message != "fix it" {
		t.Errorf("unexpected compare result %v, error %v", commits, err)
	}

	limit, err := client.RateLimit(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limit.Limit != 5000 || limit.Remaining != 4321 || limit.Reset.Unix() != 1772359200 {
		t.Errorf("unexpected rate limit %+v", limit)
	}

	_, err = client.Commit(ctx, testRepo, "missing")
	if !IsNotFound(err) {
		t.Errorf("expected a not found error, got %v", err)
	}
}

func TestParseLinkNext(t *testing.T) {
	tests := []struct {
		header   string
		expected string
	}{
		{header: "", expected: ""},
		{header: `<https://api.github.com/x?page=2>; rel="next", <https://api.github.com/x?page=5>; rel="last"`, expected: "https://api.github.com/x?page=2"},
		{header: `<https://api.github.com/x?page=1>; rel="prev"`, expected: ""},
	}
	for _, tc := range tests {
		if got := parseLinkNext(tc.header); got != tc.expected {
			t.Errorf("parseLinkNext(%q) = %q, expected %q", tc.header, got, tc.expected)
		}
	}
}
