package github

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
	prowgithub "sigs.k8s.io/prow/pkg/github"

	"github.com/petr-muller/ghwatch/internal/watch/cycle"
	"github.com/petr-muller/ghwatch/internal/watch/dispatch"
	"github.com/petr-muller/ghwatch/internal/watch/resource"
	"github.com/petr-muller/ghwatch/internal/watch/rules"
)

// Source reads branches, tags and pull requests of GitHub repositories. It
// also serves the lazy lookups of the rules and sets commit statuses.
type Source struct {
	refs   RefClient
	prs    PullRequestClient
	logger *logrus.Entry

	botOnce sync.Once
	isBot   func(string) bool
	botErr  error
}

var (
	_ cycle.Source          = &Source{}
	_ cycle.RateLimiter     = &Source{}
	_ rules.Remote          = &Source{}
	_ dispatch.StatusSetter = &Source{}
)

// NewSource creates a source on top of the two GitHub clients
func NewSource(refs RefClient, prs PullRequestClient, logger *logrus.Entry) *Source {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Source{refs: refs, prs: prs, logger: logger}
}

// Fetch returns the current state of the resources in scope. Locally known
// pull requests that left the open list are looked up one by one: closed
// ones come back as tombstones and failed lookups as refs in bad state.
func (s *Source) Fetch(ctx context.Context, repo resource.Repo, scope cycle.Scope) ([]resource.Ref, error) {
	var refs []resource.Ref
	for _, kind := range scope.Kinds {
		if scope.Hint != nil && scope.Hint.Kind != kind {
			continue
		}

		var fetched []resource.Ref
		var err error
		switch kind {
		case resource.KindBranch:
			fetched, err = s.heads(ctx, repo, kind, s.refs.Branches)
		case resource.KindTag:
			fetched, err = s.heads(ctx, repo, kind, s.refs.Tags)
		case resource.KindPullRequest:
			if scope.Hint != nil {
				fetched, err = s.pullRequest(ctx, repo, scope.Hint.Key, scope.Known[kind])
			} else {
				fetched, err = s.pullRequests(ctx, repo, scope.Known[kind])
			}
		default:
			err = fmt.Errorf("unsupported resource kind %q", kind)
		}
		if err != nil {
			return nil, fmt.Errorf("cannot fetch %s resources: %w", kind, err)
		}
		refs = append(refs, fetched...)
	}
	return refs, nil
}

func (s *Source) heads(ctx context.Context, repo resource.Repo, kind resource.Kind, list func(context.Context, resource.Repo) ([]Head, error)) ([]resource.Ref, error) {
	heads, err := list(ctx, repo)
	if err != nil {
		return nil, err
	}
	refs := make([]resource.Ref, 0, len(heads))
	for _, head := range heads {
		refs = append(refs, resource.Ref{Kind: kind, Key: head.Name, CommitSHA: head.Commit.SHA})
	}
	return refs, nil
}

func (s *Source) pullRequests(ctx context.Context, repo resource.Repo, known map[string]resource.Entry) ([]resource.Ref, error) {
	open, err := s.prs.GetPullRequests(repo.Owner, repo.Name)
	if err != nil {
		return nil, err
	}
	issues, err := s.refs.OpenPullRequestIssues(ctx, repo)
	if err != nil {
		return nil, err
	}
	activity := make(map[int]IssueActivity, len(issues))
	for _, issue := range issues {
		activity[issue.Number] = issue
	}

	var refs []resource.Ref
	seen := map[string]bool{}
	for i := range open {
		issue, ok := activity[open[i].Number]
		var issuePtr *IssueActivity
		if ok {
			issuePtr = &issue
		}
		ref := pullRequestRef(&open[i], issuePtr)
		seen[ref.Key] = true
		refs = append(refs, ref)
	}

	var missing []string
	for key := range known {
		if !seen[key] {
			missing = append(missing, key)
		}
	}
	sort.Strings(missing)
	for _, key := range missing {
		refs = append(refs, s.lookupClosed(repo, key, known[key]))
	}
	return refs, nil
}

func (s *Source) pullRequest(ctx context.Context, repo resource.Repo, key string, known map[string]resource.Entry) ([]resource.Ref, error) {
	number, err := strconv.Atoi(key)
	if err != nil {
		return nil, fmt.Errorf("invalid pull request number %q", key)
	}
	pr, err := s.prs.GetPullRequest(repo.Owner, repo.Name, number)
	if err != nil {
		return nil, err
	}
	if pr.State != "open" {
		return []resource.Ref{closedRef(pr, known[key])}, nil
	}
	var issuePtr *IssueActivity
	issues, err := s.refs.OpenPullRequestIssues(ctx, repo)
	if err != nil {
		return nil, err
	}
	for i := range issues {
		if issues[i].Number == number {
			issuePtr = &issues[i]
			break
		}
	}
	return []resource.Ref{pullRequestRef(pr, issuePtr)}, nil
}

// lookupClosed resolves a pull request that is no longer in the open list
func (s *Source) lookupClosed(repo resource.Repo, key string, last resource.Entry) resource.Ref {
	number, err := strconv.Atoi(key)
	if err == nil {
		var pr *prowgithub.PullRequest
		pr, err = s.prs.GetPullRequest(repo.Owner, repo.Name, number)
		if err == nil {
			if pr.State == "open" {
				return pullRequestRef(pr, nil)
			}
			return closedRef(pr, last)
		}
	}

	s.logger.WithError(err).WithField("pull_request", key).Warn("Cannot look up pull request missing from the open list")
	ref := resource.Ref{
		Kind:           resource.KindPullRequest,
		Key:            key,
		CommitSHA:      last.CommitSHA,
		Number:         number,
		Title:          last.Title,
		Author:         last.Author,
		TargetBranch:   last.TargetBranch,
		Labels:         last.Labels,
		Mergeable:      last.Mergeable,
		PRUpdatedAt:    last.PRUpdatedAt,
		IssueUpdatedAt: last.IssueUpdatedAt,
		LastCommentAt:  last.LastCommentAt,
		InBadState:     true,
	}
	return ref
}

func closedRef(pr *prowgithub.PullRequest, last resource.Entry) resource.Ref {
	ref := resource.Tombstone(resource.KindPullRequest, strconv.Itoa(pr.Number), last)
	ref.Title = pr.Title
	ref.Author = pr.User.Login
	ref.Body = pr.Body
	ref.URL = pr.HTMLURL
	ref.SourceBranch = pr.Head.Ref
	ref.TargetBranch = pr.Base.Ref
	ref.State = pr.State
	ref.Labels = labelNames(pr.Labels)
	return ref
}

func pullRequestRef(pr *prowgithub.PullRequest, issue *IssueActivity) resource.Ref {
	ref := resource.Ref{
		Kind:         resource.KindPullRequest,
		Key:          strconv.Itoa(pr.Number),
		CommitSHA:    pr.Head.SHA,
		Title:        pr.Title,
		Author:       pr.User.Login,
		Body:         pr.Body,
		URL:          pr.HTMLURL,
		Number:       pr.Number,
		SourceBranch: pr.Head.Ref,
		TargetBranch: pr.Base.Ref,
		State:        pr.State,
		Labels:       labelNames(pr.Labels),
		Mergeable:    pr.Mergable,
		PRUpdatedAt:  pr.UpdatedAt,
	}
	if issue != nil {
		ref.IssueUpdatedAt = issue.UpdatedAt
		if len(issue.Labels) > 0 {
			names := make([]string, 0, len(issue.Labels))
			for _, label := range issue.Labels {
				names = append(names, label.Name)
			}
			sort.Strings(names)
			ref.Labels = names
		}
	}
	return ref
}

func labelNames(labels []prowgithub.Label) []string {
	if len(labels) == 0 {
		return nil
	}
	names := make([]string, 0, len(labels))
	for _, label := range labels {
		names = append(names, label.Name)
	}
	sort.Strings(names)
	return names
}

// RateLimit returns the remaining API quota
func (s *Source) RateLimit(ctx context.Context) (resource.RateLimit, error) {
	return s.refs.RateLimit(ctx)
}

// CommitMessages returns the messages of the commits a change brought in.
// Pull requests report all their commits; branches and tags the commits
// between the last known and the current head, or just the head commit when
// the range cannot be compared.
func (s *Source) CommitMessages(ctx context.Context, repo resource.Repo, remote resource.Ref, local *resource.Entry) ([]string, error) {
	if remote.Deleted() {
		return nil, nil
	}

	if remote.Kind == resource.KindPullRequest {
		commits, err := s.prs.ListPullRequestCommits(repo.Owner, repo.Name, remote.Number)
		if err != nil {
			return nil, err
		}
		messages := make([]string, 0, len(commits))
		for _, commit := range commits {
			messages = append(messages, commit.Commit.Message)
		}
		return messages, nil
	}

	if local != nil && local.CommitSHA != "" && local.CommitSHA != remote.CommitSHA {
		commits, err := s.refs.Compare(ctx, repo, local.CommitSHA, remote.CommitSHA)
		switch {
		case err == nil:
			messages := make([]string, 0, len(commits))
			for _, commit := range commits {
				messages = append(messages, commit.Commit.Message)
			}
			return messages, nil
		case IsNotFound(err):
			s.logger.WithField("ref", remote.ID()).Debugf("Cannot compare %s...%s, using the head commit", local.CommitSHA, remote.CommitSHA)
		default:
			return nil, err
		}
	}

	commit, err := s.refs.Commit(ctx, repo, remote.CommitSHA)
	if err != nil {
		return nil, err
	}
	return []string{commit.Commit.Message}, nil
}

func (s *Source) IsMember(_ context.Context, org, user string) (bool, error) {
	return s.prs.IsMember(org, user)
}

// IsSelf reports whether user is the account the watcher acts as
func (s *Source) IsSelf(_ context.Context, user string) (bool, error) {
	s.botOnce.Do(func() {
		s.isBot, s.botErr = s.prs.BotUserChecker()
	})
	if s.botErr != nil {
		return false, s.botErr
	}
	return s.isBot(user), nil
}

func (s *Source) Comments(_ context.Context, repo resource.Repo, number int) ([]rules.Comment, error) {
	comments, err := s.prs.ListIssueComments(repo.Owner, repo.Name, number)
	if err != nil {
		return nil, err
	}
	out := make([]rules.Comment, 0, len(comments))
	for _, comment := range comments {
		out = append(out, rules.Comment{Author: comment.User.Login, Body: comment.Body, CreatedAt: comment.CreatedAt})
	}
	return out, nil
}

// SetStatus creates a commit status
func (s *Source) SetStatus(_ context.Context, repo resource.Repo, sha string, status dispatch.Status) error {
	return s.prs.CreateStatus(repo.Owner, repo.Name, sha, prowgithub.Status{
		State:       status.State,
		TargetURL:   status.TargetURL,
		Description: status.Description,
		Context:     status.Context,
	})
}
