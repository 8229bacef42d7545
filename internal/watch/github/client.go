// Package github reads the watched repositories from GitHub and reports
// build status back. Pull requests, comments, org membership and statuses go
// through the prow GitHub client; branch and tag heads, compare ranges and
// the rate limit through a small REST client.
package github

import (
	"context"

	prowgithub "sigs.k8s.io/prow/pkg/github"

	"github.com/petr-muller/ghwatch/internal/watch/resource"
)

// PullRequestClient is the subset of the prow GitHub client the watcher uses
type PullRequestClient interface {
	GetPullRequests(org, repo string) ([]prowgithub.PullRequest, error)
	GetPullRequest(org, repo string, number int) (*prowgithub.PullRequest, error)
	ListPullRequestCommits(org, repo string, number int) ([]prowgithub.RepositoryCommit, error)
	ListIssueComments(org, repo string, number int) ([]prowgithub.IssueComment, error)
	IsMember(org, user string) (bool, error)
	BotUserChecker() (func(candidate string) bool, error)
	CreateStatus(org, repo, SHA string, s prowgithub.Status) error
}

// RefClient is the subset of the REST client the watcher uses
type RefClient interface {
	Branches(ctx context.Context, repo resource.Repo) ([]Head, error)
	Tags(ctx context.Context, repo resource.Repo) ([]Head, error)
	Compare(ctx context.Context, repo resource.Repo, base, head string) ([]Commit, error)
	Commit(ctx context.Context, repo resource.Repo, sha string) (Commit, error)
	OpenPullRequestIssues(ctx context.Context, repo resource.Repo) ([]IssueActivity, error)
	RateLimit(ctx context.Context) (resource.RateLimit, error)
}

var _ RefClient = &RESTClient{}
