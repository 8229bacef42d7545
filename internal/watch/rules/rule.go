// Package rules implements the decision chain that runs over every changed
// resource of a cycle. Each rule looks at the fetched ref, its snapshot entry
// and a per-resource Context, and answers with a three-valued Verdict.
package rules

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/petr-muller/ghwatch/internal/watch/resource"
)

// Rule produces one Verdict for one resource
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, remote resource.Ref, local *resource.Entry, rc *Context) (resource.Verdict, error)
}

// Comment is an issue comment on a pull request
type Comment struct {
	Author    string
	Body      string
	CreatedAt time.Time
}

// Remote gives rules access to provider data that is too expensive to fetch
// for every resource up front
type Remote interface {
	CommitMessages(ctx context.Context, repo resource.Repo, remote resource.Ref, local *resource.Entry) ([]string, error)
	IsMember(ctx context.Context, org, user string) (bool, error)
	IsSelf(ctx context.Context, user string) (bool, error)
	Comments(ctx context.Context, repo resource.Repo, number int) ([]Comment, error)
}

var errNoRemote = errors.New("no remote accessor configured")

// Context carries the per-resource state shared by all rules evaluating one
// ref. It memoizes remote lookups and collects diagnostic output.
type Context struct {
	Repo resource.Repo
	// FirstRun is set while the job has never persisted a snapshot
	FirstRun bool

	log    *logrus.Entry
	remote Remote
	diag   strings.Builder

	commits       []string
	commitsLoaded bool

	comments       []Comment
	commentsLoaded bool
}

// NewContext creates the context for evaluating one resource
func NewContext(repo resource.Repo, firstRun bool, remote Remote, log *logrus.Entry) *Context {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Context{
		Repo:     repo,
		FirstRun: firstRun,
		log:      log,
		remote:   remote,
	}
}

// Logf records a diagnostic line
func (c *Context) Logf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	c.log.Debug(line)
	c.diag.WriteString(line)
	c.diag.WriteByte('\n')
}

// Warnf records a diagnostic line that points at a configuration problem
func (c *Context) Warnf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	c.log.Warn(line)
	c.diag.WriteString("WARNING: ")
	c.diag.WriteString(line)
	c.diag.WriteByte('\n')
}

// Diagnostics returns everything logged through the context so far
func (c *Context) Diagnostics() string {
	return c.diag.String()
}

// CommitMessages returns the messages of commits new to the resource
func (c *Context) CommitMessages(ctx context.Context, remote resource.Ref, local *resource.Entry) ([]string, error) {
	if c.commitsLoaded {
		return c.commits, nil
	}
	if c.remote == nil {
		return nil, errNoRemote
	}
	messages, err := c.remote.CommitMessages(ctx, c.Repo, remote, local)
	if err != nil {
		return nil, fmt.Errorf("cannot list commits of %s: %w", remote.ID(), err)
	}
	c.commits, c.commitsLoaded = messages, true
	return messages, nil
}

// Comments returns the issue comments of a pull request
func (c *Context) Comments(ctx context.Context, number int) ([]Comment, error) {
	if c.commentsLoaded {
		return c.comments, nil
	}
	if c.remote == nil {
		return nil, errNoRemote
	}
	comments, err := c.remote.Comments(ctx, c.Repo, number)
	if err != nil {
		return nil, fmt.Errorf("cannot list comments of #%d: %w", number, err)
	}
	c.comments, c.commentsLoaded = comments, true
	return comments, nil
}

// LatestCommentAt returns the creation time of the newest comment seen through
// Comments, or the zero time if comments were never loaded
func (c *Context) LatestCommentAt() time.Time {
	var latest time.Time
	for _, comment := range c.comments {
		if comment.CreatedAt.After(latest) {
			latest = comment.CreatedAt
		}
	}
	return latest
}

// IsMember checks organization membership of a user
func (c *Context) IsMember(ctx context.Context, org, user string) (bool, error) {
	if c.remote == nil {
		return false, errNoRemote
	}
	return c.remote.IsMember(ctx, org, user)
}

// IsSelf checks whether a user is the account the watcher acts as
func (c *Context) IsSelf(ctx context.Context, user string) (bool, error) {
	if c.remote == nil {
		return false, errNoRemote
	}
	return c.remote.IsSelf(ctx, user)
}

// Error is returned by the pipeline when a rule fails
type Error struct {
	Rule string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("rule %s failed: %v", e.Rule, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
