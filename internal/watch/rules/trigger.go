package rules

import (
	"context"

	"github.com/petr-muller/ghwatch/internal/watch/resource"
)

const (
	ReasonCreated     = "created"
	ReasonDeleted     = "deleted"
	ReasonHashChanged = "hash changed"
	ReasonClosed      = "PR closed"
)

// Created accepts resources that have no snapshot entry yet
type Created struct{}

func (Created) Name() string { return "created" }

func (Created) Evaluate(_ context.Context, remote resource.Ref, local *resource.Entry, rc *Context) (resource.Verdict, error) {
	if remote.Deleted() || local != nil {
		return resource.NoOpinionVerdict(), nil
	}
	rc.Logf("%s %s was created at %s", remote.Kind, remote.Key, remote.CommitSHA)
	return resource.AcceptVerdict(ReasonCreated), nil
}

// Deleted accepts branches and tags that disappeared remotely
type Deleted struct{}

func (Deleted) Name() string { return "deleted" }

func (Deleted) Evaluate(_ context.Context, remote resource.Ref, local *resource.Entry, rc *Context) (resource.Verdict, error) {
	if remote.Kind == resource.KindPullRequest || !remote.Deleted() || local == nil {
		return resource.NoOpinionVerdict(), nil
	}
	rc.Logf("%s %s was deleted, last known sha %s", remote.Kind, remote.Key, local.CommitSHA)
	return resource.AcceptVerdict(ReasonDeleted), nil
}

// HashChanged accepts resources whose head moved
type HashChanged struct{}

func (HashChanged) Name() string { return "hash-changed" }

func (HashChanged) Evaluate(_ context.Context, remote resource.Ref, local *resource.Entry, rc *Context) (resource.Verdict, error) {
	if remote.Deleted() || local == nil || remote.CommitSHA == local.CommitSHA {
		return resource.NoOpinionVerdict(), nil
	}
	rc.Logf("%s %s moved: %s => %s", remote.Kind, remote.Key, local.CommitSHA, remote.CommitSHA)
	return resource.AcceptVerdict(ReasonHashChanged), nil
}

// Closed accepts pull requests that were open when last seen and are closed now
type Closed struct{}

func (Closed) Name() string { return "closed" }

func (Closed) Evaluate(_ context.Context, remote resource.Ref, local *resource.Entry, rc *Context) (resource.Verdict, error) {
	if remote.Kind != resource.KindPullRequest || !remote.Deleted() || local == nil {
		return resource.NoOpinionVerdict(), nil
	}
	rc.Logf("pull request #%s was closed", remote.Key)
	return resource.AcceptVerdict(ReasonClosed), nil
}

// SkipFirstRun skips everything first seen while the job runs for the first time
type SkipFirstRun struct{}

func (SkipFirstRun) Name() string { return "skip-first-run" }

func (SkipFirstRun) Evaluate(_ context.Context, remote resource.Ref, local *resource.Entry, rc *Context) (resource.Verdict, error) {
	if !rc.FirstRun || local != nil || remote.Deleted() {
		return resource.NoOpinionVerdict(), nil
	}
	return resource.SkipVerdict("first run"), nil
}
