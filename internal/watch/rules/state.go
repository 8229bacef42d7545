package rules

import (
	"context"

	"github.com/petr-muller/ghwatch/internal/watch/resource"
)

// NonMergeable skips pull requests the provider reports as not mergeable.
// Unknown mergeability is not an opinion.
type NonMergeable struct{}

func (NonMergeable) Name() string { return "non-mergeable" }

func (NonMergeable) Evaluate(_ context.Context, remote resource.Ref, _ *resource.Entry, _ *Context) (resource.Verdict, error) {
	if remote.Kind != resource.KindPullRequest || remote.Deleted() || remote.Mergeable == nil || *remote.Mergeable {
		return resource.NoOpinionVerdict(), nil
	}
	return resource.SkipVerdict("pull request is not mergeable"), nil
}

// BadState skips resources whose remote state could not be read reliably
type BadState struct{}

func (BadState) Name() string { return "bad-state" }

func (BadState) Evaluate(_ context.Context, remote resource.Ref, _ *resource.Entry, _ *Context) (resource.Verdict, error) {
	if !remote.InBadState {
		return resource.NoOpinionVerdict(), nil
	}
	return resource.SkipVerdict("remote state of " + remote.ID() + " is unreliable"), nil
}
