// Package resolve reduces the verdicts of a decision chain to one build decision.
package resolve

import (
	"github.com/petr-muller/ghwatch/internal/watch/resource"
)

// Resolve turns the verdicts about one ref into a Cause. Verdicts without an
// opinion are ignored. Any Skip vetoes the build no matter where it appears or
// how many rules accepted; the returned cause then carries the skip reason and
// Skip set, and ok is false. Otherwise the first Accept in rule order gives the
// reason of the Cause. With no opinions at all, Resolve returns nil and false.
//
// The cause carries the sha of the ref, or for a tombstone the last known sha
// from the snapshot entry; a ref without either never resolves to a build.
func Resolve(repo resource.Repo, remote resource.Ref, local *resource.Entry, verdicts []resource.Verdict) (*resource.Cause, bool) {
	var accepted, skipped *resource.Verdict
	for i := range verdicts {
		switch verdicts[i].Decision {
		case resource.Skip:
			if skipped == nil {
				skipped = &verdicts[i]
			}
		case resource.Accept:
			if accepted == nil {
				accepted = &verdicts[i]
			}
		}
	}

	if skipped == nil && accepted == nil {
		return nil, false
	}

	cause := newCause(repo, remote, local)
	if skipped != nil {
		cause.Skip = true
		cause.Reason = skipped.Reason
		return cause, false
	}

	if cause.CommitSHA == "" {
		cause.Skip = true
		cause.Reason = "no commit to build"
		return cause, false
	}

	cause.Reason = accepted.Reason
	return cause, true
}

func newCause(repo resource.Repo, remote resource.Ref, local *resource.Entry) *resource.Cause {
	sha := remote.CommitSHA
	if sha == "" && local != nil {
		sha = local.CommitSHA
	}
	return &resource.Cause{
		Repo:         repo,
		Kind:         remote.Kind,
		Key:          remote.Key,
		CommitSHA:    sha,
		Title:        remote.Title,
		Author:       remote.Author,
		URL:          remote.URL,
		Number:       remote.Number,
		SourceBranch: remote.SourceBranch,
		TargetBranch: remote.TargetBranch,
	}
}
