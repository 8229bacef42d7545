package rules

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/petr-muller/ghwatch/internal/watch/resource"
)

func openPullRequest(remote resource.Ref) bool {
	return remote.Kind == resource.KindPullRequest && !remote.Deleted()
}

func verdictFor(skip bool, reason string) resource.Verdict {
	if skip {
		return resource.SkipVerdict(reason)
	}
	return resource.AcceptVerdict(reason)
}

// LabelsAdded accepts when all labels are present now but were not all
// present when the pull request was last seen
type LabelsAdded struct {
	labels sets.Set[string]
}

func NewLabelsAdded(labels []string) *LabelsAdded {
	return &LabelsAdded{labels: sets.New(labels...)}
}

func (r *LabelsAdded) Name() string { return "labels-added" }

func (r *LabelsAdded) Evaluate(_ context.Context, remote resource.Ref, local *resource.Entry, rc *Context) (resource.Verdict, error) {
	if !openPullRequest(remote) || r.labels.Len() == 0 {
		return resource.NoOpinionVerdict(), nil
	}
	if local != nil && sets.New(local.Labels...).IsSuperset(r.labels) {
		return resource.NoOpinionVerdict(), nil
	}
	if !sets.New(remote.Labels...).IsSuperset(r.labels) {
		return resource.NoOpinionVerdict(), nil
	}
	rc.Logf("%v labels were added to #%s", sets.List(r.labels), remote.Key)
	return resource.AcceptVerdict(fmt.Sprintf("%v labels were added", sets.List(r.labels))), nil
}

// LabelsRemoved accepts when any of the labels was present when the pull
// request was last seen and none is present now
type LabelsRemoved struct {
	labels sets.Set[string]
}

func NewLabelsRemoved(labels []string) *LabelsRemoved {
	return &LabelsRemoved{labels: sets.New(labels...)}
}

func (r *LabelsRemoved) Name() string { return "labels-removed" }

func (r *LabelsRemoved) Evaluate(_ context.Context, remote resource.Ref, local *resource.Entry, rc *Context) (resource.Verdict, error) {
	if !openPullRequest(remote) || local == nil {
		return resource.NoOpinionVerdict(), nil
	}
	hadLocal := sets.New(local.Labels...).HasAny(sets.List(r.labels)...)
	hasRemote := sets.New(remote.Labels...).HasAny(sets.List(r.labels)...)
	if !hadLocal || hasRemote {
		return resource.NoOpinionVerdict(), nil
	}
	rc.Logf("%v labels were removed from #%s", sets.List(r.labels), remote.Key)
	return resource.AcceptVerdict(fmt.Sprintf("%v labels were removed", sets.List(r.labels))), nil
}

// LabelsExist accepts, or skips when configured to, pull requests carrying all labels
type LabelsExist struct {
	labels sets.Set[string]
	skip   bool
}

func NewLabelsExist(labels []string, skip bool) *LabelsExist {
	return &LabelsExist{labels: sets.New(labels...), skip: skip}
}

func (r *LabelsExist) Name() string { return "labels-exist" }

func (r *LabelsExist) Evaluate(_ context.Context, remote resource.Ref, _ *resource.Entry, _ *Context) (resource.Verdict, error) {
	if !openPullRequest(remote) || r.labels.Len() == 0 {
		return resource.NoOpinionVerdict(), nil
	}
	if !sets.New(remote.Labels...).IsSuperset(r.labels) {
		return resource.NoOpinionVerdict(), nil
	}
	return verdictFor(r.skip, fmt.Sprintf("%v labels exist", sets.List(r.labels))), nil
}

// DescriptionSkip skips pull requests whose description fully matches one of
// the phrases
type DescriptionSkip struct {
	phrases []*regexp.Regexp
}

func NewDescriptionSkip(phrases []string) *DescriptionSkip {
	r := &DescriptionSkip{}
	for _, phrase := range phrases {
		phrase = strings.TrimSpace(phrase)
		if phrase == "" {
			continue
		}
		compiled, err := regexp.Compile("^(?:" + phrase + ")$")
		if err != nil {
			logrus.WithError(err).Warnf("description phrase %q is not a valid expression, ignoring it", phrase)
			continue
		}
		r.phrases = append(r.phrases, compiled)
	}
	return r
}

func (r *DescriptionSkip) Name() string { return "description-skip" }

func (r *DescriptionSkip) Evaluate(_ context.Context, remote resource.Ref, _ *resource.Entry, _ *Context) (resource.Verdict, error) {
	body := strings.TrimSpace(remote.Body)
	if !openPullRequest(remote) || body == "" {
		return resource.NoOpinionVerdict(), nil
	}
	for _, phrase := range r.phrases {
		if phrase.MatchString(body) {
			return resource.SkipVerdict("pull request description matches " + phrase.String()), nil
		}
	}
	return resource.NoOpinionVerdict(), nil
}

// Number reacts to one pull request number. With match set it fires for that
// number, otherwise for every other number.
type Number struct {
	number int
	match  bool
	skip   bool
}

func NewNumber(number int, match, skip bool) *Number {
	return &Number{number: number, match: match, skip: skip}
}

func (r *Number) Name() string { return "number" }

func (r *Number) Evaluate(_ context.Context, remote resource.Ref, _ *resource.Entry, rc *Context) (resource.Verdict, error) {
	if remote.Kind != resource.KindPullRequest {
		return resource.NoOpinionVerdict(), nil
	}
	if r.number <= 0 {
		rc.Warnf("number rule has no pull request number configured, skipping #%s", remote.Key)
		return resource.SkipVerdict("number rule is misconfigured"), nil
	}
	number := remote.Number
	if number == 0 {
		number, _ = strconv.Atoi(remote.Key)
	}
	switch {
	case number == r.number && r.match:
		return verdictFor(r.skip, fmt.Sprintf("PR number is matching #%d", number)), nil
	case number != r.number && !r.match:
		return verdictFor(r.skip, fmt.Sprintf("PR number is not matching #%d", r.number)), nil
	}
	return resource.NoOpinionVerdict(), nil
}

// CommentPattern accepts pull requests that received a comment matching the
// pattern since they were last seen. Comment authors can be restricted to
// users and organization members.
type CommentPattern struct {
	pattern *regexp.Regexp
	authors *UserRestriction
}

func NewCommentPattern(pattern string, users, orgs []string) (*CommentPattern, error) {
	compiled, err := regexp.Compile("^(?s:" + pattern + ")$")
	if err != nil {
		return nil, fmt.Errorf("invalid comment pattern %q: %w", pattern, err)
	}
	return &CommentPattern{pattern: compiled, authors: NewUserRestriction(users, orgs, false)}, nil
}

func (r *CommentPattern) Name() string { return "comment" }

func (r *CommentPattern) Evaluate(ctx context.Context, remote resource.Ref, local *resource.Entry, rc *Context) (resource.Verdict, error) {
	if !openPullRequest(remote) {
		return resource.NoOpinionVerdict(), nil
	}
	// comments change the issue timestamp; nothing new to look at otherwise
	if local != nil && local.IssueUpdatedAt.Equal(remote.IssueUpdatedAt) && !remote.IssueUpdatedAt.IsZero() {
		return resource.NoOpinionVerdict(), nil
	}

	comments, err := rc.Comments(ctx, remote.Number)
	if err != nil {
		return resource.Verdict{}, err
	}

	for _, comment := range comments {
		if local != nil && !local.LastCommentAt.IsZero() && !comment.CreatedAt.After(local.LastCommentAt) {
			continue
		}
		if !r.pattern.MatchString(strings.TrimSpace(comment.Body)) {
			continue
		}
		allowed, err := r.authors.allowed(ctx, comment.Author, rc)
		if err != nil {
			return resource.Verdict{}, err
		}
		if !allowed {
			rc.Logf("comment by %s matches but the author is not allowed", comment.Author)
			continue
		}
		rc.Logf("comment by %s matches %s", comment.Author, r.pattern.String())
		return resource.AcceptVerdict("comment matched: " + comment.Body), nil
	}
	return resource.NoOpinionVerdict(), nil
}
