package rules

import (
	"context"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/petr-muller/ghwatch/internal/watch/resource"
)

// matcher matches a subject exactly or against a fully anchored expression.
// Invalid expressions only ever match exactly.
type matcher struct {
	raw      string
	compiled *regexp.Regexp
}

func newMatchers(patterns []string) []matcher {
	var matchers []matcher
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		m := matcher{raw: pattern}
		compiled, err := regexp.Compile("^(?:" + pattern + ")$")
		if err != nil {
			logrus.WithError(err).Warnf("restriction pattern %q is not a valid expression, it will only match exactly", pattern)
		} else {
			m.compiled = compiled
		}
		matchers = append(matchers, m)
	}
	return matchers
}

func (m matcher) matches(subject string) bool {
	if subject == m.raw {
		return true
	}
	return m.compiled != nil && m.compiled.MatchString(subject)
}

// Restriction allows or denies resources by name. Pull requests are matched
// by their target branch.
type Restriction struct {
	exclude  bool
	matchers []matcher
}

// NewRestriction builds a name restriction. With exclude set, matching
// resources are skipped; otherwise resources that match nothing are skipped.
func NewRestriction(patterns []string, exclude bool) *Restriction {
	return &Restriction{exclude: exclude, matchers: newMatchers(patterns)}
}

func (r *Restriction) Name() string { return "restriction" }

// Matches reports whether a subject matches any configured pattern
func (r *Restriction) Matches(subject string) (string, bool) {
	for _, m := range r.matchers {
		if m.matches(subject) {
			return m.raw, true
		}
	}
	return "", false
}

func (r *Restriction) Evaluate(_ context.Context, remote resource.Ref, _ *resource.Entry, rc *Context) (resource.Verdict, error) {
	subject := remote.Key
	if remote.Kind == resource.KindPullRequest {
		subject = remote.TargetBranch
	}

	if len(r.matchers) == 0 {
		rc.Warnf("no restriction patterns configured, %s is allowed", subject)
		return resource.NoOpinionVerdict(), nil
	}

	pattern, matched := r.Matches(subject)
	switch {
	case matched && r.exclude:
		return resource.SkipVerdict(subject + " matches excluded pattern " + pattern), nil
	case !matched && !r.exclude:
		return resource.SkipVerdict(subject + " does not match any allowed pattern"), nil
	}
	return resource.NoOpinionVerdict(), nil
}
