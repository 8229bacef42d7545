package rules

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/petr-muller/ghwatch/internal/watch/resource"
)

// CommitMessagePattern filters resources by the messages of their new
// commits. A commit is allowed when its message fully matches a pattern, or
// in exclude mode when it matches none. The resource passes while at least
// one new commit is allowed and is skipped otherwise.
type CommitMessagePattern struct {
	exclude  bool
	patterns []*regexp.Regexp
}

func NewCommitMessagePattern(patterns []string, exclude bool) *CommitMessagePattern {
	r := &CommitMessagePattern{exclude: exclude}
	for _, pattern := range patterns {
		if strings.TrimSpace(pattern) == "" {
			continue
		}
		compiled, err := regexp.Compile("^(?:" + pattern + ")$")
		if err != nil {
			logrus.WithError(err).Warnf("commit message pattern %q is not a valid expression, ignoring it", pattern)
			continue
		}
		r.patterns = append(r.patterns, compiled)
	}
	return r
}

func (r *CommitMessagePattern) Name() string { return "commit-message" }

func (r *CommitMessagePattern) Evaluate(ctx context.Context, remote resource.Ref, local *resource.Entry, rc *Context) (resource.Verdict, error) {
	if remote.Deleted() {
		return resource.NoOpinionVerdict(), nil
	}
	if len(r.patterns) == 0 {
		rc.Warnf("no commit message patterns configured, ignoring commit messages of %s", remote.ID())
		return resource.NoOpinionVerdict(), nil
	}

	messages, err := rc.CommitMessages(ctx, remote, local)
	if err != nil {
		return resource.Verdict{}, err
	}
	if len(messages) == 0 {
		return resource.NoOpinionVerdict(), nil
	}

	for _, message := range messages {
		if r.allowed(message) {
			rc.Logf("commit message %q of %s is allowed", firstLine(message), remote.ID())
			return resource.NoOpinionVerdict(), nil
		}
	}
	return resource.SkipVerdict(fmt.Sprintf("no commit message of %s is allowed", remote.ID())), nil
}

func (r *CommitMessagePattern) allowed(message string) bool {
	for _, pattern := range r.patterns {
		if pattern.MatchString(message) {
			return !r.exclude
		}
	}
	return r.exclude
}

func firstLine(message string) string {
	line, _, _ := strings.Cut(message, "\n")
	return line
}
