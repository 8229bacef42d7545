package rules

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/petr-muller/ghwatch/internal/config"
	"github.com/petr-muller/ghwatch/internal/watch/resource"
)

// kindScoped limits a rule to some resource kinds
type kindScoped struct {
	Rule
	kinds sets.Set[resource.Kind]
}

func (r kindScoped) Evaluate(ctx context.Context, remote resource.Ref, local *resource.Entry, rc *Context) (resource.Verdict, error) {
	if !r.kinds.Has(remote.Kind) {
		return resource.NoOpinionVerdict(), nil
	}
	return r.Rule.Evaluate(ctx, remote, local, rc)
}

// FromConfig builds one rule from its configuration entry
func FromConfig(c config.Rule) (Rule, error) {
	var rule Rule
	switch c.Type {
	case "created":
		rule = Created{}
	case "deleted":
		rule = Deleted{}
	case "hash-changed":
		rule = HashChanged{}
	case "closed":
		rule = Closed{}
	case "skip-first-run":
		rule = SkipFirstRun{}
	case "commit-message":
		rule = NewCommitMessagePattern(c.Patterns, c.Exclude)
	case "restriction":
		rule = NewRestriction(c.Patterns, c.Exclude)
	case "user-restriction":
		rule = NewUserRestriction(c.Users, c.Orgs, c.SkipBots)
	case "non-mergeable":
		rule = NonMergeable{}
	case "bad-state":
		rule = BadState{}
	case "labels-added":
		rule = NewLabelsAdded(c.Labels)
	case "labels-removed":
		rule = NewLabelsRemoved(c.Labels)
	case "labels-exist":
		rule = NewLabelsExist(c.Labels, c.Skip)
	case "description-skip":
		rule = NewDescriptionSkip(c.Patterns)
	case "number":
		rule = NewNumber(c.Number, c.Match, c.Skip)
	case "comment":
		if len(c.Patterns) != 1 {
			return nil, fmt.Errorf("comment rule needs exactly one pattern")
		}
		comment, err := NewCommentPattern(c.Patterns[0], c.Users, c.Orgs)
		if err != nil {
			return nil, err
		}
		rule = comment
	default:
		return nil, fmt.Errorf("unknown rule type %q", c.Type)
	}

	if len(c.Kinds) == 0 {
		return rule, nil
	}
	scoped := kindScoped{Rule: rule, kinds: sets.New[resource.Kind]()}
	for _, kind := range c.Kinds {
		parsed, err := resource.ParseKind(kind)
		if err != nil {
			return nil, err
		}
		scoped.kinds.Insert(parsed)
	}
	return scoped, nil
}

// PipelineFromConfig builds a job's decision chain. With skipFirstRun set, a
// SkipFirstRun rule is appended so it can veto whatever the configured rules
// decide.
func PipelineFromConfig(entries []config.Rule, skipFirstRun bool) (*Pipeline, error) {
	var chain []Rule
	for i, entry := range entries {
		rule, err := FromConfig(entry)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		chain = append(chain, rule)
	}
	if skipFirstRun {
		chain = append(chain, SkipFirstRun{})
	}
	return NewPipeline(chain...), nil
}
