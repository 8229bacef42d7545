package rules

import (
	"context"

	"github.com/petr-muller/ghwatch/internal/watch/resource"
)

// Pipeline is an ordered chain of rules
type Pipeline struct {
	rules []Rule
}

// NewPipeline creates a pipeline evaluating rules in the given order
func NewPipeline(rules ...Rule) *Pipeline {
	return &Pipeline{rules: rules}
}

// Rules returns the configured rules in evaluation order
func (p *Pipeline) Rules() []Rule {
	return p.rules
}

// Evaluate runs every rule over the resource and returns their verdicts in
// rule order. There is no short-circuit: a later Skip must be able to veto an
// earlier Accept. The first failing rule aborts the evaluation of this
// resource with an *Error.
func (p *Pipeline) Evaluate(ctx context.Context, remote resource.Ref, local *resource.Entry, rc *Context) ([]resource.Verdict, error) {
	verdicts := make([]resource.Verdict, 0, len(p.rules))
	for _, rule := range p.rules {
		verdict, err := rule.Evaluate(ctx, remote, local, rc)
		if err != nil {
			return nil, &Error{Rule: rule.Name(), Err: err}
		}
		verdict.Rule = rule.Name()
		if verdict.Decision != resource.NoOpinion {
			rc.Logf("%s: %s (%s)", rule.Name(), verdict.Decision, verdict.Reason)
		}
		verdicts = append(verdicts, verdict)
	}
	return verdicts, nil
}
