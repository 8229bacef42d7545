package metrics

import (
	"errors"

	"github.com/petr-muller/ghwatch/internal/watch/cycle"
)

// ErrorClass names the failure class of a cycle error
func ErrorClass(err error) string {
	var (
		fetchErr       *cycle.FetchError
		ruleErr        *cycle.RuleEvaluationError
		dispatchErr    *cycle.DispatchError
		persistenceErr *cycle.PersistenceError
	)
	switch {
	case errors.As(err, &fetchErr):
		return "fetch"
	case errors.As(err, &ruleErr):
		return "rule"
	case errors.As(err, &dispatchErr):
		return "dispatch"
	case errors.As(err, &persistenceErr):
		return "persistence"
	}
	return "other"
}
