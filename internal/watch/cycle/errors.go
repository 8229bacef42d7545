package cycle

import (
	"fmt"

	"github.com/petr-muller/ghwatch/internal/watch/resource"
)

// FetchError means the remote state could not be read; nothing was committed
type FetchError struct {
	Repo resource.Repo
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("cannot fetch resources of %s: %v", e.Repo, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// RuleEvaluationError means one resource was dropped from the cycle
type RuleEvaluationError struct {
	Resource string
	Rule     string
	Err      error
}

func (e *RuleEvaluationError) Error() string {
	if e.Rule == "" {
		return fmt.Sprintf("cannot evaluate %s: %v", e.Resource, e.Err)
	}
	return fmt.Sprintf("cannot evaluate %s with rule %s: %v", e.Resource, e.Rule, e.Err)
}

func (e *RuleEvaluationError) Unwrap() error { return e.Err }

// DispatchError means the build system rejected a build; the resource still
// counts as seen
type DispatchError struct {
	Resource string
	Err      error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("cannot dispatch build for %s: %v", e.Resource, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// PersistenceError means the snapshot could not be loaded or saved
type PersistenceError struct {
	Job string
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("cannot %s snapshot of job %s: %v", e.Op, e.Job, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
