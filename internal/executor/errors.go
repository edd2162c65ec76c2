package executor

import (
	"errors"
	"fmt"

	"healnerd/internal/heal"
)

// NavigationError is a failed navigate step. It is never repaired.
type NavigationError struct {
	URL string
	Err error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigate %s: %v", e.URL, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }

// UnsupportedActionError is a step whose action the executor does not know.
type UnsupportedActionError struct {
	Action string
}

func (e *UnsupportedActionError) Error() string {
	return fmt.Sprintf("unsupported action %q", e.Action)
}

// ActionError wraps a failure while acting on a resolved element.
type ActionError struct {
	Action string
	Target string
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Action, e.Target, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// StepError is the error that ended a run at a specific step.
type StepError struct {
	Step int
	Err  error
}

func (e *StepError) Error() string {
	var he *heal.HealError
	if errors.As(e.Err, &he) {
		return he.Error()
	}
	return fmt.Sprintf("step %d: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// FailedStep returns the step number of the step that ended a run, or 0.
func FailedStep(err error) int {
	var se *StepError
	if errors.As(err, &se) {
		return se.Step
	}
	return 0
}
