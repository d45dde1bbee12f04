package actions

import (
	"errors"
	"fmt"
)

var (
	// ErrActionNotFound is returned when no descriptor is registered for a name.
	ErrActionNotFound = errors.New("action not found")
	// ErrActionExecution wraps any failure raised by a handler.
	ErrActionExecution = errors.New("action execution failed")
	// ErrInvalidParams is returned when params do not satisfy the action's schema.
	ErrInvalidParams = errors.New("invalid action parameters")
	// ErrNoBrowser is returned when a browser action is invoked without a handle.
	ErrNoBrowser = errors.New("action requires a browser handle")
	// ErrDuplicateAction is returned by Register for an already registered kind.
	ErrDuplicateAction = errors.New("action already registered")

	// ErrElementNotFound and ErrNavigationFailure are never returned from
	// Invoke. They prefix the Error of a failed outcome so the model can
	// correct itself on the next step.
	ErrElementNotFound   = errors.New("element not found")
	ErrNavigationFailure = errors.New("navigation failed")
)

// Failed builds a failed outcome whose message starts with the given error.
func Failed(kind error, format string, args ...any) Outcome {
	return Outcome{Error: fmt.Sprintf("%v: %s", kind, fmt.Sprintf(format, args...))}
}
