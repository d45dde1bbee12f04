package agent

import (
	"context"
	"errors"

	"github.com/xkilldash9x/pagepilot/internal/actions"
	"github.com/xkilldash9x/pagepilot/internal/perception"
)

// ErrorCode classifies a failure for stream consumers and logs.
type ErrorCode string

const (
	ErrCodeTransientCapture    ErrorCode = "TRANSIENT_CAPTURE_FAILURE"
	ErrCodeMalformedOutput     ErrorCode = "MALFORMED_MODEL_OUTPUT"
	ErrCodeActionNotFound      ErrorCode = "ACTION_NOT_FOUND"
	ErrCodeActionExecution     ErrorCode = "ACTION_EXECUTION_FAILURE"
	ErrCodeElementNotFound     ErrorCode = "ELEMENT_NOT_FOUND"
	ErrCodeNavigationFailure   ErrorCode = "NAVIGATION_FAILURE"
	ErrCodeStepTimeoutExceeded ErrorCode = "STEP_TIMEOUT_EXCEEDED"
	ErrCodeMaxStepsExhausted   ErrorCode = "MAX_STEPS_EXHAUSTED"
	// ErrCodeDeadlineExceeded is a caller deadline aborting the run, unlike
	// the stream timeout which ends it with a resumable state.
	ErrCodeDeadlineExceeded  ErrorCode = "DEADLINE_EXCEEDED"
	ErrCodeInvalidParameters ErrorCode = "INVALID_PARAMETERS"
	ErrCodeModelCallFailure  ErrorCode = "MODEL_CALL_FAILURE"
	ErrCodeCancelled         ErrorCode = "CANCELLED"
	ErrCodeInternal          ErrorCode = "INTERNAL_ERROR"
)

var (
	// ErrMalformedModelOutput is returned when no decision object could be
	// recovered from the model's reply. The step is not retried.
	ErrMalformedModelOutput = errors.New("malformed model output")
	// ErrModelCall wraps a model call that failed after the client's own
	// retries and fallback.
	ErrModelCall = errors.New("model call failed")
	// ErrRunFinished is returned when stepping an agent that already
	// reached a terminal state.
	ErrRunFinished = errors.New("run already finished")
)

// CodeOf maps an error to its code.
func CodeOf(err error) ErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return ErrCodeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeDeadlineExceeded
	case errors.Is(err, perception.ErrCaptureFailed):
		return ErrCodeTransientCapture
	case errors.Is(err, ErrMalformedModelOutput):
		return ErrCodeMalformedOutput
	case errors.Is(err, ErrModelCall):
		return ErrCodeModelCallFailure
	case errors.Is(err, actions.ErrActionNotFound):
		return ErrCodeActionNotFound
	case errors.Is(err, actions.ErrInvalidParams):
		return ErrCodeInvalidParameters
	case errors.Is(err, actions.ErrActionExecution):
		return ErrCodeActionExecution
	default:
		return ErrCodeInternal
	}
}

// recoverable reports whether an action error should be fed back to the
// model as a failed outcome instead of aborting the run.
func recoverable(err error) bool {
	return errors.Is(err, actions.ErrActionNotFound) ||
		errors.Is(err, actions.ErrInvalidParams) ||
		errors.Is(err, actions.ErrActionExecution)
}
