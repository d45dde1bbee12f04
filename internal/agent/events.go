package agent

import (
	"time"

	"github.com/xkilldash9x/pagepilot/api/schemas"
)

// Status is the terminal state of a run.
type Status string

const (
	StatusDone      Status = "done"
	StatusHandoff   Status = "handoff"
	StatusExhausted Status = "exhausted"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// State is the control loop's position in its lifecycle.
type State string

const (
	StateInit      State = "init"
	StateStepping  State = "stepping"
	StateDone      State = "done"
	StateExhausted State = "exhausted"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
)

func (s State) terminal() bool {
	return s == StateDone || s == StateExhausted || s == StateFailed || s == StateTimedOut
}

// StepRecord is what one completed step produced.
type StepRecord struct {
	Step     int                      `json:"step"`
	TraceID  string                   `json:"traceId"`
	URL      string                   `json:"url"`
	Thought  string                   `json:"thought,omitempty"`
	Summary  string                   `json:"summary"`
	Action   schemas.ActionInvocation `json:"action"`
	Outcome  schemas.ActionOutcome    `json:"outcome"`
	Usage    schemas.Usage            `json:"usage"`
	Duration time.Duration            `json:"duration"`
	// Screenshot is the annotated image the decision was made on.
	Screenshot *schemas.Image `json:"-"`
}

// Result is the aggregate outcome of a run.
type Result struct {
	RunID   string        `json:"runId"`
	Task    string        `json:"task"`
	Status  Status        `json:"status"`
	Steps   int           `json:"steps"`
	Output  any           `json:"output,omitempty"`
	Error   string        `json:"error,omitempty"`
	Usage   schemas.Usage `json:"usage"`
	History []StepRecord  `json:"history"`
}

// EventKind tags a stream event.
type EventKind string

const (
	EventStep        EventKind = "step"
	EventStepTimeout EventKind = "step_timeout"
	EventError       EventKind = "error"
	EventFinal       EventKind = "final"
)

// Event is one item of a streamed run. Exactly one of step_timeout, error
// or final ends every stream.
type Event struct {
	Kind EventKind
	// Step is set for step and step_timeout events.
	Step *StepRecord
	// State is the resumable run state, set for step_timeout events.
	State *schemas.AgentRunState
	// Message and Code are set for error events.
	Message string
	Code    ErrorCode
	// Result is set for final events.
	Result *Result
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Kind != EventStep
}
