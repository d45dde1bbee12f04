package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/actions"
	"github.com/xkilldash9x/pagepilot/internal/config"
	"github.com/xkilldash9x/pagepilot/internal/conversation"
	"github.com/xkilldash9x/pagepilot/internal/observability"
	"github.com/xkilldash9x/pagepilot/internal/perception"
)

const (
	defaultMaxSteps   = 100
	maxLoggedResponse = 2000
)

// Allows for deterministic ids in tests.
var newRunID = func() string { return ulid.Make().String() }

// Agent drives one browsing task through the perception, decision and
// action cycle. An Agent runs once; it is not safe for concurrent Run or
// Stream calls, but FollowUp may be called from any goroutine.
type Agent struct {
	cfg      config.AgentConfig
	logger   *zap.Logger
	browser  schemas.Browser
	llm      schemas.LLMClient
	registry *actions.Registry
	sync     *perception.Synchronizer
	conv     *conversation.Context
	tracer   trace.Tracer
	metrics  *observability.Metrics
	store    schemas.RunStore

	detectors []schemas.Detector
	now       func() time.Time

	mu        sync.Mutex
	followUps []string

	runID      string
	task       string
	step       int
	state      State
	prev       *schemas.ActionOutcome
	prevAction string
	usage      schemas.Usage
	history    []StepRecord

	closeOnce sync.Once
}

// Option customizes an Agent.
type Option func(*Agent)

// WithRegistry replaces the built-in action catalog.
func WithRegistry(r *actions.Registry) Option {
	return func(a *Agent) { a.registry = r }
}

// WithDetectors sets the element detection sources.
func WithDetectors(detectors ...schemas.Detector) Option {
	return func(a *Agent) { a.detectors = detectors }
}

// WithTracer sets the tracer used for step spans.
func WithTracer(t trace.Tracer) Option {
	return func(a *Agent) { a.tracer = t }
}

// WithMetrics records step, capture and run metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// WithCheckpointer saves the run state after every step.
func WithCheckpointer(s schemas.RunStore) Option {
	return func(a *Agent) { a.store = s }
}

// WithRunID overrides the generated run id.
func WithRunID(id string) Option {
	return func(a *Agent) { a.runID = id }
}

// New creates an agent bound to a browser and a model.
func New(browser schemas.Browser, llm schemas.LLMClient, cfg config.AgentConfig, logger *zap.Logger, opts ...Option) (*Agent, error) {
	if browser == nil {
		return nil, errors.New("agent requires a browser")
	}
	if llm == nil {
		return nil, errors.New("agent requires a model client")
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaultMaxSteps
	}

	a := &Agent{
		cfg:     cfg,
		browser: browser,
		llm:     llm,
		conv:    conversation.New(),
		tracer:  observability.NoopTracer(),
		now:     time.Now,
		state:   StateInit,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.runID == "" {
		a.runID = newRunID()
	}
	a.logger = observability.ForRun(logger.Named("agent"), a.runID)

	if a.registry == nil {
		r, err := actions.NewDefaultRegistry(logger)
		if err != nil {
			return nil, fmt.Errorf("failed to build action registry: %w", err)
		}
		a.registry = r
	}

	syncCfg := perception.DefaultSyncConfig()
	if cfg.Capture.Attempts > 0 {
		syncCfg.Attempts = cfg.Capture.Attempts
	}
	if cfg.Capture.InitialDelay > 0 {
		syncCfg.InitialDelay = cfg.Capture.InitialDelay
	}
	if cfg.Capture.Multiplier > 0 {
		syncCfg.Multiplier = cfg.Capture.Multiplier
	}
	if cfg.IoUThreshold > 0 {
		syncCfg.IoUThreshold = cfg.IoUThreshold
	}
	syncCfg.GridURLPattern = cfg.GridURLPattern

	syncOpts := []perception.SyncOption{
		perception.WithTracer(a.tracer),
		perception.WithMetrics(a.metrics),
	}
	if len(a.detectors) > 0 {
		syncOpts = append(syncOpts, perception.WithDetectors(a.detectors...))
	}
	s, err := perception.NewSynchronizer(browser, syncCfg, a.logger, syncOpts...)
	if err != nil {
		return nil, err
	}
	a.sync = s
	return a, nil
}

// RunID returns the run's identifier.
func (a *Agent) RunID() string { return a.runID }

// Resume seeds the agent with a saved run. It must be called before Run or
// Stream; the system preamble is not repeated.
func (a *Agent) Resume(state schemas.AgentRunState) error {
	if a.state != StateInit {
		return fmt.Errorf("cannot resume: agent is %s", a.state)
	}
	a.conv.Restore(state)
	if state.RunID != "" {
		a.runID = state.RunID
		a.logger = a.logger.With(zap.String("resumed_run_id", state.RunID))
	}
	a.task = state.Task
	a.step = state.Step
	a.logger.Info("Resuming run.", observability.Step(state.Step), zap.Int("messages", a.conv.Len()))
	return nil
}

// FollowUp queues a note from the human for the next perception.
func (a *Agent) FollowUp(note string) {
	if note == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.followUps = append(a.followUps, note)
}

// State exports the resumable run state.
func (a *Agent) State() schemas.AgentRunState {
	return a.conv.State(a.runID, a.task, a.step)
}

// Run executes the task to completion and returns the aggregate result.
// Reaching the step cap is not an error. On any error the browser is
// closed before returning.
func (a *Agent) Run(ctx context.Context, task string) (*Result, error) {
	if err := a.start(task); err != nil {
		return nil, err
	}
	for !a.state.terminal() {
		if err := ctx.Err(); err != nil {
			return a.abort(err), err
		}
		if _, err := a.runStep(ctx); err != nil {
			return a.abort(err), err
		}
	}
	return a.finish(), nil
}

// Stream executes the task and emits one event per completed step followed
// by exactly one terminal event. The channel is closed when the run ends.
// Cancelling ctx stops the run, closes the browser and closes the channel.
func (a *Agent) Stream(ctx context.Context, task string) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		send := func(ev Event) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if err := a.start(task); err != nil {
			send(Event{Kind: EventError, Message: err.Error(), Code: CodeOf(err)})
			return
		}
		started := a.now()
		for !a.state.terminal() {
			if err := ctx.Err(); err != nil {
				a.abort(err)
				return
			}
			rec, err := a.runStep(ctx)
			if err != nil {
				a.abort(err)
				send(Event{Kind: EventError, Message: err.Error(), Code: CodeOf(err)})
				return
			}
			if rec == nil {
				continue
			}
			if !a.state.terminal() && a.cfg.StreamTimeout > 0 && a.now().Sub(started) >= a.cfg.StreamTimeout {
				a.state = StateTimedOut
				state := a.State()
				a.logger.Warn("Stream timeout reached.", zap.Duration("timeout", a.cfg.StreamTimeout), observability.Step(a.step))
				a.metrics.RunFinished(string(StatusTimedOut))
				send(Event{Kind: EventStepTimeout, Step: rec, State: &state})
				return
			}
			if !send(Event{Kind: EventStep, Step: rec}) {
				a.abort(ctx.Err())
				return
			}
		}
		send(Event{Kind: EventFinal, Result: a.finish()})
	}()
	return out
}

func (a *Agent) start(task string) error {
	if a.state != StateInit {
		return ErrRunFinished
	}
	if a.conv.HasPreamble() {
		if task != "" && task != a.task {
			a.FollowUp(task)
		}
	} else {
		if task == "" {
			return errors.New("task must not be empty")
		}
		catalog, err := a.registry.DescribeAll()
		if err != nil {
			return err
		}
		a.task = task
		a.conv.AppendSystemAndTask(systemPrompt(catalog, a.cfg.MaxSteps, a.now()), task, outputSchema)
	}
	a.state = StateStepping
	a.logger.Info("Run started.", zap.String("task", a.task), zap.Int("max_steps", a.cfg.MaxSteps))
	return nil
}

// runStep performs one perception, decision and action cycle. It returns a
// nil record when the step cap was already reached.
func (a *Agent) runStep(ctx context.Context) (*StepRecord, error) {
	if a.step >= a.cfg.MaxSteps {
		a.state = StateExhausted
		return nil, nil
	}
	stepNo := a.step + 1
	ctx, span := a.tracer.Start(ctx, "agent.step", trace.WithAttributes(
		attribute.String("run_id", a.runID),
		attribute.Int("step", stepNo),
	))
	defer span.End()
	traceID := observability.TraceID(span)
	logger := a.logger.With(observability.Step(stepNo), zap.String("trace_id", traceID))
	started := time.Now()

	snap, err := a.sync.Capture(ctx)
	if err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("capture page state: %w", err)
	}

	followUp := a.takeFollowUps()
	var previous *schemas.ToolResult
	if a.prev != nil {
		previous = conversation.ResultOf(a.prevAction, *a.prev)
	}
	a.conv.AppendPerception(stepNo, snap, previous, followUp)

	resp, err := a.llm.Call(ctx, a.conv.Visible(), schemas.CallOptions{
		Temperature: a.cfg.Temperature,
		MaxTokens:   a.cfg.MaxTokens,
		ForceJSON:   true,
	})
	if err != nil {
		a.rollback(followUp)
		observability.RecordError(span, err)
		return nil, fmt.Errorf("%w: %w", ErrModelCall, err)
	}
	a.usage.Add(resp.Usage)

	decision, err := ParseDecision(resp.Content)
	if err != nil {
		a.rollback(followUp)
		logger.Warn("Failed to parse model reply.", zap.String("raw_response", clip(resp.Content)), zap.Error(err))
		observability.RecordError(span, err)
		return nil, err
	}

	turn := conversation.ModelTurn{
		Step:     stepNo,
		Output:   decision.canonical(),
		Thinking: resp.Thinking,
	}
	if a.cfg.KeepStepScreenshots {
		turn.Screenshot = snap.RawScreenshot
	}
	a.conv.AppendModelTurn(turn)

	logger.Debug("Executing action.", zap.String("action", decision.Action.Name), zap.String("summary", decision.Summary))
	outcome, err := a.registry.Invoke(ctx, decision.Action, actions.Env{Browser: a.browser, Snapshot: snap, Logger: logger})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if !recoverable(err) {
			observability.RecordError(span, err)
			return nil, err
		}
		logger.Info("Action failed, reporting back to the model.", zap.String("action", decision.Action.Name), zap.Error(err))
		outcome = schemas.ActionOutcome{Error: fmt.Sprintf("%s: %v", CodeOf(err), err)}
	}

	a.step = stepNo
	a.prev = &outcome
	a.prevAction = decision.Action.Name
	rec := StepRecord{
		Step:       stepNo,
		TraceID:    traceID,
		URL:        snap.URL,
		Thought:    decision.Thought,
		Summary:    decision.Summary,
		Action:     decision.Action,
		Outcome:    outcome,
		Usage:      resp.Usage,
		Duration:   time.Since(started),
		Screenshot: snap.Screenshot(),
	}
	a.history = append(a.history, rec)
	a.metrics.StepCompleted(decision.Action.Name, outcomeLabel(outcome), rec.Duration)

	switch {
	case outcome.Done:
		a.state = StateDone
	case a.step >= a.cfg.MaxSteps:
		a.state = StateExhausted
		logger.Warn("Step cap reached.", zap.Int("max_steps", a.cfg.MaxSteps))
	}
	a.checkpoint(ctx, logger)
	observability.SetOK(span)
	return &rec, nil
}

// rollback removes the perception appended for a step whose decision could
// not be obtained, so a retry does not duplicate it.
func (a *Agent) rollback(followUp string) {
	if last, ok := a.conv.Last(); ok && last.Entry == schemas.EntryPerception {
		_, _ = a.conv.RemoveLast()
	}
	if followUp != "" {
		a.mu.Lock()
		a.followUps = append([]string{followUp}, a.followUps...)
		a.mu.Unlock()
	}
}

func (a *Agent) takeFollowUps() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.followUps) == 0 {
		return ""
	}
	note := a.followUps[0]
	for _, n := range a.followUps[1:] {
		note += "\n" + n
	}
	a.followUps = nil
	return note
}

func (a *Agent) checkpoint(ctx context.Context, logger *zap.Logger) {
	if a.store == nil {
		return
	}
	if err := a.store.Save(ctx, a.State()); err != nil {
		logger.Warn("Failed to save run checkpoint.", zap.Error(err))
	}
}

// abort marks the run failed and closes the browser.
func (a *Agent) abort(err error) *Result {
	a.state = StateFailed
	a.teardown()
	a.metrics.RunFinished(string(StatusFailed))
	if errors.Is(err, context.Canceled) {
		a.logger.Info("Run cancelled.", observability.Step(a.step))
	} else {
		a.logger.Error("Run aborted.", observability.Step(a.step), zap.String("code", string(CodeOf(err))), zap.Error(err))
	}
	res := a.result(StatusFailed)
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

func (a *Agent) finish() *Result {
	status := StatusExhausted
	if a.state == StateDone {
		status = StatusDone
		if a.prev != nil && a.prev.Handoff {
			status = StatusHandoff
		}
	}
	a.metrics.RunFinished(string(status))
	a.logger.Info("Run finished.", zap.String("status", string(status)), zap.Int("steps", a.step),
		zap.Int("prompt_tokens", a.usage.PromptTokens), zap.Int("completion_tokens", a.usage.CompletionTokens))
	return a.result(status)
}

func (a *Agent) result(status Status) *Result {
	res := &Result{
		RunID:   a.runID,
		Task:    a.task,
		Status:  status,
		Steps:   a.step,
		Usage:   a.usage,
		History: append([]StepRecord(nil), a.history...),
	}
	if a.state == StateDone && a.prev != nil {
		res.Output = a.prev.Content
		res.Error = a.prev.Error
	}
	return res
}

// teardown closes the browser exactly once.
func (a *Agent) teardown() {
	a.closeOnce.Do(func() {
		if err := a.browser.Close(); err != nil {
			a.logger.Warn("Failed to close browser.", zap.Error(err))
		}
	})
}

func outcomeLabel(o schemas.ActionOutcome) string {
	switch {
	case o.Failed():
		return "failed"
	case o.Handoff:
		return "handoff"
	case o.Done:
		return "done"
	default:
		return "ok"
	}
}

func clip(s string) string {
	if len(s) <= maxLoggedResponse {
		return s
	}
	return s[:maxLoggedResponse] + "..."
}
