package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/agent"
	"github.com/xkilldash9x/pagepilot/internal/browser"
	"github.com/xkilldash9x/pagepilot/internal/config"
	"github.com/xkilldash9x/pagepilot/internal/llmclient"
	"github.com/xkilldash9x/pagepilot/internal/observability"
	"github.com/xkilldash9x/pagepilot/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Allows swapping the heavy collaborators in tests.
var (
	newBrowser = func(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (schemas.Browser, error) {
		return browser.NewSession(ctx, cfg, logger)
	}
	newLLMClient = llmclient.NewClient
	newRunStore  = store.New
)

type runOptions struct {
	Task    string
	URL     string
	Resume  string
	Stream  bool
	Timeout time.Duration
	Format  string
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}

	runCmd := &cobra.Command{
		Use:   "run [task]",
		Short: "Runs the agent until the task is done, handed off or the step limit is reached",
		Example: `  pagepilot run --url https://example.com "find the pricing page and report the cheapest plan"
  pagepilot run --resume 01J9Z3C1V8 --stream`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			if opts.Task == "" && len(args) > 0 {
				opts.Task = strings.Join(args, " ")
			}
			if err := applyRunFlagOverrides(cmd, cfg); err != nil {
				return err
			}
			if opts.Task == "" && opts.Resume == "" {
				return errors.New("a task is required (pass it as an argument or with --task)")
			}
			switch opts.Format {
			case "json", "text":
			default:
				return fmt.Errorf("unsupported output format: %s", opts.Format)
			}
			return runAgent(cmd.Context(), cfg, *opts, cmd.OutOrStdout(), observability.GetLogger())
		},
	}

	runCmd.Flags().StringVarP(&opts.Task, "task", "t", "", "Natural language task for the agent.")
	runCmd.Flags().StringVarP(&opts.URL, "url", "u", "", "Page to open before the first step.")
	runCmd.Flags().StringVar(&opts.Resume, "resume", "", "Run id of a saved run to continue.")
	runCmd.Flags().BoolVar(&opts.Stream, "stream", false, "Print each step as it completes.")
	runCmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "Overall deadline for the run. Zero means none.")
	runCmd.Flags().StringVarP(&opts.Format, "output", "o", "text", "Output format ('text' or 'json').")

	// Config overrides.
	runCmd.Flags().Int("max-steps", 0, "Maximum number of steps. (Overrides config/env)")
	runCmd.Flags().Duration("stream-timeout", 0, "Wall clock budget for a streamed run. (Overrides config/env)")
	runCmd.Flags().Bool("headless", true, "Run the browser without a window. (Overrides config/env)")
	runCmd.Flags().String("remote-url", "", "DevTools websocket URL of an already running browser. (Overrides config/env)")

	return runCmd
}

// applyRunFlagOverrides copies explicitly set flags onto the config.
func applyRunFlagOverrides(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("max-steps") {
		n, err := flags.GetInt("max-steps")
		if err != nil {
			return err
		}
		if n <= 0 {
			return fmt.Errorf("--max-steps must be positive, got %d", n)
		}
		cfg.Agent.MaxSteps = n
	}
	if flags.Changed("stream-timeout") {
		d, err := flags.GetDuration("stream-timeout")
		if err != nil {
			return err
		}
		cfg.Agent.StreamTimeout = d
	}
	if flags.Changed("headless") {
		h, err := flags.GetBool("headless")
		if err != nil {
			return err
		}
		cfg.Browser.Headless = h
	}
	if flags.Changed("remote-url") {
		u, err := flags.GetString("remote-url")
		if err != nil {
			return err
		}
		cfg.Browser.RemoteURL = u
	}
	return nil
}

// runAgent wires the collaborators, executes one run and writes the result.
func runAgent(ctx context.Context, cfg *config.Config, opts runOptions, out io.Writer, logger *zap.Logger) (err error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	// 1. Observability
	tp, shutdownTracing, err := observability.SetupTracing(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("Failed to flush traces", zap.Error(err))
		}
	}()

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics()
		stop := serveMetrics(ctx, cfg.Metrics.Addr, metrics.Handler(), logger)
		defer stop()
	}

	// 2. Run state store and resume state
	runStore, err := newRunStore(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize run store: %w", err)
	}
	if runStore != nil {
		defer runStore.Close()
	}

	var resumed *schemas.AgentRunState
	if opts.Resume != "" {
		resumed, err = loadRunState(ctx, runStore, opts.Resume)
		if err != nil {
			return err
		}
		if opts.Task == "" {
			opts.Task = resumed.Task
		}
	}

	// 3. Model and browser
	llm, err := newLLMClient(ctx, cfg.LLM, logger, metrics)
	if err != nil {
		return fmt.Errorf("failed to initialize model client: %w", err)
	}

	b, err := newBrowser(ctx, cfg.Browser, logger)
	if err != nil {
		return fmt.Errorf("failed to start browser: %w", err)
	}
	// The agent closes the browser itself on abort; Close is idempotent.
	defer b.Close()

	agentOpts := []agent.Option{
		agent.WithTracer(observability.Tracer(tp)),
		agent.WithMetrics(metrics),
	}
	if runStore != nil {
		agentOpts = append(agentOpts, agent.WithCheckpointer(runStore))
	}
	if resumed != nil {
		agentOpts = append(agentOpts, agent.WithRunID(resumed.RunID))
	}
	a, err := agent.New(b, llm, cfg.Agent, logger, agentOpts...)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	if resumed != nil {
		if err := a.Resume(*resumed); err != nil {
			return err
		}
	}

	if opts.URL != "" {
		if err := b.Goto(ctx, opts.URL); err != nil {
			return fmt.Errorf("failed to open %s: %w", opts.URL, err)
		}
	}

	logger.Info("Starting run",
		observability.RunID(a.RunID()),
		zap.Int("max_steps", cfg.Agent.MaxSteps),
		zap.Bool("resumed", resumed != nil),
		zap.Bool("stream", opts.Stream),
	)

	// 4. Execute
	if opts.Stream {
		return streamRun(ctx, a, opts, out)
	}
	res, runErr := a.Run(ctx, opts.Task)
	if res != nil {
		if err := writeResult(out, res, opts.Format); err != nil {
			return err
		}
	}
	return runErr
}

func loadRunState(ctx context.Context, runStore store.Store, runID string) (*schemas.AgentRunState, error) {
	if runStore == nil {
		return nil, errors.New("--resume needs a run store; set store.backend")
	}
	state, err := runStore.Load(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("no saved run with id %s", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	return state, nil
}

func streamRun(ctx context.Context, a *agent.Agent, opts runOptions, out io.Writer) error {
	for ev := range a.Stream(ctx, opts.Task) {
		if err := writeEvent(out, ev, opts.Format); err != nil {
			return err
		}
		if ev.Kind == agent.EventError {
			return fmt.Errorf("run %s failed [%s]: %s", a.RunID(), ev.Code, ev.Message)
		}
	}
	// Cancellation closes the stream without a terminal event.
	return ctx.Err()
}

// serveMetrics exposes the Prometheus handler until the returned stop is
// called or ctx ends.
func serveMetrics(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return func() {
		cancel()
		if err := g.Wait(); err != nil {
			logger.Warn("Metrics server stopped with error", zap.Error(err))
		}
	}
}

// -- Output --

func writeResult(out io.Writer, res *agent.Result, format string) error {
	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	fmt.Fprintf(out, "\nRun %s finished: %s after %d step(s)\n", res.RunID, res.Status, res.Steps)
	if res.Output != nil {
		fmt.Fprintf(out, "Output: %s\n", formatOutput(res.Output))
	}
	if res.Error != "" {
		fmt.Fprintf(out, "Error: %s\n", res.Error)
	}
	fmt.Fprintf(out, "Tokens: %d prompt, %d completion\n", res.Usage.PromptTokens, res.Usage.CompletionTokens)
	return nil
}

type eventLine struct {
	Kind    agent.EventKind        `json:"kind"`
	Step    *agent.StepRecord      `json:"step,omitempty"`
	State   *schemas.AgentRunState `json:"state,omitempty"`
	Message string                 `json:"message,omitempty"`
	Code    agent.ErrorCode        `json:"code,omitempty"`
	Result  *agent.Result          `json:"result,omitempty"`
}

func writeEvent(out io.Writer, ev agent.Event, format string) error {
	if format == "json" {
		line := eventLine{Kind: ev.Kind, Step: ev.Step, Message: ev.Message, Code: ev.Code, Result: ev.Result}
		if ev.Kind == agent.EventStepTimeout {
			line.State = ev.State
		}
		return json.NewEncoder(out).Encode(line)
	}
	switch ev.Kind {
	case agent.EventStep:
		fmt.Fprintf(out, "[step %d] %s -> %s\n", ev.Step.Step, ev.Step.Action.Name, stepStatus(ev.Step.Outcome))
		if ev.Step.Summary != "" {
			fmt.Fprintf(out, "          %s\n", ev.Step.Summary)
		}
	case agent.EventStepTimeout:
		fmt.Fprintf(out, "[step %d] stream timeout reached; resume with --resume %s\n", ev.Step.Step, ev.State.RunID)
	case agent.EventError:
		fmt.Fprintf(out, "[error] %s: %s\n", ev.Code, ev.Message)
	case agent.EventFinal:
		return writeResult(out, ev.Result, format)
	}
	return nil
}

func stepStatus(o schemas.ActionOutcome) string {
	if o.Failed() {
		return "error: " + o.Error
	}
	return "ok"
}

func formatOutput(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
