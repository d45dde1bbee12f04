package llmclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/config"
	"github.com/xkilldash9x/pagepilot/internal/observability"
)

// Backend is a single provider client.
type Backend interface {
	schemas.LLMClient
	Name() string
}

// Resilient wraps a primary backend with rate limiting, retries and a
// circuit breaker. When the primary fails for good, or its breaker is open,
// the call goes to the secondary backend if one is configured.
type Resilient struct {
	primary   Backend
	secondary Backend
	breaker   *gobreaker.CircuitBreaker[*schemas.ModelResponse]
	limiter   *rate.Limiter
	retry     config.RetryConfig
	estimator *TokenEstimator
	metrics   *observability.Metrics
	logger    *zap.Logger
}

var _ schemas.LLMClient = (*Resilient)(nil)

// NewResilient builds the wrapper. secondary may be nil.
func NewResilient(primary, secondary Backend, cfg config.LLMConfig, logger *zap.Logger, metrics *observability.Metrics) (*Resilient, error) {
	if primary == nil {
		return nil, errors.New("a primary model backend is required")
	}
	r := &Resilient{
		primary:   primary,
		secondary: secondary,
		retry:     cfg.Retry,
		estimator: &TokenEstimator{},
		metrics:   metrics,
		logger:    logger.Named("llm_client"),
	}

	limit := rate.Inf
	if cfg.RateLimitRPS > 0 {
		limit = rate.Limit(cfg.RateLimitRPS)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	r.limiter = rate.NewLimiter(limit, burst)

	maxFailures := cfg.Breaker.MaxFailures
	if maxFailures == 0 {
		maxFailures = 3
	}
	r.breaker = gobreaker.NewCircuitBreaker[*schemas.ModelResponse](gobreaker.Settings{
		Name:        primary.Name(),
		MaxRequests: 1,
		Timeout:     cfg.Breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("Model circuit breaker changed state.",
				zap.String("backend", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return r, nil
}

// Call runs the primary, then the secondary on failure.
func (r *Resilient) Call(ctx context.Context, messages []schemas.Message, opts schemas.CallOptions) (*schemas.ModelResponse, error) {
	resp, err := r.breaker.Execute(func() (*schemas.ModelResponse, error) {
		return r.callWithRetry(ctx, r.primary, messages, opts)
	})
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if r.secondary == nil {
		return nil, fmt.Errorf("%s: %w", r.primary.Name(), err)
	}

	r.logger.Warn("Primary model unavailable, falling back to secondary.",
		zap.String("primary", r.primary.Name()),
		zap.String("secondary", r.secondary.Name()),
		zap.Bool("breaker_open", errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)),
		zap.Error(err),
	)
	resp, serr := r.callWithRetry(ctx, r.secondary, messages, opts)
	if serr != nil {
		return nil, fmt.Errorf("primary %s: %v; secondary %s: %w", r.primary.Name(), err, r.secondary.Name(), serr)
	}
	return resp, nil
}

func (r *Resilient) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if r.retry.InitialInterval > 0 {
		b.InitialInterval = r.retry.InitialInterval
	}
	if r.retry.MaxInterval > 0 {
		b.MaxInterval = r.retry.MaxInterval
	}
	b.MaxElapsedTime = r.retry.MaxElapsed
	if b.MaxElapsedTime <= 0 {
		b.MaxElapsedTime = 2 * time.Minute
	}
	b.Reset()
	return b
}

func (r *Resilient) callWithRetry(ctx context.Context, backend Backend, messages []schemas.Message, opts schemas.CallOptions) (*schemas.ModelResponse, error) {
	name := backend.Name()
	var out *schemas.ModelResponse

	operation := func() error {
		if err := r.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		start := time.Now()
		resp, err := backend.Call(ctx, messages, opts)
		duration := time.Since(start)

		if err != nil {
			r.metrics.ModelCall(name, "error", duration)
			if !retryable(err) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			r.logger.Warn("Model call failed, retrying...", zap.String("backend", name), zap.Error(err))
			return err
		}

		r.metrics.ModelCall(name, "ok", duration)
		r.estimator.fill(resp, messages)
		r.metrics.Tokens(name, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		out = resp
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(r.newBackOff(), ctx)); err != nil {
		return nil, err
	}
	return out, nil
}
