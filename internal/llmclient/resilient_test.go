package llmclient

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/config"
	"github.com/xkilldash9x/pagepilot/internal/observability"
)

func transient(backend string) error {
	return &StatusError{Backend: backend, StatusCode: http.StatusServiceUnavailable, Err: errors.New("overloaded")}
}

func permanent(backend string) error {
	return &StatusError{Backend: backend, StatusCode: http.StatusBadRequest, Err: errors.New("bad request")}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"rate limited", &StatusError{StatusCode: 429}, true},
		{"server error", &StatusError{StatusCode: 500}, true},
		{"overloaded", &StatusError{StatusCode: 529}, true},
		{"unauthorized", &StatusError{StatusCode: 401}, false},
		{"bad request", &StatusError{StatusCode: 400}, false},
		{"blocked", ErrBlocked, false},
		{"empty", ErrEmptyResponse, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryable(tt.err))
		})
	}
}

func TestResilient_RetriesTransientErrors(t *testing.T) {
	metrics := observability.NewMetrics()
	primary := &scriptedBackend{name: "primary", errs: []error{transient("primary"), transient("primary")}}
	r, err := NewResilient(primary, nil, fastLLMConfig(), zap.NewNop(), metrics)
	require.NoError(t, err)

	resp, err := r.Call(context.Background(), conversation(), schemas.CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, "from primary", resp.Content)
	assert.Equal(t, 3, primary.Calls())

	// error and ok series for the primary backend.
	count, err := testutil.GatherAndCount(metrics.Registry(), "pagepilot_model_calls_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestResilient_PermanentErrorIsNotRetried(t *testing.T) {
	primary := &scriptedBackend{name: "primary", errs: []error{permanent("primary")}}
	r, err := NewResilient(primary, nil, fastLLMConfig(), zap.NewNop(), nil)
	require.NoError(t, err)

	_, err = r.Call(context.Background(), conversation(), schemas.CallOptions{})
	require.Error(t, err)
	var se *StatusError
	assert.True(t, errors.As(err, &se))
	assert.Equal(t, 1, primary.Calls())
}

func TestResilient_FallsBackToSecondary(t *testing.T) {
	logger, logs := setupTestLogger(t)
	primary := &scriptedBackend{name: "primary", errs: []error{permanent("primary")}}
	secondary := &scriptedBackend{name: "secondary"}
	r, err := NewResilient(primary, secondary, fastLLMConfig(), logger, nil)
	require.NoError(t, err)

	resp, err := r.Call(context.Background(), conversation(), schemas.CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, "from secondary", resp.Content)
	assert.Equal(t, 1, logs.FilterMessage("Primary model unavailable, falling back to secondary.").Len())
}

func TestResilient_OpenBreakerSkipsPrimary(t *testing.T) {
	primary := &scriptedBackend{name: "primary", errs: []error{permanent("primary"), permanent("primary"), permanent("primary")}}
	secondary := &scriptedBackend{name: "secondary"}
	r, err := NewResilient(primary, secondary, fastLLMConfig(), zap.NewNop(), nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		resp, err := r.Call(context.Background(), conversation(), schemas.CallOptions{})
		require.NoError(t, err)
		assert.Equal(t, "from secondary", resp.Content)
	}
	// MaxFailures is 2: the third call never reaches the primary.
	assert.Equal(t, 2, primary.Calls())
	assert.Equal(t, 3, secondary.Calls())
}

func TestResilient_BothFail(t *testing.T) {
	primary := &scriptedBackend{name: "primary", errs: []error{permanent("primary")}}
	secondary := &scriptedBackend{name: "secondary", errs: []error{permanent("secondary")}}
	r, err := NewResilient(primary, secondary, fastLLMConfig(), zap.NewNop(), nil)
	require.NoError(t, err)

	_, err = r.Call(context.Background(), conversation(), schemas.CallOptions{})
	require.Error(t, err)
	assert.ErrorContains(t, err, "primary primary")
	assert.ErrorContains(t, err, "secondary secondary")
}

func TestResilient_CancelledContext(t *testing.T) {
	primary := &scriptedBackend{name: "primary"}
	secondary := &scriptedBackend{name: "secondary"}
	r, err := NewResilient(primary, secondary, fastLLMConfig(), zap.NewNop(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Call(ctx, conversation(), schemas.CallOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, secondary.Calls())
}

func TestResilient_RequiresPrimary(t *testing.T) {
	_, err := NewResilient(nil, nil, config.LLMConfig{}, zap.NewNop(), nil)
	assert.Error(t, err)
}

func TestTokenEstimator_Fallback(t *testing.T) {
	orig := loadEncoding
	loadEncoding = func() (func(string) int, error) { return nil, errors.New("offline") }
	defer func() { loadEncoding = orig }()

	e := &TokenEstimator{}
	assert.Equal(t, 2, e.Count("abcdefgh"))

	resp := &schemas.ModelResponse{Content: "abcd"}
	e.fill(resp, conversation())
	assert.Equal(t, 1, resp.Usage.CompletionTokens)
	assert.Greater(t, resp.Usage.PromptTokens, imageTokens)
	assert.Equal(t, resp.Usage.PromptTokens+1, resp.Usage.TotalTokens)

	reported := &schemas.ModelResponse{Content: "abcd", Usage: schemas.Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10}}
	e.fill(reported, conversation())
	assert.Equal(t, schemas.Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10}, reported.Usage)
}

func TestNewClient(t *testing.T) {
	logger, _ := setupTestLogger(t)

	cfg := fastLLMConfig()
	cfg.Primary = getValidModelConfig("openai")
	_, err := NewClient(context.Background(), cfg, logger, nil)
	assert.ErrorContains(t, err, "unsupported LLM provider")

	cfg.Primary = getValidModelConfig(config.ProviderAnthropic)
	cfg.Secondary = getValidModelConfig(config.ProviderAnthropic)
	cfg.Secondary.APIKey = ""
	_, err = NewClient(context.Background(), cfg, logger, nil)
	assert.ErrorContains(t, err, "secondary model")

	cfg.Secondary = config.LLMModelConfig{}
	client, err := NewClient(context.Background(), cfg, logger, nil)
	require.NoError(t, err)
	assert.IsType(t, &Resilient{}, client)
}
