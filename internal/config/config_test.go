// File: internal/config/config_test.go
package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "pagepilot", cfg.Logger.ServiceName)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, 1280, cfg.Browser.ViewportWidth)
	assert.Equal(t, 100, cfg.Agent.MaxSteps)
	assert.Equal(t, 10*time.Minute, cfg.Agent.StreamTimeout)
	assert.Equal(t, 3, cfg.Agent.Capture.Attempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Agent.Capture.InitialDelay)
	assert.Equal(t, 1.5, cfg.Agent.Capture.Multiplier)
	assert.Equal(t, 0.7, cfg.Agent.IoUThreshold)
	assert.Equal(t, ProviderGemini, cfg.LLM.Primary.Provider)
	assert.False(t, cfg.LLM.Secondary.Enabled())
	assert.Equal(t, uint32(3), cfg.LLM.Breaker.MaxFailures)
	assert.Equal(t, StoreFile, cfg.Store.Backend)
	assert.False(t, cfg.Tracing.Enabled)

	require.NoError(t, cfg.Validate(), "defaults must validate")
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	t.Run("Agent Validation", func(t *testing.T) {
		cfg := NewDefaultConfig()

		invalid := *cfg
		invalid.Agent.MaxSteps = 0
		err := invalid.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "max_steps must be a positive integer")

		invalid = *cfg
		invalid.Agent.Capture.Multiplier = 0.5
		err = invalid.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "capture.multiplier")

		invalid = *cfg
		invalid.Agent.GridURLPattern = "(["
		err = invalid.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "grid_url_pattern")
	})

	t.Run("LLM Validation", func(t *testing.T) {
		valid := LLMConfig{Primary: LLMModelConfig{Provider: ProviderGemini, Model: "gemini-2.5-flash"}}
		assert.NoError(t, valid.Validate())

		missing := LLMConfig{}
		assert.ErrorContains(t, missing.Validate(), "primary.provider is required")

		unknown := valid
		unknown.Secondary = LLMModelConfig{Provider: "ollama", Model: "x"}
		assert.ErrorContains(t, unknown.Validate(), "not supported")

		noModel := valid
		noModel.Secondary = LLMModelConfig{Provider: ProviderAnthropic}
		assert.ErrorContains(t, noModel.Validate(), "secondary.model is required")
	})

	t.Run("Store Validation", func(t *testing.T) {
		assert.NoError(t, (&StoreConfig{Backend: StoreNone}).Validate())
		assert.ErrorContains(t, (&StoreConfig{Backend: StoreRedis}).Validate(), "redis.addr")
		assert.ErrorContains(t, (&StoreConfig{Backend: StorePostgres}).Validate(), "postgres.url")
		assert.ErrorContains(t, (&StoreConfig{Backend: "s3"}).Validate(), "unknown backend")
	})
}

// -- Viper Integration Tests --

func TestNewConfigFromViper(t *testing.T) {
	t.Run("overrides from yaml", func(t *testing.T) {
		yamlInput := `
agent:
  max_steps: 5
  stream_timeout: 30s
llm:
  primary:
    provider: anthropic
    model: claude-sonnet-4-5
    api_key: test-key
  secondary:
    provider: gemini
    model: gemini-2.5-flash
    api_key: other-key
store:
  backend: redis
  redis:
    addr: 127.0.0.1:6380
`
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(bytes.NewBufferString(yamlInput)))

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		assert.Equal(t, 5, cfg.Agent.MaxSteps)
		assert.Equal(t, 30*time.Second, cfg.Agent.StreamTimeout)
		assert.Equal(t, ProviderAnthropic, cfg.LLM.Primary.Provider)
		assert.Equal(t, "test-key", cfg.LLM.Primary.APIKey)
		assert.True(t, cfg.LLM.Secondary.Enabled())
		assert.Equal(t, StoreRedis, cfg.Store.Backend)
		assert.Equal(t, "127.0.0.1:6380", cfg.Store.Redis.Addr)
		// Untouched defaults survive.
		assert.Equal(t, 3, cfg.Agent.Capture.Attempts)
	})

	t.Run("api key from provider environment", func(t *testing.T) {
		t.Setenv("GEMINI_API_KEY", "env-key")
		v := viper.New()
		SetDefaults(v)

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, "env-key", cfg.LLM.Primary.APIKey)
	})

	t.Run("invalid values are rejected", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("agent.max_steps", -1)

		_, err := NewConfigFromViper(v)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
	})
}
