package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/config"
	"github.com/xkilldash9x/pagepilot/internal/observability"
)

// NewBackend creates a provider client from its configuration.
func NewBackend(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (Backend, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		return NewGeminiClient(ctx, cfg, logger)
	case config.ProviderAnthropic:
		return NewAnthropicClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s, %s]",
			cfg.Provider, config.ProviderGemini, config.ProviderAnthropic)
	}
}

// NewClient builds the resilient model client described by cfg.
func NewClient(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger, metrics *observability.Metrics) (schemas.LLMClient, error) {
	primary, err := NewBackend(ctx, cfg.Primary, logger)
	if err != nil {
		return nil, fmt.Errorf("primary model: %w", err)
	}
	var secondary Backend
	if cfg.Secondary.Enabled() {
		secondary, err = NewBackend(ctx, cfg.Secondary, logger)
		if err != nil {
			return nil, fmt.Errorf("secondary model: %w", err)
		}
	}
	return NewResilient(primary, secondary, cfg, logger, metrics)
}
