package llmclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/config"
)

// setupTestLogger is a helper to create a zap logger for testing with an observer.
func setupTestLogger(t *testing.T) (*zap.Logger, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	return zap.New(core), logs
}

func getValidModelConfig(provider config.LLMProvider) config.LLMModelConfig {
	return config.LLMModelConfig{
		Provider:   provider,
		APIKey:     "test-api-key",
		Model:      "test-model",
		APITimeout: 5 * time.Second,
		TopP:       0.9,
		TopK:       40,
	}
}

func fastLLMConfig() config.LLMConfig {
	return config.LLMConfig{
		Retry: config.RetryConfig{
			InitialInterval: time.Millisecond,
			MaxInterval:     2 * time.Millisecond,
			MaxElapsed:      time.Second,
		},
		Breaker: config.BreakerConfig{MaxFailures: 2, OpenTimeout: time.Minute},
	}
}

// conversation is a small system/task/perception/answer/perception dialogue.
func conversation() []schemas.Message {
	return []schemas.Message{
		{Role: schemas.RoleSystem, Entry: schemas.EntryPreamble, Parts: []schemas.Part{schemas.TextPart("You are a browser agent.")}},
		{Role: schemas.RoleUser, Entry: schemas.EntryTask, Parts: []schemas.Part{schemas.TextPart("<user_request>find the price</user_request>")}},
		{Role: schemas.RoleUser, Entry: schemas.EntryPerception, Step: 1, Parts: []schemas.Part{
			schemas.TextPart("<browser_state step=\"1\">...</browser_state>"),
		}},
		{Role: schemas.RoleAssistant, Entry: schemas.EntryModelTurn, Step: 1, Parts: []schemas.Part{
			schemas.ThinkingPart("look for pricing"),
			schemas.TextPart(`<output_1>{"action":{"name":"scroll"}}</output_1>`),
		}},
		{Role: schemas.RoleUser, Entry: schemas.EntryPerception, Step: 2, Parts: []schemas.Part{
			{Kind: schemas.PartToolResult, ToolResult: &schemas.ToolResult{Action: "scroll", Content: "ok"}},
			{Kind: schemas.PartText, Text: "<browser_state step=\"2\">...</browser_state>", CacheBoundary: true},
			schemas.ImagePart(schemas.Image{Format: schemas.ImageFormatPNG, Data: []byte{0x89, 'P', 'N', 'G'}}),
		}},
	}
}

// scriptedBackend returns the scripted errors in order, then succeeds.
type scriptedBackend struct {
	name string
	errs []error

	mu    sync.Mutex
	calls int
}

func (b *scriptedBackend) Name() string { return b.name }

func (b *scriptedBackend) Call(ctx context.Context, _ []schemas.Message, _ schemas.CallOptions) (*schemas.ModelResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(b.errs) > 0 {
		err := b.errs[0]
		b.errs = b.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &schemas.ModelResponse{Content: "from " + b.name, Usage: schemas.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12}}, nil
}

func (b *scriptedBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}
