package llmclient

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/config"
)

const defaultAnthropicMaxTokens = 4096

type anthropicMessages interface {
	New(ctx context.Context, params anthropicsdk.MessageNewParams, opts ...option.RequestOption) (*anthropicsdk.Message, error)
}

// AnthropicClient calls Claude through the Anthropic SDK. Cache boundaries
// in the conversation become ephemeral cache breakpoints.
type AnthropicClient struct {
	msgs   anthropicMessages
	cfg    config.LLMModelConfig
	logger *zap.Logger
}

// NewAnthropicClient initializes the client. SDK retries are disabled; the
// resilient wrapper owns retry policy.
func NewAnthropicClient(cfg config.LLMModelConfig, logger *zap.Logger) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(cfg.Endpoint))
	}
	if cfg.APITimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.APITimeout))
	}
	client := anthropicsdk.NewClient(opts...)
	return newAnthropicClient(&client.Messages, cfg, logger), nil
}

func newAnthropicClient(msgs anthropicMessages, cfg config.LLMModelConfig, logger *zap.Logger) *AnthropicClient {
	return &AnthropicClient{
		msgs:   msgs,
		cfg:    cfg,
		logger: logger.Named("llm_client.anthropic"),
	}
}

// Name identifies the backend in logs and metrics.
func (c *AnthropicClient) Name() string { return "anthropic" }

// Call sends the conversation once.
func (c *AnthropicClient) Call(ctx context.Context, messages []schemas.Message, opts schemas.CallOptions) (*schemas.ModelResponse, error) {
	params := c.buildParams(messages, opts)

	start := time.Now()
	msg, err := c.msgs.New(ctx, params)
	if err != nil {
		return nil, c.classify(err)
	}

	var text, thinking strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "thinking":
			thinking.WriteString(block.Thinking)
		case "text":
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		if msg.StopReason == "refusal" {
			return nil, fmt.Errorf("%w (reason: %s)", ErrBlocked, msg.StopReason)
		}
		return nil, fmt.Errorf("%w (reason: %s)", ErrEmptyResponse, msg.StopReason)
	}

	usage := schemas.Usage{
		PromptTokens:     int(msg.Usage.InputTokens + msg.Usage.CacheReadInputTokens + msg.Usage.CacheCreationInputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	c.logger.Info("LLM generation complete (Anthropic)",
		zap.Duration("duration", time.Since(start)),
		zap.Int("prompt_tokens", usage.PromptTokens),
		zap.Int("completion_tokens", usage.CompletionTokens),
		zap.Int64("cache_read_tokens", msg.Usage.CacheReadInputTokens),
	)
	return &schemas.ModelResponse{
		Content:  text.String(),
		Thinking: thinking.String(),
		Usage:    usage,
		Model:    string(msg.Model),
	}, nil
}

func (c *AnthropicClient) buildParams(messages []schemas.Message, opts schemas.CallOptions) anthropicsdk.MessageNewParams {
	system, turns := splitConversation(messages)

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	params := anthropicsdk.MessageNewParams{
		Model:       anthropicsdk.Model(c.cfg.Model),
		MaxTokens:   int64(maxTokens),
		Temperature: param.NewOpt(float64(opts.Temperature)),
	}
	if c.cfg.TopP > 0 {
		params.TopP = param.NewOpt(float64(c.cfg.TopP))
	}
	if c.cfg.TopK > 0 {
		params.TopK = param.NewOpt(int64(c.cfg.TopK))
	}

	if text := systemText(system); text != "" {
		params.System = []anthropicsdk.TextBlockParam{{
			Text:         text,
			CacheControl: anthropicsdk.NewCacheControlEphemeralParam(),
		}}
	}

	for _, t := range turns {
		blocks := make([]anthropicsdk.ContentBlockParamUnion, 0, len(t.parts))
		for _, p := range t.parts {
			if block, ok := anthropicBlock(p); ok {
				blocks = append(blocks, block)
			}
		}
		if len(blocks) == 0 {
			continue
		}
		role := anthropicsdk.MessageParamRoleUser
		if t.role == schemas.RoleAssistant {
			role = anthropicsdk.MessageParamRoleAssistant
		}
		params.Messages = append(params.Messages, anthropicsdk.MessageParam{Role: role, Content: blocks})
	}
	return params
}

func anthropicBlock(p schemas.Part) (anthropicsdk.ContentBlockParamUnion, bool) {
	if p.Kind == schemas.PartImage {
		if p.Image == nil {
			return anthropicsdk.ContentBlockParamUnion{}, false
		}
		data := base64.StdEncoding.EncodeToString(p.Image.Data)
		return anthropicsdk.NewImageBlockBase64(p.Image.Format.MediaType(), data), true
	}
	text, ok := partText(p)
	if !ok {
		return anthropicsdk.ContentBlockParamUnion{}, false
	}
	if p.Kind == schemas.PartText && p.CacheBoundary {
		return anthropicsdk.ContentBlockParamUnion{
			OfText: &anthropicsdk.TextBlockParam{
				Text:         text,
				CacheControl: anthropicsdk.NewCacheControlEphemeralParam(),
			},
		}, true
	}
	return anthropicsdk.NewTextBlock(text), true
}

func (c *AnthropicClient) classify(err error) error {
	var apiErr *anthropicsdk.Error
	if errors.As(err, &apiErr) {
		c.logger.Error("Anthropic API returned error status", zap.Int("status", apiErr.StatusCode))
		return &StatusError{Backend: c.Name(), StatusCode: apiErr.StatusCode, Err: err}
	}
	return fmt.Errorf("anthropic request failed: %w", err)
}
