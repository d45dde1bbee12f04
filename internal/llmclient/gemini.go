package llmclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/config"
)

// geminiModels is the slice of the genai client the backend calls.
type geminiModels interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiClient calls Google Gemini through the genai SDK.
type GeminiClient struct {
	models geminiModels
	cfg    config.LLMModelConfig
	logger *zap.Logger
}

// NewGeminiClient initializes the client.
func NewGeminiClient(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.Endpoint != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.Endpoint}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return newGeminiClient(client.Models, cfg, logger), nil
}

func newGeminiClient(models geminiModels, cfg config.LLMModelConfig, logger *zap.Logger) *GeminiClient {
	return &GeminiClient{
		models: models,
		cfg:    cfg,
		logger: logger.Named("llm_client.gemini"),
	}
}

// Name identifies the backend in logs and metrics.
func (c *GeminiClient) Name() string { return "gemini" }

// Call sends the conversation once. Retries belong to the caller.
func (c *GeminiClient) Call(ctx context.Context, messages []schemas.Message, opts schemas.CallOptions) (*schemas.ModelResponse, error) {
	contents, genCfg := c.buildRequest(messages, opts)

	if c.cfg.APITimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.APITimeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := c.models.GenerateContent(ctx, c.cfg.Model, contents, genCfg)
	if err != nil {
		return nil, c.classify(err)
	}
	out, err := c.parseResponse(resp)
	if err != nil {
		return nil, err
	}

	c.logger.Info("LLM generation complete (Gemini)",
		zap.Duration("duration", time.Since(start)),
		zap.Int("prompt_tokens", out.Usage.PromptTokens),
		zap.Int("completion_tokens", out.Usage.CompletionTokens),
	)
	return out, nil
}

func (c *GeminiClient) buildRequest(messages []schemas.Message, opts schemas.CallOptions) ([]*genai.Content, *genai.GenerateContentConfig) {
	system, turns := splitConversation(messages)

	genCfg := &genai.GenerateContentConfig{
		Temperature:    genai.Ptr[float32](opts.Temperature),
		SafetySettings: c.safetySettings(),
	}
	if opts.MaxTokens > 0 {
		genCfg.MaxOutputTokens = int32(opts.MaxTokens)
	}
	if c.cfg.TopP > 0 {
		genCfg.TopP = genai.Ptr[float32](c.cfg.TopP)
	}
	if c.cfg.TopK > 0 {
		genCfg.TopK = genai.Ptr[float32](float32(c.cfg.TopK))
	}
	if opts.ForceJSON {
		genCfg.ResponseMIMEType = "application/json"
	}
	if text := systemText(system); text != "" {
		genCfg.SystemInstruction = genai.NewContentFromText(text, genai.RoleUser)
	}

	contents := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		role := genai.Role(genai.RoleUser)
		if t.role == schemas.RoleAssistant {
			role = genai.RoleModel
		}
		var parts []*genai.Part
		for _, p := range t.parts {
			if p.Kind == schemas.PartImage && p.Image != nil {
				parts = append(parts, genai.NewPartFromBytes(p.Image.Data, p.Image.Format.MediaType()))
				continue
			}
			if text, ok := partText(p); ok {
				parts = append(parts, genai.NewPartFromText(text))
			}
		}
		if len(parts) > 0 {
			contents = append(contents, genai.NewContentFromParts(parts, role))
		}
	}
	return contents, genCfg
}

func (c *GeminiClient) parseResponse(resp *genai.GenerateContentResponse) (*schemas.ModelResponse, error) {
	if resp == nil {
		return nil, ErrEmptyResponse
	}
	if len(resp.Candidates) == 0 {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return nil, fmt.Errorf("%w (reason: %s)", ErrBlocked, resp.PromptFeedback.BlockReason)
		}
		return nil, ErrEmptyResponse
	}

	candidate := resp.Candidates[0]
	var text, thinking strings.Builder
	if candidate.Content != nil {
		for _, p := range candidate.Content.Parts {
			if p == nil {
				continue
			}
			if p.Thought {
				thinking.WriteString(p.Text)
			} else {
				text.WriteString(p.Text)
			}
		}
	}
	if text.Len() == 0 {
		switch candidate.FinishReason {
		case genai.FinishReasonSafety, genai.FinishReasonBlocklist, genai.FinishReasonProhibitedContent:
			return nil, fmt.Errorf("%w (reason: %s)", ErrBlocked, candidate.FinishReason)
		}
		return nil, fmt.Errorf("%w (reason: %s)", ErrEmptyResponse, candidate.FinishReason)
	}

	out := &schemas.ModelResponse{
		Content:  text.String(),
		Thinking: thinking.String(),
		Model:    c.cfg.Model,
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = schemas.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return out, nil
}

func (c *GeminiClient) classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		c.logger.Error("Gemini API returned error status", zap.Int("status", apiErr.Code), zap.String("message", apiErr.Message))
		return &StatusError{Backend: c.Name(), StatusCode: apiErr.Code, Err: err}
	}
	return fmt.Errorf("gemini request failed: %w", err)
}

func (c *GeminiClient) safetySettings() []*genai.SafetySetting {
	if len(c.cfg.SafetyFilters) == 0 {
		return nil
	}
	settings := make([]*genai.SafetySetting, 0, len(c.cfg.SafetyFilters))
	for category, threshold := range c.cfg.SafetyFilters {
		settings = append(settings, &genai.SafetySetting{
			Category:  genai.HarmCategory(category),
			Threshold: genai.HarmBlockThreshold(threshold),
		})
	}
	return settings
}
