package llmclient

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/config"
)

type fakeGeminiModels struct {
	resp *genai.GenerateContentResponse
	err  error

	model    string
	contents []*genai.Content
	config   *genai.GenerateContentConfig
}

func (f *fakeGeminiModels) GenerateContent(_ context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.model, f.contents, f.config = model, contents, cfg
	return f.resp, f.err
}

func textResponse(parts ...*genai.Part) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: &genai.Content{Role: "model", Parts: parts}}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{
			PromptTokenCount:     120,
			CandidatesTokenCount: 30,
			TotalTokenCount:      150,
		},
	}
}

func TestNewGeminiClient_RequiresKey(t *testing.T) {
	logger, _ := setupTestLogger(t)
	cfg := getValidModelConfig(config.ProviderGemini)
	cfg.APIKey = ""
	_, err := NewGeminiClient(context.Background(), cfg, logger)
	assert.ErrorContains(t, err, "API key is required")
}

func TestGeminiClient_BuildRequest(t *testing.T) {
	logger, _ := setupTestLogger(t)
	fake := &fakeGeminiModels{resp: textResponse(genai.NewPartFromText("ok"))}
	client := newGeminiClient(fake, getValidModelConfig(config.ProviderGemini), logger)

	_, err := client.Call(context.Background(), conversation(), schemas.CallOptions{Temperature: 0.2, MaxTokens: 512, ForceJSON: true})
	require.NoError(t, err)

	assert.Equal(t, "test-model", fake.model)
	require.NotNil(t, fake.config)
	assert.Equal(t, float32(0.2), *fake.config.Temperature)
	assert.Equal(t, int32(512), fake.config.MaxOutputTokens)
	assert.Equal(t, "application/json", fake.config.ResponseMIMEType)
	assert.Equal(t, float32(40), *fake.config.TopK)
	require.NotNil(t, fake.config.SystemInstruction)
	assert.Equal(t, "You are a browser agent.", fake.config.SystemInstruction.Parts[0].Text)

	// task and perception merge into one user turn; the second perception
	// follows the model turn.
	require.Len(t, fake.contents, 3)
	assert.Equal(t, "user", fake.contents[0].Role)
	assert.Len(t, fake.contents[0].Parts, 2)
	assert.Equal(t, "model", fake.contents[1].Role)
	require.Len(t, fake.contents[1].Parts, 2)
	assert.Contains(t, fake.contents[1].Parts[0].Text, "<thinking>")
	last := fake.contents[2]
	require.Len(t, last.Parts, 3)
	assert.Equal(t, `<tool_result action="scroll">ok</tool_result>`, last.Parts[0].Text)
	require.NotNil(t, last.Parts[2].InlineData)
	assert.Equal(t, "image/png", last.Parts[2].InlineData.MIMEType)
}

func TestGeminiClient_ParseResponse(t *testing.T) {
	logger, _ := setupTestLogger(t)

	t.Run("SplitsThoughts", func(t *testing.T) {
		fake := &fakeGeminiModels{resp: textResponse(
			&genai.Part{Text: "thinking hard", Thought: true},
			&genai.Part{Text: `<output_1>{"action":{"name":"wait"}}</output_1>`},
		)}
		client := newGeminiClient(fake, getValidModelConfig(config.ProviderGemini), logger)
		resp, err := client.Call(context.Background(), conversation(), schemas.CallOptions{})
		require.NoError(t, err)
		assert.Equal(t, "thinking hard", resp.Thinking)
		assert.Contains(t, resp.Content, "output_1")
		assert.Equal(t, schemas.Usage{PromptTokens: 120, CompletionTokens: 30, TotalTokens: 150}, resp.Usage)
	})

	t.Run("Blocked", func(t *testing.T) {
		fake := &fakeGeminiModels{resp: &genai.GenerateContentResponse{
			PromptFeedback: &genai.GenerateContentResponsePromptFeedback{BlockReason: genai.BlockedReasonSafety},
		}}
		client := newGeminiClient(fake, getValidModelConfig(config.ProviderGemini), logger)
		_, err := client.Call(context.Background(), conversation(), schemas.CallOptions{})
		assert.ErrorIs(t, err, ErrBlocked)
		assert.False(t, retryable(err))
	})

	t.Run("EmptyCandidate", func(t *testing.T) {
		fake := &fakeGeminiModels{resp: textResponse()}
		client := newGeminiClient(fake, getValidModelConfig(config.ProviderGemini), logger)
		_, err := client.Call(context.Background(), conversation(), schemas.CallOptions{})
		assert.ErrorIs(t, err, ErrEmptyResponse)
	})
}

func TestGeminiClient_ClassifiesAPIErrors(t *testing.T) {
	logger, logs := setupTestLogger(t)
	fake := &fakeGeminiModels{err: genai.APIError{Code: 429, Message: "quota exhausted"}}
	client := newGeminiClient(fake, getValidModelConfig(config.ProviderGemini), logger)

	_, err := client.Call(context.Background(), conversation(), schemas.CallOptions{})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 429, se.StatusCode)
	assert.True(t, retryable(err))
	assert.Equal(t, 1, logs.FilterMessage("Gemini API returned error status").Len())

	fake.err = genai.APIError{Code: 400, Message: "bad request"}
	_, err = client.Call(context.Background(), conversation(), schemas.CallOptions{})
	assert.False(t, retryable(err))
}
