package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/config"
	"github.com/xkilldash9x/pagepilot/internal/mocks"
	"github.com/xkilldash9x/pagepilot/internal/observability"
	"github.com/xkilldash9x/pagepilot/internal/store"
)

func TestMain(m *testing.M) {
	// The global logger initializes once; pin it to a silent sink so command
	// tests never create log files.
	observability.Initialize(config.LoggerConfig{Level: "fatal", Format: "console", ServiceName: "test"}, zapcore.AddSync(io.Discard))
	os.Exit(m.Run())
}

// newTestConfig returns defaults tuned for fast runs against mocks.
func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.Agent.Capture.InitialDelay = time.Millisecond
	cfg.Store = config.StoreConfig{Backend: config.StoreFile, Dir: t.TempDir()}
	return cfg
}

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// stubBrowser wires every call a capture cycle makes.
func stubBrowser() *mocks.MockBrowser {
	b := new(mocks.MockBrowser)
	b.On("CurrentURL", mock.Anything).Return("https://example.com", nil)
	b.On("FastScreenshot", mock.Anything).Return(schemas.Image{Format: schemas.ImageFormatPNG, Data: []byte("png")}, nil)
	b.On("Viewport", mock.Anything).Return(schemas.Viewport{Width: 1280, Height: 800, DevicePixelRatio: 1}, nil)
	b.On("Tabs", mock.Anything).Return([]schemas.Tab{{ID: "t1", URL: "https://example.com", Title: "Example"}}, nil)
	return b
}

func doneReply(step int, output string) *schemas.ModelResponse {
	return &schemas.ModelResponse{
		Content: fmt.Sprintf(`<output_%d>{"thought":"t","summary":"finished","action":{"name":"done","params":{"output":%q}}}</output_%d>`, step, output, step),
		Usage:   schemas.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12},
	}
}

// stubCollaborators swaps the browser and model factories for mocks and
// restores them when the test ends.
func stubCollaborators(t *testing.T, b schemas.Browser, llm schemas.LLMClient) {
	t.Helper()
	origBrowser, origLLM, origStore := newBrowser, newLLMClient, newRunStore
	t.Cleanup(func() {
		newBrowser, newLLMClient, newRunStore = origBrowser, origLLM, origStore
	})

	newBrowser = func(context.Context, config.BrowserConfig, *zap.Logger) (schemas.Browser, error) {
		return b, nil
	}
	newLLMClient = func(context.Context, config.LLMConfig, *zap.Logger, *observability.Metrics) (schemas.LLMClient, error) {
		return llm, nil
	}
	newRunStore = store.New
}
