package schemas

import (
	"context"
)

// -- Collaborator Interfaces --

// Browser is the narrow capability surface the agent needs from a browser
// driver. Implementations own their transport; the agent only calls this
// contract and closes it on teardown.
type Browser interface {
	// CurrentURL returns the URL of the active tab.
	CurrentURL(ctx context.Context) (string, error)
	Goto(ctx context.Context, url string) error
	GoBack(ctx context.Context) error
	// Screenshot captures the viewport through the generic, scaled path.
	Screenshot(ctx context.Context) (Image, error)
	// FastScreenshot captures through the protocol directly, unscaled and in
	// a fixed format, so element coordinates line up with the pixels.
	FastScreenshot(ctx context.Context) (Image, error)
	Viewport(ctx context.Context) (Viewport, error)

	Tabs(ctx context.Context) ([]Tab, error)
	SwitchTab(ctx context.Context, id string) error
	// NewTab opens a tab and makes it active. An empty url opens about:blank.
	NewTab(ctx context.Context, url string) error
	CloseCurrentTab(ctx context.Context) error

	Cookies(ctx context.Context) ([]Cookie, error)
	StorageState(ctx context.Context) (*StorageState, error)

	// Interaction primitives, all in viewport CSS pixels.
	Click(ctx context.Context, x, y float64) error
	InsertText(ctx context.Context, text string) error
	PressKey(ctx context.Context, key string) error
	Scroll(ctx context.Context, dx, dy float64) error
	HTML(ctx context.Context) (string, error)

	// Close releases the session. It is safe to call more than once.
	Close() error
}

// Detector reports candidate interactive elements for the current page.
// specialized enables structural detection such as spreadsheet grids.
type Detector interface {
	Detect(ctx context.Context, img Image, scale float64, specialized bool) ([]InteractiveElement, error)
}

// LLMClient is the model collaborator. Implementations handle their own
// retries and fallback.
type LLMClient interface {
	Call(ctx context.Context, messages []Message, opts CallOptions) (*ModelResponse, error)
}

// RunStore persists resumable run state.
type RunStore interface {
	Save(ctx context.Context, state AgentRunState) error
	Load(ctx context.Context, runID string) (*AgentRunState, error)
}
