// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/pagepilot/api/schemas"
)

// -- Browser Mock --

// MockBrowser mocks the schemas.Browser interface.
type MockBrowser struct {
	mock.Mock
	mu     sync.Mutex
	closed int
}

func (m *MockBrowser) CurrentURL(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockBrowser) Goto(ctx context.Context, url string) error {
	return m.Called(ctx, url).Error(0)
}

func (m *MockBrowser) GoBack(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockBrowser) Screenshot(ctx context.Context) (schemas.Image, error) {
	args := m.Called(ctx)
	return args.Get(0).(schemas.Image), args.Error(1)
}

func (m *MockBrowser) FastScreenshot(ctx context.Context) (schemas.Image, error) {
	args := m.Called(ctx)
	return args.Get(0).(schemas.Image), args.Error(1)
}

func (m *MockBrowser) Viewport(ctx context.Context) (schemas.Viewport, error) {
	args := m.Called(ctx)
	return args.Get(0).(schemas.Viewport), args.Error(1)
}

func (m *MockBrowser) Tabs(ctx context.Context) ([]schemas.Tab, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.Tab), args.Error(1)
}

func (m *MockBrowser) SwitchTab(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockBrowser) NewTab(ctx context.Context, url string) error {
	return m.Called(ctx, url).Error(0)
}

func (m *MockBrowser) CloseCurrentTab(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockBrowser) Cookies(ctx context.Context) ([]schemas.Cookie, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.Cookie), args.Error(1)
}

func (m *MockBrowser) StorageState(ctx context.Context) (*schemas.StorageState, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.StorageState), args.Error(1)
}

func (m *MockBrowser) Click(ctx context.Context, x, y float64) error {
	return m.Called(ctx, x, y).Error(0)
}

func (m *MockBrowser) InsertText(ctx context.Context, text string) error {
	return m.Called(ctx, text).Error(0)
}

func (m *MockBrowser) PressKey(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

func (m *MockBrowser) Scroll(ctx context.Context, dx, dy float64) error {
	return m.Called(ctx, dx, dy).Error(0)
}

func (m *MockBrowser) HTML(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

// Close is not routed through testify so teardown can be asserted without
// an expectation in every test.
func (m *MockBrowser) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

// CloseCount reports how many times Close was called.
func (m *MockBrowser) CloseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// -- Detector Mock --

// MockDetector mocks the schemas.Detector interface.
type MockDetector struct {
	mock.Mock
}

func (m *MockDetector) Detect(ctx context.Context, img schemas.Image, scale float64, specialized bool) ([]schemas.InteractiveElement, error) {
	args := m.Called(ctx, img, scale, specialized)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.InteractiveElement), args.Error(1)
}

// -- LLM Client Mock --

// MockLLMClient mocks the schemas.LLMClient interface.
type MockLLMClient struct {
	mock.Mock
}

// Call provides a mock function for model calls.
func (m *MockLLMClient) Call(ctx context.Context, messages []schemas.Message, opts schemas.CallOptions) (*schemas.ModelResponse, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	args := m.Called(ctx, messages, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.ModelResponse), args.Error(1)
}

// -- Run Store Mock --

// MockRunStore mocks the schemas.RunStore interface.
type MockRunStore struct {
	mock.Mock
}

func (m *MockRunStore) Save(ctx context.Context, state schemas.AgentRunState) error {
	return m.Called(ctx, state).Error(0)
}

func (m *MockRunStore) Load(ctx context.Context, runID string) (*schemas.AgentRunState, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.AgentRunState), args.Error(1)
}
