package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/config"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("browser session is closed")

// tab is one chromedp target owned by the session.
type tab struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Session drives a single Chrome instance over CDP. It implements
// schemas.Browser and, through Detect, schemas.Detector.
type Session struct {
	id     string
	cfg    config.BrowserConfig
	logger *zap.Logger

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu      sync.Mutex
	tabs    map[string]*tab
	current string
	closed  bool
}

var (
	_ schemas.Browser  = (*Session)(nil)
	_ schemas.Detector = (*Session)(nil)
)

// allocatorOptions builds the launch flags for a local browser.
func allocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", cfg.Headless),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("mute-audio", true),
	)
	if cfg.ViewportWidth > 0 && cfg.ViewportHeight > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	for _, arg := range cfg.Args {
		name, value := splitFlag(arg)
		if value == "" {
			opts = append(opts, chromedp.Flag(name, true))
		} else {
			opts = append(opts, chromedp.Flag(name, value))
		}
	}
	return opts
}

// splitFlag turns "--name=value" into its parts.
func splitFlag(arg string) (string, string) {
	for len(arg) > 0 && arg[0] == '-' {
		arg = arg[1:]
	}
	for i := 0; i < len(arg); i++ {
		if arg[i] == '=' {
			return arg[:i], arg[i+1:]
		}
	}
	return arg, ""
}

// NewSession launches (or attaches to, when RemoteURL is set) a browser and
// opens its first tab.
func NewSession(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Session, error) {
	id := uuid.New().String()
	logger = logger.Named("browser").With(zap.String("session_id", id))

	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if cfg.RemoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(Detach(ctx), cfg.RemoteURL)
	} else {
		allocCtx, allocCancel = chromedp.NewExecAllocator(Detach(ctx), allocatorOptions(cfg)...)
	}

	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(logger.Sugar().Debugf),
	)

	startCtx, cancel := CombineContext(browserCtx, ctx)
	defer cancel()
	if err := chromedp.Run(startCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	c := chromedp.FromContext(browserCtx)
	if c == nil || c.Target == nil {
		browserCancel()
		allocCancel()
		return nil, errors.New("browser started without a target")
	}
	first := string(c.Target.TargetID)

	s := &Session{
		id:            id,
		cfg:           cfg,
		logger:        logger,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		tabs:          map[string]*tab{first: {ctx: browserCtx, cancel: browserCancel}},
		current:       first,
	}
	s.logger.Info("Browser session started.", zap.Bool("remote", cfg.RemoteURL != ""), zap.Bool("headless", cfg.Headless))
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// active returns the context of the current tab.
func (s *Session) active() (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	t, ok := s.tabs[s.current]
	if !ok {
		return nil, fmt.Errorf("no active tab")
	}
	return t.ctx, nil
}

// runActions executes actions on the active tab, bounded by ctx and the
// configured action timeout.
func (s *Session) runActions(ctx context.Context, actions ...chromedp.Action) error {
	tabCtx, err := s.active()
	if err != nil {
		return err
	}
	runCtx, cancel := CombineContext(tabCtx, ctx)
	defer cancel()
	if s.cfg.ActionTimeout > 0 {
		var tcancel context.CancelFunc
		runCtx, tcancel = context.WithTimeout(runCtx, s.cfg.ActionTimeout)
		defer tcancel()
	}
	return chromedp.Run(runCtx, actions...)
}

// CurrentURL returns the URL of the active tab.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	var url string
	if err := s.runActions(ctx, chromedp.Location(&url)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return url, nil
}

// Goto navigates the active tab and waits for the load event.
func (s *Session) Goto(ctx context.Context, url string) error {
	tabCtx, err := s.active()
	if err != nil {
		return err
	}
	s.logger.Debug("Navigating.", zap.String("url", url))

	opCtx, opCancel := CombineContext(tabCtx, ctx)
	defer opCancel()

	navTimeout := s.cfg.NavigationTimeout
	if navTimeout <= 0 {
		navTimeout = 30 * time.Second
	}
	navCtx, navCancel := context.WithTimeout(opCtx, navTimeout)
	defer navCancel()

	if err := chromedp.Run(navCtx, chromedp.Navigate(url)); err != nil {
		if opCtx.Err() != nil {
			return fmt.Errorf("navigation canceled: %w", opCtx.Err())
		}
		if errors.Is(navCtx.Err(), context.DeadlineExceeded) {
			s.stopLoading(tabCtx)
			return fmt.Errorf("navigation timed out after %s: %w", navTimeout, err)
		}
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

// stopLoading halts a navigation that outlived its deadline so the next
// capture sees a settled page.
func (s *Session) stopLoading(tabCtx context.Context) {
	ctx, cancel := context.WithTimeout(Detach(tabCtx), 2*time.Second)
	defer cancel()
	if err := chromedp.Run(ctx, page.StopLoading()); err != nil {
		s.logger.Debug("Could not stop page load.", zap.Error(err))
	}
}

// GoBack moves the active tab one entry back in its history.
func (s *Session) GoBack(ctx context.Context) error {
	if err := s.runActions(ctx, chromedp.NavigateBack()); err != nil {
		return fmt.Errorf("navigate back: %w", err)
	}
	return nil
}

// Screenshot captures the viewport with the generic capture action.
func (s *Session) Screenshot(ctx context.Context) (schemas.Image, error) {
	var buf []byte
	if err := s.runActions(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return schemas.Image{}, fmt.Errorf("capture screenshot: %w", err)
	}
	return schemas.Image{Format: schemas.ImageFormatPNG, Data: buf}, nil
}

// FastScreenshot calls Page.captureScreenshot directly, in the configured
// format and without scaling, so element rectangles map straight onto it.
func (s *Session) FastScreenshot(ctx context.Context) (schemas.Image, error) {
	format, kind := fastFormat(s.cfg.JPEGQuality)
	var data []byte
	err := s.runActions(ctx, chromedp.ActionFunc(func(c context.Context) error {
		params := page.CaptureScreenshot().WithFormat(format).WithFromSurface(true)
		if kind == schemas.ImageFormatJPEG {
			params = params.WithQuality(int64(s.cfg.JPEGQuality))
		}
		var err error
		data, err = params.Do(c)
		return err
	}))
	if err != nil {
		return schemas.Image{}, fmt.Errorf("fast screenshot: %w", err)
	}
	return schemas.Image{Format: kind, Data: data}, nil
}

// Viewport reads the window metrics and scroll extents of the active tab.
func (s *Session) Viewport(ctx context.Context) (schemas.Viewport, error) {
	var m viewportMetrics
	if err := s.runActions(ctx, chromedp.Evaluate(viewportJS, &m)); err != nil {
		return schemas.Viewport{}, fmt.Errorf("read viewport: %w", err)
	}
	return m.toViewport(), nil
}

// Cookies returns every cookie visible to the active tab.
func (s *Session) Cookies(ctx context.Context) ([]schemas.Cookie, error) {
	var cookies []*network.Cookie
	err := s.runActions(ctx, chromedp.ActionFunc(func(c context.Context) error {
		var err error
		cookies, err = network.GetCookies().Do(c)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("get cookies: %w", err)
	}
	return convertCookies(cookies), nil
}

// StorageState captures cookies, the current origin and its localStorage.
func (s *Session) StorageState(ctx context.Context) (*schemas.StorageState, error) {
	cookies, err := s.Cookies(ctx)
	if err != nil {
		return nil, err
	}
	var snapshot struct {
		Origin string            `json:"origin"`
		Items  map[string]string `json:"items"`
	}
	if err := s.runActions(ctx, chromedp.Evaluate(storageJS, &snapshot)); err != nil {
		s.logger.Warn("Could not capture localStorage.", zap.Error(err))
	}
	if snapshot.Items == nil {
		snapshot.Items = map[string]string{}
	}
	return &schemas.StorageState{
		Cookies:      cookies,
		Origin:       snapshot.Origin,
		LocalStorage: snapshot.Items,
	}, nil
}

// HTML returns the serialized document of the active tab.
func (s *Session) HTML(ctx context.Context) (string, error) {
	var markup string
	if err := s.runActions(ctx, chromedp.OuterHTML("html", &markup, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read document: %w", err)
	}
	return markup, nil
}

// Close shuts down every tab and the browser connection. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	tabs := s.tabs
	s.tabs = nil
	s.mu.Unlock()

	for id, t := range tabs {
		if t.ctx == s.browserCtx {
			continue
		}
		t.cancel()
		delete(tabs, id)
	}

	if err := chromedp.Cancel(s.browserCtx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug("Browser did not shut down cleanly.", zap.Error(err))
	}
	s.browserCancel()
	s.allocCancel()
	s.logger.Info("Browser session closed.")
	return nil
}

func convertCookies(in []*network.Cookie) []schemas.Cookie {
	out := make([]schemas.Cookie, 0, len(in))
	for _, c := range in {
		if c == nil {
			continue
		}
		out = append(out, schemas.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		})
	}
	return out
}

// fastFormat picks png unless a JPEG quality is configured.
func fastFormat(quality int) (page.CaptureScreenshotFormat, schemas.ImageFormat) {
	if quality > 0 {
		return page.CaptureScreenshotFormatJpeg, schemas.ImageFormatJPEG
	}
	return page.CaptureScreenshotFormatPng, schemas.ImageFormatPNG
}
