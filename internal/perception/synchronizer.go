package perception

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/observability"
)

// ErrCaptureFailed is returned when every capture attempt failed and no
// earlier snapshot is available to fall back to.
var ErrCaptureFailed = errors.New("transient capture failure")

// SyncConfig tunes the capture retry and detection behaviour.
type SyncConfig struct {
	Attempts     int
	InitialDelay time.Duration
	Multiplier   float64
	// GridURLPattern enables specialized grid detection for matching URLs.
	GridURLPattern string
	IoUThreshold   float64
}

// DefaultSyncConfig returns three attempts starting at 500ms and growing by 1.5x.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		Attempts:       3,
		InitialDelay:   500 * time.Millisecond,
		Multiplier:     1.5,
		GridURLPattern: `^https://docs\.google\.com/spreadsheets/`,
		IoUThreshold:   DefaultIoUThreshold,
	}
}

// Synchronizer runs one full perception cycle per call: screenshot,
// detection, resolution, annotation and snapshot assembly.
type Synchronizer struct {
	browser   schemas.Browser
	detectors []schemas.Detector
	annotator *Annotator
	cfg       SyncConfig
	grid      *regexp.Regexp
	logger    *zap.Logger
	tracer    trace.Tracer
	metrics   *observability.Metrics
	// timer paces the waits between attempts; nil uses a real timer.
	timer backoff.Timer

	last *schemas.PageSnapshot
}

// SyncOption customizes a Synchronizer.
type SyncOption func(*Synchronizer)

// WithDetectors replaces the default detection source.
func WithDetectors(detectors ...schemas.Detector) SyncOption {
	return func(s *Synchronizer) { s.detectors = detectors }
}

// WithTracer sets the tracer used for capture spans.
func WithTracer(t trace.Tracer) SyncOption {
	return func(s *Synchronizer) { s.tracer = t }
}

// WithMetrics records capture failures and stale fallbacks.
func WithMetrics(m *observability.Metrics) SyncOption {
	return func(s *Synchronizer) { s.metrics = m }
}

// NewSynchronizer builds a synchronizer for browser. When no detectors are
// configured and the browser can detect elements itself, it becomes the
// single default source.
func NewSynchronizer(browser schemas.Browser, cfg SyncConfig, logger *zap.Logger, opts ...SyncOption) (*Synchronizer, error) {
	if browser == nil {
		return nil, errors.New("synchronizer requires a browser")
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	if cfg.IoUThreshold <= 0 {
		cfg.IoUThreshold = DefaultIoUThreshold
	}

	s := &Synchronizer{
		browser:   browser,
		cfg:       cfg,
		logger:    logger.Named("synchronizer"),
		tracer:    observability.NoopTracer(),
		annotator: NewAnnotator(logger),
	}
	if cfg.GridURLPattern != "" {
		re, err := regexp.Compile(cfg.GridURLPattern)
		if err != nil {
			return nil, fmt.Errorf("invalid grid url pattern: %w", err)
		}
		s.grid = re
	}
	for _, opt := range opts {
		opt(s)
	}
	if len(s.detectors) == 0 {
		if d, ok := browser.(schemas.Detector); ok {
			s.detectors = []schemas.Detector{d}
		}
	}
	return s, nil
}

// Last returns the most recent successful snapshot, if any.
func (s *Synchronizer) Last() *schemas.PageSnapshot {
	return s.last
}

// Capture produces a fresh snapshot, retrying transient failures with
// exponential backoff. When all attempts fail it returns the previous good
// snapshot instead of an error, if there is one.
func (s *Synchronizer) Capture(ctx context.Context) (*schemas.PageSnapshot, error) {
	ctx, span := s.tracer.Start(ctx, "perception.capture")
	defer span.End()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialDelay
	b.Multiplier = s.cfg.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	attempt := 0
	var snap *schemas.PageSnapshot
	operation := func() error {
		attempt++
		var err error
		snap, err = s.cycle(ctx)
		if err != nil {
			s.metrics.CaptureFailed()
			s.logger.Debug("Capture attempt failed.", zap.Int("attempt", attempt), zap.Error(err))
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.cfg.Attempts-1)), ctx)
	err := backoff.RetryNotifyWithTimer(operation, policy, nil, s.timer)
	span.SetAttributes(attribute.Int("capture.attempts", attempt))
	if err == nil {
		s.last = snap
		return snap, nil
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if s.last != nil {
		s.metrics.StaleSnapshot()
		s.logger.Warn("Capture failed after retries, reusing last good snapshot.",
			zap.Int("attempts", attempt),
			zap.String("url", s.last.URL),
			zap.Error(err),
		)
		span.SetAttributes(attribute.Bool("capture.stale", true))
		return s.last, nil
	}
	observability.RecordError(span, err)
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrCaptureFailed, attempt, err)
}

func (s *Synchronizer) cycle(ctx context.Context) (*schemas.PageSnapshot, error) {
	url, err := s.browser.CurrentURL(ctx)
	if err != nil {
		return nil, fmt.Errorf("read current url: %w", err)
	}
	specialized := s.grid != nil && s.grid.MatchString(url)

	img, err := s.browser.FastScreenshot(ctx)
	if err != nil {
		s.logger.Debug("Fast screenshot failed, falling back to full capture.", zap.Error(err))
		img, err = s.browser.Screenshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("capture screenshot: %w", err)
		}
	}

	vp, err := s.browser.Viewport(ctx)
	if err != nil {
		return nil, fmt.Errorf("read viewport: %w", err)
	}
	scale := vp.DevicePixelRatio
	if scale <= 0 {
		scale = 1
	}

	var candidates []schemas.InteractiveElement
	for i, d := range s.detectors {
		found, err := d.Detect(ctx, img, scale, specialized)
		if err != nil {
			return nil, fmt.Errorf("detector %d: %w", i, err)
		}
		candidates = append(candidates, found...)
	}
	elements := Resolve(candidates, s.cfg.IoUThreshold)

	annotated := s.annotator.AnnotateScaled(img, elements, imageScale(img, vp, scale))

	tabs, err := s.browser.Tabs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tabs: %w", err)
	}

	raw := img
	return schemas.NewPageSnapshot(url, tabs, vp, elements, &raw, &annotated), nil
}

// imageScale maps viewport CSS pixels onto screenshot pixels, preferring the
// measured image width over the reported device pixel ratio.
func imageScale(img schemas.Image, vp schemas.Viewport, fallback float64) float64 {
	if vp.Width <= 0 {
		return fallback
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(img.Data))
	if err != nil || cfg.Width == 0 {
		return fallback
	}
	return float64(cfg.Width) / vp.Width
}
