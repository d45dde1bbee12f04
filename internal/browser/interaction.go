package browser

import (
	"context"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"
)

// namedKeys maps the key names the model uses onto chromedp key sequences.
var namedKeys = map[string]string{
	"enter":      kb.Enter,
	"return":     kb.Enter,
	"tab":        kb.Tab,
	"escape":     kb.Escape,
	"esc":        kb.Escape,
	"backspace":  kb.Backspace,
	"delete":     kb.Delete,
	"arrowup":    kb.ArrowUp,
	"arrowdown":  kb.ArrowDown,
	"arrowleft":  kb.ArrowLeft,
	"arrowright": kb.ArrowRight,
	"pageup":     kb.PageUp,
	"pagedown":   kb.PageDown,
	"home":       kb.Home,
	"end":        kb.End,
	"space":      " ",
}

// keySequence resolves a key name, falling back to typing it literally.
func keySequence(key string) string {
	if seq, ok := namedKeys[strings.ToLower(strings.TrimSpace(key))]; ok {
		return seq
	}
	return key
}

// Click presses and releases the left button at a viewport point.
func (s *Session) Click(ctx context.Context, x, y float64) error {
	s.logger.Debug("Clicking.", zap.Float64("x", x), zap.Float64("y", y))
	err := s.runActions(ctx,
		input.DispatchMouseEvent(input.MouseMoved, x, y),
		input.DispatchMouseEvent(input.MousePressed, x, y).WithButton(input.Left).WithClickCount(1),
		input.DispatchMouseEvent(input.MouseReleased, x, y).WithButton(input.Left).WithClickCount(1),
	)
	if err != nil {
		return fmt.Errorf("click at (%.0f, %.0f): %w", x, y, err)
	}
	return nil
}

// InsertText types text into the focused element as a single input event.
func (s *Session) InsertText(ctx context.Context, text string) error {
	if err := s.runActions(ctx, input.InsertText(text)); err != nil {
		return fmt.Errorf("insert text: %w", err)
	}
	return nil
}

// PressKey sends a named key such as Enter or a literal sequence.
func (s *Session) PressKey(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("press key: empty key")
	}
	if err := s.runActions(ctx, chromedp.KeyEvent(keySequence(key))); err != nil {
		return fmt.Errorf("press key %q: %w", key, err)
	}
	return nil
}

// Scroll dispatches a wheel event at the centre of the viewport.
func (s *Session) Scroll(ctx context.Context, dx, dy float64) error {
	vp, err := s.Viewport(ctx)
	if err != nil {
		return err
	}
	x, y := vp.Width/2, vp.Height/2
	err = s.runActions(ctx,
		input.DispatchMouseEvent(input.MouseWheel, x, y).WithDeltaX(dx).WithDeltaY(dy),
	)
	if err != nil {
		return fmt.Errorf("scroll by (%.0f, %.0f): %w", dx, dy, err)
	}
	return nil
}
