package browser

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/api/schemas"
)

// Tabs lists the page targets of the browser.
func (s *Session) Tabs(ctx context.Context) ([]schemas.Tab, error) {
	tabCtx, err := s.active()
	if err != nil {
		return nil, err
	}
	runCtx, cancel := CombineContext(tabCtx, ctx)
	defer cancel()

	infos, err := chromedp.Targets(runCtx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	return pageTabs(infos), nil
}

func pageTabs(infos []*target.Info) []schemas.Tab {
	tabs := make([]schemas.Tab, 0, len(infos))
	for _, info := range infos {
		if info == nil || info.Type != "page" {
			continue
		}
		tabs = append(tabs, schemas.Tab{
			ID:    string(info.TargetID),
			URL:   info.URL,
			Title: info.Title,
		})
	}
	return tabs
}

// SwitchTab makes the target with id the active tab, attaching to it first
// if the session did not open it.
func (s *Session) SwitchTab(ctx context.Context, id string) error {
	t, err := s.attach(id)
	if err != nil {
		return err
	}
	runCtx, cancel := CombineContext(t.ctx, ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, page.BringToFront()); err != nil {
		return fmt.Errorf("activate tab %s: %w", id, err)
	}

	s.mu.Lock()
	s.current = id
	s.mu.Unlock()
	s.logger.Debug("Switched tab.", zap.String("tab", id))
	return nil
}

func (s *Session) attach(id string) (*tab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if t, ok := s.tabs[id]; ok {
		return t, nil
	}
	ctx, cancel := chromedp.NewContext(s.browserCtx, chromedp.WithTargetID(target.ID(id)))
	t := &tab{ctx: ctx, cancel: cancel}
	s.tabs[id] = t
	return t, nil
}

// NewTab opens a tab, navigates it to url when one is given and makes it
// active.
func (s *Session) NewTab(ctx context.Context, url string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	tabCtx, cancel := chromedp.NewContext(s.browserCtx)
	s.mu.Unlock()

	runCtx, runCancel := CombineContext(tabCtx, ctx)
	defer runCancel()

	var actions []chromedp.Action
	if url != "" {
		actions = append(actions, chromedp.Navigate(url))
	}
	if err := chromedp.Run(runCtx, actions...); err != nil {
		cancel()
		return fmt.Errorf("open tab: %w", err)
	}

	c := chromedp.FromContext(tabCtx)
	if c == nil || c.Target == nil {
		cancel()
		return fmt.Errorf("open tab: no target")
	}
	id := string(c.Target.TargetID)

	s.mu.Lock()
	s.tabs[id] = &tab{ctx: tabCtx, cancel: cancel}
	s.current = id
	s.mu.Unlock()
	s.logger.Debug("Opened tab.", zap.String("tab", id), zap.String("url", url))
	return nil
}

// CloseCurrentTab closes the active tab and activates the first remaining
// one. Closing the last tab is refused so the session keeps a page.
func (s *Session) CloseCurrentTab(ctx context.Context) error {
	tabs, err := s.Tabs(ctx)
	if err != nil {
		return err
	}
	if len(tabs) <= 1 {
		return fmt.Errorf("close tab: refusing to close the last tab")
	}

	s.mu.Lock()
	id := s.current
	t := s.tabs[id]
	delete(s.tabs, id)
	s.mu.Unlock()

	if t != nil {
		runCtx, cancel := CombineContext(t.ctx, ctx)
		err := chromedp.Run(runCtx, page.Close())
		cancel()
		if err != nil {
			return fmt.Errorf("close tab %s: %w", id, err)
		}
		if t.ctx != s.browserCtx {
			t.cancel()
		}
	}

	for _, next := range tabs {
		if next.ID != id {
			return s.SwitchTab(ctx, next.ID)
		}
	}
	return nil
}
