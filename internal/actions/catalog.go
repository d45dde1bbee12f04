package actions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"
)

// Built-in action kinds.
const (
	KindNavigate         Kind = "navigate"
	KindGoBack           Kind = "go_back"
	KindClickElement     Kind = "click_element"
	KindInputText        Kind = "input_text"
	KindSendKeys         Kind = "send_keys"
	KindScroll           Kind = "scroll"
	KindSwitchTab        Kind = "switch_tab"
	KindOpenTab          Kind = "open_tab"
	KindCloseTab         Kind = "close_tab"
	KindExtractContent   Kind = "extract_content"
	KindWait             Kind = "wait"
	KindDone             Kind = "done"
	KindGiveHumanControl Kind = "give_human_control"
)

const (
	maxWait            = 10 * time.Second
	maxExtractedRunes  = 20000
	defaultPageHeight  = 800.0
	defaultScrollPages = 1.0
)

// Builtins returns the descriptors for every built-in kind.
func Builtins() []Descriptor {
	return []Descriptor{
		{
			Kind:         KindNavigate,
			Description:  "Open a URL in the current tab.",
			ParamSchema:  `{"type":"object","properties":{"url":{"type":"string","minLength":1}},"required":["url"]}`,
			NeedsBrowser: true,
			Handler:      navigate,
		},
		{
			Kind:         KindGoBack,
			Description:  "Go back to the previous page in the current tab.",
			ParamSchema:  `{"type":"object"}`,
			NeedsBrowser: true,
			Handler:      goBack,
		},
		{
			Kind:         KindClickElement,
			Description:  "Click the element with the given index from the current page state.",
			ParamSchema:  `{"type":"object","properties":{"index":{"type":"integer","minimum":1}},"required":["index"]}`,
			NeedsBrowser: true,
			Handler:      clickElement,
		},
		{
			Kind:         KindInputText,
			Description:  "Focus the element with the given index and type text into it.",
			ParamSchema:  `{"type":"object","properties":{"index":{"type":"integer","minimum":1},"text":{"type":"string"}},"required":["index","text"]}`,
			NeedsBrowser: true,
			Handler:      inputText,
		},
		{
			Kind:         KindSendKeys,
			Description:  "Press a key or key name such as Enter, Escape, Tab or ArrowDown.",
			ParamSchema:  `{"type":"object","properties":{"keys":{"type":"string","minLength":1}},"required":["keys"]}`,
			NeedsBrowser: true,
			Handler:      sendKeys,
		},
		{
			Kind:         KindScroll,
			Description:  "Scroll the page up or down by a number of pages (default 1).",
			ParamSchema:  `{"type":"object","properties":{"direction":{"type":"string","enum":["up","down"]},"pages":{"type":"number","exclusiveMinimum":0,"maximum":10}},"required":["direction"]}`,
			NeedsBrowser: true,
			Handler:      scroll,
		},
		{
			Kind:         KindSwitchTab,
			Description:  "Switch to the open tab with the given id.",
			ParamSchema:  `{"type":"object","properties":{"tab_id":{"type":"string","minLength":1}},"required":["tab_id"]}`,
			NeedsBrowser: true,
			Handler:      switchTab,
		},
		{
			Kind:         KindOpenTab,
			Description:  "Open a new tab, optionally at a URL, and switch to it.",
			ParamSchema:  `{"type":"object","properties":{"url":{"type":"string"}}}`,
			NeedsBrowser: true,
			Handler:      openTab,
		},
		{
			Kind:         KindCloseTab,
			Description:  "Close the current tab.",
			ParamSchema:  `{"type":"object"}`,
			NeedsBrowser: true,
			Handler:      closeTab,
		},
		{
			Kind:         KindExtractContent,
			Description:  "Return the readable text of the current page, for reading content that is not visible as elements.",
			ParamSchema:  `{"type":"object","properties":{"goal":{"type":"string"}}}`,
			NeedsBrowser: true,
			Handler:      extractContent,
		},
		{
			Kind:        KindWait,
			Description: "Wait for the page to settle for a number of seconds (default 1, at most 10).",
			ParamSchema: `{"type":"object","properties":{"seconds":{"type":"number","minimum":0}}}`,
			Handler:     wait,
		},
		{
			Kind:        KindDone,
			Description: "Finish the task and report the final output.",
			ParamSchema: `{"type":"object","properties":{"output":{},"success":{"type":"boolean"}},"required":["output"]}`,
			Handler:     done,
		},
		{
			Kind:        KindGiveHumanControl,
			Description: "Stop and hand the browser to the human, for example to solve a captcha or log in.",
			ParamSchema: `{"type":"object","properties":{"reason":{"type":"string"}}}`,
			Handler:     giveHumanControl,
		},
	}
}

func navigate(ctx context.Context, p Params, env Env) (Outcome, error) {
	url := p.String("url", "")
	if err := env.Browser.Goto(ctx, url); err != nil {
		if ctx.Err() != nil {
			return Outcome{}, err
		}
		env.Logger.Debug("Navigation failed.", zap.String("url", url), zap.Error(err))
		return Failed(ErrNavigationFailure, "%s: %v", url, err), nil
	}
	return Outcome{Content: fmt.Sprintf("Navigated to %s", url)}, nil
}

func goBack(ctx context.Context, _ Params, env Env) (Outcome, error) {
	if err := env.Browser.GoBack(ctx); err != nil {
		if ctx.Err() != nil {
			return Outcome{}, err
		}
		return Failed(ErrNavigationFailure, "go back: %v", err), nil
	}
	return Outcome{Content: "Navigated back"}, nil
}

func clickElement(ctx context.Context, p Params, env Env) (Outcome, error) {
	index, _ := p.Int("index")
	el, ok := env.Snapshot.Element(index)
	if !ok {
		return Failed(ErrElementNotFound, "no element with index %d on the current page", index), nil
	}
	x, y := clickPoint(el.Center.X, el.Center.Y, el.ViewportRect.Left, el.ViewportRect.Top, el.ViewportRect.Width, el.ViewportRect.Height)
	if err := env.Browser.Click(ctx, x, y); err != nil {
		return Outcome{}, fmt.Errorf("click element %d: %w", index, err)
	}
	return Outcome{Content: fmt.Sprintf("Clicked element %d", index)}, nil
}

func inputText(ctx context.Context, p Params, env Env) (Outcome, error) {
	index, _ := p.Int("index")
	text := p.String("text", "")
	el, ok := env.Snapshot.Element(index)
	if !ok {
		return Failed(ErrElementNotFound, "no element with index %d on the current page", index), nil
	}
	x, y := clickPoint(el.Center.X, el.Center.Y, el.ViewportRect.Left, el.ViewportRect.Top, el.ViewportRect.Width, el.ViewportRect.Height)
	if err := env.Browser.Click(ctx, x, y); err != nil {
		return Outcome{}, fmt.Errorf("focus element %d: %w", index, err)
	}
	if err := env.Browser.InsertText(ctx, text); err != nil {
		return Outcome{}, fmt.Errorf("type into element %d: %w", index, err)
	}
	return Outcome{Content: fmt.Sprintf("Typed %q into element %d", text, index)}, nil
}

// clickPoint prefers the detector's center and falls back to the middle of
// the viewport rectangle.
func clickPoint(cx, cy, left, top, w, h float64) (float64, float64) {
	if cx != 0 || cy != 0 {
		return cx, cy
	}
	return left + w/2, top + h/2
}

func sendKeys(ctx context.Context, p Params, env Env) (Outcome, error) {
	keys := p.String("keys", "")
	if err := env.Browser.PressKey(ctx, keys); err != nil {
		return Outcome{}, fmt.Errorf("press %q: %w", keys, err)
	}
	return Outcome{Content: fmt.Sprintf("Pressed %s", keys)}, nil
}

func scroll(ctx context.Context, p Params, env Env) (Outcome, error) {
	pages := p.Float("pages", defaultScrollPages)
	height := defaultPageHeight
	if env.Snapshot != nil && env.Snapshot.Viewport.Height > 0 {
		height = env.Snapshot.Viewport.Height
	}
	dy := pages * height
	direction := p.String("direction", "down")
	if direction == "up" {
		dy = -dy
	}
	if err := env.Browser.Scroll(ctx, 0, dy); err != nil {
		return Outcome{}, fmt.Errorf("scroll %s: %w", direction, err)
	}
	return Outcome{Content: fmt.Sprintf("Scrolled %s by %.0fpx", direction, pages*height)}, nil
}

func switchTab(ctx context.Context, p Params, env Env) (Outcome, error) {
	id := p.String("tab_id", "")
	if err := env.Browser.SwitchTab(ctx, id); err != nil {
		return Outcome{}, fmt.Errorf("switch to tab %s: %w", id, err)
	}
	return Outcome{Content: fmt.Sprintf("Switched to tab %s", id)}, nil
}

func openTab(ctx context.Context, p Params, env Env) (Outcome, error) {
	url := p.String("url", "")
	if err := env.Browser.NewTab(ctx, url); err != nil {
		if ctx.Err() != nil {
			return Outcome{}, err
		}
		return Failed(ErrNavigationFailure, "open tab %s: %v", url, err), nil
	}
	if url == "" {
		return Outcome{Content: "Opened a new tab"}, nil
	}
	return Outcome{Content: fmt.Sprintf("Opened %s in a new tab", url)}, nil
}

func closeTab(ctx context.Context, _ Params, env Env) (Outcome, error) {
	if err := env.Browser.CloseCurrentTab(ctx); err != nil {
		return Outcome{}, fmt.Errorf("close tab: %w", err)
	}
	return Outcome{Content: "Closed the current tab"}, nil
}

func extractContent(ctx context.Context, p Params, env Env) (Outcome, error) {
	markup, err := env.Browser.HTML(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("read page html: %w", err)
	}
	text, err := ExtractText(markup)
	if err != nil {
		return Outcome{}, err
	}
	if r := []rune(text); len(r) > maxExtractedRunes {
		text = string(r[:maxExtractedRunes])
	}
	if goal := p.String("goal", ""); goal != "" {
		return Outcome{Content: map[string]any{"goal": goal, "text": text}}, nil
	}
	return Outcome{Content: text}, nil
}

// skippedElements never contribute readable text.
var skippedElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"template": true,
	"svg":      true,
	"head":     true,
}

// blockElements end a line in the extracted text.
var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true, "section": true,
	"article": true, "header": true, "footer": true, "h1": true, "h2": true,
	"h3": true, "h4": true, "h5": true, "h6": true, "table": true, "ul": true, "ol": true,
}

// ExtractText returns the visible text of an HTML document, one line per
// block element.
func ExtractText(markup string) (string, error) {
	doc, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	var lines []string
	var current strings.Builder
	flush := func() {
		line := strings.Join(strings.Fields(current.String()), " ")
		if line != "" {
			lines = append(lines, line)
		}
		current.Reset()
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skippedElements[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			current.WriteString(n.Data)
			current.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElements[n.Data] {
			flush()
		}
	}
	walk(doc)
	flush()
	return strings.Join(lines, "\n"), nil
}

func wait(ctx context.Context, p Params, _ Env) (Outcome, error) {
	d := time.Duration(p.Float("seconds", 1) * float64(time.Second))
	if d > maxWait {
		d = maxWait
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case <-t.C:
	}
	return Outcome{Content: fmt.Sprintf("Waited %s", d)}, nil
}

func done(_ context.Context, p Params, _ Env) (Outcome, error) {
	out := Outcome{Done: true, Content: p["output"]}
	if !p.Bool("success", true) {
		out.Error = fmt.Sprintf("task reported as unsuccessful: %v", p["output"])
	}
	return out, nil
}

func giveHumanControl(_ context.Context, p Params, _ Env) (Outcome, error) {
	return Outcome{
		Done:    true,
		Handoff: true,
		Content: p.String("reason", "the agent requested human control"),
	}, nil
}
