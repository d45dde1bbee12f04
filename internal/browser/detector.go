package browser

import (
	"context"
	"fmt"
	"strings"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/perception"
)

const viewportJS = `(() => {
	const doc = document.documentElement;
	const body = document.body;
	const full = Math.max(doc ? doc.scrollHeight : 0, body ? body.scrollHeight : 0);
	return {
		width: window.innerWidth,
		height: window.innerHeight,
		scrollX: window.scrollX,
		scrollY: window.scrollY,
		dpr: window.devicePixelRatio || 1,
		fullHeight: full
	};
})()`

const storageJS = `(() => {
	const items = {};
	try {
		for (let i = 0; i < window.localStorage.length; i++) {
			const k = window.localStorage.key(i);
			if (k !== null) { items[k] = window.localStorage.getItem(k); }
		}
	} catch (e) {}
	return {origin: window.location.origin, items: items};
})()`

// detectJS collects visible interactive elements. The argument object
// carries the element cap and whether grid cells should be reported.
const detectJS = `((opts) => {
	const selector = [
		'a[href]', 'button', 'input:not([type=hidden])', 'select', 'textarea', 'summary',
		'[role=button]', '[role=link]', '[role=checkbox]', '[role=radio]', '[role=tab]',
		'[role=menuitem]', '[role=option]', '[role=switch]', '[role=combobox]', '[role=textbox]',
		'[onclick]', '[contenteditable=""]', '[contenteditable=true]', '[tabindex]:not([tabindex="-1"])'
	].join(',');
	const keep = ['aria-label', 'href', 'id', 'name', 'placeholder', 'role', 'title', 'type', 'value', 'alt'];
	const vw = window.innerWidth, vh = window.innerHeight;
	const sx = window.scrollX, sy = window.scrollY;
	const out = [];

	const visible = (el, r) => {
		if (r.width < 1 || r.height < 1) return false;
		if (r.bottom <= 0 || r.right <= 0 || r.top >= vh || r.left >= vw) return false;
		const st = window.getComputedStyle(el);
		if (st.visibility === 'hidden' || st.display === 'none' || parseFloat(st.opacity) === 0) return false;
		const cx = Math.min(Math.max(r.left + r.width / 2, 0), vw - 1);
		const cy = Math.min(Math.max(r.top + r.height / 2, 0), vh - 1);
		const hit = document.elementFromPoint(cx, cy);
		return !hit || hit === el || el.contains(hit) || hit.contains(el);
	};
	const weightOf = (el) => {
		const tag = el.tagName.toLowerCase();
		if (tag === 'button' || tag === 'a' || tag === 'select') return 1.0;
		if (tag === 'input' || tag === 'textarea') return 0.9;
		if (el.getAttribute('role')) return 0.8;
		return 0.5;
	};
	const push = (el, r, extra) => {
		const attrs = {};
		for (const name of keep) {
			const v = el.getAttribute(name);
			if (v !== null && v !== '') attrs[name] = v.slice(0, 200);
		}
		const z = parseInt(window.getComputedStyle(el).zIndex, 10);
		out.push(Object.assign({
			tag: el.tagName.toLowerCase(),
			text: (el.innerText || el.value || '').trim().slice(0, 300),
			attrs: attrs,
			x: r.left, y: r.top, w: r.width, h: r.height,
			sx: sx, sy: sy,
			z: isNaN(z) ? 0 : z,
			weight: weightOf(el),
			inputKind: el.tagName.toLowerCase() === 'input' ? (el.type || 'text') : '',
			stableId: el.id || ''
		}, extra || {}));
	};

	for (const el of document.querySelectorAll(selector)) {
		if (out.length >= opts.max) break;
		const r = el.getBoundingClientRect();
		if (visible(el, r)) push(el, r);
	}

	if (opts.grid) {
		const grids = document.querySelectorAll('[role=grid], table');
		let g = 0;
		for (const grid of grids) {
			const r = grid.getBoundingClientRect();
			if (!visible(grid, r)) continue;
			push(grid, r, {text: '', weight: 0, stableId: opts.marker + 'grid-' + g});
			const cells = grid.querySelectorAll('[role=gridcell], td');
			for (const cell of cells) {
				if (out.length >= opts.max) break;
				const cr = cell.getBoundingClientRect();
				if (!visible(cell, cr)) continue;
				push(cell, cr, {weight: 0.6});
			}
			g++;
		}
	}
	return out;
})`

type viewportMetrics struct {
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	ScrollX    float64 `json:"scrollX"`
	ScrollY    float64 `json:"scrollY"`
	DPR        float64 `json:"dpr"`
	FullHeight float64 `json:"fullHeight"`
}

func (m viewportMetrics) toViewport() schemas.Viewport {
	below := m.FullHeight - (m.ScrollY + m.Height)
	if below < 0 {
		below = 0
	}
	dpr := m.DPR
	if dpr <= 0 {
		dpr = 1
	}
	return schemas.Viewport{
		Width:                 m.Width,
		Height:                m.Height,
		ScrollX:               m.ScrollX,
		ScrollY:               m.ScrollY,
		DevicePixelRatio:      dpr,
		ScrollAboveViewportPx: m.ScrollY,
		ScrollBelowViewportPx: below,
	}
}

// rawElement is one element as reported by detectJS.
type rawElement struct {
	Tag       string            `json:"tag"`
	Text      string            `json:"text"`
	Attrs     map[string]string `json:"attrs"`
	X         float64           `json:"x"`
	Y         float64           `json:"y"`
	W         float64           `json:"w"`
	H         float64           `json:"h"`
	ScrollX   float64           `json:"sx"`
	ScrollY   float64           `json:"sy"`
	Z         int               `json:"z"`
	Weight    float64           `json:"weight"`
	InputKind string            `json:"inputKind"`
	StableID  string            `json:"stableId"`
}

func (r rawElement) toElement() schemas.InteractiveElement {
	vr := schemas.NewRectangle(r.X, r.Y, r.W, r.H)
	return schemas.InteractiveElement{
		TagKind:      r.Tag,
		Text:         strings.Join(strings.Fields(r.Text), " "),
		Attributes:   r.Attrs,
		ViewportRect: vr,
		PageRect:     schemas.NewRectangle(r.X+r.ScrollX, r.Y+r.ScrollY, r.W, r.H),
		Center:       schemas.Point{X: r.X + r.W/2, Y: r.Y + r.H/2},
		Weight:       r.Weight,
		StableID:     r.StableID,
		InputKind:    r.InputKind,
		ZIndex:       r.Z,
	}
}

// Detect reports the interactive elements of the active tab from the live
// DOM. The image and scale are unused: coordinates come back in viewport
// CSS pixels already.
func (s *Session) Detect(ctx context.Context, _ schemas.Image, _ float64, specialized bool) ([]schemas.InteractiveElement, error) {
	limit := s.cfg.MaxElements
	if limit <= 0 {
		limit = 400
	}
	script := fmt.Sprintf("%s({max: %d, grid: %t, marker: %q})", detectJS, limit, specialized, perception.GridMarkerPrefix)

	var raw []rawElement
	if err := s.runActions(ctx, chromedp.Evaluate(script, &raw)); err != nil {
		return nil, fmt.Errorf("dom detection: %w", err)
	}

	out := make([]schemas.InteractiveElement, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.toElement())
	}
	s.logger.Debug("Detected elements.", zap.Int("count", len(out)), zap.Bool("grid", specialized))
	return out, nil
}
