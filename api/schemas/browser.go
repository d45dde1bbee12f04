package schemas

import (
	"sort"
	"time"
)

// -- Geometry --

// Rectangle is an axis aligned box in CSS pixels. Right and Bottom are
// redundant with Width and Height but detectors report both and the geometry
// helpers use the edges directly.
type Rectangle struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// NewRectangle builds a Rectangle from an origin and a size.
func NewRectangle(left, top, width, height float64) Rectangle {
	return Rectangle{
		Left:   left,
		Top:    top,
		Right:  left + width,
		Bottom: top + height,
		Width:  width,
		Height: height,
	}
}

// Area returns the rectangle's area, zero for degenerate boxes.
func (r Rectangle) Area() float64 {
	w := r.Right - r.Left
	h := r.Bottom - r.Top
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Point is a position in viewport CSS pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// -- Page State --

// InteractiveElement is one actionable region of the page as reported by a
// detector. Index is reassigned on every snapshot and is only meaningful
// within the snapshot that produced it; StableID is the only identity that
// may survive across snapshots.
type InteractiveElement struct {
	Index        int               `json:"index"`
	TagKind      string            `json:"tagKind"`
	Text         string            `json:"text,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	ViewportRect Rectangle         `json:"viewportRect"`
	PageRect     Rectangle         `json:"pageRect"`
	Center       Point             `json:"center"`
	// Weight is a detector supplied priority used only when resolving
	// conflicts. It is never rendered for the model.
	Weight    float64 `json:"weight"`
	StableID  string  `json:"stableId,omitempty"`
	InputKind string  `json:"inputKind,omitempty"`
	ZIndex    int     `json:"zIndex"`
}

// Viewport describes the visible window and how much content lies outside it.
type Viewport struct {
	Width                 float64 `json:"width"`
	Height                float64 `json:"height"`
	ScrollX               float64 `json:"scrollX"`
	ScrollY               float64 `json:"scrollY"`
	DevicePixelRatio      float64 `json:"devicePixelRatio"`
	ScrollAboveViewportPx float64 `json:"scrollAboveViewportPx"`
	ScrollBelowViewportPx float64 `json:"scrollBelowViewportPx"`
}

// Tab is one open page target.
type Tab struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

// ImageFormat names the encoding of a captured image.
type ImageFormat string

const (
	ImageFormatPNG  ImageFormat = "png"
	ImageFormatJPEG ImageFormat = "jpeg"
)

// MediaType returns the MIME type for the format.
func (f ImageFormat) MediaType() string {
	if f == ImageFormatJPEG {
		return "image/jpeg"
	}
	return "image/png"
}

// Image is an encoded screenshot.
type Image struct {
	Format ImageFormat `json:"format"`
	Data   []byte      `json:"data"`
}

// PageSnapshot is one immutable capture of the page. It is built once by the
// synchronizer and replaced, never modified, on the next cycle.
type PageSnapshot struct {
	URL                 string                     `json:"url"`
	Tabs                []Tab                      `json:"tabs"`
	Viewport            Viewport                   `json:"viewport"`
	Elements            map[int]InteractiveElement `json:"elements"`
	RawScreenshot       *Image                     `json:"rawScreenshot,omitempty"`
	AnnotatedScreenshot *Image                     `json:"annotatedScreenshot,omitempty"`
	CapturedAt          time.Time                  `json:"capturedAt"`
}

// NewPageSnapshot keys the resolved elements by their index.
func NewPageSnapshot(url string, tabs []Tab, vp Viewport, elements []InteractiveElement, raw, annotated *Image) *PageSnapshot {
	byIndex := make(map[int]InteractiveElement, len(elements))
	for _, el := range elements {
		byIndex[el.Index] = el
	}
	return &PageSnapshot{
		URL:                 url,
		Tabs:                tabs,
		Viewport:            vp,
		Elements:            byIndex,
		RawScreenshot:       raw,
		AnnotatedScreenshot: annotated,
		CapturedAt:          time.Now(),
	}
}

// Element looks up an element by its snapshot index.
func (s *PageSnapshot) Element(index int) (InteractiveElement, bool) {
	if s == nil {
		return InteractiveElement{}, false
	}
	el, ok := s.Elements[index]
	return el, ok
}

// OrderedElements returns the elements sorted by index.
func (s *PageSnapshot) OrderedElements() []InteractiveElement {
	if s == nil {
		return nil
	}
	out := make([]InteractiveElement, 0, len(s.Elements))
	for _, el := range s.Elements {
		out = append(out, el)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Screenshot prefers the annotated image and falls back to the raw capture.
func (s *PageSnapshot) Screenshot() *Image {
	if s == nil {
		return nil
	}
	if s.AnnotatedScreenshot != nil {
		return s.AnnotatedScreenshot
	}
	return s.RawScreenshot
}

// -- Session State --

// Cookie is a browser cookie as reported by the driver.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// StorageState is the persisted session of the current origin.
type StorageState struct {
	Cookies      []Cookie          `json:"cookies"`
	Origin       string            `json:"origin"`
	LocalStorage map[string]string `json:"localStorage"`
}
