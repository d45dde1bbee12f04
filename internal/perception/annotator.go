package perception

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/geometry"
)

// GridMarkerPrefix marks structural elements emitted by grid detection.
// They take part in resolution but are never drawn.
const GridMarkerPrefix = "__grid__"

const (
	outlineWidth = 2
	labelPadding = 2
	jpegQuality  = 90
)

// Annotator draws element outlines and index labels onto screenshots.
type Annotator struct {
	logger *zap.Logger
	face   font.Face
}

// NewAnnotator creates an annotator using the built in bitmap font.
func NewAnnotator(logger *zap.Logger) *Annotator {
	return &Annotator{
		logger: logger.Named("annotator"),
		face:   basicfont.Face7x13,
	}
}

// Annotate highlights elements on img. Coordinates are taken as image pixels.
func (a *Annotator) Annotate(img schemas.Image, elements []schemas.InteractiveElement) schemas.Image {
	return a.AnnotateScaled(img, elements, 1)
}

// AnnotateScaled highlights elements whose viewport coordinates must be
// multiplied by scale to reach image pixels. It never fails: any error
// returns img untouched.
func (a *Annotator) AnnotateScaled(img schemas.Image, elements []schemas.InteractiveElement, scale float64) (out schemas.Image) {
	if len(elements) == 0 || len(img.Data) == 0 {
		return img
	}
	defer func() {
		if r := recover(); r != nil {
			a.logger.Warn("Annotation panicked, using raw screenshot.", zap.Any("panic", r))
			out = img
		}
	}()

	annotated, err := a.render(img, elements, scale)
	if err != nil {
		a.logger.Debug("Annotation failed, using raw screenshot.", zap.Error(err))
		return img
	}
	return annotated
}

func (a *Annotator) render(img schemas.Image, elements []schemas.InteractiveElement, scale float64) (schemas.Image, error) {
	src, format, err := image.Decode(bytes.NewReader(img.Data))
	if err != nil {
		return img, fmt.Errorf("decode screenshot: %w", err)
	}
	if scale <= 0 {
		scale = 1
	}

	b := src.Bounds()
	canvas := image.NewRGBA(b)
	draw.Draw(canvas, b, src, b.Min, draw.Src)
	bounds := schemas.NewRectangle(float64(b.Min.X), float64(b.Min.Y), float64(b.Dx()), float64(b.Dy()))

	ordered := make([]schemas.InteractiveElement, 0, len(elements))
	for _, el := range elements {
		if strings.HasPrefix(el.StableID, GridMarkerPrefix) {
			continue
		}
		ordered = append(ordered, el)
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	metrics := a.face.Metrics()
	glyphHeight := float64(metrics.Ascent.Ceil() + metrics.Descent.Ceil())
	placed := make([]schemas.Rectangle, 0, len(ordered))

	for _, el := range ordered {
		rect := scaleRect(el.ViewportRect, scale)
		c := geometry.ColorFor(el.Index)
		strokeRect(canvas, rect, c)

		text := strconv.Itoa(el.Index)
		w := float64(font.MeasureString(a.face, text).Ceil() + 2*labelPadding)
		h := glyphHeight + 2*labelPadding
		label := geometry.PlaceLabel(rect, w, h, placed, bounds)
		placed = append(placed, label)

		fillRect(canvas, label, c)
		d := &font.Drawer{
			Dst:  canvas,
			Src:  image.NewUniform(color.White),
			Face: a.face,
			Dot: fixed.Point26_6{
				X: fixed.I(int(label.Left) + labelPadding),
				Y: fixed.I(int(label.Top) + labelPadding + metrics.Ascent.Ceil()),
			},
		}
		d.DrawString(text)
	}

	var buf bytes.Buffer
	switch format {
	case "jpeg":
		err = jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: jpegQuality})
	case "png":
		err = png.Encode(&buf, canvas)
	default:
		return img, fmt.Errorf("unsupported screenshot encoding %q", format)
	}
	if err != nil {
		return img, fmt.Errorf("encode annotated screenshot: %w", err)
	}
	return schemas.Image{Format: img.Format, Data: buf.Bytes()}, nil
}

func scaleRect(r schemas.Rectangle, scale float64) schemas.Rectangle {
	if scale == 1 {
		return r
	}
	return schemas.NewRectangle(r.Left*scale, r.Top*scale, r.Width*scale, r.Height*scale)
}

func toImageRect(r schemas.Rectangle) image.Rectangle {
	return image.Rect(int(r.Left), int(r.Top), int(r.Right), int(r.Bottom))
}

func fillRect(dst draw.Image, r schemas.Rectangle, c color.Color) {
	draw.Draw(dst, toImageRect(r).Intersect(dst.Bounds()), image.NewUniform(c), image.Point{}, draw.Over)
}

func strokeRect(dst draw.Image, r schemas.Rectangle, c color.Color) {
	ir := toImageRect(r)
	u := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(ir.Min.X, ir.Min.Y, ir.Max.X, ir.Min.Y+outlineWidth),
		image.Rect(ir.Min.X, ir.Max.Y-outlineWidth, ir.Max.X, ir.Max.Y),
		image.Rect(ir.Min.X, ir.Min.Y, ir.Min.X+outlineWidth, ir.Max.Y),
		image.Rect(ir.Max.X-outlineWidth, ir.Min.Y, ir.Max.X, ir.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(dst.Bounds()), u, image.Point{}, draw.Over)
	}
}
