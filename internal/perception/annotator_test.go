package perception

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/geometry"
)

var background = color.RGBA{R: 240, G: 240, B: 240, A: 255}

func blankPNG(t *testing.T, w, h int) schemas.Image {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, background)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return schemas.Image{Format: schemas.ImageFormatPNG, Data: buf.Bytes()}
}

func blankJPEG(t *testing.T, w, h int) schemas.Image {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return schemas.Image{Format: schemas.ImageFormatJPEG, Data: buf.Bytes()}
}

func decode(t *testing.T, img schemas.Image) (image.Image, string) {
	t.Helper()
	out, format, err := image.Decode(bytes.NewReader(img.Data))
	require.NoError(t, err)
	return out, format
}

func rgbaAt(img image.Image, x, y int) color.RGBA {
	return color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
}

func TestAnnotate_NoElementsReturnsInput(t *testing.T) {
	a := NewAnnotator(zap.NewNop())
	in := blankPNG(t, 100, 50)

	out := a.Annotate(in, nil)
	assert.Equal(t, in, out)
}

func TestAnnotate_InvalidImageReturnsInput(t *testing.T) {
	a := NewAnnotator(zap.NewNop())
	in := schemas.Image{Format: schemas.ImageFormatPNG, Data: []byte("not an image")}

	out := a.Annotate(in, []schemas.InteractiveElement{{Index: 1, ViewportRect: schemas.NewRectangle(0, 0, 10, 10)}})
	assert.Equal(t, in, out)
}

func TestAnnotate_DrawsOutlineAndLabel(t *testing.T) {
	a := NewAnnotator(zap.NewNop())
	in := blankPNG(t, 200, 100)
	target := schemas.InteractiveElement{Index: 1, ViewportRect: schemas.NewRectangle(20, 20, 60, 40)}

	out := a.Annotate(in, []schemas.InteractiveElement{target})
	require.NotEqual(t, in.Data, out.Data)
	assert.Equal(t, schemas.ImageFormatPNG, out.Format)

	img, format := decode(t, out)
	assert.Equal(t, "png", format)
	assert.Equal(t, image.Rect(0, 0, 200, 100), img.Bounds())

	// Left edge of the outline, below the label area.
	assert.Equal(t, geometry.ColorFor(1), rgbaAt(img, 20, 50))
	// Well inside the element nothing is drawn.
	assert.Equal(t, background, rgbaAt(img, 40, 50))
	// Far outside the element the screenshot is untouched.
	assert.Equal(t, background, rgbaAt(img, 150, 90))
}

func TestAnnotate_SkipsGridMarkers(t *testing.T) {
	a := NewAnnotator(zap.NewNop())
	in := blankPNG(t, 200, 100)
	marker := schemas.InteractiveElement{
		Index:        1,
		StableID:     GridMarkerPrefix + "A1",
		ViewportRect: schemas.NewRectangle(20, 20, 60, 40),
	}

	out := a.Annotate(in, []schemas.InteractiveElement{marker})
	img, _ := decode(t, out)
	assert.Equal(t, background, rgbaAt(img, 20, 50))
}

func TestAnnotate_KeepsJPEGEncoding(t *testing.T) {
	a := NewAnnotator(zap.NewNop())
	in := blankJPEG(t, 120, 80)

	out := a.Annotate(in, []schemas.InteractiveElement{{Index: 3, ViewportRect: schemas.NewRectangle(10, 10, 50, 30)}})
	_, format := decode(t, out)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, schemas.ImageFormatJPEG, out.Format)
}

func TestAnnotateScaled_MapsViewportToImagePixels(t *testing.T) {
	a := NewAnnotator(zap.NewNop())
	in := blankPNG(t, 200, 100)
	target := schemas.InteractiveElement{Index: 1, ViewportRect: schemas.NewRectangle(10, 10, 30, 20)}

	out := a.AnnotateScaled(in, []schemas.InteractiveElement{target}, 2)
	img, _ := decode(t, out)
	// The outline's left edge lands at x=20 once scaled.
	assert.Equal(t, geometry.ColorFor(1), rgbaAt(img, 20, 40))
	assert.Equal(t, background, rgbaAt(img, 10, 40))
}
