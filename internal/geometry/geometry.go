// internal/geometry/geometry.go
package geometry

import (
	"image/color"
	"math"

	"github.com/xkilldash9x/pagepilot/api/schemas"
)

// IoU returns the intersection over union of two rectangles, in [0, 1].
func IoU(a, b schemas.Rectangle) float64 {
	inter := Intersection(a, b).Area()
	if inter == 0 {
		return 0
	}
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return math.Min(1, inter/union)
}

// Intersection returns the overlapping region, or a zero rectangle when the
// inputs are disjoint.
func Intersection(a, b schemas.Rectangle) schemas.Rectangle {
	left := math.Max(a.Left, b.Left)
	top := math.Max(a.Top, b.Top)
	right := math.Min(a.Right, b.Right)
	bottom := math.Min(a.Bottom, b.Bottom)
	if right <= left || bottom <= top {
		return schemas.Rectangle{}
	}
	return schemas.Rectangle{
		Left:   left,
		Top:    top,
		Right:  right,
		Bottom: bottom,
		Width:  right - left,
		Height: bottom - top,
	}
}

// Intersects reports whether two rectangles share a non-empty area.
func Intersects(a, b schemas.Rectangle) bool {
	return Intersection(a, b).Area() > 0
}

// IsContained reports whether a lies entirely within b.
func IsContained(a, b schemas.Rectangle) bool {
	return a.Left >= b.Left &&
		a.Top >= b.Top &&
		a.Right <= b.Right &&
		a.Bottom <= b.Bottom
}

// palette holds the base highlight colors.
var palette = []color.RGBA{
	{R: 255, G: 0, B: 0, A: 255},
	{R: 0, G: 160, B: 0, A: 255},
	{R: 0, G: 0, B: 255, A: 255},
	{R: 255, G: 140, B: 0, A: 255},
	{R: 128, G: 0, B: 128, A: 255},
	{R: 0, G: 128, B: 128, A: 255},
	{R: 255, G: 20, B: 147, A: 255},
	{R: 75, G: 0, B: 130, A: 255},
	{R: 220, G: 20, B: 60, A: 255},
	{R: 70, G: 130, B: 180, A: 255},
}

const colorOffsetSpan = 61

// ColorFor derives a stable highlight color for an element index. Each
// channel is shifted by an offset keyed on a different prime so neighbouring
// indices sharing a base color still look distinct.
func ColorFor(index int) color.RGBA {
	if index < 0 {
		index = -index
	}
	base := palette[index%len(palette)]
	return color.RGBA{
		R: shift(base.R, index, 7),
		G: shift(base.G, index, 13),
		B: shift(base.B, index, 19),
		A: 255,
	}
}

func shift(v uint8, index, prime int) uint8 {
	offset := (index*prime)%colorOffsetSpan - colorOffsetSpan/2
	return clampChannel(int(v) + offset)
}

func clampChannel(v int) uint8 {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	default:
		return uint8(v)
	}
}

// labelGap separates a pushed label from the one it collided with.
const labelGap = 2

// PlaceLabel positions a w by h label for target. The label sits inside the
// target's top right corner when it fits, otherwise just above that corner.
// When it collides with an already placed label it moves once, to just below
// the first conflicting label. The result is clamped into bounds.
func PlaceLabel(target schemas.Rectangle, w, h float64, placed []schemas.Rectangle, bounds schemas.Rectangle) schemas.Rectangle {
	var label schemas.Rectangle
	if target.Width >= w && target.Height >= h {
		label = schemas.NewRectangle(target.Right-w, target.Top, w, h)
	} else {
		label = schemas.NewRectangle(target.Right-w, target.Top-h, w, h)
	}

	for _, other := range placed {
		if Intersects(label, other) {
			label = schemas.NewRectangle(label.Left, other.Bottom+labelGap, w, h)
			break
		}
	}

	return Clamp(label, bounds)
}

// Clamp moves r so it lies within bounds, keeping its size when possible.
func Clamp(r, bounds schemas.Rectangle) schemas.Rectangle {
	left, top := r.Left, r.Top
	w, h := r.Right-r.Left, r.Bottom-r.Top
	if left+w > bounds.Right {
		left = bounds.Right - w
	}
	if top+h > bounds.Bottom {
		top = bounds.Bottom - h
	}
	if left < bounds.Left {
		left = bounds.Left
	}
	if top < bounds.Top {
		top = bounds.Top
	}
	return schemas.NewRectangle(left, top, w, h)
}
