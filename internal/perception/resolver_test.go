package perception

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/geometry"
	"pgregory.net/rapid"
)

func el(id string, left, top, w, h, weight float64, z int) schemas.InteractiveElement {
	rect := schemas.NewRectangle(left, top, w, h)
	return schemas.InteractiveElement{
		TagKind:      "button",
		StableID:     id,
		ViewportRect: rect,
		PageRect:     rect,
		Center:       schemas.Point{X: left + w/2, Y: top + h/2},
		Weight:       weight,
		ZIndex:       z,
	}
}

func ids(elements []schemas.InteractiveElement) []string {
	out := make([]string, len(elements))
	for i, e := range elements {
		out[i] = e.StableID
	}
	return out
}

func TestResolve_Empty(t *testing.T) {
	got := Resolve(nil, DefaultIoUThreshold)
	require.NotNil(t, got)
	assert.Empty(t, got)
}

func TestResolve_ReadingOrder(t *testing.T) {
	t.Run("rows further apart than the tolerance stay separate", func(t *testing.T) {
		got := Resolve([]schemas.InteractiveElement{
			el("low-left", 0, 30, 40, 10, 1, 0),
			el("high-right", 100, 0, 40, 10, 1, 0),
		}, DefaultIoUThreshold)
		assert.Equal(t, []string{"high-right", "low-left"}, ids(got))
	})

	t.Run("rows within the tolerance merge and sort by left edge", func(t *testing.T) {
		got := Resolve([]schemas.InteractiveElement{
			el("right", 100, 0, 40, 10, 1, 0),
			el("left", 0, 15, 40, 10, 1, 0),
		}, DefaultIoUThreshold)
		assert.Equal(t, []string{"left", "right"}, ids(got))
	})

	t.Run("tolerance chains against the last element of the row", func(t *testing.T) {
		got := Resolve([]schemas.InteractiveElement{
			el("c", 0, 36, 20, 10, 1, 0),
			el("b", 50, 18, 20, 10, 1, 0),
			el("a", 100, 0, 20, 10, 1, 0),
		}, DefaultIoUThreshold)
		assert.Equal(t, []string{"c", "b", "a"}, ids(got))
	})

	t.Run("indexes are reassigned sequentially", func(t *testing.T) {
		in := []schemas.InteractiveElement{
			el("b", 0, 100, 20, 10, 1, 0),
			el("a", 0, 0, 20, 10, 1, 0),
		}
		in[0].Index = 42
		in[1].Index = 7
		got := Resolve(in, DefaultIoUThreshold)
		require.Len(t, got, 2)
		assert.Equal(t, firstIndex, got[0].Index)
		assert.Equal(t, firstIndex+1, got[1].Index)
		assert.Equal(t, 42, in[0].Index, "input must not be mutated")
	})
}

func TestResolve_Overlaps(t *testing.T) {
	testCases := []struct {
		name     string
		input    []schemas.InteractiveElement
		expected []string
	}{
		{
			name: "near duplicate with lower weight is dropped",
			input: []schemas.InteractiveElement{
				el("weak", 5, 5, 100, 100, 0.5, 0),
				el("strong", 0, 0, 100, 100, 1, 0),
			},
			expected: []string{"strong"},
		},
		{
			name: "smaller near duplicate is dropped",
			input: []schemas.InteractiveElement{
				el("inner", 0, 0, 95, 95, 5, 0),
				el("outer", 0, 0, 100, 100, 1, 0),
			},
			expected: []string{"outer"},
		},
		{
			name: "large heavier child evicts its parent",
			input: []schemas.InteractiveElement{
				el("parent", 0, 0, 100, 100, 1, 0),
				el("child", 0, 0, 60, 100, 2, 0),
			},
			expected: []string{"child"},
		},
		{
			name: "lighter child on the same layer is dropped",
			input: []schemas.InteractiveElement{
				el("parent", 0, 0, 100, 100, 2, 0),
				el("child", 10, 10, 20, 20, 1, 0),
			},
			expected: []string{"parent"},
		},
		{
			name: "small heavier child coexists with its parent",
			input: []schemas.InteractiveElement{
				el("parent", 0, 0, 100, 100, 1, 0),
				el("child", 10, 30, 20, 20, 2, 0),
			},
			expected: []string{"parent", "child"},
		},
		{
			name: "child on another layer is kept",
			input: []schemas.InteractiveElement{
				el("parent", 0, 0, 100, 100, 2, 0),
				el("child", 10, 30, 20, 20, 1, 5),
			},
			expected: []string{"parent", "child"},
		},
		{
			name: "large child on another layer evicts regardless of weight",
			input: []schemas.InteractiveElement{
				el("parent", 0, 0, 100, 100, 2, 0),
				el("child", 0, 0, 100, 55, 1, 5),
			},
			expected: []string{"child"},
		},
		{
			name: "disjoint elements all survive",
			input: []schemas.InteractiveElement{
				el("a", 0, 0, 10, 10, 1, 0),
				el("b", 50, 0, 10, 10, 1, 0),
				el("c", 0, 50, 10, 10, 1, 0),
			},
			expected: []string{"a", "b", "c"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := Resolve(tc.input, DefaultIoUThreshold)
			assert.Equal(t, tc.expected, ids(got))
		})
	}
}

func genElements(t *rapid.T) []schemas.InteractiveElement {
	n := rapid.IntRange(0, 25).Draw(t, "n")
	out := make([]schemas.InteractiveElement, n)
	for i := range out {
		// Coarse coordinates make overlaps, containment and shared rows common.
		left := float64(rapid.IntRange(0, 20).Draw(t, "left") * 10)
		top := float64(rapid.IntRange(0, 20).Draw(t, "top") * 10)
		w := float64(rapid.IntRange(1, 15).Draw(t, "w") * 10)
		h := float64(rapid.IntRange(1, 15).Draw(t, "h") * 10)
		weight := float64(rapid.IntRange(0, 3).Draw(t, "weight"))
		z := rapid.IntRange(0, 1).Draw(t, "z")
		out[i] = el(fmt.Sprintf("el-%02d", i), left, top, w, h, weight, z)
	}
	return out
}

func TestResolve_Idempotent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		input := genElements(rt)
		once := Resolve(input, DefaultIoUThreshold)
		twice := Resolve(once, DefaultIoUThreshold)
		if diff := cmp.Diff(once, twice); diff != "" {
			rt.Fatalf("resolve is not idempotent (-once +twice):\n%s", diff)
		}
	})
}

func TestResolve_OrderIndependent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		input := genElements(rt)
		shuffled := rapid.Permutation(input).Draw(rt, "shuffled")
		a := Resolve(input, DefaultIoUThreshold)
		b := Resolve(shuffled, DefaultIoUThreshold)
		if diff := cmp.Diff(a, b); diff != "" {
			rt.Fatalf("resolve depends on input order (-original +shuffled):\n%s", diff)
		}
	})
}

func TestResolve_NoSurvivingNearDuplicates(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		out := Resolve(genElements(rt), DefaultIoUThreshold)
		for i := range out {
			for j := i + 1; j < len(out); j++ {
				if v := geometry.IoU(out[i].ViewportRect, out[j].ViewportRect); v > DefaultIoUThreshold {
					rt.Fatalf("%s and %s overlap with iou %v", out[i].StableID, out[j].StableID, v)
				}
			}
		}
	})
}
