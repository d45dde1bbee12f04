package perception

import (
	"sort"
	"strings"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/geometry"
)

const (
	// DefaultIoUThreshold is the overlap above which two candidates are
	// treated as the same element.
	DefaultIoUThreshold = 0.7
	// evictAreaRatio is the share of a container's area a contained
	// candidate must cover to displace it.
	evictAreaRatio = 0.5
	// rowTolerance groups elements whose top edges are this close into one
	// reading row.
	rowTolerance = 20.0
	// firstIndex is the index given to the first element in reading order.
	firstIndex = 1
)

// Resolve merges candidates from any number of detectors into a
// de-duplicated list in reading order with freshly assigned indexes.
// It is deterministic in the input order and idempotent at a fixed threshold.
func Resolve(elements []schemas.InteractiveElement, iouThreshold float64) []schemas.InteractiveElement {
	if len(elements) == 0 {
		return []schemas.InteractiveElement{}
	}
	kept := filterOverlaps(elements, iouThreshold)
	return readingOrder(kept)
}

// filterOverlaps walks candidates from largest to smallest and keeps the ones
// that are neither near duplicates of, nor redundant children of, an element
// already accepted.
func filterOverlaps(elements []schemas.InteractiveElement, iouThreshold float64) []schemas.InteractiveElement {
	candidates := make([]schemas.InteractiveElement, len(elements))
	copy(candidates, elements)
	sort.SliceStable(candidates, func(i, j int) bool {
		return byAreaThenWeight(candidates[i], candidates[j])
	})

	accepted := make([]schemas.InteractiveElement, 0, len(candidates))
	for _, cand := range candidates {
		rect := cand.ViewportRect
		area := rect.Area()
		drop := false
		var evict []int

		for i, acc := range accepted {
			if geometry.IoU(rect, acc.ViewportRect) > iouThreshold {
				drop = true
				break
			}
			if !geometry.IsContained(rect, acc.ViewportRect) {
				continue
			}
			if acc.Weight >= cand.Weight && acc.ZIndex == cand.ZIndex {
				drop = true
				break
			}
			if area >= evictAreaRatio*acc.ViewportRect.Area() {
				evict = append(evict, i)
			}
		}
		if drop {
			continue
		}
		if len(evict) > 0 {
			accepted = removeIndexes(accepted, evict)
		}
		accepted = append(accepted, cand)
	}
	return accepted
}

// readingOrder groups elements into rows by their top edge, orders each row
// left to right and reassigns indexes over the flattened rows.
func readingOrder(elements []schemas.InteractiveElement) []schemas.InteractiveElement {
	sorted := make([]schemas.InteractiveElement, len(elements))
	copy(sorted, elements)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].ViewportRect, sorted[j].ViewportRect
		if a.Top != b.Top {
			return a.Top < b.Top
		}
		if a.Left != b.Left {
			return a.Left < b.Left
		}
		return tieBreak(sorted[i], sorted[j])
	})

	var rows [][]schemas.InteractiveElement
	var lastTop float64
	for _, el := range sorted {
		top := el.ViewportRect.Top
		if len(rows) > 0 && top-lastTop <= rowTolerance {
			rows[len(rows)-1] = append(rows[len(rows)-1], el)
		} else {
			rows = append(rows, []schemas.InteractiveElement{el})
		}
		lastTop = top
	}

	out := make([]schemas.InteractiveElement, 0, len(elements))
	for _, row := range rows {
		sort.SliceStable(row, func(i, j int) bool {
			a, b := row[i].ViewportRect, row[j].ViewportRect
			if a.Left != b.Left {
				return a.Left < b.Left
			}
			if a.Top != b.Top {
				return a.Top < b.Top
			}
			return tieBreak(row[i], row[j])
		})
		out = append(out, row...)
	}
	for i := range out {
		out[i].Index = firstIndex + i
	}
	return out
}

func byAreaThenWeight(a, b schemas.InteractiveElement) bool {
	aa, ba := a.ViewportRect.Area(), b.ViewportRect.Area()
	if aa != ba {
		return aa > ba
	}
	if a.Weight != b.Weight {
		return a.Weight > b.Weight
	}
	ar, br := a.ViewportRect, b.ViewportRect
	if ar.Top != br.Top {
		return ar.Top < br.Top
	}
	if ar.Left != br.Left {
		return ar.Left < br.Left
	}
	return tieBreak(a, b)
}

// tieBreak orders elements that share geometry so the result never depends
// on the order detectors reported them in.
func tieBreak(a, b schemas.InteractiveElement) bool {
	ar, br := a.ViewportRect, b.ViewportRect
	if ar.Right != br.Right {
		return ar.Right < br.Right
	}
	if ar.Bottom != br.Bottom {
		return ar.Bottom < br.Bottom
	}
	if a.Weight != b.Weight {
		return a.Weight > b.Weight
	}
	if a.ZIndex != b.ZIndex {
		return a.ZIndex < b.ZIndex
	}
	if c := strings.Compare(a.StableID, b.StableID); c != 0 {
		return c < 0
	}
	if c := strings.Compare(a.TagKind, b.TagKind); c != 0 {
		return c < 0
	}
	if c := strings.Compare(a.InputKind, b.InputKind); c != 0 {
		return c < 0
	}
	return a.Text < b.Text
}

func removeIndexes(list []schemas.InteractiveElement, idx []int) []schemas.InteractiveElement {
	skip := make(map[int]struct{}, len(idx))
	for _, i := range idx {
		skip[i] = struct{}{}
	}
	out := list[:0]
	for i, el := range list {
		if _, ok := skip[i]; !ok {
			out = append(out, el)
		}
	}
	return out
}
