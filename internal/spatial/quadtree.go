// Package spatial provides the point quadtree used for region and viewport queries.
package spatial

import (
	"math"

	"github.com/golang/geo/r1"
	"github.com/golang/geo/r2"
)

const (
	// leafCapacity is the number of points a leaf holds before it splits.
	leafCapacity = 16
	// maxDepth bounds subdivision so coincident points cannot recurse forever.
	maxDepth = 24
)

// Shape is a closed region that can be tested point by point.
type Shape interface {
	// Bound returns the axis-aligned bounding box of the shape.
	Bound() r2.Rect
	// ContainsPoint reports whether (x, y) lies inside the shape.
	ContainsPoint(x, y float64) bool
}

type node struct {
	bounds   r2.Rect
	items    []int32
	children *[4]node
}

func (n *node) leaf() bool { return n.children == nil }

// Tree is a two-dimensional point quadtree over items of type T.
// A Tree is immutable once built; rebuild it when the underlying points change.
type Tree[T any] struct {
	root    *node
	items   []T
	xs      []float64
	ys      []float64
	skipped int
}

// Build creates a quadtree over items using the x and y accessors.
// Items whose coordinates are not finite are left out and counted in Skipped.
func Build[T any](items []T, x, y func(T) float64) *Tree[T] {
	t := &Tree[T]{
		items: make([]T, 0, len(items)),
		xs:    make([]float64, 0, len(items)),
		ys:    make([]float64, 0, len(items)),
	}

	bounds := r2.EmptyRect()
	for _, it := range items {
		px, py := x(it), y(it)
		if !finite(px) || !finite(py) {
			t.skipped++
			continue
		}
		t.items = append(t.items, it)
		t.xs = append(t.xs, px)
		t.ys = append(t.ys, py)
		bounds = bounds.AddPoint(r2.Point{X: px, Y: py})
	}
	if len(t.items) == 0 {
		return t
	}

	t.root = &node{bounds: squareCover(bounds)}
	for i := range t.items {
		t.insert(t.root, int32(i), 0)
	}
	return t
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// squareCover expands b into a square so that every quadrant split is even.
func squareCover(b r2.Rect) r2.Rect {
	side := math.Max(b.X.Length(), b.Y.Length())
	if side <= 0 {
		side = 1
	}
	lo := b.Lo()
	return r2.Rect{
		X: r1.Interval{Lo: lo.X, Hi: lo.X + side},
		Y: r1.Interval{Lo: lo.Y, Hi: lo.Y + side},
	}
}

func (t *Tree[T]) insert(n *node, idx int32, depth int) {
	for !n.leaf() {
		n = &n.children[quadrant(n.bounds, t.xs[idx], t.ys[idx])]
		depth++
	}
	if len(n.items) < leafCapacity || depth >= maxDepth {
		n.items = append(n.items, idx)
		return
	}
	t.split(n)
	t.insert(&n.children[quadrant(n.bounds, t.xs[idx], t.ys[idx])], idx, depth+1)
}

func (t *Tree[T]) split(n *node) {
	c := n.bounds.Center()
	lo, hi := n.bounds.Lo(), n.bounds.Hi()
	n.children = &[4]node{
		{bounds: r2.Rect{X: r1.Interval{Lo: lo.X, Hi: c.X}, Y: r1.Interval{Lo: lo.Y, Hi: c.Y}}},
		{bounds: r2.Rect{X: r1.Interval{Lo: c.X, Hi: hi.X}, Y: r1.Interval{Lo: lo.Y, Hi: c.Y}}},
		{bounds: r2.Rect{X: r1.Interval{Lo: lo.X, Hi: c.X}, Y: r1.Interval{Lo: c.Y, Hi: hi.Y}}},
		{bounds: r2.Rect{X: r1.Interval{Lo: c.X, Hi: hi.X}, Y: r1.Interval{Lo: c.Y, Hi: hi.Y}}},
	}
	items := n.items
	n.items = nil
	for _, idx := range items {
		child := &n.children[quadrant(n.bounds, t.xs[idx], t.ys[idx])]
		child.items = append(child.items, idx)
	}
}

func quadrant(b r2.Rect, x, y float64) int {
	c := b.Center()
	q := 0
	if x >= c.X {
		q++
	}
	if y >= c.Y {
		q += 2
	}
	return q
}

// Len returns the number of indexed points.
func (t *Tree[T]) Len() int { return len(t.items) }

// Skipped returns the number of items left out because of non-finite coordinates.
func (t *Tree[T]) Skipped() int { return t.skipped }

// Bounds returns the square covering all indexed points, or an empty rect.
func (t *Tree[T]) Bounds() r2.Rect {
	if t.root == nil {
		return r2.EmptyRect()
	}
	return t.root.bounds
}

// All returns every indexed item in insertion order.
func (t *Tree[T]) All() []T {
	out := make([]T, len(t.items))
	copy(out, t.items)
	return out
}

// Visit walks the tree in pre-order. fn receives the node bounds and, for leaves,
// the items stored there; the leaf slice is only valid during the call.
// Returning true from fn skips the node's children.
func (t *Tree[T]) Visit(fn func(bounds r2.Rect, leaf []T) bool) {
	if t.root == nil {
		return
	}
	var leaf []T
	var walk func(n *node)
	walk = func(n *node) {
		leaf = leaf[:0]
		for _, idx := range n.items {
			leaf = append(leaf, t.items[idx])
		}
		if fn(n.bounds, leaf) || n.leaf() {
			return
		}
		for i := range n.children {
			walk(&n.children[i])
		}
	}
	walk(t.root)
}

// RangeQuery returns every item with x in [x0, x3) and y in [y0, y3).
func (t *Tree[T]) RangeQuery(x0, y0, x3, y3 float64) []T {
	var out []T
	t.rangeIndexes(x0, y0, x3, y3, func(idx int32) {
		out = append(out, t.items[idx])
	})
	return out
}

// CountRange returns the number of items RangeQuery would return.
func (t *Tree[T]) CountRange(x0, y0, x3, y3 float64) int {
	n := 0
	t.rangeIndexes(x0, y0, x3, y3, func(int32) { n++ })
	return n
}

// PolygonQuery narrows candidates with a range query over the shape's bounding
// box and keeps the ones the shape contains.
func (t *Tree[T]) PolygonQuery(s Shape) []T {
	b := s.Bound()
	if b.IsEmpty() {
		return nil
	}
	var out []T
	t.rangeIndexes(b.X.Lo, b.Y.Lo, b.X.Hi, b.Y.Hi, func(idx int32) {
		if s.ContainsPoint(t.xs[idx], t.ys[idx]) {
			out = append(out, t.items[idx])
		}
	})
	return out
}

func (t *Tree[T]) rangeIndexes(x0, y0, x3, y3 float64, emit func(int32)) {
	if t.root == nil || x0 >= x3 || y0 >= y3 {
		return
	}
	stack := []*node{t.root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		b := n.bounds
		if b.X.Lo >= x3 || b.Y.Lo >= y3 || b.X.Hi < x0 || b.Y.Hi < y0 {
			continue
		}
		if n.leaf() {
			for _, idx := range n.items {
				x, y := t.xs[idx], t.ys[idx]
				if x >= x0 && x < x3 && y >= y0 && y < y3 {
					emit(idx)
				}
			}
			continue
		}
		for i := range n.children {
			stack = append(stack, &n.children[i])
		}
	}
}
