// Package region holds user-drawn polygon regions, the editor that creates
// them and the analysis that counts markers inside them.
package region

import (
	"errors"
	"math"

	"github.com/golang/geo/r2"

	"github.com/markerview/server/internal/dataset"
	"github.com/markerview/server/internal/spatial"
)

var (
	// ErrNotFound is returned for unknown region ids.
	ErrNotFound = errors.New("region not found")
	// ErrNotClosed is returned when geometry with fewer than three vertices is
	// used as a region.
	ErrNotClosed = errors.New("region is not closed")
)

// Vertex is a point in normalised image coordinates (global pixels divided by
// the image width on both axes).
type Vertex = [2]float64

// Ring is a closed polygon outline; the closing edge is implicit.
type Ring []Vertex

// Polygon is an outer ring followed by any holes.
type Polygon []Ring

// HistogramEntry counts the markers of one group inside a region.
type HistogramEntry struct {
	Key         string     `json:"barcode"`
	DisplayName string     `json:"gene_name"`
	Dataset     dataset.ID `json:"uid"`
	Count       int        `json:"count"`
}

// Member is a marker found inside a region by the last analysis.
type Member struct {
	Dataset dataset.ID
	Group   string
	Point   *dataset.MarkerPoint
}

// Region is a closed multipolygon with display metadata. Geometry never
// changes after creation.
type Region struct {
	ID        string
	Name      string
	Class     string
	Color     uint32
	Filled    bool
	polygons  []Polygon
	bounds    r2.Rect
	Histogram []HistogramEntry
	Members   []Member
}

// New validates the geometry and returns a region named after its id.
func New(id string, polygons []Polygon, color uint32) (*Region, error) {
	bounds := r2.EmptyRect()
	var kept []Polygon
	for _, poly := range polygons {
		var rings Polygon
		for _, ring := range poly {
			if len(ring) < 3 {
				continue
			}
			for _, v := range ring {
				if math.IsNaN(v[0]) || math.IsNaN(v[1]) || math.IsInf(v[0], 0) || math.IsInf(v[1], 0) {
					return nil, ErrNotClosed
				}
				bounds = bounds.AddPoint(r2.Point{X: v[0], Y: v[1]})
			}
			rings = append(rings, append(Ring(nil), ring...))
		}
		if len(rings) > 0 {
			kept = append(kept, rings)
		}
	}
	if len(kept) == 0 {
		return nil, ErrNotClosed
	}
	return &Region{ID: id, Name: id, Color: color, polygons: kept, bounds: bounds}, nil
}

// Polygons returns a copy of the region geometry.
func (r *Region) Polygons() []Polygon {
	out := make([]Polygon, len(r.polygons))
	for i, poly := range r.polygons {
		out[i] = make(Polygon, len(poly))
		for j, ring := range poly {
			out[i][j] = append(Ring(nil), ring...)
		}
	}
	return out
}

// Bounds returns the normalised bounding box.
func (r *Region) Bounds() r2.Rect { return r.bounds }

// GlobalBounds returns the bounding box in global pixels.
func (r *Region) GlobalBounds(imageWidth float64) r2.Rect {
	return r2.RectFromPoints(r.bounds.Lo().Mul(imageWidth), r.bounds.Hi().Mul(imageWidth))
}

// Shape returns the region in global pixel coordinates for quadtree queries.
// Points on an edge count as inside.
func (r *Region) Shape(imageWidth float64) spatial.Shape {
	s := &globalShape{bound: r.GlobalBounds(imageWidth)}
	for _, poly := range r.polygons {
		for _, ring := range poly {
			g := make(Ring, len(ring))
			for i, v := range ring {
				g[i] = Vertex{v[0] * imageWidth, v[1] * imageWidth}
			}
			s.rings = append(s.rings, g)
		}
	}
	// Range queries are half-open; widen the box so edge points reach the exact test.
	s.bound.X.Hi = math.Nextafter(s.bound.X.Hi, math.Inf(1))
	s.bound.Y.Hi = math.Nextafter(s.bound.Y.Hi, math.Inf(1))
	s.eps = 1e-9 * math.Max(1, math.Max(s.bound.X.Length(), s.bound.Y.Length()))
	return s
}

type globalShape struct {
	rings []Ring
	bound r2.Rect
	eps   float64
}

func (s *globalShape) Bound() r2.Rect { return s.bound }

// ContainsPoint applies the even-odd rule across every ring.
func (s *globalShape) ContainsPoint(x, y float64) bool {
	inside := false
	for _, ring := range s.rings {
		n := len(ring)
		for i, j := 0, n-1; i < n; j, i = i, i+1 {
			a, b := ring[j], ring[i]
			if onSegment(a, b, x, y, s.eps) {
				return true
			}
			if (b[1] > y) != (a[1] > y) &&
				x < (a[0]-b[0])*(y-b[1])/(a[1]-b[1])+b[0] {
				inside = !inside
			}
		}
	}
	return inside
}

func onSegment(a, b Vertex, x, y, eps float64) bool {
	if x < math.Min(a[0], b[0])-eps || x > math.Max(a[0], b[0])+eps ||
		y < math.Min(a[1], b[1])-eps || y > math.Max(a[1], b[1])+eps {
		return false
	}
	cross := (b[0]-a[0])*(y-a[1]) - (b[1]-a[1])*(x-a[0])
	return math.Abs(cross) <= eps*math.Max(1, math.Hypot(b[0]-a[0], b[1]-a[1]))
}
