package dataset

import (
	"fmt"
	"math"
	"sort"
)

// LOD controls viewport level-of-detail sampling.
type LOD struct {
	// SubsampleFraction is the share of the image the viewport must cover
	// before the pre-sampled subset is used instead of a range query.
	SubsampleFraction float64 `yaml:"subsample_fraction"`
	// MaxMarkers caps the markers returned for a zoomed-in viewport.
	MaxMarkers int `yaml:"max_markers"`
	// LowResMarkers is the size of each group's pre-sampled subset.
	LowResMarkers int   `yaml:"low_res_markers"`
	Seed          int64 `yaml:"seed"`
}

// DefaultLOD returns the sampling thresholds used when none are configured.
func DefaultLOD() LOD {
	return LOD{SubsampleFraction: 0.25, MaxMarkers: 9000, LowResMarkers: 5000, Seed: 42}
}

// View is a viewport rectangle in normalised image coordinates, where both
// axes are divided by the image width.
type View struct {
	X, Y, W, H float64
}

// pointHash mixes a seed and a row index (splitmix64 finaliser).
func pointHash(seed int64, index int) uint64 {
	z := uint64(seed)*0x9e3779b97f4a7c15 + uint64(index) + 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// deterministicSample keeps the k points with the smallest seeded hash,
// returned in their original order. The same seed always picks the same rows.
func deterministicSample(points []*MarkerPoint, k int, seed int64) []*MarkerPoint {
	if k >= len(points) {
		return points
	}
	if k <= 0 {
		return nil
	}
	type ranked struct {
		pos  int
		hash uint64
	}
	rs := make([]ranked, len(points))
	for i, p := range points {
		rs[i] = ranked{pos: i, hash: pointHash(seed, p.Index)}
	}
	sort.Slice(rs, func(a, b int) bool { return rs[a].hash < rs[b].hash })
	rs = rs[:k]
	sort.Slice(rs, func(a, b int) bool { return rs[a].pos < rs[b].pos })

	out := make([]*MarkerPoint, k)
	for i, r := range rs {
		out[i] = points[r.pos]
	}
	return out
}

// MarkersInView returns the markers of one group to draw for a viewport.
// A viewport covering less than SubsampleFraction of the image gets a range
// query capped at MaxMarkers; a wider one gets the group's low-resolution subset.
func (d *Dataset) MarkersInView(key string, v View, imageW, imageH float64, lod LOD) ([]*MarkerPoint, error) {
	if !d.bound {
		return nil, ErrNotBound
	}
	g, ok := d.byKey[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGroup, key)
	}
	if imageW <= 0 || imageH <= 0 {
		return nil, fmt.Errorf("invalid image size %vx%v", imageW, imageH)
	}

	xmin, ymin := math.Max(v.X, 0), math.Max(v.Y, 0)
	xmax, ymax := math.Min(v.X+v.W, 1), math.Min(v.Y+v.H, imageH/imageW)
	xmin, xmax, ymin, ymax = xmin*imageW, xmax*imageW, ymin*imageW, ymax*imageW

	portion := math.Max(0, xmax-xmin) * math.Max(0, ymax-ymin)
	if portion/(imageW*imageH) < lod.SubsampleFraction {
		in := g.Tree.RangeQuery(xmin, ymin, xmax, ymax)
		return deterministicSample(in, lod.MaxMarkers, lod.Seed), nil
	}
	return deterministicSample(g.points, lod.LowResMarkers, lod.Seed), nil
}
