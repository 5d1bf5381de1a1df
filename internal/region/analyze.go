package region

import (
	"sort"

	"github.com/markerview/server/internal/dataset"
)

// Result is the outcome of analysing one region.
type Result struct {
	Histogram []HistogramEntry `json:"histogram"`
	Members   []Member         `json:"-"`
}

// Total returns the number of markers inside the region.
func (res Result) Total() int { return len(res.Members) }

// Count runs a polygon query against every group of every dataset. Groups
// with no marker inside are left out; the histogram is sorted by count,
// largest first, keeping dataset and group order among equal counts.
// Neither the region nor the datasets are modified.
func Count(r *Region, datasets []*dataset.Dataset, imageWidth float64) Result {
	shape := r.Shape(imageWidth)
	var res Result
	for _, d := range datasets {
		for _, g := range d.Groups() {
			if g.Tree == nil {
				continue
			}
			inside := g.Tree.PolygonQuery(shape)
			if len(inside) == 0 {
				continue
			}
			sort.Slice(inside, func(i, j int) bool { return inside[i].Index < inside[j].Index })
			res.Histogram = append(res.Histogram, HistogramEntry{
				Key:         g.Key,
				DisplayName: g.DisplayName,
				Dataset:     d.ID,
				Count:       len(inside),
			})
			for _, p := range inside {
				res.Members = append(res.Members, Member{Dataset: d.ID, Group: g.Key, Point: p})
			}
		}
	}
	sort.SliceStable(res.Histogram, func(i, j int) bool {
		return res.Histogram[i].Count > res.Histogram[j].Count
	})
	return res
}

// Apply replaces the region's histogram and members with res.
func (r *Region) Apply(res Result) {
	r.Histogram = res.Histogram
	r.Members = res.Members
}

// Analyze counts markers inside r and stores the result on it, replacing
// any earlier analysis.
func Analyze(r *Region, datasets []*dataset.Dataset, imageWidth float64) Result {
	res := Count(r, datasets, imageWidth)
	r.Apply(res)
	return res
}
