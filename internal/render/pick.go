package render

import (
	"fmt"

	"github.com/markerview/server/internal/dataset"
	"github.com/markerview/server/internal/gpu"
)

// PickResult identifies the marker under a click.
type PickResult struct {
	Dataset dataset.ID `json:"uid"`
	Index   int        `json:"index"`
}

// Pick resolves the marker nearest to canvas pixel (sx, sy) using the same
// viewport snapshot a Draw would. Datasets are tried in insertion order; the
// last one with a hit wins. ok is false when nothing is under the click.
func (r *Renderer) Pick(v Viewport, sx, sy float64) (res PickResult, ok bool, err error) {
	if err := v.Validate(); err != nil {
		return PickResult{}, false, err
	}
	tf := r.frameTransform(v)
	for _, id := range r.order {
		set := r.sets[id]
		if set.vertices == 0 {
			continue
		}
		lutTex, _ := r.luts.LUT(id)
		u := &pickUniforms{
			transform: tf,
			minSize:   float32(r.opts.MinPointSize),
			maxSize:   float32(r.opts.MaxPointSize),
			mode:      set.mode,
			perRow:    set.perRow,
			click:     [2]float32{float32(sx), float32(sy)},
			lut:       lutTex,
		}

		r.pickTg.Clear([4]float32{})
		r.pickTg.ClearDepth(1)
		if err := gpu.Draw(r.pickTg, r.pick, set.buf, gpu.Pipeline{Mask: gpu.MaskAll, DepthTest: true}, u, 0, set.vertices); err != nil {
			return PickResult{}, false, fmt.Errorf("pick %s: %w", id, err)
		}
		px, err := r.pickTg.ReadPixel(0, 0)
		if err != nil {
			return PickResult{}, false, err
		}
		vid := decodePick(px)
		if vid < 0 {
			continue
		}
		row := vid / set.perRow
		if row >= len(set.rows) {
			continue
		}
		res, ok = PickResult{Dataset: id, Index: set.rows[row]}, true
	}
	return res, ok, nil
}
