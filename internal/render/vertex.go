package render

import (
	"image/color"

	"github.com/markerview/server/internal/dataset"
	"github.com/markerview/server/pkg/colormap"
)

// Vertex attribute layout.
const (
	attrX = iota
	attrY
	attrLUT
	attrPayload
	attrScale
	attrArcStart
	attrArcEnd

	stride
)

// shapeShift separates the LUT slot from the per-point shape override in
// the packed attrLUT value: slot + (shape+1)*shapeShift.
const shapeShift = dataset.LUTSize

func packLUT(slot int, shape dataset.Shape) float32 {
	return float32(slot + int(shape+1)*shapeShift)
}

func unpackLUT(v float32) (slot int, shape dataset.Shape) {
	n := int(v)
	return n % shapeShift, dataset.Shape(n/shapeShift - 1)
}

func packRGB(c color.Color) float32 {
	n := color.NRGBAModel.Convert(c).(color.NRGBA)
	return float32(uint32(n.R)<<16 | uint32(n.G)<<8 | uint32(n.B))
}

func unpackRGB(v float32) [3]float32 {
	n := uint32(v)
	return [3]float32{float32(n>>16&0xff) / 255, float32(n>>8&0xff) / 255, float32(n&0xff) / 255}
}

// SectorColor is the colour of pie sector i.
func SectorColor(i int) color.Color {
	return colormap.Categorical.AtIndex(i)
}

// flatten builds the vertex stream of a dataset. rows maps every vertex
// (every row of vertices in pie mode) back to its dataset row index.
func flatten(d *dataset.Dataset, imageWidth float64) (data []float32, rows []int, perRow int) {
	points := d.Points()
	perRow = 1
	if d.Mode() == dataset.ModePie {
		perRow = d.Sectors()
		if perRow == 0 {
			return nil, nil, 0
		}
	}

	data = make([]float32, 0, len(points)*perRow*stride)
	rows = make([]int, 0, len(points))
	for _, p := range points {
		x, y := float32(p.X/imageWidth), float32(p.Y/imageWidth)
		lut := packLUT(p.Slot, p.Shape)
		scale := float32(p.Scale)

		switch d.Mode() {
		case dataset.ModePie:
			if !hasArea(p.Sectors) {
				continue
			}
			var start float32
			for s := 0; s < perRow; s++ {
				var frac float32
				if s < len(p.Sectors) {
					frac = float32(p.Sectors[s])
				}
				end := start + frac
				if end > 1-1e-5 {
					end = 1
				}
				data = append(data, x, y, lut, packRGB(SectorColor(s)), scale, start, end)
				start = end
			}
		default:
			var payload float32
			switch d.Mode() {
			case dataset.ModeHexColor:
				payload = float32(p.Color)
			case dataset.ModeScalar:
				payload = float32(p.Value)
			}
			data = append(data, x, y, lut, payload, scale, 0, 1)
		}
		rows = append(rows, p.Index)
	}
	return data, rows, perRow
}

func hasArea(sectors []float64) bool {
	for _, s := range sectors {
		if s > 0 {
			return true
		}
	}
	return false
}
