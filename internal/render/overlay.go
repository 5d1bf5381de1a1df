package render

import (
	"image"

	"github.com/fogleman/gg"
)

// RegionOverlay is a region outline in normalised image coordinates:
// polygons of rings of (x, y) points.
type RegionOverlay struct {
	Polygons [][][][2]float64
	Color    uint32
	Filled   bool
}

const regionStrokeWidth = 2

// DrawOverlay strokes, and optionally fills at half opacity, every region on
// top of base.
func DrawOverlay(base image.Image, v Viewport, regions []RegionOverlay) image.Image {
	dc := gg.NewContextForImage(base)
	dc.SetFillRuleEvenOdd()
	dc.SetLineWidth(regionStrokeWidth)
	for _, reg := range regions {
		dc.NewSubPath()
		for _, poly := range reg.Polygons {
			for _, ring := range poly {
				for i, p := range ring {
					sx, sy := v.ScreenPoint(p[0], p[1])
					if i == 0 {
						dc.MoveTo(sx, sy)
					} else {
						dc.LineTo(sx, sy)
					}
				}
				dc.ClosePath()
			}
		}
		r, g, b := reg.Color>>16&0xff, reg.Color>>8&0xff, reg.Color&0xff
		if reg.Filled {
			dc.SetRGBA255(int(r), int(g), int(b), 128)
			dc.FillPreserve()
		}
		dc.SetRGB255(int(r), int(g), int(b))
		dc.Stroke()
	}
	return dc.Image()
}
