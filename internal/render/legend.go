package render

import (
	"image"
	"image/color"
	"strconv"

	"github.com/fogleman/gg"
	"golang.org/x/image/font/basicfont"

	"github.com/markerview/server/pkg/colormap"
)

// LegendEntry is one block of the legend: a colorbar for a scalar dataset or
// a swatch list for a pie dataset.
type LegendEntry struct {
	Title    string
	Colormap colormap.Colormap
	Min, Max float64
	Sectors  []string
}

const (
	legendWidth   = 300
	legendPad     = 8
	legendBarW    = 256
	legendBarH    = 12
	legendLineH   = 16
	legendSwatchW = 12
)

func (e LegendEntry) height() int {
	if e.Colormap != nil {
		return legendLineH*2 + legendBarH + legendPad
	}
	return legendLineH*(1+len(e.Sectors)) + legendPad
}

// DrawLegend renders the entries top to bottom on a white card.
func DrawLegend(entries []LegendEntry) image.Image {
	h := legendPad
	for _, e := range entries {
		h += e.height()
	}
	dc := gg.NewContext(legendWidth, h)
	dc.SetColor(color.White)
	dc.Clear()
	dc.SetFontFace(basicfont.Face7x13)

	y := float64(legendPad)
	for _, e := range entries {
		dc.SetColor(color.Black)
		dc.DrawString(e.Title, legendPad, y+legendLineH-4)
		y += legendLineH

		if e.Colormap != nil {
			for i := 0; i < legendBarW; i++ {
				dc.SetColor(e.Colormap.At(float64(i) / (legendBarW - 1)))
				dc.DrawRectangle(float64(legendPad+i), y, 1, legendBarH)
				dc.Fill()
			}
			y += legendBarH
			dc.SetColor(color.Black)
			lo, hi := formatTick(e.Min), formatTick(e.Max)
			dc.DrawStringAnchored(lo, legendPad, y+legendLineH/2, 0, 0.5)
			dc.DrawStringAnchored(hi, legendPad+legendBarW, y+legendLineH/2, 1, 0.5)
			y += legendLineH + legendPad
			continue
		}

		for i, name := range e.Sectors {
			dc.SetColor(SectorColor(i))
			dc.DrawRectangle(legendPad, y+2, legendSwatchW, legendSwatchW)
			dc.Fill()
			dc.SetColor(color.Black)
			dc.DrawString(name, legendPad+legendSwatchW+6, y+legendLineH-4)
			y += legendLineH
		}
		y += legendPad
	}
	return dc.Image()
}

func formatTick(v float64) string {
	return strconv.FormatFloat(v, 'g', 4, 64)
}
