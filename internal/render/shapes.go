package render

import (
	"math"

	"github.com/fogleman/gg"

	"github.com/markerview/server/internal/dataset"
	"github.com/markerview/server/internal/gpu"
)

// spriteSize is the side of one glyph cell in the shape atlas.
const spriteSize = 64

// hitRadius is the share of the half point size that counts as a hit, per shape.
var hitRadius = [dataset.NumShapes]float32{
	dataset.ShapeDisc:         1,
	dataset.ShapeSquare:       1,
	dataset.ShapeDiamond:      0.75,
	dataset.ShapeTriangleUp:   0.7,
	dataset.ShapeTriangleDown: 0.7,
	dataset.ShapeCross:        0.8,
	dataset.ShapeStar:         0.7,
	dataset.ShapeRing:         1,
}

// drawShapeAtlas renders every marker glyph, white on transparent, into one
// row of spriteSize cells.
func drawShapeAtlas() *gg.Context {
	dc := gg.NewContext(spriteSize*dataset.NumShapes, spriteSize)
	dc.SetRGBA(1, 1, 1, 1)
	const r = spriteSize/2 - 2
	for i := 0; i < dataset.NumShapes; i++ {
		cx, cy := float64(i*spriteSize+spriteSize/2), float64(spriteSize/2)
		switch dataset.Shape(i) {
		case dataset.ShapeDisc:
			dc.DrawCircle(cx, cy, r)
			dc.Fill()
		case dataset.ShapeSquare:
			dc.DrawRectangle(cx-r*0.85, cy-r*0.85, r*1.7, r*1.7)
			dc.Fill()
		case dataset.ShapeDiamond:
			dc.DrawRegularPolygon(4, cx, cy, r, math.Pi/4)
			dc.Fill()
		case dataset.ShapeTriangleUp:
			dc.DrawRegularPolygon(3, cx, cy+r*0.15, r, 0)
			dc.Fill()
		case dataset.ShapeTriangleDown:
			dc.DrawRegularPolygon(3, cx, cy-r*0.15, r, math.Pi)
			dc.Fill()
		case dataset.ShapeCross:
			w := r * 0.45
			dc.DrawRectangle(cx-r, cy-w/2, 2*r, w)
			dc.DrawRectangle(cx-w/2, cy-r, w, 2*r)
			dc.Fill()
		case dataset.ShapeStar:
			drawStar(dc, cx, cy, r, r*0.45, 5)
			dc.Fill()
		case dataset.ShapeRing:
			dc.SetLineWidth(r * 0.35)
			dc.DrawCircle(cx, cy, r*0.8)
			dc.Stroke()
		}
	}
	return dc
}

func drawStar(dc *gg.Context, cx, cy, outer, inner float64, points int) {
	for i := 0; i < points*2; i++ {
		rad := outer
		if i%2 == 1 {
			rad = inner
		}
		a := float64(i)*math.Pi/float64(points) - math.Pi/2
		dc.LineTo(cx+rad*math.Cos(a), cy+rad*math.Sin(a))
	}
	dc.ClosePath()
}

// newShapeTexture uploads the glyph atlas to dev.
func newShapeTexture(dev *gpu.Device) (*gpu.Texture, error) {
	dc := drawShapeAtlas()
	img := dc.Image()
	b := img.Bounds()
	tex := dev.NewTexture(b.Dx(), b.Dy())
	pix := make([]uint8, 0, b.Dx()*b.Dy()*4)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			_, _, _, a := img.At(x, y).RGBA()
			pix = append(pix, 255, 255, 255, uint8(a>>8))
		}
	}
	if err := tex.Upload(pix); err != nil {
		tex.Delete()
		return nil, err
	}
	return tex, nil
}
