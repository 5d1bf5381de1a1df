package render

import (
	"errors"
	"math"

	"github.com/markerview/server/internal/dataset"
	"github.com/markerview/server/internal/gpu"
	"github.com/markerview/server/internal/lut"
)

// offscreen parks a vertex outside the clip volume with no size, so it
// produces no fragments.
var offscreen = gpu.VertexOut{Position: [4]float32{2, 2, 2, 1}}

var errUnbound = errors.New("sampler not bound")

// markerUniforms is the uniform block of the colour program.
type markerUniforms struct {
	transform
	minSize, maxSize float32

	mode      dataset.Mode
	perRow    int
	alphaPass bool
	opacity   float32

	scalarMin, scalarSpan float32

	lut, colormap, shapes *gpu.Texture
}

// Varying slots of the colour program.
const (
	varR = iota
	varG
	varB
	varA
	varShape
	varArcStart
	varArcEnd
)

func markerProgram() gpu.ProgramSource[markerUniforms] {
	return gpu.ProgramSource[markerUniforms]{
		Name:     "marker",
		Stride:   stride,
		Varyings: 7,
		Vertex:   markerVertex,
		Fragment: markerFragment,
		Validate: func(u *markerUniforms) error {
			if u.lut == nil || u.colormap == nil || u.shapes == nil {
				return errUnbound
			}
			return nil
		},
	}
}

func markerVertex(u *markerUniforms, v gpu.Vertex) gpu.VertexOut {
	a := v.Attr
	slot, override := unpackLUT(a[attrLUT])
	e := u.lut.FetchRaw(slot, 0)
	if e[3] == 0 {
		return offscreen
	}
	if u.mode == dataset.ModePie && u.alphaPass && v.ID%u.perRow != 0 {
		return offscreen
	}
	shape := float32(e[3]) - 1
	if override >= 0 {
		shape = float32(override)
	}

	var rgb [3]float32
	switch u.mode {
	case dataset.ModeHexColor, dataset.ModePie:
		rgb = unpackRGB(a[attrPayload])
	case dataset.ModeScalar:
		val := a[attrPayload]
		if val != val {
			return offscreen
		}
		var t float32
		if u.scalarSpan != 0 {
			t = min(max((val-u.scalarMin)/u.scalarSpan, 0), 1)
		}
		c := u.colormap.Fetch(int(t*(lut.ColormapSize-1)+0.5), 0)
		rgb = [3]float32{c[0], c[1], c[2]}
	default:
		rgb = [3]float32{float32(e[0]) / 255, float32(e[1]) / 255, float32(e[2]) / 255}
	}

	cx, cy := u.clip(a[attrX], a[attrY])
	out := gpu.VertexOut{
		Position:  [4]float32{cx, cy, 0, 1},
		PointSize: min(max(a[attrScale]*u.pointScale, u.minSize), u.maxSize),
	}
	out.Varying[varR], out.Varying[varG], out.Varying[varB] = rgb[0], rgb[1], rgb[2]
	out.Varying[varA] = u.opacity
	out.Varying[varShape] = shape
	out.Varying[varArcStart] = a[attrArcStart]
	out.Varying[varArcEnd] = a[attrArcEnd]
	return out
}

func markerFragment(u *markerUniforms, f gpu.Fragment) gpu.FragmentOut {
	shape := f.Varying[varShape]
	cov := u.shapes.Sample((shape+f.PointCoord[0])/float32(dataset.NumShapes), f.PointCoord[1])[3]
	if cov == 0 {
		return gpu.FragmentOut{Discard: true}
	}
	if u.mode == dataset.ModePie && !u.alphaPass {
		t := sectorPosition(f.PointCoord)
		if t < f.Varying[varArcStart] || t >= f.Varying[varArcEnd] {
			return gpu.FragmentOut{Discard: true}
		}
	}
	return gpu.FragmentOut{Color: [4]float32{
		f.Varying[varR], f.Varying[varG], f.Varying[varB], cov * f.Varying[varA],
	}}
}

// sectorPosition returns the clockwise angle from twelve o'clock of a sprite
// coordinate, as a fraction of a full turn.
func sectorPosition(pc [2]float32) float32 {
	a := math.Atan2(float64(pc[0]-0.5), float64(0.5-pc[1])) / (2 * math.Pi)
	if a < 0 {
		a++
	}
	return float32(a)
}

// pickUniforms is the uniform block of the picking program.
type pickUniforms struct {
	transform
	minSize, maxSize float32

	mode   dataset.Mode
	perRow int
	click  [2]float32
	lut    *gpu.Texture
}

func pickProgram() gpu.ProgramSource[pickUniforms] {
	return gpu.ProgramSource[pickUniforms]{
		Name:     "pick",
		Stride:   stride,
		Varyings: 3,
		Vertex:   pickVertex,
		Fragment: func(_ *pickUniforms, f gpu.Fragment) gpu.FragmentOut {
			return gpu.FragmentOut{Color: [4]float32{f.Varying[0], f.Varying[1], f.Varying[2], 1}}
		},
		Validate: func(u *pickUniforms) error {
			if u.lut == nil {
				return errUnbound
			}
			return nil
		},
	}
}

// pickVertex moves a marker onto the single pick pixel when the click lies
// within its hit radius, with depth proportional to the distance.
func pickVertex(u *pickUniforms, v gpu.Vertex) gpu.VertexOut {
	a := v.Attr
	slot, override := unpackLUT(a[attrLUT])
	e := u.lut.FetchRaw(slot, 0)
	if e[3] == 0 {
		return offscreen
	}
	if u.mode == dataset.ModePie && v.ID%u.perRow != 0 {
		return offscreen
	}
	if u.mode == dataset.ModeScalar && a[attrPayload] != a[attrPayload] {
		return offscreen
	}
	shape := int(e[3]) - 1
	if override >= 0 {
		shape = int(override)
	}
	shape = min(shape, dataset.NumShapes-1)

	cx, cy := u.clip(a[attrX], a[attrY])
	if cx < -1 || cx > 1 || cy < -1 || cy > 1 {
		return offscreen
	}
	sx, sy := u.screen(cx, cy)
	size := min(max(a[attrScale]*u.pointScale, u.minSize), u.maxSize)
	radius := size / 2 * hitRadius[shape]
	d := float32(math.Hypot(float64(sx-u.click[0]), float64(sy-u.click[1])))
	if !(d < radius) {
		return offscreen
	}

	out := gpu.VertexOut{Position: [4]float32{0, 0, d/radius*2 - 1, 1}, PointSize: 1}
	id := uint32(v.ID + 1)
	out.Varying[0] = float32(id>>16&0xff) / 255
	out.Varying[1] = float32(id>>8&0xff) / 255
	out.Varying[2] = float32(id&0xff) / 255
	return out
}

func decodePick(px [4]uint8) int {
	return int(uint32(px[0])<<16|uint32(px[1])<<8|uint32(px[2])) - 1
}
