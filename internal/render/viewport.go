package render

import (
	"errors"
	"fmt"
	"math"
)

// Viewport is one snapshot of the host viewer: the visible rectangle in
// normalised image coordinates (both axes divided by the image width), the
// rotation in degrees and the canvas size in pixels.
type Viewport struct {
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	W            float64 `json:"w"`
	H            float64 `json:"h"`
	Rotation     float64 `json:"rotation"`
	CanvasWidth  int     `json:"width"`
	CanvasHeight int     `json:"height"`
}

// ErrViewport is returned for a viewport that cannot be drawn.
var ErrViewport = errors.New("invalid viewport")

// Validate rejects empty or non-finite viewports.
func (v Viewport) Validate() error {
	for _, f := range []float64{v.X, v.Y, v.W, v.H, v.Rotation} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: non-finite value", ErrViewport)
		}
	}
	if v.W <= 0 || v.H <= 0 {
		return fmt.Errorf("%w: %vx%v rectangle", ErrViewport, v.W, v.H)
	}
	if v.CanvasWidth <= 0 || v.CanvasHeight <= 0 || v.CanvasWidth > maxCanvas || v.CanvasHeight > maxCanvas {
		return fmt.Errorf("%w: canvas %dx%d", ErrViewport, v.CanvasWidth, v.CanvasHeight)
	}
	return nil
}

const maxCanvas = 8192

// transform maps normalised image coordinates to clip space for one frame.
// Picking and drawing share it so both see the same snapshot.
type transform struct {
	center     [2]float32
	invHalf    [2]float32
	rot        [4]float32 // row-major 2x2
	pointScale float32
	canvas     [2]float32
}

func newTransform(v Viewport, markerScale, globalScale float64) transform {
	rad := v.Rotation * math.Pi / 180
	c, s := math.Cos(rad), math.Sin(rad)
	return transform{
		center:     [2]float32{float32(v.X + v.W/2), float32(v.Y + v.H/2)},
		invHalf:    [2]float32{float32(2 / v.W), float32(2 / v.H)},
		rot:        [4]float32{float32(c), float32(-s), float32(s), float32(c)},
		pointScale: float32(globalScale * markerScale * float64(v.CanvasWidth) / v.W),
		canvas:     [2]float32{float32(v.CanvasWidth), float32(v.CanvasHeight)},
	}
}

// clip returns the clip-space position of a normalised image point.
// Image y grows downwards, clip y upwards.
func (t *transform) clip(x, y float32) (float32, float32) {
	dx, dy := x-t.center[0], y-t.center[1]
	rx := t.rot[0]*dx + t.rot[1]*dy
	ry := t.rot[2]*dx + t.rot[3]*dy
	return rx * t.invHalf[0], -ry * t.invHalf[1]
}

// screen converts a clip-space position to canvas pixels.
func (t *transform) screen(cx, cy float32) (float32, float32) {
	return (cx + 1) / 2 * t.canvas[0], (1 - cy) / 2 * t.canvas[1]
}

// ScreenPoint returns the canvas pixel a normalised image point lands on.
func (v Viewport) ScreenPoint(x, y float64) (float64, float64) {
	t := newTransform(v, 1, 1)
	cx, cy := t.clip(float32(x), float32(y))
	sx, sy := t.screen(cx, cy)
	return float64(sx), float64(sy)
}
