package gpu

import (
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
)

// ErrLink is matched by every program link failure.
var ErrLink = errors.New("gpu: program link failed")

// MaxVaryings is the number of floats a vertex stage can pass to the fragment stage.
const MaxVaryings = 8

// LinkError carries the linker diagnostic of a failed program.
type LinkError struct {
	Program string
	Log     string
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("gpu: link %s: %s", e.Program, e.Log)
}

// Is reports a match against ErrLink.
func (e *LinkError) Is(target error) bool { return target == ErrLink }

// Vertex is the input of a vertex stage: one buffer row and its index.
type Vertex struct {
	Attr []float32
	ID   int
}

// VertexOut is the clip-space position, point size and varyings of one vertex.
// Points whose centre falls outside the clip volume are not rasterised.
type VertexOut struct {
	Position  [4]float32
	PointSize float32
	Varying   [MaxVaryings]float32
}

// Fragment is the input of a fragment stage. Coord is the window position of
// the pixel centre; PointCoord runs from (0,0) at the sprite's top-left to (1,1).
type Fragment struct {
	Coord      [2]float32
	PointCoord [2]float32
	Depth      float32
	Varying    [MaxVaryings]float32
}

// FragmentOut is the colour a fragment stage produces.
type FragmentOut struct {
	Color   [4]float32
	Discard bool
}

// ProgramSource describes a program before linking. U is the uniform block type.
type ProgramSource[U any] struct {
	Name     string
	Stride   int
	Varyings int
	Vertex   func(u *U, v Vertex) VertexOut
	Fragment func(u *U, f Fragment) FragmentOut
	// Validate runs before every draw; an error aborts the draw. Use it for
	// unbound samplers and similar uniform checks.
	Validate func(u *U) error
}

// Program is a linked program.
type Program[U any] struct {
	dev     *Device
	src     ProgramSource[U]
	deleted bool
}

// Link checks src and returns a program bound to d. A failure is logged with
// its diagnostic and returned as a *LinkError; nothing is left allocated.
func Link[U any](d *Device, src ProgramSource[U]) (*Program[U], error) {
	var diag []string
	if src.Vertex == nil {
		diag = append(diag, "missing vertex stage")
	}
	if src.Fragment == nil {
		diag = append(diag, "missing fragment stage")
	}
	if src.Stride <= 0 {
		diag = append(diag, fmt.Sprintf("invalid attribute stride %d", src.Stride))
	}
	if src.Varyings < 0 || src.Varyings > MaxVaryings {
		diag = append(diag, fmt.Sprintf("%d varyings exceed the limit of %d", src.Varyings, MaxVaryings))
	}
	if len(diag) > 0 {
		err := &LinkError{Program: src.Name, Log: strings.Join(diag, "; ")}
		log.Printf("[gpu] %v", err)
		return nil, err
	}
	p := &Program[U]{dev: d, src: src}
	d.track(p)
	return p, nil
}

// Stride returns the number of floats per vertex.
func (p *Program[U]) Stride() int { return p.src.Stride }

// Delete frees the program.
func (p *Program[U]) Delete() {
	if p.deleted {
		return
	}
	p.deleted = true
	p.dev.release(p)
}

// Blend selects how fragments combine with the target.
type Blend int

const (
	// BlendNone overwrites the target.
	BlendNone Blend = iota
	// BlendAlpha uses SrcAlpha, OneMinusSrcAlpha for colour and One,
	// OneMinusSrcAlpha for alpha, which keeps the target premultiplied.
	BlendAlpha
)

// ColorMask enables writes per channel.
type ColorMask [4]bool

var (
	MaskAll   = ColorMask{true, true, true, true}
	MaskRGB   = ColorMask{true, true, true, false}
	MaskAlpha = ColorMask{false, false, false, true}
)

// Pipeline is the fixed-function state of one draw call.
type Pipeline struct {
	Blend     Blend
	Mask      ColorMask
	DepthTest bool // LESS, with depth writes
}

// Draw runs count vertices starting at first through p into t.
func Draw[U any](t *Target, p *Program[U], b *Buffer, ps Pipeline, u *U, first, count int) error {
	if t.deleted || p.deleted || b.deleted {
		return ErrDeleted
	}
	if count <= 0 {
		return ErrEmptyDraw
	}
	stride := p.src.Stride
	if len(b.data)%stride != 0 {
		return fmt.Errorf("gpu: buffer of %d floats is not a multiple of stride %d", len(b.data), stride)
	}
	if first < 0 || first+count > len(b.data)/stride {
		return fmt.Errorf("gpu: draw [%d,%d) outside %d vertices", first, first+count, len(b.data)/stride)
	}
	if p.src.Validate != nil {
		if err := p.src.Validate(u); err != nil {
			return fmt.Errorf("gpu: draw %s: %w", p.src.Name, err)
		}
	}
	if ps.DepthTest && t.depth == nil {
		return fmt.Errorf("gpu: depth test on a target without depth")
	}

	dev := p.dev
	dev.stats.DrawCalls++
	dev.stats.Vertices += count

	w, h := float32(t.w), float32(t.h)
	for id := first; id < first+count; id++ {
		out := p.src.Vertex(u, Vertex{Attr: b.data[id*stride : (id+1)*stride], ID: id})
		cw := out.Position[3]
		if cw == 0 {
			cw = 1
		}
		nx, ny, nz := out.Position[0]/cw, out.Position[1]/cw, out.Position[2]/cw
		if !(nx >= -1 && nx <= 1 && ny >= -1 && ny <= 1 && nz >= -1 && nz <= 1) || !(out.PointSize > 0) {
			continue
		}
		size := out.PointSize
		cx := (nx + 1) / 2 * w
		cy := (1 - ny) / 2 * h
		depth := (nz + 1) / 2

		x0, y0 := cx-size/2, cy-size/2
		px0 := max(0, int(math.Ceil(float64(x0-0.5))))
		py0 := max(0, int(math.Ceil(float64(y0-0.5))))
		px1 := min(t.w, int(math.Ceil(float64(x0+size-0.5))))
		py1 := min(t.h, int(math.Ceil(float64(y0+size-0.5))))

		for py := py0; py < py1; py++ {
			fy := float32(py) + 0.5
			for px := px0; px < px1; px++ {
				fx := float32(px) + 0.5
				idx := py*t.w + px
				if ps.DepthTest && !(depth < t.depth[idx]) {
					continue
				}
				dev.stats.Fragments++
				fo := p.src.Fragment(u, Fragment{
					Coord:      [2]float32{fx, fy},
					PointCoord: [2]float32{(fx - x0) / size, (fy - y0) / size},
					Depth:      depth,
					Varying:    out.Varying,
				})
				if fo.Discard {
					continue
				}
				if ps.DepthTest {
					t.depth[idx] = depth
				}
				t.write(idx*4, fo.Color, ps)
			}
		}
	}
	return nil
}

func (t *Target) write(i int, src [4]float32, ps Pipeline) {
	dst := t.color[i : i+4]
	var res [4]float32
	switch ps.Blend {
	case BlendAlpha:
		a := clamp01(src[3])
		for c := 0; c < 3; c++ {
			res[c] = clamp01(src[c])*a + dst[c]*(1-a)
		}
		res[3] = a + dst[3]*(1-a)
	default:
		for c := range res {
			res[c] = clamp01(src[c])
		}
	}
	for c := range res {
		if ps.Mask[c] {
			dst[c] = res[c]
		}
	}
}

func clamp01(v float32) float32 {
	if v < 0 || v != v {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
