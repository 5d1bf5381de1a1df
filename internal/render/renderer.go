// Package render draws marker datasets on the software GPU device, resolves
// picks against them and composes the legend and region overlay.
package render

import (
	"errors"
	"fmt"
	"image"
	"log"

	"github.com/markerview/server/internal/dataset"
	"github.com/markerview/server/internal/gpu"
	"github.com/markerview/server/internal/lut"
)

// Options configures marker sizing and the image the markers sit on.
type Options struct {
	ImageWidth   float64
	ImageHeight  float64
	MarkerScale  float64
	GlobalScale  float64
	MinPointSize float64
	MaxPointSize float64
}

// DefaultOptions returns the sizing used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		ImageWidth:   1024,
		ImageHeight:  1024,
		MarkerScale:  0.01,
		GlobalScale:  1,
		MinPointSize: 2,
		MaxPointSize: 256,
	}
}

// markerSet is the device-side projection of one dataset.
type markerSet struct {
	buf      *gpu.Buffer
	vertices int
	perRow   int
	rows     []int
	mode     dataset.Mode
	state    dataset.RenderState
}

// FrameStats describes the last Draw.
type FrameStats struct {
	DrawCalls  int
	PerDataset map[dataset.ID]int
}

// Renderer owns the vertex buffers, programs and targets of every dataset.
// It is not safe for concurrent use.
type Renderer struct {
	dev  *gpu.Device
	luts *lut.Manager
	opts Options

	marker *gpu.Program[markerUniforms]
	pick   *gpu.Program[pickUniforms]
	shapes *gpu.Texture
	frame  *gpu.Target
	pickTg *gpu.Target

	sets  map[dataset.ID]*markerSet
	order []dataset.ID
	last  FrameStats
}

// New links the marker and pick programs and builds the shape atlas.
func New(dev *gpu.Device, luts *lut.Manager, opts Options) (*Renderer, error) {
	if opts.ImageWidth <= 0 || opts.ImageHeight <= 0 {
		return nil, fmt.Errorf("invalid image size %vx%v", opts.ImageWidth, opts.ImageHeight)
	}
	marker, err := gpu.Link(dev, markerProgram())
	if err != nil {
		return nil, err
	}
	pick, err := gpu.Link(dev, pickProgram())
	if err != nil {
		marker.Delete()
		return nil, err
	}
	shapes, err := newShapeTexture(dev)
	if err != nil {
		marker.Delete()
		pick.Delete()
		return nil, fmt.Errorf("build shape atlas: %w", err)
	}
	return &Renderer{
		dev:    dev,
		luts:   luts,
		opts:   opts,
		marker: marker,
		pick:   pick,
		shapes: shapes,
		frame:  dev.NewTarget(1, 1, false),
		pickTg: dev.NewTarget(1, 1, true),
		sets:   make(map[dataset.ID]*markerSet),
	}, nil
}

// Options returns the current sizing options.
func (r *Renderer) Options() Options { return r.opts }

// SetOptions replaces the sizing options. Callers reload every dataset when
// the image size changes, since vertex positions are normalised by it.
func (r *Renderer) SetOptions(opts Options) error {
	if opts.ImageWidth <= 0 || opts.ImageHeight <= 0 {
		return fmt.Errorf("invalid image size %vx%v", opts.ImageWidth, opts.ImageHeight)
	}
	r.opts = opts
	return nil
}

// LoadMarkers flattens d into vertices and replaces its buffer. A dataset
// with no bindings or no points gets an empty buffer and is skipped by Draw.
func (r *Renderer) LoadMarkers(d *dataset.Dataset) error {
	var data []float32
	var rows []int
	perRow := 1
	if _, bound := d.Bindings(); bound {
		data, rows, perRow = flatten(d, r.opts.ImageWidth)
	}

	set, ok := r.sets[d.ID]
	if !ok {
		set = &markerSet{buf: r.dev.NewBuffer()}
		r.sets[d.ID] = set
		r.order = append(r.order, d.ID)
	}
	if err := set.buf.Upload(data); err != nil {
		return fmt.Errorf("upload markers for %s: %w", d.ID, err)
	}
	set.vertices = len(data) / stride
	set.perRow = max(perRow, 1)
	set.rows = rows
	set.mode = d.Mode()
	set.state = d.Render
	return nil
}

// SetRenderState updates opacity and scalar range without touching the buffer.
func (r *Renderer) SetRenderState(id dataset.ID, rs dataset.RenderState) error {
	set, ok := r.sets[id]
	if !ok {
		return fmt.Errorf("%w: %s", dataset.ErrNotFound, id)
	}
	set.state = rs
	return nil
}

// DeleteMarkers frees every device resource of a dataset and forgets it.
func (r *Renderer) DeleteMarkers(id dataset.ID) {
	if set, ok := r.sets[id]; ok {
		set.buf.Delete()
		delete(r.sets, id)
	}
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	delete(r.last.PerDataset, id)
	r.luts.Delete(id)
}

// Holds reports whether any renderer or LUT state is kept for id.
func (r *Renderer) Holds(id dataset.ID) bool {
	if _, ok := r.sets[id]; ok {
		return true
	}
	if _, ok := r.last.PerDataset[id]; ok {
		return true
	}
	for _, o := range r.order {
		if o == id {
			return true
		}
	}
	return r.luts.Holds(id)
}

// LastFrame returns the statistics of the most recent Draw.
func (r *Renderer) LastFrame() FrameStats { return r.last }

func (r *Renderer) frameTransform(v Viewport) transform {
	return newTransform(v, r.opts.MarkerScale, r.opts.GlobalScale)
}

// Draw renders every live dataset, in insertion order, into the frame target.
// A dataset that fails to draw is logged and reported in the returned error;
// the others are still drawn.
func (r *Renderer) Draw(v Viewport) error {
	if err := v.Validate(); err != nil {
		return err
	}
	r.frame.Resize(v.CanvasWidth, v.CanvasHeight)
	r.frame.Clear([4]float32{})
	r.last = FrameStats{PerDataset: make(map[dataset.ID]int)}

	tf := r.frameTransform(v)
	var errs []error
	for _, id := range r.order {
		set := r.sets[id]
		if set.vertices == 0 {
			continue
		}
		calls, err := r.drawSet(id, set, tf)
		r.last.DrawCalls += calls
		if calls > 0 {
			r.last.PerDataset[id] = calls
		}
		if err != nil {
			log.Printf("[render] draw %s: %v", id, err)
			errs = append(errs, fmt.Errorf("draw %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Renderer) drawSet(id dataset.ID, set *markerSet, tf transform) (int, error) {
	lutTex, _ := r.luts.LUT(id)
	cmTex, _ := r.luts.Colormap(id)
	u := &markerUniforms{
		transform:  tf,
		minSize:    float32(r.opts.MinPointSize),
		maxSize:    float32(r.opts.MaxPointSize),
		mode:       set.mode,
		perRow:     set.perRow,
		opacity:    float32(set.state.Opacity),
		scalarMin:  float32(set.state.ScalarMin),
		scalarSpan: float32(set.state.ScalarMax - set.state.ScalarMin),
		lut:        lutTex,
		colormap:   cmTex,
		shapes:     r.shapes,
	}

	if set.mode != dataset.ModePie {
		err := gpu.Draw(r.frame, r.marker, set.buf, gpu.Pipeline{Blend: gpu.BlendAlpha, Mask: gpu.MaskAll}, u, 0, set.vertices)
		if err != nil {
			return 0, err
		}
		return 1, nil
	}

	u.alphaPass = true
	if err := gpu.Draw(r.frame, r.marker, set.buf, gpu.Pipeline{Blend: gpu.BlendAlpha, Mask: gpu.MaskAlpha}, u, 0, set.vertices); err != nil {
		return 0, err
	}
	u.alphaPass = false
	if err := gpu.Draw(r.frame, r.marker, set.buf, gpu.Pipeline{Blend: gpu.BlendAlpha, Mask: gpu.MaskRGB}, u, 0, set.vertices); err != nil {
		return 1, err
	}
	return 2, nil
}

// Frame returns a copy of the last drawn frame.
func (r *Renderer) Frame() *image.RGBA {
	return r.frame.Image()
}

// Close frees the programs, targets and shape atlas. Dataset buffers are
// freed through DeleteMarkers.
func (r *Renderer) Close() {
	for _, id := range append([]dataset.ID(nil), r.order...) {
		r.DeleteMarkers(id)
	}
	r.marker.Delete()
	r.pick.Delete()
	r.shapes.Delete()
	r.frame.Delete()
	r.pickTg.Delete()
}
