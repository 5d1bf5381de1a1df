// Package gpu is a small software point-sprite device: vertex buffers, RGBA
// textures, render targets with optional depth, and programs made of a vertex
// and a fragment stage. It mirrors the subset of WebGL the marker renderer uses.
//
// A Device and everything created from it must be used from one goroutine at a time.
package gpu

import (
	"errors"
	"fmt"
	"image"
)

var (
	// ErrDeleted is returned when a deleted resource is used.
	ErrDeleted = errors.New("gpu: resource deleted")
	// ErrEmptyDraw is returned for a draw call with no vertices.
	ErrEmptyDraw = errors.New("gpu: zero-count draw")
)

// Stats counts device work since the last ResetStats.
type Stats struct {
	DrawCalls int
	Vertices  int
	Fragments int
}

// Device owns every buffer, texture, target and program created from it.
type Device struct {
	live  map[any]struct{}
	stats Stats
}

// NewDevice returns an empty device.
func NewDevice() *Device {
	return &Device{live: make(map[any]struct{})}
}

// Live returns the number of resources that have not been deleted.
func (d *Device) Live() int { return len(d.live) }

// Stats returns the work counters.
func (d *Device) Stats() Stats { return d.stats }

// ResetStats zeroes the work counters.
func (d *Device) ResetStats() { d.stats = Stats{} }

func (d *Device) track(r any)   { d.live[r] = struct{}{} }
func (d *Device) release(r any) { delete(d.live, r) }

// Buffer is a vertex buffer of float32 attributes.
type Buffer struct {
	dev     *Device
	data    []float32
	deleted bool
}

// NewBuffer allocates an empty vertex buffer.
func (d *Device) NewBuffer() *Buffer {
	b := &Buffer{dev: d}
	d.track(b)
	return b
}

// Upload replaces the buffer contents.
func (b *Buffer) Upload(data []float32) error {
	if b.deleted {
		return ErrDeleted
	}
	b.data = append(b.data[:0], data...)
	return nil
}

// Len returns the number of floats stored.
func (b *Buffer) Len() int { return len(b.data) }

// Delete frees the buffer.
func (b *Buffer) Delete() {
	if b.deleted {
		return
	}
	b.deleted = true
	b.data = nil
	b.dev.release(b)
}

// Texture is an RGBA8 texture.
type Texture struct {
	dev     *Device
	w, h    int
	pix     []uint8
	deleted bool
}

// NewTexture allocates a zeroed w×h texture.
func (d *Device) NewTexture(w, h int) *Texture {
	t := &Texture{dev: d, w: w, h: h, pix: make([]uint8, w*h*4)}
	d.track(t)
	return t
}

// Size returns the texture dimensions.
func (t *Texture) Size() (int, int) { return t.w, t.h }

// Upload replaces the texel data; pix must hold exactly w*h*4 bytes.
func (t *Texture) Upload(pix []uint8) error {
	if t.deleted {
		return ErrDeleted
	}
	if len(pix) != len(t.pix) {
		return fmt.Errorf("gpu: texture upload of %d bytes, want %d", len(pix), len(t.pix))
	}
	copy(t.pix, pix)
	return nil
}

// Pix returns a copy of the texel data.
func (t *Texture) Pix() []uint8 {
	return append([]uint8(nil), t.pix...)
}

// Fetch returns the texel at (x, y) as normalised floats, clamping coordinates.
func (t *Texture) Fetch(x, y int) [4]float32 {
	x = min(max(x, 0), t.w-1)
	y = min(max(y, 0), t.h-1)
	i := (y*t.w + x) * 4
	return [4]float32{
		float32(t.pix[i]) / 255,
		float32(t.pix[i+1]) / 255,
		float32(t.pix[i+2]) / 255,
		float32(t.pix[i+3]) / 255,
	}
}

// FetchRaw returns the texel bytes at (x, y), clamping coordinates.
func (t *Texture) FetchRaw(x, y int) [4]uint8 {
	x = min(max(x, 0), t.w-1)
	y = min(max(y, 0), t.h-1)
	i := (y*t.w + x) * 4
	return [4]uint8{t.pix[i], t.pix[i+1], t.pix[i+2], t.pix[i+3]}
}

// Sample does a nearest-neighbour lookup at normalised (u, v) with clamping.
func (t *Texture) Sample(u, v float32) [4]float32 {
	return t.Fetch(int(u*float32(t.w)), int(v*float32(t.h)))
}

// Delete frees the texture.
func (t *Texture) Delete() {
	if t.deleted {
		return
	}
	t.deleted = true
	t.pix = nil
	t.dev.release(t)
}

// Target is an offscreen framebuffer with float colour and optional depth.
type Target struct {
	dev     *Device
	w, h    int
	color   []float32
	depth   []float32
	deleted bool
}

// NewTarget allocates a w×h render target.
func (d *Device) NewTarget(w, h int, withDepth bool) *Target {
	t := &Target{dev: d}
	t.alloc(w, h, withDepth)
	d.track(t)
	return t
}

func (t *Target) alloc(w, h int, withDepth bool) {
	t.w, t.h = w, h
	t.color = make([]float32, w*h*4)
	t.depth = nil
	if withDepth {
		t.depth = make([]float32, w*h)
		for i := range t.depth {
			t.depth[i] = 1
		}
	}
}

// Resize reallocates the target, discarding its contents.
func (t *Target) Resize(w, h int) {
	if w == t.w && h == t.h {
		return
	}
	t.alloc(w, h, t.depth != nil)
}

// Size returns the target dimensions.
func (t *Target) Size() (int, int) { return t.w, t.h }

// Clear fills the colour buffer.
func (t *Target) Clear(c [4]float32) {
	for i := 0; i < len(t.color); i += 4 {
		copy(t.color[i:i+4], c[:])
	}
}

// ClearDepth fills the depth buffer, if any.
func (t *Target) ClearDepth(v float32) {
	for i := range t.depth {
		t.depth[i] = v
	}
}

// ReadPixel reads one pixel back as RGBA bytes.
func (t *Target) ReadPixel(x, y int) ([4]uint8, error) {
	if t.deleted {
		return [4]uint8{}, ErrDeleted
	}
	if x < 0 || y < 0 || x >= t.w || y >= t.h {
		return [4]uint8{}, fmt.Errorf("gpu: pixel (%d,%d) outside %dx%d target", x, y, t.w, t.h)
	}
	i := (y*t.w + x) * 4
	return [4]uint8{toByte(t.color[i]), toByte(t.color[i+1]), toByte(t.color[i+2]), toByte(t.color[i+3])}, nil
}

// Image copies the colour buffer into a premultiplied RGBA image.
func (t *Target) Image() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, t.w, t.h))
	for i := 0; i < len(t.color); i += 4 {
		a := toByte(t.color[i+3])
		img.Pix[i] = min(toByte(t.color[i]), a)
		img.Pix[i+1] = min(toByte(t.color[i+1]), a)
		img.Pix[i+2] = min(toByte(t.color[i+2]), a)
		img.Pix[i+3] = a
	}
	return img
}

// Delete frees the target.
func (t *Target) Delete() {
	if t.deleted {
		return
	}
	t.deleted = true
	t.color, t.depth = nil, nil
	t.dev.release(t)
}

func toByte(v float32) uint8 {
	switch {
	case v <= 0 || v != v:
		return 0
	case v >= 1:
		return 255
	default:
		return uint8(v*255 + 0.5)
	}
}
