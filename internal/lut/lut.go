// Package lut maintains the per-dataset lookup textures the marker programs read:
// a LUTSize×1 table of group colour, visibility and shape, and a 256×1 colormap gradient.
package lut

import (
	"fmt"
	"image/color"
	"log"

	"github.com/markerview/server/internal/dataset"
	"github.com/markerview/server/internal/gpu"
	"github.com/markerview/server/pkg/colormap"
)

// ColormapSize is the number of gradient entries in a colormap texture.
const ColormapSize = 256

// DisplaySource supplies the authoritative presentation state of a group.
type DisplaySource interface {
	GroupDisplay(id dataset.ID, key string) (dataset.Display, bool)
}

// Manager owns the lookup textures of every dataset.
type Manager struct {
	dev             *gpu.Device
	src             DisplaySource
	defaultColormap string

	luts      map[dataset.ID]*gpu.Texture
	colormaps map[dataset.ID]*gpu.Texture
	warned    map[dataset.ID]bool
}

// NewManager creates a manager writing textures on dev. defaultColormap is
// used when a dataset asks for no colormap at all.
func NewManager(dev *gpu.Device, src DisplaySource, defaultColormap string) *Manager {
	return &Manager{
		dev:             dev,
		src:             src,
		defaultColormap: defaultColormap,
		luts:            make(map[dataset.ID]*gpu.Texture),
		colormaps:       make(map[dataset.ID]*gpu.Texture),
		warned:          make(map[dataset.ID]bool),
	}
}

// Encode packs a group's display state into its LUT entry. Alpha holds
// visible*(shape+1), so zero means hidden.
func Encode(disp dataset.Display) [4]uint8 {
	e := [4]uint8{uint8(disp.Color >> 16), uint8(disp.Color >> 8), uint8(disp.Color)}
	if disp.Visible {
		e[3] = uint8(disp.Shape) + 1
	}
	return e
}

// UpdateColorLUT rewrites the colour LUT of d from the display source.
// Groups beyond LUTSize alias earlier slots; the later group wins.
func (m *Manager) UpdateColorLUT(d *dataset.Dataset) error {
	groups := d.Groups()
	if len(groups) > dataset.LUTSize && !m.warned[d.ID] {
		log.Printf("[lut] %s: %d groups exceed %d LUT slots; slots will alias", d.ID, len(groups), dataset.LUTSize)
		m.warned[d.ID] = true
	}

	pix := make([]uint8, dataset.LUTSize*4)
	for _, g := range groups {
		disp, ok := m.src.GroupDisplay(d.ID, g.Key)
		if !ok {
			disp = dataset.Display{Visible: g.Visible, Color: g.Color, Shape: g.Shape}
		}
		e := Encode(disp)
		copy(pix[g.Slot*4:g.Slot*4+4], e[:])
	}

	tex, ok := m.luts[d.ID]
	if !ok {
		tex = m.dev.NewTexture(dataset.LUTSize, 1)
		m.luts[d.ID] = tex
	}
	if err := tex.Upload(pix); err != nil {
		return fmt.Errorf("upload LUT for %s: %w", d.ID, err)
	}
	return nil
}

// Resolve returns the scale a colormap name selects. Unknown names fall back to
// the rainbow scale; dataset.OwnColor returns false because no gradient applies.
func (m *Manager) Resolve(name string) (colormap.Colormap, bool) {
	if name == dataset.OwnColor {
		return nil, false
	}
	if name == "" {
		name = m.defaultColormap
	}
	if cm, ok := colormap.Lookup(name); ok {
		return cm, true
	}
	return colormap.Rainbow, true
}

// UpdateColormapTexture fills the gradient texture of a dataset from a named
// scale. For dataset.OwnColor the texture is left zeroed, since per-row colours
// bypass it.
func (m *Manager) UpdateColormapTexture(id dataset.ID, name string) error {
	pix := make([]uint8, ColormapSize*4)
	if cm, ok := m.Resolve(name); ok {
		for i := 0; i < ColormapSize; i++ {
			c := color.NRGBAModel.Convert(cm.At(float64(i) / (ColormapSize - 1))).(color.NRGBA)
			pix[i*4], pix[i*4+1], pix[i*4+2], pix[i*4+3] = c.R, c.G, c.B, c.A
		}
	}

	tex, ok := m.colormaps[id]
	if !ok {
		tex = m.dev.NewTexture(ColormapSize, 1)
		m.colormaps[id] = tex
	}
	if err := tex.Upload(pix); err != nil {
		return fmt.Errorf("upload colormap for %s: %w", id, err)
	}
	return nil
}

// LUT returns the colour LUT of a dataset.
func (m *Manager) LUT(id dataset.ID) (*gpu.Texture, bool) {
	t, ok := m.luts[id]
	return t, ok
}

// Colormap returns the gradient texture of a dataset.
func (m *Manager) Colormap(id dataset.ID) (*gpu.Texture, bool) {
	t, ok := m.colormaps[id]
	return t, ok
}

// Delete frees both textures of a dataset.
func (m *Manager) Delete(id dataset.ID) {
	if t, ok := m.luts[id]; ok {
		t.Delete()
	}
	if t, ok := m.colormaps[id]; ok {
		t.Delete()
	}
	delete(m.luts, id)
	delete(m.colormaps, id)
	delete(m.warned, id)
}

// Holds reports whether any state is kept for id.
func (m *Manager) Holds(id dataset.ID) bool {
	_, a := m.luts[id]
	_, b := m.colormaps[id]
	return a || b || m.warned[id]
}
