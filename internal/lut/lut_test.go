package lut

import (
	"bytes"
	"image/color"
	"testing"

	"github.com/markerview/server/internal/dataset"
	"github.com/markerview/server/internal/gpu"
	"github.com/markerview/server/pkg/colormap"
)

func newFixture(t *testing.T) (*dataset.Store, *dataset.Dataset, *Manager, *gpu.Device) {
	t.Helper()
	store := dataset.NewStore()
	d := store.Create("genes", nil, []dataset.Row{
		{"x": "1", "y": "1", "gene": "A"},
		{"x": "2", "y": "2", "gene": "A"},
		{"x": "3", "y": "3", "gene": "B"},
	})
	if err := d.SetColumnBindings(dataset.Bindings{X: "x", Y: "y", Group: "gene"}); err != nil {
		t.Fatal(err)
	}
	dev := gpu.NewDevice()
	return store, d, NewManager(dev, store, "viridis"), dev
}

func activeSlots(pix []uint8) int {
	n := 0
	for i := 3; i < len(pix); i += 4 {
		if pix[i] != 0 {
			n++
		}
	}
	return n
}

func TestUpdateColorLUT(t *testing.T) {
	_, d, m, _ := newFixture(t)
	if err := m.UpdateColorLUT(d); err != nil {
		t.Fatal(err)
	}
	tex, ok := m.LUT(d.ID)
	if !ok {
		t.Fatal("no LUT texture")
	}
	pix := tex.Pix()
	if n := activeSlots(pix); n != 2 {
		t.Fatalf("expected 2 active slots, got %d", n)
	}

	a, _ := d.Group("A")
	e := Encode(dataset.Display{Visible: a.Visible, Color: a.Color, Shape: a.Shape})
	if !bytes.Equal(pix[a.Slot*4:a.Slot*4+4], e[:]) {
		t.Fatalf("slot %d holds %v, want %v", a.Slot, pix[a.Slot*4:a.Slot*4+4], e)
	}
	if e[3] != uint8(a.Shape)+1 {
		t.Fatalf("alpha should encode shape+1, got %d", e[3])
	}
}

func TestUpdateColorLUTIdempotent(t *testing.T) {
	_, d, m, _ := newFixture(t)
	_ = m.UpdateColorLUT(d)
	tex, _ := m.LUT(d.ID)
	first := tex.Pix()
	if err := m.UpdateColorLUT(d); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, tex.Pix()) {
		t.Fatal("LUT changed without a display change")
	}
}

func TestHiddenGroupHasZeroAlpha(t *testing.T) {
	_, d, m, _ := newFixture(t)
	if err := d.SetDisplay("A", dataset.Display{Visible: false, Color: 0xff0000, Shape: dataset.ShapeStar}); err != nil {
		t.Fatal(err)
	}
	_ = m.UpdateColorLUT(d)
	tex, _ := m.LUT(d.ID)
	a, _ := d.Group("A")
	if got := tex.FetchRaw(a.Slot, 0); got != [4]uint8{0xff, 0, 0, 0} {
		t.Fatalf("unexpected hidden entry %v", got)
	}
	if n := activeSlots(tex.Pix()); n != 1 {
		t.Fatalf("expected 1 active slot, got %d", n)
	}
}

func TestColormapTexture(t *testing.T) {
	_, d, m, _ := newFixture(t)

	t.Run("named", func(t *testing.T) {
		if err := m.UpdateColormapTexture(d.ID, "interpolateViridis"); err != nil {
			t.Fatal(err)
		}
		tex, _ := m.Colormap(d.ID)
		want := colormap.Viridis.At(0).(color.RGBA)
		if got := tex.FetchRaw(0, 0); got != [4]uint8{want.R, want.G, want.B, 255} {
			t.Fatalf("unexpected first entry %v", got)
		}
	})

	t.Run("unknown falls back to rainbow", func(t *testing.T) {
		if err := m.UpdateColormapTexture(d.ID, "interpolateNoSuchScale"); err != nil {
			t.Fatal(err)
		}
		tex, _ := m.Colormap(d.ID)
		want := colormap.Rainbow.At(1).(color.RGBA)
		if got := tex.FetchRaw(ColormapSize-1, 0); got != [4]uint8{want.R, want.G, want.B, 255} {
			t.Fatalf("unexpected last entry %v", got)
		}
	})

	t.Run("own colour bypasses the gradient", func(t *testing.T) {
		if err := m.UpdateColormapTexture(d.ID, dataset.OwnColor); err != nil {
			t.Fatal(err)
		}
		tex, _ := m.Colormap(d.ID)
		for _, b := range tex.Pix() {
			if b != 0 {
				t.Fatal("expected a zeroed gradient")
			}
		}
	})
}

func TestDelete(t *testing.T) {
	_, d, m, dev := newFixture(t)
	_ = m.UpdateColorLUT(d)
	_ = m.UpdateColormapTexture(d.ID, "")
	if dev.Live() != 2 {
		t.Fatalf("expected 2 textures, got %d", dev.Live())
	}
	m.Delete(d.ID)
	if dev.Live() != 0 || m.Holds(d.ID) {
		t.Fatal("textures or state left after Delete")
	}
}
