package colormap

import (
	"image/color"
	"testing"
)

func TestSeuratColormapEndpoints(t *testing.T) {
	t.Parallel()

	c0, ok := Seurat.At(0).(color.RGBA)
	if !ok {
		t.Fatalf("expected color.RGBA at t=0")
	}
	if c0 != (color.RGBA{R: 211, G: 211, B: 211, A: 255}) {
		t.Fatalf("unexpected Seurat.At(0): %#v", c0)
	}

	c1, ok := Seurat.At(1).(color.RGBA)
	if !ok {
		t.Fatalf("expected color.RGBA at t=1")
	}
	if c1 != (color.RGBA{R: 255, G: 0, B: 0, A: 255}) {
		t.Fatalf("unexpected Seurat.At(1): %#v", c1)
	}
}

func TestLookup(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"viridis", "interpolateViridis", " Viridis "} {
		cm, ok := Lookup(name)
		if !ok {
			t.Fatalf("expected %q to resolve", name)
		}
		if cm.At(0) != Viridis.At(0) {
			t.Fatalf("%q resolved to the wrong scale", name)
		}
	}
	if _, ok := Lookup("interpolateNoSuchScale"); ok {
		t.Fatal("expected unknown scale to be missing")
	}
}

func TestRainbowContinuous(t *testing.T) {
	t.Parallel()

	prev := Rainbow.At(0).(color.RGBA)
	for i := 1; i <= 1000; i++ {
		c := Rainbow.At(float64(i) / 1000).(color.RGBA)
		for ch, pair := range [][2]uint8{{prev.R, c.R}, {prev.G, c.G}, {prev.B, c.B}} {
			d := int(pair[0]) - int(pair[1])
			if d < -3 || d > 3 {
				t.Fatalf("channel %d jumps by %d at t=%v", ch, d, float64(i)/1000)
			}
		}
		prev = c
	}
}

func TestRainbowClamps(t *testing.T) {
	t.Parallel()

	if Rainbow.At(-1) != Rainbow.At(0) || Rainbow.At(2) != Rainbow.At(1) {
		t.Fatal("expected out-of-range inputs to clamp")
	}
}

func TestAtIndexWraps(t *testing.T) {
	t.Parallel()

	if Categorical.AtIndex(-1) != Categorical.AtIndex(Categorical.Len()-1) {
		t.Fatal("expected negative index to wrap")
	}
	if Categorical.AtIndex(Categorical.Len()) != Categorical.AtIndex(0) {
		t.Fatal("expected index to wrap")
	}
}
