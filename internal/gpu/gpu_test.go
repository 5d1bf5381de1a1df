package gpu

import (
	"errors"
	"testing"
)

// flat draws every vertex (x, y, z, size, r, g, b, a) as a solid square.
type flat struct{}

func flatSource() ProgramSource[flat] {
	return ProgramSource[flat]{
		Name:     "flat",
		Stride:   8,
		Varyings: 4,
		Vertex: func(_ *flat, v Vertex) VertexOut {
			a := v.Attr
			out := VertexOut{Position: [4]float32{a[0], a[1], a[2], 1}, PointSize: a[3]}
			copy(out.Varying[:4], a[4:8])
			return out
		},
		Fragment: func(_ *flat, f Fragment) FragmentOut {
			return FragmentOut{Color: [4]float32{f.Varying[0], f.Varying[1], f.Varying[2], f.Varying[3]}}
		},
	}
}

func setup(t *testing.T, w, h int, depth bool, verts ...float32) (*Device, *Target, *Program[flat], *Buffer) {
	t.Helper()
	d := NewDevice()
	p, err := Link(d, flatSource())
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	b := d.NewBuffer()
	if err := b.Upload(verts); err != nil {
		t.Fatal(err)
	}
	return d, d.NewTarget(w, h, depth), p, b
}

func TestLinkFailure(t *testing.T) {
	d := NewDevice()
	_, err := Link(d, ProgramSource[flat]{Name: "broken", Stride: 0})
	if !errors.Is(err, ErrLink) {
		t.Fatalf("expected ErrLink, got %v", err)
	}
	var le *LinkError
	if !errors.As(err, &le) || le.Log == "" || le.Program != "broken" {
		t.Fatalf("expected diagnostic, got %#v", err)
	}
	if d.Live() != 0 {
		t.Fatalf("failed link left %d resources", d.Live())
	}
}

func TestPointCoverage(t *testing.T) {
	// Centre of an 8x8 target, 4px point.
	d, tgt, p, b := setup(t, 8, 8, false, 0, 0, 0, 4, 1, 0, 0, 1)
	if err := Draw(tgt, p, b, Pipeline{Mask: MaskAll}, &flat{}, 0, 1); err != nil {
		t.Fatal(err)
	}
	if got := d.Stats().Fragments; got != 16 {
		t.Fatalf("expected 16 fragments, got %d", got)
	}
	px, _ := tgt.ReadPixel(4, 4)
	if px != [4]uint8{255, 0, 0, 255} {
		t.Fatalf("unexpected centre pixel %v", px)
	}
	px, _ = tgt.ReadPixel(0, 0)
	if px != [4]uint8{} {
		t.Fatalf("corner should be untouched, got %v", px)
	}
}

func TestOffscreenAndZeroSize(t *testing.T) {
	d, tgt, p, b := setup(t, 8, 8, false,
		2, 0, 0, 4, 1, 1, 1, 1, // outside the clip volume
		0, 0, 0, 0, 1, 1, 1, 1, // zero size
	)
	if err := Draw(tgt, p, b, Pipeline{Mask: MaskAll}, &flat{}, 0, 2); err != nil {
		t.Fatal(err)
	}
	if st := d.Stats(); st.Vertices != 2 || st.Fragments != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestZeroCountDraw(t *testing.T) {
	d, tgt, p, b := setup(t, 1, 1, false)
	if err := Draw(tgt, p, b, Pipeline{}, &flat{}, 0, 0); !errors.Is(err, ErrEmptyDraw) {
		t.Fatalf("expected ErrEmptyDraw, got %v", err)
	}
	if d.Stats().DrawCalls != 0 {
		t.Fatal("rejected draw was counted")
	}
}

func TestAlphaBlend(t *testing.T) {
	_, tgt, p, b := setup(t, 1, 1, false,
		0, 0, 0, 1, 0, 0, 1, 1,
		0, 0, 0, 1, 1, 0, 0, 0.5,
	)
	if err := Draw(tgt, p, b, Pipeline{Blend: BlendAlpha, Mask: MaskAll}, &flat{}, 0, 2); err != nil {
		t.Fatal(err)
	}
	px, _ := tgt.ReadPixel(0, 0)
	if px != [4]uint8{128, 0, 128, 255} {
		t.Fatalf("unexpected blend result %v", px)
	}
}

func TestColorMask(t *testing.T) {
	_, tgt, p, b := setup(t, 1, 1, false,
		0, 0, 0, 1, 0, 0, 0, 0.5,
		0, 0, 0, 1, 1, 1, 1, 1,
	)
	if err := Draw(tgt, p, b, Pipeline{Blend: BlendAlpha, Mask: MaskAlpha}, &flat{}, 0, 1); err != nil {
		t.Fatal(err)
	}
	if err := Draw(tgt, p, b, Pipeline{Blend: BlendAlpha, Mask: MaskRGB}, &flat{}, 1, 1); err != nil {
		t.Fatal(err)
	}
	px, _ := tgt.ReadPixel(0, 0)
	if px != [4]uint8{255, 255, 255, 128} {
		t.Fatalf("unexpected masked result %v", px)
	}
}

func TestDepthKeepsNearest(t *testing.T) {
	_, tgt, p, b := setup(t, 1, 1, true,
		0, 0, 0.5, 1, 1, 0, 0, 1,
		0, 0, -0.5, 1, 0, 1, 0, 1,
		0, 0, 0.9, 1, 0, 0, 1, 1,
	)
	if err := Draw(tgt, p, b, Pipeline{Mask: MaskAll, DepthTest: true}, &flat{}, 0, 3); err != nil {
		t.Fatal(err)
	}
	px, _ := tgt.ReadPixel(0, 0)
	if px != [4]uint8{0, 255, 0, 255} {
		t.Fatalf("expected the nearest (green) point, got %v", px)
	}

	tgt.Clear([4]float32{})
	tgt.ClearDepth(1)
	px, _ = tgt.ReadPixel(0, 0)
	if px != [4]uint8{} {
		t.Fatalf("clear left %v", px)
	}
}

func TestValidateAbortsDraw(t *testing.T) {
	d := NewDevice()
	src := flatSource()
	src.Validate = func(*flat) error { return errors.New("sampler u_lut unbound") }
	p, err := Link(d, src)
	if err != nil {
		t.Fatal(err)
	}
	b := d.NewBuffer()
	_ = b.Upload(make([]float32, 8))
	if err := Draw(d.NewTarget(1, 1, false), p, b, Pipeline{}, &flat{}, 0, 1); err == nil {
		t.Fatal("expected validation error")
	}
	if d.Stats().DrawCalls != 0 {
		t.Fatal("aborted draw was counted")
	}
}

func TestDeleteReleases(t *testing.T) {
	d, tgt, p, b := setup(t, 1, 1, false, make([]float32, 8)...)
	tex := d.NewTexture(4, 1)
	if d.Live() != 4 {
		t.Fatalf("expected 4 live resources, got %d", d.Live())
	}
	b.Delete()
	tex.Delete()
	tex.Delete()
	if d.Live() != 2 {
		t.Fatalf("expected 2 live resources, got %d", d.Live())
	}
	if err := Draw(tgt, p, b, Pipeline{}, &flat{}, 0, 1); !errors.Is(err, ErrDeleted) {
		t.Fatalf("expected ErrDeleted, got %v", err)
	}
	p.Delete()
	tgt.Delete()
	if d.Live() != 0 {
		t.Fatalf("expected no live resources, got %d", d.Live())
	}
}

func TestTextureFetch(t *testing.T) {
	d := NewDevice()
	tex := d.NewTexture(2, 1)
	if err := tex.Upload([]uint8{255, 0, 0, 255, 0, 0, 255, 0}); err != nil {
		t.Fatal(err)
	}
	if got := tex.FetchRaw(5, 0); got != [4]uint8{0, 0, 255, 0} {
		t.Fatalf("expected clamped fetch, got %v", got)
	}
	if got := tex.Sample(0.25, 0.5); got != [4]float32{1, 0, 0, 1} {
		t.Fatalf("unexpected sample %v", got)
	}
	if err := tex.Upload([]uint8{1}); err == nil {
		t.Fatal("expected size mismatch error")
	}
}
