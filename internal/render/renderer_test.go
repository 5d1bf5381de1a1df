package render

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/markerview/server/internal/dataset"
	"github.com/markerview/server/internal/gpu"
	"github.com/markerview/server/internal/lut"
	"github.com/markerview/server/pkg/colormap"
)

type fixture struct {
	store *dataset.Store
	dev   *gpu.Device
	luts  *lut.Manager
	r     *Renderer
}

// A 1000x1000 image on a 100x100 canvas: screen = global / 10, markers are 10px.
var view = Viewport{W: 1, H: 1, CanvasWidth: 100, CanvasHeight: 100}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := dataset.NewStore()
	dev := gpu.NewDevice()
	luts := lut.NewManager(dev, store, "viridis")
	opts := DefaultOptions()
	opts.ImageWidth, opts.ImageHeight = 1000, 1000
	opts.MarkerScale = 0.1
	r, err := New(dev, luts, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{store: store, dev: dev, luts: luts, r: r}
}

func (f *fixture) add(t *testing.T, rows []dataset.Row, b dataset.Bindings) *dataset.Dataset {
	t.Helper()
	d := f.store.Create("test", nil, rows)
	if len(rows) > 0 {
		if err := d.SetColumnBindings(b); err != nil {
			t.Fatal(err)
		}
	}
	f.sync(t, d)
	return d
}

func (f *fixture) sync(t *testing.T, d *dataset.Dataset) {
	t.Helper()
	if err := f.luts.UpdateColorLUT(d); err != nil {
		t.Fatal(err)
	}
	if err := f.luts.UpdateColormapTexture(d.ID, d.Render.Colormap); err != nil {
		t.Fatal(err)
	}
	if err := f.r.LoadMarkers(d); err != nil {
		t.Fatal(err)
	}
}

func geneRows() []dataset.Row {
	return []dataset.Row{
		{"x": "100", "y": "100", "gene": "A"},
		{"x": "200", "y": "200", "gene": "A"},
		{"x": "800", "y": "800", "gene": "B"},
	}
}

var geneBindings = dataset.Bindings{X: "x", Y: "y", Group: "gene"}

func rgbaAt(t *testing.T, f *fixture, x, y int) color.RGBA {
	t.Helper()
	return f.r.Frame().RGBAAt(x, y)
}

func TestDrawGroupColours(t *testing.T) {
	f := newFixture(t)
	d := f.add(t, geneRows(), geneBindings)
	if err := f.r.Draw(view); err != nil {
		t.Fatal(err)
	}
	if st := f.r.LastFrame(); st.DrawCalls != 1 || st.PerDataset[d.ID] != 1 {
		t.Fatalf("unexpected frame stats %+v", st)
	}

	a, _ := d.Display("A")
	got := rgbaAt(t, f, 10, 10)
	want := color.RGBA{uint8(a.Color >> 16), uint8(a.Color >> 8), uint8(a.Color), 255}
	if got != want {
		t.Fatalf("pixel under A: got %v, want %v", got, want)
	}
	if got := rgbaAt(t, f, 50, 50); got.A != 0 {
		t.Fatalf("expected empty pixel between markers, got %v", got)
	}
}

func TestPickCentreAndMiss(t *testing.T) {
	f := newFixture(t)
	d := f.add(t, geneRows(), geneBindings)

	res, ok, err := f.r.Pick(view, 20, 20)
	if err != nil || !ok {
		t.Fatalf("expected a hit, got ok=%v err=%v", ok, err)
	}
	if res.Dataset != d.ID || res.Index != 1 {
		t.Fatalf("unexpected pick %+v", res)
	}

	if _, ok, err := f.r.Pick(view, 50, 50); err != nil || ok {
		t.Fatalf("expected no marker, got ok=%v err=%v", ok, err)
	}
}

func TestPickNearestOfOverlapping(t *testing.T) {
	f := newFixture(t)
	f.add(t, []dataset.Row{
		{"x": "500", "y": "500"},
		{"x": "520", "y": "500"},
	}, dataset.Bindings{X: "x", Y: "y"})

	// Screen x 51.5 is 1.5px from the first marker and 0.5px from the second.
	res, ok, _ := f.r.Pick(view, 51.5, 50)
	if !ok || res.Index != 1 {
		t.Fatalf("expected the nearer marker 1, got %+v ok=%v", res, ok)
	}
	res, ok, _ = f.r.Pick(view, 49, 50)
	if !ok || res.Index != 0 {
		t.Fatalf("expected marker 0, got %+v ok=%v", res, ok)
	}
}

func TestPickLastDatasetWins(t *testing.T) {
	f := newFixture(t)
	f.add(t, geneRows(), geneBindings)
	second := f.add(t, []dataset.Row{{"x": "100", "y": "100"}}, dataset.Bindings{X: "x", Y: "y"})

	res, ok, _ := f.r.Pick(view, 10, 10)
	if !ok || res.Dataset != second.ID {
		t.Fatalf("expected the later dataset to win, got %+v", res)
	}
}

func TestHiddenGroupIsNotPickable(t *testing.T) {
	f := newFixture(t)
	d := f.add(t, geneRows(), geneBindings)

	disp, _ := d.Display("A")
	disp.Visible = false
	if err := d.SetDisplay("A", disp); err != nil {
		t.Fatal(err)
	}
	if err := f.luts.UpdateColorLUT(d); err != nil {
		t.Fatal(err)
	}
	f.dev.ResetStats()
	if err := f.r.Draw(view); err != nil {
		t.Fatal(err)
	}
	if got := rgbaAt(t, f, 10, 10); got.A != 0 {
		t.Fatalf("hidden marker was rasterised: %v", got)
	}
	if _, ok, _ := f.r.Pick(view, 10, 10); ok {
		t.Fatal("pick at a hidden marker should return no marker")
	}
	if res, ok, _ := f.r.Pick(view, 80, 80); !ok || res.Index != 2 {
		t.Fatalf("B should stay pickable, got %+v ok=%v", res, ok)
	}
}

func TestZeroPointDatasetIsSkipped(t *testing.T) {
	f := newFixture(t)
	empty := f.add(t, nil, dataset.Bindings{})
	full := f.add(t, geneRows(), geneBindings)

	if err := f.r.Draw(view); err != nil {
		t.Fatal(err)
	}
	st := f.r.LastFrame()
	if _, ok := st.PerDataset[empty.ID]; ok {
		t.Fatal("empty dataset issued a draw call")
	}
	if st.PerDataset[full.ID] != 1 || st.DrawCalls != 1 {
		t.Fatalf("unexpected frame stats %+v", st)
	}
}

func TestDeleteMarkersThenDraw(t *testing.T) {
	f := newFixture(t)
	d := f.add(t, geneRows(), geneBindings)
	base := f.dev.Live()
	if err := f.r.Draw(view); err != nil {
		t.Fatal(err)
	}

	f.r.DeleteMarkers(d.ID)
	if f.r.Holds(d.ID) {
		t.Fatal("renderer still references the deleted dataset")
	}
	// buffer + LUT + colormap
	if got := f.dev.Live(); got != base-3 {
		t.Fatalf("expected 3 resources freed, live went %d -> %d", base, got)
	}
	if err := f.r.Draw(view); err != nil {
		t.Fatalf("draw after delete: %v", err)
	}
	if f.r.LastFrame().DrawCalls != 0 {
		t.Fatal("deleted dataset was drawn")
	}
}

func TestMissingLUTFailsOnlyThatDataset(t *testing.T) {
	f := newFixture(t)
	good := f.add(t, geneRows(), geneBindings)
	bad := f.store.Create("bad", nil, geneRows())
	_ = bad.SetColumnBindings(geneBindings)
	if err := f.r.LoadMarkers(bad); err != nil {
		t.Fatal(err)
	}

	err := f.r.Draw(view)
	if err == nil || !errors.Is(err, errUnbound) {
		t.Fatalf("expected an unbound sampler error, got %v", err)
	}
	if f.r.LastFrame().PerDataset[good.ID] != 1 {
		t.Fatal("healthy dataset was not drawn")
	}
}

func TestVertexSlotsWithinLUT(t *testing.T) {
	f := newFixture(t)
	rows := make([]dataset.Row, 0, dataset.LUTSize+10)
	for i := 0; i < dataset.LUTSize+10; i++ {
		rows = append(rows, dataset.Row{"x": "1", "y": "1", "k": string(rune('a'+i%26)) + string(rune(i))})
	}
	d := f.add(t, rows, dataset.Bindings{X: "x", Y: "y", Group: "k"})
	data, _, _ := flatten(d, 1000)
	for i := attrLUT; i < len(data); i += stride {
		slot, _ := unpackLUT(data[i])
		if slot < 0 || slot >= dataset.LUTSize {
			t.Fatalf("vertex %d addresses slot %d", i/stride, slot)
		}
	}
}

func TestScalarColour(t *testing.T) {
	f := newFixture(t)
	d := f.add(t, []dataset.Row{
		{"x": "100", "y": "100", "v": "1"},
		{"x": "500", "y": "500", "v": "5"},
		{"x": "900", "y": "900", "v": "10"},
	}, dataset.Bindings{X: "x", Y: "y", Color: "v", Colormap: "viridis"})
	if d.Mode() != dataset.ModeScalar {
		t.Fatalf("expected scalar mode, got %s", d.Mode())
	}
	if err := f.r.Draw(view); err != nil {
		t.Fatal(err)
	}

	t5 := float32(4.0 / 9.0)
	idx := int(t5*(lut.ColormapSize-1) + 0.5)
	want := color.NRGBAModel.Convert(colormap.Viridis.At(float64(idx) / (lut.ColormapSize - 1))).(color.NRGBA)
	got := rgbaAt(t, f, 50, 50)
	if got != (color.RGBA{want.R, want.G, want.B, 255}) {
		t.Fatalf("value 5 drew %v, want %v", got, want)
	}
	if again := rgbaAt(t, f, 50, 50); again != got {
		t.Fatal("colour lookup is not deterministic")
	}
}

func TestPieTwoPasses(t *testing.T) {
	f := newFixture(t)
	d := f.add(t, []dataset.Row{
		{"x": "500", "y": "500", "a;b": "1;1"},
	}, dataset.Bindings{X: "x", Y: "y", Pie: "a;b"})
	if err := f.r.Draw(view); err != nil {
		t.Fatal(err)
	}
	if f.r.LastFrame().PerDataset[d.ID] != 2 {
		t.Fatalf("expected 2 draw calls, got %d", f.r.LastFrame().PerDataset[d.ID])
	}

	sector := func(i int) color.RGBA {
		c := color.NRGBAModel.Convert(SectorColor(i)).(color.NRGBA)
		return color.RGBA{c.R, c.G, c.B, 255}
	}
	if got := rgbaAt(t, f, 52, 47); got != sector(0) {
		t.Fatalf("right half: got %v, want %v", got, sector(0))
	}
	if got := rgbaAt(t, f, 47, 52); got != sector(1) {
		t.Fatalf("left half: got %v, want %v", got, sector(1))
	}

	res, ok, _ := f.r.Pick(view, 50, 50)
	if !ok || res.Index != 0 {
		t.Fatalf("expected pie row 0, got %+v ok=%v", res, ok)
	}
}

func TestRotatedPick(t *testing.T) {
	f := newFixture(t)
	f.add(t, geneRows(), geneBindings)
	v := view
	v.Rotation = 90

	sx, sy := v.ScreenPoint(0.8, 0.8)
	res, ok, err := f.r.Pick(v, sx, sy)
	if err != nil || !ok || res.Index != 2 {
		t.Fatalf("expected B under its rotated position (%v,%v), got %+v ok=%v err=%v", sx, sy, res, ok, err)
	}
}

func TestInvalidViewport(t *testing.T) {
	f := newFixture(t)
	for _, v := range []Viewport{
		{W: 0, H: 1, CanvasWidth: 10, CanvasHeight: 10},
		{W: 1, H: 1, CanvasWidth: 0, CanvasHeight: 10},
	} {
		if err := f.r.Draw(v); !errors.Is(err, ErrViewport) {
			t.Fatalf("expected ErrViewport for %+v, got %v", v, err)
		}
	}
}

func TestLegendAndOverlay(t *testing.T) {
	img := DrawLegend([]LegendEntry{
		{Title: "expression", Colormap: colormap.Viridis, Min: 1, Max: 10},
		{Title: "fractions", Sectors: []string{"a", "b"}},
	})
	if img.Bounds().Dx() != legendWidth || img.Bounds().Dy() == 0 {
		t.Fatalf("unexpected legend bounds %v", img.Bounds())
	}

	base := image100()
	out := DrawOverlay(base, view, []RegionOverlay{{
		Polygons: [][][][2]float64{{{{0.2, 0.2}, {0.6, 0.2}, {0.6, 0.6}, {0.2, 0.6}}}},
		Color:    0xff0000,
		Filled:   true,
	}})
	_, _, _, a := out.At(40, 40).RGBA()
	if a == 0 {
		t.Fatal("filled region left the interior transparent")
	}

	enc := NewEncoder()
	data, err := enc.EncodePNG(out)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := png.Decode(bytes.NewReader(data)); err != nil {
		t.Fatalf("encoded frame does not decode: %v", err)
	}
}

func image100() *image.RGBA {
	return image.NewRGBA(image.Rect(0, 0, 100, 100))
}
