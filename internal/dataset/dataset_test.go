package dataset

import (
	"errors"
	"fmt"
	"math"
	"testing"
)

func geneRows() []Row {
	return []Row{
		{"x": "10", "y": "10", "gene": "A", "v": "1"},
		{"x": "20", "y": "20", "gene": "A", "v": "5"},
		{"x": "80", "y": "80", "gene": "B", "v": "10"},
	}
}

func TestGroupIndexFromRows(t *testing.T) {
	d := New("genes", nil, geneRows())
	if err := d.SetColumnBindings(Bindings{X: "x", Y: "y", Group: "gene"}); err != nil {
		t.Fatalf("SetColumnBindings: %v", err)
	}

	groups := d.Groups()
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	want := []struct {
		key   string
		count int
		slot  int
	}{{"A", 2, 0}, {"B", 1, 1}}
	for i, w := range want {
		g := groups[i]
		if g.Key != w.key || g.Count() != w.count || g.Slot != w.slot {
			t.Fatalf("group %d: got %s/%d/slot %d, want %s/%d/slot %d", i, g.Key, g.Count(), g.Slot, w.key, w.count, w.slot)
		}
		if g.Tree.Len() != w.count {
			t.Fatalf("group %s tree holds %d points", g.Key, g.Tree.Len())
		}
	}
	if d.Mode() != ModeGroup {
		t.Fatalf("expected group mode, got %s", d.Mode())
	}
}

func TestImplicitAllGroup(t *testing.T) {
	d := New("cells", nil, geneRows())
	if err := d.SetColumnBindings(Bindings{X: "x", Y: "y"}); err != nil {
		t.Fatal(err)
	}
	if len(d.Groups()) != 1 || d.Groups()[0].Key != AllGroup || d.Groups()[0].Count() != 3 {
		t.Fatalf("expected a single %q group with 3 points", AllGroup)
	}
}

func TestUnknownColumnLeavesStateUnchanged(t *testing.T) {
	d := New("genes", nil, geneRows())
	if err := d.SetColumnBindings(Bindings{X: "x", Y: "y", Group: "gene"}); err != nil {
		t.Fatal(err)
	}
	before := d.Groups()

	tests := []struct {
		name string
		b    Bindings
	}{
		{"missing x", Bindings{X: "nope", Y: "y"}},
		{"empty y", Bindings{X: "x"}},
		{"missing group", Bindings{X: "x", Y: "y", Group: "cell_type"}},
		{"missing scale", Bindings{X: "x", Y: "y", Scale: "size"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := d.SetColumnBindings(tt.b)
			if !errors.Is(err, ErrUnknownColumn) {
				t.Fatalf("expected ErrUnknownColumn, got %v", err)
			}
			if len(d.Groups()) != len(before) || d.Groups()[0] != before[0] {
				t.Fatal("group index was rebuilt on a failed binding")
			}
		})
	}
}

func TestExcludesNonFiniteRows(t *testing.T) {
	rows := append(geneRows(),
		Row{"x": "abc", "y": "1", "gene": "A"},
		Row{"x": "NaN", "y": "1", "gene": "C"},
		Row{"x": "1", "y": "", "gene": "A"},
		Row{"x": "+Inf", "y": "1", "gene": "A"},
	)
	d := New("genes", nil, rows)
	if err := d.SetColumnBindings(Bindings{X: "x", Y: "y", Group: "gene"}); err != nil {
		t.Fatal(err)
	}
	if d.Excluded() != 4 {
		t.Fatalf("expected 4 excluded rows, got %d", d.Excluded())
	}
	if _, ok := d.Group("C"); ok {
		t.Fatal("group C has no valid rows and must not exist")
	}
	if len(d.Points()) != 3 {
		t.Fatalf("expected 3 indexed points, got %d", len(d.Points()))
	}
}

func TestSlotsPreservedWhenKeysUnchanged(t *testing.T) {
	d := New("genes", nil, geneRows())
	if err := d.SetColumnBindings(Bindings{X: "x", Y: "y", Group: "gene"}); err != nil {
		t.Fatal(err)
	}
	if err := d.SetDisplay("B", Display{Visible: false, Color: 0x123456, Shape: ShapeStar}); err != nil {
		t.Fatal(err)
	}
	slots := map[string]int{}
	for _, g := range d.Groups() {
		slots[g.Key] = g.Slot
	}

	if err := d.SetColumnBindings(Bindings{X: "x", Y: "y", Group: "gene", Scale: "v"}); err != nil {
		t.Fatal(err)
	}
	for _, g := range d.Groups() {
		if g.Slot != slots[g.Key] {
			t.Fatalf("slot of %s changed from %d to %d", g.Key, slots[g.Key], g.Slot)
		}
	}
	disp, _ := d.Display("B")
	if disp.Visible || disp.Color != 0x123456 || disp.Shape != ShapeStar {
		t.Fatalf("display state not carried over: %+v", disp)
	}
}

func TestSetRowsReassignsSlots(t *testing.T) {
	d := New("genes", nil, geneRows())
	b := Bindings{X: "x", Y: "y", Group: "gene"}
	if err := d.SetColumnBindings(b); err != nil {
		t.Fatal(err)
	}
	_ = d.SetDisplay("A", Display{Visible: false, Shape: ShapeDisc})

	rows := []Row{
		{"x": "1", "y": "1", "gene": "B"},
		{"x": "2", "y": "2", "gene": "A"},
	}
	if err := d.SetRows(nil, rows); err != nil {
		t.Fatal(err)
	}
	b0 := d.Groups()[0]
	if b0.Key != "B" || b0.Slot != 0 {
		t.Fatalf("expected B at slot 0 after reload, got %s at %d", b0.Key, b0.Slot)
	}
	if disp, _ := d.Display("A"); !disp.Visible {
		t.Fatal("reload must reset display state")
	}
}

func TestRebuildIsStable(t *testing.T) {
	d := New("genes", nil, geneRows())
	b := Bindings{X: "x", Y: "y", Group: "gene"}
	_ = d.SetColumnBindings(b)
	first := membership(d)
	_ = d.SetColumnBindings(b)
	second := membership(d)
	if fmt.Sprint(first) != fmt.Sprint(second) {
		t.Fatalf("membership changed across rebuilds: %v vs %v", first, second)
	}
}

func membership(d *Dataset) map[string][]int {
	out := map[string][]int{}
	for _, g := range d.Groups() {
		for _, p := range g.Points() {
			out[g.Key] = append(out[g.Key], p.Index)
		}
	}
	return out
}

func TestSlotsWrap(t *testing.T) {
	rows := make([]Row, LUTSize+3)
	for i := range rows {
		rows[i] = Row{"x": "1", "y": "1", "k": fmt.Sprint(i)}
	}
	d := New("many", []string{"x", "y", "k"}, rows)
	if err := d.SetColumnBindings(Bindings{X: "x", Y: "y", Group: "k"}); err != nil {
		t.Fatal(err)
	}
	g, _ := d.Group(fmt.Sprint(LUTSize + 2))
	if g.Slot != 2 {
		t.Fatalf("expected slot 2, got %d", g.Slot)
	}
}

func TestStats(t *testing.T) {
	rows := append(geneRows(), Row{"x": "0", "y": "0", "v": "n/a"}, Row{"x": "0", "y": "0"})
	d := New("genes", []string{"x", "y", "gene", "v"}, rows)

	st, err := d.Stats("v")
	if err != nil {
		t.Fatal(err)
	}
	if st.Min != 1 || st.Max != 10 || st.Count != 3 || st.Skipped != 2 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if _, err := d.Stats("missing"); !errors.Is(err, ErrUnknownColumn) {
		t.Fatalf("expected ErrUnknownColumn, got %v", err)
	}

	empty := New("empty", []string{"v"}, nil)
	st, _ = empty.Stats("v")
	if st.Min != 0 || st.Max != 0 || st.Count != 0 {
		t.Fatalf("expected zero stats, got %+v", st)
	}
}

func TestScalarModeRange(t *testing.T) {
	d := New("genes", nil, geneRows())
	if err := d.SetColumnBindings(Bindings{X: "x", Y: "y", Color: "v", Colormap: "viridis"}); err != nil {
		t.Fatal(err)
	}
	if d.Mode() != ModeScalar {
		t.Fatalf("expected scalar mode, got %s", d.Mode())
	}
	if d.Render.ScalarMin != 1 || d.Render.ScalarMax != 10 {
		t.Fatalf("expected range [1,10], got [%v,%v]", d.Render.ScalarMin, d.Render.ScalarMax)
	}
	got := d.Render.Normalize(5)
	if math.Abs(got-4.0/9.0) > 1e-12 {
		t.Fatalf("Normalize(5) = %v", got)
	}
	if d.Render.Normalize(5) != got {
		t.Fatal("Normalize is not deterministic")
	}
}

func TestModes(t *testing.T) {
	tests := []struct {
		b    Bindings
		want Mode
	}{
		{Bindings{X: "x", Y: "y"}, ModeGroup},
		{Bindings{X: "x", Y: "y", Color: "c"}, ModeHexColor},
		{Bindings{X: "x", Y: "y", Color: "c", Colormap: OwnColor}, ModeHexColor},
		{Bindings{X: "x", Y: "y", Color: "c", Colormap: "viridis"}, ModeScalar},
		{Bindings{X: "x", Y: "y", Color: "c", Pie: "p"}, ModePie},
	}
	for _, tt := range tests {
		if got := tt.b.Mode(); got != tt.want {
			t.Errorf("%+v: got %s, want %s", tt.b, got, tt.want)
		}
	}
}

func TestPieSectors(t *testing.T) {
	rows := []Row{
		{"x": "1", "y": "1", "a;b;c": "1;1;2"},
		{"x": "2", "y": "2", "a;b;c": "0;x;3"},
	}
	d := New("pie", nil, rows)
	if err := d.SetColumnBindings(Bindings{X: "x", Y: "y", Pie: "a;b;c"}); err != nil {
		t.Fatal(err)
	}
	if d.Sectors() != 3 {
		t.Fatalf("expected 3 sectors, got %d", d.Sectors())
	}
	p := d.Points()[0]
	if p.Sectors[0] != 0.25 || p.Sectors[2] != 0.5 {
		t.Fatalf("unexpected fractions %v", p.Sectors)
	}
	if q := d.Points()[1]; q.Sectors[1] != 0 || q.Sectors[2] != 1 {
		t.Fatalf("unexpected fractions %v", q.Sectors)
	}
	names := SectorNames("a;b;c", 3)
	if names[1] != "b" {
		t.Fatalf("unexpected names %v", names)
	}
	if SectorNames("frac", 2)[1] != "Sector 2" {
		t.Fatal("expected numbered sectors")
	}
}

func TestParseHelpers(t *testing.T) {
	if c, err := ParseHexColor("#ff8000"); err != nil || c != 0xff8000 {
		t.Fatalf("ParseHexColor: %x %v", c, err)
	}
	if c, err := ParseHexColor("0f0"); err != nil || c != 0x00ff00 {
		t.Fatalf("ParseHexColor short form: %x %v", c, err)
	}
	if _, err := ParseHexColor("#zzzzzz"); err == nil {
		t.Fatal("expected error")
	}
	if FormatHexColor(0xff8000) != "#ff8000" {
		t.Fatal("FormatHexColor")
	}
	if s, err := ParseShape("Star"); err != nil || s != ShapeStar {
		t.Fatalf("ParseShape: %v %v", s, err)
	}
	if s, _ := ParseShape("9"); s != ShapeSquare {
		t.Fatalf("expected index to wrap, got %v", s)
	}
}

func TestKeyColorInBand(t *testing.T) {
	for i := 0; i < 200; i++ {
		key := fmt.Sprint("gene", i)
		c := keyColor(key)
		if c != keyColor(key) {
			t.Fatal("key colour is not deterministic")
		}
		r, g, b := float64(c>>16&0xff), float64(c>>8&0xff), float64(c&0xff)
		l := (math.Max(r, math.Max(g, b)) + math.Min(r, math.Min(g, b))) / 2 / 255
		if l < 0.19 || l > 0.76 {
			t.Fatalf("lightness %v outside band for %s", l, key)
		}
	}
}

func TestDictionaryPolicy(t *testing.T) {
	d := New("genes", nil, geneRows())
	d.Render.Policy = ColorDictionary
	d.Render.Dictionary = map[string]string{"A": "#010203"}
	_ = d.SetColumnBindings(Bindings{X: "x", Y: "y", Group: "gene"})
	a, _ := d.Display("A")
	b, _ := d.Display("B")
	if a.Color != 0x010203 {
		t.Fatalf("expected dictionary colour, got %06x", a.Color)
	}
	if b.Color != keyColor("B") {
		t.Fatal("expected key colour fallback for B")
	}
}

func TestStoreOrder(t *testing.T) {
	s := NewStore()
	a := s.Create("a", nil, nil)
	b := s.Create("b", nil, nil)
	c := s.Create("c", nil, nil)
	if err := s.Delete(b.ID); err != nil {
		t.Fatal(err)
	}
	ids := s.IDs()
	if len(ids) != 2 || ids[0] != a.ID || ids[1] != c.ID {
		t.Fatalf("unexpected order %v", ids)
	}
	if _, err := s.Get(b.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Delete(b.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}
