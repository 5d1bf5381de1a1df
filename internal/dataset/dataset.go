package dataset

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sort"

	"github.com/markerview/server/internal/spatial"
)

var (
	// ErrNotFound is returned for an unknown dataset id.
	ErrNotFound = errors.New("dataset not found")
	// ErrUnknownColumn is returned when a binding names a column the rows do not have.
	ErrUnknownColumn = errors.New("unknown column")
	// ErrUnknownGroup is returned for a group key the dataset does not have.
	ErrUnknownGroup = errors.New("unknown group")
	// ErrNotBound is returned by operations that need column bindings first.
	ErrNotBound = errors.New("dataset has no column bindings")
)

const (
	// LUTSize is the number of lookup-table slots; group slots wrap modulo LUTSize.
	LUTSize = 4096
	// AllGroup is the key of the implicit group used when no group column is bound.
	AllGroup = "All"
)

// GroupEntry is one distinct value of the group column.
type GroupEntry struct {
	Key         string
	DisplayName string
	Ordinal     int
	Slot        int
	Tree        *spatial.Tree[*MarkerPoint]

	Visible bool
	Color   uint32
	Shape   Shape

	points []*MarkerPoint
}

// Count returns the number of indexed points in the group.
func (g *GroupEntry) Count() int { return len(g.points) }

// Points returns the group's points in row order. Callers must not modify the slice.
func (g *GroupEntry) Points() []*MarkerPoint { return g.points }

// Display is the UI-owned presentation state of one group.
type Display struct {
	Visible bool
	Color   uint32
	Shape   Shape
}

// RenderState is the per-dataset presentation state.
type RenderState struct {
	Opacity    float64
	Colormap   string
	Policy     ColorPolicy
	Dictionary map[string]string

	// ScalarMin and ScalarMax normalise ModeScalar values. They follow the
	// colour column's stats unless RangeFixed is set.
	ScalarMin  float64
	ScalarMax  float64
	RangeFixed bool
}

// Normalize maps v into [0,1] using the scalar range. A degenerate range maps to 0.
func (rs RenderState) Normalize(v float64) float64 {
	span := rs.ScalarMax - rs.ScalarMin
	if span == 0 || math.IsNaN(v) {
		return 0
	}
	t := (v - rs.ScalarMin) / span
	return math.Max(0, math.Min(1, t))
}

// Dataset is one imported marker table and everything derived from it.
type Dataset struct {
	ID   ID
	Name string

	Render RenderState

	columns []string
	colset  map[string]struct{}
	rows    []Row

	bindings Bindings
	bound    bool
	mode     Mode
	sectors  int

	points   []*MarkerPoint
	groups   []*GroupEntry
	byKey    map[string]*GroupEntry
	excluded int
}

// New creates an unbound dataset. When columns is empty the schema is the
// sorted union of the row keys.
func New(name string, columns []string, rows []Row) *Dataset {
	d := &Dataset{
		ID:   NewID(),
		Name: name,
		Render: RenderState{
			Opacity: 1,
			Policy:  ColorFromKey,
		},
	}
	d.setSchema(columns, rows)
	return d
}

func (d *Dataset) setSchema(columns []string, rows []Row) {
	if len(columns) == 0 {
		seen := map[string]struct{}{}
		for _, r := range rows {
			for k := range r {
				if _, ok := seen[k]; !ok {
					seen[k] = struct{}{}
					columns = append(columns, k)
				}
			}
		}
		sort.Strings(columns)
	}
	d.columns = append([]string(nil), columns...)
	d.colset = make(map[string]struct{}, len(columns))
	for _, c := range columns {
		d.colset[c] = struct{}{}
	}
	d.rows = rows
}

// Columns returns the row schema.
func (d *Dataset) Columns() []string { return d.columns }

// Rows returns the raw rows. Callers must not modify them.
func (d *Dataset) Rows() []Row { return d.rows }

// Bindings returns the current column bindings and whether any are set.
func (d *Dataset) Bindings() (Bindings, bool) { return d.bindings, d.bound }

// Mode returns the payload layout selected by the bindings.
func (d *Dataset) Mode() Mode { return d.mode }

// Sectors returns the number of pie sectors per row, or 0 outside ModePie.
func (d *Dataset) Sectors() int { return d.sectors }

// Points returns every indexed point in row order.
func (d *Dataset) Points() []*MarkerPoint { return d.points }

// Groups returns the group index in first-seen order.
func (d *Dataset) Groups() []*GroupEntry { return d.groups }

// Group looks up a group by key.
func (d *Dataset) Group(key string) (*GroupEntry, bool) {
	g, ok := d.byKey[key]
	return g, ok
}

// Excluded returns the number of rows left out for non-finite coordinates.
func (d *Dataset) Excluded() int { return d.excluded }

// SetRows replaces the rows wholesale. Group slots are reassigned from scratch;
// if the dataset was bound, the same bindings are applied to the new rows.
// A rebind failure leaves the new rows in place, unbound.
func (d *Dataset) SetRows(columns []string, rows []Row) error {
	prev, wasBound := d.bindings, d.bound
	if wasBound {
		probe := map[string]struct{}{}
		for _, c := range columns {
			probe[c] = struct{}{}
		}
		if len(columns) > 0 {
			if err := prev.validate(probe); err != nil {
				return err
			}
		}
	}

	d.setSchema(columns, rows)
	d.points, d.groups, d.byKey = nil, nil, nil
	d.excluded, d.sectors = 0, 0
	d.bound = false
	if !wasBound {
		return nil
	}
	return d.SetColumnBindings(prev)
}

// SetColumnBindings validates b against the schema and rebuilds the group index.
// On error the dataset is left unchanged.
func (d *Dataset) SetColumnBindings(b Bindings) error {
	if err := b.validate(d.colset); err != nil {
		return err
	}

	mode := b.Mode()
	points := make([]*MarkerPoint, 0, len(d.rows))
	var order []string
	members := map[string][]*MarkerPoint{}
	names := map[string]string{}
	excluded, sectors := 0, 0

	for i, row := range d.rows {
		x, okx := ParseFloat(row[b.X])
		y, oky := ParseFloat(row[b.Y])
		if !okx || !oky {
			excluded++
			continue
		}
		key := AllGroup
		if b.Group != "" {
			key = row[b.Group]
		}
		if _, ok := members[key]; !ok {
			order = append(order, key)
			names[key] = key
			if b.Name != "" && row[b.Name] != "" {
				names[key] = row[b.Name]
			}
		}

		p := &MarkerPoint{Index: i, X: x, Y: y, Group: key, Scale: 1, Shape: NoShape, Value: math.NaN(), Fields: row}
		if b.Scale != "" {
			if s, ok := ParseFloat(row[b.Scale]); ok {
				p.Scale = s
			}
		}
		if b.Shape != "" {
			if s, err := ParseShape(row[b.Shape]); err == nil {
				p.Shape = s
			}
		}
		switch mode {
		case ModeHexColor:
			p.Color, _ = ParseHexColor(row[b.Color])
		case ModeScalar:
			if v, ok := ParseFloat(row[b.Color]); ok {
				p.Value = v
			}
		case ModePie:
			p.Sectors = parseSectors(row[b.Pie])
			sectors = max(sectors, len(p.Sectors))
		}
		members[key] = append(members[key], p)
		points = append(points, p)
	}

	reuse := d.bound && sameKeys(d.groups, order)
	groups := make([]*GroupEntry, len(order))
	byKey := make(map[string]*GroupEntry, len(order))
	for ord, key := range order {
		g := &GroupEntry{
			Key:         key,
			DisplayName: names[key],
			Ordinal:     ord,
			Slot:        ord % LUTSize,
			Visible:     true,
			Color:       d.Render.groupColor(key),
			Shape:       Shape(ord % NumShapes),
			points:      members[key],
		}
		if old, ok := d.byKey[key]; ok {
			g.Visible, g.Color, g.Shape = old.Visible, old.Color, old.Shape
			if reuse {
				g.Slot = old.Slot
			}
		}
		for _, p := range g.points {
			p.Slot = g.Slot
		}
		g.Tree = spatial.Build(g.points, pointX, pointY)
		groups[ord] = g
		byKey[key] = g
	}

	if excluded > 0 {
		log.Printf("[dataset] %s: excluded %d of %d rows with non-finite %s/%s", d.ID, excluded, len(d.rows), b.X, b.Y)
	}

	d.bindings, d.bound, d.mode = b, true, mode
	d.points, d.groups, d.byKey = points, groups, byKey
	d.excluded, d.sectors = excluded, sectors
	if b.Colormap != "" {
		d.Render.Colormap = b.Colormap
	}
	if mode == ModeScalar && !d.Render.RangeFixed {
		st, _ := d.Stats(b.Color)
		d.Render.ScalarMin, d.Render.ScalarMax = st.Min, st.Max
	}
	return nil
}

func pointX(p *MarkerPoint) float64 { return p.X }
func pointY(p *MarkerPoint) float64 { return p.Y }

func sameKeys(groups []*GroupEntry, keys []string) bool {
	if len(groups) != len(keys) {
		return false
	}
	set := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		set[g.Key] = struct{}{}
	}
	for _, k := range keys {
		if _, ok := set[k]; !ok {
			return false
		}
	}
	return true
}

// Display returns the presentation state of a group.
func (d *Dataset) Display(key string) (Display, bool) {
	g, ok := d.byKey[key]
	if !ok {
		return Display{}, false
	}
	return Display{Visible: g.Visible, Color: g.Color, Shape: g.Shape}, true
}

// SetDisplay applies a display-state event to a group.
func (d *Dataset) SetDisplay(key string, disp Display) error {
	g, ok := d.byKey[key]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownGroup, key)
	}
	if disp.Shape < 0 || int(disp.Shape) >= NumShapes {
		return fmt.Errorf("shape %d out of range", disp.Shape)
	}
	g.Visible, g.Color, g.Shape = disp.Visible, disp.Color&0xffffff, disp.Shape
	return nil
}

// Stats summarises a numeric column.
type Stats struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Count   int     `json:"count"`
	Skipped int     `json:"skipped"`
}

// Stats scans field once, skipping missing and non-numeric cells.
// With no numeric cells Min and Max are zero.
func (d *Dataset) Stats(field string) (Stats, error) {
	if _, ok := d.colset[field]; !ok {
		return Stats{}, fmt.Errorf("%w: %q", ErrUnknownColumn, field)
	}
	st := Stats{Min: math.Inf(1), Max: math.Inf(-1)}
	for _, r := range d.rows {
		v, ok := ParseFloat(r[field])
		if !ok {
			st.Skipped++
			continue
		}
		st.Count++
		st.Min = math.Min(st.Min, v)
		st.Max = math.Max(st.Max, v)
	}
	if st.Count == 0 {
		st.Min, st.Max = 0, 0
	}
	return st, nil
}
