package dataset

import (
	"fmt"
	"strings"
)

// OwnColor is the colormap name that selects raw per-row hex colours.
const OwnColor = "ownColorFromColumn"

// Mode is the vertex payload layout a dataset renders with.
type Mode int

const (
	// ModeGroup colours every point with its group's LUT colour.
	ModeGroup Mode = iota
	// ModeHexColor reads a "#rrggbb" colour per row.
	ModeHexColor
	// ModeScalar maps a numeric column through the dataset's colormap.
	ModeScalar
	// ModePie splits every marker into sectors.
	ModePie
)

func (m Mode) String() string {
	switch m {
	case ModeGroup:
		return "group"
	case ModeHexColor:
		return "hex"
	case ModeScalar:
		return "scalar"
	case ModePie:
		return "pie"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Bindings assigns roles to columns. X and Y are required; empty fields are unbound.
type Bindings struct {
	X        string `json:"x" yaml:"x"`
	Y        string `json:"y" yaml:"y"`
	Group    string `json:"group,omitempty" yaml:"group"`
	Name     string `json:"name,omitempty" yaml:"name"`
	Color    string `json:"color,omitempty" yaml:"color"`
	Colormap string `json:"colormap,omitempty" yaml:"colormap"`
	Scale    string `json:"scale,omitempty" yaml:"scale"`
	Pie      string `json:"pie,omitempty" yaml:"pie"`
	Shape    string `json:"shape,omitempty" yaml:"shape"`
}

// Mode derives the payload layout from the bound columns.
func (b Bindings) Mode() Mode {
	switch {
	case b.Pie != "":
		return ModePie
	case b.Color != "" && (b.Colormap == "" || b.Colormap == OwnColor):
		return ModeHexColor
	case b.Color != "":
		return ModeScalar
	default:
		return ModeGroup
	}
}

// validate checks every bound column against the schema.
func (b Bindings) validate(columns map[string]struct{}) error {
	if b.X == "" || b.Y == "" {
		return fmt.Errorf("%w: x and y must both be bound", ErrUnknownColumn)
	}
	roles := []struct{ role, col string }{
		{"x", b.X}, {"y", b.Y}, {"group", b.Group}, {"name", b.Name},
		{"color", b.Color}, {"scale", b.Scale}, {"pie", b.Pie}, {"shape", b.Shape},
	}
	for _, r := range roles {
		if r.col == "" {
			continue
		}
		if _, ok := columns[r.col]; !ok {
			return fmt.Errorf("%w: %s column %q", ErrUnknownColumn, r.role, r.col)
		}
	}
	return nil
}

// SectorNames returns the legend labels for a pie column. A header such as
// "a;b;c" names its sectors; otherwise sectors are numbered.
func SectorNames(header string, n int) []string {
	names := strings.Split(header, ";")
	if len(names) != n || n < 2 {
		names = make([]string, n)
		for i := range names {
			names[i] = fmt.Sprintf("Sector %d", i+1)
		}
	}
	return names
}
