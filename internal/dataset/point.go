// Package dataset holds marker datasets: imported rows, their column bindings
// and the per-group spatial index derived from them.
package dataset

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ID identifies a dataset.
type ID string

// NewID returns a fresh random dataset identifier.
func NewID() ID {
	return ID(uuid.NewString())
}

// Row is one imported record: column name to raw cell text.
type Row map[string]string

// MarkerPoint is a row that passed coordinate validation, with the bound
// columns already parsed.
type MarkerPoint struct {
	Index int // position in the dataset's rows
	X     float64
	Y     float64
	Group string
	Slot  int

	Scale   float64
	Shape   Shape // NoShape when the group's shape applies
	Color   uint32
	Value   float64
	Sectors []float64

	Fields Row
}

// Shape is a marker glyph index.
type Shape int

// Marker shapes. The order matches the sprite atlas.
const (
	NoShape Shape = -1

	ShapeDisc Shape = iota - 1
	ShapeSquare
	ShapeDiamond
	ShapeTriangleUp
	ShapeTriangleDown
	ShapeCross
	ShapeStar
	ShapeRing

	NumShapes = int(ShapeRing) + 1
)

var shapeNames = [...]string{"disc", "square", "diamond", "triangle-up", "triangle-down", "cross", "star", "ring"}

func (s Shape) String() string {
	if s < 0 || int(s) >= NumShapes {
		return "none"
	}
	return shapeNames[s]
}

// ParseShape accepts a shape name or its index.
func ParseShape(v string) (Shape, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	for i, name := range shapeNames {
		if v == name {
			return Shape(i), nil
		}
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return NoShape, fmt.Errorf("unknown shape %q", v)
	}
	return Shape(mod(n, NumShapes)), nil
}

func mod(i, n int) int {
	i %= n
	if i < 0 {
		i += n
	}
	return i
}

// ParseFloat parses a cell as a finite float. ok is false for empty,
// non-numeric and non-finite cells.
func ParseFloat(v string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// ParseHexColor parses "#rrggbb", "rrggbb" or "#rgb" into 0xRRGGBB.
func ParseHexColor(v string) (uint32, error) {
	s := strings.TrimPrefix(strings.TrimSpace(v), "#")
	if len(s) == 3 {
		s = string([]byte{s[0], s[0], s[1], s[1], s[2], s[2]})
	}
	if len(s) != 6 {
		return 0, fmt.Errorf("invalid hex color %q", v)
	}
	n, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid hex color %q: %w", v, err)
	}
	return uint32(n), nil
}

// FormatHexColor formats 0xRRGGBB as "#rrggbb".
func FormatHexColor(c uint32) string {
	return fmt.Sprintf("#%06x", c&0xffffff)
}

// parseSectors splits a "0.2;0.3;0.5" cell into fractions normalised to sum to 1.
// Negative or non-numeric parts count as zero.
func parseSectors(v string) []float64 {
	parts := strings.Split(v, ";")
	out := make([]float64, len(parts))
	total := 0.0
	for i, p := range parts {
		f, ok := ParseFloat(p)
		if !ok || f < 0 {
			f = 0
		}
		out[i] = f
		total += f
	}
	if total <= 0 {
		return out
	}
	for i := range out {
		out[i] /= total
	}
	return out
}
