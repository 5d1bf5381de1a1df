// Package colormap provides the continuous and categorical scales markers are coloured with.
package colormap

import (
	"image/color"
	"math"
	"sort"
	"strings"
)

// Colormap maps t in [0, 1] to a colour.
type Colormap interface {
	At(t float64) color.Color
	AtIndex(i int) color.Color
}

// LinearColormap interpolates between evenly spaced stops.
type LinearColormap struct {
	colors []color.RGBA
}

// At interpolates the stops around t, clamping t to [0, 1].
func (c LinearColormap) At(t float64) color.Color {
	if t <= 0 || math.IsNaN(t) {
		return c.colors[0]
	}
	if t >= 1 {
		return c.colors[len(c.colors)-1]
	}

	idx := t * float64(len(c.colors)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(c.colors) {
		upper = len(c.colors) - 1
	}

	frac := idx - float64(lower)
	return interpolate(c.colors[lower], c.colors[upper], frac)
}

// AtIndex returns stop i modulo the stop count.
func (c LinearColormap) AtIndex(i int) color.Color {
	return c.colors[mod(i, len(c.colors))]
}

func interpolate(c1, c2 color.RGBA, t float64) color.RGBA {
	return color.RGBA{
		R: uint8(float64(c1.R) + t*(float64(c2.R)-float64(c1.R))),
		G: uint8(float64(c1.G) + t*(float64(c2.G)-float64(c1.G))),
		B: uint8(float64(c1.B) + t*(float64(c2.B)-float64(c1.B))),
		A: 255,
	}
}

func mod(i, n int) int {
	i %= n
	if i < 0 {
		i += n
	}
	return i
}

// FuncColormap evaluates a closed-form color function.
type FuncColormap func(t float64) color.RGBA

// At returns the color at position t (0-1), clamping t.
func (f FuncColormap) At(t float64) color.Color {
	if math.IsNaN(t) || t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	return f(t)
}

// AtIndex samples the function at ten evenly spaced positions.
func (f FuncColormap) AtIndex(i int) color.Color {
	return f(float64(mod(i, 10)) / 9)
}

// Rainbow is a sinusoidal rainbow: each channel is a squared sine shifted by a
// third of a period. It is the fallback for unknown scale names.
var Rainbow = FuncColormap(func(t float64) color.RGBA {
	t = 0.5 - t
	channel := func(shift float64) uint8 {
		s := math.Sin(math.Pi * (t + shift))
		return uint8(math.Round(255 * s * s))
	}
	return color.RGBA{R: channel(0), G: channel(1.0 / 3), B: channel(2.0 / 3), A: 255}
})

// Viridis is the matplotlib viridis scale.
var Viridis = LinearColormap{
	colors: []color.RGBA{
		{68, 1, 84, 255},
		{72, 35, 116, 255},
		{64, 67, 135, 255},
		{52, 94, 141, 255},
		{41, 120, 142, 255},
		{32, 144, 140, 255},
		{34, 167, 132, 255},
		{68, 190, 112, 255},
		{121, 209, 81, 255},
		{189, 222, 38, 255},
		{253, 231, 37, 255},
	},
}

// Plasma is the matplotlib plasma scale.
var Plasma = LinearColormap{
	colors: []color.RGBA{
		{13, 8, 135, 255},
		{75, 3, 161, 255},
		{125, 3, 168, 255},
		{168, 34, 150, 255},
		{203, 70, 121, 255},
		{229, 107, 93, 255},
		{248, 148, 65, 255},
		{253, 195, 40, 255},
		{240, 249, 33, 255},
	},
}

// Inferno is the matplotlib inferno scale.
var Inferno = LinearColormap{
	colors: []color.RGBA{
		{0, 0, 4, 255},
		{40, 11, 84, 255},
		{101, 21, 110, 255},
		{159, 42, 99, 255},
		{212, 72, 66, 255},
		{245, 125, 21, 255},
		{250, 193, 39, 255},
		{252, 255, 164, 255},
	},
}

// Magma is the matplotlib magma scale.
var Magma = LinearColormap{
	colors: []color.RGBA{
		{0, 0, 4, 255},
		{28, 16, 68, 255},
		{79, 18, 123, 255},
		{129, 37, 129, 255},
		{181, 54, 122, 255},
		{229, 80, 100, 255},
		{251, 135, 97, 255},
		{254, 194, 135, 255},
		{252, 253, 191, 255},
	},
}

// Seurat is the light-grey to red feature-plot scale.
var Seurat = LinearColormap{
	colors: []color.RGBA{
		{211, 211, 211, 255},
		{255, 0, 0, 255},
	},
}

// Cool runs from cyan to magenta.
var Cool = LinearColormap{
	colors: []color.RGBA{
		{110, 64, 170, 255},
		{76, 110, 219, 255},
		{35, 171, 216, 255},
		{29, 223, 163, 255},
		{82, 246, 103, 255},
	},
}

// Warm runs from purple through orange to yellow-green.
var Warm = LinearColormap{
	colors: []color.RGBA{
		{110, 64, 170, 255},
		{191, 60, 175, 255},
		{254, 75, 131, 255},
		{255, 120, 71, 255},
		{226, 183, 47, 255},
		{175, 240, 91, 255},
	},
}

// RdYlGn is the diverging red-yellow-green scale.
var RdYlGn = LinearColormap{
	colors: []color.RGBA{
		{165, 0, 38, 255},
		{244, 109, 67, 255},
		{254, 224, 139, 255},
		{217, 239, 139, 255},
		{102, 189, 99, 255},
		{0, 104, 55, 255},
	},
}

// Greys runs from white to black.
var Greys = LinearColormap{colors: []color.RGBA{{255, 255, 255, 255}, {150, 150, 150, 255}, {0, 0, 0, 255}}}

// Blues runs from near-white to dark blue.
var Blues = LinearColormap{colors: []color.RGBA{{247, 251, 255, 255}, {107, 174, 214, 255}, {8, 48, 107, 255}}}

// Greens runs from near-white to dark green.
var Greens = LinearColormap{colors: []color.RGBA{{247, 252, 245, 255}, {116, 196, 118, 255}, {0, 68, 27, 255}}}

// Reds runs from near-white to dark red.
var Reds = LinearColormap{colors: []color.RGBA{{255, 245, 240, 255}, {251, 106, 74, 255}, {103, 0, 13, 255}}}

// CategoricalColormap is a fixed palette for group keys.
type CategoricalColormap struct {
	colors []color.RGBA
}

// At picks the palette entry covering t.
func (c CategoricalColormap) At(t float64) color.Color {
	idx := int(t * float64(len(c.colors)))
	if idx >= len(c.colors) {
		idx = len(c.colors) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return c.colors[idx]
}

// AtIndex returns palette entry i, wrapping.
func (c CategoricalColormap) AtIndex(i int) color.Color {
	return c.colors[mod(i, len(c.colors))]
}

// Len returns the number of distinct colors.
func (c CategoricalColormap) Len() int { return len(c.colors) }

// Categorical is the 20-colour category10/20 palette.
var Categorical = CategoricalColormap{
	colors: []color.RGBA{
		{31, 119, 180, 255},  // Blue
		{255, 127, 14, 255},  // Orange
		{44, 160, 44, 255},   // Green
		{214, 39, 40, 255},   // Red
		{148, 103, 189, 255}, // Purple
		{140, 86, 75, 255},   // Brown
		{227, 119, 194, 255}, // Pink
		{127, 127, 127, 255}, // Gray
		{188, 189, 34, 255},  // Olive
		{23, 190, 207, 255},  // Cyan
		{174, 199, 232, 255}, // Light blue
		{255, 187, 120, 255}, // Light orange
		{152, 223, 138, 255}, // Light green
		{255, 152, 150, 255}, // Light red
		{197, 176, 213, 255}, // Light purple
		{196, 156, 148, 255}, // Light brown
		{247, 182, 210, 255}, // Light pink
		{199, 199, 199, 255}, // Light gray
		{219, 219, 141, 255}, // Light olive
		{158, 218, 229, 255}, // Light cyan
	},
}

var named = map[string]Colormap{
	"viridis":     Viridis,
	"plasma":      Plasma,
	"inferno":     Inferno,
	"magma":       Magma,
	"seurat":      Seurat,
	"rainbow":     Rainbow,
	"cool":        Cool,
	"warm":        Warm,
	"rdylgn":      RdYlGn,
	"greys":       Greys,
	"blues":       Blues,
	"greens":      Greens,
	"reds":        Reds,
	"categorical": Categorical,
}

// Lookup resolves a scale by name. Names are case-insensitive and may carry the
// "interpolate" prefix used by d3 ("interpolateViridis" and "viridis" are the same).
func Lookup(name string) (Colormap, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.TrimPrefix(key, "interpolate")
	cm, ok := named[key]
	return cm, ok
}

// Names returns the registered scale names in sorted order.
func Names() []string {
	out := make([]string, 0, len(named))
	for k := range named {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
