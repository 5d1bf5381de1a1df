package dataset

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
)

// ColorPolicy chooses the initial colour of a group.
type ColorPolicy string

const (
	// ColorRandom draws a fresh colour from the marker palette band.
	ColorRandom ColorPolicy = "random"
	// ColorFromKey derives the colour from a hash of the group key.
	ColorFromKey ColorPolicy = "from-key"
	// ColorDictionary looks the key up in a user dictionary, falling back to ColorFromKey.
	ColorDictionary ColorPolicy = "dictionary"
)

// ParseColorPolicy validates a policy name. The empty string selects ColorFromKey.
func ParseColorPolicy(s string) (ColorPolicy, error) {
	switch p := ColorPolicy(s); p {
	case "":
		return ColorFromKey, nil
	case ColorRandom, ColorFromKey, ColorDictionary:
		return p, nil
	default:
		return "", fmt.Errorf("unknown color policy %q", s)
	}
}

// bandHSL maps four uniform draws into the marker band:
// H in [60,190] or [220,360], S in [40,100]%, L in [20,75]%.
func bandHSL(u1, u2, u3, u4 float64) (h, s, l float64) {
	if u1 > 0.5 {
		h = 60 + math.Floor(u2*131)
	} else {
		h = 220 + math.Floor(u2*141)
	}
	s = (40 + math.Floor(u3*61)) / 100
	l = (20 + math.Floor(u4*56)) / 100
	return h, s, l
}

// RandomColor draws a colour from the marker palette band.
func RandomColor() uint32 {
	return hslToRGB(bandHSL(rand.Float64(), rand.Float64(), rand.Float64(), rand.Float64()))
}

func keyColor(key string) uint32 {
	h := fnv.New64a()
	h.Write([]byte(key))
	r := rand.New(rand.NewPCG(h.Sum64(), 0x9e3779b97f4a7c15))
	return hslToRGB(bandHSL(r.Float64(), r.Float64(), r.Float64(), r.Float64()))
}

func (rs *RenderState) groupColor(key string) uint32 {
	switch rs.Policy {
	case ColorRandom:
		return RandomColor()
	case ColorDictionary:
		if hex, ok := rs.Dictionary[key]; ok {
			if c, err := ParseHexColor(hex); err == nil {
				return c
			}
		}
	}
	return keyColor(key)
}

// hslToRGB converts h in degrees and s, l in [0,1] to 0xRRGGBB.
func hslToRGB(h, s, l float64) uint32 {
	c := (1 - math.Abs(2*l-1)) * s
	hp := math.Mod(h, 360) / 60
	x := c * (1 - math.Abs(math.Mod(hp, 2)-1))
	var r, g, b float64
	switch {
	case hp < 1:
		r, g = c, x
	case hp < 2:
		r, g = x, c
	case hp < 3:
		g, b = c, x
	case hp < 4:
		g, b = x, c
	case hp < 5:
		r, b = x, c
	default:
		r, b = c, x
	}
	m := l - c/2
	ch := func(v float64) uint32 {
		return uint32(math.Max(0, math.Min(255, math.Round((v+m)*255))))
	}
	return ch(r)<<16 | ch(g)<<8 | ch(b)
}
