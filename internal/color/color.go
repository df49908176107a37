// Package color provides the pure color math used by the sync pipeline:
// hex and HSV conversions, clamping, aggregation primitives and intensity
// normalization. Everything here is deterministic except Random.
package color

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
)

// RGB is one LED or light color, 8 bits per channel.
type RGB struct {
	R, G, B uint8
}

// Black is the default color of an untouched LED position.
var Black = RGB{}

// ParseHex parses a 6-digit hex color string. A leading '#' and mixed case
// are accepted. Unparseable input yields black and ok=false.
func ParseHex(s string) (RGB, bool) {
	s = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "#"))
	if len(s) != 6 {
		return Black, false
	}
	var r, g, b uint8
	if _, err := fmt.Sscanf(s, "%02x%02x%02x", &r, &g, &b); err != nil {
		return Black, false
	}
	return RGB{r, g, b}, true
}

// Hex returns the canonical serialized form: 6 lowercase hex digits, no '#'.
func (c RGB) Hex() string {
	return fmt.Sprintf("%02x%02x%02x", c.R, c.G, c.B)
}

// ToHSV converts to HSV with hue in [0,360) and saturation/value in [0,100].
func (c RGB) ToHSV() (h, s, v float64) {
	r := float64(c.R) / 255
	g := float64(c.G) / 255
	b := float64(c.B) / 255

	max := math.Max(r, math.Max(g, b))
	min := math.Min(r, math.Min(g, b))
	delta := max - min

	v = max * 100
	if max == 0 {
		return 0, 0, 0
	}
	s = delta / max * 100
	if delta == 0 {
		return 0, s, v
	}

	switch max {
	case r:
		h = math.Mod((g-b)/delta, 6)
	case g:
		h = (b-r)/delta + 2
	default:
		h = (r-g)/delta + 4
	}
	h *= 60
	if h < 0 {
		h += 360
	}
	return h, s, v
}

// FromHSV converts hue in degrees and saturation/value in [0,100] back to RGB.
func FromHSV(h, s, v float64) RGB {
	s = ClampFloat(s, 0, 100) / 100
	v = ClampFloat(v, 0, 100) / 100
	h = math.Mod(h, 360)
	if h < 0 {
		h += 360
	}

	chroma := v * s
	x := chroma * (1 - math.Abs(math.Mod(h/60, 2)-1))
	m := v - chroma

	var r, g, b float64
	switch {
	case h < 60:
		r, g, b = chroma, x, 0
	case h < 120:
		r, g, b = x, chroma, 0
	case h < 180:
		r, g, b = 0, chroma, x
	case h < 240:
		r, g, b = 0, x, chroma
	case h < 300:
		r, g, b = x, 0, chroma
	default:
		r, g, b = chroma, 0, x
	}

	return RGB{
		R: ClampChannel((r + m) * 255),
		G: ClampChannel((g + m) * 255),
		B: ClampChannel((b + m) * 255),
	}
}

// ClampChannel rounds and clamps a float to a valid 8-bit channel value.
func ClampChannel(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(math.Round(v))
}

// ClampFloat clamps v to [min, max].
func ClampFloat(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Brightness derives a light brightness from a color: the maximum channel,
// clamped to [1,255] so that a commanded light is never given brightness 0.
func (c RGB) Brightness() uint8 {
	m := c.R
	if c.G > m {
		m = c.G
	}
	if c.B > m {
		m = c.B
	}
	if m == 0 {
		return 1
	}
	return m
}

// Normalize separates a color into a direction (scaled so the largest channel
// is 255) and its max-channel intensity. Black normalizes to black with
// intensity 0.
func (c RGB) Normalize() (RGB, uint8) {
	m := c.R
	if c.G > m {
		m = c.G
	}
	if c.B > m {
		m = c.B
	}
	if m == 0 {
		return Black, 0
	}
	f := 255 / float64(m)
	return RGB{
		R: ClampChannel(float64(c.R) * f),
		G: ClampChannel(float64(c.G) * f),
		B: ClampChannel(float64(c.B) * f),
	}, m
}

// Scale multiplies every channel by f, clamping to the channel range.
func (c RGB) Scale(f float64) RGB {
	return RGB{
		R: ClampChannel(float64(c.R) * f),
		G: ClampChannel(float64(c.G) * f),
		B: ClampChannel(float64(c.B) * f),
	}
}

// Average is the per-channel arithmetic mean, rounded half-up independently
// per channel. Empty input yields ok=false.
func Average(colors []RGB) (RGB, bool) {
	if len(colors) == 0 {
		return Black, false
	}
	var r, g, b float64
	for _, c := range colors {
		r += float64(c.R)
		g += float64(c.G)
		b += float64(c.B)
	}
	n := float64(len(colors))
	return RGB{
		R: ClampChannel(r / n),
		G: ClampChannel(g / n),
		B: ClampChannel(b / n),
	}, true
}

// Dominant returns the input color with the largest channel sum. Ties go to
// the earliest input.
func Dominant(colors []RGB) (RGB, bool) {
	if len(colors) == 0 {
		return Black, false
	}
	best := colors[0]
	bestSum := int(best.R) + int(best.G) + int(best.B)
	for _, c := range colors[1:] {
		if sum := int(c.R) + int(c.G) + int(c.B); sum > bestSum {
			best, bestSum = c, sum
		}
	}
	return best, true
}

// Random picks a uniformly random input color. Each call may return a
// different value; callers that need determinism must select by hand.
func Random(colors []RGB) (RGB, bool) {
	if len(colors) == 0 {
		return Black, false
	}
	return colors[rand.Intn(len(colors))], true
}
