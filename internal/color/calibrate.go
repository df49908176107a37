package color

// Settings holds the calibration knobs applied to every color before it
// reaches a light. The zero value of the gains means "no output"; use
// DefaultSettings for a passthrough configuration.
type Settings struct {
	// BrightnessCutoff forces the whole color to black when non-zero and the
	// maximum channel stays below it.
	BrightnessCutoff uint8
	// Per-channel cutoffs force a single channel to 0 when it stays below
	// the threshold.
	CutoffRed   uint8
	CutoffGreen uint8
	CutoffBlue  uint8
	// BrightnessGain multiplies the HSV value, SaturationGain the HSV
	// saturation. Both must be >= 0.
	BrightnessGain float64
	SaturationGain float64
	// TemperatureShift in [-1,1] warms (>0) or cools (<0) by redistributing
	// the red and blue channels.
	TemperatureShift float64
}

// DefaultSettings returns a passthrough calibration: unit gains, no cutoffs,
// no temperature shift.
func DefaultSettings() Settings {
	return Settings{BrightnessGain: 1, SaturationGain: 1}
}

// Apply runs the calibration transform. It is pure and order-sensitive:
// temperature shift, then HSV gains, then per-channel cutoffs on the
// post-gain values, then the overall brightness cutoff.
func (s Settings) Apply(c RGB) RGB {
	r := float64(c.R)
	g := float64(c.G)
	b := float64(c.B)

	// Warming raises red and lowers blue; cooling is the mirror image, so
	// both collapse to the same pair of factors.
	if t := ClampFloat(s.TemperatureShift, -1, 1); t != 0 {
		r *= 1 + t
		b *= 1 - t
	}
	out := RGB{ClampChannel(r), ClampChannel(g), ClampChannel(b)}

	if s.SaturationGain != 1 || s.BrightnessGain != 1 {
		h, sat, val := out.ToHSV()
		sat = ClampFloat(sat*s.SaturationGain, 0, 100)
		val = ClampFloat(val*s.BrightnessGain, 0, 100)
		out = FromHSV(h, sat, val)
	}

	if out.R < s.CutoffRed {
		out.R = 0
	}
	if out.G < s.CutoffGreen {
		out.G = 0
	}
	if out.B < s.CutoffBlue {
		out.B = 0
	}

	if s.BrightnessCutoff > 0 {
		max := out.R
		if out.G > max {
			max = out.G
		}
		if out.B > max {
			max = out.B
		}
		if max < s.BrightnessCutoff {
			return Black
		}
	}
	return out
}
