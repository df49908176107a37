// Package frame handles the binary LED frame format: 3 bytes per LED, RGB in
// index order.
package frame

import (
	"time"

	"github.com/dokzlo13/ledsyncd/internal/color"
)

// Frame is one complete snapshot of all LED colors. Immutable once built; a
// new incoming payload replaces the frame wholesale.
type Frame struct {
	colors     []color.RGB
	updatedAt  time.Time
	payloadLen int
}

// Decode parses a raw frame payload into per-LED colors. The payload length
// must be a non-zero multiple of 3; anything else is treated as noise on the
// channel and dropped (nil return, no error).
func Decode(raw []byte) *Frame {
	if len(raw) == 0 || len(raw)%3 != 0 {
		return nil
	}
	colors := make([]color.RGB, 0, len(raw)/3)
	for i := 0; i < len(raw); i += 3 {
		colors = append(colors, color.RGB{R: raw[i], G: raw[i+1], B: raw[i+2]})
	}
	return &Frame{
		colors:     colors,
		updatedAt:  time.Now().UTC(),
		payloadLen: len(raw),
	}
}

// New builds a synthetic frame from already-resolved colors, as produced by
// broadcast-mode group aggregation.
func New(colors []color.RGB) *Frame {
	return &Frame{
		colors:     colors,
		updatedAt:  time.Now().UTC(),
		payloadLen: len(colors) * 3,
	}
}

// Colors returns the per-LED colors. The slice is owned by the frame and must
// not be modified.
func (f *Frame) Colors() []color.RGB {
	return f.colors
}

// Color returns the color at an LED position, or black with ok=false when the
// index is outside the frame.
func (f *Frame) Color(i int) (color.RGB, bool) {
	if i < 0 || i >= len(f.colors) {
		return color.Black, false
	}
	return f.colors[i], true
}

// LEDCount is the number of LED positions in the frame.
func (f *Frame) LEDCount() int {
	return len(f.colors)
}

// PayloadLen is the length of the raw payload the frame was decoded from.
func (f *Frame) PayloadLen() int {
	return f.payloadLen
}

// UpdatedAt is the time the frame was constructed.
func (f *Frame) UpdatedAt() time.Time {
	return f.updatedAt
}

// Encode re-emits the frame as the wire payload, 3 bytes per LED in index
// order. Decode then Encode round-trips exactly.
func (f *Frame) Encode() []byte {
	out := make([]byte, 0, len(f.colors)*3)
	for _, c := range f.colors {
		out = append(out, c.R, c.G, c.B)
	}
	return out
}

// HexColors returns the canonical hex string form of every LED, for textual
// readouts.
func (f *Frame) HexColors() []string {
	out := make([]string, len(f.colors))
	for i, c := range f.colors {
		out[i] = c.Hex()
	}
	return out
}
