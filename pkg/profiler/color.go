package profiler

import "fmt"

// Color is a display color for groups and scopes.
type Color struct {
	R, G, B uint8
}

func RGB(r, g, b uint8) Color {
	return Color{R: r, G: g, B: b}
}

// Pack returns the color as the 24-bit 0xRRGGBB integer the backend expects.
func (c Color) Pack() uint32 {
	return uint32(c.R)<<16 | uint32(c.G)<<8 | uint32(c.B)
}

// UnpackColor is the inverse of Pack. Bits above 24 are ignored.
func UnpackColor(v uint32) Color {
	return Color{
		R: uint8(v >> 16),
		G: uint8(v >> 8),
		B: uint8(v),
	}
}

func (c Color) String() string {
	return fmt.Sprintf("#%06x", c.Pack())
}
