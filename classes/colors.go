package classes

import (
	"image/color"
	"math"
)

const (
	// goldenAngle is the hue step, in degrees, between consecutive generated colors.
	goldenAngle = 137.50776405003785
	// generatedSaturation and generatedValue keep generated colors vivid enough
	// to read over a camera image.
	generatedSaturation = 0.65
	generatedValue      = 0.95
)

// ColorTable maps class indices to display colors. The table is immutable;
// indices beyond it are served by a deterministic golden-angle hue generator.
type ColorTable struct {
	colors []color.RGBA
}

// vocColors is the standard Pascal VOC palette.
var vocColors = []color.RGBA{
	{0, 0, 0, 255},
	{128, 0, 0, 255},
	{0, 128, 0, 255},
	{128, 128, 0, 255},
	{0, 0, 128, 255},
	{128, 0, 128, 255},
	{0, 128, 128, 255},
	{128, 128, 128, 255},
	{64, 0, 0, 255},
	{192, 0, 0, 255},
	{64, 128, 0, 255},
	{192, 128, 0, 255},
	{64, 0, 128, 255},
	{192, 0, 128, 255},
	{64, 128, 128, 255},
	{192, 128, 128, 255},
	{0, 64, 0, 255},
	{128, 64, 0, 255},
	{0, 192, 0, 255},
	{128, 192, 0, 255},
	{0, 64, 128, 255},
}

// DefaultColors is the color table matching the VOC label set.
var DefaultColors = NewColorTable(vocColors)

// NewColorTable creates a table from the given colors. The slice is copied.
//
// Arguments:
//   - colors: Colors in class index order.
//
// Returns:
//   - *ColorTable: The color table.
func NewColorTable(colors []color.RGBA) *ColorTable {
	c := make([]color.RGBA, len(colors))
	copy(c, colors)
	return &ColorTable{colors: c}
}

// Len returns the number of explicitly defined colors.
func (t *ColorTable) Len() int {
	return len(t.colors)
}

// ColorFor returns the opaque display color for a class index. Negative
// indices are folded onto their absolute value so every int has a color.
func (t *ColorTable) ColorFor(idx int) color.RGBA {
	switch {
	case idx == math.MinInt:
		idx = math.MaxInt
	case idx < 0:
		idx = -idx
	}
	if idx < len(t.colors) {
		return t.colors[idx]
	}
	return generatedColor(idx)
}

// generatedColor rotates the hue by the golden angle per index.
func generatedColor(idx int) color.RGBA {
	hue := math.Mod(float64(idx)*goldenAngle, 360)
	r, g, b := hsvToRGB(hue, generatedSaturation, generatedValue)
	return color.RGBA{R: r, G: g, B: b, A: 255}
}

// hsvToRGB converts h in [0,360), s and v in [0,1] to 8-bit channels.
func hsvToRGB(h, s, v float64) (uint8, uint8, uint8) {
	c := v * s
	x := c * (1 - math.Abs(math.Mod(h/60, 2)-1))
	m := v - c

	var r, g, b float64
	switch {
	case h < 60:
		r, g, b = c, x, 0
	case h < 120:
		r, g, b = x, c, 0
	case h < 180:
		r, g, b = 0, c, x
	case h < 240:
		r, g, b = 0, x, c
	case h < 300:
		r, g, b = x, 0, c
	default:
		r, g, b = c, 0, x
	}

	return toByte(r + m), toByte(g + m), toByte(b + m)
}

func toByte(f float64) uint8 {
	return uint8(math.Round(math.Max(0, math.Min(1, f)) * 255))
}
