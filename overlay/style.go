package overlay

import (
	"image/color"

	"github.com/chewxy/math32"
)

// Alpha levels for the three selection states.
const (
	MidAlpha       uint8 = 128
	HighlightAlpha uint8 = 220
	DimAlpha       uint8 = 60
)

const (
	highlightGain float32 = 0.35
	dimFactor     float32 = 0.4
)

// NoSelection marks that every class is shown with equal weight.
const NoSelection = -1

// Style modulates a class color for the active selection.
//
// Arguments:
//   - c: The class color.
//   - class: The class voted for the pixel.
//   - selected: The selected class index, or NoSelection.
//
// Returns:
//   - color.NRGBA: The pixel value.
func Style(c color.RGBA, class, selected int) color.NRGBA {
	switch {
	case selected < 0:
		return color.NRGBA{R: c.R, G: c.G, B: c.B, A: MidAlpha}
	case class == selected:
		return color.NRGBA{R: brighten(c.R), G: brighten(c.G), B: brighten(c.B), A: HighlightAlpha}
	default:
		return color.NRGBA{R: scale(c.R, dimFactor), G: scale(c.G, dimFactor), B: scale(c.B, dimFactor), A: DimAlpha}
	}
}

func brighten(v uint8) uint8 {
	f := float32(v)
	return toByte(f + (255-f)*highlightGain)
}

func scale(v uint8, k float32) uint8 {
	return toByte(float32(v) * k)
}

func toByte(f float32) uint8 {
	return uint8(math32.Floor(math32.Max(0, math32.Min(255, f)) + 0.5))
}
