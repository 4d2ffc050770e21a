package overlay

import (
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/nvr-ai/go-segment/classes"
)

const labelPadding = 4

var labelBackground = color.NRGBA{A: 160}

// DrawLabel writes the selected class name in the top-left corner of dst, in
// the class color over a translucent box. Nothing is drawn without a name.
//
// Arguments:
//   - dst: The image to draw on, usually the composited camera frame.
//   - sel: The current selection.
//   - colors: The class color table; nil means classes.DefaultColors.
//
// Returns:
//   - image.Rectangle: The area drawn, empty if nothing was drawn.
func DrawLabel(dst draw.Image, sel Selected, colors *classes.ColorTable) image.Rectangle {
	if sel.Name == "" || sel.Index < 0 {
		return image.Rectangle{}
	}
	if colors == nil {
		colors = classes.DefaultColors
	}

	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(colors.ColorFor(sel.Index)),
		Face: face,
	}

	origin := dst.Bounds().Min
	width := d.MeasureString(sel.Name).Ceil()
	box := image.Rect(0, 0, width+2*labelPadding, face.Height+2*labelPadding).
		Add(origin).
		Intersect(dst.Bounds())
	if box.Empty() {
		return image.Rectangle{}
	}
	draw.Draw(dst, box, image.NewUniform(labelBackground), image.Point{}, draw.Over)

	d.Dot = fixed.P(origin.X+labelPadding, origin.Y+labelPadding+face.Ascent)
	d.DrawString(sel.Name)
	return box
}
