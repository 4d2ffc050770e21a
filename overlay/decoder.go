// Package overlay - Turns class tensors into a colored, selectable overlay.
package overlay

import (
	"image"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-segment/classes"
	"github.com/nvr-ai/go-segment/images"
	"github.com/nvr-ai/go-segment/inference"
)

var (
	// ErrEmptyTensor means there is nothing to decode; the frame is skipped.
	ErrEmptyTensor = errors.New("overlay: empty tensor")
	// ErrEmptyTarget means the requested overlay has a zero dimension.
	ErrEmptyTarget = errors.New("overlay: empty target size")
)

// neighbors holds the floor and ceil tensor coordinates for one destination
// row or column.
type neighbors struct {
	lo, hi int
}

// Decoder renders class tensors into a reused pixel buffer. A Decoder is not
// safe for concurrent use; it belongs to the frame worker.
type Decoder struct {
	colors *classes.ColorTable
	logger *slog.Logger

	buf Buffer

	// Dominant class per tensor cell, rebuilt once per tensor.
	grid       []int
	gridW      int
	gridH      int
	gridSource *inference.ClassTensor

	// Destination to tensor coordinate maps, rebuilt on size change.
	cols []neighbors
	rows []neighbors

	expected   images.ResolutionPixels
	mismatched images.ResolutionPixels
}

// NewDecoder creates a decoder.
//
// Arguments:
//   - colors: The class color table; nil means classes.DefaultColors.
//   - logger: The logger; nil means slog.Default().
//
// Returns:
//   - *Decoder: The decoder.
func NewDecoder(colors *classes.ColorTable, logger *slog.Logger) *Decoder {
	if colors == nil {
		colors = classes.DefaultColors
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{colors: colors, logger: logger}
}

// Expect records the tensor size the active tier should produce. A tensor of
// another size is still decoded; the mismatch is logged once per size.
func (d *Decoder) Expect(size images.ResolutionPixels) {
	d.expected = size
}

// Decode renders t at width by height pixels. Each destination pixel maps to
// the four nearest tensor cells, whose dominant classes vote; ties go to the
// first class seen in top-left, bottom-left, top-right, bottom-right order.
// The voted class color is styled for the selected class.
//
// Arguments:
//   - t: The class tensor. It must stay retained for the duration of the call.
//   - selected: The selected class, or NoSelection.
//   - width: The overlay width in pixels.
//   - height: The overlay height in pixels.
//
// Returns:
//   - *image.NRGBA: The overlay, valid until the next Decode.
//   - error: ErrEmptyTensor or ErrEmptyTarget when the frame must be skipped.
func (d *Decoder) Decode(t *inference.ClassTensor, selected, width, height int) (*image.NRGBA, error) {
	if t == nil || t.Height() <= 0 || t.Width() <= 0 || t.Classes() <= 0 {
		return nil, ErrEmptyTensor
	}
	if width <= 0 || height <= 0 {
		return nil, errors.Wrapf(ErrEmptyTarget, "%dx%d", width, height)
	}

	d.checkDimensions(t)
	d.buildGrid(t)
	d.buildMaps(width, height)

	img := d.buf.Ensure(width, height)
	for y := 0; y < height; y++ {
		r := d.rows[y]
		line := img.Pix[y*img.Stride : y*img.Stride+width*4]
		for x := 0; x < width; x++ {
			c := d.cols[x]
			class := vote(
				d.dominant(r.lo, c.lo),
				d.dominant(r.hi, c.lo),
				d.dominant(r.lo, c.hi),
				d.dominant(r.hi, c.hi),
			)
			px := Style(d.colors.ColorFor(class), class, selected)
			o := x * 4
			line[o] = px.R
			line[o+1] = px.G
			line[o+2] = px.B
			line[o+3] = px.A
		}
	}
	return img, nil
}

// Image returns the last decoded overlay, or nil.
func (d *Decoder) Image() *image.NRGBA {
	return d.buf.Image()
}

// Allocations reports how many times the overlay buffer was created.
func (d *Decoder) Allocations() int {
	return d.buf.Allocations()
}

// Reset drops every cached buffer.
func (d *Decoder) Reset() {
	d.buf.Release()
	d.grid = nil
	d.gridSource = nil
	d.gridW, d.gridH = 0, 0
	d.cols, d.rows = nil, nil
}

func (d *Decoder) dominant(y, x int) int {
	return d.grid[y*d.gridW+x]
}

func (d *Decoder) checkDimensions(t *inference.ClassTensor) {
	if !d.expected.Valid() {
		return
	}
	got := images.ResolutionPixels{Width: t.Width(), Height: t.Height()}
	if got == d.expected || got == d.mismatched {
		return
	}
	d.mismatched = got
	d.logger.Warn("overlay: tensor size differs from tier input size",
		"expected", d.expected,
		"got", got,
		"classes", t.Classes(),
	)
}

// buildGrid computes the dominant class of every tensor cell once per tensor.
func (d *Decoder) buildGrid(t *inference.ClassTensor) {
	if t == d.gridSource && t.Width() == d.gridW && t.Height() == d.gridH {
		return
	}
	if t.Width() != d.gridW || t.Height() != d.gridH {
		n := t.Width() * t.Height()
		if cap(d.grid) < n {
			d.grid = make([]int, n)
		}
		d.grid = d.grid[:n]
		d.gridW, d.gridH = t.Width(), t.Height()
		// The coordinate maps point into the old grid.
		d.cols, d.rows = d.cols[:0], d.rows[:0]
	}

	i := 0
	for y := 0; y < d.gridH; y++ {
		for x := 0; x < d.gridW; x++ {
			d.grid[i] = inference.Argmax(t.Scores(y, x))
			i++
		}
	}
	d.gridSource = t
}

func (d *Decoder) buildMaps(width, height int) {
	if len(d.cols) == width && len(d.rows) == height {
		return
	}
	d.cols = mapAxis(d.cols, width, d.gridW)
	d.rows = mapAxis(d.rows, height, d.gridH)
}

// mapAxis maps each destination coordinate to its floor and ceil tensor
// coordinate: model = dst / dstSize * tensorSize, clamped.
func mapAxis(dst []neighbors, dstSize, tensorSize int) []neighbors {
	if cap(dst) < dstSize {
		dst = make([]neighbors, dstSize)
	}
	dst = dst[:dstSize]
	last := tensorSize - 1
	for i := range dst {
		pos := float64(i) / float64(dstSize) * float64(tensorSize)
		lo := int(pos)
		hi := lo
		if float64(lo) < pos {
			hi = lo + 1
		}
		dst[i] = neighbors{lo: clamp(lo, 0, last), hi: clamp(hi, 0, last)}
	}
	return dst
}

// vote returns the most frequent of the four classes. Ties go to the class
// seen first in argument order.
func vote(tl, bl, tr, br int) int {
	votes := [4]int{tl, bl, tr, br}
	best, bestCount := votes[0], 0
	for _, v := range votes {
		n := 0
		for _, u := range votes {
			if u == v {
				n++
			}
		}
		if n > bestCount {
			best, bestCount = v, n
		}
	}
	return best
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
