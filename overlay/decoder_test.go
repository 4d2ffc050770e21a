package overlay

import (
	"bytes"
	"image/color"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-segment/classes"
	"github.com/nvr-ai/go-segment/images"
	"github.com/nvr-ai/go-segment/inference"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// classGrid builds a tensor whose dominant class per cell is given by rows of
// class indices, scoring the dominant class 1 and every other 0.
func classGrid(t *testing.T, numClasses int, rows ...[]int) *inference.ClassTensor {
	t.Helper()
	h, w := len(rows), len(rows[0])
	data := make([]float32, h*w*numClasses)
	for y, row := range rows {
		for x, c := range row {
			data[(y*w+x)*numClasses+c] = 1
		}
	}
	ct, err := inference.NewClassTensor(data, h, w, numClasses)
	require.NoError(t, err)
	return ct
}

func nrgbaAt(t *testing.T, d *Decoder, x, y int) color.NRGBA {
	t.Helper()
	img := d.Image()
	require.NotNil(t, img)
	return img.NRGBAAt(x, y)
}

func TestVoteTieBreak(t *testing.T) {
	tests := []struct {
		name     string
		votes    [4]int
		expected int
	}{
		{"pairs in scan order", [4]int{2, 2, 3, 3}, 2},
		{"interleaved pairs", [4]int{3, 2, 2, 3}, 3},
		{"majority", [4]int{1, 5, 5, 5}, 5},
		{"all distinct", [4]int{7, 1, 2, 3}, 7},
		{"unanimous", [4]int{4, 4, 4, 4}, 4},
		{"late pair wins over singles", [4]int{0, 1, 6, 6}, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := tt.votes
			assert.Equal(t, tt.expected, vote(v[0], v[1], v[2], v[3]))
		})
	}
}

func TestDecodeArgmaxTieBreak(t *testing.T) {
	ct, err := inference.NewClassTensor([]float32{0.5, 0.5, 0.2}, 1, 1, 3)
	require.NoError(t, err)

	d := NewDecoder(classes.DefaultColors, discardLogger())
	_, err = d.Decode(ct, NoSelection, 1, 1)
	require.NoError(t, err)

	c0 := classes.DefaultColors.ColorFor(0)
	assert.Equal(t, color.NRGBA{R: c0.R, G: c0.G, B: c0.B, A: MidAlpha}, nrgbaAt(t, d, 0, 0))
}

func TestDecodeMajorityVoteNeighbors(t *testing.T) {
	// TL=2, TR=3, BL=2, BR=3: scan order TL, BL, TR, BR sees 2 first.
	ct := classGrid(t, 4,
		[]int{2, 3},
		[]int{2, 3},
	)
	d := NewDecoder(nil, discardLogger())
	_, err := d.Decode(ct, NoSelection, 4, 4)
	require.NoError(t, err)

	c2 := classes.DefaultColors.ColorFor(2)
	assert.Equal(t, color.NRGBA{R: c2.R, G: c2.G, B: c2.B, A: MidAlpha}, nrgbaAt(t, d, 1, 1))
}

func TestDecodeTwoByTwoScenario(t *testing.T) {
	// Dominant classes: top-left 0, top-right 0, bottom-left 1, bottom-right 1.
	ct, err := inference.NewClassTensor([]float32{
		0.9, 0.1, 0.8, 0.2,
		0.3, 0.7, 0.4, 0.6,
	}, 2, 2, 2)
	require.NoError(t, err)

	table := classes.NewColorTable([]color.RGBA{
		{R: 200, G: 10, B: 10, A: 255},
		{R: 10, G: 10, B: 200, A: 255},
	})
	d := NewDecoder(table, discardLogger())

	tests := []struct {
		name     string
		selected int
		expected color.NRGBA
	}{
		{"no selection", NoSelection, Style(table.ColorFor(0), 0, NoSelection)},
		{"class 0 selected", 0, Style(table.ColorFor(0), 0, 0)},
		{"class 1 selected", 1, Style(table.ColorFor(0), 0, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Texture 4x4: pixel (1,1) maps to tensor (0.5, 0.5), between all four cells.
			_, err := d.Decode(ct, tt.selected, 4, 4)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, nrgbaAt(t, d, 1, 1))
		})
	}

	// Pixel (0,2) maps to tensor (x=0, y=1): all neighbors are bottom-left.
	_, err = d.Decode(ct, NoSelection, 4, 4)
	require.NoError(t, err)
	assert.Equal(t, Style(table.ColorFor(1), 1, NoSelection), nrgbaAt(t, d, 0, 2))
}

func TestDecodeSelectionStyling(t *testing.T) {
	ct := classGrid(t, 8, []int{4, 7})
	d := NewDecoder(nil, discardLogger())

	_, err := d.Decode(ct, 4, 2, 1)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, nrgbaAt(t, d, 0, 0).A, uint8(200))
	assert.LessOrEqual(t, nrgbaAt(t, d, 1, 0).A, uint8(80))

	_, err = d.Decode(ct, NoSelection, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, MidAlpha, nrgbaAt(t, d, 0, 0).A)
	assert.Equal(t, MidAlpha, nrgbaAt(t, d, 1, 0).A)
}

func TestDecodeFallbackColors(t *testing.T) {
	ct := classGrid(t, 40, []int{33})
	d := NewDecoder(classes.DefaultColors, discardLogger())

	_, err := d.Decode(ct, NoSelection, 1, 1)
	require.NoError(t, err)
	c := classes.DefaultColors.ColorFor(33)
	assert.Equal(t, color.NRGBA{R: c.R, G: c.G, B: c.B, A: MidAlpha}, nrgbaAt(t, d, 0, 0))
}

func TestDecodeReusesBuffer(t *testing.T) {
	d := NewDecoder(nil, discardLogger())
	a := classGrid(t, 3, []int{0, 1}, []int{2, 0})
	b := classGrid(t, 3, []int{1, 1}, []int{1, 1})

	first, err := d.Decode(a, NoSelection, 8, 6)
	require.NoError(t, err)
	second, err := d.Decode(b, 1, 8, 6)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, d.Allocations())

	third, err := d.Decode(b, 1, 16, 12)
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.Equal(t, 2, d.Allocations())
	assert.Equal(t, 16, third.Rect.Dx())

	d.Reset()
	assert.Nil(t, d.Image())
}

func TestDecodeFollowsTensorSizeChange(t *testing.T) {
	d := NewDecoder(nil, discardLogger())

	_, err := d.Decode(classGrid(t, 3, []int{0, 1}), NoSelection, 4, 1)
	require.NoError(t, err)

	wide := classGrid(t, 3, []int{2, 2, 2, 1})
	_, err = d.Decode(wide, NoSelection, 4, 1)
	require.NoError(t, err)

	c2 := classes.DefaultColors.ColorFor(2)
	assert.Equal(t, color.NRGBA{R: c2.R, G: c2.G, B: c2.B, A: MidAlpha}, nrgbaAt(t, d, 1, 0))
	assert.Equal(t, 1, d.Allocations())
}

func TestDecodeSkipsEmpty(t *testing.T) {
	d := NewDecoder(nil, discardLogger())

	_, err := d.Decode(nil, NoSelection, 4, 4)
	assert.ErrorIs(t, err, ErrEmptyTensor)

	_, err = d.Decode(classGrid(t, 2, []int{0}), NoSelection, 0, 4)
	assert.ErrorIs(t, err, ErrEmptyTarget)
}

func TestDimensionMismatchLoggedOnce(t *testing.T) {
	var out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&out, nil))
	d := NewDecoder(nil, logger)
	d.Expect(images.ResolutionPixels{Width: 4, Height: 4})

	ct := classGrid(t, 2, []int{0, 1})
	for i := 0; i < 3; i++ {
		_, err := d.Decode(ct, NoSelection, 2, 2)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, strings.Count(out.String(), "tensor size differs"))

	match := classGrid(t, 2, []int{0, 0, 0, 0}, []int{0, 0, 0, 0}, []int{0, 0, 0, 0}, []int{0, 0, 0, 0})
	_, err := d.Decode(match, NoSelection, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out.String(), "tensor size differs"))
}

func TestMapAxis(t *testing.T) {
	got := mapAxis(nil, 4, 2)
	assert.Equal(t, []neighbors{{0, 0}, {0, 1}, {1, 1}, {1, 1}}, got)

	// Downsampling: 2 destination pixels over 4 tensor cells.
	got = mapAxis(got, 2, 4)
	assert.Equal(t, []neighbors{{0, 0}, {2, 2}}, got)
}
