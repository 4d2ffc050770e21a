package overlay

import (
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStyle(t *testing.T) {
	base := color.RGBA{R: 100, G: 0, B: 255, A: 255}

	tests := []struct {
		name     string
		class    int
		selected int
		expected color.NRGBA
	}{
		{"no selection", 4, NoSelection, color.NRGBA{R: 100, G: 0, B: 255, A: MidAlpha}},
		{"highlight", 4, 4, color.NRGBA{R: 154, G: 89, B: 255, A: HighlightAlpha}},
		{"dimmed", 7, 4, color.NRGBA{R: 40, G: 0, B: 102, A: DimAlpha}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Style(base, tt.class, tt.selected))
		})
	}

	assert.GreaterOrEqual(t, HighlightAlpha, uint8(200))
	assert.LessOrEqual(t, DimAlpha, uint8(80))
}
