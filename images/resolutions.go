// Package images provides the model input resolutions that quality tiers are
// built from, and the helpers that fit camera frames into them.
package images

import (
	"fmt"
	"sort"
)

// ResolutionType represents a named model input resolution.
type ResolutionType string

// Defines the square input sizes supported by the segmentation models.
const (
	ResolutionType160 ResolutionType = "160"
	ResolutionType224 ResolutionType = "224"
	ResolutionType257 ResolutionType = "257"
	ResolutionType321 ResolutionType = "321"
	ResolutionType385 ResolutionType = "385"
	ResolutionType513 ResolutionType = "513"
)

// ResolutionPixels describes the exact dimensions of a resolution.
type ResolutionPixels struct {
	Width  int `json:"width"  yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Area returns the pixel count.
func (p ResolutionPixels) Area() int {
	return p.Width * p.Height
}

// Valid reports whether both dimensions are positive.
func (p ResolutionPixels) Valid() bool {
	return p.Width > 0 && p.Height > 0
}

// Resolution describes a model input resolution.
type Resolution struct {
	Name   ResolutionType   `json:"name"   yaml:"name"`
	Pixels ResolutionPixels `json:"pixels" yaml:"pixels"`
}

// String returns a human-readable summary of the resolution.
func (r Resolution) String() string {
	return fmt.Sprintf("%s (%dx%d)", r.Name, r.Pixels.Width, r.Pixels.Height)
}

var resolutions = map[ResolutionType]Resolution{
	ResolutionType160: {Name: ResolutionType160, Pixels: ResolutionPixels{Width: 160, Height: 160}},
	ResolutionType224: {Name: ResolutionType224, Pixels: ResolutionPixels{Width: 224, Height: 224}},
	ResolutionType257: {Name: ResolutionType257, Pixels: ResolutionPixels{Width: 257, Height: 257}},
	ResolutionType321: {Name: ResolutionType321, Pixels: ResolutionPixels{Width: 321, Height: 321}},
	ResolutionType385: {Name: ResolutionType385, Pixels: ResolutionPixels{Width: 385, Height: 385}},
	ResolutionType513: {Name: ResolutionType513, Pixels: ResolutionPixels{Width: 513, Height: 513}},
}

// GetResolutionByType retrieves a specific resolution by its type.
// It returns the Resolution and true if found, otherwise an empty Resolution and false.
func GetResolutionByType(t ResolutionType) (Resolution, bool) {
	res, ok := resolutions[t]
	return res, ok
}

// MustResolution is GetResolutionByType for package-level tables; it panics on
// an unknown type.
func MustResolution(t ResolutionType) Resolution {
	res, ok := resolutions[t]
	if !ok {
		panic(fmt.Sprintf("images: unknown resolution %q", t))
	}
	return res
}

// GetAllResolutions returns every resolution ordered by ascending area.
func GetAllResolutions() []Resolution {
	all := make([]Resolution, 0, len(resolutions))
	for _, res := range resolutions {
		all = append(all, res)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].Pixels.Area() < all[j].Pixels.Area()
	})
	return all
}
