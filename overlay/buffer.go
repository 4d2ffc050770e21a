package overlay

import "image"

// Buffer is the overlay pixel buffer. The backing image is recreated only
// when the requested dimensions change and is otherwise overwritten in place.
type Buffer struct {
	img         *image.NRGBA
	allocations int
}

// Ensure returns an image of exactly w by h pixels, reusing the current one
// when it already has that size.
func (b *Buffer) Ensure(w, h int) *image.NRGBA {
	if b.img != nil && b.img.Rect.Dx() == w && b.img.Rect.Dy() == h {
		return b.img
	}
	b.img = image.NewNRGBA(image.Rect(0, 0, w, h))
	b.allocations++
	return b.img
}

// Image returns the current image, or nil before the first decode.
func (b *Buffer) Image() *image.NRGBA {
	return b.img
}

// Allocations counts how many times the image has been (re)created.
func (b *Buffer) Allocations() int {
	return b.allocations
}

// Release drops the image.
func (b *Buffer) Release() {
	b.img = nil
}
