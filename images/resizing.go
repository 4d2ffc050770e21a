package images

import (
	"fmt"
	"image"

	"github.com/nfnt/resize"
)

// ResizeToInput scales a camera frame to the model input size. Frames that
// already match are returned untouched.
//
// Arguments:
//   - img: The camera frame.
//   - size: The target input size.
//
// Returns:
//   - image.Image: The resized frame.
//   - error: An error if the target size is not positive.
func ResizeToInput(img image.Image, size ResolutionPixels) (image.Image, error) {
	if !size.Valid() {
		return nil, fmt.Errorf("invalid input size %dx%d", size.Width, size.Height)
	}
	b := img.Bounds()
	if b.Dx() == size.Width && b.Dy() == size.Height {
		return img, nil
	}
	return resize.Resize(uint(size.Width), uint(size.Height), img, resize.Bilinear), nil
}

// PackHWC writes img into dst as normalized float32 in height-width-channel
// order, RGB, scaled to [0,1]. dst must hold at least W*H*3 values.
//
// Arguments:
//   - img: The (already resized) image.
//   - dst: The destination buffer, typically the executor's input tensor data.
//
// Returns:
//   - error: An error if dst is too small.
func PackHWC(img image.Image, dst []float32) error {
	b := img.Bounds()
	need := b.Dx() * b.Dy() * 3
	if len(dst) < need {
		return fmt.Errorf("destination holds %d floats, needs %d", len(dst), need)
	}

	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			dst[i] = float32(r>>8) / 255.0
			dst[i+1] = float32(g>>8) / 255.0
			dst[i+2] = float32(bl>>8) / 255.0
			i += 3
		}
	}
	return nil
}

// PackCHW writes img into dst as planar red, green and blue channels scaled
// to [0,1], the layout NCHW models expect.
func PackCHW(img image.Image, dst []float32) error {
	b := img.Bounds()
	plane := b.Dx() * b.Dy()
	if len(dst) < plane*3 {
		return fmt.Errorf("destination holds %d floats, needs %d", len(dst), plane*3)
	}
	red := dst[0:plane]
	green := dst[plane : plane*2]
	blue := dst[plane*2 : plane*3]

	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			red[i] = float32(r>>8) / 255.0
			green[i] = float32(g>>8) / 255.0
			blue[i] = float32(bl>>8) / 255.0
			i++
		}
	}
	return nil
}
