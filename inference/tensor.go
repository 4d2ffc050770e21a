package inference

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ClassTensor is a (1, height, width, classes) float32 score tensor produced
// by one completed inference. It is immutable once handed out and reference
// counted: the creator holds the first reference.
type ClassTensor struct {
	dense   *tensor.Dense
	data    []float32
	height  int
	width   int
	classes int

	refs    atomic.Int32
	recycle func([]float32)
}

// NewClassTensor wraps data laid out as (1, height, width, classes).
//
// Arguments:
//   - data: The scores, row-major with the class dimension innermost.
//   - height: The tensor height.
//   - width: The tensor width.
//   - classes: The number of classes.
//
// Returns:
//   - *ClassTensor: The tensor holding one reference.
//   - error: ErrInvalidOutput if the dimensions and data disagree.
func NewClassTensor(data []float32, height, width, classes int) (*ClassTensor, error) {
	return NewPooledClassTensor(data, height, width, classes, nil)
}

// NewPooledClassTensor is NewClassTensor with a recycle function that receives
// the backing slice once the last reference is released.
func NewPooledClassTensor(data []float32, height, width, classes int, recycle func([]float32)) (*ClassTensor, error) {
	if height <= 0 || width <= 0 || classes <= 0 {
		return nil, errors.Wrapf(ErrInvalidOutput, "non-positive shape (1, %d, %d, %d)", height, width, classes)
	}
	if want := height * width * classes; len(data) != want {
		return nil, errors.Wrapf(ErrInvalidOutput, "shape (1, %d, %d, %d) needs %d scores, got %d",
			height, width, classes, want, len(data))
	}

	t := &ClassTensor{
		dense: tensor.New(
			tensor.WithShape(1, height, width, classes),
			tensor.Of(tensor.Float32),
			tensor.WithBacking(data),
		),
		data:    data,
		height:  height,
		width:   width,
		classes: classes,
		recycle: recycle,
	}
	t.refs.Store(1)
	return t, nil
}

// FromDense adopts a float32 dense tensor of shape (1, H, W, C) or (H, W, C).
// The tensor's backing slice is handed to recycle, if not nil, once the last
// reference is released.
func FromDense(d *tensor.Dense, recycle func([]float32)) (*ClassTensor, error) {
	if d == nil {
		return nil, errors.Wrap(ErrInvalidOutput, "nil tensor")
	}
	if d.Dtype() != tensor.Float32 {
		return nil, errors.Wrapf(ErrInvalidOutput, "dtype %v, want float32", d.Dtype())
	}

	shape := d.Shape()
	switch {
	case len(shape) == 4 && shape[0] == 1:
		shape = shape[1:]
	case len(shape) == 3:
	default:
		return nil, errors.Wrapf(ErrInvalidOutput, "shape %v, want (1, H, W, C)", shape)
	}
	return NewPooledClassTensor(d.Float32s(), shape[0], shape[1], shape[2], recycle)
}

// Height returns the tensor height.
func (t *ClassTensor) Height() int { return t.height }

// Width returns the tensor width.
func (t *ClassTensor) Width() int { return t.width }

// Classes returns the size of the class dimension.
func (t *ClassTensor) Classes() int { return t.classes }

// Dense exposes the backing tensor. Callers must not mutate it.
func (t *ClassTensor) Dense() *tensor.Dense { return t.dense }

// Scores returns the class scores at (y, x). The slice aliases the tensor.
func (t *ClassTensor) Scores(y, x int) []float32 {
	off := (y*t.width + x) * t.classes
	return t.data[off : off+t.classes]
}

// Score returns a single class score.
func (t *ClassTensor) Score(y, x, class int) float32 {
	return t.data[(y*t.width+x)*t.classes+class]
}

// DominantClass returns the highest scoring class at (y, x), clamped to the
// tensor bounds. Ties go to the lowest class index.
func (t *ClassTensor) DominantClass(y, x int) int {
	y = clamp(y, 0, t.height-1)
	x = clamp(x, 0, t.width-1)
	return Argmax(t.Scores(y, x))
}

// Argmax returns the index of the largest score, scanning in increasing index
// order with a strict comparison so the first maximum wins. Empty input gives 0.
func Argmax(scores []float32) int {
	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	return best
}

// Retain adds a reference. It returns nil if the tensor was already released.
func (t *ClassTensor) Retain() *ClassTensor {
	for {
		n := t.refs.Load()
		if n <= 0 {
			return nil
		}
		if t.refs.CompareAndSwap(n, n+1) {
			return t
		}
	}
}

// Release drops a reference; the last one hands the backing slice to the
// recycle function, if any. Extra releases are ignored.
func (t *ClassTensor) Release() {
	if t == nil {
		return
	}
	for {
		n := t.refs.Load()
		if n <= 0 {
			return
		}
		if t.refs.CompareAndSwap(n, n-1) {
			if n == 1 && t.recycle != nil {
				t.recycle(t.data)
			}
			return
		}
	}
}

// Released reports whether every reference has been dropped.
func (t *ClassTensor) Released() bool {
	return t.refs.Load() <= 0
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
