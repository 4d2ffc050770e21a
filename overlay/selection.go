package overlay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nvr-ai/go-segment/classes"
	"github.com/nvr-ai/go-segment/inference"
)

// DefaultDoubleTapWindow is how soon a second tap must follow to clear the
// selection.
const DefaultDoubleTapWindow = 400 * time.Millisecond

// Point is a tap position normalized to the overlay, each axis in [0,1].
type Point struct {
	X, Y float64
}

// Selected is the highlighted class for presentation.
type Selected struct {
	Index int
	Name  string
}

// Selection holds the highlighted class. Taps write it; the decoder reads it
// through Index.
type Selection struct {
	names     *classes.Set
	doubleTap time.Duration

	index atomic.Int64

	mu      sync.Mutex
	lastTap time.Time
}

// NewSelection creates an empty selection.
//
// Arguments:
//   - names: The class names used by Current; nil means classes.VOC.
//   - doubleTap: The double-tap window; zero or negative means DefaultDoubleTapWindow.
//
// Returns:
//   - *Selection: The selection.
func NewSelection(names *classes.Set, doubleTap time.Duration) *Selection {
	if names == nil {
		names = classes.VOC
	}
	if doubleTap <= 0 {
		doubleTap = DefaultDoubleTapWindow
	}
	s := &Selection{names: names, doubleTap: doubleTap}
	s.index.Store(NoSelection)
	return s
}

// Index returns the selected class, or NoSelection.
func (s *Selection) Index() int {
	return int(s.index.Load())
}

// Set selects a class; a negative index clears the selection.
func (s *Selection) Set(idx int) {
	if idx < 0 {
		idx = NoSelection
	}
	s.index.Store(int64(idx))
}

// Clear removes the selection.
func (s *Selection) Clear() {
	s.index.Store(NoSelection)
}

// Current returns the selected class and its display name.
func (s *Selection) Current() (Selected, bool) {
	idx := s.Index()
	if idx < 0 {
		return Selected{Index: NoSelection}, false
	}
	return Selected{Index: idx, Name: s.names.Name(idx)}, true
}

// ResolveTap selects the dominant class under p. A tap that follows the
// previous one within the double-tap window clears an active selection
// instead.
//
// Arguments:
//   - p: The normalized tap position; out-of-range values are clamped.
//   - t: The tensor to read; nil leaves the selection unchanged.
//   - now: The tap time.
//
// Returns:
//   - int: The selected class after the tap, or NoSelection.
func (s *Selection) ResolveTap(p Point, t *inference.ClassTensor, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t == nil {
		return s.Index()
	}

	previous := s.lastTap
	s.lastTap = now
	if s.Index() >= 0 && !previous.IsZero() && now.Sub(previous) < s.doubleTap {
		s.Clear()
		// The clearing tap does not start a new double tap.
		s.lastTap = time.Time{}
		return NoSelection
	}

	x := clamp(int(p.X*float64(t.Width())), 0, t.Width()-1)
	y := clamp(int(p.Y*float64(t.Height())), 0, t.Height()-1)
	idx := t.DominantClass(y, x)
	s.Set(idx)
	return idx
}
