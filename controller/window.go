package controller

import (
	"time"

	"gonum.org/v1/gonum/stat"
)

// LatencySample is one measured inference latency.
type LatencySample struct {
	Latency   time.Duration
	Timestamp time.Time
}

// LatencyWindow is a fixed-capacity ring of recent samples; the oldest sample
// is evicted once the window is full.
type LatencyWindow struct {
	samples []LatencySample
	next    int
	full    bool
	scratch []float64
}

// NewLatencyWindow creates a window holding at most capacity samples.
func NewLatencyWindow(capacity int) *LatencyWindow {
	if capacity < 1 {
		capacity = 1
	}
	return &LatencyWindow{
		samples: make([]LatencySample, capacity),
		scratch: make([]float64, 0, capacity),
	}
}

// Cap returns the window capacity.
func (w *LatencyWindow) Cap() int {
	return len(w.samples)
}

// Len returns the number of samples currently held.
func (w *LatencyWindow) Len() int {
	if w.full {
		return len(w.samples)
	}
	return w.next
}

// Add appends a sample, evicting the oldest when full.
func (w *LatencyWindow) Add(s LatencySample) {
	w.samples[w.next] = s
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.full = true
	}
}

// Average returns the mean latency of the held samples, zero when empty.
func (w *LatencyWindow) Average() time.Duration {
	n := w.Len()
	if n == 0 {
		return 0
	}
	w.scratch = w.scratch[:0]
	for i := 0; i < n; i++ {
		w.scratch = append(w.scratch, float64(w.samples[i].Latency))
	}
	return time.Duration(stat.Mean(w.scratch, nil))
}

// Samples returns the held samples from oldest to newest.
func (w *LatencyWindow) Samples() []LatencySample {
	n := w.Len()
	out := make([]LatencySample, 0, n)
	start := 0
	if w.full {
		start = w.next
	}
	for i := 0; i < n; i++ {
		out = append(out, w.samples[(start+i)%len(w.samples)])
	}
	return out
}

// Reset drops every sample.
func (w *LatencyWindow) Reset() {
	w.next = 0
	w.full = false
}
