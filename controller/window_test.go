package controller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLatencyWindowEvictsOldest(t *testing.T) {
	w := NewLatencyWindow(3)
	assert.Equal(t, 3, w.Cap())
	assert.Equal(t, time.Duration(0), w.Average())

	for i := 1; i <= 5; i++ {
		w.Add(LatencySample{Latency: time.Duration(i*10) * time.Millisecond, Timestamp: t0.Add(time.Duration(i) * time.Second)})
	}

	assert.Equal(t, 3, w.Len())
	assert.Equal(t, 40*time.Millisecond, w.Average())

	samples := w.Samples()
	assert.Len(t, samples, 3)
	assert.Equal(t, 30*time.Millisecond, samples[0].Latency)
	assert.Equal(t, 50*time.Millisecond, samples[2].Latency)
}

func TestLatencyWindowPartialAndReset(t *testing.T) {
	w := NewLatencyWindow(4)
	w.Add(LatencySample{Latency: 10 * time.Millisecond})
	w.Add(LatencySample{Latency: 30 * time.Millisecond})

	assert.Equal(t, 2, w.Len())
	assert.Equal(t, 20*time.Millisecond, w.Average())

	w.Reset()
	assert.Equal(t, 0, w.Len())
	assert.Empty(t, w.Samples())
}

func TestLatencyWindowMinimumCapacity(t *testing.T) {
	w := NewLatencyWindow(0)
	assert.Equal(t, 1, w.Cap())
	w.Add(LatencySample{Latency: time.Millisecond})
	w.Add(LatencySample{Latency: 3 * time.Millisecond})
	assert.Equal(t, 3*time.Millisecond, w.Average())
}
