package profiler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-segment/util"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSampleConvertsFrameRateToLoad(t *testing.T) {
	clock := util.NewFakeClock(t0)
	var loads []float64
	s := NewFrameRateSampler(SamplerOptions{
		Interval:    time.Second,
		ExpectedFPS: 30,
		Clock:       clock,
		Logger:      discardLogger(),
	}, func(load float64) { loads = append(loads, load) })

	_, ok := s.Sample()
	require.False(t, ok, "first sample only opens the window")

	tests := []struct {
		name   string
		frames int
		load   float64
	}{
		{"full rate", 30, 0},
		{"half rate", 15, 0.5},
		{"stalled", 0, 1},
		{"faster than expected", 45, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < tt.frames; i++ {
				s.RecordFrame()
			}
			clock.Advance(time.Second)

			sample, ok := s.Sample()
			require.True(t, ok)
			assert.Equal(t, uint64(tt.frames), sample.Frames)
			assert.InDelta(t, float64(tt.frames), sample.FPS, 1e-9)
			assert.InDelta(t, tt.load, sample.Load, 1e-9)
			assert.Equal(t, sample, s.Latest())
		})
	}
	assert.Len(t, loads, len(tests))
}

func TestSampleIgnoresNonAdvancingClock(t *testing.T) {
	clock := util.NewFakeClock(t0)
	s := NewFrameRateSampler(SamplerOptions{Clock: clock, Logger: discardLogger()}, nil)

	s.Sample()
	s.RecordFrame()
	_, ok := s.Sample()
	assert.False(t, ok)

	clock.Advance(500 * time.Millisecond)
	sample, ok := s.Sample()
	require.True(t, ok)
	assert.InDelta(t, 2.0, sample.FPS, 1e-9)
}

func TestStartStop(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	s := NewFrameRateSampler(SamplerOptions{
		Interval: 5 * time.Millisecond,
		Logger:   discardLogger(),
	}, func(float64) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	s.Start(context.Background())
	s.Start(context.Background())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 2
	}, time.Second, time.Millisecond)

	s.Stop()
	s.Stop()

	mu.Lock()
	stopped := calls
	mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, stopped, calls)
}
