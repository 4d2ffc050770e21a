// Package profiler - Frame-rate sampling that feeds the thermal proxy.
package profiler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nvr-ai/go-segment/controller"
	"github.com/nvr-ai/go-segment/util"
)

// LoadSink receives the thermal proxy, a load in [0,1].
type LoadSink func(load float64)

// SamplerOptions configures the frame-rate sampler.
type SamplerOptions struct {
	// Interval specifies how often to sample (default: 1s).
	Interval time.Duration
	// ExpectedFPS is the camera rate that means no load (default: 30).
	ExpectedFPS float64
	// Clock is the time source (default: the wall clock).
	Clock util.Clock
	// Logger receives debug samples (default: slog.Default()).
	Logger *slog.Logger
}

// Sample is one frame-rate measurement.
type Sample struct {
	At     time.Time
	Frames uint64
	FPS    float64
	Load   float64
}

// FrameRateSampler counts frame arrivals and periodically turns the measured
// frame rate into a load value. A device that throttles delivers fewer frames
// than expected, so the shortfall stands in for thermal pressure.
type FrameRateSampler struct {
	interval time.Duration
	expected float64
	clock    util.Clock
	logger   *slog.Logger
	sink     LoadSink

	frames atomic.Uint64

	mu      sync.Mutex
	last    time.Time
	latest  Sample
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewFrameRateSampler creates a sampler.
//
// Arguments:
//   - opts: The sampler options.
//   - sink: Receives each load value; may be nil.
//
// Returns:
//   - *FrameRateSampler: The sampler, not yet started.
func NewFrameRateSampler(opts SamplerOptions, sink LoadSink) *FrameRateSampler {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.ExpectedFPS <= 0 {
		opts.ExpectedFPS = 30
	}
	if opts.Clock == nil {
		opts.Clock = util.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &FrameRateSampler{
		interval: opts.Interval,
		expected: opts.ExpectedFPS,
		clock:    opts.Clock,
		logger:   opts.Logger,
		sink:     sink,
	}
}

// RecordFrame counts one frame arrival. Safe for concurrent use.
func (s *FrameRateSampler) RecordFrame() {
	s.frames.Add(1)
}

// Sample measures the frame rate since the previous sample and delivers the
// load to the sink. The first call only starts the measurement window.
//
// Returns:
//   - Sample: The measurement.
//   - bool: False if no window had been started yet.
func (s *FrameRateSampler) Sample() (Sample, bool) {
	now := s.clock.Now()

	s.mu.Lock()
	if s.last.IsZero() || !now.After(s.last) {
		if s.last.IsZero() {
			s.last = now
			s.frames.Store(0)
		}
		s.mu.Unlock()
		return Sample{}, false
	}
	frames := s.frames.Swap(0)
	elapsed := now.Sub(s.last)
	s.last = now

	fps := float64(frames) / elapsed.Seconds()
	sample := Sample{
		At:     now,
		Frames: frames,
		FPS:    fps,
		Load:   controller.LoadFromFPS(fps, s.expected),
	}
	s.latest = sample
	s.mu.Unlock()

	s.logger.Debug("profiler: frame rate sample",
		"fps", fps,
		"expected", s.expected,
		"load", sample.Load,
	)
	if s.sink != nil {
		s.sink(sample.Load)
	}
	return sample, true
}

// Latest returns the most recent measurement.
func (s *FrameRateSampler) Latest() Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// Start samples every interval until ctx ends or Stop is called. Calling
// Start on a running sampler does nothing.
func (s *FrameRateSampler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.last = time.Time{}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.Sample()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sample()
			}
		}
	}()
}

// Stop ends sampling and waits for the loop to exit.
func (s *FrameRateSampler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}
