// Package controller - Testing for the latency feedback controller with hysteresis validation
package controller

import (
	"io"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() Options {
	return Options{
		InitialTier:        2,
		MinDwell:           time.Second,
		WindowSize:         4,
		SlowThreshold:      3,
		FastThreshold:      3,
		ThermalSensitivity: 1,
	}
}

func newTestController(t *testing.T, opts Options) *Controller {
	t.Helper()
	c, err := New(opts, discardLogger())
	require.NoError(t, err)
	return c
}

// TestHysteresisValidation tests the consecutive-sample confirmation requirement
func TestHysteresisValidation(t *testing.T) {
	ms := time.Millisecond
	tests := []struct {
		name              string
		latencies         []time.Duration
		expectedTiers     []int
		expectedSlowCount []int
		expectedFastCount []int
	}{
		{
			name:              "Sustained slow inference steps down once",
			latencies:         []time.Duration{200 * ms, 200 * ms, 200 * ms},
			expectedTiers:     []int{2, 2, 1},
			expectedSlowCount: []int{1, 2, 0},
			expectedFastCount: []int{0, 0, 0},
		},
		{
			name:              "Sustained fast inference steps up once",
			latencies:         []time.Duration{10 * ms, 10 * ms, 10 * ms},
			expectedTiers:     []int{2, 2, 3},
			expectedSlowCount: []int{0, 0, 0},
			expectedFastCount: []int{1, 2, 0},
		},
		{
			name:              "Average inside the band resets both counters",
			latencies:         []time.Duration{80 * ms, 80 * ms, 80 * ms},
			expectedTiers:     []int{2, 2, 2},
			expectedSlowCount: []int{0, 0, 0},
			expectedFastCount: []int{0, 0, 0},
		},
		{
			name: "Rolling average absorbs a single spike",
			// averages: 50, 150 (slow), 116.6 (slow), 100 (band)
			latencies:         []time.Duration{50 * ms, 250 * ms, 50 * ms, 50 * ms},
			expectedTiers:     []int{2, 2, 2, 2},
			expectedSlowCount: []int{0, 1, 2, 0},
			expectedFastCount: []int{1, 0, 0, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestController(t, testOptions())

			for i, l := range tt.latencies {
				c.ReportLatency(l, t0.Add(time.Duration(i)*10*time.Millisecond))
				snap := c.Snapshot()

				assert.Equal(t, tt.expectedTiers[i], snap.TierIndex, "sample %d tier", i)
				assert.Equal(t, tt.expectedSlowCount[i], snap.ConsecutiveSlow, "sample %d slow count", i)
				assert.Equal(t, tt.expectedFastCount[i], snap.ConsecutiveFast, "sample %d fast count", i)
			}
		})
	}
}

// TestMinimumDwellTime verifies no second transition happens inside the dwell
// time even though thresholds are crossed again immediately.
func TestMinimumDwellTime(t *testing.T) {
	c := newTestController(t, testOptions())

	at := t0
	for i := 0; i < 3; i++ {
		c.ReportLatency(300*time.Millisecond, at)
		at = at.Add(10 * time.Millisecond)
	}
	require.Equal(t, 1, c.Snapshot().TierIndex)
	transitionAt := c.Snapshot().LastTransition

	for i := 0; i < 10; i++ {
		c.ReportLatency(300*time.Millisecond, at)
		at = at.Add(50 * time.Millisecond)
		assert.Equal(t, 1, c.Snapshot().TierIndex, "changed tier inside dwell after sample %d", i)
	}
	assert.True(t, at.Sub(transitionAt) < time.Second)

	c.ReportLatency(300*time.Millisecond, transitionAt.Add(time.Second))
	assert.Equal(t, 0, c.Snapshot().TierIndex)
	assert.Equal(t, uint64(2), c.Snapshot().Transitions)
}

// TestTierStepsAreBounded drives random latencies and failures with no dwell
// time and checks every evaluation moves at most one tier inside the table.
func TestTierStepsAreBounded(t *testing.T) {
	opts := testOptions()
	opts.MinDwell = 0
	opts.SlowThreshold = 1
	opts.FastThreshold = 1
	c := newTestController(t, opts)

	rng := rand.New(rand.NewSource(7))
	prev := c.Snapshot().TierIndex
	at := t0
	for i := 0; i < 2000; i++ {
		at = at.Add(time.Duration(rng.Intn(50)) * time.Millisecond)
		if rng.Intn(10) == 0 {
			c.ReportFailure(at)
		} else {
			c.ReportLatency(time.Duration(rng.Intn(400))*time.Millisecond, at)
		}
		if rng.Intn(20) == 0 {
			c.SetThermalLoad(rng.Float64())
		}

		idx := c.Snapshot().TierIndex
		assert.LessOrEqual(t, abs(idx-prev), 1, "step %d jumped from %d to %d", i, prev, idx)
		assert.GreaterOrEqual(t, idx, 0)
		assert.Less(t, idx, len(DefaultTiers()))
		prev = idx
	}
}

func TestTierBoundsHold(t *testing.T) {
	opts := testOptions()
	opts.MinDwell = 0
	opts.InitialTier = 0
	c := newTestController(t, opts)

	for i := 0; i < 20; i++ {
		c.ReportLatency(time.Second, t0.Add(time.Duration(i)*time.Millisecond))
	}
	assert.Equal(t, 0, c.Snapshot().TierIndex)

	opts.InitialTier = len(DefaultTiers()) - 1
	c = newTestController(t, opts)
	for i := 0; i < 20; i++ {
		c.ReportLatency(time.Millisecond, t0.Add(time.Duration(i)*time.Millisecond))
	}
	assert.Equal(t, len(DefaultTiers())-1, c.Snapshot().TierIndex)
}

func TestFailureForcesFastStepDown(t *testing.T) {
	c := newTestController(t, testOptions())

	c.ReportFailure(t0)

	snap := c.Snapshot()
	assert.Equal(t, 1, snap.TierIndex)
	assert.Equal(t, 0, snap.ConsecutiveSlow)
	assert.Equal(t, t0, snap.LastTransition)
}

func TestFailureInsideDwellAccumulates(t *testing.T) {
	c := newTestController(t, testOptions())

	c.ReportFailure(t0)
	require.Equal(t, 1, c.Snapshot().TierIndex)

	c.ReportFailure(t0.Add(100 * time.Millisecond))
	snap := c.Snapshot()
	assert.Equal(t, 1, snap.TierIndex)
	assert.Equal(t, 3, snap.ConsecutiveSlow)
	// the severe sample is twice the effective max of tier 1
	assert.Equal(t, 180*time.Millisecond, snap.AverageLatency)

	c.ReportFailure(t0.Add(time.Second))
	assert.Equal(t, 0, c.Snapshot().TierIndex)
}

func TestThermalLoadTightensBudget(t *testing.T) {
	tests := []struct {
		name     string
		load     float64
		expected int
	}{
		{name: "cool device keeps tier", load: 0, expected: 2},
		{name: "hot device steps down", load: 1, expected: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestController(t, testOptions())
			c.SetThermalLoad(tt.load)

			// 70ms sits inside the balanced tier's 60..100ms band, but above
			// the 50ms max it has at full thermal load.
			for i := 0; i < 3; i++ {
				c.ReportLatency(70*time.Millisecond, t0.Add(time.Duration(i)*time.Millisecond))
			}
			assert.Equal(t, tt.expected, c.Snapshot().TierIndex)
		})
	}
}

func TestThermalScaleIsMonotonic(t *testing.T) {
	prev := budgetScale(0, 1)
	assert.Equal(t, float32(1), prev)
	for load := 0.1; load <= 1.0; load += 0.1 {
		s := budgetScale(load, 1)
		assert.Less(t, s, prev)
		prev = s
	}
	assert.Equal(t, float32(0.5), budgetScale(1, 1))
	assert.Equal(t, float32(0.5), budgetScale(7, 1), "load is clamped to 1")
	assert.Equal(t, float32(1), budgetScale(1, 0))
}

func TestSetThermalLoadClamps(t *testing.T) {
	c := newTestController(t, testOptions())

	c.SetThermalLoad(3)
	assert.Equal(t, 1.0, c.Snapshot().ThermalLoad)
	assert.Equal(t, 50*time.Millisecond, c.Snapshot().EffectiveMax)

	c.SetThermalLoad(-1)
	assert.Equal(t, 0.0, c.Snapshot().ThermalLoad)
	assert.Equal(t, 100*time.Millisecond, c.Snapshot().EffectiveMax)
}

func TestLoadFromFPS(t *testing.T) {
	assert.Equal(t, 0.0, LoadFromFPS(30, 30))
	assert.Equal(t, 0.0, LoadFromFPS(40, 30))
	assert.InDelta(t, 0.5, LoadFromFPS(15, 30), 1e-9)
	assert.Equal(t, 1.0, LoadFromFPS(0, 30))
	assert.Equal(t, 0.0, LoadFromFPS(10, 0))
}

func TestInitialSnapshot(t *testing.T) {
	c := newTestController(t, testOptions())

	expected := Snapshot{
		Tier:            DefaultTiers()[2],
		TierIndex:       2,
		TierCount:       5,
		EffectiveTarget: 60 * time.Millisecond,
		EffectiveMax:    100 * time.Millisecond,
	}
	if diff := cmp.Diff(expected, c.Snapshot()); diff != "" {
		t.Errorf("initial snapshot mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, expected.Tier, c.Tier())
	assert.Len(t, c.Tiers(), 5)
}

func TestLatencyOverrides(t *testing.T) {
	opts := testOptions()
	opts.TargetLatency = 20 * time.Millisecond
	opts.MaxLatency = 40 * time.Millisecond
	c := newTestController(t, opts)

	for _, tier := range c.Tiers() {
		assert.Equal(t, 20*time.Millisecond, tier.TargetLatency)
		assert.Equal(t, 40*time.Millisecond, tier.MaxLatency)
	}
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"initial tier too high", func(o *Options) { o.InitialTier = 5 }},
		{"negative initial tier", func(o *Options) { o.InitialTier = -1 }},
		{"zero window", func(o *Options) { o.WindowSize = 0 }},
		{"huge window", func(o *Options) { o.WindowSize = MaxWindowSize + 1 }},
		{"zero slow threshold", func(o *Options) { o.SlowThreshold = 0 }},
		{"zero fast threshold", func(o *Options) { o.FastThreshold = 0 }},
		{"negative dwell", func(o *Options) { o.MinDwell = -time.Second }},
		{"negative failure weight", func(o *Options) { o.FailureWeight = -1 }},
		{"target above max", func(o *Options) {
			o.TargetLatency = 90 * time.Millisecond
			o.MaxLatency = 30 * time.Millisecond
		}},
		{"target too small", func(o *Options) { o.TargetLatency = time.Microsecond }},
		{"sensitivity too high", func(o *Options) { o.ThermalSensitivity = 11 }},
		{"empty tier table", func(o *Options) { o.Tiers = []QualityTier{} }},
		{"unordered tiers", func(o *Options) {
			tiers := DefaultTiers()
			tiers[0], tiers[1] = tiers[1], tiers[0]
			o.Tiers = tiers
		}},
	}

	require.NoError(t, testOptions().Validate())
	require.NoError(t, DefaultOptions().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions()
			tt.mutate(&opts)
			err := opts.Validate()
			assert.ErrorIs(t, err, ErrInvalidOptions)

			_, err = New(opts, discardLogger())
			assert.Error(t, err)

			assert.NoError(t, opts.Clamp().Validate(), "clamped options must validate")
		})
	}
}

func TestOptionsClamp(t *testing.T) {
	opts := Options{
		InitialTier:        99,
		WindowSize:         0,
		SlowThreshold:      -4,
		FastThreshold:      1000,
		MinDwell:           time.Hour,
		TargetLatency:      20 * time.Second,
		MaxLatency:         time.Microsecond,
		ThermalSensitivity: -2,
	}.Clamp()

	assert.Equal(t, 4, opts.InitialTier)
	assert.Equal(t, MinWindowSize, opts.WindowSize)
	assert.Equal(t, MinThreshold, opts.SlowThreshold)
	assert.Equal(t, MaxThreshold, opts.FastThreshold)
	assert.Equal(t, MaxMinDwell, opts.MinDwell)
	assert.Equal(t, MinLatency, opts.MaxLatency)
	assert.Equal(t, MinLatency, opts.TargetLatency)
	assert.Equal(t, 0.0, opts.ThermalSensitivity)
}

func TestReconfigureKeepsTierAndClamps(t *testing.T) {
	c := newTestController(t, testOptions())
	c.ReportLatency(10*time.Millisecond, t0)

	opts := testOptions()
	opts.WindowSize = 0
	opts.Tiers = DefaultTiers()[:2]
	c.Reconfigure(opts)

	snap := c.Snapshot()
	assert.Equal(t, 1, snap.TierIndex, "tier clamped into the shorter table")
	assert.Equal(t, 2, snap.TierCount)
	assert.Equal(t, 0, snap.ConsecutiveFast)
	assert.Equal(t, time.Duration(0), snap.AverageLatency)
}

func TestSnapshotIsImmutableCopy(t *testing.T) {
	c := newTestController(t, testOptions())
	before := c.Snapshot()

	c.ReportFailure(t0)

	assert.Equal(t, 2, before.TierIndex)
	assert.Equal(t, "balanced", before.Tier.ID)
	assert.Equal(t, 1, c.Snapshot().TierIndex)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func TestValidateTiersKeepsCause(t *testing.T) {
	tiers := DefaultTiers()
	tiers[1].FrameSkip = -1

	err := ValidateTiers(tiers)
	assert.ErrorIs(t, err, ErrInvalidTiers)
	assert.ErrorIs(t, err, ErrInvalidOptions)
	assert.ErrorContains(t, err, "tier 1 (low): negative run interval or frame skip")

	opts := testOptions()
	opts.Tiers = tiers
	err = opts.Validate()
	assert.ErrorIs(t, err, ErrInvalidTiers)
	assert.ErrorContains(t, err, "tier 1 (low)")
}
