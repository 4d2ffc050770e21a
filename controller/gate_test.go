package controller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func gateTier(interval time.Duration, skip int) QualityTier {
	tier := DefaultTiers()[0]
	tier.RunInterval = interval
	tier.FrameSkip = skip
	return tier
}

func TestAdmit(t *testing.T) {
	tier := gateTier(500*time.Millisecond, 1)

	tests := []struct {
		name       string
		now        time.Time
		lastSubmit time.Time
		counter    int
		inFlight   bool
		expected   Decision
	}{
		{"first frame after skip", t0, time.Time{}, 2, false, Admitted},
		{"counter not past skip", t0, time.Time{}, 1, false, DeniedFrameSkip},
		{"interval not elapsed", t0.Add(499 * time.Millisecond), t0, 5, false, DeniedInterval},
		{"interval exactly elapsed", t0.Add(500 * time.Millisecond), t0, 5, false, Admitted},
		{"in flight", t0.Add(time.Second), t0, 5, true, DeniedInFlight},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Admit(tt.now, tt.lastSubmit, tt.counter, tier, tt.inFlight))
		})
	}
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "admitted", Admitted.String())
	assert.Equal(t, "frame_skip", DeniedFrameSkip.String())
	assert.Equal(t, "interval", DeniedInterval.String())
	assert.Equal(t, "in_flight", DeniedInFlight.String())
	assert.Equal(t, "unknown", Decision(42).String())
}

// TestGateRunInterval feeds a 30fps camera for ten seconds and checks no two
// admissions are closer than the run interval.
func TestGateRunInterval(t *testing.T) {
	tier := gateTier(500*time.Millisecond, 0)
	g := NewGate()

	var admitted []time.Time
	now := t0
	for i := 0; i < 300; i++ {
		if g.ShouldSubmit(now, tier, false) == Admitted {
			admitted = append(admitted, now)
		}
		now = now.Add(33 * time.Millisecond)
	}

	assert.GreaterOrEqual(t, len(admitted), 19)
	for i := 1; i < len(admitted); i++ {
		assert.GreaterOrEqual(t, admitted[i].Sub(admitted[i-1]), 500*time.Millisecond)
	}
}

// TestGateSingleInFlight checks that whatever the timing, a frame arriving
// while an inference is pending is never admitted.
func TestGateSingleInFlight(t *testing.T) {
	tier := gateTier(0, 0)
	g := NewGate()

	inFlight := false
	pending := 0
	now := t0
	for i := 0; i < 500; i++ {
		now = now.Add(time.Duration(i%7) * time.Millisecond)
		d := g.ShouldSubmit(now, tier, inFlight)
		if inFlight {
			assert.Equal(t, DeniedInFlight, d)
		}
		if d == Admitted {
			inFlight = true
			pending = 0
		}
		if inFlight {
			pending++
			// the simulated inference completes after four frames
			if pending == 4 {
				inFlight = false
			}
		}
	}
}

func TestGateFrameSkip(t *testing.T) {
	tier := gateTier(0, 2)
	g := NewGate()

	var decisions []Decision
	for i := 0; i < 7; i++ {
		decisions = append(decisions, g.ShouldSubmit(t0.Add(time.Duration(i)*time.Second), tier, false))
	}

	assert.Equal(t, []Decision{
		DeniedFrameSkip, DeniedFrameSkip, Admitted,
		DeniedFrameSkip, DeniedFrameSkip, Admitted,
		DeniedFrameSkip,
	}, decisions)
	assert.Equal(t, 1, g.FrameCounter())
	assert.Equal(t, t0.Add(5*time.Second), g.LastSubmit())
}

func TestGateDenialKeepsCounting(t *testing.T) {
	tier := gateTier(0, 1)
	g := NewGate()

	assert.Equal(t, DeniedFrameSkip, g.ShouldSubmit(t0, tier, false))
	assert.Equal(t, DeniedInFlight, g.ShouldSubmit(t0, tier, true))
	assert.Equal(t, 2, g.FrameCounter())
	assert.Equal(t, Admitted, g.ShouldSubmit(t0, tier, false))

	g.Reset()
	assert.Equal(t, 0, g.FrameCounter())
	assert.True(t, g.LastSubmit().IsZero())
}

func TestGateRollback(t *testing.T) {
	tier := gateTier(500*time.Millisecond, 0)
	g := NewGate()

	g.Rollback()
	assert.True(t, g.LastSubmit().IsZero(), "rollback without admission is a no-op")

	a := assert.New(t)
	a.Equal(Admitted, g.ShouldSubmit(t0, tier, false))
	first := g.LastSubmit()

	// The second admission is undone, so the interval is measured from the first.
	next := t0.Add(600 * time.Millisecond)
	a.Equal(Admitted, g.ShouldSubmit(next, tier, false))
	g.Rollback()
	a.Equal(first, g.LastSubmit())
	a.Equal(1, g.FrameCounter())

	a.Equal(Admitted, g.ShouldSubmit(next.Add(10*time.Millisecond), tier, false))

	// A denial in between means there is nothing to undo.
	a.Equal(DeniedInterval, g.ShouldSubmit(next.Add(20*time.Millisecond), tier, false))
	g.Rollback()
	a.Equal(next.Add(10*time.Millisecond), g.LastSubmit())
}
