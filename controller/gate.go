package controller

import "time"

// Decision is the outcome of one admission check.
type Decision int

const (
	// Admitted means a new inference may be submitted now.
	Admitted Decision = iota
	// DeniedFrameSkip means not enough frames have arrived since the last admission.
	DeniedFrameSkip
	// DeniedInterval means the tier's run interval has not elapsed.
	DeniedInterval
	// DeniedInFlight means an inference is still pending.
	DeniedInFlight
)

// String returns the decision name used in logs and stats.
func (d Decision) String() string {
	switch d {
	case Admitted:
		return "admitted"
	case DeniedFrameSkip:
		return "frame_skip"
	case DeniedInterval:
		return "interval"
	case DeniedInFlight:
		return "in_flight"
	default:
		return "unknown"
	}
}

// Admit is the pure admission rule. frameCounter is the number of frames seen
// since the last admission, including the current one; a zero lastSubmit
// means nothing was admitted yet.
//
// Arguments:
//   - now: The frame arrival time.
//   - lastSubmit: The time of the last admission.
//   - frameCounter: Frames since the last admission.
//   - tier: The tier snapshot used for this frame.
//   - inFlight: Whether an inference is pending.
//
// Returns:
//   - Decision: Admitted or the first reason for denial.
func Admit(now, lastSubmit time.Time, frameCounter int, tier QualityTier, inFlight bool) Decision {
	if frameCounter <= tier.FrameSkip {
		return DeniedFrameSkip
	}
	if !lastSubmit.IsZero() && now.Sub(lastSubmit) < tier.RunInterval {
		return DeniedInterval
	}
	if inFlight {
		return DeniedInFlight
	}
	return Admitted
}

// Gate is the per-frame admission unit. It is owned by the single worker that
// receives camera frames and is not safe for concurrent use.
type Gate struct {
	frameCounter int
	lastSubmit   time.Time

	// State before the most recent admission, for Rollback.
	prevCounter int
	prevSubmit  time.Time
	admitted    bool
}

// NewGate creates a gate with no prior admission.
func NewGate() *Gate {
	return &Gate{}
}

// ShouldSubmit counts the frame and decides whether to submit. On admission
// the frame counter resets and now becomes the last submit time. A denial is
// a normal outcome, not a fault.
func (g *Gate) ShouldSubmit(now time.Time, tier QualityTier, inFlight bool) Decision {
	g.frameCounter++
	d := Admit(now, g.lastSubmit, g.frameCounter, tier, inFlight)
	g.admitted = d == Admitted
	if g.admitted {
		g.prevCounter = g.frameCounter
		g.prevSubmit = g.lastSubmit
		g.frameCounter = 0
		g.lastSubmit = now
	}
	return d
}

// Rollback undoes the most recent admission when nothing was actually
// submitted for it, so the next frame is not held back by a run interval that
// never started. It is a no-op unless the previous call admitted.
func (g *Gate) Rollback() {
	if !g.admitted {
		return
	}
	g.admitted = false
	g.frameCounter = g.prevCounter
	g.lastSubmit = g.prevSubmit
}

// LastSubmit returns the time of the last admission.
func (g *Gate) LastSubmit() time.Time {
	return g.lastSubmit
}

// FrameCounter returns frames seen since the last admission.
func (g *Gate) FrameCounter() int {
	return g.frameCounter
}

// Reset forgets the previous admission.
func (g *Gate) Reset() {
	*g = Gate{}
}
