package pipeline

import (
	"time"

	"github.com/nvr-ai/go-segment/controller"
)

// Stats holds pipeline counters.
type Stats struct {
	Frames uint64 // Camera frames processed

	Admitted        uint64 // Frames admitted by the gate
	DeniedFrameSkip uint64 // Frames denied by the tier's frame skip
	DeniedInterval  uint64 // Frames denied by the tier's run interval
	DeniedInFlight  uint64 // Frames denied because an inference was running

	Submitted     uint64 // Inferences started
	SubmitFailed  uint64 // Admissions rolled back because resize or submit failed
	Completed     uint64 // Inferences that produced a tensor
	Failed        uint64 // Inferences that failed or timed out
	Cancelled     uint64 // Inferences cancelled by shutdown or the caller
	DecodeSkipped uint64 // Tensors that could not be decoded

	LastLatency    time.Duration // Latency of the last completed inference
	AverageLatency time.Duration // Controller window average

	Tier        string  // Active tier ID
	TierIndex   int     // Active tier position
	Transitions uint64  // Tier transitions since start
	ThermalLoad float64 // Last thermal proxy value
}

// DenialRate returns the fraction of frames the gate denied.
func (s Stats) DenialRate() float64 {
	if s.Frames == 0 {
		return 0
	}
	return float64(s.DeniedFrameSkip+s.DeniedInterval+s.DeniedInFlight) / float64(s.Frames)
}

// Stats returns the counters merged with the controller's current state.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	st := p.stats
	p.mu.Unlock()

	return withSnapshot(st, p.ctrl.Snapshot())
}

func withSnapshot(st Stats, snap controller.Snapshot) Stats {
	st.AverageLatency = snap.AverageLatency
	st.Tier = snap.Tier.ID
	st.TierIndex = snap.TierIndex
	st.Transitions = snap.Transitions
	st.ThermalLoad = snap.ThermalLoad
	return st
}
