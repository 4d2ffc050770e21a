// Package controller - This file contains the latency feedback controller that
// moves between quality tiers with hysteresis.
package controller

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Bounds for controller options. Values outside them are rejected at startup
// and clamped at runtime.
const (
	MinWindowSize  = 1
	MaxWindowSize  = 64
	MinThreshold   = 1
	MaxThreshold   = 100
	MaxMinDwell    = time.Minute
	MinLatency     = time.Millisecond
	MaxLatency     = 10 * time.Second
	MaxSensitivity = 10.0
)

// severeLatencyFactor scales the effective max latency into the sample that
// stands in for a failed inference.
const severeLatencyFactor = 2

// ErrInvalidOptions is returned when controller options are out of range.
var ErrInvalidOptions = errors.New("controller: invalid options")

// Options configures the controller.
type Options struct {
	// InitialTier is the index of the tier the controller starts in.
	InitialTier int
	// TargetLatency, when positive, overrides every tier's target latency.
	TargetLatency time.Duration
	// MaxLatency, when positive, overrides every tier's max latency.
	MaxLatency time.Duration
	// MinDwell is the minimum time between two tier transitions.
	MinDwell time.Duration
	// WindowSize is the capacity of the rolling latency window.
	WindowSize int
	// SlowThreshold is the number of consecutive slow evaluations that lowers quality.
	SlowThreshold int
	// FastThreshold is the number of consecutive fast evaluations that raises quality.
	FastThreshold int
	// FailureWeight is how many slow evaluations one failed inference counts as.
	// Zero means SlowThreshold.
	FailureWeight int
	// ThermalSensitivity scales how strongly thermal load tightens budgets.
	ThermalSensitivity float64
	// Tiers is the tier table; nil means DefaultTiers.
	Tiers []QualityTier
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		InitialTier:        2,
		MinDwell:           2 * time.Second,
		WindowSize:         8,
		SlowThreshold:      3,
		FastThreshold:      5,
		FailureWeight:      3,
		ThermalSensitivity: 1,
	}
}

// Validate rejects out-of-range options.
func (o Options) Validate() error {
	tiers := o.tiers()
	if err := ValidateTiers(tiers); err != nil {
		return err
	}
	switch {
	case o.InitialTier < 0 || o.InitialTier >= len(tiers):
		return errors.Wrapf(ErrInvalidOptions, "initial tier %d outside [0,%d]", o.InitialTier, len(tiers)-1)
	case o.WindowSize < MinWindowSize || o.WindowSize > MaxWindowSize:
		return errors.Wrapf(ErrInvalidOptions, "window size %d outside [%d,%d]", o.WindowSize, MinWindowSize, MaxWindowSize)
	case o.SlowThreshold < MinThreshold || o.SlowThreshold > MaxThreshold:
		return errors.Wrapf(ErrInvalidOptions, "slow threshold %d outside [%d,%d]", o.SlowThreshold, MinThreshold, MaxThreshold)
	case o.FastThreshold < MinThreshold || o.FastThreshold > MaxThreshold:
		return errors.Wrapf(ErrInvalidOptions, "fast threshold %d outside [%d,%d]", o.FastThreshold, MinThreshold, MaxThreshold)
	case o.FailureWeight < 0 || o.FailureWeight > MaxThreshold:
		return errors.Wrapf(ErrInvalidOptions, "failure weight %d outside [0,%d]", o.FailureWeight, MaxThreshold)
	case o.MinDwell < 0 || o.MinDwell > MaxMinDwell:
		return errors.Wrapf(ErrInvalidOptions, "min dwell %s outside [0,%s]", o.MinDwell, MaxMinDwell)
	case o.ThermalSensitivity < 0 || o.ThermalSensitivity > MaxSensitivity:
		return errors.Wrapf(ErrInvalidOptions, "thermal sensitivity %g outside [0,%g]", o.ThermalSensitivity, MaxSensitivity)
	}
	if o.TargetLatency != 0 && (o.TargetLatency < MinLatency || o.TargetLatency > MaxLatency) {
		return errors.Wrapf(ErrInvalidOptions, "target latency %s outside [%s,%s]", o.TargetLatency, MinLatency, MaxLatency)
	}
	if o.MaxLatency != 0 && (o.MaxLatency < MinLatency || o.MaxLatency > MaxLatency) {
		return errors.Wrapf(ErrInvalidOptions, "max latency %s outside [%s,%s]", o.MaxLatency, MinLatency, MaxLatency)
	}
	if o.TargetLatency > 0 && o.MaxLatency > 0 && o.TargetLatency > o.MaxLatency {
		return errors.Wrapf(ErrInvalidOptions, "target latency %s above max latency %s", o.TargetLatency, o.MaxLatency)
	}
	return nil
}

// Clamp returns a copy with every value moved to the nearest valid one. An
// invalid tier table is replaced by DefaultTiers.
func (o Options) Clamp() Options {
	if ValidateTiers(o.tiers()) != nil {
		o.Tiers = nil
	}
	n := len(o.tiers())
	o.InitialTier = clampInt(o.InitialTier, 0, n-1)
	o.WindowSize = clampInt(o.WindowSize, MinWindowSize, MaxWindowSize)
	o.SlowThreshold = clampInt(o.SlowThreshold, MinThreshold, MaxThreshold)
	o.FastThreshold = clampInt(o.FastThreshold, MinThreshold, MaxThreshold)
	o.FailureWeight = clampInt(o.FailureWeight, 0, MaxThreshold)
	o.MinDwell = clampDuration(o.MinDwell, 0, MaxMinDwell)
	if o.ThermalSensitivity != o.ThermalSensitivity || o.ThermalSensitivity < 0 {
		o.ThermalSensitivity = 0
	} else if o.ThermalSensitivity > MaxSensitivity {
		o.ThermalSensitivity = MaxSensitivity
	}
	if o.TargetLatency != 0 {
		o.TargetLatency = clampDuration(o.TargetLatency, MinLatency, MaxLatency)
	}
	if o.MaxLatency != 0 {
		o.MaxLatency = clampDuration(o.MaxLatency, MinLatency, MaxLatency)
	}
	if o.TargetLatency > 0 && o.MaxLatency > 0 && o.TargetLatency > o.MaxLatency {
		o.TargetLatency = o.MaxLatency
	}
	return o
}

func (o Options) tiers() []QualityTier {
	if o.Tiers == nil {
		return DefaultTiers()
	}
	return o.Tiers
}

// resolvedTiers copies the tier table and applies the latency overrides.
func (o Options) resolvedTiers() []QualityTier {
	src := o.tiers()
	out := make([]QualityTier, len(src))
	copy(out, src)
	for i := range out {
		if o.TargetLatency > 0 {
			out[i].TargetLatency = o.TargetLatency
		}
		if o.MaxLatency > 0 {
			out[i].MaxLatency = o.MaxLatency
		}
		if out[i].TargetLatency > out[i].MaxLatency {
			out[i].TargetLatency = out[i].MaxLatency
		}
	}
	return out
}

func (o Options) failureWeight() int {
	if o.FailureWeight == 0 {
		return o.SlowThreshold
	}
	return o.FailureWeight
}

// Snapshot is the immutable state published after every mutation. Readers
// keep one snapshot for the whole of a frame's processing.
type Snapshot struct {
	Tier            QualityTier
	TierIndex       int
	TierCount       int
	AverageLatency  time.Duration
	EffectiveTarget time.Duration
	EffectiveMax    time.Duration
	ThermalLoad     float64
	ConsecutiveSlow int
	ConsecutiveFast int
	LastTransition  time.Time
	Transitions     uint64
}

// Controller is the performance feedback controller. It is the single writer
// of the controller state; any number of goroutines may read Snapshot.
type Controller struct {
	mu     sync.Mutex
	opts   Options
	tiers  []QualityTier
	window *LatencyWindow
	logger *slog.Logger

	current         int
	consecutiveSlow int
	consecutiveFast int
	lastTransition  time.Time
	transitions     uint64
	thermalLoad     float64

	published atomic.Pointer[Snapshot]
}

// New creates a controller. Options are validated; invalid options are a
// startup error.
//
// Arguments:
//   - opts: The controller options.
//   - logger: The logger, nil for slog.Default().
//
// Returns:
//   - *Controller: The controller, publishing the initial tier.
//   - error: ErrInvalidOptions if the options are out of range.
func New(opts Options, logger *slog.Logger) (*Controller, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		opts:    opts,
		tiers:   opts.resolvedTiers(),
		window:  NewLatencyWindow(opts.WindowSize),
		logger:  logger,
		current: opts.InitialTier,
	}
	c.publish()

	logger.Info("controller: started",
		"tier", c.tiers[c.current].ID,
		"tiers", len(c.tiers),
		"window", opts.WindowSize,
	)
	return c, nil
}

// Snapshot returns the latest published state. It never blocks.
func (c *Controller) Snapshot() Snapshot {
	return *c.published.Load()
}

// Tier returns the active tier.
func (c *Controller) Tier() QualityTier {
	return c.published.Load().Tier
}

// Tiers returns a copy of the tier table.
func (c *Controller) Tiers() []QualityTier {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]QualityTier, len(c.tiers))
	copy(out, c.tiers)
	return out
}

// ReportLatency records a completed inference and evaluates the tier.
//
// Arguments:
//   - latency: The wall-clock time between submit and completion.
//   - at: The completion time.
func (c *Controller) ReportLatency(latency time.Duration, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.window.Add(LatencySample{Latency: latency, Timestamp: at})

	target, ceiling := c.budget()
	avg := c.window.Average()
	switch {
	case avg > ceiling:
		c.consecutiveSlow++
		c.consecutiveFast = 0
	case avg <= target:
		c.consecutiveFast++
		c.consecutiveSlow = 0
	default:
		c.consecutiveSlow = 0
		c.consecutiveFast = 0
	}

	c.maybeTransition(at)
	c.publish()
}

// ReportFailure records a failed inference as a burst of slow evaluations so
// quality drops as soon as the dwell time allows.
//
// Arguments:
//   - at: The time the failure was observed.
func (c *Controller) ReportFailure(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ceiling := c.budget()
	c.window.Add(LatencySample{Latency: ceiling * severeLatencyFactor, Timestamp: at})
	c.consecutiveSlow += c.opts.failureWeight()
	c.consecutiveFast = 0

	c.maybeTransition(at)
	c.publish()
}

// SetThermalLoad updates the thermal/FPS proxy. Higher load tightens both
// latency budgets on the next evaluation.
//
// Arguments:
//   - load: The proxy value; clamped to [0,1].
func (c *Controller) SetThermalLoad(load float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.thermalLoad = ClampLoad(load)
	c.publish()
}

// Reconfigure applies new options while running. Values are clamped rather
// than rejected. The current tier is kept when it still exists.
func (c *Controller) Reconfigure(opts Options) {
	opts = opts.Clamp()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.opts = opts
	c.tiers = opts.resolvedTiers()
	c.window = NewLatencyWindow(opts.WindowSize)
	c.current = clampInt(c.current, 0, len(c.tiers)-1)
	c.consecutiveSlow = 0
	c.consecutiveFast = 0
	c.publish()

	c.logger.Info("controller: reconfigured", "tier", c.tiers[c.current].ID, "tiers", len(c.tiers))
}

// budget returns the thermally scaled target and max latency of the current
// tier. Callers hold mu.
func (c *Controller) budget() (time.Duration, time.Duration) {
	t := c.tiers[c.current]
	f := budgetScale(c.thermalLoad, c.opts.ThermalSensitivity)
	return scaleDuration(t.TargetLatency, f), scaleDuration(t.MaxLatency, f)
}

// maybeTransition moves at most one tier, and only after the dwell time.
// Callers hold mu.
func (c *Controller) maybeTransition(now time.Time) {
	if !c.lastTransition.IsZero() && now.Sub(c.lastTransition) < c.opts.MinDwell {
		return
	}

	step := 0
	switch {
	case c.consecutiveSlow >= c.opts.SlowThreshold && c.current > 0:
		step = -1
	case c.consecutiveFast >= c.opts.FastThreshold && c.current < len(c.tiers)-1:
		step = 1
	}
	if step == 0 {
		return
	}

	from := c.tiers[c.current]
	avg := c.window.Average()
	c.current += step
	c.consecutiveSlow = 0
	c.consecutiveFast = 0
	c.lastTransition = now
	c.transitions++
	c.window.Reset()

	c.logger.Info("controller: tier transition",
		"from", from.ID,
		"to", c.tiers[c.current].ID,
		"avg_latency", avg,
		"thermal_load", c.thermalLoad,
	)
}

// publish stores a fresh immutable snapshot. Callers hold mu.
func (c *Controller) publish() {
	target, ceiling := c.budget()
	c.published.Store(&Snapshot{
		Tier:            c.tiers[c.current],
		TierIndex:       c.current,
		TierCount:       len(c.tiers),
		AverageLatency:  c.window.Average(),
		EffectiveTarget: target,
		EffectiveMax:    ceiling,
		ThermalLoad:     c.thermalLoad,
		ConsecutiveSlow: c.consecutiveSlow,
		ConsecutiveFast: c.consecutiveFast,
		LastTransition:  c.lastTransition,
		Transitions:     c.transitions,
	})
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
