// Package controller - Adaptive quality tiers, the latency feedback controller
// and the frame admission gate.
package controller

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-segment/images"
)

// QualityTier is one performance/quality trade-off point. Tiers are values;
// the controller publishes them by copy so a frame always sees a consistent set.
type QualityTier struct {
	// ID names the tier, e.g. "performance".
	ID string `json:"id" yaml:"id"`
	// Resolution is the model input the tier runs at.
	Resolution images.Resolution `json:"resolution" yaml:"resolution"`
	// RunInterval is the minimum time between two admitted inferences.
	RunInterval time.Duration `json:"runInterval" yaml:"runInterval"`
	// FrameSkip is the number of camera frames ignored between admissions.
	FrameSkip int `json:"frameSkip" yaml:"frameSkip"`
	// TargetLatency is the average latency at or below which quality may rise.
	TargetLatency time.Duration `json:"targetLatency" yaml:"targetLatency"`
	// MaxLatency is the average latency above which quality must drop.
	MaxLatency time.Duration `json:"maxLatency" yaml:"maxLatency"`
}

// InputSize returns the tier's model input dimensions.
func (t QualityTier) InputSize() images.ResolutionPixels {
	return t.Resolution.Pixels
}

// String returns a human-readable summary of the tier.
func (t QualityTier) String() string {
	return fmt.Sprintf("%s %dx%d every %s skip %d (target %s, max %s)",
		t.ID, t.Resolution.Pixels.Width, t.Resolution.Pixels.Height,
		t.RunInterval, t.FrameSkip, t.TargetLatency, t.MaxLatency)
}

// DefaultTiers returns the built-in tier table from "performance" to "ultra",
// ordered by ascending resolution.
func DefaultTiers() []QualityTier {
	return []QualityTier{
		{
			ID:            "performance",
			Resolution:    images.MustResolution(images.ResolutionType160),
			RunInterval:   400 * time.Millisecond,
			FrameSkip:     2,
			TargetLatency: 40 * time.Millisecond,
			MaxLatency:    80 * time.Millisecond,
		},
		{
			ID:            "low",
			Resolution:    images.MustResolution(images.ResolutionType224),
			RunInterval:   300 * time.Millisecond,
			FrameSkip:     1,
			TargetLatency: 50 * time.Millisecond,
			MaxLatency:    90 * time.Millisecond,
		},
		{
			ID:            "balanced",
			Resolution:    images.MustResolution(images.ResolutionType257),
			RunInterval:   200 * time.Millisecond,
			FrameSkip:     1,
			TargetLatency: 60 * time.Millisecond,
			MaxLatency:    100 * time.Millisecond,
		},
		{
			ID:            "quality",
			Resolution:    images.MustResolution(images.ResolutionType385),
			RunInterval:   100 * time.Millisecond,
			FrameSkip:     0,
			TargetLatency: 70 * time.Millisecond,
			MaxLatency:    120 * time.Millisecond,
		},
		{
			ID:            "ultra",
			Resolution:    images.MustResolution(images.ResolutionType513),
			RunInterval:   0,
			FrameSkip:     0,
			TargetLatency: 80 * time.Millisecond,
			MaxLatency:    150 * time.Millisecond,
		},
	}
}

// ErrInvalidTiers marks a tier table that cannot be used. It is an
// ErrInvalidOptions.
var ErrInvalidTiers = errors.Wrap(ErrInvalidOptions, "invalid tier table")

// ValidateTiers checks that tiers are non-empty, strictly ordered by
// resolution and carry usable timing values.
func ValidateTiers(tiers []QualityTier) error {
	if len(tiers) == 0 {
		return errors.Wrap(ErrInvalidTiers, "at least one tier is required")
	}
	for i, t := range tiers {
		if !t.Resolution.Pixels.Valid() {
			return errors.Wrapf(ErrInvalidTiers, "tier %d (%s): invalid resolution %dx%d",
				i, t.ID, t.Resolution.Pixels.Width, t.Resolution.Pixels.Height)
		}
		if t.RunInterval < 0 || t.FrameSkip < 0 {
			return errors.Wrapf(ErrInvalidTiers, "tier %d (%s): negative run interval or frame skip", i, t.ID)
		}
		if t.TargetLatency <= 0 || t.MaxLatency < t.TargetLatency {
			return errors.Wrapf(ErrInvalidTiers, "tier %d (%s): need 0 < target (%s) <= max (%s)",
				i, t.ID, t.TargetLatency, t.MaxLatency)
		}
		if i > 0 && t.Resolution.Pixels.Area() <= tiers[i-1].Resolution.Pixels.Area() {
			return errors.Wrapf(ErrInvalidTiers, "tier %d (%s): resolution must be larger than tier %d", i, t.ID, i-1)
		}
	}
	return nil
}
