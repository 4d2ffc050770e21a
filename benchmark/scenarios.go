package benchmark

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-segment/controller"
	"github.com/nvr-ai/go-segment/images"
)

// Scenario runs one quality tier for a number of iterations.
type Scenario struct {
	Name string                 `json:"name"`
	Tier controller.QualityTier `json:"tier"`
	// OverlaySize is the destination size the decoder upsamples to.
	OverlaySize images.ResolutionPixels `json:"overlay_size"`
	Iterations  int                     `json:"iterations"`
	WarmupRuns  int                     `json:"warmup_runs"`
}

// ScenarioBuilder helps build scenarios with a fluent API.
type ScenarioBuilder struct {
	scenario Scenario
}

// NewScenarioBuilder creates a builder with 100 iterations and 10 warmup runs
// at 640x480.
func NewScenarioBuilder(name string) *ScenarioBuilder {
	return &ScenarioBuilder{
		scenario: Scenario{
			Name:        name,
			OverlaySize: images.ResolutionPixels{Width: 640, Height: 480},
			Iterations:  100,
			WarmupRuns:  10,
		},
	}
}

// WithTier sets the tier under test.
func (sb *ScenarioBuilder) WithTier(tier controller.QualityTier) *ScenarioBuilder {
	sb.scenario.Tier = tier
	return sb
}

// WithOverlaySize sets the overlay destination size.
func (sb *ScenarioBuilder) WithOverlaySize(width, height int) *ScenarioBuilder {
	sb.scenario.OverlaySize = images.ResolutionPixels{Width: width, Height: height}
	return sb
}

// WithIterations sets the number of measured iterations.
func (sb *ScenarioBuilder) WithIterations(iterations int) *ScenarioBuilder {
	sb.scenario.Iterations = iterations
	return sb
}

// WithWarmupRuns sets the number of unmeasured runs.
func (sb *ScenarioBuilder) WithWarmupRuns(warmups int) *ScenarioBuilder {
	sb.scenario.WarmupRuns = warmups
	return sb
}

// Build returns the configured scenario.
func (sb *ScenarioBuilder) Build() Scenario {
	return sb.scenario
}

// TierScenarios returns one scenario per tier, named after the tier.
//
// Arguments:
//   - tiers: The tier table.
//   - overlay: The overlay destination size.
//   - iterations: Measured iterations per tier.
//   - warmups: Warmup runs per tier.
//
// Returns:
//   - []Scenario: The scenarios in tier order.
func TierScenarios(tiers []controller.QualityTier, overlay images.ResolutionPixels, iterations, warmups int) []Scenario {
	out := make([]Scenario, 0, len(tiers))
	for _, t := range tiers {
		out = append(out, NewScenarioBuilder(t.ID).
			WithTier(t).
			WithOverlaySize(overlay.Width, overlay.Height).
			WithIterations(iterations).
			WithWarmupRuns(warmups).
			Build())
	}
	return out
}

// LoadScenarios reads scenarios from a JSON file.
func LoadScenarios(path string) ([]Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read scenario file")
	}

	var scenarios []Scenario
	if err := json.Unmarshal(data, &scenarios); err != nil {
		return nil, errors.Wrap(err, "failed to parse scenario file")
	}
	for i, s := range scenarios {
		if s.Iterations <= 0 {
			return nil, errors.Errorf("scenario %d (%s): iterations must be positive", i, s.Name)
		}
		if !s.Tier.InputSize().Valid() || !s.OverlaySize.Valid() {
			return nil, errors.Errorf("scenario %d (%s): invalid dimensions", i, s.Name)
		}
	}
	return scenarios, nil
}

// SaveScenarios writes scenarios to a JSON file.
func SaveScenarios(path string, scenarios []Scenario) error {
	data, err := json.MarshalIndent(scenarios, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal scenarios")
	}
	return errors.Wrap(os.WriteFile(path, data, 0o644), "failed to write scenario file")
}
