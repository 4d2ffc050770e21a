// Package config - Startup configuration for the overlay pipeline.
package config

import (
	"bytes"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/go-segment/controller"
	"github.com/nvr-ai/go-segment/images"
	"github.com/nvr-ai/go-segment/inference/providers"
	"github.com/nvr-ai/go-segment/onnx"
)

// ErrInvalidConfig is returned when a configuration value is out of range.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Bounds for the keys that do not map onto controller options.
const (
	MaxDoubleTapWindowMs = 5000
	MinSampleIntervalMs  = 100
	MaxSampleIntervalMs  = 60000
	MaxExpectedFPS       = 240
)

// Config is the key-value configuration read at startup. Durations are in
// milliseconds. Zero latency overrides keep the per-tier values.
type Config struct {
	InitialTier        int     `yaml:"initialTier"`
	TargetLatencyMs    int     `yaml:"targetLatencyMs"`
	MaxLatencyMs       int     `yaml:"maxLatencyMs"`
	MinDwellTimeMs     int     `yaml:"minDwellTimeMs"`
	WindowSize         int     `yaml:"windowSize"`
	SlowFrameThreshold int     `yaml:"slowFrameThreshold"`
	FastFrameThreshold int     `yaml:"fastFrameThreshold"`
	FailureWeight      int     `yaml:"failureWeight"`
	ThermalSensitivity float64 `yaml:"thermalSensitivity"`
	DoubleTapWindowMs  int     `yaml:"doubleTapWindowMs"`

	// ExpectedFPS is the camera rate the thermal proxy compares against.
	ExpectedFPS      float64 `yaml:"expectedFps"`
	SampleIntervalMs int     `yaml:"sampleIntervalMs"`

	Backend      string            `yaml:"backend"`
	Providers    providers.Options `yaml:"providers"`
	ModelPath    string            `yaml:"modelPath"`
	InputName    string            `yaml:"inputName"`
	OutputName   string            `yaml:"outputName"`
	InputLayout  string            `yaml:"inputLayout"`
	OutputLayout string            `yaml:"outputLayout"`

	// Tiers replaces the built-in tier table when non-empty.
	Tiers []Tier `yaml:"tiers"`
}

// Tier is one entry of a tier table override.
type Tier struct {
	ID string `yaml:"id"`
	// Resolution names a built-in square input size such as "257".
	Resolution string `yaml:"resolution"`
	// Width and Height give a custom input size instead of Resolution.
	Width           int `yaml:"width"`
	Height          int `yaml:"height"`
	RunIntervalMs   int `yaml:"runIntervalMs"`
	FrameSkip       int `yaml:"frameSkip"`
	TargetLatencyMs int `yaml:"targetLatencyMs"`
	MaxLatencyMs    int `yaml:"maxLatencyMs"`
}

// Default returns the configuration used for missing keys.
func Default() Config {
	opts := controller.DefaultOptions()
	return Config{
		InitialTier:        opts.InitialTier,
		MinDwellTimeMs:     int(opts.MinDwell / time.Millisecond),
		WindowSize:         opts.WindowSize,
		SlowFrameThreshold: opts.SlowThreshold,
		FastFrameThreshold: opts.FastThreshold,
		FailureWeight:      opts.FailureWeight,
		ThermalSensitivity: opts.ThermalSensitivity,
		DoubleTapWindowMs:  400,
		ExpectedFPS:        30,
		SampleIntervalMs:   1000,
		Backend:            string(providers.CPUBackend),
		InputName:          "input",
		OutputName:         "output",
		InputLayout:        string(onnx.LayoutNHWC),
		OutputLayout:       string(onnx.LayoutNHWC),
	}
}

// Load reads, parses and validates a YAML configuration file.
//
// Arguments:
//   - path: The file path.
//
// Returns:
//   - *Config: The configuration.
//   - error: A read, parse or ErrInvalidConfig error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Reload reads a configuration for a running process. Unlike Load, out-of-range
// values are clamped instead of rejected; only read and parse errors fail.
//
// Arguments:
//   - path: The file path.
//
// Returns:
//   - *Config: The clamped configuration.
//   - error: A read or parse error.
func Reload(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	clamped := cfg.Clamp()
	return &clamped, nil
}

// Parse decodes YAML over Default. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "failed to parse config")
	}
	return &cfg, nil
}

// Validate rejects out-of-range values. It is meant for startup, where a bad
// value is fatal.
func (c Config) Validate() error {
	opts, err := c.ControllerOptions()
	if err != nil {
		return err
	}
	if err := opts.Validate(); err != nil {
		return errors.Wrap(ErrInvalidConfig, err.Error())
	}

	switch {
	case c.DoubleTapWindowMs < 0 || c.DoubleTapWindowMs > MaxDoubleTapWindowMs:
		return errors.Wrapf(ErrInvalidConfig, "doubleTapWindowMs %d outside [0,%d]", c.DoubleTapWindowMs, MaxDoubleTapWindowMs)
	case math.IsNaN(c.ExpectedFPS) || c.ExpectedFPS <= 0 || c.ExpectedFPS > MaxExpectedFPS:
		return errors.Wrapf(ErrInvalidConfig, "expectedFps %g outside (0,%d]", c.ExpectedFPS, MaxExpectedFPS)
	case c.SampleIntervalMs < MinSampleIntervalMs || c.SampleIntervalMs > MaxSampleIntervalMs:
		return errors.Wrapf(ErrInvalidConfig, "sampleIntervalMs %d outside [%d,%d]", c.SampleIntervalMs, MinSampleIntervalMs, MaxSampleIntervalMs)
	}
	if _, err := providers.ParseBackend(c.Backend); err != nil {
		return errors.Wrap(ErrInvalidConfig, err.Error())
	}
	if _, err := onnx.ParseLayout(c.InputLayout); err != nil {
		return errors.Wrap(ErrInvalidConfig, "inputLayout: "+err.Error())
	}
	if _, err := onnx.ParseLayout(c.OutputLayout); err != nil {
		return errors.Wrap(ErrInvalidConfig, "outputLayout: "+err.Error())
	}
	return nil
}

// Clamp returns a copy with every numeric value moved to the nearest valid
// one, for reconfiguration while running. An invalid tier table is dropped in
// favour of the built-in one; unknown names fall back to their defaults.
func (c Config) Clamp() Config {
	opts, err := c.ControllerOptions()
	if err != nil {
		c.Tiers = nil
		opts, _ = c.ControllerOptions()
	}
	opts = opts.Clamp()
	if opts.Tiers == nil {
		c.Tiers = nil
	}

	c.InitialTier = opts.InitialTier
	c.TargetLatencyMs = int(opts.TargetLatency / time.Millisecond)
	c.MaxLatencyMs = int(opts.MaxLatency / time.Millisecond)
	c.MinDwellTimeMs = int(opts.MinDwell / time.Millisecond)
	c.WindowSize = opts.WindowSize
	c.SlowFrameThreshold = opts.SlowThreshold
	c.FastFrameThreshold = opts.FastThreshold
	c.FailureWeight = opts.FailureWeight
	c.ThermalSensitivity = opts.ThermalSensitivity

	def := Default()
	c.DoubleTapWindowMs = clampInt(c.DoubleTapWindowMs, 0, MaxDoubleTapWindowMs)
	c.SampleIntervalMs = clampInt(c.SampleIntervalMs, MinSampleIntervalMs, MaxSampleIntervalMs)
	if math.IsNaN(c.ExpectedFPS) || c.ExpectedFPS <= 0 {
		c.ExpectedFPS = def.ExpectedFPS
	} else if c.ExpectedFPS > MaxExpectedFPS {
		c.ExpectedFPS = MaxExpectedFPS
	}
	if _, err := providers.ParseBackend(c.Backend); err != nil {
		c.Backend = def.Backend
	}
	if _, err := onnx.ParseLayout(c.InputLayout); err != nil {
		c.InputLayout = def.InputLayout
	}
	if _, err := onnx.ParseLayout(c.OutputLayout); err != nil {
		c.OutputLayout = def.OutputLayout
	}
	return c
}

// ControllerOptions converts the configuration into controller options.
//
// Returns:
//   - controller.Options: The options, not yet validated.
//   - error: ErrInvalidConfig if a tier names an unknown resolution.
func (c Config) ControllerOptions() (controller.Options, error) {
	tiers, err := c.QualityTiers()
	if err != nil {
		return controller.Options{}, err
	}
	return controller.Options{
		InitialTier:        c.InitialTier,
		TargetLatency:      ms(c.TargetLatencyMs),
		MaxLatency:         ms(c.MaxLatencyMs),
		MinDwell:           ms(c.MinDwellTimeMs),
		WindowSize:         c.WindowSize,
		SlowThreshold:      c.SlowFrameThreshold,
		FastThreshold:      c.FastFrameThreshold,
		FailureWeight:      c.FailureWeight,
		ThermalSensitivity: c.ThermalSensitivity,
		Tiers:              tiers,
	}, nil
}

// QualityTiers converts the tier override; nil means the built-in table.
func (c Config) QualityTiers() ([]controller.QualityTier, error) {
	if len(c.Tiers) == 0 {
		return nil, nil
	}
	out := make([]controller.QualityTier, len(c.Tiers))
	for i, t := range c.Tiers {
		res, err := t.resolution()
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidConfig, "tier %d (%s): %v", i, t.ID, err)
		}
		out[i] = controller.QualityTier{
			ID:            t.ID,
			Resolution:    res,
			RunInterval:   ms(t.RunIntervalMs),
			FrameSkip:     t.FrameSkip,
			TargetLatency: ms(t.TargetLatencyMs),
			MaxLatency:    ms(t.MaxLatencyMs),
		}
	}
	return out, nil
}

func (t Tier) resolution() (images.Resolution, error) {
	if t.Width > 0 || t.Height > 0 {
		return images.Resolution{
			Name:   images.ResolutionType("custom"),
			Pixels: images.ResolutionPixels{Width: t.Width, Height: t.Height},
		}, nil
	}
	res, ok := images.GetResolutionByType(images.ResolutionType(t.Resolution))
	if !ok {
		known := make([]string, 0, 8)
		for _, r := range images.GetAllResolutions() {
			known = append(known, string(r.Name))
		}
		return images.Resolution{}, errors.Errorf("unknown resolution %q (known: %s)", t.Resolution, strings.Join(known, ", "))
	}
	return res, nil
}

// ModelConfig returns the executor configuration.
func (c Config) ModelConfig() (onnx.Config, error) {
	backend, err := providers.ParseBackend(c.Backend)
	if err != nil {
		return onnx.Config{}, errors.Wrap(ErrInvalidConfig, err.Error())
	}
	in, err := onnx.ParseLayout(c.InputLayout)
	if err != nil {
		return onnx.Config{}, errors.Wrap(ErrInvalidConfig, err.Error())
	}
	out, err := onnx.ParseLayout(c.OutputLayout)
	if err != nil {
		return onnx.Config{}, errors.Wrap(ErrInvalidConfig, err.Error())
	}
	return onnx.Config{
		ModelPath:    c.ModelPath,
		InputName:    c.InputName,
		OutputName:   c.OutputName,
		InputLayout:  in,
		OutputLayout: out,
		Backend:      backend,
		Providers:    c.Providers,
	}, nil
}

// DoubleTapWindow returns the double-tap window as a duration.
func (c Config) DoubleTapWindow() time.Duration {
	return ms(c.DoubleTapWindowMs)
}

// SampleInterval returns the thermal proxy sample interval as a duration.
func (c Config) SampleInterval() time.Duration {
	return ms(c.SampleIntervalMs)
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
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
