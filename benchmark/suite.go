package benchmark

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-segment/images"
	"github.com/nvr-ai/go-segment/inference"
	"github.com/nvr-ai/go-segment/overlay"
	"github.com/nvr-ai/go-segment/util"
)

// ErrNoCorpus is returned when a scenario runs without frames.
var ErrNoCorpus = errors.New("benchmark: no frames loaded")

// Suite manages and executes benchmark scenarios against one executor.
type Suite struct {
	exec      inference.Executor
	decoder   *overlay.Decoder
	outputDir string
	logger    *slog.Logger

	mu        sync.RWMutex
	scenarios []Scenario
	corpus    []image.Image
	results   []PerformanceMetrics
}

// NewSuite creates a benchmark suite.
//
// Arguments:
//   - exec: The executor under test. The suite does not close it.
//   - outputDir: Where SaveResults writes its files.
//   - logger: The logger; nil means slog.Default().
//
// Returns:
//   - *Suite: The benchmark suite.
func NewSuite(exec inference.Executor, outputDir string, logger *slog.Logger) *Suite {
	if logger == nil {
		logger = slog.Default()
	}
	return &Suite{
		exec:      exec,
		decoder:   overlay.NewDecoder(nil, logger),
		outputDir: outputDir,
		logger:    logger,
	}
}

// AddScenario adds a scenario to the suite.
func (bs *Suite) AddScenario(scenario Scenario) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.scenarios = append(bs.scenarios, scenario)
}

// SetCorpus replaces the frames the scenarios cycle through.
func (bs *Suite) SetCorpus(frames []image.Image) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.corpus = frames
}

// LoadCorpus loads "frame-N" images from a directory.
func (bs *Suite) LoadCorpus(dir string) error {
	files, err := util.LoadFrameDirectory(dir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return errors.Wrapf(ErrNoCorpus, "no frame files in %s", dir)
	}

	frames := make([]image.Image, len(files))
	for i, f := range files {
		frames[i] = f.Image
	}
	bs.SetCorpus(frames)
	return nil
}

type timings struct {
	resize    time.Duration
	inference time.Duration
	decode    time.Duration
}

// RunScenario executes a single scenario: warmup runs, then measured
// iterations of resize, inference and overlay decode.
//
// Arguments:
//   - ctx: Cancels the scenario between iterations.
//   - scenario: The scenario.
//
// Returns:
//   - *PerformanceMetrics: The measurements.
//   - error: ErrNoCorpus, or the context error.
func (bs *Suite) RunScenario(ctx context.Context, scenario Scenario) (*PerformanceMetrics, error) {
	bs.mu.RLock()
	corpus := bs.corpus
	bs.mu.RUnlock()
	if len(corpus) == 0 {
		return nil, ErrNoCorpus
	}

	bs.decoder.Expect(scenario.Tier.InputSize())
	for i := 0; i < scenario.WarmupRuns; i++ {
		if _, err := bs.processFrame(ctx, corpus[i%len(corpus)], scenario); err != nil {
			bs.logger.Debug("benchmark: warmup run failed", "scenario", scenario.Name, "error", err)
		}
	}

	var startMem runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&startMem)

	var resize, infer, decode []time.Duration
	failures := 0
	start := time.Now()

	for i := 0; i < scenario.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tm, err := bs.processFrame(ctx, corpus[i%len(corpus)], scenario)
		if err != nil {
			failures++
			continue
		}
		resize = append(resize, tm.resize)
		infer = append(infer, tm.inference)
		decode = append(decode, tm.decode)
	}

	total := time.Since(start)

	var endMem runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&endMem)

	metrics := &PerformanceMetrics{
		Scenario:      scenario,
		Timestamp:     time.Now(),
		TotalDuration: total,
		Resize:        Summarize(resize),
		Inference:     Summarize(infer),
		Decode:        Summarize(decode),
		MemoryStats: MemoryMetrics{
			AllocBytes:      endMem.Alloc,
			TotalAllocBytes: endMem.TotalAlloc - startMem.TotalAlloc,
			SysBytes:        endMem.Sys,
			NumGC:           endMem.NumGC - startMem.NumGC,
			HeapAllocBytes:  endMem.HeapAlloc,
		},
		CPUStats:     CPUMetrics{NumCPU: runtime.NumCPU()},
		WithinTarget: fractionAtMost(infer, scenario.Tier.TargetLatency),
		WithinMax:    fractionAtMost(infer, scenario.Tier.MaxLatency),
	}
	if scenario.Iterations > 0 {
		metrics.ErrorRate = float64(failures) / float64(scenario.Iterations)
	}
	if total > 0 {
		metrics.FramesPerSecond = float64(len(infer)) / total.Seconds()
	}
	return metrics, nil
}

func (bs *Suite) processFrame(ctx context.Context, frame image.Image, scenario Scenario) (timings, error) {
	var tm timings
	size := scenario.Tier.InputSize()

	start := time.Now()
	resized, err := images.ResizeToInput(frame, size)
	if err != nil {
		return tm, err
	}
	tm.resize = time.Since(start)

	start = time.Now()
	t, err := bs.exec.Run(ctx, inference.Input{Frame: resized, Size: size, TierID: scenario.Tier.ID})
	if err != nil {
		return tm, err
	}
	defer t.Release()
	tm.inference = time.Since(start)

	start = time.Now()
	if _, err := bs.decoder.Decode(t, overlay.NoSelection, scenario.OverlaySize.Width, scenario.OverlaySize.Height); err != nil {
		return tm, err
	}
	tm.decode = time.Since(start)
	return tm, nil
}

// RunAllScenarios executes every scenario in order. A failing scenario is
// logged and skipped.
func (bs *Suite) RunAllScenarios(ctx context.Context) error {
	bs.mu.RLock()
	scenarios := make([]Scenario, len(bs.scenarios))
	copy(scenarios, bs.scenarios)
	bs.mu.RUnlock()

	for _, scenario := range scenarios {
		metrics, err := bs.RunScenario(ctx, scenario)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			bs.logger.Warn("benchmark: scenario failed", "scenario", scenario.Name, "error", err)
			continue
		}

		bs.mu.Lock()
		bs.results = append(bs.results, *metrics)
		bs.mu.Unlock()

		bs.logger.Info("benchmark: scenario completed",
			"scenario", scenario.Name,
			"fps", metrics.FramesPerSecond,
			"p95", metrics.Inference.P95,
			"within_target", metrics.WithinTarget,
		)
	}
	return nil
}

// SaveResults writes the results as JSON plus a CSV summary.
//
// Returns:
//   - string: The JSON results path.
//   - error: An error if a file cannot be written.
func (bs *Suite) SaveResults() (string, error) {
	results := bs.Results()

	if err := os.MkdirAll(bs.outputDir, 0o755); err != nil {
		return "", errors.Wrap(err, "failed to create output directory")
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	resultsFile := filepath.Join(bs.outputDir, fmt.Sprintf("benchmark_results_%s.json", timestamp))

	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal results")
	}
	if err := os.WriteFile(resultsFile, data, 0o644); err != nil {
		return "", errors.Wrap(err, "failed to write results file")
	}

	summaryFile := filepath.Join(bs.outputDir, fmt.Sprintf("benchmark_summary_%s.csv", timestamp))
	if err := saveSummaryCSV(summaryFile, results); err != nil {
		return "", errors.Wrap(err, "failed to save summary CSV")
	}

	bs.logger.Info("benchmark: results saved", "results", resultsFile, "summary", summaryFile)
	return resultsFile, nil
}

func saveSummaryCSV(filename string, results []PerformanceMetrics) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	w := csv.NewWriter(file)
	header := []string{
		"Scenario", "Input", "Overlay", "FPS",
		"Inference_Mean_ms", "Inference_P95_ms", "Decode_Mean_ms",
		"Target_ms", "Max_ms", "Within_Target", "Within_Max", "Error_Rate",
	}
	if err := w.Write(header); err != nil {
		return err
	}

	for _, r := range results {
		in := r.Scenario.Tier.InputSize()
		row := []string{
			r.Scenario.Name,
			fmt.Sprintf("%dx%d", in.Width, in.Height),
			fmt.Sprintf("%dx%d", r.Scenario.OverlaySize.Width, r.Scenario.OverlaySize.Height),
			strconv.FormatFloat(r.FramesPerSecond, 'f', 2, 64),
			millis(r.Inference.Mean),
			millis(r.Inference.P95),
			millis(r.Decode.Mean),
			millis(r.Scenario.Tier.TargetLatency),
			millis(r.Scenario.Tier.MaxLatency),
			strconv.FormatFloat(r.WithinTarget, 'f', 4, 64),
			strconv.FormatFloat(r.WithinMax, 'f', 4, 64),
			strconv.FormatFloat(r.ErrorRate, 'f', 4, 64),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func millis(d time.Duration) string {
	return strconv.FormatFloat(float64(d)/float64(time.Millisecond), 'f', 2, 64)
}

// Results returns a copy of the collected results.
func (bs *Suite) Results() []PerformanceMetrics {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	results := make([]PerformanceMetrics, len(bs.results))
	copy(results, bs.results)
	return results
}
