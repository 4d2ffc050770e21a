package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/nvr-ai/go-segment/benchmark"
	"github.com/nvr-ai/go-segment/config"
	"github.com/nvr-ai/go-segment/controller"
	"github.com/nvr-ai/go-segment/images"
	"github.com/nvr-ai/go-segment/onnx"
)

func main() {
	var (
		configFile   = flag.String("config", "", "Path to YAML configuration (tier table, model and backend)")
		scenarioFile = flag.String("scenarios", "", "Path to a JSON scenario file (default: one scenario per tier)")
		framesDir    = flag.String("frames", "", "Directory of frame-N images to run (required)")
		modelPath    = flag.String("model", "", "Path to the segmentation ONNX model (overrides config)")
		ortLib       = flag.String("ort-lib", "", "Path to the ONNX Runtime shared library")
		outputDir    = flag.String("output", "./benchmark_results", "Output directory for results")
		iterations   = flag.Int("iterations", 100, "Measured iterations per tier")
		warmups      = flag.Int("warmup", 10, "Warmup runs per tier")
		overlayW     = flag.Int("overlay-width", 640, "Overlay width the decoder upsamples to")
		overlayH     = flag.Int("overlay-height", 480, "Overlay height the decoder upsamples to")
		timeout      = flag.Duration("timeout", 30*time.Minute, "Benchmark timeout duration")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if *framesDir == "" {
		fmt.Fprintf(os.Stderr, "Error: -frames is required\n\n")
		flag.PrintDefaults()
		os.Exit(1)
	}

	cfg := config.Default()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = *loaded
	}
	if *modelPath != "" {
		cfg.ModelPath = *modelPath
	}

	opts, err := cfg.ControllerOptions()
	if err != nil {
		log.Fatalf("Invalid tier table: %v", err)
	}
	modelCfg, err := cfg.ModelConfig()
	if err != nil {
		log.Fatalf("Invalid model config: %v", err)
	}

	if err := onnx.InitializeRuntime(*ortLib); err != nil {
		log.Fatalf("Failed to initialize ONNX Runtime: %v", err)
	}
	exec, err := onnx.NewExecutor(modelCfg, logger)
	if err != nil {
		log.Fatalf("Failed to create executor: %v", err)
	}
	defer exec.Close()

	suite := benchmark.NewSuite(exec, *outputDir, logger)
	if err := suite.LoadCorpus(*framesDir); err != nil {
		log.Fatalf("Failed to load frames: %v", err)
	}

	var scenarios []benchmark.Scenario
	if *scenarioFile != "" {
		scenarios, err = benchmark.LoadScenarios(*scenarioFile)
		if err != nil {
			log.Fatalf("Failed to load scenarios: %v", err)
		}
	} else {
		overlay := images.ResolutionPixels{Width: *overlayW, Height: *overlayH}
		tiers := opts.Tiers
		if tiers == nil {
			tiers = controller.DefaultTiers()
		}
		scenarios = benchmark.TierScenarios(tiers, overlay, *iterations, *warmups)
	}
	for _, s := range scenarios {
		suite.AddScenario(s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	logger.Info("benchmark: starting",
		"model", modelCfg.ModelPath,
		"backend", string(modelCfg.Backend),
		"scenarios", len(scenarios),
	)
	if err := suite.RunAllScenarios(ctx); err != nil {
		log.Fatalf("Benchmark aborted: %v", err)
	}
	if _, err := suite.SaveResults(); err != nil {
		log.Fatalf("Failed to save results: %v", err)
	}

	for _, r := range suite.Results() {
		fmt.Printf("%-12s p50 %8s  p95 %8s  target %6s  within target %5.1f%%\n",
			r.Scenario.Name,
			r.Inference.P50.Round(time.Microsecond),
			r.Inference.P95.Round(time.Microsecond),
			r.Scenario.Tier.TargetLatency,
			r.WithinTarget*100,
		)
	}
}
