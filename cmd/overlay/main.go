package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gocv.io/x/gocv"

	"github.com/nvr-ai/go-segment/config"
	"github.com/nvr-ai/go-segment/controller"
	"github.com/nvr-ai/go-segment/inference"
	"github.com/nvr-ai/go-segment/inference/providers"
	"github.com/nvr-ai/go-segment/onnx"
	"github.com/nvr-ai/go-segment/overlay"
	"github.com/nvr-ai/go-segment/pipeline"
	"github.com/nvr-ai/go-segment/util"
)

const (
	keyEsc   = 27
	keyQuit  = 'q'
	keyTap   = 't'
	keyClear = 'c'
)

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration (optional)")
	modelPath := flag.String("model", "", "Path to the segmentation ONNX model (overrides config)")
	ortLib := flag.String("ort-lib", "", "Path to the ONNX Runtime shared library")
	deviceID := flag.Int("device", 0, "Video capture device ID")
	framesDir := flag.String("frames", "", "Replay frame-N images from a directory instead of a camera")
	outputDir := flag.String("output", "", "Directory to save composited frames (optional)")
	showWindow := flag.Bool("show-window", false, "Show the overlay in a window")
	statsInterval := flag.Duration("stats-interval", 10*time.Second, "Interval between stats reports")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = *loaded
	}
	if *modelPath != "" {
		cfg.ModelPath = *modelPath
	}
	if cfg.ModelPath == "" {
		fmt.Fprintf(os.Stderr, "Error: a model path is required (-model or modelPath in -config)\n\n")
		flag.PrintDefaults()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := build(cfg, *ortLib, logger)
	if err != nil {
		log.Fatalf("Failed to start pipeline: %v", err)
	}

	if *outputDir != "" {
		if err := os.MkdirAll(*outputDir, 0o755); err != nil {
			log.Fatalf("Failed to create output directory: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var frames <-chan image.Image
	if *framesDir != "" {
		frames, err = replay(ctx, *framesDir, cfg.ExpectedFPS)
	} else {
		frames, err = capture(ctx, *deviceID, logger)
	}
	if err != nil {
		log.Fatalf("Failed to open input: %v", err)
	}

	if *configPath != "" {
		go watchReload(ctx, *configPath, p, logger)
	}

	var window *gocv.Window
	if *showWindow {
		window = gocv.NewWindow("Segmentation Overlay")
		defer window.Close()
	}

	lastStats := time.Now()
	count := 0
	sink := func(out pipeline.Frame) {
		count++
		composite, err := compose(out)
		if err != nil {
			logger.Warn("main: compose failed", "error", err)
			return
		}
		if composite == nil {
			return
		}

		if *outputDir != "" {
			path := filepath.Join(*outputDir, fmt.Sprintf("frame-%d.png", count))
			if err := savePNG(path, composite); err != nil {
				logger.Warn("main: failed to save frame", "path", path, "error", err)
			}
		}

		if window != nil {
			mat, err := gocv.ImageToMatRGB(composite)
			if err == nil {
				window.IMShow(mat)
				mat.Close()
			}
			switch window.WaitKey(1) {
			case keyTap:
				sel, ok := p.Tap(overlay.Point{X: 0.5, Y: 0.5})
				logger.Info("main: tap", "selected", ok, "class", sel.Name)
			case keyClear:
				p.Selection().Clear()
			case keyQuit, keyEsc:
				cancel()
			}
		}

		if time.Since(lastStats) >= *statsInterval {
			lastStats = time.Now()
			logStats(logger, p.Stats())
		}
	}

	logger.Info("main: overlay pipeline started",
		"model", cfg.ModelPath,
		"backend", cfg.Backend,
		"tier", p.Tier().String(),
	)
	if err := p.Run(ctx, frames, sink); err != nil {
		logger.Error("main: shutdown failed", "error", err)
	}
	logStats(logger, p.Stats())
}

// build wires the controller, the ONNX executor, the session and the pipeline.
func build(cfg config.Config, ortLib string, logger *slog.Logger) (*pipeline.Pipeline, error) {
	opts, err := cfg.ControllerOptions()
	if err != nil {
		return nil, err
	}
	ctrl, err := controller.New(opts, logger)
	if err != nil {
		return nil, err
	}

	if err := onnx.InitializeRuntime(ortLib); err != nil {
		return nil, err
	}
	modelCfg, err := cfg.ModelConfig()
	if err != nil {
		return nil, err
	}
	backend := modelCfg.Backend
	modelCfg.Backend = providers.CPUBackend
	exec, err := onnx.NewExecutor(modelCfg, logger)
	if err != nil {
		return nil, err
	}

	session := inference.NewSession(exec, ctrl, util.RealClock{}, logger)
	if err := session.SetAccelerationBackend(backend); err != nil {
		logger.Warn("main: acceleration unavailable, staying on cpu",
			"backend", string(backend),
			"error", err,
		)
	}

	return pipeline.New(ctrl, session, pipeline.Options{
		DoubleTapWindow: cfg.DoubleTapWindow(),
		ExpectedFPS:     cfg.ExpectedFPS,
		SampleInterval:  cfg.SampleInterval(),
		Logger:          logger,
	}), nil
}

// watchReload re-reads the config file on SIGHUP and applies the controller
// settings. Out-of-range values are clamped, not fatal.
func watchReload(ctx context.Context, path string, p *pipeline.Pipeline, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}

		cfg, err := config.Reload(path)
		if err != nil {
			logger.Warn("main: config reload failed", "path", path, "error", err)
			continue
		}
		opts, err := cfg.ControllerOptions()
		if err != nil {
			logger.Warn("main: config reload failed", "path", path, "error", err)
			continue
		}
		p.Reconfigure(opts)
	}
}

// capture reads camera frames on a goroutine. Frames are dropped while the
// pipeline is still busy with the previous one.
func capture(ctx context.Context, deviceID int, logger *slog.Logger) (<-chan image.Image, error) {
	webcam, err := gocv.OpenVideoCapture(deviceID)
	if err != nil {
		return nil, err
	}

	frames := make(chan image.Image, 1)
	go func() {
		defer close(frames)
		defer webcam.Close()

		mat := gocv.NewMat()
		defer mat.Close()

		for ctx.Err() == nil {
			if ok := webcam.Read(&mat); !ok {
				logger.Error("main: cannot read device", "device", deviceID)
				return
			}
			if mat.Empty() {
				continue
			}
			img, err := mat.ToImage()
			if err != nil {
				logger.Warn("main: frame conversion failed", "error", err)
				continue
			}
			select {
			case frames <- img:
			case <-ctx.Done():
				return
			default:
			}
		}
	}()
	return frames, nil
}

// replay feeds frames from disk at the expected camera rate.
func replay(ctx context.Context, dir string, fps float64) (<-chan image.Image, error) {
	files, err := util.LoadFrameDirectory(dir)
	if err != nil {
		return nil, err
	}

	frames := make(chan image.Image)
	go func() {
		defer close(frames)

		ticker := time.NewTicker(time.Duration(float64(time.Second) / fps))
		defer ticker.Stop()

		for _, f := range files {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			select {
			case frames <- f.Image:
			case <-ctx.Done():
				return
			}
		}
	}()
	return frames, nil
}

// compose blends the overlay over the camera frame on Mats, using the overlay
// alpha per pixel, then draws the selected class label on top.
func compose(out pipeline.Frame) (image.Image, error) {
	if out.Source == nil {
		return nil, nil
	}
	frame, err := bgrMat(out.Source)
	if err != nil {
		return nil, err
	}
	defer frame.Close()

	result := frame
	if out.Overlay != nil {
		blended, err := blendOverlay(frame, out.Overlay)
		if err != nil {
			return nil, err
		}
		defer blended.Close()
		result = blended
	}

	img, err := result.ToImage()
	if err != nil {
		return nil, err
	}
	if dst, ok := img.(draw.Image); ok {
		overlay.DrawLabel(dst, out.Selected, nil)
	}
	return img, nil
}

// bgrMat converts img into a BGR Mat.
func bgrMat(img image.Image) (gocv.Mat, error) {
	rgba, ok := img.(*image.RGBA)
	if !ok || rgba.Rect.Min != (image.Point{}) || rgba.Stride != 4*rgba.Rect.Dx() {
		b := img.Bounds()
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	}

	src, err := gocv.NewMatFromBytes(rgba.Rect.Dy(), rgba.Rect.Dx(), gocv.MatTypeCV8UC4, rgba.Pix)
	if err != nil {
		return gocv.Mat{}, err
	}
	defer src.Close()

	bgr := gocv.NewMat()
	gocv.CvtColor(src, &bgr, gocv.ColorRGBAToBGR)
	return bgr, nil
}

// blendOverlay returns frame*(1-a) + overlay*a, with a the overlay alpha.
// The overlay is scaled to the frame when the sizes differ.
func blendOverlay(frame gocv.Mat, ov *image.NRGBA) (gocv.Mat, error) {
	if ov.Rect.Min != (image.Point{}) || ov.Stride != 4*ov.Rect.Dx() {
		c := image.NewNRGBA(image.Rect(0, 0, ov.Rect.Dx(), ov.Rect.Dy()))
		draw.Draw(c, c.Bounds(), ov, ov.Rect.Min, draw.Src)
		ov = c
	}

	rgba, err := gocv.NewMatFromBytes(ov.Rect.Dy(), ov.Rect.Dx(), gocv.MatTypeCV8UC4, ov.Pix)
	if err != nil {
		return gocv.Mat{}, err
	}
	defer rgba.Close()

	src := rgba
	if rgba.Cols() != frame.Cols() || rgba.Rows() != frame.Rows() {
		scaled := gocv.NewMat()
		defer scaled.Close()
		gocv.Resize(rgba, &scaled, image.Pt(frame.Cols(), frame.Rows()), 0, 0, gocv.InterpolationNearestNeighbor)
		src = scaled
	}

	colors := gocv.NewMat()
	defer colors.Close()
	gocv.CvtColor(src, &colors, gocv.ColorRGBAToBGR)

	channels := gocv.Split(src)
	for i := range channels {
		defer channels[i].Close()
	}

	overlayWeight := gocv.NewMat()
	defer overlayWeight.Close()
	channels[3].ConvertToWithParams(&overlayWeight, gocv.MatTypeCV32F, 1.0/255, 0)

	frameWeight := gocv.NewMat()
	defer frameWeight.Close()
	overlayWeight.ConvertToWithParams(&frameWeight, gocv.MatTypeCV32F, -1, 1)

	out := gocv.NewMat()
	gocv.BlendLinear(frame, colors, frameWeight, overlayWeight, &out)
	return out, nil
}

func savePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func logStats(logger *slog.Logger, st pipeline.Stats) {
	logger.Info("main: stats",
		"frames", st.Frames,
		"admitted", st.Admitted,
		"denial_rate", fmt.Sprintf("%.2f", st.DenialRate()),
		"submit_failed", st.SubmitFailed,
		"completed", st.Completed,
		"failed", st.Failed,
		"tier", st.Tier,
		"transitions", st.Transitions,
		"avg_latency", st.AverageLatency,
		"thermal_load", fmt.Sprintf("%.2f", st.ThermalLoad),
	)
}
