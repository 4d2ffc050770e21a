// Package pipeline - The per-frame worker: gate, submit, poll and decode.
package pipeline

import (
	"context"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-segment/classes"
	"github.com/nvr-ai/go-segment/controller"
	"github.com/nvr-ai/go-segment/images"
	"github.com/nvr-ai/go-segment/inference"
	"github.com/nvr-ai/go-segment/overlay"
	"github.com/nvr-ai/go-segment/profiler"
	"github.com/nvr-ai/go-segment/util"
)

// ErrClosed is returned after Shutdown.
var ErrClosed = errors.New("pipeline: closed")

// Options configures a pipeline.
type Options struct {
	// Width and Height size the overlay; zero uses the frame size.
	Width  int
	Height int
	// Colors maps classes to colors (default: classes.DefaultColors).
	Colors *classes.ColorTable
	// Names supplies display names (default: classes.VOC).
	Names *classes.Set
	// DoubleTapWindow clears the selection on a quick second tap (default: 400ms).
	DoubleTapWindow time.Duration
	// ExpectedFPS and SampleInterval drive the frame-rate thermal proxy.
	// Zero ExpectedFPS disables the sampler.
	ExpectedFPS    float64
	SampleInterval time.Duration
	Clock          util.Clock
	Logger         *slog.Logger
}

// Frame is the result of processing one camera frame.
type Frame struct {
	// Source is the camera frame this result belongs to.
	Source image.Image
	// Overlay is the latest overlay, or nil before the first inference
	// completes. It is reused between frames.
	Overlay *image.NRGBA
	// Updated is true when Overlay was redrawn for this frame.
	Updated  bool
	Decision controller.Decision
	Tier     controller.QualityTier
	Selected overlay.Selected
}

// Pipeline is the single logical worker driving one camera feed. ProcessFrame
// must be called from one goroutine; Tap, OnThermal and Stats may be called
// from any goroutine.
type Pipeline struct {
	ctrl      *controller.Controller
	session   *inference.Session
	gate      *controller.Gate
	decoder   *overlay.Decoder
	selection *overlay.Selection
	sampler   *profiler.FrameRateSampler
	clock     util.Clock
	logger    *slog.Logger
	width     int
	height    int

	mu          sync.Mutex
	handle      inference.Handle
	pendingSize images.ResolutionPixels
	drawnSize   images.ResolutionPixels
	drawnSel    int
	stats       Stats
	closed      bool
}

// New wires a pipeline around a controller and a session. The session should
// report to the same controller.
//
// Arguments:
//   - ctrl: The performance feedback controller.
//   - session: The inference session.
//   - opts: The pipeline options.
//
// Returns:
//   - *Pipeline: The pipeline.
func New(ctrl *controller.Controller, session *inference.Session, opts Options) *Pipeline {
	if opts.Clock == nil {
		opts.Clock = util.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	p := &Pipeline{
		ctrl:      ctrl,
		session:   session,
		gate:      controller.NewGate(),
		decoder:   overlay.NewDecoder(opts.Colors, opts.Logger),
		selection: overlay.NewSelection(opts.Names, opts.DoubleTapWindow),
		clock:     opts.Clock,
		logger:    opts.Logger,
		width:     opts.Width,
		height:    opts.Height,
		drawnSel:  overlay.NoSelection,
	}
	if opts.ExpectedFPS > 0 {
		p.sampler = profiler.NewFrameRateSampler(profiler.SamplerOptions{
			Interval:    opts.SampleInterval,
			ExpectedFPS: opts.ExpectedFPS,
			Clock:       opts.Clock,
			Logger:      opts.Logger,
		}, p.OnThermal)
	}
	return p
}

// ProcessFrame runs one scheduling tick for a camera frame. It never blocks
// on inference: a pending result is polled and a new one is submitted only
// when the gate admits it.
//
// Arguments:
//   - ctx: Bounds any inference submitted for this frame.
//   - frame: The camera frame.
//
// Returns:
//   - Frame: The overlay state after this tick.
//   - error: ErrClosed after Shutdown.
func (p *Pipeline) ProcessFrame(ctx context.Context, frame image.Image) (Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return Frame{}, ErrClosed
	}

	now := p.clock.Now()
	snap := p.ctrl.Snapshot()
	p.stats.Frames++
	if p.sampler != nil {
		p.sampler.RecordFrame()
	}

	width, height := p.overlaySize(frame)
	out := Frame{Source: frame, Tier: snap.Tier}

	if p.handle != "" {
		out.Updated = p.poll(width, height)
	}
	if !out.Updated && p.needsRedraw(width, height) {
		out.Updated = p.redraw(width, height)
	}

	out.Decision = p.gate.ShouldSubmit(now, snap.Tier, p.session.InFlight())
	p.count(out.Decision)
	if out.Decision == controller.Admitted {
		if err := p.submit(ctx, frame, snap.Tier); err != nil {
			p.gate.Rollback()
			p.stats.SubmitFailed++
		}
	} else {
		p.logger.Debug("pipeline: frame denied", "reason", out.Decision.String(), "tier", snap.Tier.ID)
	}

	out.Overlay = p.decoder.Image()
	out.Selected, _ = p.selection.Current()
	return out, nil
}

func (p *Pipeline) overlaySize(frame image.Image) (int, int) {
	if p.width > 0 && p.height > 0 {
		return p.width, p.height
	}
	b := frame.Bounds()
	return b.Dx(), b.Dy()
}

// poll collects the outstanding result and decodes it when ready.
func (p *Pipeline) poll(width, height int) bool {
	res, err := p.session.Poll(p.handle)
	if err != nil {
		p.logger.Warn("pipeline: lost submission", "handle", string(p.handle), "error", err)
		p.handle = ""
		return false
	}

	switch res.Status {
	case inference.StatusPending:
		return false
	case inference.StatusFailed:
		p.handle = ""
		if errors.Is(res.Err, context.Canceled) {
			p.stats.Cancelled++
		} else {
			p.stats.Failed++
		}
		return false
	}

	p.handle = ""
	p.stats.Completed++
	p.stats.LastLatency = res.Latency
	p.decoder.Expect(p.pendingSize)
	return p.decode(res.Tensor, width, height)
}

func (p *Pipeline) needsRedraw(width, height int) bool {
	if p.drawnSize == (images.ResolutionPixels{}) {
		return false
	}
	return p.selection.Index() != p.drawnSel ||
		p.drawnSize != images.ResolutionPixels{Width: width, Height: height}
}

// redraw re-renders the current tensor after a selection or size change.
func (p *Pipeline) redraw(width, height int) bool {
	t := p.session.Acquire()
	if t == nil {
		return false
	}
	defer t.Release()
	return p.decode(t, width, height)
}

func (p *Pipeline) decode(t *inference.ClassTensor, width, height int) bool {
	sel := p.selection.Index()
	if _, err := p.decoder.Decode(t, sel, width, height); err != nil {
		p.stats.DecodeSkipped++
		p.logger.Warn("pipeline: decode skipped", "error", err)
		return false
	}
	p.drawnSel = sel
	p.drawnSize = images.ResolutionPixels{Width: width, Height: height}
	return true
}

func (p *Pipeline) submit(ctx context.Context, frame image.Image, tier controller.QualityTier) error {
	size := tier.InputSize()
	resized, err := images.ResizeToInput(frame, size)
	if err != nil {
		p.logger.Warn("pipeline: resize failed", "tier", tier.ID, "error", err)
		return err
	}

	h, err := p.session.Submit(ctx, inference.Input{Frame: resized, Size: size, TierID: tier.ID})
	if err != nil {
		// The gate already checked the in-flight flag, so this is a closed
		// session or a race with Shutdown.
		p.logger.Warn("pipeline: submit rejected", "tier", tier.ID, "error", err)
		return err
	}
	p.handle = h
	p.pendingSize = size
	p.stats.Submitted++
	return nil
}

func (p *Pipeline) count(d controller.Decision) {
	switch d {
	case controller.Admitted:
		p.stats.Admitted++
	case controller.DeniedFrameSkip:
		p.stats.DeniedFrameSkip++
	case controller.DeniedInterval:
		p.stats.DeniedInterval++
	case controller.DeniedInFlight:
		p.stats.DeniedInFlight++
	}
}

// Tap resolves a tap against the latest tensor and updates the selection.
//
// Arguments:
//   - pt: The tap position normalized to the overlay.
//
// Returns:
//   - overlay.Selected: The selection after the tap.
//   - bool: False if nothing is selected.
func (p *Pipeline) Tap(pt overlay.Point) (overlay.Selected, bool) {
	t := p.session.Acquire()
	if t != nil {
		defer t.Release()
	}
	p.selection.ResolveTap(pt, t, p.clock.Now())
	return p.selection.Current()
}

// Selection returns the tap-driven selection state.
func (p *Pipeline) Selection() *overlay.Selection {
	return p.selection
}

// OnThermal forwards a thermal proxy value to the controller.
func (p *Pipeline) OnThermal(load float64) {
	p.ctrl.SetThermalLoad(load)
}

// Reconfigure applies new controller options while frames keep flowing.
// Out-of-range values are clamped by the controller.
func (p *Pipeline) Reconfigure(opts controller.Options) {
	p.ctrl.Reconfigure(opts)
	p.logger.Info("pipeline: reconfigured", "tier", p.ctrl.Tier().ID)
}

// Tier returns the active tier descriptor.
func (p *Pipeline) Tier() controller.QualityTier {
	return p.ctrl.Tier()
}

// Run processes frames until the channel closes or ctx ends, then shuts the
// pipeline down. Each processed frame is handed to sink, if not nil.
//
// Arguments:
//   - ctx: The run context.
//   - frames: The camera frames.
//   - sink: Receives the result of every frame.
//
// Returns:
//   - error: The shutdown error, if any.
func (p *Pipeline) Run(ctx context.Context, frames <-chan image.Image, sink func(Frame)) error {
	if p.sampler != nil {
		p.sampler.Start(ctx)
	}

	shutdown := func() error {
		drain, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return p.Shutdown(drain)
	}

	for {
		select {
		case <-ctx.Done():
			return shutdown()
		case frame, ok := <-frames:
			if !ok {
				return shutdown()
			}
			out, err := p.ProcessFrame(ctx, frame)
			if err != nil {
				return err
			}
			if sink != nil {
				sink(out)
			}
		}
	}
}

// Shutdown stops the sampler, cancels or drains the outstanding inference,
// releases the tensors and the overlay buffer. Later calls return nil.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	if p.sampler != nil {
		p.sampler.Stop()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.handle = ""

	err := p.session.Close(ctx)
	p.decoder.Reset()
	p.logger.Info("pipeline: shut down",
		"frames", p.stats.Frames,
		"completed", p.stats.Completed,
		"failed", p.stats.Failed,
	)
	return err
}
