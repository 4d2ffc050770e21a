// Package onnx - ONNX Runtime executor for segmentation models.
package onnx

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-segment/images"
	"github.com/nvr-ai/go-segment/inference"
	"github.com/nvr-ai/go-segment/inference/providers"
)

// ErrClosed is returned by an Executor after Close.
var ErrClosed = errors.New("onnx: executor closed")

// Layout is the memory order of a 4D model tensor.
type Layout string

const (
	// LayoutNHWC is batch, height, width, channels.
	LayoutNHWC Layout = "nhwc"
	// LayoutNCHW is batch, channels, height, width.
	LayoutNCHW Layout = "nchw"
)

// ParseLayout resolves a layout name; the empty string means LayoutNHWC.
func ParseLayout(s string) (Layout, error) {
	switch Layout(strings.ToLower(s)) {
	case "", LayoutNHWC:
		return LayoutNHWC, nil
	case LayoutNCHW:
		return LayoutNCHW, nil
	}
	return "", fmt.Errorf("unsupported layout %q", s)
}

// Config describes the model and how to run it.
type Config struct {
	ModelPath    string
	InputName    string
	OutputName   string
	InputLayout  Layout
	OutputLayout Layout
	Backend      providers.Backend
	Providers    providers.Options
}

func (c Config) withDefaults() Config {
	if c.InputName == "" {
		c.InputName = "input"
	}
	if c.OutputName == "" {
		c.OutputName = "output"
	}
	if c.InputLayout == "" {
		c.InputLayout = LayoutNHWC
	}
	if c.OutputLayout == "" {
		c.OutputLayout = LayoutNHWC
	}
	if c.Backend == "" {
		c.Backend = providers.CPUBackend
	}
	return c
}

var initOnce sync.Once
var initErr error

// InitializeRuntime loads the ONNX Runtime shared library once per process.
//
// Arguments:
//   - libPath: The shared library path; empty means providers.GetSharedLibPath().
//
// Returns:
//   - error: An error if the library is missing or fails to initialize.
func InitializeRuntime(libPath string) error {
	initOnce.Do(func() {
		if ort.IsInitialized() {
			return
		}
		if libPath == "" {
			libPath = providers.GetSharedLibPath()
		}
		if _, err := os.Stat(libPath); err != nil {
			initErr = errors.Wrapf(err, "ONNX Runtime library not found at %s", libPath)
			return
		}
		ort.SetSharedLibraryPath(libPath)
		if err := ort.InitializeEnvironment(); err != nil {
			initErr = errors.Wrap(err, "error initializing ORT environment")
		}
	})
	return initErr
}

// Executor runs a segmentation model on ONNX Runtime. Input tensors are kept
// per input size and reused; output scores are copied into recycled buffers.
type Executor struct {
	cfg    Config
	logger *slog.Logger
	pool   *bufferPool

	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
	backend providers.Backend
	inputs  map[images.ResolutionPixels]*ort.Tensor[float32]
}

// NewExecutor opens the model on the configured backend. InitializeRuntime
// must have succeeded first.
//
// Arguments:
//   - cfg: The model configuration.
//   - logger: The logger; nil means slog.Default().
//
// Returns:
//   - *Executor: The executor.
//   - error: An error if the session cannot be created.
func NewExecutor(cfg Config, logger *slog.Logger) (*Executor, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, errors.Wrapf(err, "model file not found: %s", cfg.ModelPath)
	}

	e := &Executor{
		cfg:    cfg,
		logger: logger,
		pool:   &bufferPool{},
		inputs: make(map[images.ResolutionPixels]*ort.Tensor[float32]),
	}
	session, err := e.newSession(cfg.Backend)
	if err != nil {
		return nil, err
	}
	e.session = session
	e.backend = cfg.Backend

	logger.Info("onnx: executor ready",
		"model", cfg.ModelPath,
		"backend", string(cfg.Backend),
		"input", cfg.InputName,
		"output", cfg.OutputName,
	)
	return e, nil
}

func (e *Executor) newSession(backend providers.Backend) (*ort.DynamicAdvancedSession, error) {
	options, err := providers.NewSessionOptions(backend, e.cfg.Providers)
	if err != nil {
		return nil, err
	}
	defer options.Destroy()

	session, err := ort.NewDynamicAdvancedSession(
		e.cfg.ModelPath,
		[]string{e.cfg.InputName},
		[]string{e.cfg.OutputName},
		options,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "error creating ORT session on %s", backend)
	}
	return session, nil
}

// Run executes the model on one frame.
func (e *Executor) Run(ctx context.Context, in inference.Input) (*inference.ClassTensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, ErrClosed
	}

	input, err := e.inputTensor(in.Size)
	if err != nil {
		return nil, err
	}
	frame, err := images.ResizeToInput(in.Frame, in.Size)
	if err != nil {
		return nil, err
	}
	if e.cfg.InputLayout == LayoutNCHW {
		err = images.PackCHW(frame, input.GetData())
	} else {
		err = images.PackHWC(frame, input.GetData())
	}
	if err != nil {
		return nil, errors.Wrap(err, "packing input")
	}

	outputs := []ort.Value{nil}
	if err := e.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, errors.Wrap(err, "running session")
	}
	defer outputs[0].Destroy()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, errors.Wrapf(inference.ErrInvalidOutput, "output %s is not a float32 tensor", e.cfg.OutputName)
	}
	return e.toClassTensor([]int64(out.GetShape()), out.GetData())
}

func (e *Executor) inputTensor(size images.ResolutionPixels) (*ort.Tensor[float32], error) {
	if t, ok := e.inputs[size]; ok {
		return t, nil
	}
	if !size.Valid() {
		return nil, fmt.Errorf("invalid input size %dx%d", size.Width, size.Height)
	}

	shape := ort.NewShape(1, int64(size.Height), int64(size.Width), 3)
	if e.cfg.InputLayout == LayoutNCHW {
		shape = ort.NewShape(1, 3, int64(size.Height), int64(size.Width))
	}
	t, err := ort.NewEmptyTensor[float32](shape)
	if err != nil {
		return nil, errors.Wrap(err, "error creating input tensor")
	}
	e.inputs[size] = t
	return t, nil
}

// toClassTensor copies output scores into a pooled buffer, reordering NCHW
// output to (H, W, C).
func (e *Executor) toClassTensor(shape []int64, data []float32) (*inference.ClassTensor, error) {
	h, w, c, err := spatialDims(shape, e.cfg.OutputLayout)
	if err != nil {
		return nil, err
	}
	if len(data) != h*w*c {
		return nil, errors.Wrapf(inference.ErrInvalidOutput, "shape %v holds %d values, got %d", shape, h*w*c, len(data))
	}

	buf := e.pool.get(len(data))
	copy(buf, data)

	if e.cfg.OutputLayout != LayoutNCHW {
		return inference.FromDense(tensor.New(tensor.WithShape(h, w, c), tensor.WithBacking(buf)), e.pool.put)
	}

	d := tensor.New(tensor.WithShape(c, h, w), tensor.WithBacking(buf))
	if err := d.T(1, 2, 0); err != nil {
		e.pool.put(buf)
		return nil, errors.Wrap(err, "transposing output")
	}
	if err := d.Transpose(); err != nil {
		e.pool.put(buf)
		return nil, errors.Wrap(err, "transposing output")
	}
	return inference.FromDense(d, e.pool.put)
}

// spatialDims extracts height, width and classes from a 4D output shape with
// batch 1, or a 3D shape without the batch dimension.
func spatialDims(shape []int64, layout Layout) (h, w, c int, err error) {
	dims := shape
	if len(dims) == 4 {
		if dims[0] != 1 {
			return 0, 0, 0, errors.Wrapf(inference.ErrInvalidOutput, "batch %d, want 1", dims[0])
		}
		dims = dims[1:]
	}
	if len(dims) != 3 {
		return 0, 0, 0, errors.Wrapf(inference.ErrInvalidOutput, "output shape %v is not 3D or 4D", shape)
	}
	for _, d := range dims {
		if d <= 0 {
			return 0, 0, 0, errors.Wrapf(inference.ErrInvalidOutput, "output shape %v has empty dimension", shape)
		}
	}
	if layout == LayoutNCHW {
		return int(dims[1]), int(dims[2]), int(dims[0]), nil
	}
	return int(dims[0]), int(dims[1]), int(dims[2]), nil
}

// SetBackend rebuilds the session on another execution provider. The old
// session is kept if the new one cannot be created.
func (e *Executor) SetBackend(backend providers.Backend) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return ErrClosed
	}

	session, err := e.newSession(backend)
	if err != nil {
		return err
	}
	if err := e.session.Destroy(); err != nil {
		e.logger.Warn("onnx: destroying previous session", "error", err)
	}
	e.session = session
	e.backend = backend
	return nil
}

// Backend returns the active execution provider.
func (e *Executor) Backend() providers.Backend {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backend
}

// Close releases the session and input tensors.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}

	var firstErr error
	for size, t := range e.inputs {
		if err := t.Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(e.inputs, size)
	}
	if err := e.session.Destroy(); err != nil && firstErr == nil {
		firstErr = err
	}
	e.session = nil
	return firstErr
}

// bufferPool recycles score buffers released by class tensors.
type bufferPool struct {
	mu   sync.Mutex
	free [][]float32
}

const maxPooledBuffers = 3

func (p *bufferPool) get(n int) []float32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.free) - 1; i >= 0; i-- {
		if cap(p.free[i]) >= n {
			buf := p.free[i][:n]
			p.free = append(p.free[:i], p.free[i+1:]...)
			return buf
		}
	}
	return make([]float32, n)
}

func (p *bufferPool) put(buf []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) < maxPooledBuffers {
		p.free = append(p.free, buf)
	}
}
