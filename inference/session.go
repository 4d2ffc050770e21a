// Package inference - Single-flight inference sessions over an opaque executor.
package inference

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-segment/images"
	"github.com/nvr-ai/go-segment/inference/providers"
	"github.com/nvr-ai/go-segment/util"
)

var (
	// ErrSessionBusy is returned by Submit while another inference is outstanding.
	ErrSessionBusy = errors.New("inference: session busy")
	// ErrSessionClosed is returned once Close has been called.
	ErrSessionClosed = errors.New("inference: session closed")
	// ErrUnknownHandle is returned for handles that are not the outstanding submission.
	ErrUnknownHandle = errors.New("inference: unknown handle")
	// ErrInvalidOutput marks executor output that cannot be used as a class tensor.
	ErrInvalidOutput = errors.New("inference: invalid output")
	// ErrExecutorFailure marks an error reported by the executor.
	ErrExecutorFailure = errors.New("inference: executor failure")
)

// Input is one frame submitted for inference.
type Input struct {
	// Frame is already resized to Size.
	Frame image.Image
	// Size is the model input size of the active tier.
	Size images.ResolutionPixels
	// TierID names the tier the frame was admitted under.
	TierID string
}

// Executor runs the segmentation network. Run may block; the session calls it
// from its own goroutine and never concurrently with itself or SetBackend.
type Executor interface {
	Run(ctx context.Context, in Input) (*ClassTensor, error)
	SetBackend(backend providers.Backend) error
	Close() error
}

// Reporter receives completion timing. *controller.Controller satisfies it.
type Reporter interface {
	ReportLatency(latency time.Duration, at time.Time)
	ReportFailure(at time.Time)
}

// Handle identifies one submission.
type Handle string

// Status is the state of a submission.
type Status int

const (
	// StatusPending means the executor has not finished.
	StatusPending Status = iota
	// StatusReady means a tensor is available.
	StatusReady
	// StatusFailed means the executor failed or the submission was cancelled.
	StatusFailed
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusReady:
		return "ready"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Result is the outcome of a Poll.
type Result struct {
	Handle Handle
	Status Status
	// Tensor is set when Ready. It stays valid until the next Ready result;
	// Retain it to keep it longer.
	Tensor *ClassTensor
	// Err is set when Failed.
	Err error
	// Latency is the wall-clock time from Submit to completion.
	Latency time.Duration
	TierID  string
}

type task struct {
	handle    Handle
	tierID    string
	submitted time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	// Guarded by Session.mu.
	tensor    *ClassTensor
	err       error
	finished  time.Time
	abandoned bool
}

// Session owns at most one outstanding inference against an Executor and the
// most recent successful tensor.
type Session struct {
	exec     Executor
	reporter Reporter
	clock    util.Clock
	logger   *slog.Logger

	mu      sync.Mutex
	pending *task
	latest  *ClassTensor
	backend providers.Backend
	closed  bool
}

// NewSession creates a session.
//
// Arguments:
//   - exec: The executor to run inferences on.
//   - reporter: Receives latency and failure reports; may be nil.
//   - clock: The time source; nil means the wall clock.
//   - logger: The logger; nil means slog.Default().
//
// Returns:
//   - *Session: The session.
func NewSession(exec Executor, reporter Reporter, clock util.Clock, logger *slog.Logger) *Session {
	if clock == nil {
		clock = util.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		exec:     exec,
		reporter: reporter,
		clock:    clock,
		logger:   logger,
		backend:  providers.CPUBackend,
	}
}

// Submit starts an inference without blocking.
//
// Arguments:
//   - ctx: Bounds the inference; cancelling it fails the submission.
//   - in: The frame to run.
//
// Returns:
//   - Handle: The submission handle for Poll.
//   - error: ErrSessionBusy or ErrSessionClosed.
func (s *Session) Submit(ctx context.Context, in Input) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrSessionClosed
	}
	if s.pending != nil {
		return "", ErrSessionBusy
	}

	tctx, cancel := context.WithCancel(ctx)
	t := &task{
		handle:    Handle(uuid.NewString()),
		tierID:    in.TierID,
		submitted: s.clock.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.pending = t

	go s.run(tctx, t, in)
	return t.handle, nil
}

func (s *Session) run(ctx context.Context, t *task, in Input) {
	defer t.cancel()

	out, err := s.exec.Run(ctx, in)
	switch {
	case err != nil:
		if out != nil {
			out.Release()
			out = nil
		}
		if ctx.Err() != nil {
			err = ctx.Err()
		} else {
			err = fmt.Errorf("%w: %w", ErrExecutorFailure, err)
		}
	case out == nil:
		err = errors.Wrap(ErrInvalidOutput, "executor returned no tensor")
	}

	s.mu.Lock()
	t.tensor = out
	t.err = err
	t.finished = s.clock.Now()
	abandoned := t.abandoned
	s.mu.Unlock()

	close(t.done)
	if abandoned {
		out.Release()
		if err := s.exec.Close(); err != nil {
			s.logger.Warn("inference: closing executor after drain", "error", err)
		}
	}
}

// Poll checks a submission without blocking. A Ready or Failed result is
// delivered once; afterwards the handle is unknown. On Ready the previous
// tensor is released after the new one has been installed. Completion is
// reported to the Reporter except for cancelled submissions; a deadline
// expiry counts as a failure.
//
// Arguments:
//   - h: The handle returned by Submit.
//
// Returns:
//   - Result: The submission state.
//   - error: ErrUnknownHandle if h is not outstanding.
func (s *Session) Poll(h Handle) (Result, error) {
	s.mu.Lock()
	t := s.pending
	if t == nil || t.handle != h {
		s.mu.Unlock()
		return Result{}, ErrUnknownHandle
	}

	select {
	case <-t.done:
	default:
		s.mu.Unlock()
		return Result{Handle: h, Status: StatusPending, TierID: t.tierID}, nil
	}

	s.pending = nil
	res := Result{
		Handle:  h,
		Latency: t.finished.Sub(t.submitted),
		TierID:  t.tierID,
	}

	var previous *ClassTensor
	if t.err != nil {
		res.Status = StatusFailed
		res.Err = t.err
	} else {
		res.Status = StatusReady
		res.Tensor = t.tensor
		previous = s.latest
		s.latest = t.tensor
	}
	s.mu.Unlock()

	previous.Release()
	s.report(res, t.finished)
	return res, nil
}

// Await blocks until the submission completes or ctx ends, then polls it.
func (s *Session) Await(ctx context.Context, h Handle) (Result, error) {
	s.mu.Lock()
	t := s.pending
	s.mu.Unlock()
	if t == nil || t.handle != h {
		return Result{}, ErrUnknownHandle
	}

	select {
	case <-t.done:
		return s.Poll(h)
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (s *Session) report(res Result, at time.Time) {
	if s.reporter == nil {
		return
	}
	switch {
	case res.Status == StatusReady:
		s.reporter.ReportLatency(res.Latency, at)
	case errors.Is(res.Err, context.Canceled):
		s.logger.Debug("inference: submission cancelled", "handle", string(res.Handle))
	default:
		s.logger.Warn("inference: executor failure",
			"handle", string(res.Handle),
			"tier", res.TierID,
			"latency", res.Latency,
			"error", res.Err,
		)
		s.reporter.ReportFailure(at)
	}
}

// Cancel asks the outstanding submission to stop. The submission still has to
// be polled to free the session.
func (s *Session) Cancel(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == nil || s.pending.handle != h {
		return ErrUnknownHandle
	}
	s.pending.cancel()
	return nil
}

// InFlight reports whether a submission is outstanding.
func (s *Session) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// Acquire returns a retained reference to the latest tensor, or nil if none.
// The caller must Release it.
func (s *Session) Acquire() *ClassTensor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return nil
	}
	return s.latest.Retain()
}

// Backend returns the active acceleration backend.
func (s *Session) Backend() providers.Backend {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend
}

// SetAccelerationBackend switches the executor backend between inferences.
//
// Arguments:
//   - backend: The backend to switch to.
//
// Returns:
//   - error: ErrSessionBusy while a submission is outstanding, ErrSessionClosed
//     after Close, or the executor's error.
func (s *Session) SetAccelerationBackend(backend providers.Backend) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if s.pending != nil {
		return ErrSessionBusy
	}
	if backend == s.backend {
		return nil
	}
	if err := s.exec.SetBackend(backend); err != nil {
		return errors.Wrapf(err, "switching backend to %s", backend)
	}

	s.logger.Info("inference: backend switched", "from", string(s.backend), "to", string(backend))
	s.backend = backend
	return nil
}

// Close cancels any outstanding submission, waits for it to drain until ctx
// ends, releases the latest tensor and closes the executor. If ctx ends while
// the executor is still running, Close returns the drain error and the
// executor is closed once that run returns. No reports are delivered after
// Close.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	t := s.pending
	s.pending = nil
	latest := s.latest
	s.latest = nil
	s.mu.Unlock()

	latest.Release()

	if t != nil {
		t.cancel()
		select {
		case <-t.done:
			s.mu.Lock()
			out := t.tensor
			s.mu.Unlock()
			out.Release()
		case <-ctx.Done():
			s.mu.Lock()
			running := t.finished.IsZero()
			if running {
				t.abandoned = true
			}
			s.mu.Unlock()
			if running {
				return errors.Wrap(ctx.Err(), "inference: draining outstanding submission")
			}
			<-t.done
			t.tensor.Release()
		}
	}

	if err := s.exec.Close(); err != nil {
		return errors.Wrap(err, "inference: closing executor")
	}
	return nil
}
