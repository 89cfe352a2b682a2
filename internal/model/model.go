// Package model provides the reconstruction side of the pipeline: anything
// that maps a frame to a same-shaped reconstruction.
package model

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/andresmejia3/anomalywatch/internal/frame"
	"github.com/andresmejia3/anomalywatch/internal/worker"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrShape is returned when a frame does not match the model's input shape.
	ErrShape = errors.New("frame shape does not match model")
	// ErrNotFitted is returned when a model has seen no training frames.
	ErrNotFitted = errors.New("model has no training frames")
	// ErrUnknownModel is returned by Open for an unrecognised model descriptor.
	ErrUnknownModel = errors.New("unknown model")
	// ErrOutOfOrder is returned by Adaptive when frames go backwards.
	ErrOutOfOrder = errors.New("frames out of order")
	// ErrNotAdaptive is returned by Open when adaptation is requested for a
	// model without a temporal mode.
	ErrNotAdaptive = errors.New("model does not support adaptive scoring")
	// ErrBadPixel is returned when a reconstruction holds NaN values.
	ErrBadPixel = errors.New("reconstruction contains NaN")
)

// Model reconstructs frames. Implementations must return a frame with the
// same dimensions and index as the input.
type Model interface {
	Name() string
	Reconstruct(ctx context.Context, f *frame.Frame) (*frame.Frame, error)
	Close() error
}

// OpenOptions carries settings for models backed by a process.
type OpenOptions struct {
	WorkerID    int
	ReadTimeout time.Duration
	// Adaptive wraps a background model in NewAdaptive.
	Adaptive bool
}

// Open builds a model from a descriptor:
//
//	background:<params file>   learned background frame (see Background)
//	python:<script> [args...]  external autoencoder speaking the worker protocol
func Open(ctx context.Context, desc string, opts OpenOptions) (Model, error) {
	kind, arg, ok := strings.Cut(desc, ":")
	if !ok || arg == "" {
		return nil, fmt.Errorf("%w: %q (want background:<file> or python:<script>)", ErrUnknownModel, desc)
	}
	switch kind {
	case "background":
		bg, err := LoadFile(arg)
		if err != nil {
			return nil, err
		}
		if opts.Adaptive {
			return NewAdaptive(bg), nil
		}
		return bg, nil
	case "python":
		fields := strings.Fields(arg)
		if len(fields) == 0 {
			return nil, fmt.Errorf("%w: python model needs a script", ErrUnknownModel)
		}
		if opts.Adaptive {
			return nil, fmt.Errorf("%w: %s", ErrNotAdaptive, desc)
		}
		w, err := worker.NewModelWorker(ctx, opts.WorkerID, worker.Config{
			Script:      fields[0],
			Args:        fields[1:],
			ReadTimeout: opts.ReadTimeout,
		})
		if err != nil {
			return nil, err
		}
		return NewRemote(w, fields[0]), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, kind)
	}
}

// Remote delegates reconstruction to an external model process.
type Remote struct {
	w      *worker.ModelWorker
	script string
}

// NewRemote wraps an already started worker; name is the script shown by Name.
func NewRemote(w *worker.ModelWorker, name string) *Remote {
	return &Remote{w: w, script: name}
}

func (r *Remote) Name() string { return "python:" + r.script }

// Worker exposes the underlying process, e.g. for crash logs.
func (r *Remote) Worker() *worker.ModelWorker { return r.w }

func (r *Remote) Reconstruct(ctx context.Context, f *frame.Frame) (*frame.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := r.w.Reconstruct(f.Data)
	if err != nil {
		return nil, fmt.Errorf("frame %d: %w", f.Index, err)
	}
	fr, fc := f.Dims()
	or, oc := out.Dims()
	if fr != or || fc != oc {
		return nil, fmt.Errorf("%w: sent %dx%d, got %dx%d", ErrShape, fr, fc, or, oc)
	}
	if err := clampUnit(out); err != nil {
		return nil, fmt.Errorf("frame %d: %w", f.Index, err)
	}
	return frame.New(f.Index, out), nil
}

// clampUnit forces m into [0,1] in place so heat stays bounded by the kernel
// area times 255.
func clampUnit(m *mat.Dense) error {
	var bad error
	m.Apply(func(i, j int, v float64) float64 {
		switch {
		case math.IsNaN(v):
			if bad == nil {
				bad = fmt.Errorf("%w at (%d,%d)", ErrBadPixel, i, j)
			}
			return 0
		case v < 0:
			return 0
		case v > 1:
			return 1
		}
		return v
	}, m)
	return bad
}

func (r *Remote) Close() error { return r.w.Close() }
