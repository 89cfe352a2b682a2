// Package scorer turns a frame and its autoencoder reconstruction into an
// anomaly heat-map and a thresholded anomaly mask.
//
// The difference map is summed over a small neighbourhood before the
// threshold is applied, so isolated single-pixel reconstruction noise does
// not raise an alarm; only spatial clusters of high error do.
package scorer

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	// MaxPixel is the upper bound of a rescaled intensity sample.
	MaxPixel = 255
	// DefaultKernelSize is the side of the square summation window.
	DefaultKernelSize = 4
	// DefaultThreshold is the empirically chosen heat cut-off (4 saturated pixels).
	// It is a tunable, not a derived bound.
	DefaultThreshold = 4 * MaxPixel
)

var (
	// ErrShapeMismatch is returned when frame and reconstruction dimensions differ.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrInvalidThreshold is returned for a negative (or NaN) threshold.
	ErrInvalidThreshold = errors.New("invalid threshold")
	// ErrInvalidKernel is returned for a kernel size below 1.
	ErrInvalidKernel = errors.New("invalid kernel size")
	// ErrEmptyFrame is returned when a grid has no cells.
	ErrEmptyFrame = errors.New("empty frame")
)

// Result holds the three per-frame grids. All share the input's shape.
type Result struct {
	Diff      *mat.Dense
	Heatmap   *mat.Dense
	Mask      *Mask
	Threshold float64
}

// Scorer computes anomaly maps with a fixed kernel size.
// A Scorer holds no mutable state and is safe for concurrent use.
type Scorer struct {
	kernel int
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithKernelSize sets the side of the square summation window.
func WithKernelSize(k int) Option {
	return func(s *Scorer) { s.kernel = k }
}

// New builds a Scorer. Without options it uses a 4x4 window.
func New(opts ...Option) (*Scorer, error) {
	s := &Scorer{kernel: DefaultKernelSize}
	for _, opt := range opts {
		opt(s)
	}
	if s.kernel < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidKernel, s.kernel)
	}
	return s, nil
}

// KernelSize reports the side of the summation window.
func (s *Scorer) KernelSize() int { return s.kernel }

var defaultScorer = &Scorer{kernel: DefaultKernelSize}

// Score runs the default 4x4 scorer. frame and recon hold intensities in [0,255].
func Score(frame, recon mat.Matrix, threshold float64) (*Result, error) {
	return defaultScorer.Score(frame, recon, threshold)
}

// Score computes the difference map, the heat-map and the anomaly mask.
// A cell is anomalous when its heat is strictly greater than threshold.
func (s *Scorer) Score(frame, recon mat.Matrix, threshold float64) (*Result, error) {
	if threshold < 0 || math.IsNaN(threshold) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidThreshold, threshold)
	}
	fr, fc := frame.Dims()
	rr, rc := recon.Dims()
	if fr != rr || fc != rc {
		return nil, fmt.Errorf("%w: frame %dx%d, reconstruction %dx%d", ErrShapeMismatch, fr, fc, rr, rc)
	}
	if fr == 0 || fc == 0 {
		return nil, ErrEmptyFrame
	}

	diff := mat.NewDense(fr, fc, nil)
	raw := diff.RawMatrix()
	for i := 0; i < fr; i++ {
		row := raw.Data[i*raw.Stride : i*raw.Stride+fc]
		for j := range row {
			row[j] = math.Abs(frame.At(i, j) - recon.At(i, j))
		}
	}

	heat := boxSum(diff, s.kernel)
	return &Result{
		Diff:      diff,
		Heatmap:   heat,
		Mask:      Threshold(heat, threshold),
		Threshold: threshold,
	}, nil
}

// Threshold marks every cell of heat strictly above t.
func Threshold(heat mat.Matrix, t float64) *Mask {
	r, c := heat.Dims()
	m := NewMask(r, c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if heat.At(i, j) > t {
				m.Set(i, j, true)
			}
		}
	}
	return m
}
