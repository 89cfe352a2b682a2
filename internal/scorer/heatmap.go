package scorer

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Heatmap convolves diff with a k x k all-ones kernel and keeps the input
// shape ("same" mode, zero padded). Output cell (i,j) is the sum of input
// rows i-k/2 .. i-k/2+k-1 and the same column span, which for an even k
// matches the centred crop of the full convolution.
func Heatmap(diff mat.Matrix, k int) (*mat.Dense, error) {
	if k < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidKernel, k)
	}
	r, c := diff.Dims()
	if r == 0 || c == 0 {
		return nil, ErrEmptyFrame
	}
	d, ok := diff.(*mat.Dense)
	if !ok {
		d = mat.DenseCopyOf(diff)
	}
	return boxSum(d, k), nil
}

// boxSum is separable: a horizontal window pass into a scratch grid, then a
// vertical pass. Both passes only add non-negative terms, so the output of a
// non-negative input never dips below zero through cancellation.
func boxSum(src *mat.Dense, k int) *mat.Dense {
	r, c := src.Dims()
	anchor := k / 2
	in := src.RawMatrix()

	tmp := make([]float64, r*c)
	for i := 0; i < r; i++ {
		row := in.Data[i*in.Stride : i*in.Stride+c]
		for j := 0; j < c; j++ {
			lo, hi := span(j, anchor, k, c)
			var sum float64
			for x := lo; x < hi; x++ {
				sum += row[x]
			}
			tmp[i*c+j] = sum
		}
	}

	out := mat.NewDense(r, c, nil)
	o := out.RawMatrix()
	for i := 0; i < r; i++ {
		lo, hi := span(i, anchor, k, r)
		dst := o.Data[i*o.Stride : i*o.Stride+c]
		for y := lo; y < hi; y++ {
			line := tmp[y*c : y*c+c]
			for j := range dst {
				dst[j] += line[j]
			}
		}
	}
	return out
}

// span clips the window [p-anchor, p-anchor+k) to [0, n).
func span(p, anchor, k, n int) (lo, hi int) {
	lo = p - anchor
	hi = lo + k
	if lo < 0 {
		lo = 0
	}
	if hi > n {
		hi = n
	}
	return lo, hi
}
