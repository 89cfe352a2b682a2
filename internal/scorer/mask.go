package scorer

import "gonum.org/v1/gonum/mat"

// Mask is a row-major boolean grid.
type Mask struct {
	rows, cols int
	cells      []bool
}

// NewMask returns an all-false rows x cols mask.
func NewMask(rows, cols int) *Mask {
	return &Mask{rows: rows, cols: cols, cells: make([]bool, rows*cols)}
}

// Dims returns the number of rows and columns.
func (m *Mask) Dims() (rows, cols int) { return m.rows, m.cols }

// At reports whether cell (i,j) is set.
func (m *Mask) At(i, j int) bool { return m.cells[i*m.cols+j] }

// Set assigns cell (i,j).
func (m *Mask) Set(i, j int, v bool) { m.cells[i*m.cols+j] = v }

// Count returns the number of set cells.
func (m *Mask) Count() int {
	n := 0
	for _, v := range m.cells {
		if v {
			n++
		}
	}
	return n
}

// Dense returns the mask as a 0/1 matrix.
func (m *Mask) Dense() *mat.Dense {
	d := mat.NewDense(m.rows, m.cols, nil)
	for i := 0; i < m.rows; i++ {
		for j := 0; j < m.cols; j++ {
			if m.At(i, j) {
				d.Set(i, j, 1)
			}
		}
	}
	return d
}

// Summary condenses a Result into per-frame scalars.
type Summary struct {
	MaxHeat        float64
	MeanDiff       float64
	AnomalousCells int
	Fraction       float64
	Anomalous      bool
}

// Summary computes per-frame statistics of r.
func (r *Result) Summary() Summary {
	rows, cols := r.Diff.Dims()
	n := float64(rows * cols)
	count := r.Mask.Count()
	return Summary{
		MaxHeat:        mat.Max(r.Heatmap),
		MeanDiff:       mat.Sum(r.Diff) / n,
		AnomalousCells: count,
		Fraction:       float64(count) / n,
		Anomalous:      count > 0,
	}
}
