// Package visualize renders scored frames as PNG panels.
package visualize

import (
	"bufio"
	"fmt"
	"image/color"
	"image/png"
	"os"

	"github.com/andresmejia3/anomalywatch/internal/frame"
	"github.com/andresmejia3/anomalywatch/internal/scorer"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

const (
	panelWidth  = 15 * vg.Inch
	panelHeight = 10 * vg.Inch
	dpi         = 96
)

// Panel is everything needed to draw one scored frame.
type Panel struct {
	Index     int
	Frame     *mat.Dense // [0,1]
	Recon     *mat.Dense // [0,1]
	Result    *scorer.Result
	Threshold float64
}

// Grid adapts a matrix to plotter.GridXYZ with row 0 drawn at the top.
type Grid struct {
	M mat.Matrix
}

func (g Grid) Dims() (c, r int) {
	r, c = g.M.Dims()
	return c, r
}

func (g Grid) Z(c, r int) float64 {
	rows, _ := g.M.Dims()
	return g.M.At(rows-1-r, c)
}

func (g Grid) X(c int) float64 { return float64(c) }
func (g Grid) Y(r int) float64 { return float64(r) }

type grayPalette int

func (n grayPalette) Colors() []color.Color {
	cs := make([]color.Color, int(n))
	for i := range cs {
		v := uint8(i * 255 / (int(n) - 1))
		cs[i] = color.Gray{Y: v}
	}
	return cs
}

func imagePlot(title string, m mat.Matrix, pal palette.Palette, lo, hi float64) *plot.Plot {
	p := plot.New()
	p.Title.Text = title
	p.HideAxes()
	hm := plotter.NewHeatMap(Grid{M: m}, pal)
	hm.Min, hm.Max = lo, hi
	hm.Rasterized = true
	p.Add(hm)
	return p
}

// maskPoints converts anomalous cells to plot coordinates.
func maskPoints(m *scorer.Mask) plotter.XYs {
	rows, cols := m.Dims()
	pts := make(plotter.XYs, 0, m.Count())
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if m.At(i, j) {
				pts = append(pts, plotter.XY{X: float64(j), Y: float64(rows - 1 - i)})
			}
		}
	}
	return pts
}

// panelPlots lays out the tiles of a panel as two rows: frame,
// reconstruction and difference on top, heat-map, mask and overlay below.
func panelPlots(p Panel) ([][]*plot.Plot, error) {
	if p.Frame == nil || p.Recon == nil || p.Result == nil {
		return nil, fmt.Errorf("render frame %d: incomplete panel", p.Index)
	}

	maxDiff := max(mat.Max(p.Result.Diff), 1)
	maxHeat := max(mat.Max(p.Result.Heatmap), p.Threshold, 1)
	gray := grayPalette(256)

	overlay := imagePlot(fmt.Sprintf("frame %d anomalies (%d cells)", p.Index, p.Result.Mask.Count()), p.Frame, gray, 0, 1)
	if pts := maskPoints(p.Result.Mask); len(pts) > 0 {
		sc, err := plotter.NewScatter(pts)
		if err != nil {
			return nil, fmt.Errorf("render frame %d: %w", p.Index, err)
		}
		sc.GlyphStyle.Color = color.RGBA{R: 255, A: 160}
		sc.GlyphStyle.Shape = draw.BoxGlyph{}
		sc.GlyphStyle.Radius = vg.Points(1)
		overlay.Add(sc)
	}

	return [][]*plot.Plot{
		{
			imagePlot(fmt.Sprintf("frame %d", p.Index), p.Frame, gray, 0, 1),
			imagePlot("reconstruction", p.Recon, gray, 0, 1),
			imagePlot(fmt.Sprintf("difference (max %.0f)", maxDiff), p.Result.Diff, gray, 0, maxDiff),
		},
		{
			imagePlot(fmt.Sprintf("heat (threshold %.0f)", p.Threshold), p.Result.Heatmap, palette.Heat(64, 1), 0, maxHeat),
			imagePlot("mask", p.Result.Mask.Dense(), gray, 0, 1),
			overlay,
		},
	}, nil
}

// Render draws a scored frame as a PNG panel at path.
func Render(path string, p Panel) error {
	plots, err := panelPlots(p)
	if err != nil {
		return err
	}

	img := vgimg.NewWith(vgimg.UseWH(panelWidth, panelHeight), vgimg.UseDPI(dpi))
	dc := draw.New(img)
	t := draw.Tiles{
		Rows: len(plots), Cols: len(plots[0]),
		PadX: vg.Millimeter, PadY: vg.Millimeter,
		PadTop: vg.Points(2), PadBottom: vg.Points(2),
		PadLeft: vg.Points(2), PadRight: vg.Points(2),
	}
	canvases := plot.Align(plots, t, dc)
	for i := range plots {
		for j := range plots[i] {
			plots[i][j].Draw(canvases[i][j])
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if _, err := (vgimg.PngCanvas{Canvas: img}).WriteTo(w); err != nil {
		f.Close()
		return fmt.Errorf("render frame %d: %w", p.Index, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// SaveGray writes a [0,1] grid as an 8-bit grayscale PNG.
func SaveGray(path string, m mat.Matrix) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, frame.ToGray(m)); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
