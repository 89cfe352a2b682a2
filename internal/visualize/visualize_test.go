package visualize

import (
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/andresmejia3/anomalywatch/internal/scorer"
	"gonum.org/v1/gonum/mat"
)

func TestGrid_FlipsRows(t *testing.T) {
	g := Grid{M: mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6})}
	c, r := g.Dims()
	if c != 3 || r != 2 {
		t.Fatalf("Dims() = (%d, %d), want (3, 2)", c, r)
	}
	// Plot row 0 is the bottom of the image.
	if z := g.Z(0, 0); z != 4 {
		t.Errorf("Z(0,0) = %v, want 4", z)
	}
	if z := g.Z(2, 1); z != 3 {
		t.Errorf("Z(2,1) = %v, want 3", z)
	}
}

func TestMaskPoints(t *testing.T) {
	m := scorer.NewMask(3, 3)
	m.Set(0, 2, true)
	m.Set(2, 0, true)
	pts := maskPoints(m)
	if len(pts) != 2 {
		t.Fatalf("got %d points, want 2", len(pts))
	}
	if pts[0].X != 2 || pts[0].Y != 2 {
		t.Errorf("first point = %+v, want (2,2)", pts[0])
	}
	if pts[1].X != 0 || pts[1].Y != 0 {
		t.Errorf("second point = %+v, want (0,0)", pts[1])
	}
}

func TestRender(t *testing.T) {
	data := make([]float64, 16*16)
	for i := range data {
		data[i] = float64(i%16) / 15
	}
	fr := mat.NewDense(16, 16, data)
	recon := mat.NewDense(16, 16, nil)

	res, err := scorer.Score(scaled(fr), scaled(recon), scorer.DefaultThreshold)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}

	path := filepath.Join(t.TempDir(), "frame.png")
	err = Render(path, Panel{Index: 3, Frame: fr, Recon: recon, Result: res, Threshold: scorer.DefaultThreshold})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("output is not a PNG: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 1440 || b.Dy() != 960 {
		t.Errorf("image size = %v, want 1440x960", b.Size())
	}
}

func TestPanelPlots_Tiles(t *testing.T) {
	fr := mat.NewDense(8, 8, nil)
	fr.Set(4, 4, 1)
	recon := mat.NewDense(8, 8, nil)
	res, err := scorer.Score(scaled(fr), scaled(recon), 100)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}

	plots, err := panelPlots(Panel{Index: 1, Frame: fr, Recon: recon, Result: res, Threshold: 100})
	if err != nil {
		t.Fatalf("panelPlots failed: %v", err)
	}
	var titles []string
	for _, row := range plots {
		for _, p := range row {
			titles = append(titles, p.Title.Text)
		}
	}
	want := []string{
		"frame 1", "reconstruction", "difference (max 255)",
		"heat (threshold 100)", "mask", "frame 1 anomalies (16 cells)",
	}
	if len(titles) != len(want) {
		t.Fatalf("tiles = %q, want %q", titles, want)
	}
	for i := range want {
		if titles[i] != want[i] {
			t.Errorf("tile %d = %q, want %q", i, titles[i], want[i])
		}
	}
}

func TestRender_Incomplete(t *testing.T) {
	if err := Render(filepath.Join(t.TempDir(), "x.png"), Panel{}); err == nil {
		t.Error("expected error for empty panel")
	}
}

func TestSaveGray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gray.png")
	if err := SaveGray(path, mat.NewDense(1, 2, []float64{0, 1})); err != nil {
		t.Fatalf("SaveGray failed: %v", err)
	}
	f, _ := os.Open(path)
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r, _, _, _ := img.At(1, 0).RGBA(); r != 0xffff {
		t.Errorf("white pixel = %#x, want 0xffff", r)
	}
}

func scaled(m *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Scale(scorer.MaxPixel, m)
	return &out
}
