package model

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/andresmejia3/anomalywatch/internal/frame"
	"github.com/andresmejia3/anomalywatch/internal/worker"
	"gonum.org/v1/gonum/mat"
)

func uniform(idx, r, c int, v float64) *frame.Frame {
	data := make([]float64, r*c)
	for i := range data {
		data[i] = v
	}
	return frame.New(idx, mat.NewDense(r, c, data))
}

func TestFit_Mean(t *testing.T) {
	bg, err := Fit([]*frame.Frame{uniform(0, 2, 3, 0.2), uniform(1, 2, 3, 0.4)}, DefaultAlpha)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if bg.Frames != 2 {
		t.Errorf("Frames = %d, want 2", bg.Frames)
	}
	want := uniform(0, 2, 3, 0.3).Data
	if !mat.EqualApprox(bg.Mean, want, 1e-12) {
		t.Errorf("Mean = %v, want %v", mat.Formatted(bg.Mean), mat.Formatted(want))
	}
}

func TestFit_Errors(t *testing.T) {
	if _, err := Fit(nil, DefaultAlpha); !errors.Is(err, ErrNotFitted) {
		t.Errorf("Fit(nil) error = %v, want ErrNotFitted", err)
	}
	_, err := Fit([]*frame.Frame{uniform(0, 2, 2, 0), uniform(1, 3, 2, 0)}, DefaultAlpha)
	if !errors.Is(err, ErrShape) {
		t.Errorf("mixed shapes error = %v, want ErrShape", err)
	}
	if _, err := Fit([]*frame.Frame{uniform(0, 1, 1, 0)}, 1.5); err == nil {
		t.Error("expected error for alpha > 1")
	}
}

func TestBackground_Reconstruct(t *testing.T) {
	bg, _ := Fit([]*frame.Frame{uniform(0, 2, 2, 0.5)}, DefaultAlpha)

	out, err := bg.Reconstruct(context.Background(), uniform(7, 2, 2, 0.9))
	if err != nil {
		t.Fatalf("Reconstruct failed: %v", err)
	}
	if out.Index != 7 {
		t.Errorf("Index = %d, want 7", out.Index)
	}
	if !mat.Equal(out.Data, bg.Mean) {
		t.Errorf("recon = %v, want the mean", mat.Formatted(out.Data))
	}
	// The reconstruction must be a copy.
	out.Data.Set(0, 0, 42)
	if bg.Mean.At(0, 0) != 0.5 {
		t.Error("Reconstruct aliased the model mean")
	}

	if _, err := bg.Reconstruct(context.Background(), uniform(0, 3, 3, 0)); !errors.Is(err, ErrShape) {
		t.Errorf("shape mismatch error = %v, want ErrShape", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := bg.Reconstruct(ctx, uniform(0, 2, 2, 0)); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled ctx error = %v, want context.Canceled", err)
	}
}

func TestBackground_Step(t *testing.T) {
	bg, _ := Fit([]*frame.Frame{uniform(0, 1, 2, 0)}, 0.5)

	s := bg.InitialState()
	recon, s1, err := bg.Step(uniform(1, 1, 2, 1), s)
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	// First reconstruction is the trained background.
	if recon.Data.At(0, 0) != 0 {
		t.Errorf("first recon = %v, want 0", recon.Data.At(0, 0))
	}
	if got := s1.Mean.At(0, 1); got != 0.5 {
		t.Errorf("state after one step = %v, want 0.5", got)
	}
	if s1.Seen != 1 {
		t.Errorf("Seen = %d, want 1", s1.Seen)
	}
	// The input state is left alone.
	if s.Mean.At(0, 0) != 0 {
		t.Error("Step modified its input state")
	}

	recon, s2, _ := bg.Step(uniform(2, 1, 2, 1), s1)
	if recon.Data.At(0, 0) != 0.5 {
		t.Errorf("second recon = %v, want 0.5", recon.Data.At(0, 0))
	}
	if got := s2.Mean.At(0, 0); got != 0.75 {
		t.Errorf("state after two steps = %v, want 0.75", got)
	}

	// A zero State falls back to the trained background.
	recon, _, _ = bg.Step(uniform(3, 1, 2, 1), State{})
	if recon.Data.At(0, 0) != 0 {
		t.Errorf("recon from zero state = %v, want 0", recon.Data.At(0, 0))
	}
}

func TestSaveLoad(t *testing.T) {
	bg := &Background{
		Mean:   mat.NewDense(2, 3, []float64{0, 0.1, 0.2, 0.3, 0.4, 1}),
		Alpha:  0.1,
		Frames: 12,
	}
	var buf bytes.Buffer
	if err := bg.Save(&buf); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := Load(&buf)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.Alpha != bg.Alpha || got.Frames != bg.Frames {
		t.Errorf("header = (%v, %d), want (%v, %d)", got.Alpha, got.Frames, bg.Alpha, bg.Frames)
	}
	if !mat.Equal(got.Mean, bg.Mean) {
		t.Errorf("Mean = %v, want %v", mat.Formatted(got.Mean), mat.Formatted(bg.Mean))
	}
}

func TestLoad_Rejects(t *testing.T) {
	if _, err := Load(bytes.NewReader([]byte("JUNKJUNKJUNK"))); err == nil {
		t.Error("expected error for bad magic")
	}
	if _, err := Load(bytes.NewReader([]byte("AW"))); err == nil {
		t.Error("expected error for truncated header")
	}
	if err := (&Background{}).Save(&bytes.Buffer{}); !errors.Is(err, ErrNotFitted) {
		t.Errorf("Save on empty model error = %v, want ErrNotFitted", err)
	}
}

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bg.awm")
	bg, _ := Fit([]*frame.Frame{uniform(0, 2, 2, 0.25)}, DefaultAlpha)
	if err := bg.SaveFile(path); err != nil {
		t.Fatalf("SaveFile failed: %v", err)
	}

	m, err := Open(context.Background(), "background:"+path, OpenOptions{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer m.Close()
	if m.Name() != "background" {
		t.Errorf("Name() = %q", m.Name())
	}
	out, err := m.Reconstruct(context.Background(), uniform(0, 2, 2, 1))
	if err != nil {
		t.Fatalf("Reconstruct failed: %v", err)
	}
	if out.Data.At(1, 1) != 0.25 {
		t.Errorf("recon = %v, want 0.25", out.Data.At(1, 1))
	}

	am, err := Open(context.Background(), "background:"+path, OpenOptions{Adaptive: true})
	if err != nil {
		t.Fatalf("Open adaptive failed: %v", err)
	}
	if _, ok := am.(*Adaptive); !ok {
		t.Errorf("Open adaptive returned %T, want *Adaptive", am)
	}
	if _, err := Open(context.Background(), "python:model.py", OpenOptions{Adaptive: true}); !errors.Is(err, ErrNotAdaptive) {
		t.Errorf("adaptive python error = %v, want ErrNotAdaptive", err)
	}

	for _, desc := range []string{"", "background", "background:", "onnx:model.onnx"} {
		if _, err := Open(context.Background(), desc, OpenOptions{}); !errors.Is(err, ErrUnknownModel) {
			t.Errorf("Open(%q) error = %v, want ErrUnknownModel", desc, err)
		}
	}
	if _, err := Open(context.Background(), "background:/does/not/exist", OpenOptions{}); err == nil {
		t.Error("expected error for missing model file")
	}
}

func TestAdaptive_ThreadsState(t *testing.T) {
	bg, _ := Fit([]*frame.Frame{uniform(0, 2, 2, 0)}, 0.5)
	a := NewAdaptive(bg)
	ctx := context.Background()

	want := []float64{0, 0.5, 0.75}
	for i, w := range want {
		out, err := a.Reconstruct(ctx, uniform(i+1, 2, 2, 1))
		if err != nil {
			t.Fatalf("frame %d: %v", i+1, err)
		}
		if got := out.Data.At(1, 0); got != w {
			t.Errorf("frame %d recon = %v, want %v", i+1, got, w)
		}
	}
	if a.State().Seen != 3 {
		t.Errorf("Seen = %d, want 3", a.State().Seen)
	}
	// The trained model is untouched.
	if bg.Mean.At(0, 0) != 0 {
		t.Error("adaptive run modified the trained mean")
	}

	if _, err := a.Reconstruct(ctx, uniform(2, 2, 2, 1)); !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("replayed frame error = %v, want ErrOutOfOrder", err)
	}
	if _, err := a.Reconstruct(ctx, uniform(9, 3, 3, 1)); !errors.Is(err, ErrShape) {
		t.Errorf("shape mismatch error = %v, want ErrShape", err)
	}
}

type pipe struct{ *bytes.Buffer }

func (pipe) Close() error { return nil }

// replying returns a worker that answers one request with grid.
func replying(grid *mat.Dense) *worker.ModelWorker {
	body := append([]byte{0}, worker.EncodeGrid(grid)...)
	out := pipe{new(bytes.Buffer)}
	binary.Write(out, binary.BigEndian, uint32(len(body)))
	out.Write(body)
	return &worker.ModelWorker{Stdin: pipe{new(bytes.Buffer)}, DataPipe: out}
}

func TestRemote_ClampsReconstruction(t *testing.T) {
	r := NewRemote(replying(mat.NewDense(1, 3, []float64{-0.5, 0.5, 3})), "ae.py")
	defer r.Close()
	if r.Name() != "python:ae.py" {
		t.Errorf("Name() = %q", r.Name())
	}

	out, err := r.Reconstruct(context.Background(), uniform(4, 1, 3, 0))
	if err != nil {
		t.Fatalf("Reconstruct failed: %v", err)
	}
	want := mat.NewDense(1, 3, []float64{0, 0.5, 1})
	if !mat.Equal(out.Data, want) {
		t.Errorf("recon = %v, want %v", mat.Formatted(out.Data), mat.Formatted(want))
	}
	if out.Index != 4 {
		t.Errorf("Index = %d, want 4", out.Index)
	}
}

func TestRemote_Rejects(t *testing.T) {
	r := NewRemote(replying(mat.NewDense(1, 2, []float64{math.NaN(), 0})), "ae.py")
	if _, err := r.Reconstruct(context.Background(), uniform(0, 1, 2, 0)); !errors.Is(err, ErrBadPixel) {
		t.Errorf("NaN reconstruction error = %v, want ErrBadPixel", err)
	}

	r = NewRemote(replying(mat.NewDense(2, 2, nil)), "ae.py")
	if _, err := r.Reconstruct(context.Background(), uniform(0, 1, 2, 0)); !errors.Is(err, ErrShape) {
		t.Errorf("wrong shape error = %v, want ErrShape", err)
	}
}
