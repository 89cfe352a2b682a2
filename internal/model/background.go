package model

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/andresmejia3/anomalywatch/internal/frame"
	"gonum.org/v1/gonum/mat"
)

const (
	paramsMagic   = "AWBG"
	paramsVersion = 1

	// DefaultAlpha is the adaptation rate used by Step.
	DefaultAlpha = 0.05
)

// Background reconstructs every frame as the mean of its training frames.
// Normal scenes reconstruct well; anything that was not in the training set
// (a cyclist on a pedestrian walkway) leaves a cluster of error.
//
// Step adds a temporal variant whose state is the running background; the
// caller owns the state and threads it through successive frames.
type Background struct {
	Mean   *mat.Dense
	Alpha  float64
	Frames int
}

// State is the temporal model's memory between frames.
type State struct {
	Mean *mat.Dense
	Seen int
}

func (b *Background) Name() string { return "background" }

func (b *Background) Close() error { return nil }

func (b *Background) check(f *frame.Frame) error {
	if b.Mean == nil {
		return ErrNotFitted
	}
	fr, fc := f.Dims()
	mr, mc := b.Mean.Dims()
	if fr != mr || fc != mc {
		return fmt.Errorf("%w: frame %dx%d, model %dx%d", ErrShape, fr, fc, mr, mc)
	}
	return nil
}

// Reconstruct returns the learned background for f's shape. It does not
// adapt; use Step for that.
func (b *Background) Reconstruct(ctx context.Context, f *frame.Frame) (*frame.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := b.check(f); err != nil {
		return nil, err
	}
	return frame.New(f.Index, mat.DenseCopyOf(b.Mean)), nil
}

// InitialState seeds the temporal variant with the learned background.
func (b *Background) InitialState() State {
	if b.Mean == nil {
		return State{}
	}
	return State{Mean: mat.DenseCopyOf(b.Mean)}
}

// Step reconstructs f from the current state and returns the next state,
// which blends f into the running background with weight Alpha. s is not
// modified.
func (b *Background) Step(f *frame.Frame, s State) (*frame.Frame, State, error) {
	if err := b.check(f); err != nil {
		return nil, s, err
	}
	if s.Mean == nil {
		s = b.InitialState()
	}
	recon := frame.New(f.Index, mat.DenseCopyOf(s.Mean))

	var next mat.Dense
	next.Scale(1-b.Alpha, s.Mean)
	var in mat.Dense
	in.Scale(b.Alpha, f.Data)
	next.Add(&next, &in)
	return recon, State{Mean: &next, Seen: s.Seen + 1}, nil
}

// Adaptive runs a Background in temporal mode. Each Reconstruct returns the
// running background and then blends the frame into it, so frames must arrive
// in increasing index order.
type Adaptive struct {
	bg    *Background
	state State
	last  int
}

// NewAdaptive seeds the running background with bg's mean.
func NewAdaptive(bg *Background) *Adaptive {
	return &Adaptive{bg: bg, state: bg.InitialState()}
}

func (a *Adaptive) Name() string { return "background (adaptive)" }

func (a *Adaptive) Close() error { return nil }

// State returns the current running background.
func (a *Adaptive) State() State { return a.state }

func (a *Adaptive) Reconstruct(ctx context.Context, f *frame.Frame) (*frame.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if a.state.Seen > 0 && f.Index <= a.last {
		return nil, fmt.Errorf("%w: frame %d after %d", ErrOutOfOrder, f.Index, a.last)
	}
	recon, next, err := a.bg.Step(f, a.state)
	if err != nil {
		return nil, err
	}
	a.state = next
	a.last = f.Index
	return recon, nil
}

// Trainer accumulates training frames one at a time.
type Trainer struct {
	sum *mat.Dense
	n   int
}

// Add folds f into the running sum.
func (t *Trainer) Add(f *frame.Frame) error {
	if t.sum == nil {
		t.sum = mat.DenseCopyOf(f.Data)
		t.n = 1
		return nil
	}
	fr, fc := f.Dims()
	sr, sc := t.sum.Dims()
	if fr != sr || fc != sc {
		return fmt.Errorf("%w: frame %d is %dx%d, expected %dx%d", ErrShape, f.Index, fr, fc, sr, sc)
	}
	t.sum.Add(t.sum, f.Data)
	t.n++
	return nil
}

// Count reports how many frames were added.
func (t *Trainer) Count() int { return t.n }

// Model returns the fitted background.
func (t *Trainer) Model(alpha float64) (*Background, error) {
	if t.n == 0 {
		return nil, ErrNotFitted
	}
	if alpha < 0 || alpha > 1 || math.IsNaN(alpha) {
		return nil, fmt.Errorf("alpha must be in [0,1], got %v", alpha)
	}
	var mean mat.Dense
	mean.Scale(1/float64(t.n), t.sum)
	return &Background{Mean: &mean, Alpha: alpha, Frames: t.n}, nil
}

// Fit learns a background from frames.
func Fit(frames []*frame.Frame, alpha float64) (*Background, error) {
	var t Trainer
	for _, f := range frames {
		if err := t.Add(f); err != nil {
			return nil, err
		}
	}
	return t.Model(alpha)
}

// Save writes the parameters: magic, version, alpha, frame count, then the
// gonum binary encoding of the mean.
func (b *Background) Save(w io.Writer) error {
	if b.Mean == nil {
		return ErrNotFitted
	}
	if _, err := io.WriteString(w, paramsMagic); err != nil {
		return err
	}
	hdr := struct {
		Version uint8
		Alpha   float64
		Frames  uint32
	}{paramsVersion, b.Alpha, uint32(b.Frames)}
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return err
	}
	_, err := b.Mean.MarshalBinaryTo(w)
	return err
}

// Load reads parameters written by Save.
func Load(r io.Reader) (*Background, error) {
	magic := make([]byte, len(paramsMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("read model header: %w", err)
	}
	if string(magic) != paramsMagic {
		return nil, errors.New("not a background model file")
	}
	var hdr struct {
		Version uint8
		Alpha   float64
		Frames  uint32
	}
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("read model header: %w", err)
	}
	if hdr.Version != paramsVersion {
		return nil, fmt.Errorf("unsupported model version %d", hdr.Version)
	}
	var mean mat.Dense
	if _, err := mean.UnmarshalBinaryFrom(r); err != nil {
		return nil, fmt.Errorf("read model mean: %w", err)
	}
	return &Background{Mean: &mean, Alpha: hdr.Alpha, Frames: int(hdr.Frames)}, nil
}

// SaveFile writes the model to path.
func (b *Background) SaveFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := b.Save(w); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadFile reads a model from path.
func LoadFile(path string) (*Background, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	b, err := Load(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return b, nil
}
