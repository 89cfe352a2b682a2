package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/andresmejia3/anomalywatch/internal/logging"
	"github.com/andresmejia3/anomalywatch/internal/utils" // Using the SafeCommand wrapper
	"gonum.org/v1/gonum/mat"
)

const (
	statusOK    = 0
	statusError = 1

	// maxMessage bounds a single response so a corrupt header cannot trigger a huge allocation.
	maxMessage = 256 << 20
)

// ErrTimeout is returned when the model does not answer within ReadTimeout.
var ErrTimeout = errors.New("model worker timed out")

// Config describes how to launch an external autoencoder process.
type Config struct {
	// Interpreter defaults to python3.
	Interpreter string
	Script      string
	Args        []string
	// ReadTimeout bounds one reconstruction. Zero disables the limit.
	ReadTimeout time.Duration
}

// ModelWorker drives one external model process. Requests go to stdin,
// responses come back on a dedicated pipe (FD 3 in the child) so the model's
// own stdout chatter cannot corrupt the stream.
//
// A ModelWorker is not safe for concurrent use; the scan pool gives each
// engine its own worker.
type ModelWorker struct {
	ID          int
	Cmd         *utils.SafeCommand
	Stdin       io.WriteCloser
	DataPipe    io.ReadCloser
	ReadTimeout time.Duration
}

// NewModelWorker starts the model process. The process is killed when ctx is cancelled.
func NewModelWorker(ctx context.Context, id int, cfg Config) (*ModelWorker, error) {
	interp := cfg.Interpreter
	if interp == "" {
		interp = "python3"
	}
	args := append([]string{"-u", cfg.Script}, cfg.Args...)
	proc := utils.NewSafeCommand(ctx, interp, args...)

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Child sees the write end as FD 3.
	proc.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := proc.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := proc.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Only the child may hold the write end, otherwise EOF never arrives.
	w.Close()

	logging.With("worker").Debug().Int("worker", id).Str("script", cfg.Script).Msg("model worker started")
	return &ModelWorker{
		ID:          id,
		Cmd:         proc,
		Stdin:       stdin,
		DataPipe:    r,
		ReadTimeout: cfg.ReadTimeout,
	}, nil
}

// Communicate sends one length-prefixed request and reads one length-prefixed response.
func (w *ModelWorker) Communicate(data []byte) ([]byte, error) {
	if w.ReadTimeout <= 0 {
		return w.roundTrip(data)
	}

	type reply struct {
		body []byte
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		body, err := w.roundTrip(data)
		done <- reply{body, err}
	}()

	timer := time.NewTimer(w.ReadTimeout)
	defer timer.Stop()
	select {
	case r := <-done:
		return r.body, r.err
	case <-timer.C:
		// Unblock the reader; the worker is unusable afterwards.
		w.DataPipe.Close()
		if w.Cmd != nil && w.Cmd.Process != nil {
			w.Cmd.Process.Kill()
		}
		return nil, fmt.Errorf("worker %d: %w after %s", w.ID, ErrTimeout, w.ReadTimeout)
	}
}

func (w *ModelWorker) roundTrip(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // a crashed model (e.g. ImportError) surfaces here as EOF
	}
	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxMessage {
		return nil, fmt.Errorf("response too large: %d bytes", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// Reconstruct sends a grid to the model and decodes the reconstructed grid.
func (w *ModelWorker) Reconstruct(grid *mat.Dense) (*mat.Dense, error) {
	resp, err := w.Communicate(EncodeGrid(grid))
	if err != nil {
		return nil, err
	}
	return DecodeResponse(resp)
}

// EncodeGrid serialises a grid as [rows u32][cols u32][rows*cols float32], big endian.
func EncodeGrid(grid mat.Matrix) []byte {
	r, c := grid.Dims()
	buf := make([]byte, 8+4*r*c)
	binary.BigEndian.PutUint32(buf[0:], uint32(r))
	binary.BigEndian.PutUint32(buf[4:], uint32(c))
	off := 8
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			binary.BigEndian.PutUint32(buf[off:], math.Float32bits(float32(grid.At(i, j))))
			off += 4
		}
	}
	return buf
}

// DecodeGrid is the inverse of EncodeGrid.
func DecodeGrid(b []byte) (*mat.Dense, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("grid header truncated: %d bytes", len(b))
	}
	r := int(binary.BigEndian.Uint32(b[0:]))
	c := int(binary.BigEndian.Uint32(b[4:]))
	if r == 0 || c == 0 {
		return nil, fmt.Errorf("empty grid %dx%d", r, c)
	}
	if len(b)-8 != 4*r*c {
		return nil, fmt.Errorf("grid %dx%d needs %d bytes, got %d", r, c, 4*r*c, len(b)-8)
	}
	data := make([]float64, r*c)
	for i := range data {
		data[i] = float64(math.Float32frombits(binary.BigEndian.Uint32(b[8+4*i:])))
	}
	return mat.NewDense(r, c, data), nil
}

// DecodeResponse interprets a model reply: [status u8] then a grid on
// success or [len u32][message] on failure.
func DecodeResponse(resp []byte) (*mat.Dense, error) {
	if len(resp) == 0 {
		return nil, errors.New("empty response from model worker")
	}
	switch resp[0] {
	case statusOK:
		return DecodeGrid(resp[1:])
	case statusError:
		rd := bytes.NewReader(resp[1:])
		var n uint32
		if err := binary.Read(rd, binary.BigEndian, &n); err != nil {
			return nil, fmt.Errorf("model worker error: unreadable message: %w", err)
		}
		msg := make([]byte, n)
		if _, err := io.ReadFull(rd, msg); err != nil {
			return nil, fmt.Errorf("model worker error: truncated message: %w", err)
		}
		return nil, fmt.Errorf("model worker error: %s", msg)
	default:
		return nil, fmt.Errorf("unknown model worker status %d", resp[0])
	}
}

// Close shuts the pipes and waits for the process to exit.
func (w *ModelWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	err := w.Cmd.Wait()
	logging.With("worker").Debug().Int("worker", w.ID).Err(err).Msg("model worker exited")
	return err
}
