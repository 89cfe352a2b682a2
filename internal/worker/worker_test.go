package worker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"gonum.org/v1/gonum/mat"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

func frameReply(payload []byte) *MockCloser {
	pipe := &MockCloser{Buffer: new(bytes.Buffer)}
	binary.Write(pipe, binary.BigEndian, uint32(len(payload)))
	pipe.Write(payload)
	return pipe
}

func TestReconstruct(t *testing.T) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}

	// The fake model answers with a 2x2 grid.
	want := mat.NewDense(2, 2, []float64{0.25, 0.5, 0.75, 1})
	payload := append([]byte{statusOK}, EncodeGrid(want)...)

	w := &ModelWorker{
		ID:       1,
		Stdin:    stdinMock,
		DataPipe: frameReply(payload),
		// Cmd is nil because we aren't testing process management, just the protocol
	}

	input := mat.NewDense(2, 2, []float64{0, 0.1, 0.2, 0.3})
	got, err := w.Reconstruct(input)
	if err != nil {
		t.Fatalf("Reconstruct failed: %v", err)
	}
	if !mat.EqualApprox(got, want, 1e-7) {
		t.Errorf("Reconstruct() = %v, want %v", mat.Formatted(got), mat.Formatted(want))
	}

	// Go must have sent [len][rows][cols][4 float32].
	sent := stdinMock.Bytes()
	if len(sent) != 4+8+16 {
		t.Fatalf("Expected %d bytes sent, got %d", 4+8+16, len(sent))
	}
	if n := binary.BigEndian.Uint32(sent); n != 24 {
		t.Errorf("Length prefix = %d, want 24", n)
	}
	echo, err := DecodeGrid(sent[4:])
	if err != nil {
		t.Fatalf("sent grid undecodable: %v", err)
	}
	if !mat.EqualApprox(echo, input, 1e-7) {
		t.Errorf("Sent grid = %v, want %v", mat.Formatted(echo), mat.Formatted(input))
	}
}

func TestReconstruct_Error(t *testing.T) {
	errMsg := "Python Exception: Import Error"
	payload := new(bytes.Buffer)
	payload.WriteByte(statusError)
	binary.Write(payload, binary.BigEndian, uint32(len(errMsg)))
	payload.WriteString(errMsg)

	w := &ModelWorker{
		ID:       1,
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: frameReply(payload.Bytes()),
	}

	_, err := w.Reconstruct(mat.NewDense(1, 1, nil))
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "model worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "model worker error: "+errMsg, err)
	}
}

func TestReconstruct_CrashedWorker(t *testing.T) {
	w := &ModelWorker{
		ID:       2,
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: &MockCloser{Buffer: new(bytes.Buffer)}, // nothing to read: EOF
	}
	_, err := w.Reconstruct(mat.NewDense(1, 1, nil))
	if !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF, got %v", err)
	}
}

// blockingPipe never returns data until closed.
type blockingPipe struct {
	closed chan struct{}
}

func (b *blockingPipe) Read(p []byte) (int, error) {
	<-b.closed
	return 0, io.ErrClosedPipe
}

func (b *blockingPipe) Close() error {
	select {
	case <-b.closed:
	default:
		close(b.closed)
	}
	return nil
}

func TestCommunicate_Timeout(t *testing.T) {
	w := &ModelWorker{
		ID:          3,
		Stdin:       &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe:    &blockingPipe{closed: make(chan struct{})},
		ReadTimeout: 20 * time.Millisecond,
	}
	_, err := w.Communicate([]byte("frame"))
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Expected ErrTimeout, got %v", err)
	}
}

func TestDecodeGrid_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"short header", []byte{0, 0, 0}},
		{"empty grid", make([]byte, 8)},
		{"truncated body", append([]byte{0, 0, 0, 1, 0, 0, 0, 2}, 0, 0, 0, 0)},
	}
	for _, tt := range tests {
		if _, err := DecodeGrid(tt.data); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestDecodeResponse_UnknownStatus(t *testing.T) {
	if _, err := DecodeResponse([]byte{7}); err == nil {
		t.Error("Expected error for unknown status")
	}
	if _, err := DecodeResponse(nil); err == nil {
		t.Error("Expected error for empty response")
	}
}
