package types

import (
	"time"

	"github.com/google/uuid"
)

// FrameTask represents a single frame sent to an engine for scoring
type FrameTask struct {
	Index int
	Data  []byte // JPEG bytes from the ffmpeg stream
}

// FrameScore is the per-frame record persisted for a scan run
type FrameScore struct {
	Index          int
	Time           float64 // seconds from video start
	MaxHeat        float64
	MeanDiff       float64
	AnomalousCells int
	Anomalous      bool
}

// Interval is a merged stretch of anomalous frames
type Interval struct {
	StartFrame int
	EndFrame   int
	Start      float64 // seconds
	End        float64 // seconds
	Frames     int     // anomalous frames inside the interval
	PeakHeat   float64
	PeakFrame  int
}

// Duration returns End - Start in seconds.
func (iv Interval) Duration() float64 { return iv.End - iv.Start }

// Run describes one scan of one video with one model
type Run struct {
	ID           uuid.UUID
	VideoID      string
	Path         string
	Model        string
	Threshold    float64
	KernelSize   int
	StartedAt    time.Time
	FinishedAt   *time.Time
	FramesTotal  int
	FramesScored int
	Intervals    int
}
