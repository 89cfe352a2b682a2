// Package tracker merges per-frame anomaly flags into time intervals.
//
// Frames must be observed in increasing index order. A gap of more than the
// grace period between anomalous frames closes the current interval, and
// intervals shorter than the blip duration are discarded. Consecutive
// sampled frames always merge, however coarse the sampling stride.
package tracker

import (
	"time"

	"github.com/andresmejia3/anomalywatch/internal/types"
)

// Config controls interval merging.
type Config struct {
	FPS          float64
	GracePeriod  time.Duration
	BlipDuration time.Duration
	// Stride is the index step between observed frames (scan --nth-frame).
	Stride int
}

// Tracker holds at most one open interval.
type Tracker struct {
	fps    float64
	maxGap int
	blip   float64
	active *types.Interval
}

// New returns a tracker. A non-positive FPS is treated as 1 so frame indices
// double as seconds.
func New(cfg Config) *Tracker {
	fps := cfg.FPS
	if fps <= 0 {
		fps = 1
	}
	maxGap := int(cfg.GracePeriod.Seconds() * fps)
	maxGap = max(maxGap, cfg.Stride, 1)
	return &Tracker{fps: fps, maxGap: maxGap, blip: cfg.BlipDuration.Seconds()}
}

// MaxGapFrames is the largest index gap that still extends an interval.
func (t *Tracker) MaxGapFrames() int { return t.maxGap }

// Observe feeds one scored frame. It returns an interval when one closes and
// survives the blip filter.
func (t *Tracker) Observe(index int, anomalous bool, heat float64) (types.Interval, bool) {
	var (
		closed types.Interval
		ok     bool
	)
	if t.active != nil && index-t.active.EndFrame > t.maxGap {
		closed, ok = t.close()
	}
	if !anomalous {
		return closed, ok
	}
	if t.active == nil {
		t.active = &types.Interval{
			StartFrame: index,
			EndFrame:   index,
			PeakHeat:   heat,
			PeakFrame:  index,
		}
	}
	t.active.EndFrame = index
	t.active.Frames++
	if heat > t.active.PeakHeat {
		t.active.PeakHeat = heat
		t.active.PeakFrame = index
	}
	return closed, ok
}

// Flush closes the open interval, if any, at end of stream.
func (t *Tracker) Flush() (types.Interval, bool) {
	if t.active == nil {
		return types.Interval{}, false
	}
	return t.close()
}

func (t *Tracker) close() (types.Interval, bool) {
	iv := *t.active
	t.active = nil
	iv.Start = float64(iv.StartFrame) / t.fps
	iv.End = float64(iv.EndFrame) / t.fps
	if iv.Duration() < t.blip {
		return types.Interval{}, false
	}
	return iv, true
}
