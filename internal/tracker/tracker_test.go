package tracker

import (
	"testing"
	"time"

	"github.com/andresmejia3/anomalywatch/internal/types"
)

type obs struct {
	index     int
	anomalous bool
	heat      float64
}

func run(tr *Tracker, frames []obs) []types.Interval {
	var out []types.Interval
	for _, f := range frames {
		if iv, ok := tr.Observe(f.index, f.anomalous, f.heat); ok {
			out = append(out, iv)
		}
	}
	if iv, ok := tr.Flush(); ok {
		out = append(out, iv)
	}
	return out
}

func TestTracker(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		frames []obs
		want   []types.Interval
	}{
		{
			name:   "no anomalies",
			cfg:    Config{FPS: 10, GracePeriod: time.Second},
			frames: []obs{{1, false, 0}, {2, false, 0}},
			want:   nil,
		},
		{
			name: "gap inside grace period merges",
			cfg:  Config{FPS: 10, GracePeriod: 500 * time.Millisecond},
			frames: []obs{
				{10, true, 1100}, {11, true, 1500}, {12, false, 0},
				{14, false, 0}, {15, true, 1200}, {30, false, 0},
			},
			want: []types.Interval{
				{StartFrame: 10, EndFrame: 15, Start: 1, End: 1.5, Frames: 3, PeakHeat: 1500, PeakFrame: 11},
			},
		},
		{
			name: "gap beyond grace period splits",
			cfg:  Config{FPS: 10, GracePeriod: 200 * time.Millisecond},
			frames: []obs{
				{10, true, 1100}, {11, true, 1100}, {20, true, 2000}, {22, true, 1300},
			},
			want: []types.Interval{
				{StartFrame: 10, EndFrame: 11, Start: 1, End: 1.1, Frames: 2, PeakHeat: 1100, PeakFrame: 10},
				{StartFrame: 20, EndFrame: 22, Start: 2, End: 2.2, Frames: 2, PeakHeat: 2000, PeakFrame: 20},
			},
		},
		{
			name: "blips are dropped",
			cfg:  Config{FPS: 10, GracePeriod: 500 * time.Millisecond, BlipDuration: 300 * time.Millisecond},
			frames: []obs{
				{5, true, 1100}, {6, true, 1100}, {20, false, 0},
				{30, true, 1100}, {34, true, 1100},
			},
			want: []types.Interval{
				{StartFrame: 30, EndFrame: 34, Start: 3, End: 3.4, Frames: 2, PeakHeat: 1100, PeakFrame: 30},
			},
		},
		{
			name: "stride wider than grace period still merges",
			cfg:  Config{FPS: 30, GracePeriod: time.Second, BlipDuration: 200 * time.Millisecond, Stride: 60},
			frames: []obs{
				{60, true, 2000}, {120, true, 2000}, {180, true, 2500}, {240, true, 2000}, {300, true, 2000},
			},
			want: []types.Interval{
				{StartFrame: 60, EndFrame: 300, Start: 2, End: 10, Frames: 5, PeakHeat: 2500, PeakFrame: 180},
			},
		},
		{
			name: "stride gap with a quiet sample splits",
			cfg:  Config{FPS: 30, GracePeriod: time.Second, Stride: 60},
			frames: []obs{
				{60, true, 2000}, {120, false, 0}, {180, false, 0}, {240, true, 1500},
			},
			want: []types.Interval{
				{StartFrame: 60, EndFrame: 60, Start: 2, End: 2, Frames: 1, PeakHeat: 2000, PeakFrame: 60},
				{StartFrame: 240, EndFrame: 240, Start: 8, End: 8, Frames: 1, PeakHeat: 1500, PeakFrame: 240},
			},
		},
		{
			name:   "zero fps counts frames as seconds",
			cfg:    Config{},
			frames: []obs{{3, true, 1500}},
			want:   []types.Interval{{StartFrame: 3, EndFrame: 3, Start: 3, End: 3, Frames: 1, PeakHeat: 1500, PeakFrame: 3}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := run(New(tt.cfg), tt.frames)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d intervals %+v, want %d", len(got), got, len(tt.want))
			}
			for i := range got {
				if !approxEqual(got[i], tt.want[i]) {
					t.Errorf("interval %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestMaxGapFrames(t *testing.T) {
	if g := New(Config{FPS: 30, GracePeriod: 2 * time.Second}).MaxGapFrames(); g != 60 {
		t.Errorf("MaxGapFrames() = %d, want 60", g)
	}
	if g := New(Config{FPS: 30}).MaxGapFrames(); g != 1 {
		t.Errorf("MaxGapFrames() with no grace = %d, want 1", g)
	}
	if g := New(Config{FPS: 30, GracePeriod: time.Second, Stride: 90}).MaxGapFrames(); g != 90 {
		t.Errorf("MaxGapFrames() with stride 90 = %d, want 90", g)
	}
}

func approxEqual(a, b types.Interval) bool {
	const eps = 1e-9
	near := func(x, y float64) bool { return x-y < eps && y-x < eps }
	return a.StartFrame == b.StartFrame && a.EndFrame == b.EndFrame &&
		a.Frames == b.Frames && a.PeakFrame == b.PeakFrame &&
		near(a.Start, b.Start) && near(a.End, b.End) && near(a.PeakHeat, b.PeakHeat)
}
