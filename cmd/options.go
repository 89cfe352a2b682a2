package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/andresmejia3/anomalywatch/internal/config"
	"github.com/andresmejia3/anomalywatch/internal/logging"
	"github.com/spf13/cobra"
)

// Options holds shared configuration for the scan and score commands
type Options struct {
	InputPath     string
	ModelSpec     string
	NthFrame      int
	NumEngines    int
	Threshold     float64
	KernelSize    int
	Width         int
	Height        int
	GracePeriod   string
	BlipDuration  string
	WorkerTimeout string
	BatchSize     int
	Render        bool
	RenderDir     string
	RenderLimit   int
	Adaptive      bool
}

// applyConfig fills every option whose flag was not set explicitly from cfg.
func applyConfig(cmd *cobra.Command, opts *Options, cfg *config.Config) {
	override(cmd, "nth-frame", &opts.NthFrame, cfg.Scan.NthFrame)
	override(cmd, "engines", &opts.NumEngines, cfg.Scan.Engines)
	override(cmd, "threshold", &opts.Threshold, cfg.Scorer.Threshold)
	override(cmd, "kernel", &opts.KernelSize, cfg.Scorer.KernelSize)
	override(cmd, "width", &opts.Width, cfg.Frame.Width)
	override(cmd, "height", &opts.Height, cfg.Frame.Height)
	override(cmd, "grace-period", &opts.GracePeriod, cfg.Scan.GracePeriod.String())
	override(cmd, "blip-duration", &opts.BlipDuration, cfg.Scan.BlipDuration.String())
	override(cmd, "worker-timeout", &opts.WorkerTimeout, cfg.Scan.WorkerTimeout.String())
	override(cmd, "batch-size", &opts.BatchSize, cfg.Scan.BatchSize)
	override(cmd, "render", &opts.Render, cfg.Render.Enabled)
	override(cmd, "render-dir", &opts.RenderDir, cfg.Render.Dir)
	override(cmd, "render-limit", &opts.RenderLimit, cfg.Render.Limit)
	override(cmd, "adaptive", &opts.Adaptive, cfg.Scan.Adaptive)
}

func override[T any](cmd *cobra.Command, flag string, dst *T, v T) {
	if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
		return
	}
	*dst = v
}

// validateScanFlags ensures all CLI arguments are valid before starting heavy processes.
func validateScanFlags(opts *Options) error {
	info, err := os.Stat(opts.InputPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("input file does not exist: %w", err)
		}
		return fmt.Errorf("unable to access input file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("input path %s is a directory, expected a video file", opts.InputPath)
	}
	if opts.ModelSpec == "" {
		return fmt.Errorf("a model is required (--model background:<file> or python:<script>)")
	}
	if opts.NthFrame < 1 {
		return fmt.Errorf("invalid nth-frame interval: must be >= 1, got %d", opts.NthFrame)
	}
	if opts.NumEngines < 1 {
		opts.NumEngines = 1
	}
	// The running background only makes sense over frames in order.
	if opts.Adaptive && opts.NumEngines > 1 {
		logging.Warn().Int("engines", opts.NumEngines).Msg("adaptive scoring runs on a single engine")
		opts.NumEngines = 1
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	if opts.Threshold < 0 {
		return fmt.Errorf("invalid threshold: must be >= 0, got %v", opts.Threshold)
	}
	if opts.KernelSize < 1 {
		return fmt.Errorf("invalid kernel size: must be >= 1, got %d", opts.KernelSize)
	}
	for name, v := range map[string]string{
		"grace-period":   opts.GracePeriod,
		"blip-duration":  opts.BlipDuration,
		"worker-timeout": opts.WorkerTimeout,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s format (use '2s', '500ms'): %w", name, err)
		}
	}
	return nil
}

// mustDuration parses a duration already checked by validateScanFlags.
func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
