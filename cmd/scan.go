package cmd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/andresmejia3/anomalywatch/internal/frame"
	"github.com/andresmejia3/anomalywatch/internal/logging"
	"github.com/andresmejia3/anomalywatch/internal/model"
	"github.com/andresmejia3/anomalywatch/internal/scorer"
	"github.com/andresmejia3/anomalywatch/internal/tracker"
	"github.com/andresmejia3/anomalywatch/internal/types"
	"github.com/andresmejia3/anomalywatch/internal/utils"
	"github.com/andresmejia3/anomalywatch/internal/visualize"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

const megabyte = 1024 * 1024

var scanOpts Options

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan a video for anomalous frames with parallel engines",
	RunE: func(cmd *cobra.Command, args []string) error {
		applyConfig(cmd, &scanOpts, Cfg)
		return runScan(cmd.Context(), scanOpts)
	},
}

func init() {
	scanCmd.Flags().StringVarP(&scanOpts.InputPath, "input", "i", "", "Path to video")
	scanCmd.Flags().StringVarP(&scanOpts.ModelSpec, "model", "m", "", "Reconstruction model: background:<file> or python:<script>")
	scanCmd.Flags().IntVarP(&scanOpts.NthFrame, "nth-frame", "n", 1, "Score every nth frame")
	scanCmd.Flags().IntVarP(&scanOpts.NumEngines, "engines", "e", 1, "Number of parallel engine workers (one model each)")
	scanCmd.Flags().Float64VarP(&scanOpts.Threshold, "threshold", "t", scorer.DefaultThreshold, "Heat threshold; a cell is anomalous when its neighbourhood error sum exceeds it")
	scanCmd.Flags().IntVarP(&scanOpts.KernelSize, "kernel", "k", scorer.DefaultKernelSize, "Side of the square summation window")
	scanCmd.Flags().IntVar(&scanOpts.Width, "width", 256, "Frame width fed to the model (0 keeps the source size)")
	scanCmd.Flags().IntVar(&scanOpts.Height, "height", 256, "Frame height fed to the model (0 keeps the source size)")
	scanCmd.Flags().StringVarP(&scanOpts.GracePeriod, "grace-period", "g", "1s", "Longest gap between anomalous frames that still belongs to one interval")
	scanCmd.Flags().StringVarP(&scanOpts.BlipDuration, "blip-duration", "b", "200ms", "Minimum duration of an interval to be recorded (filters blips)")
	scanCmd.Flags().StringVar(&scanOpts.WorkerTimeout, "worker-timeout", "30s", "Maximum time a model may take for one frame")
	scanCmd.Flags().IntVar(&scanOpts.BatchSize, "batch-size", 256, "Frame scores written per database round trip")
	scanCmd.Flags().BoolVarP(&scanOpts.Render, "render", "r", false, "Save a PNG panel for anomalous frames")
	scanCmd.Flags().StringVar(&scanOpts.RenderDir, "render-dir", "renders", "Directory for rendered panels")
	scanCmd.Flags().IntVar(&scanOpts.RenderLimit, "render-limit", 100, "Maximum number of panels rendered per run")
	scanCmd.Flags().BoolVar(&scanOpts.Adaptive, "adaptive", false, "Blend each frame into a running background (background models only, single engine)")

	scanCmd.MarkFlagRequired("input")
	scanCmd.MarkFlagRequired("model")
	rootCmd.AddCommand(scanCmd)
}

// Buffer pool to reduce GC pressure during scanning
var frameBufferPool = sync.Pool{
	New: func() interface{} { return make([]byte, 0, megabyte) },
}

// scanResult wraps the output from an engine to be sent to the aggregator
type scanResult struct {
	Index   int
	Summary scorer.Summary
	Panel   *visualize.Panel // set for anomalous frames when rendering
	Skipped bool             // frame could not be decoded
}

// runScan orchestrates the video scanning process: DB setup, engine pool, FFmpeg streaming, and progress tracking.
func runScan(ctx context.Context, opts Options) error {
	if err := validateScanFlags(&opts); err != nil {
		return err
	}
	if err := openDB(ctx); err != nil {
		return err
	}

	videoID, err := utils.GenerateVideoID(opts.InputPath)
	if err != nil {
		return fmt.Errorf("failed to generate video ID: %w", err)
	}
	if err := DB.EnsureVideo(ctx, videoID, opts.InputPath); err != nil {
		return fmt.Errorf("failed to register video: %w", err)
	}
	fps, err := utils.GetVideoFPS(ctx, opts.InputPath)
	if err != nil {
		return fmt.Errorf("failed to determine video FPS: %w", err)
	}

	sc, err := scorer.New(scorer.WithKernelSize(opts.KernelSize))
	if err != nil {
		return err
	}

	// Models are started up front so a broken script fails before any frame is read.
	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	models := make([]model.Model, 0, opts.NumEngines)
	defer func() {
		for _, m := range models {
			m.Close()
		}
	}()
	for i := 0; i < opts.NumEngines; i++ {
		m, err := model.Open(scanCtx, opts.ModelSpec, model.OpenOptions{
			WorkerID:    i,
			ReadTimeout: mustDuration(opts.WorkerTimeout),
			Adaptive:    opts.Adaptive,
		})
		if err != nil {
			return fmt.Errorf("engine %d: failed to load model: %w", i, err)
		}
		models = append(models, m)
	}

	runID, err := DB.CreateRun(ctx, videoID, models[0].Name(), opts.Threshold, opts.KernelSize)
	if err != nil {
		return fmt.Errorf("failed to create scan run: %w", err)
	}
	if opts.Render {
		opts.RenderDir = filepath.Join(opts.RenderDir, runID.String())
		if err := os.MkdirAll(opts.RenderDir, 0o755); err != nil {
			return fmt.Errorf("failed to create render dir: %w", err)
		}
	}

	fmt.Fprintf(os.Stderr, "📼 Processing Video ID: %s (run %s)\n", videoID[:12], runID)
	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d Engines with %s...\n", opts.NumEngines, models[0].Name())

	totalVideoFrames := utils.GetTotalFrames(ctx, opts.InputPath)
	if totalVideoFrames <= 0 {
		// Fallback to a spinner or unknown total if ffprobe fails
		totalVideoFrames = -1
	}
	bar := progressbar.NewOptions(totalVideoFrames,
		progressbar.OptionSetDescription("🔍 Scanning"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)

	taskChan := make(chan types.FrameTask, opts.NumEngines)
	resultsChan := make(chan scanResult, opts.NumEngines*2)

	var (
		failOnce sync.Once
		failErr  error
		failCmd  *utils.SafeCommand
	)
	fail := func(err error, proc *utils.SafeCommand) {
		failOnce.Do(func() {
			failErr = err
			failCmd = proc
			cancel()
		})
	}

	// Start Aggregator (Consumer)
	// Must run concurrently to prevent deadlock on resultsChan.
	// Writes outlive Ctrl+C so a cancelled scan keeps what it scored.
	var stats scanStats
	aggDone := make(chan struct{})
	go func() {
		defer close(aggDone)
		var err error
		stats, err = processResults(context.WithoutCancel(ctx), resultsChan, DB, runID, fps, opts)
		if err != nil {
			fail(err, nil)
		}
	}()

	// Spawn the Engine Pool
	var wg sync.WaitGroup
	for i, m := range models {
		wg.Add(1)
		go func(id int, m model.Model) {
			defer wg.Done()
			err := startEngine(scanCtx, id, m, sc, opts, taskChan, resultsChan)
			if err != nil && scanCtx.Err() == nil {
				var proc *utils.SafeCommand
				if r, ok := m.(*model.Remote); ok {
					// DRAIN: wait for the process so its final stderr is captured
					r.Close()
					proc = r.Worker().Cmd
				}
				fail(err, proc)
			}
		}(i, m)
	}

	// Start FFmpeg
	ffmpeg := utils.NewFFmpegCmd(scanCtx, opts.InputPath)
	var stderrBuf bytes.Buffer
	ffmpeg.Stderr = &stderrBuf

	ffmpegOut, err := ffmpeg.StdoutPipe()
	if err != nil {
		cancel()
		close(taskChan)
		wg.Wait()
		close(resultsChan)
		<-aggDone
		return fmt.Errorf("failed to create FFmpeg stdout pipe: %w", err)
	}
	defer ffmpegOut.Close() // Ensure pipe is closed to prevent leaks/zombies

	sentFrames, totalFrames, readErr := feedFrames(scanCtx, ffmpeg, ffmpegOut, opts.NthFrame, taskChan, bar)

	close(taskChan)
	wg.Wait()
	close(resultsChan)

	// Wait for aggregator to finish processing
	<-aggDone
	bar.Finish()

	if failErr != nil {
		utils.ShowError("Scan aborted", failErr, failCmd)
		return failErr
	}
	if ctx.Err() != nil {
		fmt.Fprintf(os.Stderr, "\n🛑 Scan cancelled after %d frames; partial results kept in run %s\n", sentFrames, runID)
		return ctx.Err()
	}
	if readErr != nil {
		if stderrBuf.Len() > 0 {
			fmt.Fprintf(os.Stderr, "\nFFmpeg Logs:\n%s\n", stderrBuf.String())
		}
		return readErr
	}

	if err := DB.FinishRun(ctx, runID, totalFrames, stats.Scored); err != nil {
		return fmt.Errorf("failed to finish scan run: %w", err)
	}
	printScanSummary(runID, stats, sentFrames, totalFrames)
	return nil
}

// feedFrames streams MJPEG frames out of ffmpeg and dispatches every nth one.
func feedFrames(ctx context.Context, ffmpeg *exec.Cmd, out io.Reader, nth int, tasks chan<- types.FrameTask, bar *progressbar.ProgressBar) (sent, total int, err error) {
	if err := ffmpeg.Start(); err != nil {
		return 0, 0, fmt.Errorf("failed to start FFmpeg: %w", err)
	}

	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

loop:
	for scanner.Scan() {
		total++
		bar.Add(1) // Update progress bar for every frame read

		if total%nth != 0 {
			continue
		}
		// Get buffer from pool
		buf := frameBufferPool.Get().([]byte)
		if cap(buf) < len(scanner.Bytes()) {
			buf = make([]byte, len(scanner.Bytes()))
		}
		buf = buf[:len(scanner.Bytes())]
		copy(buf, scanner.Bytes())
		select {
		case tasks <- types.FrameTask{Index: total, Data: buf}:
			sent++
		case <-ctx.Done():
			break loop
		}
	}

	// Check for scanner errors (e.g. token too long, unexpected EOF)
	scanErr := scanner.Err()
	waitErr := ffmpeg.Wait()
	if ctx.Err() != nil {
		return sent, total, nil
	}
	if scanErr != nil {
		return sent, total, fmt.Errorf("frame scanner failed: %w", scanErr)
	}
	if waitErr != nil {
		return sent, total, fmt.Errorf("FFmpeg execution failed: %w", waitErr)
	}
	return sent, total, nil
}

// startEngine decodes, reconstructs and scores frames until tasks is closed.
func startEngine(ctx context.Context, id int, m model.Model, sc *scorer.Scorer, opts Options, tasks <-chan types.FrameTask, results chan<- scanResult) error {
	log := logging.With("engine")
	for task := range tasks {
		if ctx.Err() != nil {
			// Keep draining so the producer never blocks.
			frameBufferPool.Put(task.Data[:0])
			continue
		}

		f, err := frame.Decode(bytes.NewReader(task.Data), opts.Width, opts.Height)
		// Return buffer to pool once decoded
		frameBufferPool.Put(task.Data[:0])
		if err != nil {
			log.Warn().Int("engine", id).Int("frame", task.Index).Err(err).Msg("undecodable frame skipped")
			results <- scanResult{Index: task.Index, Skipped: true}
			continue
		}
		f.Index = task.Index

		recon, err := m.Reconstruct(ctx, f)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				continue
			}
			return fmt.Errorf("engine %d: %w", id, err)
		}
		res, err := sc.Score(f.Scaled(), recon.Scaled(), opts.Threshold)
		if err != nil {
			return fmt.Errorf("engine %d: frame %d: %w", id, task.Index, err)
		}

		out := scanResult{Index: task.Index, Summary: res.Summary()}
		if opts.Render && out.Summary.Anomalous {
			out.Panel = &visualize.Panel{Index: task.Index, Frame: f.Data, Recon: recon.Data, Result: res, Threshold: opts.Threshold}
		}
		log.Debug().Int("engine", id).Int("frame", task.Index).Float64("max_heat", out.Summary.MaxHeat).Msg("frame scored")
		results <- out
	}
	return nil
}

// --- Aggregation ---

// resultSink is the part of the store the aggregator writes to.
type resultSink interface {
	InsertFrameScores(ctx context.Context, runID uuid.UUID, scores []types.FrameScore) error
	InsertInterval(ctx context.Context, runID uuid.UUID, iv types.Interval) error
}

type scanStats struct {
	Scored    int
	Skipped   int
	Anomalous int
	Rendered  int
	PeakHeat  float64
	Intervals []types.Interval
}

func processResults(ctx context.Context, results <-chan scanResult, db resultSink, runID uuid.UUID, fps float64, opts Options) (scanStats, error) {
	// Buffer for re-ordering frames (Engine 2 might finish before Engine 1)
	buffer := make(map[int]scanResult)
	nextFrame := opts.NthFrame // Assuming first frame is nthFrame based on the feed loop

	tr := tracker.New(tracker.Config{
		FPS:          fps,
		GracePeriod:  mustDuration(opts.GracePeriod),
		BlipDuration: mustDuration(opts.BlipDuration),
		Stride:       opts.NthFrame,
	})
	logging.Debug().Int("max_gap_frames", tr.MaxGapFrames()).Msg("interval tracker ready")
	if fps <= 0 {
		fps = 1
	}

	var (
		stats   scanStats
		pending = make([]types.FrameScore, 0, opts.BatchSize)
		failed  error
	)
	flush := func() {
		if failed != nil || len(pending) == 0 {
			return
		}
		if err := db.InsertFrameScores(ctx, runID, pending); err != nil {
			failed = fmt.Errorf("failed to persist frame scores: %w", err)
		}
		pending = pending[:0]
	}
	persist := func(iv types.Interval) {
		if failed != nil {
			return
		}
		if err := db.InsertInterval(ctx, runID, iv); err != nil {
			failed = fmt.Errorf("failed to persist interval %s-%s: %w", utils.FmtTime(iv.Start), utils.FmtTime(iv.End), err)
			return
		}
		stats.Intervals = append(stats.Intervals, iv)
	}

	for res := range results {
		if failed != nil {
			continue // drain
		}
		buffer[res.Index] = res

		// Process frames in strict order
		for {
			r, ok := buffer[nextFrame]
			if !ok {
				break
			}
			delete(buffer, nextFrame)
			nextFrame += opts.NthFrame

			if r.Skipped {
				stats.Skipped++
				continue
			}
			stats.Scored++
			s := r.Summary
			stats.PeakHeat = max(stats.PeakHeat, s.MaxHeat)

			pending = append(pending, types.FrameScore{
				Index:          r.Index,
				Time:           float64(r.Index) / fps,
				MaxHeat:        s.MaxHeat,
				MeanDiff:       s.MeanDiff,
				AnomalousCells: s.AnomalousCells,
				Anomalous:      s.Anomalous,
			})
			if len(pending) >= opts.BatchSize {
				flush()
			}

			if iv, ok := tr.Observe(r.Index, s.Anomalous, s.MaxHeat); ok {
				persist(iv)
			}
			if !s.Anomalous {
				continue
			}
			stats.Anomalous++
			if r.Panel != nil && stats.Rendered < opts.RenderLimit {
				path := filepath.Join(opts.RenderDir, fmt.Sprintf("frame_%06d.png", r.Index))
				if err := visualize.Render(path, *r.Panel); err != nil {
					logging.Warn().Err(err).Int("frame", r.Index).Msg("render failed")
				} else {
					stats.Rendered++
				}
			}
		}
	}

	// Flush the open interval and remaining scores
	if iv, ok := tr.Flush(); ok {
		persist(iv)
	}
	flush()
	return stats, failed
}

func printScanSummary(runID uuid.UUID, stats scanStats, sent, total int) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "📊 SCAN SUMMARY (run %s)\n", runID)
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")

	for i, iv := range stats.Intervals {
		fmt.Fprintf(os.Stderr, "🚨 Anomaly %d: %s -> %s  (%d frames, peak heat %.0f at frame %d)\n",
			i+1, utils.FmtTime(iv.Start), utils.FmtTime(iv.End), iv.Frames, iv.PeakHeat, iv.PeakFrame)
	}
	if len(stats.Intervals) == 0 {
		fmt.Fprintf(os.Stderr, "✅ No anomalies found.\n")
	}

	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🎞️  Frames Scored:     %d of %d (%d read)\n", stats.Scored, sent, total)
	fmt.Fprintf(os.Stderr, "🔥 Anomalous Frames:  %d (peak heat %.0f)\n", stats.Anomalous, stats.PeakHeat)
	if stats.Skipped > 0 {
		fmt.Fprintf(os.Stderr, "⚠️  Undecodable Frames: %d\n", stats.Skipped)
	}
	if stats.Rendered > 0 {
		fmt.Fprintf(os.Stderr, "🖼️  Panels Rendered:   %d\n", stats.Rendered)
	}
	fmt.Fprintf(os.Stderr, "🏁 Scan Complete. Processed %d keyframes out of %d total.\n", sent, total)
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}
