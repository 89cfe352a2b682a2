package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/anomalywatch/internal/frame"
	"github.com/andresmejia3/anomalywatch/internal/model"
	"github.com/andresmejia3/anomalywatch/internal/scorer"
	"github.com/andresmejia3/anomalywatch/internal/visualize"
	"github.com/spf13/cobra"
)

var (
	scoreOpts    Options
	scoreRecon   string
	scoreRender  string
	scoreHeatmap string
)

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score a frame, or a directory of frames, against a reconstruction or a model",
	RunE: func(cmd *cobra.Command, args []string) error {
		applyConfig(cmd, &scoreOpts, Cfg)
		if (scoreRecon == "") == (scoreOpts.ModelSpec == "") {
			return fmt.Errorf("exactly one of --recon or --model is required")
		}
		return runScore(cmd.Context(), os.Stdout, scoreOpts, scoreRecon, scoreRender, scoreHeatmap)
	},
}

func init() {
	scoreCmd.Flags().StringVarP(&scoreOpts.InputPath, "frame", "f", "", "Frame image, or a directory of frames scored in order")
	scoreCmd.Flags().StringVar(&scoreRecon, "recon", "", "Reconstruction image")
	scoreCmd.Flags().StringVarP(&scoreOpts.ModelSpec, "model", "m", "", "Reconstruction model: background:<file> or python:<script>")
	scoreCmd.Flags().Float64VarP(&scoreOpts.Threshold, "threshold", "t", scorer.DefaultThreshold, "Heat threshold")
	scoreCmd.Flags().IntVarP(&scoreOpts.KernelSize, "kernel", "k", scorer.DefaultKernelSize, "Side of the square summation window")
	scoreCmd.Flags().IntVar(&scoreOpts.Width, "width", 256, "Frame width (0 keeps the source size)")
	scoreCmd.Flags().IntVar(&scoreOpts.Height, "height", 256, "Frame height (0 keeps the source size)")
	scoreCmd.Flags().StringVar(&scoreOpts.WorkerTimeout, "worker-timeout", "30s", "Maximum time a model may take for the frame")
	scoreCmd.Flags().StringVar(&scoreRender, "render", "", "Write a PNG panel to this path")
	scoreCmd.Flags().StringVar(&scoreHeatmap, "save-mask", "", "Write the anomaly mask as a PNG to this path")
	scoreCmd.Flags().BoolVar(&scoreOpts.Adaptive, "adaptive", false, "Blend each frame into a running background (background models only)")

	scoreCmd.MarkFlagRequired("frame")
	rootCmd.AddCommand(scoreCmd)
}

// reconstruct produces the reconstruction for f from an image file or a model.
func reconstruct(ctx context.Context, f *frame.Frame, opts Options, reconPath string) (*frame.Frame, error) {
	if reconPath != "" {
		return frame.Load(reconPath, opts.Width, opts.Height)
	}
	m, err := openScoreModel(ctx, opts)
	if err != nil {
		return nil, err
	}
	defer m.Close()
	return m.Reconstruct(ctx, f)
}

func runScore(ctx context.Context, out io.Writer, opts Options, reconPath, renderPath, maskPath string) error {
	sc, err := scorer.New(scorer.WithKernelSize(opts.KernelSize))
	if err != nil {
		return err
	}
	info, err := os.Stat(opts.InputPath)
	if err != nil {
		return err
	}
	if info.IsDir() {
		if reconPath != "" || renderPath != "" || maskPath != "" {
			return errors.New("a frame directory is scored with --model only (no --recon, --render or --save-mask)")
		}
		return scoreDir(ctx, out, sc, opts)
	}

	f, err := frame.Load(opts.InputPath, opts.Width, opts.Height)
	if err != nil {
		return err
	}
	recon, err := reconstruct(ctx, f, opts, reconPath)
	if err != nil {
		return err
	}

	res, err := sc.Score(f.Scaled(), recon.Scaled(), opts.Threshold)
	if err != nil {
		return fmt.Errorf("score %s: %w", opts.InputPath, err)
	}
	s := res.Summary()

	rows, cols := f.Dims()
	fmt.Fprintf(out, "frame:           %s (%dx%d)\n", opts.InputPath, cols, rows)
	fmt.Fprintf(out, "threshold:       %.1f (kernel %d)\n", opts.Threshold, sc.KernelSize())
	fmt.Fprintf(out, "max heat:        %.1f\n", s.MaxHeat)
	fmt.Fprintf(out, "mean diff:       %.2f\n", s.MeanDiff)
	fmt.Fprintf(out, "anomalous cells: %d (%.2f%%)\n", s.AnomalousCells, 100*s.Fraction)
	fmt.Fprintf(out, "anomalous:       %t\n", s.Anomalous)

	if renderPath != "" {
		p := visualize.Panel{Index: f.Index, Frame: f.Data, Recon: recon.Data, Result: res, Threshold: opts.Threshold}
		if err := visualize.Render(renderPath, p); err != nil {
			return err
		}
	}
	if maskPath != "" {
		if err := visualize.SaveGray(maskPath, res.Mask.Dense()); err != nil {
			return err
		}
	}
	return nil
}

func openScoreModel(ctx context.Context, opts Options) (model.Model, error) {
	return model.Open(ctx, opts.ModelSpec, model.OpenOptions{
		ReadTimeout: mustDuration(opts.WorkerTimeout),
		Adaptive:    opts.Adaptive,
	})
}

// scoreDir scores every frame of a directory in file order with one model,
// so an adaptive background carries over from frame to frame.
func scoreDir(ctx context.Context, out io.Writer, sc *scorer.Scorer, opts Options) error {
	frames, err := frame.LoadDir(opts.InputPath, opts.Width, opts.Height)
	if err != nil {
		return err
	}
	m, err := openScoreModel(ctx, opts)
	if err != nil {
		return err
	}
	defer m.Close()

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FRAME\tMAX HEAT\tMEAN DIFF\tCELLS\tANOMALOUS")
	anomalous := 0
	for _, f := range frames {
		recon, err := m.Reconstruct(ctx, f)
		if err != nil {
			return err
		}
		res, err := sc.Score(f.Scaled(), recon.Scaled(), opts.Threshold)
		if err != nil {
			return fmt.Errorf("score frame %d: %w", f.Index, err)
		}
		s := res.Summary()
		if s.Anomalous {
			anomalous++
		}
		fmt.Fprintf(w, "%d\t%.1f\t%.2f\t%d\t%t\n", f.Index, s.MaxHeat, s.MeanDiff, s.AnomalousCells, s.Anomalous)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d of %d frames anomalous (%s)\n", anomalous, len(frames), m.Name())
	return nil
}
