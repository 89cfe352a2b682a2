package cmd

import (
	"fmt"
	"os"

	"github.com/andresmejia3/anomalywatch/internal/frame"
	"github.com/andresmejia3/anomalywatch/internal/logging"
	"github.com/andresmejia3/anomalywatch/internal/model"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	trainInputs []string
	trainOutput string
	trainAlpha  float64
	trainOpts   Options
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Learn a background model from directories of normal frames",
	Long: `Averages every frame found in the input directories into a background
model. Frames are resized to --width x --height; the same size must be used
when scanning with the model.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		applyConfig(cmd, &trainOpts, Cfg)
		return runTrain(trainInputs, trainOutput, trainAlpha, trainOpts.Width, trainOpts.Height)
	},
}

func init() {
	trainCmd.Flags().StringSliceVarP(&trainInputs, "input", "i", nil, "Directory of training frames (repeatable)")
	trainCmd.Flags().StringVarP(&trainOutput, "output", "o", "background.awm", "Where to write the model")
	trainCmd.Flags().Float64Var(&trainAlpha, "alpha", model.DefaultAlpha, "Adaptation rate used by scan/score --adaptive (0 disables adaptation)")
	trainCmd.Flags().IntVar(&trainOpts.Width, "width", 256, "Frame width (0 keeps the source size)")
	trainCmd.Flags().IntVar(&trainOpts.Height, "height", 256, "Frame height (0 keeps the source size)")

	trainCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(trainCmd)
}

func runTrain(dirs []string, output string, alpha float64, width, height int) error {
	var paths []string
	for _, dir := range dirs {
		files, err := frame.ListDir(dir)
		if err != nil {
			return fmt.Errorf("%s: %w", dir, err)
		}
		paths = append(paths, files...)
	}

	bar := progressbar.NewOptions(len(paths),
		progressbar.OptionSetDescription("🧠 Training"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	var t model.Trainer
	for i, p := range paths {
		f, err := frame.Load(p, width, height)
		if err != nil {
			return err
		}
		f.Index = i
		if err := t.Add(f); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		bar.Add(1)
	}
	bar.Finish()

	bg, err := t.Model(alpha)
	if err != nil {
		return err
	}
	if err := bg.SaveFile(output); err != nil {
		return fmt.Errorf("failed to save model: %w", err)
	}
	rows, cols := bg.Mean.Dims()
	logging.Info().Str("output", output).Int("frames", t.Count()).Int("rows", rows).Int("cols", cols).Msg("model saved")
	fmt.Fprintf(os.Stderr, "\n✅ Trained on %d frames (%dx%d). Model written to %s\n", t.Count(), cols, rows, output)
	return nil
}
