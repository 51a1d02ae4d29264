package main

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	vae "github.com/scttfrdmn/local-vae"
	"github.com/scttfrdmn/local-vae/internal/envconfig"
)

func newTrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a VAE on a directory of images or on synthetic data",
		Args:  cobra.NoArgs,
		RunE:  trainHandler,
	}

	cmd.Flags().String("config", "", "YAML config file (model and training sections)")
	cmd.Flags().String("data", "", "Directory of training images")
	cmd.Flags().Int("synthetic", 0, "Train on N synthetic images instead of --data")
	cmd.Flags().Int("limit", 0, "Maximum number of images to load (0 = all)")
	cmd.Flags().Int("channels", 1, "Image channels (1 or 3)")
	cmd.Flags().Int("height", 32, "Image height")
	cmd.Flags().Int("width", 32, "Image width")
	cmd.Flags().Int("latent", 16, "Latent dimension")
	cmd.Flags().IntSlice("hidden", nil, "Encoder channel widths (default 32,64,128,256,512)")
	cmd.Flags().Int("epochs", 10, "Number of epochs")
	cmd.Flags().Int("batch-size", 16, "Batch size")
	cmd.Flags().Int("max-steps", 0, "Stop after this many steps (0 = no limit)")
	cmd.Flags().Float64("lr", 5e-3, "Learning rate")
	cmd.Flags().Float64("kld-weight", 0, "KL weight (0 = batch size / dataset size)")
	cmd.Flags().Uint64("seed", 0, "Random seed (default VAE_SEED)")
	cmd.Flags().StringP("output", "o", "vae.ckpt", "Checkpoint path")
	cmd.Flags().String("dtype", "", "Checkpoint precision: f64 or f16")
	cmd.Flags().String("metrics", "", "Write metrics to PREFIX.csv and PREFIX.html")
	return cmd
}

// loadTrainConfig merges the config file, if any, with explicitly set flags.
func loadTrainConfig(cmd *cobra.Command) (*vae.FileConfig, error) {
	flags := cmd.Flags()
	channels, _ := flags.GetInt("channels")
	latent, _ := flags.GetInt("latent")

	fc := &vae.FileConfig{
		Model:    vae.DefaultConfig(channels, latent),
		Training: vae.DefaultTrainingConfig(),
	}
	if path, _ := flags.GetString("config"); path != "" {
		loaded, err := vae.LoadConfigFile(path)
		if err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
		fc = loaded
	}

	if flags.Changed("channels") || fc.Model.InChannels == 0 {
		fc.Model.InChannels = channels
	}
	if flags.Changed("latent") || fc.Model.LatentDim == 0 {
		fc.Model.LatentDim = latent
	}
	if flags.Changed("hidden") {
		fc.Model.HiddenDims, _ = flags.GetIntSlice("hidden")
	}
	if flags.Changed("seed") {
		fc.Model.Seed, _ = flags.GetUint64("seed")
	} else if fc.Model.Seed == 0 {
		fc.Model.Seed = envconfig.Seed()
	}

	tc := &fc.Training
	if flags.Changed("epochs") {
		tc.NumEpochs, _ = flags.GetInt("epochs")
	}
	if flags.Changed("batch-size") {
		tc.BatchSize, _ = flags.GetInt("batch-size")
	}
	if flags.Changed("max-steps") {
		tc.MaxSteps, _ = flags.GetInt("max-steps")
	}
	if flags.Changed("lr") {
		tc.LearningRate, _ = flags.GetFloat64("lr")
	}
	if flags.Changed("kld-weight") {
		tc.KLDWeight, _ = flags.GetFloat64("kld-weight")
	}
	return fc, fc.Model.Validate()
}

func trainHandler(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	fc, err := loadTrainConfig(cmd)
	if err != nil {
		return err
	}

	h, _ := flags.GetInt("height")
	w, _ := flags.GetInt("width")
	dataDir, _ := flags.GetString("data")
	synthetic, _ := flags.GetInt("synthetic")
	limit, _ := flags.GetInt("limit")

	var data *vae.Tensor
	switch {
	case dataDir != "":
		data, err = loadImageDir(dataDir, fc.Model.InChannels, h, w, limit)
		if err != nil {
			return err
		}
	case synthetic > 0:
		data = syntheticDataset(synthetic, fc.Model.InChannels, h, w, fc.Model.Seed)
	default:
		return errors.New("either --data or --synthetic is required")
	}
	n := data.Shape()[0]

	if !flags.Changed("kld-weight") {
		batch := min(max(fc.Training.BatchSize, 1), n)
		fc.Training.KLDWeight = float64(batch) / float64(n)
	}

	model, err := vae.New(fc.Model)
	if err != nil {
		return err
	}
	if err := model.Build(data); err != nil {
		return err
	}
	kH, kW := model.OutputKernel()
	slog.Info("model ready",
		"images", n,
		"input", model.InputShape(),
		"encoder_result", model.EncoderResultShape(),
		"output_kernel", fmt.Sprintf("%dx%d", kH, kW),
		"params", model.NumParameters(),
		"kld_weight", fc.Training.KLDWeight)

	metrics := vae.NewTrainingMetrics()
	trainer := vae.NewTrainer(model, fc.Training, fc.Model.Seed)
	trainer.OnStep = metrics.Record

	start := time.Now()
	fitErr := trainer.Fit(cmd.Context(), data)
	if fitErr != nil && cmd.Context().Err() == nil {
		return fitErr
	}
	if fitErr != nil {
		slog.Warn("training interrupted, saving checkpoint", "steps", trainer.Steps())
	}
	if trainer.Steps() == 0 {
		return errors.New("no training steps were run")
	}

	eval, err := vae.Evaluate(model, data, fc.Training.BatchSize, fc.Training.KLDWeight)
	if err != nil {
		return err
	}
	slog.Info("training finished",
		"steps", trainer.Steps(),
		"elapsed", time.Since(start).Round(time.Millisecond),
		"eval_loss", eval.Loss,
		"eval_recons", eval.ReconstructionLoss,
		"eval_kld", eval.KLD)

	out, _ := flags.GetString("output")
	dtypeFlag, _ := flags.GetString("dtype")
	if err := model.SaveFile(out, checkpointDType(dtypeFlag)); err != nil {
		return err
	}
	slog.Info("saved checkpoint", "path", out)

	if prefix, _ := flags.GetString("metrics"); prefix != "" {
		prefix = strings.TrimSuffix(prefix, filepath.Ext(prefix))
		if err := metrics.SaveCSV(prefix + ".csv"); err != nil {
			return err
		}
		if err := metrics.SaveHTML(prefix + ".html"); err != nil {
			return err
		}
		slog.Info("saved metrics", "csv", prefix+".csv", "html", prefix+".html")
	}
	return nil
}
