package main

import (
	"fmt"
	"image"
	"log/slog"

	"github.com/spf13/cobra"

	vae "github.com/scttfrdmn/local-vae"
)

func newSampleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sample CHECKPOINT",
		Short: "Decode random latent codes into an image grid",
		Args:  cobra.ExactArgs(1),
		RunE:  sampleHandler,
	}
	cmd.Flags().IntP("num", "n", 16, "Number of samples")
	cmd.Flags().Int("cols", 4, "Grid columns")
	cmd.Flags().StringP("output", "o", "samples.png", "Output PNG")
	return cmd
}

func newReconstructCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconstruct CHECKPOINT IMAGE...",
		Short: "Reconstruct images through the model",
		Long:  "Reconstruct images through the model. The output grid has the inputs on the first row and the reconstructions below them.",
		Args:  cobra.MinimumNArgs(2),
		RunE:  reconstructHandler,
	}
	cmd.Flags().StringP("output", "o", "reconstructions.png", "Output PNG")
	return cmd
}

func loadModel(path string) (*vae.VAE, error) {
	model, info, err := vae.LoadFile(path)
	if err != nil {
		return nil, err
	}
	slog.Debug("loaded checkpoint", "path", path, "run_id", info.RunID, "created", info.CreatedAt, "dtype", info.DType)
	model.SetTraining(false)
	return model, nil
}

func sampleHandler(cmd *cobra.Command, args []string) error {
	model, err := loadModel(args[0])
	if err != nil {
		return err
	}

	n, _ := cmd.Flags().GetInt("num")
	cols, _ := cmd.Flags().GetInt("cols")
	out, _ := cmd.Flags().GetString("output")

	samples, err := model.Sample(n)
	if err != nil {
		return err
	}
	if err := vae.SaveGrid(out, samples, cols); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %d samples to %s\n", n, out)
	return nil
}

func reconstructHandler(cmd *cobra.Command, args []string) error {
	model, err := loadModel(args[0])
	if err != nil {
		return err
	}
	shape := model.InputShape()

	imgs := make([]image.Image, 0, len(args)-1)
	for _, p := range args[1:] {
		img, err := vae.DecodeImageFile(p)
		if err != nil {
			return err
		}
		imgs = append(imgs, img)
	}
	x, err := vae.ImagesToTensor(imgs, shape[0], shape[1], shape[2])
	if err != nil {
		return err
	}

	recon, err := model.Generate(x)
	if err != nil {
		return err
	}

	inputs, err := vae.TensorToImages(x)
	if err != nil {
		return err
	}
	outputs, err := vae.TensorToImages(recon)
	if err != nil {
		return err
	}

	out, _ := cmd.Flags().GetString("output")
	grid := vae.Grid(append(inputs, outputs...), len(inputs))
	if err := vae.SavePNG(out, grid); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %d reconstructions to %s\n", len(inputs), out)
	return nil
}
