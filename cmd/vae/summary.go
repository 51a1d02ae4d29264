package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	vae "github.com/scttfrdmn/local-vae"
)

func newSummaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary [CHECKPOINT]",
		Short: "Print the layer table of a checkpoint or of a fresh model",
		Args:  cobra.MaximumNArgs(1),
		RunE:  summaryHandler,
	}
	cmd.Flags().Int("channels", 3, "Image channels, without a checkpoint")
	cmd.Flags().Int("height", 64, "Image height, without a checkpoint")
	cmd.Flags().Int("width", 64, "Image width, without a checkpoint")
	cmd.Flags().Int("latent", 128, "Latent dimension, without a checkpoint")
	cmd.Flags().IntSlice("hidden", nil, "Encoder channel widths, without a checkpoint")
	return cmd
}

func summaryHandler(cmd *cobra.Command, args []string) error {
	var model *vae.VAE
	if len(args) == 1 {
		m, err := loadModel(args[0])
		if err != nil {
			return err
		}
		model = m
	} else {
		flags := cmd.Flags()
		channels, _ := flags.GetInt("channels")
		h, _ := flags.GetInt("height")
		w, _ := flags.GetInt("width")
		latent, _ := flags.GetInt("latent")

		cfg := vae.DefaultConfig(channels, latent)
		if flags.Changed("hidden") {
			cfg.HiddenDims, _ = flags.GetIntSlice("hidden")
		}
		m, err := vae.New(cfg)
		if err != nil {
			return err
		}
		if err := m.Build(vae.NewTensor(1, channels, h, w)); err != nil {
			return err
		}
		model = m
	}

	layers, err := model.Summary()
	if err != nil {
		return err
	}

	var data [][]string
	for _, l := range layers {
		data = append(data, []string{l.Name, l.Kind, formatShape(l.OutputShape), strconv.Itoa(l.Params)})
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"LAYER", "TYPE", "OUTPUT SHAPE", "PARAMS"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.AppendBulk(data)
	table.SetFooter([]string{"", "", "TOTAL", strconv.Itoa(model.NumParameters())})
	table.Render()
	return nil
}

func formatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return fmt.Sprintf("[%s]", strings.Join(parts, ", "))
}
