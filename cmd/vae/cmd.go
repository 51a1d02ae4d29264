package main

import (
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	vae "github.com/scttfrdmn/local-vae"
	"github.com/scttfrdmn/local-vae/internal/envconfig"
)

// NewCLI builds the vae command tree.
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "vae",
		Short:         "Train and sample a convolutional variational autoencoder",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
			applyComputeEnv()
		},
	}

	rootCmd.AddCommand(
		newTrainCmd(),
		newSampleCmd(),
		newReconstructCmd(),
		newSummaryCmd(),
		newEnvCmd(),
	)
	return rootCmd
}

func setupLogging() {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: envconfig.LogLevel()})
	slog.SetDefault(slog.New(handler))
	slog.Debug("vae config", "env", envconfig.Values())
}

func applyComputeEnv() {
	cfg := vae.DefaultComputeConfig()
	cfg.Parallel = envconfig.Parallel(cfg.Parallel)
	cfg.NumWorkers = int(envconfig.NumWorkers())
	vae.SetGlobalComputeConfig(cfg)
}

// checkpointDType resolves the --dtype flag, falling back to
// VAE_CHECKPOINT_DTYPE and then f64.
func checkpointDType(flag string) vae.DType {
	if flag == "" {
		flag = envconfig.CheckpointDType()
	}
	if flag == "" {
		return vae.DTypeF64
	}
	return vae.DType(flag)
}

func newEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Show environment configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			vars := envconfig.AsMap()
			names := make([]string, 0, len(vars))
			for k := range vars {
				names = append(names, k)
			}
			sort.Strings(names)

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"NAME", "VALUE", "DESCRIPTION"})
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetBorder(false)
			for _, k := range names {
				v := vars[k]
				table.Append([]string{v.Name, fmt.Sprintf("%v", v.Value), v.Description})
			}
			table.Render()
			return nil
		},
	}
}
