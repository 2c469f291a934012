// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/frostml/frostnet"
	"github.com/frostml/frostnet/classifier"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// options shared by the subcommands.
type options struct {
	configPath    string
	checkpointDir string
}

func newRootCommand(goFlags *flag.FlagSet) *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:           "frostnet",
		Short:         "Train and run classifiers of frost in satellite image tiles",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "frostnet.toml", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&opts.checkpointDir, "checkpoint", "",
		"Checkpoint directory, overrides the configuration. Relative paths are taken from the data directory")
	rootCmd.PersistentFlags().AddGoFlagSet(goFlags)

	rootCmd.AddCommand(newSplitsCommand(opts))
	rootCmd.AddCommand(newTrainCommand(opts))
	rootCmd.AddCommand(newClassifyCommand(opts))
	rootCmd.AddCommand(newInfoCommand(opts))
	return rootCmd
}

// loadConfig loads the configuration file, and applies the command line overrides.
func (opts *options) loadConfig() (*frostnet.Config, error) {
	cfg, err := frostnet.LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.checkpointDir != "" {
		cfg.Output.CheckpointDir = opts.checkpointDir
	}
	return cfg, nil
}

// checkpointLocation returns the checkpoint directory and the data directory it is relative to.
// The --checkpoint flag alone is enough, in which case the configuration file is optional.
func (opts *options) checkpointLocation() (checkpointDir, dataDir string, err error) {
	cfg, err := opts.loadConfig()
	if err == nil {
		checkpointDir, dataDir = cfg.Output.CheckpointDir, cfg.Output.DataDir
	} else if opts.checkpointDir == "" {
		return "", "", err
	} else {
		checkpointDir = opts.checkpointDir
		dataDir, err = fsutil.ReplaceTildeInDir(frostnet.DefaultDataDir)
		if err != nil {
			return "", "", err
		}
	}
	if checkpointDir == "" {
		return "", "", errors.New("no checkpoint configured, use --checkpoint")
	}
	return checkpointDir, dataDir, nil
}

func newSplitsCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "splits",
		Short: "Resolve the split of each subframe and count their tiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			idx, err := frostnet.IndexTiles(cfg)
			if err != nil {
				return err
			}
			table := newTable().Headers("split", "subframes", "tiles", "frost", "background")
			for _, s := range idx.Summary() {
				table.Row(s.Split.String(), humanize.Comma(int64(s.Subframes)), humanize.Comma(int64(s.Tiles)),
					humanize.Comma(int64(s.Frost)), humanize.Comma(int64(s.Background)))
			}
			table.Row("unassigned", humanize.Comma(int64(len(idx.Unassigned))), "", "", "")
			fmt.Fprintln(cmd.OutOrStdout(), table.Render())
			return nil
		},
	}
}

func newTrainCommand(opts *options) *cobra.Command {
	var settings string
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a model and report its quality on the test split",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ctx := frostnet.CreateDefaultContext()
			// Settings from the configuration file first, so the command line takes precedence.
			paramsSet, err := commandline.ParseContextSettings(ctx, cfg.Settings)
			if err != nil {
				return errors.WithMessagef(err, "invalid settings in %q", opts.configPath)
			}
			cmdParamsSet, err := commandline.ParseContextSettings(ctx, settings)
			if err != nil {
				return errors.WithMessage(err, "invalid --set")
			}
			paramsSet = append(paramsSet, cmdParamsSet...)
			klog.V(1).Infof("Hyperparameters:\n%s", commandline.SprintContextSettings(ctx))

			backend, err := backends.New()
			if err != nil {
				return err
			}
			klog.Infof("Backend: %s", backend.Description())
			result, err := frostnet.Train(backend, ctx, cfg, paramsSet)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if best, found := result.History.Best(); found {
				fmt.Fprintf(out, "Best epoch %d of %d: %s\n", best.Epoch, len(result.History.Epochs), best)
			}
			fmt.Fprintf(out, "\nResults on the test split:\n\n%s\n", result.Report.Table(out))
			if result.CheckpointDir != "" {
				fmt.Fprintf(out, "Model saved to %q (run %s)\n", result.CheckpointDir, result.RunID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&settings, "set", "",
		`Hyperparameters to set, separated by ";", e.g. "model=transfer;backbone=MobileNetV2;learning_rate=1e-4"`)
	return cmd
}

func newClassifyCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "classify <image>...",
		Short: "Classify tile images with a trained model",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			checkpointDir, dataDir, err := opts.checkpointLocation()
			if err != nil {
				return err
			}
			backend, err := backends.New()
			if err != nil {
				return err
			}
			c, err := classifier.New(backend, checkpointDir, dataDir)
			if err != nil {
				return err
			}
			table := newTable().Headers("image", "class", "p(frost)")
			for _, path := range args {
				label, probs, err := c.ClassifyFile(path)
				if err != nil {
					return err
				}
				table.Row(path, classifier.LabelName(label), strconv.FormatFloat(float64(probs[1]), 'f', 4, 32))
			}
			fmt.Fprintln(cmd.OutOrStdout(), table.Render())
			return nil
		},
	}
}

func newTable() *lgtable.Table {
	renderer := lipgloss.NewRenderer(os.Stdout)
	headerStyle := renderer.NewStyle().Bold(true).Padding(0, 1)
	cellStyle := renderer.NewStyle().Padding(0, 1)
	return lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(renderer.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row < 0 {
				return headerStyle
			}
			if col == 0 {
				return cellStyle
			}
			return cellStyle.Align(lipgloss.Right)
		})
}
