package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/outofforest/cowtree"
	"github.com/outofforest/cowtree/persistent"
	"github.com/outofforest/cowtree/types"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	flags := DefaultConfig()

	cmd := &cobra.Command{
		Use:          "flushsim",
		Short:        "Runs concurrent workload against copy-on-write volume and reports flush statistics",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			config := DefaultConfig()
			if configPath != "" {
				if err := loadConfig(configPath, &config); err != nil {
					return err
				}
			}
			applyFlags(cmd, &config, flags)
			return run(cmd.Context(), config)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to YAML configuration file")
	addFlags(cmd, &flags)

	cmd.AddCommand(newHeaderCommand())
	return cmd
}

func addFlags(cmd *cobra.Command, flags *Config) {
	cmd.Flags().StringVar(&flags.Device, "device", flags.Device, "path to device file, memory device is used if empty")
	cmd.Flags().Uint64Var(&flags.Size, "size", flags.Size, "size of the device in bytes")
	cmd.Flags().Uint64Var(&flags.Workers, "workers", flags.Workers, "number of concurrent workers")
	cmd.Flags().Uint64Var(&flags.Rounds, "rounds", flags.Rounds, "number of rounds executed by each worker")
	cmd.Flags().Uint64Var(&flags.Depth, "depth", flags.Depth, "number of indirect chains below worker's inode")
	cmd.Flags().IntVar(&flags.DepthLimit, "depth-limit", flags.DepthLimit, "recursion depth at which flush defers chains")
	cmd.Flags().IntVar(&flags.MaxPasses, "max-passes", flags.MaxPasses, "number of flush passes considered broken")
	cmd.Flags().DurationVar(&flags.SyncInterval, "sync-interval", flags.SyncInterval, "interval between syncs")
}

func newHeaderCommand() *cobra.Command {
	var size uint64
	cmd := &cobra.Command{
		Use:          "header <device>",
		Short:        "Prints the volume header stored on the device",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, closeDev, err := persistent.NewFileDevice(args[0], size)
			if err != nil {
				return err
			}
			defer closeDev()

			header, err := cowtree.ReadHeader(dev)
			if err != nil {
				return err
			}
			return printYAML(newHeaderReport(header))
		},
	}
	cmd.Flags().Uint64Var(&size, "size", DefaultConfig().Size, "size of the device in bytes")
	return cmd
}

func applyFlags(cmd *cobra.Command, config *Config, flags Config) {
	changed := cmd.Flags().Changed
	if changed("device") {
		config.Device = flags.Device
	}
	if changed("size") {
		config.Size = flags.Size
	}
	if changed("workers") {
		config.Workers = flags.Workers
	}
	if changed("rounds") {
		config.Rounds = flags.Rounds
	}
	if changed("depth") {
		config.Depth = flags.Depth
	}
	if changed("depth-limit") {
		config.DepthLimit = flags.DepthLimit
	}
	if changed("max-passes") {
		config.MaxPasses = flags.MaxPasses
	}
	if changed("sync-interval") {
		config.SyncInterval = flags.SyncInterval
	}
}

func run(ctx context.Context, config Config) error {
	if config.Workers == 0 || config.Workers > types.SetCount {
		return errors.Errorf("number of workers must be between 1 and %d", types.SetCount)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx = logger.WithLogger(ctx, logger.New(logger.DefaultConfig))
	log := logger.Get(ctx)

	dev, closeDev, err := openDevice(config)
	if err != nil {
		return err
	}
	defer closeDev()

	volumeConfig := cowtree.DefaultConfig(dev)
	volumeConfig.DepthLimit = config.DepthLimit
	volumeConfig.MaxPasses = config.MaxPasses
	volumeConfig.SyncInterval = config.SyncInterval

	v, err := cowtree.New(volumeConfig)
	if err != nil {
		return err
	}

	start := time.Now()
	err = parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("volume", parallel.Fail, v.Run)
		spawn("workload", parallel.Exit, func(ctx context.Context) error {
			return runWorkload(ctx, v, config)
		})
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if err := v.Close(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	log.Info("Workload finished", zap.Duration("duration", time.Since(start)))

	return printYAML(report{
		Stats:  v.Stats(),
		Header: newHeaderReport(v.Header()),
	})
}

func openDevice(config Config) (persistent.Device, func(), error) {
	if config.Device == "" {
		return persistent.NewMemoryDevice(config.Size, false)
	}
	return persistent.NewFileDevice(config.Device, config.Size)
}

type report struct {
	Stats  cowtree.Stats `yaml:"stats"`
	Header headerReport  `yaml:"header"`
}

type headerReport struct {
	FSID       string      `yaml:"fsid"`
	VolumeSize uint64      `yaml:"volumeSize"`
	AllocTID   types.TID   `yaml:"allocTID"`
	InodeTID   types.TID   `yaml:"inodeTID"`
	MirrorTID  types.TID   `yaml:"mirrorTID"`
	FreemapTID types.TID   `yaml:"freemapTID"`
	Roots      []types.Key `yaml:"roots"`
}

func newHeaderReport(header types.VolumeData) headerReport {
	report := headerReport{
		FSID:       header.FSID.String(),
		VolumeSize: header.VolumeSize,
		AllocTID:   header.AllocTID,
		InodeTID:   header.InodeTID,
		MirrorTID:  header.MirrorTID,
		FreemapTID: header.FreemapTID,
	}
	for _, bref := range header.SRoot {
		if bref.Type != types.BrefTypeEmpty {
			report.Roots = append(report.Roots, bref.Key)
		}
	}
	return report
}

func printYAML(v any) error {
	encoder := yaml.NewEncoder(os.Stdout)
	defer encoder.Close()

	return errors.WithStack(encoder.Encode(v))
}
