// SPDX-License-Identifier: Unlicense OR MIT

// Command forkdemo runs copy-on-write fork programs on a simulated
// machine.
package main

import (
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"eliasnaur.com/cowfork/internal/config"
	"eliasnaur.com/cowfork/internal/logging"
	"eliasnaur.com/cowfork/internal/metrics"
	"eliasnaur.com/cowfork/kernel"
)

type options struct {
	configPath string
	logLevel   string
	frames     int
	summary    bool
}

func (o *options) addFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&o.configPath, "config", "c", "", "TOML file overriding the environment configuration.")
	fs.StringVar(&o.logLevel, "log-level", "", "Log level (debug, info, warn, error).")
	fs.IntVar(&o.frames, "frames", 0, "Number of physical frames of the simulated machine.")
	fs.BoolVar(&o.summary, "metrics", true, "Print a metric summary when done.")
}

// load resolves the configuration: environment, then file, then
// flags.
func (o *options) load(fs *pflag.FlagSet) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = config.LoadFile(o.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if fs.Changed("frames") {
		cfg.Machine.Frames = o.frames
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// demo is the state shared by the subcommands.
type demo struct {
	cfg *config.Config
	log *zap.Logger
	reg *prometheus.Registry
	m   *metrics.Metrics
}

func newDemo(cfg *config.Config) (*demo, error) {
	lcfg := logging.DefaultConfig()
	lcfg.Level = cfg.Log.Level
	lcfg.Development = cfg.Log.Development
	log, err := logging.New(lcfg)
	if err != nil {
		return nil, err
	}
	reg := prometheus.NewRegistry()
	return &demo{
		cfg: cfg,
		log: log,
		reg: reg,
		m:   metrics.New(reg),
	}, nil
}

// boot starts a fresh machine writing its console to stdout.
func (d *demo) boot() (*kernel.Kernel, error) {
	return kernel.New(kernel.Config{
		Frames:  d.cfg.Machine.Frames,
		MaxEnvs: d.cfg.Machine.MaxEnvs,
		Console: os.Stdout,
	}, kernel.WithLogger(d.log), kernel.WithMetrics(d.m))
}

func main() {
	var opts options
	var d *demo

	rootCommand := &cobra.Command{
		Use:   "forkdemo",
		Short: "Runs copy-on-write fork programs on a simulated exokernel.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd.Flags())
			if err != nil {
				return err
			}
			d, err = newDemo(cfg)
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			defer d.log.Sync()
			if !opts.summary {
				return nil
			}
			return printSummary(cmd.OutOrStdout(), d.reg)
		},
		SilenceUsage: true,
	}
	opts.addFlags(rootCommand.PersistentFlags())

	// 'scenarios' subcommand.
	scenariosCommand := &cobra.Command{
		Use:   "scenarios [name...]",
		Short: "Runs the copy-on-write scenarios and checks their outcome.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return d.runScenarios(cmd.OutOrStdout(), args)
		},
	}
	rootCommand.AddCommand(scenariosCommand)

	// 'forktree' subcommand.
	var depth int
	forktreeCommand := &cobra.Command{
		Use:   "forktree",
		Short: "Forks a binary tree of environments.",
		Long: `Forks a binary tree of environments. Every environment writes its
name to a shared copy-on-write page and prints what it reads back.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if depth < 0 || depth > 8 {
				return fmt.Errorf("depth %d out of range [0,8]", depth)
			}
			return d.forktree(depth)
		},
	}
	forktreeCommand.Flags().IntVarP(&depth, "depth", "d", 3, "Depth of the tree.")
	rootCommand.AddCommand(forktreeCommand)

	if err := rootCommand.Execute(); err != nil {
		os.Exit(1)
	}
}
