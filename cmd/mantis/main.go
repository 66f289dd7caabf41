package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/cartridge/mantis/internal/config"
)

const envPrefix = "MANTIS"

func newRootCmd() *cobra.Command {
	cfg := config.Default()
	v := viper.New()
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "mantis",
		Short: "DQN navigation trainer for a laser-ranging mobile robot",
		Long: `Mantis trains a Deep Q-Network that maps laser scans and the relative goal
position of a TurtleBot3-style robot to discrete motion commands.

Training runs against the built-in 2D simulator or, with --env-addr, against a
remote environment service such as a Gazebo bridge.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, v, configFile, cfg)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "Config file (yaml, json or toml)")
	pf.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	pf.BoolVar(&cfg.LogPretty, "log-pretty", cfg.LogPretty, "Human readable console logs")
	pf.Int64Var(&cfg.Seed, "seed", cfg.Seed, "Random seed (0 seeds from the clock)")

	// Checkpoints, shared by train and inspect
	pf.StringVar(&cfg.CheckpointDir, "checkpoint-dir", cfg.CheckpointDir, "Checkpoint directory")
	pf.StringVar(&cfg.CheckpointPrefix, "checkpoint-prefix", cfg.CheckpointPrefix, "Checkpoint file prefix")

	// Simulator, shared by train and simserver
	pf.IntVar(&cfg.SimObstacles, "sim-obstacles", cfg.SimObstacles, "Obstacles in the built-in simulator")
	pf.Float64Var(&cfg.SimArena, "sim-arena", cfg.SimArena, "Arena side length in metres")
	pf.IntVar(&cfg.LaserInputs, "laser-inputs", cfg.LaserInputs, "Laser beams per scan")

	rootCmd.AddCommand(newTrainCmd(cfg), newSimServerCmd(cfg), newInspectCmd(cfg))
	return rootCmd
}

// loadConfig layers flags, MANTIS_* environment variables and the optional
// config file into cfg. Validation is left to the subcommands.
func loadConfig(cmd *cobra.Command, v *viper.Viper, configFile string, cfg *config.Config) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var bindErr error
	bind := func(f *pflag.Flag) {
		if f.Name == "config" || bindErr != nil {
			return
		}
		bindErr = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
	}
	cmd.Flags().VisitAll(bind)
	cmd.InheritedFlags().VisitAll(bind)
	if bindErr != nil {
		return fmt.Errorf("bind flags: %w", bindErr)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func newLogger(cfg *config.Config) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}

	var logger zerolog.Logger
	if cfg.LogPretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(level).With().Timestamp().Logger(), nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
