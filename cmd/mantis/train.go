package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cartridge/mantis/internal/agent"
	"github.com/cartridge/mantis/internal/checkpoint"
	"github.com/cartridge/mantis/internal/config"
	"github.com/cartridge/mantis/internal/env"
	"github.com/cartridge/mantis/internal/envrpc"
	"github.com/cartridge/mantis/internal/events"
	"github.com/cartridge/mantis/internal/metrics"
	"github.com/cartridge/mantis/internal/replay"
	"github.com/cartridge/mantis/internal/sim"
	"github.com/cartridge/mantis/internal/status"
	"github.com/cartridge/mantis/internal/trainer"
)

func newTrainCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the navigation policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runTrain(ctx, cfg, cmd.Flags().Changed("episodes"), logger)
		},
	}

	f := cmd.Flags()

	// Learning
	f.IntVar(&cfg.Episodes, "episodes", cfg.Episodes, "Number of training episodes")
	f.IntVar(&cfg.Steps, "steps", cfg.Steps, "Per-episode step limit (the lower of steps and max-episode-steps applies)")
	f.IntVar(&cfg.MaxEpisodeSteps, "max-episode-steps", cfg.MaxEpisodeSteps, "Steps before an episode times out")
	f.IntVar(&cfg.UpdateTargetNetwork, "update-target-network", cfg.UpdateTargetNetwork, "Steps between target network updates")
	f.Float64Var(&cfg.ExplorationRate, "exploration-rate", cfg.ExplorationRate, "Initial epsilon")
	f.Float64Var(&cfg.ExplorationDecay, "exploration-decay", cfg.ExplorationDecay, "Per-episode epsilon decay factor")
	f.Float64Var(&cfg.MinExplorationRate, "min-exploration-rate", cfg.MinExplorationRate, "Epsilon floor")
	f.IntVar(&cfg.MinibatchSize, "minibatch-size", cfg.MinibatchSize, "Transitions per training batch")
	f.IntVar(&cfg.LearnStart, "learn-start", cfg.LearnStart, "Steps before training begins")
	f.Float64Var(&cfg.LearningRate, "learning-rate", cfg.LearningRate, "RMSprop learning rate")
	f.Float64Var(&cfg.DiscountFactor, "discount-factor", cfg.DiscountFactor, "Bellman discount factor")
	f.IntVar(&cfg.MemorySize, "memory-size", cfg.MemorySize, "Replay memory capacity")
	f.IntVar(&cfg.TargetInputs, "target-inputs", cfg.TargetInputs, "Goal vector width")
	f.IntVar(&cfg.OutputSize, "output-size", cfg.OutputSize, "Number of actions")
	f.IntSliceVar(&cfg.HiddenLayers, "hidden-layers", cfg.HiddenLayers, "Hidden layer widths")
	f.StringVar(&cfg.ActionSelection, "action-selection", cfg.ActionSelection, "epsilon-greedy or probability")
	f.Float64Var(&cfg.SelectionBias, "selection-bias", cfg.SelectionBias, "Exponent for probability selection")
	f.BoolVar(&cfg.InjectTerminalSample, "inject-terminal-sample", cfg.InjectTerminalSample, "Train terminal next states towards the terminal reward")

	// Environment
	f.StringVar(&cfg.EnvAddr, "env-addr", cfg.EnvAddr, "Remote environment service address (empty runs the built-in simulator)")

	// Checkpoints
	f.IntVar(&cfg.CheckpointEvery, "checkpoint-every", cfg.CheckpointEvery, "Episodes between checkpoints")
	f.BoolVar(&cfg.Continue, "continue", cfg.Continue, "Resume from a checkpoint")
	f.StringVar(&cfg.ResumeFrom, "resume-from", cfg.ResumeFrom, "Checkpoint to resume from (default: latest in checkpoint-dir)")

	// Observability
	f.StringVar(&cfg.StatusAddr, "status-addr", cfg.StatusAddr, "HTTP status address (empty disables)")
	f.StringVar(&cfg.NATSURL, "nats-url", cfg.NATSURL, "NATS server for episode events (empty disables)")
	f.StringVar(&cfg.NATSSubject, "nats-subject", cfg.NATSSubject, "NATS subject prefix")

	return cmd
}

func runTrain(ctx context.Context, cfg *config.Config, episodesFlagSet bool, logger zerolog.Logger) error {
	store := checkpoint.NewStore(cfg.CheckpointDir, cfg.CheckpointPrefix)

	var resume *checkpoint.Checkpoint
	if cfg.Continue {
		cp, err := loadResumePoint(store, cfg.ResumeFrom)
		if err != nil {
			return err
		}
		episodes := cfg.Episodes
		cfg.Hyperparams = cp.Params.Hyperparams
		if episodesFlagSet {
			cfg.Episodes = episodes
		}
		resume = &cp
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	environment, err := newEnvironment(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := environment.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close environment")
		}
	}()

	ag, err := newAgent(cfg)
	if err != nil {
		return err
	}

	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.NATSURL != "" {
		nats, err := events.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubject, logger)
		if err != nil {
			return err
		}
		defer nats.Close()
		publisher = nats
	}

	tr, err := trainer.New(*cfg, ag, environment,
		trainer.WithStore(store),
		trainer.WithLogger(logger),
		trainer.WithCollector(metrics.NewCollector(logger)),
		trainer.WithPublisher(publisher),
	)
	if err != nil {
		return err
	}
	if resume != nil {
		if err := tr.Resume(*resume); err != nil {
			return err
		}
	}

	if cfg.StatusAddr != "" {
		srv := status.NewServer(tr, logger)
		go func() {
			if err := srv.ListenAndServe(ctx, cfg.StatusAddr); err != nil {
				logger.Error().Err(err).Msg("Status server failed")
			}
		}()
	}

	summary, err := tr.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info().Int("episodes", summary.Episodes).Str("checkpoint", summary.LastCheckpoint).Msg("Training interrupted")
		return nil
	}
	return err
}

func loadResumePoint(store *checkpoint.Store, from string) (checkpoint.Checkpoint, error) {
	base := from
	if base == "" {
		latest, err := store.Latest()
		if err != nil {
			return checkpoint.Checkpoint{}, fmt.Errorf("find checkpoint to resume: %w", err)
		}
		base = latest
	}
	cp, err := store.Load(base)
	if err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}
	return cp, nil
}

func newEnvironment(cfg *config.Config) (env.Environment, error) {
	if cfg.EnvAddr != "" {
		return envrpc.Dial(cfg.EnvAddr)
	}
	return sim.New(simConfig(cfg))
}

func simConfig(cfg *config.Config) sim.Config {
	sc := sim.DefaultConfig()
	sc.Arena = cfg.SimArena
	sc.Obstacles = cfg.SimObstacles
	sc.Beams = cfg.LaserInputs
	sc.Seed = cfg.Seed
	return sc
}

func newAgent(cfg *config.Config) (*agent.DeepQ, error) {
	var (
		memOpts   []replay.Option
		agentOpts []agent.Option
	)
	if cfg.Seed != 0 {
		memOpts = append(memOpts, replay.WithRand(rand.New(rand.NewSource(cfg.Seed+1))))
		agentOpts = append(agentOpts, agent.WithRand(rand.New(rand.NewSource(cfg.Seed+2))))
	}

	memory, err := replay.New(cfg.MemorySize, memOpts...)
	if err != nil {
		return nil, err
	}
	online, target, err := agent.NewNetworks(cfg.Hyperparams, cfg.Seed)
	if err != nil {
		return nil, err
	}
	return agent.New(cfg.Hyperparams, online, target, memory, agentOpts...)
}
