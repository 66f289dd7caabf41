// Package trainer runs the DQN episode loop: it drives an environment with
// the agent's policy, feeds replay memory, trains the online network,
// synchronises the target network and writes checkpoints.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cartridge/mantis/internal/agent"
	"github.com/cartridge/mantis/internal/checkpoint"
	"github.com/cartridge/mantis/internal/config"
	"github.com/cartridge/mantis/internal/env"
	"github.com/cartridge/mantis/internal/events"
	"github.com/cartridge/mantis/internal/metrics"
	"github.com/cartridge/mantis/internal/replay"
	"github.com/cartridge/mantis/internal/report"
)

const (
	scoreWindow      = 100
	trainingLogEvery = 100
	finalSaveTimeout = 30 * time.Second
	reportFileSuffix = ".png"
)

// Run states reported by Snapshot.
const (
	StateIdle     = "idle"
	StateRunning  = "running"
	StateFinished = "finished"
	StateStopped  = "stopped"
	StateFailed   = "failed"
)

// Snapshot is a point-in-time view of training progress.
type Snapshot struct {
	RunID            string    `json:"run_id"`
	State            string    `json:"state"`
	Episode          int       `json:"episode"`
	Episodes         int       `json:"episodes"`
	StepCounter      int       `json:"step_counter"`
	Epsilon          float64   `json:"epsilon"`
	LastReward       float64   `json:"last_reward"`
	LastSteps        int       `json:"last_steps"`
	HighestReward    float64   `json:"highest_reward"`
	AvgLast100Steps  float64   `json:"avg_last_100_steps"`
	AvgLast100Reward float64   `json:"avg_last_100_reward"`
	LastLoss         float64   `json:"last_loss"`
	MemorySize       int       `json:"memory_size"`
	LastCheckpoint   string    `json:"last_checkpoint,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Summary is returned by Run.
type Summary struct {
	RunID          string
	Episodes       int
	StepCounter    int
	Epsilon        float64
	HighestReward  float64
	LastCheckpoint string
}

// Trainer owns the loop state of one training run.
type Trainer struct {
	cfg       config.Config
	agent     *agent.DeepQ
	env       env.Environment
	spec      env.Spec
	store     *checkpoint.Store
	collector *metrics.Collector
	publisher events.Publisher
	logger    zerolog.Logger
	now       func() time.Time

	mu            sync.RWMutex
	runID         string
	state         string
	episode       int
	stepCounter   int
	epsilon       float64
	highestReward float64
	lastReward    float64
	lastSteps     int
	lastLoss      float64
	lastSaved     string
	lastSavedAt   int
	memorySize    int
	startedAt     time.Time
	updatedAt     time.Time
	steps         *window
	rewards       *window
	history       []report.Episode
}

// Option configures a Trainer.
type Option func(*Trainer)

// WithStore enables checkpointing.
func WithStore(store *checkpoint.Store) Option {
	return func(t *Trainer) { t.store = store }
}

// WithCollector sets the metrics collector.
func WithCollector(c *metrics.Collector) Option {
	return func(t *Trainer) { t.collector = c }
}

// WithPublisher sets the episode event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(t *Trainer) { t.publisher = p }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(t *Trainer) { t.logger = logger }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Trainer) { t.now = now }
}

// WithRunID overrides the generated run ID.
func WithRunID(id string) Option {
	return func(t *Trainer) { t.runID = id }
}

// New creates a trainer for cfg. The agent must be built from the same
// hyperparameters.
func New(cfg config.Config, ag *agent.DeepQ, environment env.Environment, opts ...Option) (*Trainer, error) {
	if ag == nil {
		return nil, errors.New("agent is required")
	}
	if environment == nil {
		return nil, errors.New("environment is required")
	}
	if err := cfg.Hyperparams.Validate(); err != nil {
		return nil, fmt.Errorf("invalid hyperparameters: %w", err)
	}
	if cfg.CheckpointEvery <= 0 {
		return nil, errors.New("checkpoint_every must be positive")
	}

	t := &Trainer{
		cfg:       cfg,
		agent:     ag,
		env:       environment,
		spec:      env.Spec{LaserInputs: cfg.LaserInputs, TargetInputs: cfg.TargetInputs, Actions: cfg.OutputSize},
		publisher: events.NoopPublisher{},
		logger:    zerolog.Nop(),
		now:       time.Now,
		state:     StateIdle,
		epsilon:   cfg.ExplorationRate,
		steps:     newWindow(scoreWindow),
		rewards:   newWindow(scoreWindow),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.runID == "" {
		t.runID = uuid.New().String()
	}
	if t.collector == nil {
		t.collector = metrics.NewCollector(t.logger)
	}
	t.logger = t.logger.With().Str("run_id", t.runID).Logger()
	return t, nil
}

// Resume continues from a checkpoint: weights are loaded into both networks
// and the episode, epsilon, step counter and highest reward are restored.
func (t *Trainer) Resume(cp checkpoint.Checkpoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == StateRunning {
		return errors.New("cannot resume a running trainer")
	}
	if cp.Params.CurrentEpoch < 0 || cp.Params.StepCounter < 0 {
		return fmt.Errorf("checkpoint has negative counters (epoch %d, steps %d)", cp.Params.CurrentEpoch, cp.Params.StepCounter)
	}
	if err := t.agent.LoadWeights(cp.Weights); err != nil {
		return fmt.Errorf("resume: %w", err)
	}

	t.episode = cp.Params.CurrentEpoch
	t.stepCounter = cp.Params.StepCounter
	t.epsilon = cp.Params.Epsilon
	t.highestReward = cp.Params.HighestReward
	t.lastSavedAt = cp.Params.CurrentEpoch
	if cp.Params.RunID != "" {
		t.runID = cp.Params.RunID
		t.logger = t.logger.With().Str("run_id", t.runID).Logger()
	}

	t.logger.Info().
		Int("episode", t.episode).
		Int("step_counter", t.stepCounter).
		Float64("epsilon", t.epsilon).
		Msg("Resumed from checkpoint")
	return nil
}

// Snapshot returns the current progress.
func (t *Trainer) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return Snapshot{
		RunID:            t.runID,
		State:            t.state,
		Episode:          t.episode,
		Episodes:         t.cfg.Episodes,
		StepCounter:      t.stepCounter,
		Epsilon:          t.epsilon,
		LastReward:       t.lastReward,
		LastSteps:        t.lastSteps,
		HighestReward:    t.highestReward,
		AvgLast100Steps:  t.steps.mean(),
		AvgLast100Reward: t.rewards.mean(),
		LastLoss:         t.lastLoss,
		MemorySize:       t.memorySize,
		LastCheckpoint:   t.lastSaved,
		StartedAt:        t.startedAt,
		UpdatedAt:        t.updatedAt,
	}
}

// History returns the reward and length of every episode completed by this
// process.
func (t *Trainer) History() []report.Episode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]report.Episode(nil), t.history...)
}

// Run trains until the configured number of episodes has completed or ctx is
// cancelled. On cancellation a final checkpoint is attempted and ctx.Err() is
// returned.
func (t *Trainer) Run(ctx context.Context) (Summary, error) {
	t.mu.Lock()
	if t.state == StateRunning {
		t.mu.Unlock()
		return Summary{}, errors.New("trainer is already running")
	}
	t.state = StateRunning
	t.startedAt = t.now()
	t.updatedAt = t.startedAt
	start := t.episode
	t.mu.Unlock()

	t.logger.Info().
		Int("start_episode", start).
		Int("episodes", t.cfg.Episodes).
		Float64("epsilon", t.currentEpsilon()).
		Msg("Training started")

	for t.currentEpisode() < t.cfg.Episodes {
		if err := t.runEpisode(ctx); err != nil {
			if ctx.Err() != nil {
				t.finalCheckpoint()
				t.setState(StateStopped)
				t.logger.Info().Int("episode", t.currentEpisode()).Msg("Training stopped")
				return t.summary(), ctx.Err()
			}
			t.setState(StateFailed)
			return t.summary(), err
		}
	}

	t.finalCheckpoint()
	t.setState(StateFinished)
	summary := t.summary()
	t.logger.Info().
		Int("episodes", summary.Episodes).
		Int("step_counter", summary.StepCounter).
		Float64("highest_reward", summary.HighestReward).
		Msg("Training finished")
	return summary, nil
}

func (t *Trainer) runEpisode(ctx context.Context) error {
	episodeStart := t.now()
	episode := t.currentEpisode()
	epsilon := t.currentEpsilon()

	obs, err := t.env.Reset(ctx)
	if err != nil {
		return fmt.Errorf("episode %d: reset: %w", episode, err)
	}
	if err := t.spec.Check(obs); err != nil {
		return fmt.Errorf("episode %d: reset: %w", episode, err)
	}

	var (
		cumulated float64
		loss      float64
		steps     int
		terminal  = events.TerminalDone
	)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		action, err := t.agent.SelectAction(obs, epsilon)
		if err != nil {
			return fmt.Errorf("episode %d step %d: %w", episode, steps, err)
		}
		res, err := t.env.Step(ctx, action)
		if err != nil {
			return fmt.Errorf("episode %d step %d: env step: %w", episode, steps, err)
		}
		if err := t.spec.Check(res.Observation); err != nil {
			return fmt.Errorf("episode %d step %d: %w", episode, steps, err)
		}
		steps++
		cumulated += res.Reward

		t.agent.Remember(replay.Transition{
			State:      obs.Laser,
			Target:     obs.Target,
			Action:     action,
			Reward:     res.Reward,
			NextState:  res.Laser,
			NextTarget: res.Target,
			Done:       res.Done,
		})

		counter := t.incrementSteps(cumulated, t.agent.Memory().Len())
		if counter >= t.cfg.LearnStart {
			useTarget := counter > t.cfg.UpdateTargetNetwork
			l, trained, err := t.agent.LearnOnMiniBatch(t.cfg.MinibatchSize, useTarget)
			if err != nil {
				return fmt.Errorf("episode %d step %d: train: %w", episode, steps, err)
			}
			if trained {
				loss = l
				t.recordLoss(l)
				if counter%trainingLogEvery == 0 {
					t.collector.TrainingStep(t.runID, counter, l, useTarget)
				}
			}
		}
		if counter%t.cfg.UpdateTargetNetwork == 0 {
			if err := t.agent.SyncTargetNetwork(); err != nil {
				return err
			}
			t.collector.TargetSynced(t.runID, counter)
		}

		obs = res.Observation
		if res.Done {
			break
		}
		if steps >= t.cfg.EpisodeStepLimit() {
			terminal = events.TerminalTimeout
			break
		}
	}

	completed, nextEpsilon := t.finishEpisode(steps, cumulated)
	t.collector.EpisodeCompleted(t.runID, completed, steps, cumulated, epsilon, t.now().Sub(episodeStart))
	t.logger.Debug().
		Int("episode", completed).
		Int("steps", steps).
		Float64("reward", cumulated).
		Str("terminal", terminal).
		Float64("next_epsilon", nextEpsilon).
		Msg("Episode finished")

	snap := t.Snapshot()
	if err := t.publisher.PublishEpisode(ctx, events.EpisodeEvent{
		RunID:       t.runID,
		Episode:     completed,
		Steps:       steps,
		StepCounter: snap.StepCounter,
		Reward:      cumulated,
		Epsilon:     epsilon,
		Loss:        loss,
		Terminal:    terminal,
		AvgLast100:  snap.AvgLast100Steps,
	}); err != nil {
		t.collector.SoftFailure(t.runID, "events", err)
	}

	if completed%t.cfg.CheckpointEvery == 0 {
		if err := t.checkpoint(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (t *Trainer) incrementSteps(cumulated float64, memorySize int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stepCounter++
	t.memorySize = memorySize
	if cumulated > t.highestReward {
		t.highestReward = cumulated
	}
	return t.stepCounter
}

func (t *Trainer) recordLoss(loss float64) {
	t.mu.Lock()
	t.lastLoss = loss
	t.mu.Unlock()
}

// finishEpisode records the episode and decays epsilon. It returns the number
// of completed episodes and the epsilon for the next one.
func (t *Trainer) finishEpisode(steps int, reward float64) (int, float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.episode++
	t.lastSteps = steps
	t.lastReward = reward
	t.steps.add(float64(steps))
	t.rewards.add(reward)
	t.history = append(t.history, report.Episode{Number: t.episode, Reward: reward, Steps: steps})
	t.epsilon = agent.DecayEpsilon(t.epsilon, t.cfg.ExplorationDecay, t.cfg.MinExplorationRate)
	t.updatedAt = t.now()
	return t.episode, t.epsilon
}

func (t *Trainer) checkpoint(ctx context.Context) error {
	if t.store == nil {
		return nil
	}

	start := t.now()
	t.mu.RLock()
	params := checkpoint.Params{
		Hyperparams:   t.cfg.Hyperparams,
		Epsilon:       t.epsilon,
		CurrentEpoch:  t.episode,
		StepCounter:   t.stepCounter,
		HighestReward: t.highestReward,
		RunID:         t.runID,
		SavedAt:       start.UTC(),
	}
	history := append([]report.Episode(nil), t.history...)
	t.mu.RUnlock()

	paths, err := t.store.Save(ctx, checkpoint.Checkpoint{Params: params, Weights: t.agent.Online().Weights()})
	if err != nil {
		return fmt.Errorf("checkpoint at episode %d: %w", params.CurrentEpoch, err)
	}

	if len(history) > 0 {
		if err := report.WriteCurves(paths.Base+reportFileSuffix, history); err != nil {
			t.collector.SoftFailure(t.runID, "report", err)
		}
	}

	t.mu.Lock()
	t.lastSaved = paths.Base
	t.lastSavedAt = params.CurrentEpoch
	t.mu.Unlock()

	t.collector.CheckpointSaved(t.runID, params.CurrentEpoch, paths.Base, t.now().Sub(start))
	if stats, err := metrics.SampleProcess(); err == nil {
		t.collector.ResourceUsage(t.runID, stats)
	}
	if err := t.publisher.PublishCheckpoint(ctx, events.CheckpointEvent{
		RunID:   t.runID,
		Episode: params.CurrentEpoch,
		Path:    paths.Base,
	}); err != nil {
		t.collector.SoftFailure(t.runID, "events", err)
	}
	return nil
}

// finalCheckpoint saves progress made since the last checkpoint. Failures are
// logged and not returned.
func (t *Trainer) finalCheckpoint() {
	t.mu.RLock()
	pending := t.episode > t.lastSavedAt
	t.mu.RUnlock()
	if t.store == nil || !pending {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), finalSaveTimeout)
	defer cancel()
	if err := t.checkpoint(ctx); err != nil {
		t.collector.SoftFailure(t.runID, "checkpoint", err)
	}
}

func (t *Trainer) currentEpisode() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.episode
}

func (t *Trainer) currentEpsilon() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.epsilon
}

func (t *Trainer) setState(state string) {
	t.mu.Lock()
	t.state = state
	t.updatedAt = t.now()
	t.mu.Unlock()
}

func (t *Trainer) summary() Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Summary{
		RunID:          t.runID,
		Episodes:       t.episode,
		StepCounter:    t.stepCounter,
		Epsilon:        t.epsilon,
		HighestReward:  t.highestReward,
		LastCheckpoint: t.lastSaved,
	}
}
