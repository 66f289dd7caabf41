package metrics

import (
	"time"

	"github.com/rs/zerolog"
)

// Collector emits training metrics as tagged log events.
type Collector struct {
	logger zerolog.Logger
}

func NewCollector(logger zerolog.Logger) *Collector {
	return &Collector{
		logger: logger,
	}
}

// Track episode results
func (c *Collector) EpisodeCompleted(runID string, episode, steps int, reward, epsilon float64, duration time.Duration) {
	c.logger.Info().
		Str("metric", "episode_completed").
		Str("run_id", runID).
		Int("episode", episode).
		Int("steps", steps).
		Float64("reward", reward).
		Float64("epsilon", epsilon).
		Dur("duration", duration).
		Msg("Episode metric")
}

// Track mini-batch updates; sampled by the caller to keep volume down
func (c *Collector) TrainingStep(runID string, stepCounter int, loss float64, usedTarget bool) {
	c.logger.Debug().
		Str("metric", "training_step").
		Str("run_id", runID).
		Int("step_counter", stepCounter).
		Float64("loss", loss).
		Bool("target_network", usedTarget).
		Msg("Training step metric")
}

// Track target network updates
func (c *Collector) TargetSynced(runID string, stepCounter int) {
	c.logger.Info().
		Str("metric", "target_synced").
		Str("run_id", runID).
		Int("step_counter", stepCounter).
		Msg("Target network updated")
}

// Track checkpoint writes
func (c *Collector) CheckpointSaved(runID string, episode int, path string, duration time.Duration) {
	c.logger.Info().
		Str("metric", "checkpoint_saved").
		Str("run_id", runID).
		Int("episode", episode).
		Str("path", path).
		Dur("duration", duration).
		Msg("Checkpoint metric")
}

// Track failures that do not stop the run
func (c *Collector) SoftFailure(runID, component string, err error) {
	c.logger.Warn().
		Str("metric", "soft_failure").
		Str("run_id", runID).
		Str("component", component).
		Err(err).
		Msg("Non-fatal failure")
}
