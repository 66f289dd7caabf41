package events

import "context"

// Publisher is implemented by downstream fan-out mechanisms.
type Publisher interface {
	PublishEpisode(ctx context.Context, payload EpisodeEvent) error
	PublishCheckpoint(ctx context.Context, payload CheckpointEvent) error
}

// EpisodeEvent is emitted at the end of every training episode.
type EpisodeEvent struct {
	RunID       string  `json:"run_id"`
	Episode     int     `json:"episode"`
	Steps       int     `json:"steps"`
	StepCounter int     `json:"step_counter"`
	Reward      float64 `json:"reward"`
	Epsilon     float64 `json:"epsilon"`
	Loss        float64 `json:"loss"`
	Terminal    string  `json:"terminal"`
	AvgLast100  float64 `json:"avg_last_100"`
}

// CheckpointEvent tracks checkpoint writes.
type CheckpointEvent struct {
	RunID   string `json:"run_id"`
	Episode int    `json:"episode"`
	Path    string `json:"path"`
}

// NoopPublisher publishes nothing; used when no broker is configured.
type NoopPublisher struct{}

// PublishEpisode satisfies Publisher.
func (NoopPublisher) PublishEpisode(context.Context, EpisodeEvent) error { return nil }

// PublishCheckpoint satisfies Publisher.
func (NoopPublisher) PublishCheckpoint(context.Context, CheckpointEvent) error { return nil }
