package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Terminal reasons carried by EpisodeEvent.
const (
	TerminalDone    = "done"
	TerminalTimeout = "timeout"
)

// NATSPublisher implements Publisher using NATS
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger
}

// NewNATSPublisher creates a new NATS-backed publisher
func NewNATSPublisher(natsURL, subject string, logger zerolog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(natsURL, nats.Name("mantis-trainer"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", natsURL, err)
	}

	return &NATSPublisher{
		conn:    conn,
		subject: subject,
		logger:  logger,
	}, nil
}

// Close drains and closes the NATS connection
func (n *NATSPublisher) Close() {
	if n.conn == nil {
		return
	}
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
	}
}

// PublishEpisode publishes episode results on <subject>.episodes; timeouts are
// duplicated on <subject>.episodes.timeout for alerting.
func (n *NATSPublisher) PublishEpisode(ctx context.Context, event EpisodeEvent) error {
	subject := n.subject + ".episodes"
	if err := n.publish(subject, event); err != nil {
		return err
	}

	if event.Terminal == TerminalTimeout {
		if err := n.publish(subject+".timeout", event); err != nil {
			n.logger.Error().Err(err).Str("subject", subject+".timeout").Msg("Failed to publish to routing key")
		}
	}

	n.logger.Debug().
		Str("run_id", event.RunID).
		Int("episode", event.Episode).
		Str("subject", subject).
		Msg("Published episode event")
	return nil
}

// PublishCheckpoint publishes checkpoint writes on <subject>.checkpoints
func (n *NATSPublisher) PublishCheckpoint(ctx context.Context, event CheckpointEvent) error {
	return n.publish(n.subject+".checkpoints", event)
}

func (n *NATSPublisher) publish(subject string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := n.conn.Publish(subject, data); err != nil {
		n.logger.Error().Err(err).Str("subject", subject).Msg("Failed to publish event")
		return err
	}
	return nil
}
