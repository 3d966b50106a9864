/*
Package notify delivers committed ledger events to the outside world.

Both sinks implement ledger.EventSink. The ledger calls them after the
unit of work has committed; an error here is logged by the ledger and
never undoes the append.

  LogSink         writes one structured log line per event
  RedisPublisher  publishes one JSON message per event on a Redis channel
                  named <prefix>:<org id>
*/
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/warp/nursery-ledger/ledger"
)

// Message is the wire form of a committed event.
type Message struct {
	EventID    ledger.EventID   `json:"event_id"`
	OrgID      ledger.OrgID     `json:"org_id"`
	BatchID    ledger.BatchID   `json:"batch_id"`
	Type       ledger.EventType `json:"type"`
	ActorID    ledger.ActorID   `json:"actor_id"`
	OccurredAt time.Time        `json:"occurred_at"`
	RecordedAt time.Time        `json:"recorded_at"`
	Sequence   int64            `json:"sequence"`
	Delta      ledger.Quantity  `json:"delta"`
	Payload    ledger.Payload   `json:"payload"`
	Legacy     bool             `json:"legacy,omitempty"`
}

func NewMessage(e ledger.BatchEvent) Message {
	return Message{
		EventID:    e.ID,
		OrgID:      e.OrgID,
		BatchID:    e.BatchID,
		Type:       e.Type,
		ActorID:    e.ActorID,
		OccurredAt: e.OccurredAt,
		RecordedAt: e.RecordedAt,
		Sequence:   e.Sequence,
		Delta:      e.Delta(),
		Payload:    e.Payload,
		Legacy:     e.Legacy,
	}
}

// =============================================================================
// LOG SINK
// =============================================================================

type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("component", "events").Logger()}
}

func (s *LogSink) Publish(_ context.Context, events []ledger.BatchEvent) error {
	for _, e := range events {
		s.log.Info().
			Str("event_id", string(e.ID)).
			Str("org_id", string(e.OrgID)).
			Str("batch_id", string(e.BatchID)).
			Str("type", string(e.Type)).
			Str("actor_id", string(e.ActorID)).
			Int64("delta", int64(e.Delta())).
			Time("occurred_at", e.OccurredAt).
			Msg("event committed")
	}
	return nil
}

// =============================================================================
// REDIS PUBLISHER
// =============================================================================

// Publisher is the part of *redis.Client the publisher uses.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

const DefaultChannelPrefix = "nursery:batch-events"

type RedisPublisher struct {
	client  Publisher
	prefix  string
	timeout time.Duration
}

func NewRedisPublisher(client Publisher, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisPublisher{client: client, prefix: prefix, timeout: 5 * time.Second}
}

// Channel returns the channel events of org are published on.
func (p *RedisPublisher) Channel(org ledger.OrgID) string {
	return fmt.Sprintf("%s:%s", p.prefix, org)
}

// Publish sends every event even when an earlier one fails and returns the
// joined errors.
func (p *RedisPublisher) Publish(ctx context.Context, events []ledger.BatchEvent) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var errs []error
	for _, e := range events {
		body, err := json.Marshal(NewMessage(e))
		if err != nil {
			errs = append(errs, fmt.Errorf("encode event %s: %w", e.ID, err))
			continue
		}
		if err := p.client.Publish(ctx, p.Channel(e.OrgID), body).Err(); err != nil {
			errs = append(errs, fmt.Errorf("publish event %s: %w", e.ID, err))
		}
	}
	return errors.Join(errs...)
}
