package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/cassiomorais/eventcore/internal/domain/outbox"
	"github.com/redis/go-redis/v9"
)

// DefaultDeadLetterStream receives a copy of every dead-lettered event.
const DefaultDeadLetterStream = "eventcore:dlq"

// StreamProducer relays outbox events to Redis streams, one stream per
// destination.
type StreamProducer struct {
	client redis.UniversalClient
	dlq    string
	maxLen int64
}

// NewStreamProducer creates a producer. An empty dlq uses DefaultDeadLetterStream.
func NewStreamProducer(client redis.UniversalClient, dlq string) *StreamProducer {
	if dlq == "" {
		dlq = DefaultDeadLetterStream
	}
	return &StreamProducer{client: client, dlq: dlq, maxLen: 100000}
}

// Publish appends the event envelope to stream destination.
func (p *StreamProducer) Publish(ctx context.Context, destination string, event *outbox.Event) error {
	payload, err := outbox.EncodeEnvelope(event)
	if err != nil {
		return err
	}

	args := &redis.XAddArgs{
		Stream: destination,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"event_id":   event.ID.String(),
			"event_type": event.EventType,
			"payload":    string(payload),
			"timestamp":  time.Now().Unix(),
		},
	}

	if _, err := p.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("failed to publish event %s to %s: %w", event.ID, destination, err)
	}
	return nil
}

// DeadLetter records a dead-lettered event on the DLQ stream.
func (p *StreamProducer) DeadLetter(ctx context.Context, event *outbox.Event) error {
	payload, err := outbox.EncodeEnvelope(event)
	if err != nil {
		return err
	}
	reason := ""
	if event.LastError != nil {
		reason = *event.LastError
	}

	args := &redis.XAddArgs{
		Stream: p.dlq,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"event_id":   event.ID.String(),
			"event_type": event.EventType,
			"reason":     reason,
			"retries":    event.RetryCount,
			"payload":    string(payload),
			"timestamp":  time.Now().Unix(),
		},
	}

	if _, err := p.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("failed to publish to DLQ: %w", err)
	}
	return nil
}
