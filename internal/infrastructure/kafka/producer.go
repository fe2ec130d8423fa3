// Package kafka relays outbox events to Kafka topics through segmentio/kafka-go.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/cassiomorais/eventcore/internal/domain/outbox"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of *kafka.Writer the producer needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes events synchronously, so a nil error means the brokers
// acknowledged the write.
type Producer struct {
	writer       MessageWriter
	writeTimeout time.Duration
	logger       zerolog.Logger
}

// NewProducer builds a producer over brokers. The topic is set per message.
func NewProducer(brokers []string, batchTimeout time.Duration, logger zerolog.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.LeastBytes{},
		WriteTimeout: 10 * time.Second,
		BatchTimeout: batchTimeout,
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug().Msgf(msg, args...)
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error().Msgf(msg, args...)
		}),
	}
	return NewProducerWithWriter(writer, writer.WriteTimeout, logger)
}

// NewProducerWithWriter wraps an existing writer.
func NewProducerWithWriter(w MessageWriter, writeTimeout time.Duration, logger zerolog.Logger) *Producer {
	return &Producer{writer: w, writeTimeout: writeTimeout, logger: logger}
}

// Publish writes the event envelope to topic destination, keyed by aggregate
// so events of one aggregate stay ordered within a partition.
func (p *Producer) Publish(ctx context.Context, destination string, event *outbox.Event) error {
	value, err := outbox.EncodeEnvelope(event)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Topic: destination,
		Key:   []byte(event.AggregateType + ":" + event.AggregateID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(event.ID.String())},
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	}

	if p.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.writeTimeout)
		defer cancel()
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error().Err(err).
			Str("topic", destination).
			Str("event_id", event.ID.String()).
			Msg("failed to produce message to kafka")
		return fmt.Errorf("failed to produce event %s to %s: %w", event.ID, destination, err)
	}
	p.logger.Debug().
		Str("topic", destination).
		Str("event_id", event.ID.String()).
		Msg("event produced to kafka")
	return nil
}

func (p *Producer) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka producer: %w", err)
	}
	return nil
}
