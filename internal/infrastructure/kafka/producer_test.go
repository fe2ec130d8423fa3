package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cassiomorais/eventcore/internal/domain/document"
	"github.com/cassiomorais/eventcore/internal/domain/outbox"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	msgs     []kafka.Message
	err      error
	deadline bool
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	_, w.deadline = ctx.Deadline()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func testEvent() *outbox.Event {
	return &outbox.Event{
		ID:            uuid.New(),
		AggregateType: "order",
		AggregateID:   "ord-7",
		EventType:     "order.created",
		Payload:       document.Document{"total": 10},
		CreatedAt:     time.Now().UTC(),
	}
}

func TestProducer_PublishSetsTopicKeyAndHeaders(t *testing.T) {
	w := &recordingWriter{}
	p := NewProducerWithWriter(w, time.Second, zerolog.Nop())
	e := testEvent()

	require.NoError(t, p.Publish(context.Background(), "orders", e))

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "orders", msg.Topic)
	assert.Equal(t, "order:ord-7", string(msg.Key))
	assert.Contains(t, string(msg.Value), `"event_type":"order.created"`)
	require.Len(t, msg.Headers, 2)
	assert.Equal(t, e.ID.String(), string(msg.Headers[0].Value))
	assert.True(t, w.deadline)
}

func TestProducer_PublishWrapsWriterError(t *testing.T) {
	boom := errors.New("leader not available")
	p := NewProducerWithWriter(&recordingWriter{err: boom}, 0, zerolog.Nop())

	err := p.Publish(context.Background(), "orders", testEvent())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "orders")
}
