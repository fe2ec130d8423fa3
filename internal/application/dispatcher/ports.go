package dispatcher

import (
	"context"

	"github.com/cassiomorais/eventcore/internal/domain/outbox"
	"github.com/cassiomorais/eventcore/pkg/limiter"
)

// Handler performs the external effect of one event type. A nil return marks
// the event published. Any error consumes one retry, except errors wrapped
// with retry.Permanent, which dead-letter the event at once.
type Handler interface {
	Handle(ctx context.Context, event *outbox.Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, event *outbox.Event) error

func (f HandlerFunc) Handle(ctx context.Context, event *outbox.Event) error {
	return f(ctx, event)
}

// Executor runs handler invocations with bounded concurrency.
type Executor interface {
	Submit(ctx context.Context, task limiter.Task) (*limiter.Future, error)
	HighUsage() bool
	Stats() limiter.Stats
	ResetBreaker()
	Drain(ctx context.Context) error
}

// DeadLetterSink is told about every event that ends in dead_letter.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, event *outbox.Event) error
}

// Publisher writes an event to an external broker destination.
type Publisher interface {
	Publish(ctx context.Context, destination string, event *outbox.Event) error
}
