package testutil

import (
	"context"
	"sync"

	"github.com/cassiomorais/eventcore/internal/domain/outbox"
)

// Published is one call to RecordingPublisher.Publish.
type Published struct {
	Destination string
	Event       *outbox.Event
}

// RecordingPublisher records every publish. Err, when set, is returned
// instead and nothing is recorded.
type RecordingPublisher struct {
	mu   sync.Mutex
	sent []Published
	Err  error
}

func (p *RecordingPublisher) Publish(ctx context.Context, destination string, event *outbox.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.sent = append(p.sent, Published{Destination: destination, Event: event})
	return nil
}

func (p *RecordingPublisher) Sent() []Published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Published(nil), p.sent...)
}

// DeadLetterRecorder collects the events handed to a dead-letter sink.
type DeadLetterRecorder struct {
	mu     sync.Mutex
	events []*outbox.Event
}

func (r *DeadLetterRecorder) DeadLetter(ctx context.Context, event *outbox.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *DeadLetterRecorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *DeadLetterRecorder) Events() []*outbox.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*outbox.Event(nil), r.events...)
}
