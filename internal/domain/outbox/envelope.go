package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cassiomorais/eventcore/internal/domain/document"
	"github.com/google/uuid"
)

// Envelope is the wire form an event takes when relayed to a broker.
type Envelope struct {
	ID            uuid.UUID         `json:"id"`
	TenantID      *string           `json:"tenant_id,omitempty"`
	AggregateType string            `json:"aggregate_type"`
	AggregateID   string            `json:"aggregate_id"`
	EventType     string            `json:"event_type"`
	Payload       document.Document `json:"payload"`
	Metadata      document.Document `json:"metadata,omitempty"`
	Attempt       int               `json:"attempt"`
	CreatedAt     time.Time         `json:"created_at"`
}

// EnvelopeOf builds the relay envelope for e. Attempt counts from one.
func EnvelopeOf(e *Event) Envelope {
	return Envelope{
		ID:            e.ID,
		TenantID:      e.TenantID,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		EventType:     e.EventType,
		Payload:       e.Payload,
		Metadata:      e.Metadata,
		Attempt:       e.RetryCount + 1,
		CreatedAt:     e.CreatedAt,
	}
}

// EncodeEnvelope marshals the relay envelope of e.
func EncodeEnvelope(e *Event) ([]byte, error) {
	b, err := json.Marshal(EnvelopeOf(e))
	if err != nil {
		return nil, fmt.Errorf("encode envelope for event %s: %w", e.ID, err)
	}
	return b, nil
}
