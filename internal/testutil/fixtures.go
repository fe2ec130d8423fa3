package testutil

import (
	"testing"

	"github.com/cassiomorais/eventcore/internal/domain/outbox"
	"github.com/cassiomorais/eventcore/internal/domain/saga"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func NewTestEvent(t *testing.T, eventType string, maxRetries int) *outbox.Event {
	t.Helper()
	e, err := outbox.NewEvent(outbox.AppendRequest{
		AggregateType: "expense",
		AggregateID:   uuid.NewString(),
		EventType:     eventType,
		Payload:       map[string]any{"amount": 1250},
		MaxRetries:    maxRetries,
	})
	require.NoError(t, err)
	return e
}

// NewDeadLetter returns an event that exhausted its retries with lastError.
func NewDeadLetter(t *testing.T, eventType, lastError string) *outbox.Event {
	t.Helper()
	e := NewTestEvent(t, eventType, 3)
	e.Status = outbox.StatusDeadLetter
	e.RetryCount = e.MaxRetries
	e.LastError = &lastError
	return e
}

func NewTestSaga(t *testing.T, key string, steps ...string) *saga.Instance {
	t.Helper()
	if len(steps) == 0 {
		steps = []string{"reserve", "charge"}
	}
	inst, err := saga.NewInstance("expense_approval", key, map[string]any{"expense_id": "e-1"}, steps)
	require.NoError(t, err)
	return inst
}

func StrPtr(s string) *string {
	return &s
}
