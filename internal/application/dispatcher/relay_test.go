package dispatcher_test

import (
	"context"
	"errors"
	"testing"

	"github.com/cassiomorais/eventcore/internal/application/dispatcher"
	"github.com/cassiomorais/eventcore/internal/domain/outbox"
	"github.com/cassiomorais/eventcore/internal/testutil"
	"github.com/cassiomorais/eventcore/pkg/limiter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterRoutes_RelaysToTransport(t *testing.T) {
	h := newHarness(t, limiter.Config{Concurrency: 2})
	streams := &testutil.RecordingPublisher{}
	topics := &testutil.RecordingPublisher{}

	err := h.d.RegisterRoutes([]dispatcher.Route{
		{EventType: "expense.created", Transport: "redis", Destination: "expenses"},
		{EventType: "budget.updated", Transport: "kafka", Destination: "budgets"},
	}, map[string]dispatcher.Publisher{"redis": streams, "kafka": topics})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"expense.created", "budget.updated"}, h.d.EventTypes())

	created := h.append(t, "expense.created", map[string]any{"amount": 10}, 0)
	updated := h.append(t, "budget.updated", nil, 0)

	res, err := h.d.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Published)

	require.Len(t, streams.Sent(), 1)
	assert.Equal(t, "expenses", streams.Sent()[0].Destination)
	assert.Equal(t, created.ID, streams.Sent()[0].Event.ID)
	require.Len(t, topics.Sent(), 1)
	assert.Equal(t, "budgets", topics.Sent()[0].Destination)
	assert.Equal(t, updated.ID, topics.Sent()[0].Event.ID)
}

func TestRegisterRoutes_UnknownTransport(t *testing.T) {
	h := newHarness(t, limiter.Config{Concurrency: 1})

	err := h.d.RegisterRoutes([]dispatcher.Route{
		{EventType: "expense.created", Transport: "nats", Destination: "expenses"},
	}, map[string]dispatcher.Publisher{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown transport "nats"`)
}

func TestRelayHandler_PublishFailureConsumesRetry(t *testing.T) {
	h := newHarness(t, limiter.Config{Concurrency: 1})
	pub := &testutil.RecordingPublisher{Err: errors.New("broker down")}
	require.NoError(t, h.d.RegisterHandler("expense.created", dispatcher.RelayHandler(pub, "expenses")))

	e := h.append(t, "expense.created", nil, 3)
	res, err := h.d.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	got := h.get(t, e)
	assert.Equal(t, outbox.StatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "broker down")
}
