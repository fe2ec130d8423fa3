package dispatcher_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cassiomorais/eventcore/internal/application/dispatcher"
	domainErrors "github.com/cassiomorais/eventcore/internal/domain/errors"
	"github.com/cassiomorais/eventcore/internal/domain/outbox"
	"github.com/cassiomorais/eventcore/internal/repository/memory"
	"github.com/cassiomorais/eventcore/internal/testutil"
	"github.com/cassiomorais/eventcore/pkg/limiter"
	"github.com/cassiomorais/eventcore/pkg/retry"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	store   *memory.OutboxStore
	tx      *memory.TxManager
	limiter *limiter.Limiter
	d       *dispatcher.Dispatcher
}

func newHarness(t *testing.T, lcfg limiter.Config, opts ...dispatcher.Option) *harness {
	t.Helper()
	store := memory.NewOutboxStore()
	l := limiter.New(lcfg, limiter.WithMemorySampler(func() (uint64, error) { return 0, nil }))
	cfg := dispatcher.Config{
		WorkerID:          "test-worker",
		BatchSize:         10,
		PollInterval:      10 * time.Millisecond,
		StaleTimeout:      time.Minute,
		HeartbeatInterval: 10 * time.Second,
		RetryBackoff:      0,
	}
	return &harness{
		store:   store,
		tx:      memory.NewTxManager(),
		limiter: l,
		d:       dispatcher.New(store, l, cfg, opts...),
	}
}

func (h *harness) append(t *testing.T, eventType string, payload map[string]any, maxRetries int) *outbox.Event {
	t.Helper()
	e, err := outbox.NewEvent(outbox.AppendRequest{
		AggregateType: "expense",
		AggregateID:   "e1",
		EventType:     eventType,
		Payload:       payload,
		MaxRetries:    maxRetries,
	})
	require.NoError(t, err)
	require.NoError(t, h.tx.WithTransaction(context.Background(), func(ctx context.Context) error {
		return h.store.Append(ctx, e)
	}))
	return e
}

func (h *harness) get(t *testing.T, e *outbox.Event) *outbox.Event {
	t.Helper()
	got, err := h.store.GetByID(context.Background(), e.ID)
	require.NoError(t, err)
	return got
}

func TestDispatcher_EndToEndPublish(t *testing.T) {
	h := newHarness(t, limiter.Config{Concurrency: 4})
	ctx := context.Background()

	var expenses []string
	var e *outbox.Event
	err := h.tx.WithTransaction(ctx, func(ctx context.Context) error {
		expenses = append(expenses, "e1")
		var err error
		e, err = outbox.NewEvent(outbox.AppendRequest{
			AggregateType: "expense",
			AggregateID:   "e1",
			EventType:     "expense.created",
			Payload:       map[string]any{"id": "e1", "amount": 120},
		})
		if err != nil {
			return err
		}
		return h.store.Append(ctx, e)
	})
	require.NoError(t, err)
	require.Len(t, expenses, 1)

	var calls atomic.Int64
	var seenAmount int64
	require.NoError(t, h.d.RegisterHandler("expense.created", dispatcher.HandlerFunc(func(ctx context.Context, ev *outbox.Event) error {
		calls.Add(1)
		seenAmount, _ = ev.Payload.Int64("amount")
		return nil
	})))

	res, err := h.d.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Claimed)
	assert.Equal(t, 1, res.Published)
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, int64(120), seenAmount)

	got := h.get(t, e)
	assert.Equal(t, outbox.StatusPublished, got.Status)
	assert.NotNil(t, got.PublishedAt)
	assert.Equal(t, dispatcher.StateIdle, h.d.State())

	res, err = h.d.PollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)
	assert.Equal(t, int64(1), calls.Load())
}

func TestDispatcher_RetriesUntilHandlerSucceeds(t *testing.T) {
	h := newHarness(t, limiter.Config{Concurrency: 2})
	ctx := context.Background()
	e := h.append(t, "expense.created", map[string]any{"id": "e1", "amount": 120}, 3)

	var calls atomic.Int64
	require.NoError(t, h.d.RegisterHandler("expense.created", dispatcher.HandlerFunc(func(ctx context.Context, ev *outbox.Event) error {
		if calls.Add(1) <= 2 {
			return errors.New("mail server unavailable")
		}
		return nil
	})))

	for i := 0; i < 3; i++ {
		_, err := h.d.PollOnce(ctx)
		require.NoError(t, err)
	}

	got := h.get(t, e)
	assert.Equal(t, outbox.StatusPublished, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, int64(3), calls.Load())
}

func TestDispatcher_DeadLettersAfterMaxRetries(t *testing.T) {
	sink := &testutil.DeadLetterRecorder{}
	h := newHarness(t, limiter.Config{Concurrency: 2}, dispatcher.WithDeadLetterSink(sink))
	ctx := context.Background()
	e := h.append(t, "expense.created", nil, 3)

	require.NoError(t, h.d.RegisterHandler("expense.created", dispatcher.HandlerFunc(func(ctx context.Context, ev *outbox.Event) error {
		return errors.New("always broken")
	})))

	var total dispatcher.Result
	for i := 0; i < 5; i++ {
		res, err := h.d.PollOnce(ctx)
		require.NoError(t, err)
		total.Failed += res.Failed
		total.DeadLettered += res.DeadLettered
	}

	assert.Equal(t, 2, total.Failed)
	assert.Equal(t, 1, total.DeadLettered)
	assert.Equal(t, 1, sink.Len())

	got := h.get(t, e)
	assert.Equal(t, outbox.StatusDeadLetter, got.Status)
	assert.Equal(t, 3, got.RetryCount)

	dead, err := h.d.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)

	require.NoError(t, h.d.RequeueDeadLetter(ctx, e.ID))
	got = h.get(t, e)
	assert.Equal(t, outbox.StatusPending, got.Status)
	assert.Equal(t, 0, got.RetryCount)
}

func TestDispatcher_PermanentErrorDeadLettersImmediately(t *testing.T) {
	sink := &testutil.DeadLetterRecorder{}
	h := newHarness(t, limiter.Config{Concurrency: 2}, dispatcher.WithDeadLetterSink(sink))
	ctx := context.Background()
	e := h.append(t, "expense.created", nil, 5)

	require.NoError(t, h.d.RegisterHandler("expense.created", dispatcher.HandlerFunc(func(ctx context.Context, ev *outbox.Event) error {
		return retry.Permanent(errors.New("payload missing amount"))
	})))

	res, err := h.d.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeadLettered)
	assert.Equal(t, 1, sink.Len())

	got := h.get(t, e)
	assert.Equal(t, outbox.StatusDeadLetter, got.Status)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "payload missing amount")
}

func TestDispatcher_MissingHandlerCountsAsFailure(t *testing.T) {
	h := newHarness(t, limiter.Config{Concurrency: 2})
	ctx := context.Background()
	e := h.append(t, "budget.exceeded", nil, 3)

	res, err := h.d.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	got := h.get(t, e)
	assert.Equal(t, outbox.StatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, domainErrors.ErrHandlerNotRegistered.Error())
}

func TestDispatcher_HandlerPanicIsAFailure(t *testing.T) {
	h := newHarness(t, limiter.Config{Concurrency: 2})
	ctx := context.Background()
	e := h.append(t, "expense.created", nil, 3)

	require.NoError(t, h.d.RegisterHandler("expense.created", dispatcher.HandlerFunc(func(ctx context.Context, ev *outbox.Event) error {
		var m map[string]int
		m["boom"]++
		return nil
	})))

	res, err := h.d.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	got := h.get(t, e)
	assert.Equal(t, outbox.StatusFailed, got.Status)
	assert.Contains(t, *got.LastError, "panicked")
}

func TestDispatcher_BreakerOpenReleasesWithoutConsumingRetry(t *testing.T) {
	h := newHarness(t, limiter.Config{
		Concurrency:       1,
		BreakerThreshold:  0.5,
		BreakerMinSamples: 1,
		BreakerTimeout:    time.Hour,
	})
	h.d = dispatcher.New(h.store, h.limiter, dispatcher.Config{
		WorkerID:     "test-worker",
		BatchSize:    10,
		StaleTimeout: time.Minute,
		RetryBackoff: time.Hour,
	})
	ctx := context.Background()

	require.NoError(t, h.d.RegisterHandler("provider.call", dispatcher.HandlerFunc(func(ctx context.Context, ev *outbox.Event) error {
		return errors.New("provider down")
	})))
	h.append(t, "provider.call", nil, 5)

	res, err := h.d.PollOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)
	assert.Equal(t, "open", h.d.LimiterStats().BreakerState)

	next := h.append(t, "provider.call", nil, 5)
	res, err = h.d.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Claimed)
	assert.Equal(t, 1, res.Released)

	got := h.get(t, next)
	assert.Equal(t, outbox.StatusPending, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Nil(t, got.ProcessingBy)

	h.d.ResetBreaker()
	assert.Equal(t, "closed", h.d.LimiterStats().BreakerState)
}

func TestDispatcher_HeartbeatsKeepLongHandlersClaimed(t *testing.T) {
	store := memory.NewOutboxStore()
	l := limiter.New(limiter.Config{Concurrency: 1}, limiter.WithMemorySampler(func() (uint64, error) { return 0, nil }))
	d := dispatcher.New(store, l, dispatcher.Config{
		WorkerID:          "w1",
		StaleTimeout:      80 * time.Millisecond,
		HeartbeatInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()

	e, err := outbox.NewEvent(outbox.AppendRequest{AggregateType: "report", AggregateID: "r1", EventType: "report.render"})
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, e))

	var stolen []*outbox.Event
	require.NoError(t, d.RegisterHandler("report.render", dispatcher.HandlerFunc(func(ctx context.Context, ev *outbox.Event) error {
		time.Sleep(200 * time.Millisecond)
		var err error
		stolen, err = store.ClaimBatch(ctx, "w2", 10, 80*time.Millisecond)
		return err
	})))

	res, err := d.PollOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, stolen)
	assert.Equal(t, 1, res.Published)
}

func TestDispatcher_ClaimLostSkipsBookkeeping(t *testing.T) {
	store := memory.NewOutboxStore()
	l := limiter.New(limiter.Config{Concurrency: 1}, limiter.WithMemorySampler(func() (uint64, error) { return 0, nil }))
	d := dispatcher.New(store, l, dispatcher.Config{
		WorkerID:          "w1",
		StaleTimeout:      time.Minute,
		HeartbeatInterval: 5 * time.Millisecond,
	})
	ctx := context.Background()

	e, err := outbox.NewEvent(outbox.AppendRequest{AggregateType: "report", AggregateID: "r1", EventType: "report.render"})
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, e))

	require.NoError(t, d.RegisterHandler("report.render", dispatcher.HandlerFunc(func(ctx context.Context, ev *outbox.Event) error {
		time.Sleep(time.Millisecond)
		// Simulates another worker deciding this claim was abandoned.
		if _, err := store.ClaimBatch(ctx, "w2", 10, 0); err != nil {
			return err
		}
		time.Sleep(50 * time.Millisecond)
		return nil
	})))

	res, err := d.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Lost)

	got, err := store.GetByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusProcessing, got.Status)
	require.NotNil(t, got.ProcessingBy)
	assert.Equal(t, "w2", *got.ProcessingBy)
}

func TestDispatcher_LateFailureDoesNotTouchNewClaim(t *testing.T) {
	store := memory.NewOutboxStore()
	l := limiter.New(limiter.Config{Concurrency: 1}, limiter.WithMemorySampler(func() (uint64, error) { return 0, nil }))
	d := dispatcher.New(store, l, dispatcher.Config{
		WorkerID:          "w1",
		StaleTimeout:      time.Minute,
		HeartbeatInterval: time.Hour,
	})
	ctx := context.Background()

	e, err := outbox.NewEvent(outbox.AppendRequest{AggregateType: "report", AggregateID: "r1", EventType: "report.render", MaxRetries: 3})
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, e))

	// The handler returns before any heartbeat could notice the takeover.
	require.NoError(t, d.RegisterHandler("report.render", dispatcher.HandlerFunc(func(ctx context.Context, ev *outbox.Event) error {
		time.Sleep(time.Millisecond)
		if _, err := store.ClaimBatch(ctx, "w2", 10, 0); err != nil {
			return err
		}
		return errors.New("render timeout")
	})))

	res, err := d.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Lost)
	assert.Zero(t, res.Failed)

	got, err := store.GetByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusProcessing, got.Status)
	require.NotNil(t, got.ProcessingBy)
	assert.Equal(t, "w2", *got.ProcessingBy)
	assert.Equal(t, 0, got.RetryCount)

	claimed, err := store.ClaimBatch(ctx, "w3", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

type unwritableStore struct {
	*memory.OutboxStore
}

func (s unwritableStore) MarkPublished(ctx context.Context, id uuid.UUID, workerID string) error {
	return errors.New("connection reset")
}

func TestDispatcher_UnrecordedResultIsNotBlamedOnLimiter(t *testing.T) {
	store := memory.NewOutboxStore()
	l := limiter.New(limiter.Config{Concurrency: 1}, limiter.WithMemorySampler(func() (uint64, error) { return 0, nil }))
	d := dispatcher.New(unwritableStore{store}, l, dispatcher.Config{
		WorkerID:          "w1",
		StaleTimeout:      time.Minute,
		HeartbeatInterval: time.Hour,
	})
	ctx := context.Background()

	e, err := outbox.NewEvent(outbox.AppendRequest{AggregateType: "report", AggregateID: "r1", EventType: "report.render"})
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, e))
	require.NoError(t, d.RegisterHandler("report.render", dispatcher.HandlerFunc(func(context.Context, *outbox.Event) error {
		return nil
	})))

	res, err := d.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Unrecorded)
	assert.Zero(t, res.Released)
	assert.Zero(t, res.Published)

	// The claim is left to go stale rather than released.
	got, err := store.GetByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusProcessing, got.Status)
	assert.Equal(t, 0, got.RetryCount)
}

func TestDispatcher_HighUsageHalvesBatch(t *testing.T) {
	store := memory.NewOutboxStore()
	l := limiter.New(limiter.Config{Concurrency: 2, MemoryThresholdBytes: 1},
		limiter.WithMemorySampler(func() (uint64, error) { return 1 << 30, nil }))
	l.Sample()
	require.True(t, l.HighUsage())

	d := dispatcher.New(store, l, dispatcher.Config{WorkerID: "w1", BatchSize: 4})
	require.NoError(t, d.RegisterHandler("expense.created", dispatcher.HandlerFunc(func(ctx context.Context, ev *outbox.Event) error {
		return nil
	})))

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		e, err := outbox.NewEvent(outbox.AppendRequest{AggregateType: "expense", AggregateID: "e1", EventType: "expense.created"})
		require.NoError(t, err)
		require.NoError(t, store.Append(ctx, e))
	}

	res, err := d.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Claimed)
}

func TestDispatcher_OffersBatchInCreationOrder(t *testing.T) {
	h := newHarness(t, limiter.Config{Concurrency: 1})
	ctx := context.Background()

	var want []string
	for i := 0; i < 5; i++ {
		e := h.append(t, "expense.created", nil, 0)
		want = append(want, e.ID.String())
	}

	var mu sync.Mutex
	var got []string
	require.NoError(t, h.d.RegisterHandler("expense.created", dispatcher.HandlerFunc(func(ctx context.Context, ev *outbox.Event) error {
		mu.Lock()
		got = append(got, ev.ID.String())
		mu.Unlock()
		return nil
	})))

	_, err := h.d.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDispatcher_RegisterHandlerValidation(t *testing.T) {
	h := newHarness(t, limiter.Config{})
	noop := dispatcher.HandlerFunc(func(ctx context.Context, ev *outbox.Event) error { return nil })

	require.NoError(t, h.d.RegisterHandler("expense.created", noop))
	assert.ErrorIs(t, h.d.RegisterHandler("expense.created", noop), domainErrors.ErrHandlerAlreadyExists)
	assert.ErrorIs(t, h.d.RegisterHandler("", noop), domainErrors.ErrValidationFailed)
	assert.ErrorIs(t, h.d.RegisterHandler("x", nil), domainErrors.ErrValidationFailed)
	assert.ElementsMatch(t, []string{"expense.created"}, h.d.EventTypes())
}

func TestDispatcher_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t, limiter.Config{Concurrency: 2})
	var calls atomic.Int64
	require.NoError(t, h.d.RegisterHandler("expense.created", dispatcher.HandlerFunc(func(ctx context.Context, ev *outbox.Event) error {
		calls.Add(1)
		return nil
	})))
	h.append(t, "expense.created", nil, 0)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.d.Run(ctx) }()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-errCh)

	shutdownCtx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()
	require.NoError(t, h.d.Shutdown(shutdownCtx))
}

func TestDispatcher_BacklogAndPurge(t *testing.T) {
	h := newHarness(t, limiter.Config{Concurrency: 2})
	ctx := context.Background()
	require.NoError(t, h.d.RegisterHandler("expense.created", dispatcher.HandlerFunc(func(ctx context.Context, ev *outbox.Event) error {
		return nil
	})))
	h.append(t, "expense.created", nil, 0)
	h.append(t, "expense.created", nil, 0)

	_, err := h.d.PollOnce(ctx)
	require.NoError(t, err)

	counts, err := h.d.Backlog(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[outbox.StatusPublished])

	n, err := h.d.PurgePublished(ctx, -time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
