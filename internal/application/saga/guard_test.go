package saga_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sagaApp "github.com/cassiomorais/eventcore/internal/application/saga"
	domainErrors "github.com/cassiomorais/eventcore/internal/domain/errors"
	"github.com/cassiomorais/eventcore/internal/domain/idempotency"
	"github.com/cassiomorais/eventcore/internal/repository/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var chargeKey = idempotency.Key{TenantID: "t1", Operation: "charge", Key: "order-1"}

func TestGuard_RunsOnceAndReplays(t *testing.T) {
	g := sagaApp.NewGuard(memory.NewIdempotencyStore(), zerolog.Nop())
	ctx := context.Background()
	calls := 0
	fn := func(ctx context.Context) (idempotency.Result, error) {
		calls++
		return idempotency.Result{ResourceID: "ch_123", ResponseCode: 201}, nil
	}

	res, replayed, err := g.Do(ctx, chargeKey, time.Minute, fn)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, "ch_123", res.ResourceID)

	res, replayed, err = g.Do(ctx, chargeKey, time.Minute, fn)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, "ch_123", res.ResourceID)
	assert.Equal(t, 201, res.ResponseCode)
	assert.Equal(t, 1, calls)
}

func TestGuard_FailureReleasesKey(t *testing.T) {
	g := sagaApp.NewGuard(memory.NewIdempotencyStore(), zerolog.Nop())
	ctx := context.Background()

	_, _, err := g.Do(ctx, chargeKey, time.Minute, func(ctx context.Context) (idempotency.Result, error) {
		return idempotency.Result{}, errors.New("gateway timeout")
	})
	require.EqualError(t, err, "gateway timeout")

	res, replayed, err := g.Do(ctx, chargeKey, time.Minute, func(ctx context.Context) (idempotency.Result, error) {
		return idempotency.Result{ResourceID: "ch_2"}, nil
	})
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, "ch_2", res.ResourceID)
}

func TestGuard_ConcurrentCallersExecuteOnce(t *testing.T) {
	g := sagaApp.NewGuard(memory.NewIdempotencyStore(), zerolog.Nop())
	var executions atomic.Int32
	var inProgress atomic.Int32
	start := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, _, err := g.Do(context.Background(), chargeKey, time.Minute, func(ctx context.Context) (idempotency.Result, error) {
				executions.Add(1)
				time.Sleep(20 * time.Millisecond)
				return idempotency.Result{ResourceID: "ch_1"}, nil
			})
			if errors.Is(err, domainErrors.ErrOperationInProgress) {
				inProgress.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), executions.Load())
	assert.Positive(t, inProgress.Load())
}

func TestGuard_ExpiredLockIsTakenOver(t *testing.T) {
	store := memory.NewIdempotencyStore()
	ctx := context.Background()
	_, held, err := store.Acquire(ctx, chargeKey, "crashed-worker", time.Nanosecond)
	require.NoError(t, err)
	require.True(t, held)
	time.Sleep(time.Millisecond)

	g := sagaApp.NewGuard(store, zerolog.Nop())
	_, replayed, err := g.Do(ctx, chargeKey, time.Minute, func(ctx context.Context) (idempotency.Result, error) {
		return idempotency.Result{ResourceID: "ch_3"}, nil
	})
	require.NoError(t, err)
	assert.False(t, replayed)
}

func TestGuard_InvalidKey(t *testing.T) {
	g := sagaApp.NewGuard(memory.NewIdempotencyStore(), zerolog.Nop())
	_, _, err := g.Do(context.Background(), idempotency.Key{Operation: "charge"}, time.Minute, nil)
	assert.ErrorIs(t, err, domainErrors.ErrValidationFailed)
}

func TestGuard_PurgeForgetsOldKeys(t *testing.T) {
	past := time.Now().Add(-2 * time.Hour)
	store := memory.NewIdempotencyStore(memory.WithClock(func() time.Time { return past }))
	g := sagaApp.NewGuard(store, zerolog.Nop())
	ctx := context.Background()
	calls := 0
	fn := func(ctx context.Context) (idempotency.Result, error) {
		calls++
		return idempotency.Result{ResourceID: "ch_1", ResponseCode: 201}, nil
	}

	_, _, err := g.Do(ctx, chargeKey, time.Minute, fn)
	require.NoError(t, err)

	n, err := g.Purge(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = g.Purge(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, replayed, err := g.Do(ctx, chargeKey, time.Minute, fn)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, 2, calls)
}
