package saga

import (
	"context"
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/eventcore/internal/domain/errors"
	"github.com/cassiomorais/eventcore/internal/domain/idempotency"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultLockTTL is how long a guarded operation may hold its key before
// another attempt can take it over.
const DefaultLockTTL = 5 * time.Minute

// Guard makes an externally visible operation run at most once per key.
// A completed operation is replayed from its stored result, a failed one
// releases the key so the next attempt can retry.
type Guard struct {
	repo   idempotency.Repository
	logger zerolog.Logger
}

func NewGuard(repo idempotency.Repository, logger zerolog.Logger) *Guard {
	return &Guard{repo: repo, logger: logger}
}

// Do runs fn under key. replayed is true when fn did not run because an
// earlier attempt already completed; result is then the stored one.
// ErrOperationInProgress means another holder is still working on the key.
func (g *Guard) Do(ctx context.Context, key idempotency.Key, ttl time.Duration, fn func(ctx context.Context) (idempotency.Result, error)) (result idempotency.Result, replayed bool, err error) {
	if err := key.Validate(); err != nil {
		return idempotency.Result{}, false, err
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}

	owner := uuid.NewString()
	lock, acquired, err := g.repo.Acquire(ctx, key, owner, ttl)
	if err != nil {
		return idempotency.Result{}, false, fmt.Errorf("acquire idempotency lock: %w", err)
	}

	if !acquired {
		if lock != nil && lock.Status == idempotency.StatusCompleted {
			stored := idempotency.Result{}
			if lock.ResourceID != nil {
				stored.ResourceID = *lock.ResourceID
			}
			if lock.ResponseCode != nil {
				stored.ResponseCode = *lock.ResponseCode
			}
			g.logger.Debug().
				Str("operation", key.Operation).
				Str("key", key.Key).
				Msg("Replaying completed operation")
			return stored, true, nil
		}
		return idempotency.Result{}, false, fmt.Errorf("%w: %s/%s", domainErrors.ErrOperationInProgress, key.Operation, key.Key)
	}

	result, err = fn(ctx)
	if err != nil {
		if relErr := g.repo.Release(context.WithoutCancel(ctx), key, owner); relErr != nil {
			g.logger.Error().Err(relErr).
				Str("operation", key.Operation).
				Str("key", key.Key).
				Msg("Failed to release idempotency lock")
		}
		return idempotency.Result{}, false, err
	}

	if err := g.repo.Complete(context.WithoutCancel(ctx), key, owner, result); err != nil {
		return result, false, fmt.Errorf("complete idempotency lock: %w", err)
	}
	return result, false, nil
}

// Purge deletes finished keys whose lease ended more than retention ago.
// A purged key can run its operation again.
func (g *Guard) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := g.repo.PurgeExpired(ctx, time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("purge idempotency locks: %w", err)
	}
	if n > 0 {
		g.logger.Info().Int64("count", n).Dur("retention", retention).Msg("Purged idempotency locks")
	}
	return n, nil
}

// RunPurge calls Purge every interval until ctx is done.
func (g *Guard) RunPurge(ctx context.Context, interval, retention time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := g.Purge(ctx, retention); err != nil && ctx.Err() == nil {
				g.logger.Error().Err(err).Msg("Idempotency purge failed")
			}
		}
	}
}
