package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/eventcore/internal/domain/errors"
	"github.com/cassiomorais/eventcore/internal/domain/idempotency"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const lockColumns = `tenant_id, operation, key, status, owner, resource_id, response_code,
	expires_at, created_at, updated_at`

// IdempotencyRepository implements idempotency.Repository using PostgreSQL.
type IdempotencyRepository struct {
	pool *pgxpool.Pool
}

func NewIdempotencyRepository(pool *pgxpool.Pool) *IdempotencyRepository {
	return &IdempotencyRepository{pool: pool}
}

var _ idempotency.Repository = (*IdempotencyRepository)(nil)

func (r *IdempotencyRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

// Acquire inserts the lock or takes over a released, expired or
// already-owned one in a single upsert. A completed lock is never taken over.
func (r *IdempotencyRepository) Acquire(ctx context.Context, key idempotency.Key, owner string, ttl time.Duration) (*idempotency.Lock, bool, error) {
	if err := key.Validate(); err != nil {
		return nil, false, err
	}
	now := time.Now().UTC()

	l, err := scanLock(r.db(ctx).QueryRow(ctx,
		`INSERT INTO idempotency_locks
		 (tenant_id, operation, key, status, owner, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, 'acquired', $4, $5, $6, $6)
		 ON CONFLICT (tenant_id, operation, key) DO UPDATE SET
		    status = 'acquired', owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at,
		    resource_id = NULL, response_code = NULL, updated_at = EXCLUDED.updated_at
		 WHERE idempotency_locks.status = 'released'
		    OR (idempotency_locks.status = 'acquired'
		        AND (idempotency_locks.owner = EXCLUDED.owner
		             OR idempotency_locks.expires_at <= EXCLUDED.updated_at))
		 RETURNING `+lockColumns,
		key.TenantID, key.Operation, key.Key, owner, now.Add(ttl), now,
	))
	if err == nil {
		return l, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("acquire idempotency lock: %w", err)
	}

	// The conflicting row was not taken over; report who holds it.
	current, err := r.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

func (r *IdempotencyRepository) Complete(ctx context.Context, key idempotency.Key, owner string, result idempotency.Result) error {
	var resourceID *string
	if result.ResourceID != "" {
		resourceID = &result.ResourceID
	}
	var code *int
	if result.ResponseCode != 0 {
		code = &result.ResponseCode
	}
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE idempotency_locks SET status = 'completed', resource_id = $5, response_code = $6, updated_at = $7
		 WHERE tenant_id = $1 AND operation = $2 AND key = $3 AND owner = $4 AND status = 'acquired'`,
		key.TenantID, key.Operation, key.Key, owner, resourceID, code, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("complete idempotency lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domainErrors.ErrLockNotHeld
	}
	return nil
}

func (r *IdempotencyRepository) Release(ctx context.Context, key idempotency.Key, owner string) error {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE idempotency_locks SET status = 'released', updated_at = $5
		 WHERE tenant_id = $1 AND operation = $2 AND key = $3 AND owner = $4 AND status = 'acquired'`,
		key.TenantID, key.Operation, key.Key, owner, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("release idempotency lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domainErrors.ErrLockNotHeld
	}
	return nil
}

func (r *IdempotencyRepository) Get(ctx context.Context, key idempotency.Key) (*idempotency.Lock, error) {
	l, err := scanLock(r.db(ctx).QueryRow(ctx,
		`SELECT `+lockColumns+` FROM idempotency_locks
		 WHERE tenant_id = $1 AND operation = $2 AND key = $3`,
		key.TenantID, key.Operation, key.Key,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // not found
		}
		return nil, fmt.Errorf("get idempotency lock: %w", err)
	}
	return l, nil
}

func (r *IdempotencyRepository) ListHeld(ctx context.Context, limit int) ([]*idempotency.Lock, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db(ctx).Query(ctx,
		`SELECT `+lockColumns+` FROM idempotency_locks
		 WHERE status = 'acquired' ORDER BY created_at ASC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list held idempotency locks: %w", err)
	}
	defer rows.Close()

	var locks []*idempotency.Lock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan idempotency lock: %w", err)
		}
		locks = append(locks, l)
	}
	return locks, rows.Err()
}

func (r *IdempotencyRepository) ForceRelease(ctx context.Context, key idempotency.Key) error {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE idempotency_locks SET status = 'released', updated_at = $4
		 WHERE tenant_id = $1 AND operation = $2 AND key = $3 AND status = 'acquired'`,
		key.TenantID, key.Operation, key.Key, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("force release idempotency lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domainErrors.ErrLockNotHeld
	}
	return nil
}

func (r *IdempotencyRepository) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db(ctx).Exec(ctx,
		`DELETE FROM idempotency_locks WHERE status IN ('completed', 'released') AND expires_at < $1`, before,
	)
	if err != nil {
		return 0, fmt.Errorf("purge idempotency locks: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanLock(row scanner) (*idempotency.Lock, error) {
	l := &idempotency.Lock{}
	var status string
	err := row.Scan(
		&l.TenantID, &l.Operation, &l.Key.Key, &status, &l.Owner, &l.ResourceID, &l.ResponseCode,
		&l.ExpiresAt, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	l.Status = idempotency.Status(status)
	return l, nil
}
