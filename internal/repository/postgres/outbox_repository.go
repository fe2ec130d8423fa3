package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cassiomorais/eventcore/internal/domain/document"
	domainErrors "github.com/cassiomorais/eventcore/internal/domain/errors"
	"github.com/cassiomorais/eventcore/internal/domain/outbox"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const outboxColumns = `id, tenant_id, aggregate_type, aggregate_id, event_type, payload, metadata,
	status, retry_count, max_retries, last_error, processing_by, processing_started_at,
	last_heartbeat, next_attempt_at, published_at, created_at, updated_at`

// OutboxRepository implements outbox.Store using PostgreSQL.
type OutboxRepository struct {
	pool *pgxpool.Pool
}

// NewOutboxRepository creates a new OutboxRepository.
func NewOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool}
}

var _ outbox.Store = (*OutboxRepository)(nil)

func (r *OutboxRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

// Append inserts event using the transaction carried by ctx.
func (r *OutboxRepository) Append(ctx context.Context, event *outbox.Event) error {
	return r.AppendMany(ctx, []*outbox.Event{event})
}

// AppendMany inserts events using the transaction carried by ctx. Without one
// the rows are inserted in a batch of their own and commit independently.
func (r *OutboxRepository) AppendMany(ctx context.Context, events []*outbox.Event) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range events {
		payload, err := document.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("marshal outbox payload: %w", err)
		}
		metadata, err := document.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal outbox metadata: %w", err)
		}
		batch.Queue(
			`INSERT INTO outbox_events
			 (id, tenant_id, aggregate_type, aggregate_id, event_type, payload, metadata,
			  status, retry_count, max_retries, created_at, updated_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			e.ID, e.TenantID, e.AggregateType, e.AggregateID, e.EventType, payload, metadata,
			string(e.Status), e.RetryCount, e.MaxRetries, e.CreatedAt, e.UpdatedAt,
		)
	}

	results := r.sendBatch(ctx, batch)
	defer results.Close()
	for range events {
		if _, err := results.Exec(); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return fmt.Errorf("insert outbox event: duplicate id: %w", err)
			}
			return fmt.Errorf("insert outbox event: %w", err)
		}
	}
	return results.Close()
}

func (r *OutboxRepository) sendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	if tx, ok := TxFromCtx(ctx); ok {
		return tx.SendBatch(ctx, b)
	}
	return r.pool.SendBatch(ctx, b)
}

// ClaimBatch flips up to limit claimable rows to processing in one statement.
// Rows locked by a concurrent claimer are skipped, never waited on.
func (r *OutboxRepository) ClaimBatch(ctx context.Context, workerID string, limit int, staleTimeout time.Duration) ([]*outbox.Event, error) {
	if limit <= 0 {
		limit = 10
	}
	now := time.Now().UTC()
	rows, err := r.db(ctx).Query(ctx,
		`UPDATE outbox_events SET
		    status = 'processing',
		    processing_by = $1,
		    processing_started_at = $2,
		    last_heartbeat = $2,
		    updated_at = $2
		 WHERE id IN (
		    SELECT id FROM outbox_events
		    WHERE status = 'pending'
		       OR (status = 'failed' AND retry_count < max_retries
		           AND (next_attempt_at IS NULL OR next_attempt_at <= $2))
		       OR (status = 'processing'
		           AND COALESCE(last_heartbeat, processing_started_at) < $3)
		    ORDER BY created_at ASC
		    LIMIT $4
		    FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+outboxColumns,
		workerID, now, now.Add(-staleTimeout), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim outbox events: %w", err)
	}
	events, err := collectEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("claim outbox events: %w", err)
	}
	// RETURNING does not preserve the subquery order.
	sort.SliceStable(events, func(i, j int) bool { return events[i].CreatedAt.Before(events[j].CreatedAt) })
	return events, nil
}

func (r *OutboxRepository) MarkProcessing(ctx context.Context, id uuid.UUID, workerID string) error {
	return r.mutate(ctx, id, func(e *outbox.Event, now time.Time) error {
		return e.MarkProcessing(workerID, now)
	})
}

// Heartbeat is a compare-and-swap on processing_by.
func (r *OutboxRepository) Heartbeat(ctx context.Context, id uuid.UUID, workerID string) error {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE outbox_events SET last_heartbeat = $3, updated_at = $3
		 WHERE id = $1 AND status = 'processing' AND processing_by = $2`,
		id, workerID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("heartbeat outbox event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domainErrors.ErrClaimLost
	}
	return nil
}

func (r *OutboxRepository) MarkPublished(ctx context.Context, id uuid.UUID, workerID string) error {
	return r.mutate(ctx, id, func(e *outbox.Event, now time.Time) error {
		if err := e.ClaimedBy(workerID); err != nil {
			return err
		}
		return e.MarkPublished(now)
	})
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, workerID, errMsg string, backoff time.Duration) (*outbox.Event, error) {
	var updated *outbox.Event
	err := r.mutate(ctx, id, func(e *outbox.Event, now time.Time) error {
		if err := e.ClaimedBy(workerID); err != nil {
			return err
		}
		if err := e.MarkFailed(errMsg, now, backoff); err != nil {
			return err
		}
		updated = e.Clone()
		return nil
	})
	return updated, err
}

func (r *OutboxRepository) MoveToDeadLetter(ctx context.Context, id uuid.UUID, workerID, reason string) error {
	return r.mutate(ctx, id, func(e *outbox.Event, now time.Time) error {
		if err := e.ClaimedBy(workerID); err != nil {
			return err
		}
		return e.MoveToDeadLetter(reason, now)
	})
}

func (r *OutboxRepository) Release(ctx context.Context, id uuid.UUID, workerID string) error {
	return r.mutate(ctx, id, func(e *outbox.Event, now time.Time) error {
		if err := e.ClaimedBy(workerID); err != nil {
			return err
		}
		return e.Release(now)
	})
}

// ReclaimStale re-checks the claim timestamps in its WHERE clause, so a row
// re-claimed a moment earlier by a live worker is left alone.
func (r *OutboxRepository) ReclaimStale(ctx context.Context, staleTimeout time.Duration) (int64, error) {
	now := time.Now().UTC()
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE outbox_events SET
		    status = 'pending',
		    processing_by = NULL,
		    processing_started_at = NULL,
		    last_heartbeat = NULL,
		    updated_at = $1
		 WHERE status = 'processing'
		   AND COALESCE(last_heartbeat, processing_started_at) < $2`,
		now, now.Add(-staleTimeout),
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale outbox events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *OutboxRepository) PurgePublished(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := r.db(ctx).Exec(ctx,
		`DELETE FROM outbox_events WHERE status = 'published' AND published_at < $1`, olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("purge published outbox events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *OutboxRepository) Requeue(ctx context.Context, id uuid.UUID) error {
	return r.mutate(ctx, id, func(e *outbox.Event, now time.Time) error {
		return e.Requeue(now)
	})
}

func (r *OutboxRepository) GetByID(ctx context.Context, id uuid.UUID) (*outbox.Event, error) {
	row := r.db(ctx).QueryRow(ctx, `SELECT `+outboxColumns+` FROM outbox_events WHERE id = $1`, id)
	e, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainErrors.ErrEventNotFound
		}
		return nil, fmt.Errorf("get outbox event: %w", err)
	}
	return e, nil
}

func (r *OutboxRepository) ListByStatus(ctx context.Context, status outbox.Status, limit int) ([]*outbox.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db(ctx).Query(ctx,
		`SELECT `+outboxColumns+` FROM outbox_events
		 WHERE status = $1 ORDER BY created_at ASC LIMIT $2`,
		string(status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list outbox events: %w", err)
	}
	return collectEvents(rows)
}

func (r *OutboxRepository) CountByStatus(ctx context.Context) (map[outbox.Status]int64, error) {
	rows, err := r.db(ctx).Query(ctx, `SELECT status, COUNT(*) FROM outbox_events GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count outbox events: %w", err)
	}
	defer rows.Close()

	counts := make(map[outbox.Status]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan outbox count: %w", err)
		}
		counts[outbox.Status(status)] = n
	}
	return counts, rows.Err()
}

// mutate locks the row, applies fn through the domain state machine and
// writes the result back, all in one transaction.
func (r *OutboxRepository) mutate(ctx context.Context, id uuid.UUID, fn func(e *outbox.Event, now time.Time) error) error {
	return withTx(ctx, r.pool, func(ctx context.Context) error {
		db := r.db(ctx)
		e, err := scanEvent(db.QueryRow(ctx,
			`SELECT `+outboxColumns+` FROM outbox_events WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domainErrors.ErrEventNotFound
			}
			return fmt.Errorf("lock outbox event: %w", err)
		}

		if err := fn(e, time.Now().UTC()); err != nil {
			return err
		}

		_, err = db.Exec(ctx,
			`UPDATE outbox_events SET
			    status = $2, retry_count = $3, last_error = $4, processing_by = $5,
			    processing_started_at = $6, last_heartbeat = $7, next_attempt_at = $8,
			    published_at = $9, updated_at = $10
			 WHERE id = $1`,
			e.ID, string(e.Status), e.RetryCount, e.LastError, e.ProcessingBy,
			e.ProcessingStartedAt, e.LastHeartbeat, e.NextAttemptAt,
			e.PublishedAt, e.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("update outbox event: %w", err)
		}
		return nil
	})
}

func scanEvent(row scanner) (*outbox.Event, error) {
	e := &outbox.Event{}
	var payload, metadata []byte
	var status string
	err := row.Scan(
		&e.ID, &e.TenantID, &e.AggregateType, &e.AggregateID, &e.EventType, &payload, &metadata,
		&status, &e.RetryCount, &e.MaxRetries, &e.LastError, &e.ProcessingBy, &e.ProcessingStartedAt,
		&e.LastHeartbeat, &e.NextAttemptAt, &e.PublishedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Status = outbox.Status(status)
	if e.Payload, err = document.Unmarshal(payload); err != nil {
		return nil, fmt.Errorf("unmarshal outbox payload: %w", err)
	}
	if e.Metadata, err = document.Unmarshal(metadata); err != nil {
		return nil, fmt.Errorf("unmarshal outbox metadata: %w", err)
	}
	return e, nil
}

func collectEvents(rows pgx.Rows) ([]*outbox.Event, error) {
	defer rows.Close()
	var events []*outbox.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
