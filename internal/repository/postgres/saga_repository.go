package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cassiomorais/eventcore/internal/domain/document"
	domainErrors "github.com/cassiomorais/eventcore/internal/domain/errors"
	"github.com/cassiomorais/eventcore/internal/domain/saga"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const sagaColumns = `id, saga_type, correlation_id, idempotency_key, tenant_id, status,
	payload, steps, error, version, created_at, updated_at, completed_at`

// SagaRepository implements saga.Repository using PostgreSQL.
type SagaRepository struct {
	pool *pgxpool.Pool
}

// NewSagaRepository creates a new SagaRepository.
func NewSagaRepository(pool *pgxpool.Pool) *SagaRepository {
	return &SagaRepository{pool: pool}
}

var _ saga.Repository = (*SagaRepository)(nil)

func (r *SagaRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

// Create inserts a new saga instance. The partial unique index on
// (saga_type, idempotency_key) excludes compensated rows.
func (r *SagaRepository) Create(ctx context.Context, inst *saga.Instance) error {
	payload, steps, err := encodeSaga(inst)
	if err != nil {
		return err
	}
	if inst.Version == 0 {
		inst.Version = 1
	}

	_, err = r.db(ctx).Exec(ctx,
		`INSERT INTO saga_instances
		 (id, saga_type, correlation_id, idempotency_key, tenant_id, status,
		  payload, steps, error, version, created_at, updated_at, completed_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		inst.ID, inst.SagaType, inst.CorrelationID, inst.IdempotencyKey, inst.TenantID, string(inst.Status),
		payload, steps, inst.Error, inst.Version, inst.CreatedAt, inst.UpdatedAt, inst.CompletedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if pgErr.ConstraintName == "saga_instances_pkey" {
				return domainErrors.ErrSagaAlreadyExists
			}
			return domainErrors.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("insert saga: %w", err)
	}
	return nil
}

// Update writes inst only if the stored version still matches, then bumps it.
func (r *SagaRepository) Update(ctx context.Context, inst *saga.Instance) error {
	payload, steps, err := encodeSaga(inst)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE saga_instances SET
		    status = $3, payload = $4, steps = $5, error = $6, version = version + 1,
		    updated_at = $7, completed_at = $8
		 WHERE id = $1 AND version = $2`,
		inst.ID, inst.Version, string(inst.Status), payload, steps, inst.Error, now, inst.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update saga: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.db(ctx).QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM saga_instances WHERE id = $1)`, inst.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check saga: %w", err)
		}
		if !exists {
			return domainErrors.ErrSagaNotFound
		}
		return domainErrors.ErrOptimisticLockFailed
	}
	inst.Version++
	inst.UpdatedAt = now
	return nil
}

func (r *SagaRepository) GetByID(ctx context.Context, id uuid.UUID) (*saga.Instance, error) {
	inst, err := scanSaga(r.db(ctx).QueryRow(ctx, `SELECT `+sagaColumns+` FROM saga_instances WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainErrors.ErrSagaNotFound
		}
		return nil, fmt.Errorf("get saga: %w", err)
	}
	return inst, nil
}

func (r *SagaRepository) GetByIdempotencyKey(ctx context.Context, sagaType, key string) (*saga.Instance, error) {
	inst, err := scanSaga(r.db(ctx).QueryRow(ctx,
		`SELECT `+sagaColumns+` FROM saga_instances
		 WHERE saga_type = $1 AND idempotency_key = $2 AND status <> 'compensated'`,
		sagaType, key,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get saga by idempotency key: %w", err)
	}
	return inst, nil
}

func (r *SagaRepository) ListStuck(ctx context.Context, before time.Time, limit int) ([]*saga.Instance, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db(ctx).Query(ctx,
		`SELECT `+sagaColumns+` FROM saga_instances
		 WHERE status IN ('started', 'executing', 'compensating') AND updated_at < $1
		 ORDER BY updated_at ASC LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list stuck sagas: %w", err)
	}
	return collectSagas(rows)
}

func (r *SagaRepository) ListByStatus(ctx context.Context, status saga.Status, limit int) ([]*saga.Instance, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db(ctx).Query(ctx,
		`SELECT `+sagaColumns+` FROM saga_instances
		 WHERE status = $1 ORDER BY created_at DESC LIMIT $2`,
		string(status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list sagas: %w", err)
	}
	return collectSagas(rows)
}

func encodeSaga(inst *saga.Instance) (payload, steps []byte, err error) {
	payload, err = document.Marshal(inst.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal saga payload: %w", err)
	}
	steps, err = json.Marshal(inst.Steps)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal saga steps: %w", err)
	}
	return payload, steps, nil
}

func scanSaga(row scanner) (*saga.Instance, error) {
	inst := &saga.Instance{}
	var payload, steps []byte
	var status string
	err := row.Scan(
		&inst.ID, &inst.SagaType, &inst.CorrelationID, &inst.IdempotencyKey, &inst.TenantID, &status,
		&payload, &steps, &inst.Error, &inst.Version, &inst.CreatedAt, &inst.UpdatedAt, &inst.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	inst.Status = saga.Status(status)
	if inst.Payload, err = document.Unmarshal(payload); err != nil {
		return nil, fmt.Errorf("unmarshal saga payload: %w", err)
	}
	if err := json.Unmarshal(steps, &inst.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal saga steps: %w", err)
	}
	return inst, nil
}

func collectSagas(rows pgx.Rows) ([]*saga.Instance, error) {
	defer rows.Close()
	var out []*saga.Instance
	for rows.Next() {
		inst, err := scanSaga(rows)
		if err != nil {
			return nil, fmt.Errorf("scan saga: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}
