package postgres

import (
	"context"
	"fmt"

	"github.com/cassiomorais/eventcore/internal/domain/document"
	domainErrors "github.com/cassiomorais/eventcore/internal/domain/errors"
	"github.com/cassiomorais/eventcore/internal/domain/reconciliation"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ReconciliationRepository stores mismatches, escalations and the recovery log.
type ReconciliationRepository struct {
	pool *pgxpool.Pool
}

func NewReconciliationRepository(pool *pgxpool.Pool) *ReconciliationRepository {
	return &ReconciliationRepository{pool: pool}
}

var _ reconciliation.Repository = (*ReconciliationRepository)(nil)

func (r *ReconciliationRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

func (r *ReconciliationRepository) RecordMismatches(ctx context.Context, mismatches []reconciliation.Mismatch) error {
	if len(mismatches) == 0 {
		return nil
	}
	rows := make([][]any, len(mismatches))
	for i, m := range mismatches {
		rows[i] = []any{m.ID, m.CheckType, m.TenantID, m.Key, m.Expected, m.Actual, m.Detail, m.FoundAt}
	}
	_, err := r.db(ctx).(copier).CopyFrom(ctx,
		pgx.Identifier{"reconciliation_mismatches"},
		[]string{"id", "check_type", "tenant_id", "entity_key", "expected", "actual", "detail", "found_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("record mismatches: %w", err)
	}
	return nil
}

// copier is implemented by both *pgxpool.Pool and pgx.Tx.
type copier interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

func (r *ReconciliationRepository) CreateEscalation(ctx context.Context, e *reconciliation.Escalation) error {
	detail, err := document.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("marshal escalation detail: %w", err)
	}
	_, err = r.db(ctx).Exec(ctx,
		`INSERT INTO escalations (id, kind, reference_id, tenant_id, reason, detail, resolved, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, string(e.Kind), e.ReferenceID, e.TenantID, e.Reason, detail, e.Resolved, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert escalation: %w", err)
	}
	return nil
}

func (r *ReconciliationRepository) ListEscalations(ctx context.Context, unresolvedOnly bool, limit int) ([]*reconciliation.Escalation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db(ctx).Query(ctx,
		`SELECT id, kind, reference_id, tenant_id, reason, detail, resolved, created_at, resolved_at
		 FROM escalations
		 WHERE NOT $1 OR resolved = FALSE
		 ORDER BY created_at DESC LIMIT $2`,
		unresolvedOnly, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list escalations: %w", err)
	}
	defer rows.Close()

	var out []*reconciliation.Escalation
	for rows.Next() {
		e := &reconciliation.Escalation{}
		var kind string
		var detail []byte
		if err := rows.Scan(&e.ID, &kind, &e.ReferenceID, &e.TenantID, &e.Reason, &detail, &e.Resolved, &e.CreatedAt, &e.ResolvedAt); err != nil {
			return nil, fmt.Errorf("scan escalation: %w", err)
		}
		e.Kind = reconciliation.OperationKind(kind)
		if e.Detail, err = document.Unmarshal(detail); err != nil {
			return nil, fmt.Errorf("unmarshal escalation detail: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *ReconciliationRepository) ResolveEscalation(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE escalations SET resolved = TRUE, resolved_at = NOW() WHERE id = $1 AND resolved = FALSE`, id,
	)
	if err != nil {
		return fmt.Errorf("resolve escalation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.db(ctx).QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM escalations WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("check escalation: %w", err)
		}
		if !exists {
			return domainErrors.ErrEscalationNotFound
		}
	}
	return nil
}

func (r *ReconciliationRepository) RecordRecovery(ctx context.Context, res *reconciliation.RecoveryResult) error {
	detail, err := document.Marshal(res.Detail)
	if err != nil {
		return fmt.Errorf("marshal recovery detail: %w", err)
	}
	var escalationID *uuid.UUID
	if res.Escalation != nil {
		escalationID = &res.Escalation.ID
	}
	var errMsg *string
	if res.Error != "" {
		errMsg = &res.Error
	}
	_, err = r.db(ctx).Exec(ctx,
		`INSERT INTO recovery_log
		 (id, operation_id, kind, strategy, resolved, attempts, error, escalation_id, detail, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		res.ID, res.OperationID, string(res.Kind), string(res.Strategy), res.Resolved, res.Attempts,
		errMsg, escalationID, detail, res.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("insert recovery log: %w", err)
	}
	return nil
}

// SumCheck compares two aggregate queries. Each query returns rows of
// (key text, total bigint) and receives the scope tenant as $1, NULL when the
// scope has none. A typical filter is ($1::text IS NULL OR tenant_id = $1).
type SumCheck struct {
	pool        *pgxpool.Pool
	expectedSQL string
	actualSQL   string
}

// NewSumCheck builds a consistency check from two SQL queries.
func NewSumCheck(pool *pgxpool.Pool, expectedSQL, actualSQL string) *SumCheck {
	return &SumCheck{pool: pool, expectedSQL: expectedSQL, actualSQL: actualSQL}
}

func (c *SumCheck) Totals(ctx context.Context, scope reconciliation.Scope) (map[string]int64, map[string]int64, error) {
	expected, err := c.sums(ctx, c.expectedSQL, scope)
	if err != nil {
		return nil, nil, fmt.Errorf("expected totals: %w", err)
	}
	actual, err := c.sums(ctx, c.actualSQL, scope)
	if err != nil {
		return nil, nil, fmt.Errorf("actual totals: %w", err)
	}
	return expected, actual, nil
}

func (c *SumCheck) sums(ctx context.Context, query string, scope reconciliation.Scope) (map[string]int64, error) {
	rows, err := ConnFromCtx(ctx, c.pool).Query(ctx, query, scope.TenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var key string
		var total *int64
		if err := rows.Scan(&key, &total); err != nil {
			return nil, err
		}
		if total != nil {
			out[key] += *total
		}
	}
	return out, rows.Err()
}
