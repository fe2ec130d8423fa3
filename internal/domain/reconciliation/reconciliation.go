package reconciliation

import (
	"context"
	"time"

	"github.com/cassiomorais/eventcore/internal/domain/document"
	"github.com/google/uuid"
)

// Scope narrows a consistency check.
type Scope struct {
	TenantID *string  `json:"tenant_id,omitempty"`
	Keys     []string `json:"keys,omitempty"`
}

// Mismatch is one entity whose actual total disagrees with the expected one.
type Mismatch struct {
	ID        uuid.UUID `json:"id"`
	CheckType string    `json:"check_type"`
	TenantID  *string   `json:"tenant_id,omitempty"`
	Key       string    `json:"key"`
	Expected  int64     `json:"expected"`
	Actual    int64     `json:"actual"`
	Detail    string    `json:"detail,omitempty"`
	FoundAt   time.Time `json:"found_at"`
}

// Delta is actual minus expected.
func (m Mismatch) Delta() int64 { return m.Actual - m.Expected }

// CheckResult is the outcome of one consistency check.
type CheckResult struct {
	CheckType    string     `json:"check_type"`
	IsConsistent bool       `json:"is_consistent"`
	Checked      int        `json:"checked"`
	Mismatches   []Mismatch `json:"mismatches"`
	CheckedAt    time.Time  `json:"checked_at"`
}

// Strategy is how a failed distributed operation gets repaired.
type Strategy string

const (
	StrategyRetry      Strategy = "retry"
	StrategyCompensate Strategy = "compensate"
	StrategyIgnore     Strategy = "ignore"
	StrategyEscalate   Strategy = "escalate"
	// StrategyForceRelease is recorded for deadlock victims. It is never
	// selected for a failed operation.
	StrategyForceRelease Strategy = "force_release"
)

// OperationKind says which part of the core owns a failed operation.
type OperationKind string

const (
	KindSaga  OperationKind = "saga"
	KindEvent OperationKind = "event"
	KindCheck OperationKind = "check"
	KindLock  OperationKind = "lock"
)

// FailedOperation describes something a partial failure left behind.
type FailedOperation struct {
	ID       uuid.UUID     `json:"id"`
	Kind     OperationKind `json:"kind"`
	TenantID *string       `json:"tenant_id,omitempty"`
	// Phase is the recorded phase the operation was in when it failed, for
	// example "prepare", "execute" or "notify".
	Phase    string    `json:"phase"`
	Critical bool      `json:"critical"`
	Error    string    `json:"error,omitempty"`
	FailedAt time.Time `json:"failed_at"`
}

// RecoveryResult records what Recover did.
type RecoveryResult struct {
	ID          uuid.UUID         `json:"id"`
	OperationID uuid.UUID         `json:"operation_id"`
	Kind        OperationKind     `json:"kind"`
	Strategy    Strategy          `json:"strategy"`
	Resolved    bool              `json:"resolved"`
	Attempts    int               `json:"attempts"`
	Error       string            `json:"error,omitempty"`
	Escalation  *Escalation       `json:"escalation,omitempty"`
	Detail      document.Document `json:"detail,omitempty"`
	RecordedAt  time.Time         `json:"recorded_at"`
}

// Escalation is a durable record for human review.
type Escalation struct {
	ID          uuid.UUID         `json:"id"`
	Kind        OperationKind     `json:"kind"`
	ReferenceID uuid.UUID         `json:"reference_id"`
	TenantID    *string           `json:"tenant_id,omitempty"`
	Reason      string            `json:"reason"`
	Detail      document.Document `json:"detail,omitempty"`
	Resolved    bool              `json:"resolved"`
	CreatedAt   time.Time         `json:"created_at"`
	ResolvedAt  *time.Time        `json:"resolved_at,omitempty"`
}

// NewEscalation builds an unresolved escalation.
func NewEscalation(kind OperationKind, referenceID uuid.UUID, tenantID *string, reason string, detail document.Document) *Escalation {
	return &Escalation{
		ID:          uuid.New(),
		Kind:        kind,
		ReferenceID: referenceID,
		TenantID:    tenantID,
		Reason:      reason,
		Detail:      detail,
		CreatedAt:   time.Now().UTC(),
	}
}

type Repository interface {
	RecordMismatches(ctx context.Context, mismatches []Mismatch) error
	CreateEscalation(ctx context.Context, e *Escalation) error
	ListEscalations(ctx context.Context, unresolvedOnly bool, limit int) ([]*Escalation, error)
	ResolveEscalation(ctx context.Context, id uuid.UUID) error
	RecordRecovery(ctx context.Context, r *RecoveryResult) error
}
