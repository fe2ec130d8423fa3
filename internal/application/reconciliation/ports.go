package reconciliation

import (
	"context"
	"time"

	"github.com/cassiomorais/eventcore/internal/domain/reconciliation"
	"github.com/cassiomorais/eventcore/internal/domain/saga"
	"github.com/google/uuid"
)

// Check yields expected and actual totals keyed by entity. Totals are int64
// minor units; a key missing from one side counts as zero.
type Check interface {
	Totals(ctx context.Context, scope reconciliation.Scope) (expected, actual map[string]int64, err error)
}

// CheckFunc adapts a function to Check.
type CheckFunc func(ctx context.Context, scope reconciliation.Scope) (expected, actual map[string]int64, err error)

func (f CheckFunc) Totals(ctx context.Context, scope reconciliation.Scope) (map[string]int64, map[string]int64, error) {
	return f(ctx, scope)
}

// Retrier re-attempts a failed operation once. Recover wraps it in backoff.
type Retrier interface {
	Retry(ctx context.Context, op reconciliation.FailedOperation) error
}

// RetrierFunc adapts a function to Retrier.
type RetrierFunc func(ctx context.Context, op reconciliation.FailedOperation) error

func (f RetrierFunc) Retry(ctx context.Context, op reconciliation.FailedOperation) error {
	return f(ctx, op)
}

// Compensator runs the reverse path of a saga.
type Compensator interface {
	Compensate(ctx context.Context, id uuid.UUID, reason string) (*saga.Instance, error)
}

// Releaser force-releases the locks a deadlock victim holds.
type Releaser interface {
	ForceRelease(ctx context.Context, victim Holder) error
}

// Locker grants a short-lived exclusive lease so only one instance runs a
// sweep at a time. unlock must be called when the sweep is done.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (unlock func(context.Context) error, acquired bool, err error)
}
