package saga

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// Create inserts a new instance. Returns ErrDuplicateIdempotencyKey when a
	// live instance with the same (saga type, idempotency key) exists.
	Create(ctx context.Context, inst *Instance) error

	// Update persists inst if its Version still matches the stored row and
	// bumps Version. Returns ErrOptimisticLockFailed otherwise.
	Update(ctx context.Context, inst *Instance) error

	GetByID(ctx context.Context, id uuid.UUID) (*Instance, error)

	// GetByIdempotencyKey returns the live instance for the key, ignoring
	// compensated ones. Returns nil, nil when none exists.
	GetByIdempotencyKey(ctx context.Context, sagaType, key string) (*Instance, error)

	// ListStuck returns non-terminal instances not updated since before.
	ListStuck(ctx context.Context, before time.Time, limit int) ([]*Instance, error)

	// ListByStatus returns instances in the given status, newest first.
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Instance, error)
}
