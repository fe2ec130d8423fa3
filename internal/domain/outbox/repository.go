package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the durable outbox. Append and AppendMany must run inside the
// caller's transaction (carried by ctx) so the event commits together with the
// business row it describes.
type Store interface {
	// Append inserts a new event inside the transaction carried by ctx.
	Append(ctx context.Context, event *Event) error

	// AppendMany inserts several events inside the transaction carried by ctx.
	AppendMany(ctx context.Context, events []*Event) error

	// ClaimBatch atomically claims up to limit events for workerID, skipping
	// rows another claimer holds. Results are ordered by creation time.
	ClaimBatch(ctx context.Context, workerID string, limit int, staleTimeout time.Duration) ([]*Event, error)

	// MarkProcessing claims a single event for workerID.
	MarkProcessing(ctx context.Context, id uuid.UUID, workerID string) error

	// Heartbeat extends a claim. Returns ErrClaimLost when workerID no longer holds it.
	Heartbeat(ctx context.Context, id uuid.UUID, workerID string) error

	// MarkPublished records successful handling. Returns ErrClaimLost when
	// workerID no longer holds the claim.
	MarkPublished(ctx context.Context, id uuid.UUID, workerID string) error

	// MarkFailed consumes a retry and returns the updated event, which is
	// dead-lettered once its budget is spent. Returns ErrClaimLost when
	// workerID no longer holds the claim.
	MarkFailed(ctx context.Context, id uuid.UUID, workerID, errMsg string, backoff time.Duration) (*Event, error)

	// MoveToDeadLetter parks a claimed event for manual intervention. Returns
	// ErrClaimLost when workerID no longer holds the claim.
	MoveToDeadLetter(ctx context.Context, id uuid.UUID, workerID, reason string) error

	// Release returns a claimed event to pending without consuming a retry.
	Release(ctx context.Context, id uuid.UUID, workerID string) error

	// ReclaimStale resets abandoned processing claims back to pending.
	ReclaimStale(ctx context.Context, staleTimeout time.Duration) (int64, error)

	// PurgePublished deletes published events older than the cutoff.
	PurgePublished(ctx context.Context, olderThan time.Time) (int64, error)

	// Requeue moves a dead-lettered event back to pending with a fresh budget.
	Requeue(ctx context.Context, id uuid.UUID) error

	GetByID(ctx context.Context, id uuid.UUID) (*Event, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Event, error)
	CountByStatus(ctx context.Context) (map[Status]int64, error)
}
