package idempotency

import (
	"context"
	"strings"
	"time"

	domainErrors "github.com/cassiomorais/eventcore/internal/domain/errors"
)

// Status is the state of an idempotency lock row.
type Status string

const (
	StatusAcquired  Status = "acquired"
	StatusCompleted Status = "completed"
	StatusReleased  Status = "released"
)

func (s Status) String() string { return string(s) }

// Key identifies one intended external effect.
type Key struct {
	TenantID  string
	Operation string
	Key       string
}

// Validate checks that operation and key are present. Tenant may be empty for
// unscoped operations.
func (k Key) Validate() error {
	if k.Operation == "" {
		return domainErrors.NewValidationError("operation", "is required")
	}
	if k.Key == "" {
		return domainErrors.NewValidationError("key", "is required")
	}
	return nil
}

// Lock deduplicates an externally-visible sub-operation.
type Lock struct {
	Key
	Status       Status
	Owner        string
	ResourceID   *string
	ResponseCode *int
	ExpiresAt    time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsExpired reports whether an acquired lock outlived its TTL and may be taken over.
func (l *Lock) IsExpired(now time.Time) bool {
	return l.Status == StatusAcquired && !l.ExpiresAt.After(now)
}

// Result is what a completed operation stored for replay.
type Result struct {
	ResourceID   string
	ResponseCode int
}

type Repository interface {
	// Acquire inserts an acquired lock for owner, or takes over a released or
	// expired one. It returns the current lock and whether owner now holds it.
	Acquire(ctx context.Context, key Key, owner string, ttl time.Duration) (*Lock, bool, error)

	// Complete stores the result of the operation. Only the holder may complete.
	Complete(ctx context.Context, key Key, owner string, result Result) error

	// Release gives the lock up so a later attempt can retry the operation.
	Release(ctx context.Context, key Key, owner string) error

	Get(ctx context.Context, key Key) (*Lock, error)

	// ListHeld returns acquired locks, oldest first. Used to build lock graphs.
	ListHeld(ctx context.Context, limit int) ([]*Lock, error)

	// ForceRelease releases an acquired lock regardless of owner.
	ForceRelease(ctx context.Context, key Key) error

	// PurgeExpired deletes completed and released locks that expired before cutoff.
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}

// String renders the key as tenant/operation/key, the resource name used in
// lock graphs.
func (k Key) String() string {
	return k.TenantID + "/" + k.Operation + "/" + k.Key
}

// ParseKey reverses Key.String. The key part may itself contain slashes.
func ParseKey(resource string) (Key, error) {
	parts := strings.SplitN(resource, "/", 3)
	if len(parts) != 3 {
		return Key{}, domainErrors.NewValidationError("resource", "must look like tenant/operation/key")
	}
	k := Key{TenantID: parts[0], Operation: parts[1], Key: parts[2]}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}
