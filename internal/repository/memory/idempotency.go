package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	domainErrors "github.com/cassiomorais/eventcore/internal/domain/errors"
	"github.com/cassiomorais/eventcore/internal/domain/idempotency"
)

// IdempotencyStore keeps idempotency locks in memory.
type IdempotencyStore struct {
	clock

	mu    sync.Mutex
	locks map[idempotency.Key]*idempotency.Lock
}

// NewIdempotencyStore creates an empty store.
func NewIdempotencyStore(opts ...Option) *IdempotencyStore {
	return &IdempotencyStore{
		clock: newClock(opts),
		locks: make(map[idempotency.Key]*idempotency.Lock),
	}
}

var _ idempotency.Repository = (*IdempotencyStore)(nil)

func (s *IdempotencyStore) Acquire(ctx context.Context, key idempotency.Key, owner string, ttl time.Duration) (*idempotency.Lock, bool, error) {
	if err := key.Validate(); err != nil {
		return nil, false, err
	}
	now := s.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[key]
	takeover := !ok ||
		lock.Status == idempotency.StatusReleased ||
		lock.IsExpired(now) ||
		(lock.Status == idempotency.StatusAcquired && lock.Owner == owner)
	if !takeover {
		return copyLock(lock), false, nil
	}

	if !ok {
		lock = &idempotency.Lock{Key: key, CreatedAt: now}
		s.locks[key] = lock
	}
	lock.Status = idempotency.StatusAcquired
	lock.Owner = owner
	lock.ResourceID = nil
	lock.ResponseCode = nil
	lock.ExpiresAt = now.Add(ttl)
	lock.UpdatedAt = now
	return copyLock(lock), true, nil
}

func (s *IdempotencyStore) Complete(ctx context.Context, key idempotency.Key, owner string, result idempotency.Result) error {
	now := s.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[key]
	if !ok || lock.Status != idempotency.StatusAcquired || lock.Owner != owner {
		return domainErrors.ErrLockNotHeld
	}
	resourceID, code := result.ResourceID, result.ResponseCode
	lock.Status = idempotency.StatusCompleted
	lock.ResourceID = &resourceID
	lock.ResponseCode = &code
	lock.UpdatedAt = now
	return nil
}

func (s *IdempotencyStore) Release(ctx context.Context, key idempotency.Key, owner string) error {
	now := s.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[key]
	if !ok || lock.Status != idempotency.StatusAcquired || lock.Owner != owner {
		return domainErrors.ErrLockNotHeld
	}
	lock.Status = idempotency.StatusReleased
	lock.UpdatedAt = now
	return nil
}

func (s *IdempotencyStore) Get(ctx context.Context, key idempotency.Key) (*idempotency.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[key]
	if !ok {
		return nil, nil
	}
	return copyLock(lock), nil
}

func (s *IdempotencyStore) ListHeld(ctx context.Context, limit int) ([]*idempotency.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*idempotency.Lock
	for _, lock := range s.locks {
		if lock.Status == idempotency.StatusAcquired {
			out = append(out, copyLock(lock))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *IdempotencyStore) ForceRelease(ctx context.Context, key idempotency.Key) error {
	now := s.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[key]
	if !ok || lock.Status != idempotency.StatusAcquired {
		return domainErrors.ErrLockNotHeld
	}
	lock.Status = idempotency.StatusReleased
	lock.UpdatedAt = now
	return nil
}

func (s *IdempotencyStore) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for key, lock := range s.locks {
		if lock.Status != idempotency.StatusAcquired && lock.ExpiresAt.Before(before) {
			delete(s.locks, key)
			n++
		}
	}
	return n, nil
}

func copyLock(l *idempotency.Lock) *idempotency.Lock {
	c := *l
	if l.ResourceID != nil {
		v := *l.ResourceID
		c.ResourceID = &v
	}
	if l.ResponseCode != nil {
		v := *l.ResponseCode
		c.ResponseCode = &v
	}
	return &c
}
