package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	domainErrors "github.com/cassiomorais/eventcore/internal/domain/errors"
	"github.com/cassiomorais/eventcore/internal/domain/outbox"
	"github.com/google/uuid"
)

type outboxRow struct {
	seq   uint64
	event *outbox.Event
}

// OutboxStore is a mutex-guarded outbox. A claim inspects and flips rows under
// one lock, so concurrent claimers always receive disjoint batches.
type OutboxStore struct {
	clock

	mu   sync.Mutex
	rows map[uuid.UUID]*outboxRow
	seq  uint64
}

// NewOutboxStore creates an empty store.
func NewOutboxStore(opts ...Option) *OutboxStore {
	return &OutboxStore{
		clock: newClock(opts),
		rows:  make(map[uuid.UUID]*outboxRow),
	}
}

var _ outbox.Store = (*OutboxStore)(nil)

func (s *OutboxStore) Append(ctx context.Context, event *outbox.Event) error {
	return s.AppendMany(ctx, []*outbox.Event{event})
}

func (s *OutboxStore) AppendMany(ctx context.Context, events []*outbox.Event) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	for _, e := range events {
		if _, exists := s.rows[e.ID]; exists {
			s.mu.Unlock()
			return fmt.Errorf("insert outbox event %s: duplicate id", e.ID)
		}
	}
	s.mu.Unlock()

	copies := make([]*outbox.Event, len(events))
	for i, e := range events {
		copies[i] = e.Clone()
	}
	enlist(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, e := range copies {
			s.seq++
			s.rows[e.ID] = &outboxRow{seq: s.seq, event: e}
		}
	})
	return nil
}

func (s *OutboxStore) ClaimBatch(ctx context.Context, workerID string, limit int, staleTimeout time.Duration) ([]*outbox.Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := s.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*outboxRow
	for _, row := range s.rows {
		if row.event.IsClaimable(now, staleTimeout) {
			candidates = append(candidates, row)
		}
	}
	sortRows(candidates)
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	claimed := make([]*outbox.Event, 0, len(candidates))
	for _, row := range candidates {
		if err := row.event.MarkProcessing(workerID, now); err != nil {
			return nil, fmt.Errorf("claim outbox event %s: %w", row.event.ID, err)
		}
		claimed = append(claimed, row.event.Clone())
	}
	return claimed, nil
}

func (s *OutboxStore) MarkProcessing(ctx context.Context, id uuid.UUID, workerID string) error {
	return s.mutate(id, func(e *outbox.Event, now time.Time) error {
		return e.MarkProcessing(workerID, now)
	})
}

func (s *OutboxStore) Heartbeat(ctx context.Context, id uuid.UUID, workerID string) error {
	return s.mutate(id, func(e *outbox.Event, now time.Time) error {
		return e.Heartbeat(workerID, now)
	})
}

func (s *OutboxStore) MarkPublished(ctx context.Context, id uuid.UUID, workerID string) error {
	return s.mutate(id, func(e *outbox.Event, now time.Time) error {
		if err := e.ClaimedBy(workerID); err != nil {
			return err
		}
		return e.MarkPublished(now)
	})
}

func (s *OutboxStore) MarkFailed(ctx context.Context, id uuid.UUID, workerID, errMsg string, backoff time.Duration) (*outbox.Event, error) {
	var updated *outbox.Event
	err := s.mutate(id, func(e *outbox.Event, now time.Time) error {
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

func (s *OutboxStore) MoveToDeadLetter(ctx context.Context, id uuid.UUID, workerID, reason string) error {
	return s.mutate(id, func(e *outbox.Event, now time.Time) error {
		if err := e.ClaimedBy(workerID); err != nil {
			return err
		}
		return e.MoveToDeadLetter(reason, now)
	})
}

func (s *OutboxStore) Release(ctx context.Context, id uuid.UUID, workerID string) error {
	return s.mutate(id, func(e *outbox.Event, now time.Time) error {
		if err := e.ClaimedBy(workerID); err != nil {
			return err
		}
		return e.Release(now)
	})
}

func (s *OutboxStore) ReclaimStale(ctx context.Context, staleTimeout time.Duration) (int64, error) {
	now := s.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, row := range s.rows {
		if !row.event.IsStale(now, staleTimeout) {
			continue
		}
		if err := row.event.Release(now); err != nil {
			return n, fmt.Errorf("reclaim outbox event %s: %w", row.event.ID, err)
		}
		n++
	}
	return n, nil
}

func (s *OutboxStore) PurgePublished(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, row := range s.rows {
		e := row.event
		if e.Status == outbox.StatusPublished && e.PublishedAt != nil && e.PublishedAt.Before(olderThan) {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}

func (s *OutboxStore) Requeue(ctx context.Context, id uuid.UUID) error {
	return s.mutate(id, func(e *outbox.Event, now time.Time) error {
		return e.Requeue(now)
	})
}

func (s *OutboxStore) GetByID(ctx context.Context, id uuid.UUID) (*outbox.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, domainErrors.ErrEventNotFound
	}
	return row.event.Clone(), nil
}

func (s *OutboxStore) ListByStatus(ctx context.Context, status outbox.Status, limit int) ([]*outbox.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*outboxRow
	for _, row := range s.rows {
		if row.event.Status == status {
			matched = append(matched, row)
		}
	}
	sortRows(matched)
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]*outbox.Event, len(matched))
	for i, row := range matched {
		out[i] = row.event.Clone()
	}
	return out, nil
}

func (s *OutboxStore) CountByStatus(ctx context.Context) (map[outbox.Status]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[outbox.Status]int64)
	for _, row := range s.rows {
		counts[row.event.Status]++
	}
	return counts, nil
}

func (s *OutboxStore) mutate(id uuid.UUID, fn func(e *outbox.Event, now time.Time) error) error {
	now := s.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return domainErrors.ErrEventNotFound
	}
	// Work on a copy so a rejected transition leaves the row untouched.
	e := row.event.Clone()
	if err := fn(e, now); err != nil {
		return err
	}
	row.event = e
	return nil
}

func sortRows(rows []*outboxRow) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i].event.CreatedAt, rows[j].event.CreatedAt
		if !a.Equal(b) {
			return a.Before(b)
		}
		return rows[i].seq < rows[j].seq
	})
}
