package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	domainErrors "github.com/cassiomorais/eventcore/internal/domain/errors"
	"github.com/cassiomorais/eventcore/internal/domain/saga"
	"github.com/google/uuid"
)

// SagaStore keeps saga instances in memory. It enforces the same
// (saga type, idempotency key) uniqueness as the partial index in PostgreSQL:
// compensated instances do not hold their key.
type SagaStore struct {
	clock

	mu        sync.Mutex
	instances map[uuid.UUID]*saga.Instance
}

// NewSagaStore creates an empty store.
func NewSagaStore(opts ...Option) *SagaStore {
	return &SagaStore{
		clock:     newClock(opts),
		instances: make(map[uuid.UUID]*saga.Instance),
	}
}

var _ saga.Repository = (*SagaStore)(nil)

func (s *SagaStore) Create(ctx context.Context, inst *saga.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return domainErrors.ErrSagaAlreadyExists
	}
	if s.liveByKey(inst.SagaType, inst.IdempotencyKey) != nil {
		return domainErrors.ErrDuplicateIdempotencyKey
	}
	if inst.Version == 0 {
		inst.Version = 1
	}
	s.instances[inst.ID] = inst.Clone()
	return nil
}

func (s *SagaStore) Update(ctx context.Context, inst *saga.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.instances[inst.ID]
	if !ok {
		return domainErrors.ErrSagaNotFound
	}
	if stored.Version != inst.Version {
		return domainErrors.ErrOptimisticLockFailed
	}
	inst.Version++
	inst.UpdatedAt = s.Now()
	s.instances[inst.ID] = inst.Clone()
	return nil
}

func (s *SagaStore) GetByID(ctx context.Context, id uuid.UUID) (*saga.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, domainErrors.ErrSagaNotFound
	}
	return inst.Clone(), nil
}

func (s *SagaStore) GetByIdempotencyKey(ctx context.Context, sagaType, key string) (*saga.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst := s.liveByKey(sagaType, key)
	if inst == nil {
		return nil, nil
	}
	return inst.Clone(), nil
}

func (s *SagaStore) ListStuck(ctx context.Context, before time.Time, limit int) ([]*saga.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*saga.Instance
	for _, inst := range s.instances {
		if !inst.Status.IsTerminal() && inst.UpdatedAt.Before(before) {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *SagaStore) ListByStatus(ctx context.Context, status saga.Status, limit int) ([]*saga.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*saga.Instance
	for _, inst := range s.instances {
		if inst.Status == status {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *SagaStore) liveByKey(sagaType, key string) *saga.Instance {
	for _, inst := range s.instances {
		if inst.SagaType == sagaType && inst.IdempotencyKey == key && inst.Status != saga.StatusCompensated {
			return inst
		}
	}
	return nil
}
