package memory

import (
	"context"
	"sort"
	"sync"

	domainErrors "github.com/cassiomorais/eventcore/internal/domain/errors"
	"github.com/cassiomorais/eventcore/internal/domain/reconciliation"
	"github.com/google/uuid"
)

// ReconciliationStore records mismatches, escalations and the recovery log.
type ReconciliationStore struct {
	clock

	mu          sync.Mutex
	mismatches  []reconciliation.Mismatch
	escalations []*reconciliation.Escalation
	recoveries  []*reconciliation.RecoveryResult
}

// NewReconciliationStore creates an empty store.
func NewReconciliationStore(opts ...Option) *ReconciliationStore {
	return &ReconciliationStore{clock: newClock(opts)}
}

var _ reconciliation.Repository = (*ReconciliationStore)(nil)

func (s *ReconciliationStore) RecordMismatches(ctx context.Context, mismatches []reconciliation.Mismatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mismatches = append(s.mismatches, mismatches...)
	return nil
}

func (s *ReconciliationStore) CreateEscalation(ctx context.Context, e *reconciliation.Escalation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *e
	c.Detail = e.Detail.Clone()
	s.escalations = append(s.escalations, &c)
	return nil
}

func (s *ReconciliationStore) ListEscalations(ctx context.Context, unresolvedOnly bool, limit int) ([]*reconciliation.Escalation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*reconciliation.Escalation
	for _, e := range s.escalations {
		if unresolvedOnly && e.Resolved {
			continue
		}
		c := *e
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *ReconciliationStore) ResolveEscalation(ctx context.Context, id uuid.UUID) error {
	now := s.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.escalations {
		if e.ID == id {
			e.Resolved = true
			e.ResolvedAt = &now
			return nil
		}
	}
	return domainErrors.ErrEscalationNotFound
}

func (s *ReconciliationStore) RecordRecovery(ctx context.Context, r *reconciliation.RecoveryResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *r
	s.recoveries = append(s.recoveries, &c)
	return nil
}

// Mismatches returns every recorded mismatch.
func (s *ReconciliationStore) Mismatches() []reconciliation.Mismatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]reconciliation.Mismatch(nil), s.mismatches...)
}

// Recoveries returns the recovery log in insertion order.
func (s *ReconciliationStore) Recoveries() []*reconciliation.RecoveryResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*reconciliation.RecoveryResult(nil), s.recoveries...)
}
