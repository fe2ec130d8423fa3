package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/cassiomorais/eventcore/internal/domain/outbox"
	"github.com/cassiomorais/eventcore/internal/domain/reconciliation"
	"github.com/cassiomorais/eventcore/internal/domain/saga"
)

// Built-in check names.
const (
	CheckOutboxBacklog = "outbox_backlog"
	CheckSagaIntegrity = "saga_integrity"
)

// outboxBacklogCheck expects no processing claim to be older than the stale
// timeout and no event to sit in the dead-letter state.
func outboxBacklogCheck(store outbox.Store, staleTimeout time.Duration, limit int) Check {
	return CheckFunc(func(ctx context.Context, scope reconciliation.Scope) (map[string]int64, map[string]int64, error) {
		processing, err := store.ListByStatus(ctx, outbox.StatusProcessing, limit)
		if err != nil {
			return nil, nil, fmt.Errorf("list processing events: %w", err)
		}
		now := time.Now().UTC()
		var stale int64
		for _, e := range processing {
			if !inScope(e.TenantID, scope) {
				continue
			}
			if e.IsStale(now, staleTimeout) {
				stale++
			}
		}

		dead, err := store.ListByStatus(ctx, outbox.StatusDeadLetter, limit)
		if err != nil {
			return nil, nil, fmt.Errorf("list dead-lettered events: %w", err)
		}
		var deadLetters int64
		for _, e := range dead {
			if inScope(e.TenantID, scope) {
				deadLetters++
			}
		}

		expected := map[string]int64{"stale_processing": 0, "dead_letter": 0}
		actual := map[string]int64{"stale_processing": stale, "dead_letter": deadLetters}
		return expected, actual, nil
	})
}

// sagaIntegrityCheck verifies the step records of terminal sagas. A completed
// saga must have every step succeeded; a compensated one must have nothing
// left in succeeded or executing. Each saga is keyed by id with zero
// violations expected.
func sagaIntegrityCheck(repo saga.Repository, limit int) Check {
	return CheckFunc(func(ctx context.Context, scope reconciliation.Scope) (map[string]int64, map[string]int64, error) {
		expected := make(map[string]int64)
		actual := make(map[string]int64)

		for _, status := range []saga.Status{saga.StatusCompleted, saga.StatusCompensated} {
			instances, err := repo.ListByStatus(ctx, status, limit)
			if err != nil {
				return nil, nil, fmt.Errorf("list %s sagas: %w", status, err)
			}
			for _, inst := range instances {
				if !inScope(inst.TenantID, scope) {
					continue
				}
				key := inst.ID.String()
				expected[key] = 0
				actual[key] = integrityViolations(inst)
			}
		}
		return expected, actual, nil
	})
}

func integrityViolations(inst *saga.Instance) int64 {
	var n int64
	for _, step := range inst.Steps {
		switch inst.Status {
		case saga.StatusCompleted:
			if step.Status != saga.StepSucceeded {
				n++
			}
		case saga.StatusCompensated:
			if step.Status == saga.StepSucceeded || step.Status == saga.StepExecuting {
				n++
			}
		}
	}
	return n
}

func inScope(tenantID *string, scope reconciliation.Scope) bool {
	if scope.TenantID == nil {
		return true
	}
	return tenantID != nil && *tenantID == *scope.TenantID
}
