package saga

import (
	"context"

	"github.com/cassiomorais/eventcore/internal/domain/reconciliation"
)

// Escalator stores escalations for manual review.
type Escalator interface {
	CreateEscalation(ctx context.Context, e *reconciliation.Escalation) error
}
