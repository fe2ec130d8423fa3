package saga

import (
	"context"
	"fmt"

	"github.com/cassiomorais/eventcore/internal/domain/document"
	domainErrors "github.com/cassiomorais/eventcore/internal/domain/errors"
	"github.com/cassiomorais/eventcore/internal/domain/idempotency"
	"github.com/google/uuid"
)

// ExecuteFunc performs a step and returns the output its compensation needs.
type ExecuteFunc func(ctx context.Context, sc *StepContext) (document.Document, error)

// CompensateFunc undoes a succeeded step given the output it stored.
type CompensateFunc func(ctx context.Context, sc *StepContext, output document.Document) error

// Step represents a single step in a saga with an execute and compensate function.
type Step struct {
	Name       string
	Execute    ExecuteFunc
	Compensate CompensateFunc
	// Irrevocable marks a step whose effect cannot be safely repeated. A saga
	// found interrupted inside such a step is unwound instead of resumed.
	Irrevocable bool
}

// StepContext is what a step sees of its saga.
type StepContext struct {
	SagaID         uuid.UUID
	SagaType       string
	CorrelationID  string
	IdempotencyKey string
	TenantID       *string
	StepName       string
	Attempt        int
	Payload        document.Document
	// Outputs holds the output of every earlier succeeded step by step name.
	Outputs map[string]document.Document
}

// Key derives an idempotency key for an external effect of this step. The key
// is stable across re-executions of the same saga instance and differs for an
// instance restarted under the caller's key after compensation.
func (sc *StepContext) Key(operation string) idempotency.Key {
	tenant := ""
	if sc.TenantID != nil {
		tenant = *sc.TenantID
	}
	return idempotency.Key{
		TenantID:  tenant,
		Operation: operation,
		Key:       fmt.Sprintf("%s:%s:%s", sc.SagaType, sc.SagaID, sc.StepName),
	}
}

// Definition is an ordered list of steps registered under a saga type.
type Definition struct {
	Type  string
	Steps []Step
}

// NewDefinition creates an empty definition for sagaType.
func NewDefinition(sagaType string) *Definition {
	return &Definition{Type: sagaType}
}

// AddStep adds a step to the saga.
func (d *Definition) AddStep(step Step) *Definition {
	d.Steps = append(d.Steps, step)
	return d
}

func (d *Definition) validate() error {
	if d.Type == "" {
		return domainErrors.NewValidationError("saga_type", "is required")
	}
	if len(d.Steps) == 0 {
		return domainErrors.NewValidationError("steps", "at least one step is required")
	}
	seen := make(map[string]bool, len(d.Steps))
	for i, s := range d.Steps {
		if s.Name == "" {
			return domainErrors.NewValidationError(fmt.Sprintf("steps[%d].name", i), "is required")
		}
		if seen[s.Name] {
			return domainErrors.NewValidationError(fmt.Sprintf("steps[%d].name", i), "duplicate step name "+s.Name)
		}
		seen[s.Name] = true
		if s.Execute == nil {
			return domainErrors.NewValidationError(fmt.Sprintf("steps[%d].execute", i), "is required")
		}
	}
	return nil
}

func (d *Definition) stepNames() []string {
	names := make([]string, len(d.Steps))
	for i, s := range d.Steps {
		names[i] = s.Name
	}
	return names
}
