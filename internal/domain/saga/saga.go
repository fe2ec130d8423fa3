// Package saga holds the persisted state of multi-step business transactions.
//
// An Instance is written after every step attempt, so a coordinator that
// restarts can find where a saga stopped and either continue forward or keep
// unwinding.
package saga

import (
	"time"

	"github.com/cassiomorais/eventcore/internal/domain/document"
	domainErrors "github.com/cassiomorais/eventcore/internal/domain/errors"
	"github.com/google/uuid"
)

// Status is the lifecycle state of a saga instance.
type Status string

const (
	StatusStarted      Status = "started"
	StatusExecuting    Status = "executing"
	StatusCompensating Status = "compensating"
	StatusCompleted    Status = "completed"
	StatusCompensated  Status = "compensated"
	// StatusFailed means compensation itself gave up and the instance was
	// escalated for manual repair.
	StatusFailed Status = "failed"
)

var sagaTransitions = map[Status][]Status{
	StatusStarted:      {StatusExecuting, StatusCompensating},
	StatusExecuting:    {StatusExecuting, StatusCompleted, StatusCompensating},
	StatusCompensating: {StatusCompensating, StatusCompensated, StatusFailed},
	StatusCompleted:    {},
	StatusCompensated:  {},
	StatusFailed:       {},
}

func (s Status) String() string { return string(s) }

// IsTerminal reports whether no further steps may run.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCompensated || s == StatusFailed
}

// CanTransitionTo reports whether the lifecycle allows moving from s to next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range sagaTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// StepStatus is the state of one step record.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepExecuting   StepStatus = "executing"
	StepSucceeded   StepStatus = "succeeded"
	StepFailed      StepStatus = "failed"
	StepCompensated StepStatus = "compensated"
)

var stepTransitions = map[StepStatus][]StepStatus{
	StepPending:     {StepExecuting},
	StepExecuting:   {StepExecuting, StepSucceeded, StepFailed},
	StepSucceeded:   {StepCompensated},
	StepFailed:      {},
	StepCompensated: {},
}

func (s StepStatus) String() string { return string(s) }

// CanTransitionTo reports whether the step lifecycle allows moving to next.
func (s StepStatus) CanTransitionTo(next StepStatus) bool {
	for _, allowed := range stepTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// StepRecord is the persisted progress of one declared step.
type StepRecord struct {
	Name              string            `json:"name"`
	Status            StepStatus        `json:"status"`
	Output            document.Document `json:"output,omitempty"`
	Error             string            `json:"error,omitempty"`
	CompensationError string            `json:"compensation_error,omitempty"`
	Attempts          int               `json:"attempts"`
	StartedAt         *time.Time        `json:"started_at,omitempty"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
	CompensatedAt     *time.Time        `json:"compensated_at,omitempty"`
}

// Instance is one execution of a registered saga type.
type Instance struct {
	ID             uuid.UUID
	SagaType       string
	CorrelationID  string
	IdempotencyKey string
	TenantID       *string
	Status         Status
	Payload        document.Document
	Steps          []StepRecord
	Error          *string
	Version        int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

// NewInstance builds a started instance with one pending record per step name.
func NewInstance(sagaType, idempotencyKey string, payload document.Document, stepNames []string) (*Instance, error) {
	if sagaType == "" {
		return nil, domainErrors.NewValidationError("saga_type", "is required")
	}
	if idempotencyKey == "" {
		return nil, domainErrors.NewValidationError("idempotency_key", "is required")
	}
	if len(stepNames) == 0 {
		return nil, domainErrors.NewValidationError("steps", "at least one step is required")
	}

	steps := make([]StepRecord, len(stepNames))
	for i, name := range stepNames {
		steps[i] = StepRecord{Name: name, Status: StepPending}
	}

	now := time.Now().UTC()
	id := uuid.New()
	return &Instance{
		ID:             id,
		SagaType:       sagaType,
		CorrelationID:  id.String(),
		IdempotencyKey: idempotencyKey,
		Status:         StatusStarted,
		Payload:        payload,
		Steps:          steps,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// SetStatus moves the instance through its lifecycle.
func (i *Instance) SetStatus(next Status, now time.Time) error {
	if !i.Status.CanTransitionTo(next) {
		return domainErrors.TransitionError("saga", i.Status, next)
	}
	i.Status = next
	i.UpdatedAt = now
	if next.IsTerminal() {
		i.CompletedAt = &now
	}
	return nil
}

// SetStepStatus moves step idx through the step lifecycle and stamps times.
func (i *Instance) SetStepStatus(idx int, next StepStatus, now time.Time) error {
	step := &i.Steps[idx]
	if !step.Status.CanTransitionTo(next) {
		return domainErrors.TransitionError("saga step "+step.Name, step.Status, next)
	}
	step.Status = next
	switch next {
	case StepExecuting:
		step.Attempts++
		step.StartedAt = &now
		step.Error = ""
	case StepSucceeded, StepFailed:
		step.CompletedAt = &now
	case StepCompensated:
		step.CompensatedAt = &now
		step.CompensationError = ""
	}
	i.UpdatedAt = now
	return nil
}

// NextStep returns the index of the first step that has not succeeded, or -1
// when every step succeeded.
func (i *Instance) NextStep() int {
	for idx, step := range i.Steps {
		if step.Status != StepSucceeded {
			return idx
		}
	}
	return -1
}

// FailedStep returns the index of the step that failed, or -1.
func (i *Instance) FailedStep() int {
	for idx, step := range i.Steps {
		if step.Status == StepFailed {
			return idx
		}
	}
	return -1
}

// NeedsCompensation reports whether recovery must unwind rather than resume.
func (i *Instance) NeedsCompensation() bool {
	return i.Status == StatusCompensating || i.FailedStep() >= 0
}

// Outputs collects the outputs of every succeeded step keyed by step name.
func (i *Instance) Outputs() map[string]document.Document {
	out := make(map[string]document.Document, len(i.Steps))
	for _, step := range i.Steps {
		if step.Status == StepSucceeded || step.Status == StepCompensated {
			out[step.Name] = step.Output
		}
	}
	return out
}

// Clone returns a deep enough copy for stores that must not share state with
// callers.
func (i *Instance) Clone() *Instance {
	c := *i
	c.Payload = i.Payload.Clone()
	c.Steps = make([]StepRecord, len(i.Steps))
	for idx, step := range i.Steps {
		step.Output = step.Output.Clone()
		c.Steps[idx] = step
	}
	if i.TenantID != nil {
		v := *i.TenantID
		c.TenantID = &v
	}
	if i.Error != nil {
		v := *i.Error
		c.Error = &v
	}
	return &c
}
