package controller

import (
	"time"

	"github.com/cassiomorais/eventcore/internal/application/reconciliation"
	"github.com/cassiomorais/eventcore/internal/domain/document"
	"github.com/cassiomorais/eventcore/internal/domain/outbox"
	"github.com/cassiomorais/eventcore/internal/domain/saga"
)

// --- Request DTOs ---

// CompensateRequest holds the input for forcing a saga down its compensation path.
type CompensateRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// ReconcileRequest selects what a sweep or check looks at.
type ReconcileRequest struct {
	TenantID *string  `json:"tenant_id,omitempty" validate:"omitempty,max=100"`
	Keys     []string `json:"keys,omitempty" validate:"omitempty,max=1000"`
}

// ResolveDeadlocksRequest carries the wait edges of a lock graph. With
// IncludeHeld the currently acquired idempotency locks are merged in.
type ResolveDeadlocksRequest struct {
	Graph       reconciliation.LockGraph `json:"graph"`
	IncludeHeld bool                     `json:"include_held"`
}

// --- Response DTOs ---

// EventResponse represents an outbox event in API responses.
type EventResponse struct {
	ID            string            `json:"id"`
	TenantID      *string           `json:"tenant_id,omitempty"`
	AggregateType string            `json:"aggregate_type"`
	AggregateID   string            `json:"aggregate_id"`
	EventType     string            `json:"event_type"`
	Payload       document.Document `json:"payload"`
	Status        string            `json:"status"`
	RetryCount    int               `json:"retry_count"`
	MaxRetries    int               `json:"max_retries"`
	LastError     *string           `json:"last_error,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// SagaResponse represents a saga instance in API responses.
type SagaResponse struct {
	ID             string            `json:"id"`
	SagaType       string            `json:"saga_type"`
	CorrelationID  string            `json:"correlation_id"`
	IdempotencyKey string            `json:"idempotency_key"`
	TenantID       *string           `json:"tenant_id,omitempty"`
	Status         string            `json:"status"`
	Steps          []saga.StepRecord `json:"steps"`
	Error          *string           `json:"error,omitempty"`
	Version        int               `json:"version"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

// BacklogResponse counts outbox events per status.
type BacklogResponse struct {
	Counts map[string]int64 `json:"counts"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// --- Conversion helpers ---

// FromEvent converts an outbox event to API response.
func FromEvent(e *outbox.Event) *EventResponse {
	return &EventResponse{
		ID:            e.ID.String(),
		TenantID:      e.TenantID,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		EventType:     e.EventType,
		Payload:       e.Payload,
		Status:        e.Status.String(),
		RetryCount:    e.RetryCount,
		MaxRetries:    e.MaxRetries,
		LastError:     e.LastError,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	}
}

// FromSaga converts a saga instance to API response. The payload is left out;
// it may carry data the admin surface should not echo.
func FromSaga(inst *saga.Instance) *SagaResponse {
	return &SagaResponse{
		ID:             inst.ID.String(),
		SagaType:       inst.SagaType,
		CorrelationID:  inst.CorrelationID,
		IdempotencyKey: inst.IdempotencyKey,
		TenantID:       inst.TenantID,
		Status:         string(inst.Status),
		Steps:          inst.Steps,
		Error:          inst.Error,
		Version:        inst.Version,
		CreatedAt:      inst.CreatedAt,
		UpdatedAt:      inst.UpdatedAt,
		CompletedAt:    inst.CompletedAt,
	}
}
