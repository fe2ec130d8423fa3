package errors

import (
	"errors"
	"fmt"
)

var (
	// Outbox errors
	ErrEventNotFound        = errors.New("outbox event not found")
	ErrClaimLost            = errors.New("event claim is no longer held by this worker")
	ErrHandlerNotRegistered = errors.New("no handler registered for event type")
	ErrHandlerAlreadyExists = errors.New("handler already registered for event type")

	// State machine errors
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrInvalidStatus          = errors.New("invalid status")

	// Saga errors
	ErrSagaNotFound       = errors.New("saga not found")
	ErrSagaNotRegistered  = errors.New("saga type not registered")
	ErrSagaAlreadyExists  = errors.New("saga type already registered")
	ErrSagaTerminal       = errors.New("saga is in a terminal state")
	ErrSagaCompensated    = errors.New("saga failed and was compensated")
	ErrCompensationFailed = errors.New("saga compensation failed")

	// Concurrency errors
	ErrOptimisticLockFailed = errors.New("optimistic lock conflict")

	// Idempotency errors
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrOperationInProgress     = errors.New("operation with this idempotency key is in progress")
	ErrLockNotHeld             = errors.New("lock not held")

	// Reconciliation errors
	ErrCheckNotRegistered = errors.New("consistency check not registered")
	ErrUnknownStrategy    = errors.New("unknown recovery strategy")
	ErrRetriesExhausted   = errors.New("retries exhausted")
	ErrEscalationNotFound = errors.New("escalation not found")

	// Validation errors
	ErrValidationFailed = errors.New("validation failed")
	ErrInvalidInput     = errors.New("invalid input")
)

// DomainError wraps errors with additional context
type DomainError struct {
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
}

// Unwrap lets callers match any validation failure with errors.Is(err, ErrValidationFailed).
func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// TransitionError reports a rejected state change.
func TransitionError(kind string, from, to fmt.Stringer) error {
	return fmt.Errorf("%w: %s %s -> %s", ErrInvalidStateTransition, kind, from, to)
}
