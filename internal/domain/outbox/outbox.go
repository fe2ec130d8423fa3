package outbox

import (
	"strings"
	"time"

	"github.com/cassiomorais/eventcore/internal/domain/document"
	domainErrors "github.com/cassiomorais/eventcore/internal/domain/errors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// DefaultMaxRetries is the retry budget given to events appended without one.
const DefaultMaxRetries = 5

var validate = validator.New()

// Status is the lifecycle state of an outbox event.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPublished  Status = "published"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusDeadLetter},
	StatusProcessing: {StatusPublished, StatusFailed, StatusDeadLetter, StatusPending, StatusProcessing},
	StatusFailed:     {StatusProcessing, StatusDeadLetter},
	StatusDeadLetter: {StatusPending}, // administrative requeue
	StatusPublished:  {},
}

// ParseStatus validates a raw status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if _, ok := transitions[s]; !ok {
		return "", domainErrors.NewValidationError("status", "unknown outbox status "+raw)
	}
	return s, nil
}

func (s Status) String() string { return string(s) }

// CanTransitionTo reports whether the lifecycle allows moving from s to next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Event is a row of the transactional outbox.
type Event struct {
	ID                  uuid.UUID
	TenantID            *string
	AggregateType       string
	AggregateID         string
	EventType           string
	Payload             document.Document
	Metadata            document.Document
	Status              Status
	RetryCount          int
	MaxRetries          int
	LastError           *string
	ProcessingBy        *string
	ProcessingStartedAt *time.Time
	LastHeartbeat       *time.Time
	NextAttemptAt       *time.Time
	PublishedAt         *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// AppendRequest is what collaborators hand to the store alongside their own
// domain write.
type AppendRequest struct {
	TenantID      *string
	AggregateType string `validate:"required,max=100"`
	AggregateID   string `validate:"required,max=255"`
	EventType     string `validate:"required,max=255"`
	Payload       document.Document
	Metadata      document.Document
	MaxRetries    int `validate:"gte=0,lte=100"`
}

// NewEvent validates req and builds a pending event.
func NewEvent(req AppendRequest) (*Event, error) {
	req.AggregateType = strings.TrimSpace(req.AggregateType)
	req.AggregateID = strings.TrimSpace(req.AggregateID)
	req.EventType = strings.TrimSpace(req.EventType)

	if err := validate.Struct(req); err != nil {
		if ve, ok := err.(validator.ValidationErrors); ok && len(ve) > 0 {
			return nil, domainErrors.NewValidationError(ve[0].Field(), ve[0].Tag()+" validation failed")
		}
		return nil, domainErrors.NewValidationError("event", err.Error())
	}

	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = DefaultMaxRetries
	}

	now := time.Now().UTC()
	return &Event{
		ID:            uuid.New(),
		TenantID:      req.TenantID,
		AggregateType: req.AggregateType,
		AggregateID:   req.AggregateID,
		EventType:     req.EventType,
		Payload:       req.Payload,
		Metadata:      req.Metadata,
		Status:        StatusPending,
		MaxRetries:    maxRetries,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func (e *Event) transition(next Status, now time.Time) error {
	if !e.Status.CanTransitionTo(next) {
		return domainErrors.TransitionError("event", e.Status, next)
	}
	e.Status = next
	e.UpdatedAt = now
	return nil
}

// IsStale reports whether a processing claim has gone quiet for longer than
// staleTimeout. The most recent heartbeat counts as proof of life.
func (e *Event) IsStale(now time.Time, staleTimeout time.Duration) bool {
	if e.Status != StatusProcessing {
		return false
	}
	last := e.LastHeartbeat
	if last == nil || (e.ProcessingStartedAt != nil && e.ProcessingStartedAt.After(*last)) {
		last = e.ProcessingStartedAt
	}
	return last == nil || last.Before(now.Add(-staleTimeout))
}

// IsClaimable mirrors the claim predicate used by the stores.
func (e *Event) IsClaimable(now time.Time, staleTimeout time.Duration) bool {
	switch e.Status {
	case StatusPending:
		return true
	case StatusFailed:
		return e.RetryCount < e.MaxRetries && (e.NextAttemptAt == nil || !e.NextAttemptAt.After(now))
	case StatusProcessing:
		return e.IsStale(now, staleTimeout)
	default:
		return false
	}
}

// MarkProcessing records workerID as the claimant.
func (e *Event) MarkProcessing(workerID string, now time.Time) error {
	if err := e.transition(StatusProcessing, now); err != nil {
		return err
	}
	e.ProcessingBy = &workerID
	e.ProcessingStartedAt = &now
	e.LastHeartbeat = &now
	return nil
}

// ClaimedBy returns ErrClaimLost unless workerID holds the processing claim.
func (e *Event) ClaimedBy(workerID string) error {
	if e.Status != StatusProcessing || e.ProcessingBy == nil || *e.ProcessingBy != workerID {
		return domainErrors.ErrClaimLost
	}
	return nil
}

// Heartbeat extends the claim held by workerID.
func (e *Event) Heartbeat(workerID string, now time.Time) error {
	if err := e.ClaimedBy(workerID); err != nil {
		return err
	}
	e.LastHeartbeat = &now
	e.UpdatedAt = now
	return nil
}

// MarkPublished completes the event. PublishedAt is written once.
func (e *Event) MarkPublished(now time.Time) error {
	if err := e.transition(StatusPublished, now); err != nil {
		return err
	}
	if e.PublishedAt == nil {
		e.PublishedAt = &now
	}
	e.LastError = nil
	e.clearClaim()
	return nil
}

// MarkFailed consumes one retry. Once the budget is spent the event moves to
// dead_letter instead of failed.
func (e *Event) MarkFailed(errMsg string, now time.Time, backoff time.Duration) error {
	next := StatusFailed
	if e.RetryCount+1 >= e.MaxRetries {
		next = StatusDeadLetter
	}
	if err := e.transition(next, now); err != nil {
		return err
	}
	e.RetryCount++
	e.LastError = &errMsg
	e.clearClaim()
	if next == StatusFailed {
		at := now.Add(backoff)
		e.NextAttemptAt = &at
	} else {
		e.NextAttemptAt = nil
	}
	return nil
}

// MoveToDeadLetter parks the event for manual intervention.
func (e *Event) MoveToDeadLetter(reason string, now time.Time) error {
	if err := e.transition(StatusDeadLetter, now); err != nil {
		return err
	}
	e.LastError = &reason
	e.NextAttemptAt = nil
	e.clearClaim()
	return nil
}

// Release hands a claimed event back to the pending pool without consuming a
// retry.
func (e *Event) Release(now time.Time) error {
	if e.Status != StatusProcessing {
		return domainErrors.TransitionError("event", e.Status, StatusPending)
	}
	if err := e.transition(StatusPending, now); err != nil {
		return err
	}
	e.clearClaim()
	return nil
}

// Requeue resets a dead-lettered event with a fresh retry budget.
func (e *Event) Requeue(now time.Time) error {
	if e.Status != StatusDeadLetter {
		return domainErrors.TransitionError("event", e.Status, StatusPending)
	}
	if err := e.transition(StatusPending, now); err != nil {
		return err
	}
	e.RetryCount = 0
	e.NextAttemptAt = nil
	return nil
}

func (e *Event) clearClaim() {
	e.ProcessingBy = nil
	e.ProcessingStartedAt = nil
	e.LastHeartbeat = nil
}

// Clone returns a copy that shares no mutable pointers with e.
func (e *Event) Clone() *Event {
	c := *e
	c.Payload = e.Payload.Clone()
	c.Metadata = e.Metadata.Clone()
	c.TenantID = clonePtr(e.TenantID)
	c.LastError = clonePtr(e.LastError)
	c.ProcessingBy = clonePtr(e.ProcessingBy)
	c.ProcessingStartedAt = clonePtr(e.ProcessingStartedAt)
	c.LastHeartbeat = clonePtr(e.LastHeartbeat)
	c.NextAttemptAt = clonePtr(e.NextAttemptAt)
	c.PublishedAt = clonePtr(e.PublishedAt)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
