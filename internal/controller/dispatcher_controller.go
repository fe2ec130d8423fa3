package controller

import (
	"context"
	"net/http"

	"github.com/cassiomorais/eventcore/internal/application/dispatcher"
	"github.com/cassiomorais/eventcore/internal/domain/outbox"
	"github.com/cassiomorais/eventcore/pkg/limiter"
	"github.com/google/uuid"
)

// DispatcherAdmin is the operational surface of the dispatcher.
type DispatcherAdmin interface {
	State() dispatcher.State
	LimiterStats() limiter.Stats
	ResetBreaker()
	Backlog(ctx context.Context) (map[outbox.Status]int64, error)
	DeadLetters(ctx context.Context, limit int) ([]*outbox.Event, error)
	RequeueDeadLetter(ctx context.Context, id uuid.UUID) error
}

// DispatcherController exposes limiter stats and dead-letter handling.
type DispatcherController struct {
	dispatcher DispatcherAdmin
}

func NewDispatcherController(d DispatcherAdmin) *DispatcherController {
	return &DispatcherController{dispatcher: d}
}

// LimiterStats handles GET /admin/v1/limiter
func (h *DispatcherController) LimiterStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"dispatcher": h.dispatcher.State().String(),
		"limiter":    h.dispatcher.LimiterStats(),
	})
}

// ResetBreaker handles POST /admin/v1/limiter/reset
func (h *DispatcherController) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	h.dispatcher.ResetBreaker()
	writeJSON(w, http.StatusOK, h.dispatcher.LimiterStats())
}

// Backlog handles GET /admin/v1/outbox/backlog
func (h *DispatcherController) Backlog(w http.ResponseWriter, r *http.Request) {
	counts, err := h.dispatcher.Backlog(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	resp := BacklogResponse{Counts: make(map[string]int64, len(counts))}
	for status, n := range counts {
		resp.Counts[status.String()] = n
	}
	writeJSON(w, http.StatusOK, resp)
}

// DeadLetters handles GET /admin/v1/outbox/dead-letters
func (h *DispatcherController) DeadLetters(w http.ResponseWriter, r *http.Request) {
	events, err := h.dispatcher.DeadLetters(r.Context(), queryLimit(r, 50, 500))
	if err != nil {
		writeError(w, err)
		return
	}
	resp := make([]*EventResponse, 0, len(events))
	for _, e := range events {
		resp = append(resp, FromEvent(e))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Requeue handles POST /admin/v1/outbox/dead-letters/{id}/requeue
func (h *DispatcherController) Requeue(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.dispatcher.RequeueDeadLetter(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id.String(), "status": outbox.StatusPending.String()})
}
