package controller

import (
	"context"
	"errors"
	"net/http"

	domainErrors "github.com/cassiomorais/eventcore/internal/domain/errors"
	"github.com/cassiomorais/eventcore/internal/domain/saga"
	"github.com/google/uuid"
)

// SagaAdmin is the part of the saga coordinator the admin surface drives.
type SagaAdmin interface {
	Get(ctx context.Context, id uuid.UUID) (*saga.Instance, error)
	Resume(ctx context.Context, id uuid.UUID) (*saga.Instance, error)
	Compensate(ctx context.Context, id uuid.UUID, reason string) (*saga.Instance, error)
}

// SagaController handles saga inspection and repair.
type SagaController struct {
	sagas SagaAdmin
}

func NewSagaController(sagas SagaAdmin) *SagaController {
	return &SagaController{sagas: sagas}
}

// Get handles GET /admin/v1/sagas/{id}
func (h *SagaController) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	inst, err := h.sagas.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FromSaga(inst))
}

// Resume handles POST /admin/v1/sagas/{id}/resume
func (h *SagaController) Resume(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	inst, err := h.sagas.Resume(r.Context(), id)
	writeSagaOutcome(w, inst, err)
}

// Compensate handles POST /admin/v1/sagas/{id}/compensate
func (h *SagaController) Compensate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req CompensateRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}
	inst, err := h.sagas.Compensate(r.Context(), id, req.Reason)
	writeSagaOutcome(w, inst, err)
}

// writeSagaOutcome reports a saga that ran to a terminal state as a success
// of the admin call, even when the saga itself compensated or escalated.
func writeSagaOutcome(w http.ResponseWriter, inst *saga.Instance, err error) {
	if err != nil {
		settled := errors.Is(err, domainErrors.ErrSagaCompensated) || errors.Is(err, domainErrors.ErrCompensationFailed)
		if !settled || inst == nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, FromSaga(inst))
}
