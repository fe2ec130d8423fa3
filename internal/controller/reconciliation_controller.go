package controller

import (
	"context"
	"net/http"

	reconApp "github.com/cassiomorais/eventcore/internal/application/reconciliation"
	"github.com/cassiomorais/eventcore/internal/domain/idempotency"
	"github.com/cassiomorais/eventcore/internal/domain/reconciliation"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// ReconciliationAdmin is the operational surface of the reconciliation service.
type ReconciliationAdmin interface {
	Reconcile(ctx context.Context, scope reconciliation.Scope) (*reconApp.Report, error)
	CheckTypes() []string
	CheckConsistency(ctx context.Context, checkType string, scope reconciliation.Scope) (*reconciliation.CheckResult, error)
	Escalations(ctx context.Context, unresolvedOnly bool, limit int) ([]*reconciliation.Escalation, error)
	ResolveEscalation(ctx context.Context, id uuid.UUID) error
	ResolveDeadlocks(ctx context.Context, g reconApp.LockGraph, releaser reconApp.Releaser) ([]reconApp.DeadlockResolution, error)
}

// HeldLocks lists the idempotency locks currently acquired.
type HeldLocks interface {
	ListHeld(ctx context.Context, limit int) ([]*idempotency.Lock, error)
}

// ReconciliationController runs sweeps and manages escalations.
type ReconciliationController struct {
	service  ReconciliationAdmin
	locks    HeldLocks
	releaser reconApp.Releaser
}

func NewReconciliationController(service ReconciliationAdmin, locks HeldLocks, releaser reconApp.Releaser) *ReconciliationController {
	return &ReconciliationController{service: service, locks: locks, releaser: releaser}
}

// Reconcile handles POST /admin/v1/reconcile
func (h *ReconciliationController) Reconcile(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	report, err := h.service.Reconcile(r.Context(), scope)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Checks handles GET /admin/v1/checks
func (h *ReconciliationController) Checks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"checks": h.service.CheckTypes()})
}

// RunCheck handles POST /admin/v1/checks/{type}
func (h *ReconciliationController) RunCheck(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	res, err := h.service.CheckConsistency(r.Context(), chi.URLParam(r, "type"), scope)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Escalations handles GET /admin/v1/escalations
func (h *ReconciliationController) Escalations(w http.ResponseWriter, r *http.Request) {
	unresolvedOnly := r.URL.Query().Get("all") != "true"
	items, err := h.service.Escalations(r.Context(), unresolvedOnly, queryLimit(r, 50, 500))
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []*reconciliation.Escalation{}
	}
	writeJSON(w, http.StatusOK, items)
}

// ResolveEscalation handles POST /admin/v1/escalations/{id}/resolve
func (h *ReconciliationController) ResolveEscalation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.ResolveEscalation(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResolveDeadlocks handles POST /admin/v1/deadlocks/resolve
func (h *ReconciliationController) ResolveDeadlocks(w http.ResponseWriter, r *http.Request) {
	var req ResolveDeadlocksRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	graph := req.Graph
	if req.IncludeHeld && h.locks != nil {
		held, err := h.locks.ListHeld(r.Context(), 1000)
		if err != nil {
			writeError(w, err)
			return
		}
		graph = graph.Merge(reconApp.LockGraphFromHeld(held))
	}

	resolutions, err := h.service.ResolveDeadlocks(r.Context(), graph, h.releaser)
	if resolutions == nil {
		resolutions = []reconApp.DeadlockResolution{}
	}
	status := http.StatusOK
	if err != nil {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, map[string]any{"resolutions": resolutions})
}

// scope decodes an optional ReconcileRequest body.
func (h *ReconciliationController) scope(w http.ResponseWriter, r *http.Request) (reconciliation.Scope, bool) {
	if r.ContentLength == 0 {
		return reconciliation.Scope{}, true
	}
	var req ReconcileRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return reconciliation.Scope{}, false
	}
	return reconciliation.Scope{TenantID: req.TenantID, Keys: req.Keys}, true
}
