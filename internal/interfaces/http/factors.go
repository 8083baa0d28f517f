package http

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/factorlab/factorlab/internal/errs"
	"github.com/factorlab/factorlab/internal/service"
)

// CreateFactor handles POST /api/v1/factors.
func (h *Handlers) CreateFactor(w http.ResponseWriter, r *http.Request) {
	in, err := decodeInput(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	id, err := h.svc.CreateFactor(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeData(w, map[string]string{"factor_id": id})
}

// UpdateFactor handles PUT /api/v1/factors/{factor_id}.
func (h *Handlers) UpdateFactor(w http.ResponseWriter, r *http.Request) {
	factorID := mux.Vars(r)["factor_id"]
	in, err := decodeInput(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.svc.UpdateFactor(r.Context(), factorID, in); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeData(w, map[string]string{"factor_id": factorID})
}

// GetFactor handles GET /api/v1/factors/{factor_id}.
func (h *Handlers) GetFactor(w http.ResponseWriter, r *http.Request) {
	factor, err := h.svc.GetFactor(r.Context(), mux.Vars(r)["factor_id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeData(w, factor)
}

// DeleteFactor handles DELETE /api/v1/factors/{factor_id}.
func (h *Handlers) DeleteFactor(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteFactor(r.Context(), mux.Vars(r)["factor_id"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeData(w, nil)
}

// FactorStatus handles GET /api/v1/factors/{factor_id}/status.
func (h *Handlers) FactorStatus(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.FactorStatus(r.Context(), mux.Vars(r)["factor_id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeData(w, info)
}

// RunFactor handles GET /api/v1/factors/{factor_id}/run: admission plus
// an asynchronous evaluation; the response carries only the task id.
func (h *Handlers) RunFactor(w http.ResponseWriter, r *http.Request) {
	taskID, err := h.svc.RunFactor(r.Context(), mux.Vars(r)["factor_id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeData(w, map[string]string{"task_id": taskID})
}

// ListFactors handles GET /api/v1/factors. Pagination and sorting are
// query parameters; user_id is required.
func (h *Handlers) ListFactors(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := service.ListQuery{
		UserID:    query.Get("user_id"),
		Page:      1,
		PageSize:  10,
		SortField: query.Get("sort_field"),
		SortOrder: query.Get("sort_order"),
	}
	if v := query.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			h.writeError(w, r, errs.Validationf("page must be an integer, got %q", v))
			return
		}
		q.Page = n
	}
	if v := query.Get("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			h.writeError(w, r, errs.Validationf("page_size must be an integer, got %q", v))
			return
		}
		q.PageSize = n
	}

	list, err := h.svc.ListFactors(r.Context(), q)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeData(w, list)
}
