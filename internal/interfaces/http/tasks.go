package http

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/factorlab/factorlab/internal/service"
)

// TaskStatus handles GET /api/v1/tasks/{task_id}/status.
func (h *Handlers) TaskStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.GetTaskStatus(r.Context(), mux.Vars(r)["task_id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeData(w, st)
}

// TaskLogs handles GET /api/v1/tasks/{task_id}/logs. The optional
// last_log_id parameter resumes an earlier read; clients poll with the
// returned cursor.
func (h *Handlers) TaskLogs(w http.ResponseWriter, r *http.Request) {
	page, err := h.svc.GetTaskLogs(r.Context(), mux.Vars(r)["task_id"], r.URL.Query().Get("last_log_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeData(w, page)
}

// TaskChart handles GET /api/v1/tasks/{task_id}/charts/{chart}, serving
// any of the bundle's chart payloads by field name.
func (h *Handlers) TaskChart(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	h.bundleField(w, r, vars["task_id"], vars["chart"])
}

// TaskAnalysis handles GET /api/v1/tasks/{task_id}/analysis.
func (h *Handlers) TaskAnalysis(w http.ResponseWriter, r *http.Request) {
	h.bundleField(w, r, mux.Vars(r)["task_id"], service.FieldAnalysis)
}

// TaskGroups handles GET /api/v1/tasks/{task_id}/groups.
func (h *Handlers) TaskGroups(w http.ResponseWriter, r *http.Request) {
	h.bundleField(w, r, mux.Vars(r)["task_id"], service.FieldGroups)
}

// TaskTop handles GET /api/v1/tasks/{task_id}/top.
func (h *Handlers) TaskTop(w http.ResponseWriter, r *http.Request) {
	h.bundleField(w, r, mux.Vars(r)["task_id"], service.FieldTop)
}

func (h *Handlers) bundleField(w http.ResponseWriter, r *http.Request, taskID, field string) {
	raw, err := h.svc.GetBundleField(r.Context(), taskID, field)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeData(w, raw)
}
