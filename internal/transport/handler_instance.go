package transport

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/autoflow/internal/workflow"
	"github.com/pitabwire/autoflow/model"
)

func (h *handlers) listInstances(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	q := r.URL.Query()
	insts, err := h.engine.ListInstances(r.Context(), workflow.InstanceFilter{
		WorkflowID: q.Get("workflow_id"),
		UserID:     q.Get("user_id"),
		Status:     q.Get("status"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"instances": nonNil(insts)})
}

func (h *handlers) getInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := h.engine.GetInstance(r.Context(), chi.URLParam(r, "instanceId"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, inst)
}

func (h *handlers) instanceLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		WriteError(w, r, err)
		return
	}
	logs, err := h.engine.GetInstanceLogs(r.Context(), chi.URLParam(r, "instanceId"), limit)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"logs": nonNil(logs)})
}

func (h *handlers) pauseInstance(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.engine.Pause)
}

func (h *handlers) resumeInstance(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.engine.Resume)
}

func (h *handlers) cancelInstance(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.engine.Cancel)
}

func (h *handlers) lifecycle(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (model.WorkflowInstance, error)) {
	inst, err := op(r.Context(), chi.URLParam(r, "instanceId"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, inst)
}
