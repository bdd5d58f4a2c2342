package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/autoflow/internal/definition"
	"github.com/pitabwire/autoflow/internal/workflow"
	"github.com/pitabwire/autoflow/model"
)

const maxBodyBytes = 1 << 20

type handlers struct {
	engine    WorkflowService
	validator *definition.Validator
}

func (h *handlers) listWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, err := pageParams(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	filter := workflow.WorkflowFilter{
		UserID:      q.Get("user_id"),
		Status:      q.Get("status"),
		TriggerType: q.Get("trigger_type"),
		Limit:       limit,
		Offset:      offset,
	}
	if raw := q.Get("template"); raw != "" {
		templates, err := strconv.ParseBool(raw)
		if err != nil {
			WriteError(w, r, model.NewBadRequestError("template must be true or false"))
			return
		}
		filter.Templates = &templates
	}

	wfs, err := h.engine.ListWorkflows(r.Context(), filter)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"workflows": nonNil(wfs)})
}

func (h *handlers) importWorkflow(w http.ResponseWriter, r *http.Request) {
	var def model.WorkflowDefinition
	if err := decodeBody(r, &def, true); err != nil {
		WriteError(w, r, err)
		return
	}
	if def.UserID == "" {
		def.UserID = UserIDFrom(r.Context())
	}

	if verrs := h.validator.ValidateOne("workflow", def); len(verrs) > 0 {
		details := make([]model.FieldError, len(verrs))
		for i, ve := range verrs {
			details[i] = model.FieldError{Field: ve.Path, Code: ve.Code, Message: ve.Message}
		}
		WriteValidationError(w, r, details)
		return
	}

	wf, created, err := h.engine.ImportDefinition(r.Context(), def)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if !created {
		WriteError(w, r, model.NewConflictError(fmt.Sprintf("workflow %q already exists", wf.ID)))
		return
	}
	h.writeWorkflow(w, r, wf.ID, http.StatusCreated)
}

func (h *handlers) getWorkflow(w http.ResponseWriter, r *http.Request) {
	h.writeWorkflow(w, r, chi.URLParam(r, "workflowId"), http.StatusOK)
}

func (h *handlers) startWorkflow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Input map[string]any `json:"input"`
	}
	if err := decodeBody(r, &body, false); err != nil {
		WriteError(w, r, err)
		return
	}

	inst, err := h.engine.Start(r.Context(), workflow.StartRequest{
		WorkflowID: chi.URLParam(r, "workflowId"),
		UserID:     UserIDFrom(r.Context()),
		Input:      body.Input,
	})
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, inst)
}

func (h *handlers) cloneWorkflow(w http.ResponseWriter, r *http.Request) {
	detail, err := h.engine.CloneTemplate(r.Context(), chi.URLParam(r, "workflowId"), UserIDFrom(r.Context()))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, detail)
}

func (h *handlers) activateWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workflowId")
	if err := h.engine.ActivateWorkflow(r.Context(), id); err != nil {
		WriteError(w, r, err)
		return
	}
	h.writeWorkflow(w, r, id, http.StatusOK)
}

func (h *handlers) archiveWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workflowId")
	if err := h.engine.ArchiveWorkflow(r.Context(), id); err != nil {
		WriteError(w, r, err)
		return
	}
	h.writeWorkflow(w, r, id, http.StatusOK)
}

func (h *handlers) writeWorkflow(w http.ResponseWriter, r *http.Request, id string, status int) {
	detail, err := h.engine.GetWorkflow(r.Context(), id)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, status, detail)
}

// --- helpers ---

// decodeBody reads a JSON request body into dst. An empty body is accepted
// unless required is set.
func decodeBody(r *http.Request, dst any, required bool) error {
	if r.Body == nil {
		if required {
			return model.NewBadRequestError("request body is required")
		}
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) && !required {
			return nil
		}
		if errors.Is(err, io.EOF) {
			return model.NewBadRequestError("request body is required")
		}
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}

func pageParams(r *http.Request) (limit, offset int, err error) {
	if limit, err = queryInt(r, "limit"); err != nil {
		return 0, 0, err
	}
	if offset, err = queryInt(r, "offset"); err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, model.NewBadRequestError(fmt.Sprintf("%s must be a non-negative integer", name))
	}
	return n, nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
