package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// webhook starts a webhook-triggered workflow. The whole JSON body becomes
// the instance input.
func (h *handlers) webhook(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := decodeBody(r, &payload, false); err != nil {
		WriteError(w, r, err)
		return
	}
	inst, err := h.engine.StartWebhook(r.Context(), chi.URLParam(r, "workflowId"), UserIDFrom(r.Context()), payload)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, inst)
}

// emitEvent starts every active workflow subscribed to the event.
func (h *handlers) emitEvent(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := decodeBody(r, &payload, false); err != nil {
		WriteError(w, r, err)
		return
	}
	event := chi.URLParam(r, "event")
	started, err := h.engine.Emit(r.Context(), event, payload)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]any{
		"event":     event,
		"instances": nonNil(started),
	})
}
