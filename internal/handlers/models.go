package handlers

import (
	"net/http"

	"erpy/internal/dispatch"
)

// LoadModel handles POST /v1/models/load.
func (h *Handler) LoadModel(w http.ResponseWriter, r *http.Request) {
	var payload dispatch.LoadModel
	if err := decode(r, &payload); err != nil {
		h.badRequest(w, r, err)
		return
	}
	if err := h.State.Load(r.Context(), payload); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UnloadModel handles POST /v1/models/unload.
func (h *Handler) UnloadModel(w http.ResponseWriter, r *http.Request) {
	if err := h.State.Unload(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.State.ListModels(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models)
}

func (h *Handler) ListModelsOnDisk(w http.ResponseWriter, r *http.Request) {
	models, err := h.State.ListModelsOnDisk(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models)
}

// ActiveModel returns the model id, or null when nothing answers.
func (h *Handler) ActiveModel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.State.ActiveModel(r.Context()))
}

func (h *Handler) Backends(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.State.Backends())
}
