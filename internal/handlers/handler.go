package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"erpy/internal/app"
	"erpy/internal/completion"
	"erpy/internal/dispatch"
	"erpy/pkg/logging/logging"

	"go.uber.org/zap"
)

// Handler exposes the host commands over HTTP. All state lives in State.
type Handler struct {
	State *app.State
}

func New(state *app.State) *Handler {
	return &Handler{State: state}
}

type errorResponse struct {
	Error          string `json:"error"`
	UpstreamStatus int    `json:"upstream_status,omitempty"`
	UpstreamBody   string `json:"upstream_body,omitempty"`
}

// statusFor maps completion-layer errors onto HTTP statuses.
func statusFor(err error) int {
	var bs *completion.BadStatusError
	switch {
	case errors.Is(err, completion.ErrProtocolViolation), errors.Is(err, dispatch.ErrInvalidLoad):
		return http.StatusBadRequest
	case errors.Is(err, completion.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, completion.ErrUnimplemented):
		return http.StatusNotImplemented
	case errors.As(err, &bs):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func errorBody(err error) errorResponse {
	resp := errorResponse{Error: err.Error()}
	var bs *completion.BadStatusError
	if errors.As(err, &bs) {
		resp.UpstreamStatus = bs.Code
		resp.UpstreamBody = bs.Body
	}
	return resp
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	logger := logging.L(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	} else {
		logger.Warn("request rejected", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, errorBody(err))
}

func (h *Handler) badRequest(w http.ResponseWriter, r *http.Request, err error) {
	logging.L(r.Context()).Warn("invalid request", zap.Error(err))
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}
