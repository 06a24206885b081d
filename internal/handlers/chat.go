package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"erpy/internal/app"
	"erpy/internal/chat"
	"erpy/internal/completion"
	"erpy/pkg/logging/logging"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type chatCompletionRequest struct {
	Messages []completion.Message `json:"messages"`
	Settings app.LLMSettings      `json:"settings"`
}

type sessionEvent struct {
	SessionID uuid.UUID `json:"sessionId"`
}

type doneEvent struct {
	FinishReason string `json:"finishReason,omitempty"`
}

// ChatCompletion handles POST /v1/chat/completions. The response is an SSE
// stream: one "session" event, a "completion" event per delta, and a final
// "completion_done". A failure after the stream started is sent as an
// "error" event before "completion_done".
func (h *Handler) ChatCompletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)

	var body chatCompletionRequest
	if err := decode(r, &body); err != nil {
		h.badRequest(w, r, err)
		return
	}
	if len(body.Messages) == 0 {
		h.badRequest(w, r, errors.New("messages must not be empty"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, r, errors.New("streaming unsupported"))
		return
	}

	sess, err := h.State.ChatCompletion(ctx, body.Messages, body.Settings)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer sess.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sse := &sseWriter{w: w, flusher: flusher}
	if err := sse.event("session", sessionEvent{SessionID: sess.ID}); err != nil {
		logger.Warn("client went away", zap.Error(err))
		return
	}

	for {
		item, err := sess.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				// client disconnected
				return
			}
			logger.Error("completion stream failed", zap.Error(err))
			_ = sse.event("error", errorBody(err))
			break
		}
		if err := sse.event("completion", item); err != nil {
			logger.Warn("client went away", zap.Error(err))
			return
		}
	}

	_ = sse.event("completion_done", doneEvent{FinishReason: sess.FinishReason()})
}

// Cancel handles POST /v1/chat/{sessionID}/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		h.badRequest(w, r, fmt.Errorf("invalid session id: %w", err))
		return
	}
	if err := h.State.Cancel(id); err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type summarizeRequest struct {
	Chat   chat.Chat `json:"chat"`
	Prompt string    `json:"prompt"`
}

type summarizeResponse struct {
	Summary string `json:"summary"`
}

// Summarize handles POST /v1/chat/summarize.
func (h *Handler) Summarize(w http.ResponseWriter, r *http.Request) {
	var body summarizeRequest
	if err := decode(r, &body); err != nil {
		h.badRequest(w, r, err)
		return
	}
	summary, err := h.State.Summarize(r.Context(), &body.Chat, body.Prompt)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summarizeResponse{Summary: summary})
}

type connectionTestRequest struct {
	APIURL string `json:"apiUrl"`
	APIKey string `json:"apiKey"`
}

// TestConnection handles POST /v1/connection/test. The outcome is always
// reported in the body with status 200.
func (h *Handler) TestConnection(w http.ResponseWriter, r *http.Request) {
	var body connectionTestRequest
	if err := decode(r, &body); err != nil {
		h.badRequest(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.State.TestConnection(r.Context(), body.APIURL, body.APIKey))
}

type sseWriter struct {
	w       io.Writer
	flusher http.Flusher
}

func (s *sseWriter) event(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

