// Package openaitest provides an in-process OpenAI-compatible server for
// tests of code that sits above the remote adapter.
package openaitest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"erpy/internal/completion"
)

type Config struct {
	// Models returned by GET /models.
	Models []string
	// Deltas streamed, in order, by a streaming POST /chat/completions.
	Deltas []string
	// FinishReason sent in a final item after Deltas ("stop" when empty).
	FinishReason string
	// Reply is the content of a non-streaming completion.
	Reply string
	// Gate, when set, holds a stream after its first delta until closed.
	Gate <-chan struct{}
	// Status, when non-zero, is returned for every completion call.
	Status int
}

type Server struct {
	*httptest.Server
	cfg Config

	mu       sync.Mutex
	requests []completion.Request
}

// New starts a server that is closed when the test ends.
func New(t testing.TB, cfg Config) *Server {
	t.Helper()
	if cfg.FinishReason == "" {
		cfg.FinishReason = "stop"
	}
	s := &Server{cfg: cfg}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// Requests returns every completion request received so far.
func (s *Server) Requests() []completion.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]completion.Request(nil), s.requests...)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/models":
		s.models(w)
	case r.Method == http.MethodPost && r.URL.Path == "/chat/completions":
		s.completions(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) models(w http.ResponseWriter) {
	type model struct {
		ID string `json:"id"`
	}
	list := struct {
		Data []model `json:"data"`
	}{Data: []model{}}
	for _, id := range s.cfg.Models {
		list.Data = append(list.Data, model{ID: id})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}

func (s *Server) completions(w http.ResponseWriter, r *http.Request) {
	var req completion.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	if s.cfg.Status != 0 {
		http.Error(w, `{"error":{"message":"scripted failure"}}`, s.cfg.Status)
		return
	}

	if !req.Stream {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(completion.Response{
			ID:      "chatcmpl-test",
			Created: 1,
			Model:   req.Model,
			Choices: []completion.Choice{{
				FinishReason: s.cfg.FinishReason,
				Message:      completion.Message{Role: completion.RoleAssistant, Content: s.cfg.Reply},
			}},
		})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	flusher, _ := w.(http.Flusher)
	for i, d := range s.cfg.Deltas {
		item, _ := json.Marshal(completion.StreamResponse{
			Choices: []completion.StreamChoice{{Delta: completion.Delta{Content: d}}},
		})
		fmt.Fprintf(w, "data: %s\n\n", item)
		if flusher != nil {
			flusher.Flush()
		}
		if i == 0 && s.cfg.Gate != nil {
			select {
			case <-s.cfg.Gate:
			case <-r.Context().Done():
				return
			}
		}
	}
	reason := s.cfg.FinishReason
	final, _ := json.Marshal(completion.StreamResponse{
		Choices: []completion.StreamChoice{{FinishReason: &reason}},
	})
	fmt.Fprintf(w, "data: %s\n\n", final)
	fmt.Fprint(w, "data: [DONE]\n\n")
}
