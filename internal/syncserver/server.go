// Package syncserver serves the sync API: clients upload their chats and
// characters and download everything the server holds.
package syncserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"erpy/internal/chat"
	"erpy/internal/metrics"
	"erpy/internal/middleware"
	"erpy/internal/syncstore"
	"erpy/pkg/logging/logging"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store is the persistence the server needs; *syncstore.Store implements it.
type Store interface {
	PersistCharacter(ctx context.Context, c chat.Character, clientID string) (uuid.UUID, error)
	PersistChat(ctx context.Context, c chat.Chat, clientID string) (uuid.UUID, error)
	FetchCharacters(ctx context.Context) ([]chat.Character, error)
	FetchChats(ctx context.Context) ([]chat.Chat, error)
	FetchChat(ctx context.Context, id uuid.UUID) (*chat.Chat, error)
	SyncAll(ctx context.Context, in syncstore.Snapshot, clientID string) (*syncstore.Snapshot, error)
}

type Config struct {
	// APIKey is required as a bearer token on every route.
	APIKey       string
	MaxBodyBytes int64 // default: 32 MiB
}

type Server struct {
	store  Store
	cfg    Config
	logger *zap.Logger
}

func New(store Store, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 32 << 20
	}
	return &Server{store: store, cfg: cfg, logger: logger.Named("syncserver")}
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(metrics.Middleware)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.LoggingContext(s.logger))
	r.Use(middleware.Recoverer())
	r.Use(middleware.BearerAuth(s.cfg.APIKey))
	r.Use(middleware.MaxBodySize(s.cfg.MaxBodyBytes))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.health)

		r.Get("/chat", s.fetchChats)
		r.Get("/chat/{id}", s.fetchChat)
		r.With(requireClientID).Post("/chat", s.persistChat)

		r.Get("/character", s.fetchCharacters)
		r.With(requireClientID).Post("/character", s.persistCharacter)

		r.With(requireClientID).Post("/sync", s.syncAll)
	})

	return r
}

type clientIDKey struct{}

// requireClientID rejects writes without a client_id query parameter.
func requireClientID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("client_id")
		if id == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "client_id query parameter is required"})
			return
		}
		ctx := context.WithValue(r.Context(), clientIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func clientID(r *http.Request) string {
	id, _ := r.Context().Value(clientIDKey{}).(string)
	return id
}

type errorResponse struct {
	Error string `json:"error"`
}

type persistResponse struct {
	UUID uuid.UUID `json:"uuid"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) fetchChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.store.FetchChats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

func (s *Server) fetchChat(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid chat id"})
		return
	}
	c, err := s.store.FetchChat(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if c == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "chat not found"})
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) persistChat(w http.ResponseWriter, r *http.Request) {
	var c chat.Chat
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	id, err := s.store.PersistChat(r.Context(), c, clientID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, persistResponse{UUID: id})
}

func (s *Server) fetchCharacters(w http.ResponseWriter, r *http.Request) {
	chars, err := s.store.FetchCharacters(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chars)
}

func (s *Server) persistCharacter(w http.ResponseWriter, r *http.Request) {
	var c chat.Character
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	id, err := s.store.PersistCharacter(r.Context(), c, clientID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, persistResponse{UUID: id})
}

func (s *Server) syncAll(w http.ResponseWriter, r *http.Request) {
	var in syncstore.Snapshot
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	out, err := s.store.SyncAll(r.Context(), in, clientID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, syncstore.ErrCharacterNotFound) {
		status = http.StatusUnprocessableEntity
	}
	logging.L(r.Context()).Error("sync request failed", zap.Int("status", status), zap.Error(err))
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
