// Package app holds the host's application state. Every command handler
// receives a *State; nothing here is global.
package app

import (
	"context"
	"net/http"
	"sync"
	"time"

	"erpy/internal/cache"
	"erpy/internal/completion"
	"erpy/internal/dispatch"
	"erpy/internal/metrics"
	"erpy/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Options struct {
	Dispatcher *dispatch.Dispatcher
	// Cache stores summaries; nil disables caching.
	Cache    cache.SummaryCache
	CacheTTL time.Duration
	Scanner  models.Scanner
	// Settings are the defaults merged into every chat completion.
	Settings LLMSettings
	// HTTPClient is used for connection tests.
	HTTPClient *http.Client
}

type State struct {
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
}

func New(opts Options, logger *zap.Logger) *State {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = dispatch.New(dispatch.Options{HTTPClient: opts.HTTPClient}, logger)
	}
	return &State{
		opts:     opts,
		logger:   logger.Named("app"),
		sessions: make(map[uuid.UUID]*Session),
	}
}

// Load makes l the active backend. Summaries cached for the backend it
// replaces are dropped unless l answers with the same model.
func (s *State) Load(ctx context.Context, l dispatch.LoadModel) error {
	prev, hadPrev := s.opts.Dispatcher.ModelID(ctx)
	if err := s.opts.Dispatcher.Load(ctx, l); err != nil {
		return err
	}
	metrics.SetActiveBackend(kindNames(), string(l.Type))

	if next, _ := s.opts.Dispatcher.ModelID(ctx); hadPrev && prev != next {
		s.forgetSummaries(ctx, prev)
	}
	return nil
}

func (s *State) Unload(ctx context.Context) error {
	prev, hadPrev := s.opts.Dispatcher.ModelID(ctx)
	if err := s.opts.Dispatcher.Unload(ctx); err != nil {
		return err
	}
	metrics.SetActiveBackend(kindNames(), "")

	if hadPrev {
		s.forgetSummaries(ctx, prev)
	}
	return nil
}

func (s *State) forgetSummaries(ctx context.Context, scope string) {
	if s.opts.Cache == nil {
		return
	}
	if _, err := s.opts.Cache.Forget(ctx, scope); err != nil {
		s.logger.Warn("dropping cached summaries failed", zap.String("model", scope), zap.Error(err))
	}
}

// Autoload loads l when it names a backend. Failures are logged, not
// returned, so the host still starts without a model.
func (s *State) Autoload(ctx context.Context, l *dispatch.LoadModel) {
	if l == nil || l.Type == "" {
		return
	}
	if err := s.Load(ctx, *l); err != nil {
		s.logger.Warn("autoload failed", zap.String("kind", string(l.Type)), zap.Error(err))
		return
	}
	s.logger.Info("autoloaded backend", zap.String("kind", string(l.Type)))
}

func (s *State) ListModels(ctx context.Context) ([]string, error) {
	return s.opts.Dispatcher.ListModels(ctx)
}

func (s *State) ListModelsOnDisk(ctx context.Context) ([]completion.ModelInfo, error) {
	return s.opts.Scanner.Scan(ctx)
}

// ActiveModel returns the first model of the active backend, or nil.
func (s *State) ActiveModel(ctx context.Context) *string {
	model, ok := s.opts.Dispatcher.ActiveModel(ctx)
	if !ok {
		return nil
	}
	return &model
}

// Backends lists the compiled-in backend kinds.
func (s *State) Backends() []dispatch.Kind {
	return dispatch.Kinds()
}

// CancelSessions cancels every open chat completion.
func (s *State) CancelSessions() {
	s.mu.Lock()
	open := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()

	for _, sess := range open {
		sess.Cancel()
	}
}

// Close cancels every open session and unloads the backend.
func (s *State) Close() error {
	s.CancelSessions()
	return s.opts.Dispatcher.Close()
}

func kindNames() []string {
	kinds := dispatch.Kinds()
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}
