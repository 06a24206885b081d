package app

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"erpy/internal/completion"
	"erpy/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrUnknownSession is returned by Cancel for ids with no open session.
var ErrUnknownSession = errors.New("app: unknown session")

// Session is one running chat completion. It is a completion.Stream that can
// also be cancelled by id from another request.
type Session struct {
	ID uuid.UUID

	stream  completion.Stream
	backend string
	cancel  context.CancelFunc
	state   *State

	cancelled atomic.Bool
	failed    atomic.Bool
	closeOnce sync.Once
}

// ChatCompletion starts a streaming completion for messages. settings are
// merged over the configured defaults; thinking tags are stripped unless
// disabled.
func (s *State) ChatCompletion(ctx context.Context, messages []completion.Message, settings LLMSettings) (*Session, error) {
	settings = settings.Merge(s.opts.Settings)
	req := settings.Request(messages)

	backend := "none"
	if kind, ok := s.opts.Dispatcher.Kind(ctx); ok {
		backend = string(kind)
	}

	logger := s.logger.With(zap.String("backend", backend))
	logger.Info("received chat request",
		zap.Int("messages", len(req.Messages)),
		zap.Int("estimated_tokens", completion.EstimateTokens(req.Messages)),
	)

	sctx, cancel := context.WithCancel(ctx)
	stream, err := s.opts.Dispatcher.GetCompletionsStream(sctx, req)
	if err != nil {
		cancel()
		metrics.CompletionStreamsTotal.WithLabelValues(backend, "setup_error").Inc()
		return nil, err
	}

	sess := &Session{
		ID:      uuid.New(),
		stream:  stream,
		backend: backend,
		cancel:  cancel,
		state:   s,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	return sess, nil
}

// Cancel stops the session with id. The open Recv, if any, returns promptly.
func (s *State) Cancel(id uuid.UUID) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}
	s.logger.Info("cancelling completion stream", zap.Stringer("session", id))
	sess.Cancel()
	return nil
}

// Recv returns the next delta. A cancelled session ends with io.EOF.
func (s *Session) Recv() (completion.StreamResponse, error) {
	item, err := s.stream.Recv()
	switch {
	case err == nil:
		metrics.CompletionDeltasTotal.WithLabelValues(s.backend).Inc()
		return item, nil
	case errors.Is(err, io.EOF):
	case s.cancelled.Load() && errors.Is(err, context.Canceled):
		err = io.EOF
	default:
		s.failed.Store(true)
	}
	s.Close()
	return completion.StreamResponse{}, err
}

func (s *Session) FinishReason() string {
	return s.stream.FinishReason()
}

// Cancel marks the session cancelled and closes it.
func (s *Session) Cancel() {
	s.cancelled.Store(true)
	s.Close()
}

func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.stream.Close()
		s.cancel()

		s.state.mu.Lock()
		delete(s.state.sessions, s.ID)
		s.state.mu.Unlock()

		outcome := "completed"
		switch {
		case s.cancelled.Load():
			outcome = "cancelled"
		case s.failed.Load():
			outcome = "error"
		}
		metrics.CompletionStreamsTotal.WithLabelValues(s.backend, outcome).Inc()
		s.state.logger.Info("completion stream finished",
			zap.Stringer("session", s.ID),
			zap.String("outcome", outcome),
			zap.String("finish_reason", s.stream.FinishReason()),
		)
	})
	return err
}

var _ completion.Stream = (*Session)(nil)
