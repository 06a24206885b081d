package completion

import (
	"context"
	"errors"
	"io"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Stream is a finite, forward-only sequence of deltas. Each Recv performs at
// most one suspension on the backend and returns io.EOF once the stream has
// ended. Close may be called at any time, from any goroutine.
type Stream interface {
	Recv() (StreamResponse, error)
	// FinishReason is the finish reason of a terminal item the stream
	// consumed without forwarding, or "" if none was seen.
	FinishReason() string
	Close() error
}

// Verdict is a normalizer's decision for one raw backend item.
type Verdict int

const (
	// Yield forwards the item.
	Yield Verdict = iota
	// Skip drops the item and pulls again.
	Skip
	// Terminal marks a fully finished item. It is dropped, its finish reason
	// recorded, and the stream ends.
	Terminal
	// End stops the stream without forwarding anything.
	End
	// Fail stops the stream after a backend-reported error. The normalizer
	// has already logged it.
	Fail
)

// PullFunc fetches and classifies the next raw item. It returns io.EOF when
// the source is exhausted.
type PullFunc func() (StreamResponse, Verdict, error)

type streamState int32

const (
	stateAwaiting streamState = iota
	stateTerminated
	stateErrored
)

type pullStream struct {
	pull   PullFunc
	closer func() error
	logger *zap.Logger

	state  atomic.Int32
	finish atomic.Pointer[string]

	closeOnce sync.Once
	closeErr  error
}

// NewStream builds a Stream over pull. closer, if non-nil, releases the
// underlying connection or receiver and runs exactly once.
func NewStream(pull PullFunc, closer func() error, logger *zap.Logger) Stream {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &pullStream{pull: pull, closer: closer, logger: logger}
}

func (s *pullStream) Recv() (StreamResponse, error) {
	for streamState(s.state.Load()) == stateAwaiting {
		item, verdict, err := s.pull()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.stop(stateTerminated)
				return StreamResponse{}, io.EOF
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				s.stop(stateTerminated)
				return StreamResponse{}, err
			}
			if streamState(s.state.Load()) != stateAwaiting {
				// closed underneath us
				return StreamResponse{}, io.EOF
			}
			s.logger.Warn("stream source failed, ending stream", zap.Error(err))
			s.stop(stateErrored)
			return StreamResponse{}, io.EOF
		}

		switch verdict {
		case Yield:
			return item, nil
		case Skip:
			continue
		case Terminal:
			reason := item.firstFinishReason()
			s.finish.Store(&reason)
			s.stop(stateTerminated)
		case End:
			s.stop(stateTerminated)
		case Fail:
			s.stop(stateErrored)
		}
	}
	return StreamResponse{}, io.EOF
}

func (s *pullStream) FinishReason() string {
	if fr := s.finish.Load(); fr != nil {
		return *fr
	}
	return ""
}

func (s *pullStream) Close() error {
	s.state.CompareAndSwap(int32(stateAwaiting), int32(stateTerminated))
	s.release()
	return s.closeErr
}

func (s *pullStream) stop(state streamState) {
	s.state.Store(int32(state))
	s.release()
}

func (s *pullStream) release() {
	s.closeOnce.Do(func() {
		if s.closer != nil {
			s.closeErr = s.closer()
		}
	})
}

// All ranges over the stream's deltas. A non-EOF error is yielded once as the
// last element.
func All(s Stream) iter.Seq2[StreamResponse, error] {
	return func(yield func(StreamResponse, error) bool) {
		for {
			item, err := s.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(StreamResponse{}, err)
				return
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}

// Collect drains s, concatenating first-choice content in arrival order. The
// finish reason is the last yielded item's, or the consumed terminal item's
// when there was one.
func Collect(s Stream) (content, finishReason string, err error) {
	var sb strings.Builder
	for item, err := range All(s) {
		if err != nil {
			return "", "", err
		}
		sb.WriteString(item.Text())
		finishReason = item.firstFinishReason()
	}
	if fr := s.FinishReason(); fr != "" {
		finishReason = fr
	}
	return sb.String(), finishReason, nil
}

// Fold drains s into a synthesized Response for backends that have no batch
// endpoint.
func Fold(s Stream, model string) (*Response, error) {
	defer s.Close()

	content, finishReason, err := Collect(s)
	if err != nil {
		return nil, err
	}
	return &Response{
		ID:      "chatcmpl-" + uuid.NewString(),
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []Choice{{
			Index:        0,
			FinishReason: finishReason,
			Message:      Message{Role: RoleAssistant, Content: content},
		}},
	}, nil
}
