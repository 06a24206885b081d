package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// scriptedPipeline emits tokens, then returns err.
type scriptedPipeline struct {
	tokens []string
	err    error
	panics bool
	block  chan struct{}

	mu     sync.Mutex
	seqs   []Sequence
	closed bool
}

func (p *scriptedPipeline) Name() string { return "scripted" }

func (p *scriptedPipeline) Generate(ctx context.Context, seq *Sequence, onToken func(string) error) (Generation, error) {
	p.mu.Lock()
	p.seqs = append(p.seqs, *seq)
	p.mu.Unlock()

	if p.panics {
		panic("boom")
	}
	for _, tok := range p.tokens {
		if err := onToken(tok); err != nil {
			return Generation{}, err
		}
	}
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return Generation{}, ctx.Err()
		}
	}
	if p.err != nil {
		return Generation{}, p.err
	}
	return Generation{PromptTokens: 3, CompletionTokens: len(p.tokens), KV: "kv"}, nil
}

func (p *scriptedPipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func startEngine(t *testing.T, p Pipeline, cfg Config) *Engine {
	t.Helper()
	e, err := New(cfg, p, zaptest.NewLogger(t))
	require.NoError(t, err)
	e.Start()
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func chatRequest(e *Engine, ch chan Response, stream bool) Request {
	return Request{
		ID:          e.NextRequestID(),
		Messages:    []Message{{Role: "user", Content: "hi"}},
		Response:    ch,
		IsStreaming: stream,
	}
}

// drainUntilTerminal collects responses up to and including Done or an error.
func drainUntilTerminal(t *testing.T, ch <-chan Response) []Response {
	t.Helper()
	var out []Response
	timeout := time.After(5 * time.Second)
	for {
		select {
		case r := <-ch:
			out = append(out, r)
			switch r.(type) {
			case Done, InternalError, ValidationError, ModelError:
				return out
			}
		case <-timeout:
			t.Fatalf("timed out after %d responses", len(out))
		}
	}
}

func TestStreamingRequestEmitsChunksThenFinishThenDone(t *testing.T) {
	p := &scriptedPipeline{tokens: []string{"Hel", "lo"}}
	e := startEngine(t, p, Config{ModelID: "m"})

	ch := make(chan Response, 16)
	require.NoError(t, e.Submit(context.Background(), chatRequest(e, ch, true)))

	got := drainUntilTerminal(t, ch)
	require.Len(t, got, 4)

	c0 := got[0].(Chunk)
	require.Equal(t, "Hel", c0.Choices[0].Delta.Content)
	require.False(t, c0.Finished())
	require.Equal(t, "m", c0.Model)
	require.Equal(t, "lo", got[1].(Chunk).Choices[0].Delta.Content)

	last := got[2].(Chunk)
	require.True(t, last.Finished())
	require.Equal(t, FinishStop, *last.Choices[0].FinishReason)

	done := got[3].(Done)
	require.Equal(t, FinishStop, done.FinishReason)
	require.Empty(t, done.Content)
}

func TestNonStreamingRequestCarriesContentInDone(t *testing.T) {
	e := startEngine(t, &scriptedPipeline{tokens: []string{"a", "b"}}, Config{})

	ch := make(chan Response, 16)
	require.NoError(t, e.Submit(context.Background(), chatRequest(e, ch, false)))

	got := drainUntilTerminal(t, ch)
	require.Len(t, got, 1)
	require.Equal(t, "ab", got[0].(Done).Content)
}

func TestRequestIDsAreMonotonic(t *testing.T) {
	e := startEngine(t, &scriptedPipeline{}, Config{})
	a, b := e.NextRequestID(), e.NextRequestID()
	require.Greater(t, b, a)
}

func TestValidationError(t *testing.T) {
	e := startEngine(t, &scriptedPipeline{tokens: []string{"x"}}, Config{})

	ch := make(chan Response, 4)
	req := chatRequest(e, ch, true)
	req.Messages = []Message{{Role: "tool", Content: "?"}}
	require.NoError(t, e.Submit(context.Background(), req))

	got := drainUntilTerminal(t, ch)
	require.Len(t, got, 1)
	require.IsType(t, ValidationError{}, got[0])
}

func TestPipelineErrorBecomesModelError(t *testing.T) {
	e := startEngine(t, &scriptedPipeline{tokens: []string{"part"}, err: errors.New("cuda oom")}, Config{})

	ch := make(chan Response, 4)
	require.NoError(t, e.Submit(context.Background(), chatRequest(e, ch, true)))

	got := drainUntilTerminal(t, ch)
	require.Len(t, got, 2)
	me := got[1].(ModelError)
	require.Equal(t, "cuda oom", me.Message)
	require.Equal(t, "part", me.Partial)
}

func TestPanicBecomesInternalError(t *testing.T) {
	e := startEngine(t, &scriptedPipeline{panics: true}, Config{})

	ch := make(chan Response, 4)
	require.NoError(t, e.Submit(context.Background(), chatRequest(e, ch, true)))

	got := drainUntilTerminal(t, ch)
	require.IsType(t, InternalError{}, got[0])
}

func TestStopSequenceTruncatesAcrossTokens(t *testing.T) {
	e := startEngine(t, &scriptedPipeline{tokens: []string{"one ", "EN", "D two"}}, Config{})

	ch := make(chan Response, 16)
	req := chatRequest(e, ch, false)
	req.Sampling.StopSequences = []string{"END"}
	require.NoError(t, e.Submit(context.Background(), req))

	got := drainUntilTerminal(t, ch)
	done := got[len(got)-1].(Done)
	require.Equal(t, "one ", done.Content)
	require.Equal(t, FinishStop, done.FinishReason)
}

func TestMaxLenFinishesWithLength(t *testing.T) {
	e := startEngine(t, &scriptedPipeline{tokens: []string{"a", "b", "c", "d"}}, Config{})

	ch := make(chan Response, 16)
	req := chatRequest(e, ch, false)
	limit := uint(2)
	req.Sampling.MaxLen = &limit
	require.NoError(t, e.Submit(context.Background(), req))

	done := drainUntilTerminal(t, ch)[0].(Done)
	require.Equal(t, "ab", done.Content)
	require.Equal(t, FinishLength, done.FinishReason)
}

func TestAbandonedRequestSendsNothingMore(t *testing.T) {
	p := &scriptedPipeline{tokens: []string{"x"}, block: make(chan struct{})}
	e := startEngine(t, p, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan Response, 16)
	require.NoError(t, e.Submit(ctx, chatRequest(e, ch, true)))

	first := <-ch
	require.IsType(t, Chunk{}, first)
	cancel()

	select {
	case r := <-ch:
		t.Fatalf("unexpected response after abandon: %#v", r)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPrefixCacheIsConsulted(t *testing.T) {
	p := &scriptedPipeline{tokens: []string{"ok"}}
	e := startEngine(t, p, Config{})

	first := make(chan Response, 16)
	req := chatRequest(e, first, true)
	require.NoError(t, e.Submit(context.Background(), req))
	drainUntilTerminal(t, first)

	second := make(chan Response, 16)
	next := chatRequest(e, second, true)
	next.Messages = append(req.Messages, Message{Role: "assistant", Content: "ok"}, Message{Role: "user", Content: "more"})
	require.NoError(t, e.Submit(context.Background(), next))
	drainUntilTerminal(t, second)

	p.mu.Lock()
	defer p.mu.Unlock()
	require.Len(t, p.seqs, 2)
	require.Nil(t, p.seqs[0].KV)
	require.Equal(t, "kv", p.seqs[1].KV)
	require.Equal(t, 1, p.seqs[1].CachedMessages)
}

func TestCloseRejectsSubmitAndClosesPipeline(t *testing.T) {
	p := &scriptedPipeline{}
	e, err := New(Config{}, p, zaptest.NewLogger(t))
	require.NoError(t, err)
	e.Start()
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	err = e.Submit(context.Background(), Request{Response: make(chan Response, 1)})
	require.ErrorIs(t, err, ErrStopped)
	require.True(t, p.closed)
}

func TestCloseUnblocksInFlightConsumer(t *testing.T) {
	p := &scriptedPipeline{block: make(chan struct{})}
	e, err := New(Config{}, p, zaptest.NewLogger(t))
	require.NoError(t, err)
	e.Start()

	ch := make(chan Response, 16)
	require.NoError(t, e.Submit(context.Background(), chatRequest(e, ch, true)))

	// wait until the pipeline holds the request
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.seqs) == 1
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, e.Close())

	r := drainUntilTerminal(t, ch)
	ie := r[len(r)-1].(InternalError)
	require.ErrorIs(t, ie.Err, ErrStopped)
}
