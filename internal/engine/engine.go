package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrStopped is returned by Submit after Close.
	ErrStopped = errors.New("engine: stopped")

	errStopSequence = errors.New("engine: stop sequence reached")
	errMaxLength    = errors.New("engine: max length reached")
)

const (
	FinishStop   = "stop"
	FinishLength = "length"
)

type Config struct {
	ModelID string

	MaxSeqs         int  // concurrent worker slots (default: 32)
	PrefixCacheSize int  // cached prompt prefixes (default: 16)
	NoKVCache       bool // disables the prefix cache too
	IntakeSize      int  // intake queue capacity (default: 64)
}

func (c *Config) WithDefaults() Config {
	cfg := *c
	if cfg.MaxSeqs <= 0 {
		cfg.MaxSeqs = 32
	}
	if cfg.PrefixCacheSize <= 0 {
		cfg.PrefixCacheSize = 16
	}
	if cfg.IntakeSize <= 0 {
		cfg.IntakeSize = 64
	}
	return cfg
}

type job struct {
	ctx context.Context
	req Request
}

// Engine owns a pipeline and schedules requests onto it.
type Engine struct {
	cfg      Config
	pipeline Pipeline
	logger   *zap.Logger

	intake chan job
	slots  *semaphore.Weighted
	prefix *prefixCache
	nextID atomic.Uint64

	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	loopWG  sync.WaitGroup
	reqWG   sync.WaitGroup

	closeOnce sync.Once
}

// New builds an engine around an already loaded pipeline. Call Start before
// submitting.
func New(cfg Config, pipeline Pipeline, logger *zap.Logger) (*Engine, error) {
	if pipeline == nil {
		return nil, errors.New("engine: pipeline is nil")
	}
	cfg = cfg.WithDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		cfg:      cfg,
		pipeline: pipeline,
		logger:   logger.Named("engine"),
		intake:   make(chan job, cfg.IntakeSize),
		slots:    semaphore.NewWeighted(int64(cfg.MaxSeqs)),
	}
	if !cfg.NoKVCache {
		e.prefix = newPrefixCache(cfg.PrefixCacheSize)
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

// Start launches the scheduler loop. It is a no-op after the first call.
func (e *Engine) Start() {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	e.loopWG.Add(1)
	go e.loop()

	e.logger.Info("engine started",
		zap.String("pipeline", e.pipeline.Name()),
		zap.Int("max_seqs", e.cfg.MaxSeqs),
		zap.Bool("prefix_cache", e.prefix != nil),
	)
}

// NextRequestID returns a fresh, monotonically increasing request id.
func (e *Engine) NextRequestID() uint64 {
	return e.nextID.Add(1)
}

// Submit queues req. It blocks only while the intake queue is full. ctx bounds
// the request's whole lifetime: once it ends the engine abandons the request
// and sends nothing more.
func (e *Engine) Submit(ctx context.Context, req Request) error {
	if req.Response == nil {
		return errors.New("engine: request has no response channel")
	}
	if e.ctx.Err() != nil {
		return ErrStopped
	}
	select {
	case e.intake <- job{ctx: ctx, req: req}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ctx.Done():
		return ErrStopped
	}
}

// Close stops the scheduler, abandons in-flight requests and closes the
// pipeline.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.cancel()
		e.loopWG.Wait()
		e.reqWG.Wait()
		err = e.pipeline.Close()
		e.logger.Info("engine stopped")
	})
	return err
}

func (e *Engine) loop() {
	defer e.loopWG.Done()

	for {
		select {
		case <-e.ctx.Done():
			e.drain()
			return
		case j := <-e.intake:
			if err := e.slots.Acquire(e.ctx, 1); err != nil {
				e.reject(j.req, ErrStopped)
				e.drain()
				return
			}
			e.reqWG.Add(1)
			go func() {
				defer e.reqWG.Done()
				defer e.slots.Release(1)
				e.run(j)
			}()
		}
	}
}

// drain rejects everything still queued after a stop.
func (e *Engine) drain() {
	for {
		select {
		case j := <-e.intake:
			e.reject(j.req, ErrStopped)
		default:
			return
		}
	}
}

func (e *Engine) run(j job) {
	ctx, cancel := context.WithCancel(j.ctx)
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	req := j.req
	logger := e.logger.With(zap.Uint64("request_id", req.ID))

	finished := false
	defer func() {
		if !finished && j.ctx.Err() == nil && e.ctx.Err() != nil {
			e.reject(req, ErrStopped)
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("pipeline panicked", zap.Any("panic", r))
			finished = e.send(ctx, req, InternalError{RequestID: req.ID, Err: fmt.Errorf("panic: %v", r)}) == nil
		}
	}()

	if ctx.Err() != nil {
		logger.Debug("request abandoned before start")
		return
	}

	if err := validate(req); err != nil {
		logger.Warn("rejecting request", zap.Error(err))
		finished = e.send(ctx, req, ValidationError{RequestID: req.ID, Err: err}) == nil
		return
	}

	seq := &Sequence{
		RequestID: req.ID,
		Messages:  req.Messages,
		Sampling:  req.Sampling,
	}
	if kv, n, ok := e.prefix.lookup(req.Messages); ok {
		seq.KV, seq.CachedMessages = kv, n
	}

	created := time.Now().Unix()
	var (
		content strings.Builder
		emitted uint
		pending string
	)

	onToken := func(text string) error {
		pending += text
		out, hit := cutStop(pending, req.Sampling.StopSequences)
		if !hit {
			// hold back text that could still become a stop sequence
			keep := heldSuffix(pending, req.Sampling.StopSequences)
			out = pending[:len(pending)-keep]
			pending = pending[len(pending)-keep:]
		} else {
			pending = ""
		}

		if out != "" {
			content.WriteString(out)
			if req.IsStreaming {
				if err := e.send(ctx, req, e.chunk(req.ID, created, out, nil)); err != nil {
					return err
				}
			}
		}
		if hit {
			return errStopSequence
		}

		emitted++
		if limit := req.Sampling.MaxLen; limit != nil && emitted >= *limit {
			return errMaxLength
		}
		return nil
	}

	gen, err := e.pipeline.Generate(ctx, seq, onToken)
	switch {
	case err == nil:
	case errors.Is(err, errStopSequence):
		gen.FinishReason = FinishStop
	case errors.Is(err, errMaxLength):
		gen.FinishReason = FinishLength
	case ctx.Err() != nil:
		logger.Debug("request abandoned", zap.Error(ctx.Err()))
		return
	default:
		logger.Error("generation failed", zap.Error(err))
		finished = e.send(ctx, req, ModelError{RequestID: req.ID, Message: err.Error(), Partial: content.String()}) == nil
		return
	}

	if gen.FinishReason == "" {
		gen.FinishReason = FinishStop
	}
	if pending != "" {
		content.WriteString(pending)
		if req.IsStreaming {
			if err := e.send(ctx, req, e.chunk(req.ID, created, pending, nil)); err != nil {
				return
			}
		}
	}

	e.prefix.store(req.Messages, gen.KV)

	if req.IsStreaming {
		reason := gen.FinishReason
		if err := e.send(ctx, req, e.chunk(req.ID, created, "", &reason)); err != nil {
			return
		}
	}

	done := Done{
		RequestID:    req.ID,
		FinishReason: gen.FinishReason,
		Usage: Usage{
			PromptTokens:     gen.PromptTokens,
			CompletionTokens: gen.CompletionTokens,
			CachedTokens:     seq.CachedMessages,
		},
	}
	if !req.IsStreaming {
		done.Content = content.String()
	}
	finished = e.send(ctx, req, done) == nil

	logger.Debug("request finished",
		zap.String("finish_reason", gen.FinishReason),
		zap.Int("cached_messages", seq.CachedMessages),
	)
}

func (e *Engine) chunk(id uint64, created int64, text string, finish *string) Chunk {
	return Chunk{
		RequestID: id,
		Model:     e.cfg.ModelID,
		Created:   created,
		Choices: []ChunkChoice{{
			Delta:        Delta{Role: "assistant", Content: text},
			FinishReason: finish,
		}},
	}
}

// reject tells a consumer the engine went away. It never blocks.
func (e *Engine) reject(req Request, err error) {
	select {
	case req.Response <- InternalError{RequestID: req.ID, Err: err}:
	default:
	}
}

// send blocks until the consumer has room or the request is abandoned.
func (e *Engine) send(ctx context.Context, req Request, resp Response) error {
	select {
	case req.Response <- resp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func validate(req Request) error {
	if len(req.Messages) == 0 {
		return errors.New("no messages")
	}
	for i, m := range req.Messages {
		switch m.Role {
		case "system", "user", "assistant":
		default:
			return fmt.Errorf("messages[%d]: unknown role %q", i, m.Role)
		}
	}
	s := req.Sampling
	if s.NChoices > 1 {
		return fmt.Errorf("n_choices=%d unsupported", s.NChoices)
	}
	if s.Temperature != nil && *s.Temperature < 0 {
		return errors.New("temperature must be non-negative")
	}
	if s.TopP != nil && (*s.TopP < 0 || *s.TopP > 1) {
		return errors.New("top_p must be between 0 and 1")
	}
	if s.MaxLen != nil && *s.MaxLen == 0 {
		return errors.New("max_len must be positive")
	}
	return nil
}

// cutStop returns the text before the first stop sequence in s.
func cutStop(s string, stops []string) (string, bool) {
	best := -1
	for _, stop := range stops {
		if stop == "" {
			continue
		}
		if i := strings.Index(s, stop); i >= 0 && (best < 0 || i < best) {
			best = i
		}
	}
	if best < 0 {
		return s, false
	}
	return s[:best], true
}

// heldSuffix is the length of the longest suffix of s that is a proper prefix
// of some stop sequence.
func heldSuffix(s string, stops []string) int {
	keep := 0
	for _, stop := range stops {
		for n := min(len(stop)-1, len(s)); n > keep; n-- {
			if strings.HasSuffix(s, stop[:n]) {
				keep = n
				break
			}
		}
	}
	return keep
}
