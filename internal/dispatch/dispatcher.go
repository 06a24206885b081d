// Package dispatch holds the single active completion backend and routes
// every call to it.
package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"erpy/internal/completion"
	"erpy/internal/completion/embedded"
	"erpy/internal/completion/native"
	"erpy/internal/completion/openai"
	"erpy/internal/engine"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// backend is the closed set of adapter variants. Exactly one field matching
// kind is set.
type backend struct {
	kind     Kind
	openai   *openai.Adapter
	embedded *embedded.Adapter
	native   *native.Adapter
}

func (b *backend) listModels(ctx context.Context) ([]string, error) {
	switch b.kind {
	case KindOpenAI:
		return b.openai.ListModels(ctx)
	case KindMistral:
		return b.embedded.ListModels(ctx)
	case KindLlama:
		return b.native.ListModels(ctx)
	}
	panic(fmt.Sprintf("dispatch: unknown backend kind %q", b.kind))
}

// model is the id the backend answers with.
func (b *backend) model() string {
	switch b.kind {
	case KindOpenAI:
		return b.openai.Model()
	case KindMistral:
		return b.embedded.Model()
	case KindLlama:
		return b.native.Model()
	}
	panic(fmt.Sprintf("dispatch: unknown backend kind %q", b.kind))
}

func (b *backend) stream(ctx context.Context, req *completion.Request) (completion.Stream, error) {
	switch b.kind {
	case KindOpenAI:
		return b.openai.GetCompletionsStream(ctx, req)
	case KindMistral:
		return b.embedded.GetCompletionsStream(ctx, req)
	case KindLlama:
		return b.native.GetCompletionsStream(ctx, req)
	}
	panic(fmt.Sprintf("dispatch: unknown backend kind %q", b.kind))
}

func (b *backend) complete(ctx context.Context, req *completion.Request) (*completion.Response, error) {
	switch b.kind {
	case KindOpenAI:
		return b.openai.GetCompletions(ctx, req)
	case KindMistral:
		return b.embedded.GetCompletions(ctx, req)
	case KindLlama:
		return b.native.GetCompletions(ctx, req)
	}
	panic(fmt.Sprintf("dispatch: unknown backend kind %q", b.kind))
}

func (b *backend) close() error {
	switch b.kind {
	case KindOpenAI:
		return b.openai.Close()
	case KindMistral:
		return b.embedded.Close()
	case KindLlama:
		return b.native.Close()
	}
	panic(fmt.Sprintf("dispatch: unknown backend kind %q", b.kind))
}

// lease counts in-flight calls on a backend. A retired lease closes its
// backend when the last call ends.
type lease struct {
	b       *backend
	refs    atomic.Int64
	retired atomic.Bool
	once    sync.Once
	logger  *zap.Logger
}

func (l *lease) hold() {
	l.refs.Add(1)
}

func (l *lease) release() {
	if l.refs.Add(-1) == 0 && l.retired.Load() {
		l.shutdown()
	}
}

func (l *lease) retire() {
	l.retired.Store(true)
	if l.refs.Load() == 0 {
		l.shutdown()
	}
}

func (l *lease) shutdown() {
	l.once.Do(func() {
		if err := l.b.close(); err != nil {
			l.logger.Warn("closing retired backend failed", zap.String("kind", string(l.b.kind)), zap.Error(err))
			return
		}
		l.logger.Info("retired backend closed", zap.String("kind", string(l.b.kind)))
	})
}

type Options struct {
	// HTTPClient is used by remote backends (default: pooled transport).
	HTTPClient *http.Client
	// PipelineFactory loads embedded pipelines (default: engine.DefaultPipelineFactory).
	PipelineFactory engine.PipelineFactory
	// ModelDir resolves relative embedded model file names.
	ModelDir string
}

// Dispatcher owns at most one active backend. The slot is guarded by a
// weighted semaphore held only while reading or replacing it, never for the
// length of a completion. Loads and unloads are serialized by loadMu, so at
// most one backend is being built at a time.
type Dispatcher struct {
	opts   Options
	logger *zap.Logger

	loadMu sync.Mutex
	sem    *semaphore.Weighted
	active *lease
}

func New(opts Options, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		opts:   opts,
		logger: logger.Named("dispatch"),
		sem:    semaphore.NewWeighted(1),
	}
}

// Load builds the backend l describes and makes it active. The previous
// backend is retired: calls already holding it finish against it, new calls
// never see it.
func (d *Dispatcher) Load(ctx context.Context, l LoadModel) error {
	d.loadMu.Lock()
	defer d.loadMu.Unlock()

	b, err := d.build(ctx, l)
	if err != nil {
		d.logger.Error("load model failed", zap.String("kind", string(l.Type)), zap.Error(err))
		return err
	}

	if err := d.sem.Acquire(ctx, 1); err != nil {
		_ = b.close()
		return err
	}
	old := d.active
	d.active = &lease{b: b, logger: d.logger}
	d.sem.Release(1)

	if old != nil {
		old.retire()
	}
	d.logger.Info("backend loaded", zap.String("kind", string(b.kind)))
	return nil
}

// Unload retires the active backend, if any.
func (d *Dispatcher) Unload(ctx context.Context) error {
	d.loadMu.Lock()
	defer d.loadMu.Unlock()

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	old := d.active
	d.active = nil
	d.sem.Release(1)

	if old != nil {
		old.retire()
		d.logger.Info("backend unloaded", zap.String("kind", string(old.b.kind)))
	}
	return nil
}

// Close unloads the active backend.
func (d *Dispatcher) Close() error {
	return d.Unload(context.Background())
}

// acquire takes a lease on the active backend.
func (d *Dispatcher) acquire(ctx context.Context) (*lease, error) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer d.sem.Release(1)

	if d.active == nil {
		return nil, completion.ErrNoModelLoaded
	}
	d.active.hold()
	return d.active, nil
}

// Kind reports the active backend variant.
func (d *Dispatcher) Kind(ctx context.Context) (Kind, bool) {
	l, err := d.acquire(ctx)
	if err != nil {
		return "", false
	}
	defer l.release()
	return l.b.kind, true
}

func (d *Dispatcher) ListModels(ctx context.Context) ([]string, error) {
	l, err := d.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer l.release()
	return l.b.listModels(ctx)
}

// ActiveModel returns the first model the active backend lists. It reports
// false when nothing is loaded or the backend cannot list.
func (d *Dispatcher) ActiveModel(ctx context.Context) (string, bool) {
	models, err := d.ListModels(ctx)
	if err != nil || len(models) == 0 {
		return "", false
	}
	return models[0], true
}

// ModelID identifies the active backend and the model it is pinned to, as
// "<kind>/<model>". It does not call the backend.
func (d *Dispatcher) ModelID(ctx context.Context) (string, bool) {
	l, err := d.acquire(ctx)
	if err != nil {
		return "", false
	}
	defer l.release()
	return string(l.b.kind) + "/" + l.b.model(), true
}

func (d *Dispatcher) GetCompletions(ctx context.Context, req *completion.Request) (*completion.Response, error) {
	l, err := d.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer l.release()
	return l.b.complete(ctx, req)
}

// GetCompletionsStream starts a stream on the active backend. The stream keeps
// that backend alive until it is drained or closed, even across a swap.
func (d *Dispatcher) GetCompletionsStream(ctx context.Context, req *completion.Request) (completion.Stream, error) {
	l, err := d.acquire(ctx)
	if err != nil {
		return nil, err
	}
	s, err := l.b.stream(ctx, req)
	if err != nil {
		l.release()
		return nil, err
	}
	return &leasedStream{Stream: s, lease: l}, nil
}

type leasedStream struct {
	completion.Stream
	lease *lease
	once  sync.Once
}

func (s *leasedStream) Recv() (completion.StreamResponse, error) {
	item, err := s.Stream.Recv()
	if err != nil {
		s.done()
	}
	return item, err
}

func (s *leasedStream) Close() error {
	err := s.Stream.Close()
	s.done()
	return err
}

func (s *leasedStream) done() {
	s.once.Do(s.lease.release)
}
