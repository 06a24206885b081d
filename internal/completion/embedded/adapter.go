// Package embedded adapts the in-process scheduler engine to the completion
// contract.
package embedded

import (
	"context"
	"errors"
	"fmt"

	"erpy/internal/completion"
	"erpy/internal/engine"

	"go.uber.org/zap"
)

// responseBuffer is the capacity of each request's response channel.
const responseBuffer = 10_000

// Runner is the part of the engine the adapter drives.
type Runner interface {
	NextRequestID() uint64
	Submit(ctx context.Context, req engine.Request) error
	Close() error
}

type Config struct {
	// required
	ModelID string
	Files   []string

	// Dir is joined to relative Files.
	Dir          string
	ChatTemplate string

	MaxSeqs         int // default: 32
	PrefixCacheSize int // default: 16

	// Factory loads the pipeline (default: engine.DefaultPipelineFactory).
	Factory engine.PipelineFactory
}

func (c *Config) Validate() error {
	if c.ModelID == "" {
		return errors.New("ModelID is required")
	}
	if len(c.Files) == 0 {
		return errors.New("at least one model file is required")
	}
	return nil
}

type Adapter struct {
	modelID string
	runner  Runner
	logger  *zap.Logger
}

// New loads the model files onto the best device and starts an engine with
// KV and prefix caching enabled.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("embedded: invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := cfg.Factory
	if factory == nil {
		factory = engine.DefaultPipelineFactory
	}

	files, err := engine.Loader{Dir: cfg.Dir, Files: cfg.Files}.Load()
	if err != nil {
		return nil, fmt.Errorf("embedded: %w", err)
	}

	device := engine.BestDevice()
	logger.Info("loading model",
		zap.String("model", cfg.ModelID),
		zap.String("device", string(device)),
		zap.Int("files", len(files)),
	)

	pipeline, err := factory(ctx, engine.PipelineSpec{
		ModelID:      cfg.ModelID,
		ChatTemplate: cfg.ChatTemplate,
		Files:        files,
		Device:       device,
	})
	if err != nil {
		return nil, completion.Unavailable("load model", err)
	}

	eng, err := engine.New(engine.Config{
		ModelID:         cfg.ModelID,
		MaxSeqs:         cfg.MaxSeqs,
		PrefixCacheSize: cfg.PrefixCacheSize,
	}, pipeline, logger)
	if err != nil {
		_ = pipeline.Close()
		return nil, fmt.Errorf("embedded: %w", err)
	}
	eng.Start()

	return NewWithRunner(cfg.ModelID, eng, logger), nil
}

// NewWithRunner wraps an already running engine.
func NewWithRunner(modelID string, runner Runner, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		modelID: modelID,
		runner:  runner,
		logger:  logger.Named("embedded").With(zap.String("model", modelID)),
	}
}

func (a *Adapter) Model() string {
	return a.modelID
}

// ListModels returns the loaded model id.
func (a *Adapter) ListModels(context.Context) ([]string, error) {
	return []string{a.modelID}, nil
}

// GetCompletionsStream submits req to the engine and streams its chunks.
// Closing the stream abandons the engine-side request.
func (a *Adapter) GetCompletionsStream(ctx context.Context, req *completion.Request) (completion.Stream, error) {
	if err := req.Expect(true); err != nil {
		return nil, err
	}

	responses := make(chan engine.Response, responseBuffer)
	reqCtx, cancel := context.WithCancel(ctx)

	id := a.runner.NextRequestID()
	err := a.runner.Submit(reqCtx, engine.Request{
		ID:          id,
		Messages:    toEngineMessages(req.Messages),
		Sampling:    toSampling(req),
		Response:    responses,
		IsStreaming: true,
	})
	if err != nil {
		cancel()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, completion.Unavailable("submit request", err)
	}

	logger := a.logger.With(zap.Uint64("request_id", id))
	pull := func() (completion.StreamResponse, completion.Verdict, error) {
		select {
		case resp := <-responses:
			item, verdict := classify(resp, logger)
			return item, verdict, nil
		case <-reqCtx.Done():
			return completion.StreamResponse{}, completion.Skip, reqCtx.Err()
		}
	}

	return completion.NewStream(pull, func() error { cancel(); return nil }, logger), nil
}

// GetCompletions has no native batch path: it streams and folds.
func (a *Adapter) GetCompletions(ctx context.Context, req *completion.Request) (*completion.Response, error) {
	if err := req.Expect(false); err != nil {
		return nil, err
	}

	streamReq := req.Clone()
	streamReq.Stream = true

	stream, err := a.GetCompletionsStream(ctx, streamReq)
	if err != nil {
		return nil, err
	}
	return completion.Fold(stream, a.modelID)
}

func (a *Adapter) Close() error {
	return a.runner.Close()
}

// classify is the engine stream normalizer.
func classify(resp engine.Response, logger *zap.Logger) (completion.StreamResponse, completion.Verdict) {
	switch r := resp.(type) {
	case engine.Chunk:
		item := fromChunk(r)
		if r.Finished() {
			return item, completion.Terminal
		}
		return item, completion.Yield
	case engine.InternalError:
		logger.Error("engine internal error", zap.Error(r))
		return completion.StreamResponse{}, completion.Fail
	case engine.ValidationError:
		logger.Error("engine rejected request", zap.Error(r))
		return completion.StreamResponse{}, completion.Fail
	case engine.ModelError:
		logger.Error("engine model error", zap.Error(r), zap.Int("partial_len", len(r.Partial)))
		return completion.StreamResponse{}, completion.Fail
	case engine.Done:
		return completion.StreamResponse{}, completion.End
	default:
		return completion.StreamResponse{}, completion.Skip
	}
}

func fromChunk(c engine.Chunk) completion.StreamResponse {
	out := completion.StreamResponse{Choices: make([]completion.StreamChoice, len(c.Choices))}
	for i, ch := range c.Choices {
		out.Choices[i] = completion.StreamChoice{
			Delta:        completion.Delta{Content: ch.Delta.Content},
			FinishReason: ch.FinishReason,
		}
	}
	return out
}

func toEngineMessages(msgs []completion.Message) []engine.Message {
	out := make([]engine.Message, len(msgs))
	for i, m := range msgs {
		out[i] = engine.Message{Role: string(m.Role), Content: m.Content}
	}
	return out
}

func toSampling(req *completion.Request) engine.SamplingParams {
	return engine.SamplingParams{
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		RepeatPenalty:    req.RepeatPenalty,
		MaxLen:           req.MaxTokens,
		Seed:             req.Seed,
		NChoices:         1,
	}
}
