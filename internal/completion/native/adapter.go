// Package native is the adapter for a C-library-backed local runtime. No
// runtime is linked yet, so generation fails closed.
package native

import (
	"context"
	"errors"
	"fmt"

	"erpy/internal/completion"

	"go.uber.org/zap"
)

type Config struct {
	ModelID      string
	ChatTemplate string
	Files        []string
}

type Adapter struct {
	cfg    Config
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) (*Adapter, error) {
	if cfg.ModelID == "" {
		return nil, errors.New("native: ModelID is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("native")
	logger.Info("native backend configured",
		zap.String("model", cfg.ModelID),
		zap.Int("files", len(cfg.Files)),
	)
	return &Adapter{cfg: cfg, logger: logger}, nil
}

func (a *Adapter) Model() string {
	return a.cfg.ModelID
}

func (a *Adapter) ListModels(context.Context) ([]string, error) {
	return []string{a.cfg.ModelID}, nil
}

func (a *Adapter) GetCompletionsStream(_ context.Context, req *completion.Request) (completion.Stream, error) {
	if err := req.Expect(true); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("native: streaming completion: %w", completion.ErrUnimplemented)
}

func (a *Adapter) GetCompletions(_ context.Context, req *completion.Request) (*completion.Response, error) {
	if err := req.Expect(false); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("native: completion: %w", completion.ErrUnimplemented)
}

func (a *Adapter) Close() error {
	return nil
}
