package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoRuntime is returned by DefaultPipelineFactory: this build links no
// inference runtime.
var ErrNoRuntime = errors.New("engine: no inference runtime linked")

// Sequence is the prompt handed to a pipeline. KV is the cached state of the
// first CachedMessages messages, or nil on a prefix cache miss.
type Sequence struct {
	RequestID      uint64
	Messages       []Message
	Sampling       SamplingParams
	CachedMessages int
	KV             any
}

// Generation is what a pipeline reports once a sequence is done.
type Generation struct {
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
	// KV is the state after the prompt, offered to the prefix cache.
	KV any
}

// Pipeline produces tokens for one sequence at a time. Generate calls onToken
// for every decoded piece of text and must stop as soon as onToken returns an
// error, returning that error.
type Pipeline interface {
	Name() string
	Generate(ctx context.Context, seq *Sequence, onToken func(text string) error) (Generation, error)
	Close() error
}

// PipelineSpec describes what to load.
type PipelineSpec struct {
	ModelID      string
	ChatTemplate string
	Files        []ModelFile
	Device       Device
}

// PipelineFactory loads a pipeline onto a device.
type PipelineFactory func(ctx context.Context, spec PipelineSpec) (Pipeline, error)

// DefaultPipelineFactory fails closed until a runtime is linked in.
func DefaultPipelineFactory(_ context.Context, spec PipelineSpec) (Pipeline, error) {
	return nil, fmt.Errorf("%w: cannot load %s on %s", ErrNoRuntime, spec.ModelID, spec.Device)
}
