package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"erpy/internal/completion/embedded"
	"erpy/internal/completion/native"
	"erpy/internal/completion/openai"
)

// ErrInvalidLoad wraps every LoadModel validation failure.
var ErrInvalidLoad = errors.New("dispatch: invalid load request")

// Kind names one of the compiled-in backend variants.
type Kind string

const (
	KindOpenAI  Kind = "open-ai"
	KindMistral Kind = "mistral"
	KindLlama   Kind = "llama"
)

// Kinds returns every backend variant this build can load.
func Kinds() []Kind {
	return []Kind{KindOpenAI, KindMistral, KindLlama}
}

// LoadModel is a tagged backend description. Type selects the variant and
// decides which of the remaining fields apply.
type LoadModel struct {
	Type Kind `json:"type" yaml:"type" mapstructure:"type"`

	// open-ai
	APIURL string `json:"apiUrl,omitempty" yaml:"api_url,omitempty" mapstructure:"api_url"`
	APIKey string `json:"apiKey,omitempty" yaml:"api_key,omitempty" mapstructure:"api_key"`
	Model  string `json:"model,omitempty" yaml:"model,omitempty" mapstructure:"model"`

	// mistral, llama
	ModelID      string   `json:"modelId,omitempty" yaml:"model_id,omitempty" mapstructure:"model_id"`
	ChatTemplate string   `json:"chatTemplate,omitempty" yaml:"chat_template,omitempty" mapstructure:"chat_template"`
	FileName     string   `json:"fileName,omitempty" yaml:"file_name,omitempty" mapstructure:"file_name"`
	Files        []string `json:"files,omitempty" yaml:"files,omitempty" mapstructure:"files"`
	Dir          string   `json:"dir,omitempty" yaml:"dir,omitempty" mapstructure:"dir"`
}

// files merges FileName into Files.
func (l LoadModel) files() []string {
	out := append([]string(nil), l.Files...)
	if l.FileName != "" {
		out = append([]string{l.FileName}, out...)
	}
	return out
}

// Validate reports a missing or unknown field as ErrInvalidLoad.
func (l LoadModel) Validate() error {
	if err := l.validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidLoad, err)
	}
	return nil
}

func (l LoadModel) validate() error {
	switch l.Type {
	case KindOpenAI:
		if strings.TrimSpace(l.APIURL) == "" {
			return errors.New("apiUrl is required")
		}
		if l.Model == "" {
			return errors.New("model is required")
		}
	case KindMistral:
		if l.ModelID == "" {
			return errors.New("modelId is required")
		}
		if len(l.files()) == 0 {
			return errors.New("fileName or files is required")
		}
	case KindLlama:
		if l.ModelID == "" {
			return errors.New("modelId is required")
		}
	case "":
		return errors.New("type is required")
	default:
		return fmt.Errorf("unknown backend type %q", l.Type)
	}
	return nil
}

// build constructs the backend variant l describes.
func (d *Dispatcher) build(ctx context.Context, l LoadModel) (*backend, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}

	switch l.Type {
	case KindOpenAI:
		a, err := openai.New(openai.Config{
			BaseURL:    l.APIURL,
			APIKey:     l.APIKey,
			Model:      l.Model,
			HTTPClient: d.opts.HTTPClient,
		}, d.logger)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidLoad, err)
		}
		return &backend{kind: KindOpenAI, openai: a}, nil

	case KindMistral:
		dir := l.Dir
		if dir == "" {
			dir = d.opts.ModelDir
		}
		a, err := embedded.New(ctx, embedded.Config{
			ModelID:      l.ModelID,
			Files:        l.files(),
			Dir:          dir,
			ChatTemplate: l.ChatTemplate,
			Factory:      d.opts.PipelineFactory,
		}, d.logger)
		if err != nil {
			return nil, err
		}
		return &backend{kind: KindMistral, embedded: a}, nil

	case KindLlama:
		a, err := native.New(native.Config{
			ModelID:      l.ModelID,
			ChatTemplate: l.ChatTemplate,
			Files:        l.files(),
		}, d.logger)
		if err != nil {
			return nil, err
		}
		return &backend{kind: KindLlama, native: a}, nil
	}
	return nil, fmt.Errorf("%w: unknown backend type %q", ErrInvalidLoad, l.Type)
}
