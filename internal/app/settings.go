package app

import "erpy/internal/completion"

// LLMSettings are the per-request sampling knobs a client sends with a chat
// completion. Unset fields fall back to the configured defaults, then to
// the backend's own.
type LLMSettings struct {
	MaxTokens         *uint    `json:"maxTokens,omitempty" mapstructure:"max_tokens"`
	Temperature       *float64 `json:"temperature,omitempty" mapstructure:"temperature"`
	FrequencyPenalty  *float32 `json:"frequencyPenalty,omitempty" mapstructure:"frequency_penalty"`
	PresencePenalty   *float32 `json:"presencePenalty,omitempty" mapstructure:"presence_penalty"`
	RepeatPenalty     *float32 `json:"repeatPenalty,omitempty" mapstructure:"repeat_penalty"`
	TopP              *float64 `json:"topP,omitempty" mapstructure:"top_p"`
	Seed              *int64   `json:"seed,omitempty" mapstructure:"seed"`
	StripThinkingTags *bool    `json:"stripThinkingTags,omitempty" mapstructure:"strip_thinking_tags"`
}

// Merge returns s with every unset field taken from defaults.
func (s LLMSettings) Merge(defaults LLMSettings) LLMSettings {
	if s.MaxTokens == nil {
		s.MaxTokens = defaults.MaxTokens
	}
	if s.Temperature == nil {
		s.Temperature = defaults.Temperature
	}
	if s.FrequencyPenalty == nil {
		s.FrequencyPenalty = defaults.FrequencyPenalty
	}
	if s.PresencePenalty == nil {
		s.PresencePenalty = defaults.PresencePenalty
	}
	if s.RepeatPenalty == nil {
		s.RepeatPenalty = defaults.RepeatPenalty
	}
	if s.TopP == nil {
		s.TopP = defaults.TopP
	}
	if s.Seed == nil {
		s.Seed = defaults.Seed
	}
	if s.StripThinkingTags == nil {
		s.StripThinkingTags = defaults.StripThinkingTags
	}
	return s
}

// StripTags reports whether thinking tags are removed; the default is true.
func (s LLMSettings) StripTags() bool {
	return s.StripThinkingTags == nil || *s.StripThinkingTags
}

// Request builds a streaming request for messages. The model is left empty;
// remote backends pin their own.
func (s LLMSettings) Request(messages []completion.Message) *completion.Request {
	req := &completion.Request{
		Messages:         messages,
		Stream:           true,
		MaxTokens:        s.MaxTokens,
		Temperature:      s.Temperature,
		TopP:             s.TopP,
		FrequencyPenalty: s.FrequencyPenalty,
		PresencePenalty:  s.PresencePenalty,
		RepeatPenalty:    s.RepeatPenalty,
		Seed:             s.Seed,
	}
	if s.StripTags() {
		req = completion.StripThinkingTags(req)
	}
	return req
}
