package completion

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the three known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Title returns the capitalized role name ("User", "Assistant", "System").
func (r Role) Title() string {
	if r == "" {
		return ""
	}
	s := string(r)
	return strings.ToUpper(s[:1]) + s[1:]
}

func (r *Role) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	role := Role(s)
	if !role.Valid() {
		return fmt.Errorf("completion: invalid role %q", s)
	}
	*r = role
	return nil
}

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is the uniform chat-completion request. Unset sampling fields are
// omitted from the wire encoding so backend defaults apply.
type Request struct {
	Messages         []Message `json:"messages"`
	Model            string    `json:"model"`
	Stream           bool      `json:"stream"`
	MaxTokens        *uint     `json:"max_tokens,omitempty"`
	Temperature      *float64  `json:"temperature,omitempty"`
	TopP             *float64  `json:"top_p,omitempty"`
	FrequencyPenalty *float32  `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float32  `json:"presence_penalty,omitempty"`
	RepeatPenalty    *float32  `json:"repeat_penalty,omitempty"`
	Seed             *int64    `json:"seed,omitempty"`
}

// Expect checks that the request mode matches the call being made.
func (r *Request) Expect(stream bool) error {
	if r == nil {
		return fmt.Errorf("%w: request is nil", ErrProtocolViolation)
	}
	if r.Stream != stream {
		if stream {
			return fmt.Errorf("%w: streaming call requires stream=true", ErrProtocolViolation)
		}
		return fmt.Errorf("%w: non-streaming call requires stream=false", ErrProtocolViolation)
	}
	return nil
}

// Clone returns a copy whose message slice can be modified independently.
func (r *Request) Clone() *Request {
	out := *r
	out.Messages = append([]Message(nil), r.Messages...)
	return &out
}

type Delta struct {
	Content string `json:"content"`
}

type StreamChoice struct {
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason,omitempty"`
}

// StreamResponse is one delta item of a streaming completion.
type StreamResponse struct {
	Choices []StreamChoice `json:"choices"`
}

// Finished reports whether every choice carries a finish reason. A response
// without choices is never finished.
func (r StreamResponse) Finished() bool {
	if len(r.Choices) == 0 {
		return false
	}
	for _, c := range r.Choices {
		if c.FinishReason == nil {
			return false
		}
	}
	return true
}

// Text returns the delta content of the first choice.
func (r StreamResponse) Text() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Delta.Content
}

func (r StreamResponse) firstFinishReason() string {
	if len(r.Choices) == 0 || r.Choices[0].FinishReason == nil {
		return ""
	}
	return *r.Choices[0].FinishReason
}

type Choice struct {
	Index        int     `json:"index"`
	FinishReason string  `json:"finish_reason,omitempty"`
	Message      Message `json:"message"`
}

// Response is a complete (non-streaming) chat completion.
type Response struct {
	ID      string   `json:"id"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
}

func (r *Response) CreatedAt() time.Time {
	return time.Unix(r.Created, 0)
}

// Text returns the content of the first choice.
func (r *Response) Text() (string, error) {
	if r == nil || len(r.Choices) == 0 {
		return "", fmt.Errorf("completion: response has no choices")
	}
	return r.Choices[0].Message.Content, nil
}

// ModelInfo describes a model file found on local storage.
type ModelInfo struct {
	User string `json:"user" yaml:"user"`
	Name string `json:"name" yaml:"name"`
	Path string `json:"path" yaml:"path"`
}
