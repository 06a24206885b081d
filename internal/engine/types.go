// Package engine is an in-process inference scheduler. Requests arrive on an
// intake queue, each runs in one of a fixed number of worker slots, and every
// result is pushed into the request's own response channel.
package engine

import "fmt"

type Message struct {
	Role    string
	Content string
}

// SamplingParams carries optional sampling knobs. Nil means the pipeline
// default.
type SamplingParams struct {
	Temperature      *float64
	TopK             *int
	TopP             *float64
	MinP             *float64
	FrequencyPenalty *float32
	PresencePenalty  *float32
	RepeatPenalty    *float32
	MaxLen           *uint
	Seed             *int64
	NChoices         int
	StopSequences    []string
}

// Request is one chat generation job. The engine writes zero or more
// responses to Response and stops after a Done or an error variant.
type Request struct {
	ID          uint64
	Messages    []Message
	Sampling    SamplingParams
	Response    chan<- Response
	IsStreaming bool
}

// Response is the closed set of values an engine pushes to a request's
// channel.
type Response interface {
	isResponse()
}

type Delta struct {
	Role    string
	Content string
}

type ChunkChoice struct {
	Index        int
	Delta        Delta
	FinishReason *string
}

// Chunk is one streamed chat delta.
type Chunk struct {
	RequestID uint64
	Model     string
	Created   int64
	Choices   []ChunkChoice
}

// Finished reports whether every choice carries a finish reason.
func (c Chunk) Finished() bool {
	if len(c.Choices) == 0 {
		return false
	}
	for _, ch := range c.Choices {
		if ch.FinishReason == nil {
			return false
		}
	}
	return true
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	CachedTokens     int
}

// Done ends a request. For non-streaming requests Content holds the full
// reply.
type Done struct {
	RequestID    uint64
	Content      string
	FinishReason string
	Usage        Usage
}

// InternalError is a scheduler fault, such as a recovered panic.
type InternalError struct {
	RequestID uint64
	Err       error
}

// ValidationError means the request was rejected before generation.
type ValidationError struct {
	RequestID uint64
	Err       error
}

// ModelError is a pipeline failure after generation began.
type ModelError struct {
	RequestID uint64
	Message   string
	Partial   string
}

// CompletionChunk, CompletionDone, ImageGeneration and Speech belong to the
// engine's non-chat endpoints.
type CompletionChunk struct {
	RequestID uint64
	Text      string
}

type CompletionDone struct {
	RequestID uint64
	Text      string
}

type ImageGeneration struct {
	RequestID uint64
	Images    [][]byte
}

type Speech struct {
	RequestID  uint64
	PCM        []float32
	SampleRate int
}

func (Chunk) isResponse()           {}
func (Done) isResponse()            {}
func (InternalError) isResponse()   {}
func (ValidationError) isResponse() {}
func (ModelError) isResponse()      {}
func (CompletionChunk) isResponse() {}
func (CompletionDone) isResponse()  {}
func (ImageGeneration) isResponse() {}
func (Speech) isResponse()          {}

func (e InternalError) Error() string {
	return fmt.Sprintf("engine: request %d: internal error: %v", e.RequestID, e.Err)
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("engine: request %d: invalid request: %v", e.RequestID, e.Err)
}

func (e ModelError) Error() string {
	return fmt.Sprintf("engine: request %d: model error: %s", e.RequestID, e.Message)
}
