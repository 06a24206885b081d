package app

import (
	"context"

	"erpy/internal/completion/openai"
)

// ConnectionResult is the outcome of a connection test, tagged by Type
// ("success" or "failure").
type ConnectionResult struct {
	Type   string   `json:"type"`
	Models []string `json:"models,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// TestConnection lists models on an OpenAI-compatible endpoint without
// touching the active backend.
func (s *State) TestConnection(ctx context.Context, apiURL, apiKey string) ConnectionResult {
	a, err := openai.New(openai.Config{
		BaseURL:    apiURL,
		APIKey:     apiKey,
		HTTPClient: s.opts.HTTPClient,
	}, s.logger)
	if err != nil {
		return ConnectionResult{Type: "failure", Error: "Failed to connect: " + err.Error()}
	}
	defer a.Close()

	models, err := a.ListModels(ctx)
	if err != nil {
		return ConnectionResult{Type: "failure", Error: "Failed to connect: " + err.Error()}
	}
	if len(models) == 0 {
		return ConnectionResult{Type: "failure", Error: "No models found"}
	}
	return ConnectionResult{Type: "success", Models: models}
}
