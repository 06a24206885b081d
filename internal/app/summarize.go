package app

import (
	"context"
	"fmt"

	"erpy/internal/cache"
	"erpy/internal/chat"
	"erpy/internal/completion"

	"go.uber.org/zap"
)

const (
	summarySystemPrompt = "You are a knowledgeable and friendly AI assistant"
	summaryTemperature  = 0.2
	summaryMaxTokens    = 100
)

// SummaryRequest builds the batch request that summarizes c with prompt.
func SummaryRequest(c *chat.Chat, prompt string) (*completion.Request, error) {
	transcript, err := chat.Transcript(c, chat.DefaultTranscriptBudget)
	if err != nil {
		return nil, fmt.Errorf("app: render transcript: %w", err)
	}

	temperature := summaryTemperature
	maxTokens := uint(summaryMaxTokens)
	return &completion.Request{
		Messages: []completion.Message{
			{Role: completion.RoleSystem, Content: summarySystemPrompt},
			{Role: completion.RoleUser, Content: prompt + "\n\n" + transcript},
		},
		Stream:      false,
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	}, nil
}

// Summarize asks the active backend for a short summary of c. Results are
// cached per backend kind and pinned model; cache failures only cost a
// backend call.
func (s *State) Summarize(ctx context.Context, c *chat.Chat, prompt string) (string, error) {
	req, err := SummaryRequest(c, prompt)
	if err != nil {
		return "", err
	}

	var (
		key    cache.SummaryKey
		cached bool
	)
	if s.opts.Cache != nil {
		if scope, ok := s.opts.Dispatcher.ModelID(ctx); ok {
			if k, err := cache.BuildSummaryKey(req, scope); err == nil {
				key, cached = k, true
			}
		}
	}

	if cached {
		if summary, hit, err := s.opts.Cache.Get(ctx, key); err == nil && hit {
			return summary, nil
		}
	}

	resp, err := s.opts.Dispatcher.GetCompletions(ctx, req)
	if err != nil {
		s.logger.Error("failed to summarize", zap.Error(err))
		return "", err
	}
	summary, err := resp.Text()
	if err != nil {
		return "", err
	}

	if cached {
		if err := s.opts.Cache.Set(ctx, key, summary, s.opts.CacheTTL); err != nil {
			s.logger.Warn("summary cache set failed", zap.Error(err))
		}
	}
	return summary, nil
}
