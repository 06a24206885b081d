package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"erpy/internal/completion"

	"go.uber.org/zap"
)

const (
	chatCompletionsPath = "/chat/completions"
	modelsPath          = "/models"
)

// ListModels returns the ids the server reports. The call is bounded by the
// configured list timeout so connection probes stay responsive.
func (a *Adapter) ListModels(parentCtx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(parentCtx, a.cfg.ListTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+modelsPath, nil)
	if err != nil {
		return nil, fmt.Errorf("openai: build models request: %w", err)
	}
	a.authorize(httpReq)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, a.transportError(parentCtx, "list models", err)
	}
	defer resp.Body.Close()

	if err := a.checkStatus(resp, "list models"); err != nil {
		return nil, err
	}

	var list modelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		if parentCtx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, completion.Unavailable("list models", err)
		}
		return nil, fmt.Errorf("openai: decode models: %w", err)
	}

	ids := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// GetCompletions performs a non-streaming chat completion.
func (a *Adapter) GetCompletions(ctx context.Context, req *completion.Request) (*completion.Response, error) {
	start := time.Now()

	if err := req.Expect(false); err != nil {
		return nil, err
	}

	resp, err := a.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := a.checkStatus(resp, "chat completion"); err != nil {
		return nil, err
	}

	var out completion.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}

	a.logger.Info("completion finished",
		zap.String("model", out.Model),
		zap.Int("choices", len(out.Choices)),
		zap.Duration("duration", time.Since(start)),
	)

	return &out, nil
}

// post sends req to the chat completions endpoint with the pinned model.
func (a *Adapter) post(ctx context.Context, req *completion.Request) (*http.Response, error) {
	body := req.Clone()
	if a.cfg.Model != "" {
		body.Model = a.cfg.Model
	}

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	a.logger.Debug("completion request starting",
		zap.String("model", body.Model),
		zap.Bool("stream", body.Stream),
		zap.Int("message_count", len(body.Messages)),
	)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+chatCompletionsPath, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("openai: build HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if body.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	a.authorize(httpReq)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, a.transportError(ctx, "chat completion", err)
	}
	return resp, nil
}

func (a *Adapter) authorize(r *http.Request) {
	if a.cfg.APIKey != "" {
		r.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}
}

// transportError keeps caller cancellation as is and maps every other
// transport failure to ErrUnavailable.
func (a *Adapter) transportError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("openai: %s: %w", op, ctxErr)
	}
	a.logger.Warn("backend unreachable", zap.String("op", op), zap.Error(err))
	return completion.Unavailable(op, err)
}

// checkStatus turns a non-2xx response into a *completion.BadStatusError
// carrying the full body text.
func (a *Adapter) checkStatus(resp *http.Response, op string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)

	var perr providerErrorResponse
	if err := json.Unmarshal(body, &perr); err == nil && perr.Error.Message != "" {
		a.logger.Error("provider error",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode),
			zap.String("error_type", perr.Error.Type),
			zap.String("error_message", perr.Error.Message),
		)
	} else {
		a.logger.Error("upstream error",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode),
			zap.String("body", truncate(string(body), 200)),
		)
	}

	return &completion.BadStatusError{Code: resp.StatusCode, Body: string(body)}
}

// truncate limits string length for logging
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
