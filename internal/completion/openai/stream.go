package openai

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"erpy/internal/completion"

	"go.uber.org/zap"
)

const doneSentinel = "[DONE]"

// GetCompletionsStream opens a server-sent-event completion stream. Setup
// failures are returned; everything after the first byte of the body ends
// the stream quietly.
func (a *Adapter) GetCompletionsStream(ctx context.Context, req *completion.Request) (completion.Stream, error) {
	if err := req.Expect(true); err != nil {
		return nil, err
	}

	resp, err := a.post(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := a.checkStatus(resp, "chat completion stream"); err != nil {
		resp.Body.Close()
		return nil, err
	}

	src := newEventReader(resp.Body)
	logger := a.logger.With(zap.String("model", req.Model))
	events := 0

	pull := func() (completion.StreamResponse, completion.Verdict, error) {
		ev, err := src.next()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return completion.StreamResponse{}, completion.Skip, ctxErr
			}
			if err == io.EOF {
				logger.Debug("stream completed (EOF)", zap.Int("events", events))
			}
			return completion.StreamResponse{}, completion.Skip, err
		}
		events++
		return classify(ev, logger)
	}

	return completion.NewStream(pull, resp.Body.Close, logger), nil
}

// classify is the remote stream normalizer.
func classify(ev event, logger *zap.Logger) (completion.StreamResponse, completion.Verdict, error) {
	if ev.name != "" && ev.name != "message" {
		return completion.StreamResponse{}, completion.Skip, nil
	}

	data := strings.TrimSpace(ev.data)
	if data == doneSentinel {
		return completion.StreamResponse{}, completion.End, nil
	}

	var item completion.StreamResponse
	if err := json.Unmarshal([]byte(data), &item); err != nil {
		logger.Debug("skipping malformed stream event", zap.String("data", truncate(data, 200)), zap.Error(err))
		return completion.StreamResponse{}, completion.Skip, nil
	}
	if item.Finished() {
		return item, completion.Terminal, nil
	}
	return item, completion.Yield, nil
}

// event is one dispatched server-sent event.
type event struct {
	name string
	data string
}

// eventReader parses text/event-stream framing: field lines, multi-line data,
// comments, and blank-line dispatch.
type eventReader struct {
	r *bufio.Reader
}

func newEventReader(r io.Reader) *eventReader {
	return &eventReader{r: bufio.NewReader(r)}
}

// next returns the next event with a data field. A final event not followed
// by a blank line is still delivered when the body ends.
func (er *eventReader) next() (event, error) {
	var (
		name    string
		data    strings.Builder
		hasData bool
	)

	for {
		line, err := er.r.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			if err == io.EOF && hasData {
				return event{name: name, data: data.String()}, nil
			}
			return event{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if hasData {
				return event{name: name, data: data.String()}, nil
			}
			name = ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			name = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		}
	}
}
