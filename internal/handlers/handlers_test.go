package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"erpy/internal/app"
	"erpy/internal/completion"
	"erpy/internal/completion/openai/openaitest"
	"erpy/internal/dispatch"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap/zaptest"
)

type sseEvent struct {
	name string
	data string
}

func parseEvents(t *testing.T, r io.Reader) []sseEvent {
	t.Helper()
	var (
		out []sseEvent
		cur sseEvent
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur.name != "" {
				out = append(out, cur)
			}
			cur = sseEvent{}
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		}
	}
	return out
}

func newTestRouter(t *testing.T) (http.Handler, *app.State) {
	t.Helper()
	state := app.New(app.Options{}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = state.Close() })

	h := New(state)
	r := chi.NewRouter()
	r.Post("/v1/chat/completions", h.ChatCompletion)
	r.Post("/v1/chat/{sessionID}/cancel", h.Cancel)
	r.Post("/v1/chat/summarize", h.Summarize)
	r.Post("/v1/models/load", h.LoadModel)
	r.Post("/v1/models/unload", h.UnloadModel)
	r.Get("/v1/models", h.ListModels)
	r.Get("/v1/models/active", h.ActiveModel)
	r.Get("/v1/backends", h.Backends)
	r.Post("/v1/connection/test", h.TestConnection)
	return r, state
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(payload)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, rd))
	return rr
}

func loadRemote(t *testing.T, h http.Handler, srv *openaitest.Server) {
	t.Helper()
	rr := do(t, h, http.MethodPost, "/v1/models/load", map[string]string{
		"type":   "open-ai",
		"apiUrl": srv.URL,
		"model":  "pinned",
	})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("load: expected 204, got %d: %s", rr.Code, rr.Body.String())
	}
}

var chatBody = map[string]any{
	"messages": []map[string]string{{"role": "user", "content": "hi"}},
}

func TestChatCompletionStreamsEvents(t *testing.T) {
	srv := openaitest.New(t, openaitest.Config{Models: []string{"m"}, Deltas: []string{"Hel", "lo"}})
	h, _ := newTestRouter(t)
	loadRemote(t, h, srv)

	rr := do(t, h, http.MethodPost, "/v1/chat/completions", chatBody)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	events := parseEvents(t, rr.Body)
	var names []string
	for _, e := range events {
		names = append(names, e.name)
	}
	want := []string{"session", "completion", "completion", "completion_done"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("expected events %v, got %v", want, names)
	}

	var delta completion.StreamResponse
	if err := json.Unmarshal([]byte(events[1].data), &delta); err != nil {
		t.Fatalf("decode delta: %v", err)
	}
	if delta.Text() != "Hel" {
		t.Fatalf("unexpected first delta %q", delta.Text())
	}
	if events[3].data != `{"finishReason":"stop"}` {
		t.Fatalf("unexpected done payload %s", events[3].data)
	}
}

func TestChatCompletionSetupErrors(t *testing.T) {
	h, _ := newTestRouter(t)

	rr := do(t, h, http.MethodPost, "/v1/chat/completions", chatBody)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("no model: expected 503, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader("{")))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad json: expected 400, got %d", rr.Code)
	}

	rr = do(t, h, http.MethodPost, "/v1/chat/completions", map[string]any{"messages": []any{}})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("empty messages: expected 400, got %d", rr.Code)
	}

	rr = do(t, h, http.MethodPost, "/v1/chat/completions", map[string]any{
		"messages": []map[string]string{{"role": "tool", "content": "x"}},
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("invalid role: expected 400, got %d", rr.Code)
	}
}

func TestChatCompletionUpstreamStatus(t *testing.T) {
	srv := openaitest.New(t, openaitest.Config{Models: []string{"m"}, Status: http.StatusTooManyRequests})
	h, _ := newTestRouter(t)
	loadRemote(t, h, srv)

	rr := do(t, h, http.MethodPost, "/v1/chat/completions", chatBody)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
	var body errorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.UpstreamStatus != http.StatusTooManyRequests || !strings.Contains(body.UpstreamBody, "scripted failure") {
		t.Fatalf("upstream details missing: %+v", body)
	}
}

func TestChatCompletionNativeBackendIsUnimplemented(t *testing.T) {
	h, _ := newTestRouter(t)
	rr := do(t, h, http.MethodPost, "/v1/models/load", map[string]string{"type": "llama", "modelId": "local"})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("load llama: expected 204, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = do(t, h, http.MethodPost, "/v1/chat/completions", chatBody)
	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", rr.Code)
	}
}

func TestCancelStopsRunningCompletion(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	upstream := openaitest.New(t, openaitest.Config{Models: []string{"m"}, Deltas: []string{"first", "never"}, Gate: gate})

	h, _ := newTestRouter(t)
	loadRemote(t, h, upstream)
	host := httptest.NewServer(h)
	defer host.Close()

	payload, _ := json.Marshal(chatBody)
	resp, err := http.Post(host.URL+"/v1/chat/completions", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	rd := bufio.NewReader(resp.Body)
	readEvent := func() sseEvent {
		var e sseEvent
		for {
			line, err := rd.ReadString('\n')
			if err != nil {
				t.Fatalf("read event: %v", err)
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case line == "":
				return e
			case strings.HasPrefix(line, "event: "):
				e.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				e.data = strings.TrimPrefix(line, "data: ")
			}
		}
	}

	session := readEvent()
	if session.name != "session" {
		t.Fatalf("expected session event, got %+v", session)
	}
	var sid sessionEvent
	if err := json.Unmarshal([]byte(session.data), &sid); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if first := readEvent(); first.name != "completion" {
		t.Fatalf("expected first completion, got %+v", first)
	}

	cancelResp, err := http.Post(fmt.Sprintf("%s/v1/chat/%s/cancel", host.URL, sid.SessionID), "application/json", nil)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	cancelResp.Body.Close()
	if cancelResp.StatusCode != http.StatusNoContent {
		t.Fatalf("cancel: expected 204, got %d", cancelResp.StatusCode)
	}

	done := make(chan sseEvent, 1)
	go func() { done <- readEvent() }()
	select {
	case e := <-done:
		if e.name != "completion_done" {
			t.Fatalf("expected completion_done after cancel, got %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after cancel")
	}
}

func TestCancelUnknownOrInvalidSession(t *testing.T) {
	h, _ := newTestRouter(t)

	if rr := do(t, h, http.MethodPost, "/v1/chat/not-a-uuid/cancel", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/v1/chat/00000000-0000-0000-0000-000000000001/cancel", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestModelCommands(t *testing.T) {
	srv := openaitest.New(t, openaitest.Config{Models: []string{"alpha", "beta"}})
	h, _ := newTestRouter(t)

	if rr := do(t, h, http.MethodPost, "/v1/models/load", map[string]string{"type": "open-ai"}); rr.Code != http.StatusBadRequest {
		t.Fatalf("invalid load: expected 400, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/v1/models/active", nil); strings.TrimSpace(rr.Body.String()) != "null" {
		t.Fatalf("expected null active model, got %s", rr.Body.String())
	}

	loadRemote(t, h, srv)

	rr := do(t, h, http.MethodGet, "/v1/models", nil)
	if strings.TrimSpace(rr.Body.String()) != `["alpha","beta"]` {
		t.Fatalf("unexpected models %s", rr.Body.String())
	}
	rr = do(t, h, http.MethodGet, "/v1/models/active", nil)
	if strings.TrimSpace(rr.Body.String()) != `"alpha"` {
		t.Fatalf("unexpected active model %s", rr.Body.String())
	}
	rr = do(t, h, http.MethodGet, "/v1/backends", nil)
	if strings.TrimSpace(rr.Body.String()) != `["open-ai","mistral","llama"]` {
		t.Fatalf("unexpected backends %s", rr.Body.String())
	}

	if rr := do(t, h, http.MethodPost, "/v1/models/unload", nil); rr.Code != http.StatusNoContent {
		t.Fatalf("unload: expected 204, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/v1/models", nil); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("after unload: expected 503, got %d", rr.Code)
	}
}

func TestSummarizeEndpoint(t *testing.T) {
	srv := openaitest.New(t, openaitest.Config{Models: []string{"m"}, Reply: "They met."})
	h, _ := newTestRouter(t)
	loadRemote(t, h, srv)

	rr := do(t, h, http.MethodPost, "/v1/chat/summarize", map[string]any{
		"prompt": "Summarize",
		"chat": map[string]any{
			"id":          3,
			"characterId": 1,
			"title":       nil,
			"archived":    false,
			"data": []map[string]any{
				{"role": "user", "chosenAnswer": 0, "content": []map[string]any{{"content": "hello", "timestamp": 1, "modelId": "m"}}},
			},
		},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if strings.TrimSpace(rr.Body.String()) != `{"summary":"They met."}` {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}
}

func TestConnectionEndpoint(t *testing.T) {
	srv := openaitest.New(t, openaitest.Config{Models: []string{"x"}})
	h, _ := newTestRouter(t)

	rr := do(t, h, http.MethodPost, "/v1/connection/test", map[string]string{"apiUrl": srv.URL})
	if strings.TrimSpace(rr.Body.String()) != `{"type":"success","models":["x"]}` {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{completion.ErrProtocolViolation, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", dispatch.ErrInvalidLoad), http.StatusBadRequest},
		{completion.ErrNoModelLoaded, http.StatusServiceUnavailable},
		{completion.Unavailable("dial", errors.New("refused")), http.StatusServiceUnavailable},
		{completion.ErrUnimplemented, http.StatusNotImplemented},
		{&completion.BadStatusError{Code: 401, Body: "no"}, http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, got)
		}
	}
}
