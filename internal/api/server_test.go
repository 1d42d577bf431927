package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/lantern/internal/inference"
)

type testEngine struct {
	text string
	err  error
	last *inference.Request
}

func (e *testEngine) Generate(ctx context.Context, req *inference.Request, stream inference.StreamFunc) (*inference.Result, error) {
	e.last = req
	if e.err != nil {
		return nil, e.err
	}
	if stream != nil && e.text != "" {
		stream(e.text)
	}
	return &inference.Result{
		Text: e.text,
		Stats: inference.Stats{
			PromptTokens:   3,
			ResponseTokens: 2,
		},
	}, nil
}

func newTestEcho(engine *testEngine) *echo.Echo {
	e := echo.New()
	NewServer(engine, "test-model", nil).Register(e)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestCompletions(t *testing.T) {
	t.Parallel()

	engine := &testEngine{text: "the universe"}
	e := newTestEcho(engine)
	rec := doJSON(t, e, http.MethodPost, "/v1/completions",
		`{"prompt":"In the beginning","max_tokens":8,"temperature":0.5,"seed":42}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}

	var resp CompletionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !strings.HasPrefix(resp.ID, "cmpl-") {
		t.Fatalf("unexpected id %q", resp.ID)
	}
	if resp.Model != "test-model" {
		t.Fatalf("unexpected model %q", resp.Model)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Text != "the universe" {
		t.Fatalf("unexpected choices: %+v", resp.Choices)
	}
	if resp.Usage.TotalTokens != 5 {
		t.Fatalf("usage = %+v", resp.Usage)
	}

	if engine.last.MaxTokens != 8 || engine.last.Temperature != 0.5 || engine.last.Seed != 42 {
		t.Fatalf("request not forwarded: %+v", engine.last)
	}
}

func TestCompletionsDefaults(t *testing.T) {
	t.Parallel()

	engine := &testEngine{text: "x"}
	e := newTestEcho(engine)
	rec := doJSON(t, e, http.MethodPost, "/v1/completions", `{"prompt":"hi"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	if engine.last.MaxTokens != 100 || engine.last.Temperature != 0 {
		t.Fatalf("defaults not applied: %+v", engine.last)
	}
}

func TestCompletionsRejectsEmptyPrompt(t *testing.T) {
	t.Parallel()

	e := newTestEcho(&testEngine{})
	rec := doJSON(t, e, http.MethodPost, "/v1/completions", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "prompt is required") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestCompletionsStream(t *testing.T) {
	t.Parallel()

	engine := &testEngine{text: "hello"}
	e := newTestEcho(engine)
	rec := doJSON(t, e, http.MethodPost, "/v1/completions", `{"prompt":"hi","stream":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"text":"hello"`) {
		t.Fatalf("missing content chunk: %s", body)
	}
	if !strings.Contains(body, "data: [DONE]") {
		t.Fatalf("missing terminator: %s", body)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.Contains(ct, "text/event-stream") {
		t.Fatalf("content type %q", ct)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	e := newTestEcho(&testEngine{})
	rec := doJSON(t, e, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "test-model") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}
