package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tgram-labs/digestor/internal/digest/config"
)

func TestRepairJSONRecoverySteps(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"direct", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"fenced no tag", "```\n[1,2]\n```", `[1,2]`},
		{"prose wrapped", `Вот результат: {"a": "b"} надеюсь, подходит`, `{"a": "b"}`},
		{"braces in strings", `носик {"t": "скобка } внутри"} хвост`, `{"t": "скобка } внутри"}`},
		{"smart quotes", `{“tone”: “спокойный”}`, `{"tone": "спокойный"}`},
		{"trailing comma", `{"a": [1, 2,], "b": 3,}`, `{"a": [1, 2], "b": 3}`},
		{"fenced smart quotes", "```json\n{“a”: “b”,}\n```", `{"a": "b"}`},
	}
	for _, c := range cases {
		got, err := RepairJSON(c.in)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", c.name, err)
		}
		if string(got) != c.want {
			t.Fatalf("%s: got %q, want %q", c.name, got, c.want)
		}
		if !json.Valid(got) {
			t.Fatalf("%s: result is not valid json: %q", c.name, got)
		}
	}
}

func TestRepairJSONFailure(t *testing.T) {
	for _, in := range []string{"", "совсем не json", "{незакрытая"} {
		if _, err := RepairJSON(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestRateLimitWaitClamps(t *testing.T) {
	h := http.Header{}
	h.Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10))
	if got := rateLimitWait(h); got != rateLimitSleepCap {
		t.Fatalf("far reset must clamp to %v, got %v", rateLimitSleepCap, got)
	}
	h = http.Header{}
	h.Set("Retry-After", "3")
	if got := rateLimitWait(h); got != 3*time.Second {
		t.Fatalf("Retry-After=3 must wait 3s, got %v", got)
	}
	if got := rateLimitWait(http.Header{}); got != time.Second {
		t.Fatalf("missing headers must default to 1s, got %v", got)
	}
}

func completionBody(content string) string {
	b, _ := json.Marshal(map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]string{"content": content}},
		},
	})
	return string(b)
}

func testProvider(t *testing.T, primaryURL, fallbackURL string) (*HTTPProvider, *[]time.Duration) {
	t.Helper()
	cfg := config.LLMConfig{
		ProxyURL:   primaryURL,
		Model:      "test-model",
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
	}
	if fallbackURL != "" {
		cfg.FallbackURL = fallbackURL
		cfg.FallbackModel = "fallback-model"
	}
	p := NewHTTPProvider(cfg)
	var slept []time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return p, &slept
}

func TestCallReturnsRepairedContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer placeholder" {
			t.Errorf("unexpected auth header: %q", got)
		}
		fmt.Fprint(w, completionBody("```json\n{\"topics\": []}\n```"))
	}))
	defer srv.Close()

	p, _ := testProvider(t, srv.URL, "")
	raw, err := p.Call(context.Background(), "system", "user", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(raw) != `{"topics": []}` {
		t.Fatalf("unexpected content: %q", raw)
	}
}

func TestCallRateLimitWaitsAndRetriesOnce(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, completionBody(`{"ok": true}`))
	}))
	defer srv.Close()

	p, slept := testProvider(t, srv.URL, "")
	raw, err := p.Call(context.Background(), "s", "u", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(raw) != `{"ok": true}` {
		t.Fatalf("unexpected content: %q", raw)
	}
	if len(*slept) != 1 || (*slept)[0] != 2*time.Second {
		t.Fatalf("expected one 2s rate-limit sleep, got %v", *slept)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 requests, got %d", calls)
	}
}

func TestCallSecondRateLimitGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p, _ := testProvider(t, srv.URL, "")
	_, err := p.Call(context.Background(), "s", "u", nil)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if !errors.Is(err, ErrLLMUnavailable) {
		t.Fatalf("persistent 429 must also be ErrLLMUnavailable, got %v", err)
	}
}

func TestCallFallsBackOnServerError(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer primary.Close()
	var fallbackCalls int32
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fallbackCalls, 1)
		var req struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "fallback-model" {
			t.Errorf("fallback must use its own model, got %q", req.Model)
		}
		fmt.Fprint(w, completionBody(`{"saved": true}`))
	}))
	defer fallback.Close()

	p, _ := testProvider(t, primary.URL, fallback.URL)
	raw, err := p.Call(context.Background(), "s", "u", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(raw) != `{"saved": true}` {
		t.Fatalf("unexpected content: %q", raw)
	}
	if atomic.LoadInt32(&fallbackCalls) != 1 {
		t.Fatalf("expected 1 fallback request, got %d", fallbackCalls)
	}
}

func TestCallClientErrorSkipsFallback(t *testing.T) {
	var primaryCalls int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&primaryCalls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer primary.Close()
	var fallbackCalls int32
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fallbackCalls, 1)
	}))
	defer fallback.Close()

	p, _ := testProvider(t, primary.URL, fallback.URL)
	_, err := p.Call(context.Background(), "s", "u", nil)
	if err == nil {
		t.Fatalf("expected error on 400")
	}
	if atomic.LoadInt32(&primaryCalls) != 1 {
		t.Fatalf("4xx must not be retried, got %d requests", primaryCalls)
	}
	if atomic.LoadInt32(&fallbackCalls) != 0 {
		t.Fatalf("4xx must not reach the fallback provider")
	}
}

func TestCallMalformedOutputNeverSwitchesProvider(t *testing.T) {
	var primaryCalls int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&primaryCalls, 1)
		fmt.Fprint(w, completionBody("это определённо не json"))
	}))
	defer primary.Close()
	var fallbackCalls int32
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fallbackCalls, 1)
	}))
	defer fallback.Close()

	p, _ := testProvider(t, primary.URL, fallback.URL)
	_, err := p.Call(context.Background(), "s", "u", nil)
	if !errors.Is(err, ErrLLMMalformedOutput) {
		t.Fatalf("expected ErrLLMMalformedOutput, got %v", err)
	}
	if atomic.LoadInt32(&primaryCalls) != 3 {
		t.Fatalf("malformed output must exhaust retries, got %d requests", primaryCalls)
	}
	if atomic.LoadInt32(&fallbackCalls) != 0 {
		t.Fatalf("malformed output must not reach the fallback provider")
	}
}

func TestCallAppendsSchemaInstructions(t *testing.T) {
	var gotSystem string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		for _, m := range req.Messages {
			if m.Role == "system" {
				gotSystem = m.Content
			}
		}
		fmt.Fprint(w, completionBody(`{}`))
	}))
	defer srv.Close()

	p, _ := testProvider(t, srv.URL, "")
	schema := map[string]interface{}{"type": "object", "properties": map[string]interface{}{"tone": map[string]interface{}{"type": "string"}}}
	if _, err := p.Call(context.Background(), "базовый промпт", "u", schema); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(gotSystem, "базовый промпт") {
		t.Fatalf("system prompt lost: %q", gotSystem)
	}
	if !strings.Contains(gotSystem, `"tone"`) {
		t.Fatalf("schema not appended to system prompt: %q", gotSystem)
	}
}
