package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tgram-labs/digestor/internal/digest/config"
)

// Error kinds surfaced by the provider adapter. Agents and the orchestrator
// match on these with errors.Is.
var (
	ErrLLMUnavailable     = errors.New("llm unavailable")
	ErrLLMTimeout         = errors.New("llm call timed out")
	ErrLLMMalformedOutput = errors.New("llm output is not valid json")
	ErrSchemaValidation   = errors.New("schema validation failed")
	ErrRateLimited        = errors.New("llm rate limited")
)

// errNonRetryable marks client errors (4xx other than 429) that must not
// trigger the fallback provider.
var errNonRetryable = errors.New("non-retryable provider error")

const rateLimitSleepCap = 5 * time.Minute

// Provider is the uniform LLM surface every agent calls. The schema is
// appended to the system prompt as explicit JSON-output instructions; the
// returned bytes are guaranteed to be valid JSON.
type Provider interface {
	Call(ctx context.Context, systemPrompt, userMessage string, schema map[string]interface{}) (json.RawMessage, error)
}

type endpoint struct {
	baseURL string
	apiKey  string
	model   string
}

// HTTPProvider speaks the OpenAI chat-completions contract against a primary
// endpoint (GigaChat-style proxy by default) with an optional OpenRouter-style
// fallback for transport-level and 5xx failures.
type HTTPProvider struct {
	primary     endpoint
	fallback    *endpoint
	client      *http.Client
	temperature float64
	maxTokens   int
	maxRetries  int
	retryDelay  time.Duration
	logger      *log.Logger

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewHTTPProvider builds the adapter from configuration. The proxy accepts a
// placeholder bearer token when no key is configured.
func NewHTTPProvider(cfg config.LLMConfig) *HTTPProvider {
	p := &HTTPProvider{
		primary: endpoint{
			baseURL: strings.TrimSuffix(cfg.ProxyURL, "/"),
			apiKey:  cfg.APIKey,
			model:   cfg.Model,
		},
		client:      &http.Client{},
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		maxRetries:  cfg.MaxRetries,
		retryDelay:  cfg.RetryDelay,
		logger:      log.New(log.Writer(), "[LLM] ", log.LstdFlags),
		sleep:       sleepCtx,
	}
	if p.primary.apiKey == "" {
		p.primary.apiKey = "placeholder"
	}
	if p.maxRetries <= 0 {
		p.maxRetries = 3
	}
	if p.retryDelay <= 0 {
		p.retryDelay = 2 * time.Second
	}
	if cfg.FallbackURL != "" {
		p.fallback = &endpoint{
			baseURL: strings.TrimSuffix(cfg.FallbackURL, "/"),
			apiKey:  cfg.FallbackKey,
			model:   cfg.FallbackModel,
		}
	}
	return p
}

// Call runs the full recovery chain: retries with exponential backoff on
// transient failures, a rate-limit sleep on 429, JSON repair on malformed
// replies, and a single fallback-provider attempt when the primary is down.
// Malformed output and schema violations never switch providers.
func (p *HTTPProvider) Call(ctx context.Context, systemPrompt, userMessage string, schema map[string]interface{}) (json.RawMessage, error) {
	system := systemPrompt + "\n\n" + jsonInstructions(schema)

	raw, err := p.callEndpoint(ctx, p.primary, system, userMessage)
	if err == nil {
		return raw, nil
	}
	if p.fallback != nil && errors.Is(err, ErrLLMUnavailable) && !errors.Is(err, errNonRetryable) {
		p.logger.Printf("primary provider failed (%v), trying fallback %s", err, p.fallback.baseURL)
		raw, fbErr := p.callEndpoint(ctx, *p.fallback, system, userMessage)
		if fbErr == nil {
			return raw, nil
		}
		p.logger.Printf("fallback provider failed: %v", fbErr)
	}
	return nil, err
}

func (p *HTTPProvider) callEndpoint(ctx context.Context, ep endpoint, system, user string) (json.RawMessage, error) {
	var lastErr error
	rateLimitRetried := false

	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			delay := p.retryDelay * time.Duration(1<<(attempt-1))
			if err := p.sleep(ctx, delay); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrLLMTimeout, err)
			}
		}

		content, status, err := p.post(ctx, ep, system, user)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", ErrLLMTimeout, ctx.Err())
			}
			lastErr = fmt.Errorf("transport: %v: %w", err, ErrLLMUnavailable)
			continue
		}

		switch {
		case status == http.StatusTooManyRequests:
			if rateLimitRetried {
				return nil, fmt.Errorf("still rate limited after reset wait: %w", errors.Join(ErrRateLimited, ErrLLMUnavailable))
			}
			rateLimitRetried = true
			wait := rateLimitWait(content.header)
			p.logger.Printf("rate limited by %s, sleeping %v", ep.baseURL, wait)
			if err := p.sleep(ctx, wait); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrLLMTimeout, err)
			}
			attempt-- // the post-reset attempt does not consume a retry
			continue
		case status >= 500:
			lastErr = fmt.Errorf("provider status %d: %w", status, ErrLLMUnavailable)
			continue
		case status != http.StatusOK:
			return nil, fmt.Errorf("provider status %d: %w", status, errors.Join(ErrLLMUnavailable, errNonRetryable))
		}

		raw, repairErr := RepairJSON(content.text)
		if repairErr != nil {
			lastErr = fmt.Errorf("%w: %v", ErrLLMMalformedOutput, repairErr)
			continue
		}
		return raw, nil
	}

	if lastErr == nil {
		lastErr = ErrLLMUnavailable
	}
	return nil, lastErr
}

type postResult struct {
	text   string
	header http.Header
}

func (p *HTTPProvider) post(ctx context.Context, ep endpoint, system, user string) (postResult, int, error) {
	type chatMsg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	type chatReq struct {
		Model       string    `json:"model"`
		Messages    []chatMsg `json:"messages"`
		Temperature float64   `json:"temperature,omitempty"`
		MaxTokens   int       `json:"max_tokens,omitempty"`
	}

	body, err := json.Marshal(chatReq{
		Model: ep.model,
		Messages: []chatMsg{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: p.temperature,
		MaxTokens:   p.maxTokens,
	})
	if err != nil {
		return postResult{}, 0, fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", ep.baseURL+"/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return postResult{}, 0, fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+ep.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return postResult{}, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return postResult{}, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return postResult{header: resp.Header}, resp.StatusCode, nil
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return postResult{}, 0, fmt.Errorf("decode: %w", err)
	}
	if len(out.Choices) == 0 {
		return postResult{text: "", header: resp.Header}, http.StatusOK, nil
	}
	return postResult{text: out.Choices[0].Message.Content, header: resp.Header}, http.StatusOK, nil
}

// rateLimitWait reads a reset timestamp from the standard rate-limit headers
// and returns how long to sleep, capped at five minutes.
func rateLimitWait(h http.Header) time.Duration {
	if h == nil {
		return time.Second
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
			wait := time.Until(time.Unix(unix, 0))
			return clampWait(wait)
		}
	}
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return clampWait(time.Duration(secs) * time.Second)
		}
	}
	return time.Second
}

func clampWait(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	if d > rateLimitSleepCap {
		return rateLimitSleepCap
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func jsonInstructions(schema map[string]interface{}) string {
	b, err := json.Marshal(schema)
	if err != nil {
		return "Ответь строго валидным JSON без пояснений и без Markdown."
	}
	return "Ответь строго валидным JSON без пояснений и без Markdown, точно по схеме:\n" + string(b)
}

// RepairJSON applies the known recovery steps to a model reply, in order:
// direct parse, Markdown fence stripping, balanced-substring extraction,
// typographic-quote and trailing-comma normalization. It returns compact
// valid JSON or an error when every step fails.
func RepairJSON(s string) (json.RawMessage, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty reply")
	}

	candidates := []string{s}
	if stripped := stripFences(s); stripped != s {
		candidates = append(candidates, stripped)
	}
	for _, c := range candidates {
		if extracted := extractBalanced(c); extracted != "" && extracted != c {
			candidates = append(candidates, extracted)
		}
	}
	n := len(candidates)
	for i := 0; i < n; i++ {
		if fixed := normalizeQuotes(candidates[i]); fixed != candidates[i] {
			candidates = append(candidates, fixed)
		}
	}

	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if json.Valid([]byte(c)) {
			return json.RawMessage(c), nil
		}
	}
	return nil, fmt.Errorf("no recovery step produced valid json")
}

// stripFences removes Markdown code fences and a leading "json" tag.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "json")
	return strings.TrimSpace(s)
}

// extractBalanced returns the first balanced {...} or [...] substring,
// tracking string literals so braces inside values do not confuse the depth
// counter.
func extractBalanced(s string) string {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ""
	}
	open := s[start]
	var close byte = '}'
	if open == '[' {
		close = ']'
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

var quoteReplacer = strings.NewReplacer(
	"“", `"`, "”", `"`, // “ ”
	"‘", "'", "’", "'", // ‘ ’
)

// normalizeQuotes converts typographic quotes to ASCII and drops trailing
// commas before a closing bracket.
func normalizeQuotes(s string) string {
	s = quoteReplacer.Replace(s)
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			b.WriteByte(ch)
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		if ch == '"' {
			inString = true
			b.WriteByte(ch)
			continue
		}
		if ch == ',' {
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\n' || s[j] == '\t' || s[j] == '\r') {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
		}
		b.WriteByte(ch)
	}
	return b.String()
}
