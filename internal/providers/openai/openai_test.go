package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/scribeai/gateway/internal/providers"
)

func newTestProvider(srv *httptest.Server) *Provider {
	return New("openai", "mock-api-key", srv.URL)
}

func baseRequest() *providers.Request {
	return &providers.Request{
		Model:        "gpt-4o-mini",
		SystemPrompt: "You are a helpful assistant.",
		UserMessage:  "Hello",
		MaxTokens:    1024,
		RequestID:    "req-mock-1",
	}
}

func TestProvider_Name(t *testing.T) {
	p := New("grok", "key", "https://api.x.ai/v1")
	if p.Name() != "grok" {
		t.Fatalf("expected 'grok', got %q", p.Name())
	}
}

func TestProvider_Request_LegacyMaxTokens(t *testing.T) {
	var captured map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-123",
			"model":   "gpt-4o-mini",
			"choices": []any{map[string]any{"message": map[string]any{"content": "hi"}}},
			"usage":   map[string]any{"prompt_tokens": 10, "completion_tokens": 5},
		})
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	_, err := p.Request(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := captured["max_tokens"]; !ok {
		t.Errorf("expected max_tokens in body for gpt-4o-mini, got %v", captured)
	}
	if _, ok := captured["max_completion_tokens"]; ok {
		t.Errorf("did not expect max_completion_tokens for gpt-4o-mini")
	}
}

func TestProvider_Request_GPT5UsesMaxCompletionTokens(t *testing.T) {
	var captured map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"model":   "gpt-5-mini",
			"choices": []any{map[string]any{"message": map[string]any{"content": "hi"}}},
			"usage":   map[string]any{"prompt_tokens": 10, "completion_tokens": 5},
		})
	}))
	defer srv.Close()

	req := baseRequest()
	req.Model = "gpt-5-mini"

	p := newTestProvider(srv)
	if _, err := p.Request(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := captured["max_completion_tokens"]; !ok {
		t.Errorf("expected max_completion_tokens in body for gpt-5-mini, got %v", captured)
	}
	if _, ok := captured["max_tokens"]; ok {
		t.Errorf("did not expect max_tokens for gpt-5-mini")
	}
}

func TestProvider_Stream(t *testing.T) {
	chunks := []string{
		`{"id":"c1","model":"gpt-4o-mini","choices":[{"index":0,"delta":{"role":"assistant","content":"Hello"}}]}`,
		`{"id":"c1","model":"gpt-4o-mini","choices":[{"index":0,"delta":{"content":" world"}}]}`,
		`{"id":"c1","model":"gpt-4o-mini","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
			if flusher != nil {
				flusher.Flush()
			}
		}
		fmt.Fprintln(w, "data: [DONE]")
	}))
	defer srv.Close()

	req := baseRequest()
	req.Stream = true

	p := newTestProvider(srv)
	ch, cancel, err := p.Stream(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer cancel()

	var content string
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("unexpected stream error: %v", chunk.Err)
		}
		content += chunk.Content
	}

	if content != "Hello world" {
		t.Errorf("expected 'Hello world', got %q", content)
	}
}

func TestProvider_Request_RateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "Rate limit exceeded", "type": "rate_limit_error"},
		})
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	_, err := p.Request(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected error for 429, got nil")
	}

	provErr, ok := err.(*ProviderError)
	if !ok {
		t.Fatalf("expected *ProviderError, got %T: %v", err, err)
	}
	if provErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", provErr.StatusCode)
	}
}
