package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/scribeai/gateway/internal/providers"
)

func newTestProvider(srv *httptest.Server) *Provider {
	// The base URL must include an API version segment so
	// splitBaseURLAndVersion() can extract APIVersion correctly.
	return New(context.Background(), "mock-api-key", srv.URL+"/v1beta")
}

func baseRequest() *providers.Request {
	return &providers.Request{
		Model:        "gemini-1.5-pro",
		SystemPrompt: "Be brief.",
		UserMessage:  "Hello",
		MaxTokens:    256,
		RequestID:    "req-mock-1",
	}
}

func successBody(text string) map[string]any {
	return map[string]any{
		"candidates": []any{
			map[string]any{
				"content":      map[string]any{"role": "model", "parts": []any{map[string]any{"text": text}}},
				"finishReason": "STOP",
			},
		},
		"usageMetadata": map[string]any{"promptTokenCount": 10, "candidatesTokenCount": 5},
	}
}

func TestProvider_Name(t *testing.T) {
	p := New(context.Background(), "key", "")
	if p == nil {
		t.Fatalf("expected non-nil provider from New()")
	}
	if p.Name() != "gemini" {
		t.Fatalf("expected 'gemini', got %q", p.Name())
	}
}

func TestProvider_Request_Success(t *testing.T) {
	var capturedPath string
	var capturedQuery string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedPath = r.URL.Path
		capturedQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(successBody("Hello, world!"))
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	resp, err := p.Request(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Content != "Hello, world!" {
		t.Errorf("expected content 'Hello, world!', got %q", resp.Content)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
	if !strings.Contains(capturedPath, "gemini-1.5-pro") || !strings.Contains(capturedPath, "generateContent") {
		t.Errorf("expected model+generateContent in path, got %q", capturedPath)
	}
	if !strings.Contains(capturedQuery, "key=mock-api-key") {
		t.Errorf("expected api key as URL query param, got %q", capturedQuery)
	}
}

func TestProvider_Request_MergesSystemPromptIntoSingleTextPart(t *testing.T) {
	var captured map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(successBody("ok"))
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	if _, err := p.Request(context.Background(), baseRequest()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	contents, _ := captured["contents"].([]any)
	if len(contents) != 1 {
		t.Fatalf("expected exactly one content block, got %d", len(contents))
	}
	first, _ := contents[0].(map[string]any)
	parts, _ := first["parts"].([]any)
	if len(parts) == 0 {
		t.Fatal("expected at least one part")
	}
	text, _ := parts[0].(map[string]any)["text"].(string)
	if !strings.HasPrefix(text, "Be brief.\n\nHello") {
		t.Errorf("expected systemPrompt + \\n\\n + userMessage, got %q", text)
	}
}
