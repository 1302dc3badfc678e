package gemini

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/genai"

	"github.com/scribeai/gateway/internal/providers"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	providerName   = "gemini"
)

// Provider implements providers.Provider for Google Gemini (official GenAI SDK).
type Provider struct {
	apiKey     string
	baseURL    string
	client     *genai.Client
	httpClient *http.Client
	base       string
	apiVersion string
}

// New creates a new Gemini Provider. baseURL empty uses the public API.
func New(ctx context.Context, apiKey, baseURL string) *Provider {
	if ctx == nil {
		panic("gemini: context must not be nil")
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	p := &Provider{apiKey: apiKey, baseURL: baseURL}

	httpClient := &http.Client{Timeout: providers.ProviderTimeout}
	p.httpClient = httpClient

	p.base, p.apiVersion = splitBaseURLAndVersion(p.baseURL)

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      p.apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  p.httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: p.base, APIVersion: p.apiVersion},
	})
	if err != nil {
		return nil
	}

	p.client = client
	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return fmt.Errorf("gemini: health check: %w", toProviderError(err))
	}
	return nil
}

func (p *Provider) Request(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	contents, cfg := p.buildContentsAndConfig(req)

	client, err := p.clientForKey(ctx, req.APIKey)
	if err != nil {
		return nil, err
	}

	resp, err := client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, toProviderError(err)
	}

	id := req.RequestID
	if id == "" {
		id = generateID()
	}

	out := ""
	if resp != nil {
		out = resp.Text()
	}

	var inTok, outTok int
	if resp != nil && resp.UsageMetadata != nil {
		inTok = int(resp.UsageMetadata.PromptTokenCount)
		outTok = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	return &providers.Response{
		ID:      id,
		Model:   req.Model,
		Content: out,
		Usage:   providers.Usage{InputTokens: inTok, OutputTokens: outTok},
	}, nil
}

func (p *Provider) Stream(ctx context.Context, req *providers.Request) (<-chan providers.StreamChunk, func(), error) {
	contents, cfg := p.buildContentsAndConfig(req)

	client, err := p.clientForKey(ctx, req.APIKey)
	if err != nil {
		return nil, nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	ch := make(chan providers.StreamChunk, 16)

	go func() {
		defer close(ch)

		for resp, err := range client.Models.GenerateContentStream(streamCtx, req.Model, contents, cfg) {
			if err != nil {
				select {
				case ch <- providers.StreamChunk{Err: toProviderError(err)}:
				case <-streamCtx.Done():
				}
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}

			text := firstCandidateText(resp.Candidates[0])
			if text == "" {
				continue
			}
			select {
			case ch <- providers.StreamChunk{Content: text}:
			case <-streamCtx.Done():
				return
			}
		}
		select {
		case ch <- providers.StreamChunk{Done: true}:
		case <-streamCtx.Done():
		}
	}()

	return ch, cancel, nil
}

// buildContentsAndConfig builds the single-turn request the spec requires:
// one user content block whose text part is systemPrompt + "\n\n" + userMessage,
// with an optional inline_data image part, and a generationConfig carrying
// maxOutputTokens and the fixed temperature 0.7.
func (p *Provider) buildContentsAndConfig(req *providers.Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	text := req.UserMessage
	if req.SystemPrompt != "" {
		text = req.SystemPrompt + "\n\n" + req.UserMessage
	}

	parts := []*genai.Part{{Text: text}}
	if req.ImageBase64 != "" {
		parts = append(parts, &genai.Part{
			InlineData: &genai.Blob{MIMEType: "image/jpeg", Data: []byte(req.ImageBase64)},
		})
	}

	contents := []*genai.Content{{Role: genai.RoleUser, Parts: parts}}

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](0.7),
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	return contents, cfg
}

func (p *Provider) clientForKey(ctx context.Context, overrideKey string) (*genai.Client, error) {
	key := overrideKey
	if key == "" {
		key = p.apiKey
	}
	if key == "" {
		return nil, fmt.Errorf("gemini: no API key configured")
	}
	if key == p.apiKey {
		return p.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      key,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  p.httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: p.base, APIVersion: p.apiVersion},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: override client: %w", err)
	}
	return client, nil
}

func firstCandidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, part := range c.Content.Parts {
		if part != nil && part.Text != "" {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// splitBaseURLAndVersion pulls a trailing "/v1" or "/v1beta"-shaped path
// segment off a configured base URL so it can be passed as HTTPOptions.APIVersion
// instead of being duplicated into every request path.
func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]

	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}

// generateID produces a random hex ID for responses that don't include one.
func generateID() string {
	return fmt.Sprintf("gemini-%x", rand.Int63())
}

// ProviderError is a structured error returned by the Gemini API (SDK wrapper).
type ProviderError struct {
	StatusCode int
	Message    string
	BodyPrefix string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("gemini: %s (status=%d)", e.Message, e.StatusCode)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }
func (e *ProviderError) Preview() string { return e.BodyPrefix }

func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if len(msg) > 256 {
			msg = msg[:256]
		}
		return &ProviderError{
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
			BodyPrefix: msg,
		}
	}
	return err
}
