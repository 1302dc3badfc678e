package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/scribeai/gateway/internal/providers"
)

const (
	defaultBaseURL       = "https://api.anthropic.com/v1"
	providerName         = "anthropic"
	defaultMaxTokens     = 4096
	anthropicVersion     = "2023-06-01"
	interleavedThinking  = "interleaved-thinking-2025-05-14"
	maxThinkingBudget    = 10000
)

// Provider implements providers.Provider for Anthropic (official SDK).
type Provider struct {
	apiKey  string
	baseURL string
	client  anthropic.Client
}

// New creates a new Anthropic Provider. baseURL empty uses the public API.
func New(apiKey, baseURL string) *Provider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	p := &Provider{apiKey: apiKey, baseURL: baseURL}

	p.client = anthropic.NewClient(
		option.WithAPIKey(p.apiKey),
		option.WithBaseURL(p.baseURL),
		option.WithHeader("anthropic-version", anthropicVersion),
		option.WithHTTPClient(&http.Client{Timeout: providers.ProviderTimeout}),
	)

	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(1)})
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", toProviderError(err))
	}
	return nil
}

func (p *Provider) Request(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	params := p.buildParams(req)
	opts := p.requestOptions(req)

	msg, err := p.client.Messages.New(ctx, params, opts...)
	if err != nil {
		return nil, toProviderError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		if tb, ok := b.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}

	return &providers.Response{
		ID:      msg.ID,
		Model:   string(msg.Model),
		Content: sb.String(),
		Usage: providers.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

func (p *Provider) Stream(ctx context.Context, req *providers.Request) (<-chan providers.StreamChunk, func(), error) {
	params := p.buildParams(req)
	opts := p.requestOptions(req)
	streamCtx, cancel := context.WithCancel(ctx)

	stream := p.client.Messages.NewStreaming(streamCtx, params, opts...)

	ch := make(chan providers.StreamChunk, 16)
	go func() {
		defer close(ch)

		for stream.Next() {
			ev := stream.Current()

			blockDelta, ok := ev.AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			textDelta, ok := blockDelta.Delta.AsAny().(anthropic.TextDelta)
			if !ok || textDelta.Text == "" {
				// Thinking deltas are intentionally not forwarded to the client.
				continue
			}
			select {
			case ch <- providers.StreamChunk{Content: textDelta.Text}:
			case <-streamCtx.Done():
				return
			}
		}

		if err := stream.Err(); err != nil {
			select {
			case ch <- providers.StreamChunk{Err: toProviderError(err)}:
			case <-streamCtx.Done():
			}
			return
		}
		select {
		case ch <- providers.StreamChunk{Done: true}:
		case <-streamCtx.Done():
		}
	}()

	return ch, cancel, nil
}

func (p *Provider) buildParams(req *providers.Request) anthropic.MessageNewParams {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  []anthropic.MessageParam{userMessage(req.UserMessage, req.ImageBase64)},
	}

	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}

	if req.SmartMode {
		budget := maxTokens * 2
		if budget > maxThinkingBudget {
			budget = maxThinkingBudget
		}
		params.Thinking = anthropic.ThinkingConfigParamUnion{
			OfEnabled: &anthropic.ThinkingConfigEnabledParam{BudgetTokens: int64(budget)},
		}
	}

	return params
}

// userMessage builds the single user turn. Vision content is a two-part
// array — text then a base64 image block — exactly as Anthropic expects.
func userMessage(text, imageBase64 string) anthropic.MessageParam {
	blocks := []anthropic.ContentBlockParamUnion{
		{OfText: &anthropic.TextBlockParam{Text: text}},
	}

	if imageBase64 != "" {
		blocks = append(blocks, anthropic.ContentBlockParamUnion{
			OfImage: &anthropic.ImageBlockParam{
				Source: anthropic.ImageBlockParamSourceUnion{
					OfBase64: &anthropic.Base64ImageSourceParam{
						MediaType: "image/jpeg",
						Data:      imageBase64,
					},
				},
			},
		})
	}

	return anthropic.MessageParam{
		Role:    anthropic.MessageParamRoleUser,
		Content: blocks,
	}
}

// requestOptions applies the per-request API key override and, in smart
// mode, the interleaved-thinking beta header (§4.3 — beta header is sent
// only when smartMode is on).
func (p *Provider) requestOptions(req *providers.Request) []option.RequestOption {
	key := req.APIKey
	if key == "" {
		key = p.apiKey
	}

	opts := []option.RequestOption{option.WithAPIKey(key)}
	if req.SmartMode {
		opts = append(opts, option.WithHeader("anthropic-beta", interleavedThinking))
	}
	return opts
}

// ProviderError is a structured error returned by the Anthropic API.
type ProviderError struct {
	StatusCode int
	Message    string
	BodyPrefix string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("anthropic: %s (status=%d)", e.Message, e.StatusCode)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }
func (e *ProviderError) Preview() string { return e.BodyPrefix }

func toProviderError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		body := apierr.RawJSON()
		if len(body) > 256 {
			body = body[:256]
		}
		return &ProviderError{
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
			BodyPrefix: body,
		}
	}
	return err
}
