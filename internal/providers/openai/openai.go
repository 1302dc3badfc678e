// Package openai implements the OpenAI-compatible adapter: it serves both
// OpenAI itself and Grok (xAI), which exposes an identical /v1/chat/completions
// wire format under a different base URL.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/scribeai/gateway/internal/providers"
	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// newTokenModelPrefixes lists the model-id prefixes that require the
// max_completion_tokens field instead of max_tokens (§4.3).
var newTokenModelPrefixes = []string{"gpt-5", "gpt-4.1", "o4-", "o1-"}

// Provider is a configurable OpenAI-compatible provider. The same type
// serves both "openai" and "grok" — only name/apiKey/baseURL differ.
type Provider struct {
	name    string
	apiKey  string
	baseURL string
	client  openaiSDK.Client
	http    *http.Client
}

// New creates an OpenAI-compatible provider.
//
//   - name    — "openai" or "grok"; used for routing, logs, and errors.
//   - apiKey  — sent as "Authorization: Bearer <key>".
//   - baseURL — e.g. "https://api.x.ai/v1" for Grok; empty uses OpenAI's default.
func New(name, apiKey, baseURL string) *Provider {
	httpClient := &http.Client{Timeout: providers.ProviderTimeout}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpClient),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &Provider{
		name:    name,
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  openaiSDK.NewClient(opts...),
		http:    httpClient,
	}
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", p.name, p.toProviderError(err))
	}
	return nil
}

func (p *Provider) Request(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	params := p.buildParams(req)

	resp, err := p.client.Chat.Completions.New(ctx, params, p.keyOpt(req.APIKey))
	if err != nil {
		return nil, p.toProviderError(err)
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	return &providers.Response{
		ID:      resp.ID,
		Model:   resp.Model,
		Content: content,
		Usage: providers.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

func (p *Provider) Stream(ctx context.Context, req *providers.Request) (<-chan providers.StreamChunk, func(), error) {
	params := p.buildParams(req)
	streamCtx, cancel := context.WithCancel(ctx)

	stream := p.client.Chat.Completions.NewStreaming(streamCtx, params, p.keyOpt(req.APIKey))

	ch := make(chan providers.StreamChunk, 16)
	go func() {
		defer close(ch)
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			select {
			case ch <- providers.StreamChunk{Content: delta}:
			case <-streamCtx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil {
			select {
			case ch <- providers.StreamChunk{Err: p.toProviderError(err)}:
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

func (p *Provider) buildParams(req *providers.Request) openaiSDK.ChatCompletionNewParams {
	params := openaiSDK.ChatCompletionNewParams{
		Model:       req.Model,
		Messages:    []openaiSDK.ChatCompletionMessageParamUnion{openaiSDK.SystemMessage(req.SystemPrompt)},
		Temperature: openaiSDK.Float(0.7),
	}

	params.Messages = append(params.Messages, userMessage(req.UserMessage, req.ImageBase64))

	if req.MaxTokens > 0 {
		if usesMaxCompletionTokens(req.Model) {
			params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
		} else {
			params.MaxTokens = openaiSDK.Int(int64(req.MaxTokens))
		}
	}

	return params
}

// usesMaxCompletionTokens reports whether model requires the newer
// max_completion_tokens field rather than the legacy max_tokens field.
func usesMaxCompletionTokens(model string) bool {
	for _, prefix := range newTokenModelPrefixes {
		if len(model) >= len(prefix) && model[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// userMessage builds the user turn. With no image this is plain text content;
// with a screenshot present it becomes the two-part vision array the spec
// requires: a text part followed by an image_url data-URI part.
func userMessage(text, imageBase64 string) openaiSDK.ChatCompletionMessageParamUnion {
	if imageBase64 == "" {
		return openaiSDK.UserMessage(text)
	}

	dataURL := "data:image/jpeg;base64," + imageBase64
	return openaiSDK.ChatCompletionMessageParamUnion{
		OfUser: &openaiSDK.ChatCompletionUserMessageParam{
			Content: openaiSDK.ChatCompletionUserMessageParamContentUnion{
				OfArrayOfContentParts: []openaiSDK.ChatCompletionContentPartUnionParam{
					{OfText: &openaiSDK.ChatCompletionContentPartTextParam{Text: text}},
					{OfImageURL: &openaiSDK.ChatCompletionContentPartImageParam{
						ImageURL: openaiSDK.ChatCompletionContentPartImageImageURLParam{URL: dataURL},
					}},
				},
			},
		},
	}
}

func (p *Provider) keyOpt(overrideKey string) option.RequestOption {
	key := overrideKey
	if key == "" {
		key = p.apiKey
	}
	return option.WithAPIKey(key)
}

// ProviderError is a structured error returned by an OpenAI-compatible API,
// carrying enough to classify retryability and render a client-facing
// message without re-parsing the upstream body downstream.
type ProviderError struct {
	Name       string
	StatusCode int
	Message    string
	BodyPrefix string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s (status=%d)", e.Name, e.Message, e.StatusCode)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }
func (e *ProviderError) Preview() string { return e.BodyPrefix }

func (p *Provider) toProviderError(err error) error {
	var apiErr *openaiSDK.Error
	if errors.As(err, &apiErr) {
		body := apiErr.RawJSON()
		if len(body) > 256 {
			body = body[:256]
		}
		return &ProviderError{
			Name:       p.name,
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Error(),
			BodyPrefix: body,
		}
	}
	return err
}
