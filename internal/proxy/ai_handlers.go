package proxy

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/scribeai/gateway/internal/auth"
	"github.com/scribeai/gateway/internal/logger"
	"github.com/scribeai/gateway/internal/policy"
	"github.com/scribeai/gateway/internal/providers"
	"github.com/scribeai/gateway/pkg/apierr"
)

// cachedGenerateResponse is the JSON shape stored under a response-cache
// key — just enough to replay handleGenerate's success response and usage
// accounting without calling the provider again.
type cachedGenerateResponse struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	InputTokens  int    `json:"inputTokens"`
	OutputTokens int    `json:"outputTokens"`
}

// buildCacheKey derives a deterministic response-cache key from everything
// that can change the provider's answer: the resolved provider and model,
// the fully-merged system prompt (including any injected knowledge atoms),
// the user message, and the token budget. The requesting user is folded in
// too, since systemPrompt can carry user-specific knowledge-injection
// content that must never leak across accounts.
func buildCacheKey(userID, provider string, preq *providers.Request) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%d", userID, provider, preq.Model, preq.SystemPrompt, preq.UserMessage, preq.MaxTokens)
	return "cache:" + hex.EncodeToString(h.Sum(nil))
}

type generateRequest struct {
	Provider     string `json:"provider"`
	SmartMode    bool   `json:"smartMode"`
	SystemPrompt string `json:"systemPrompt"`
	UserMessage  string `json:"userMessage"`
	Screenshot   string `json:"screenshot"`
	MaxTokens    int    `json:"maxTokens"`
}

// admit runs the shared admission path every AI-proxy endpoint needs: auth,
// blocked-role check, JSON parse, and policy resolution. It writes the
// response itself and returns ok=false on any rejection (§8 invariants
// 1-4: no upstream call happens before this returns).
func (g *Gateway) admit(ctx *fasthttp.RequestCtx, streaming bool) (authContext, *generateRequest, *policy.Decision, *auth.User, bool) {
	actor, ok := g.requireAuth(ctx)
	if !ok {
		return authContext{}, nil, nil, nil, false
	}

	user, err := g.loadUser(ctx, actor.userID)
	if err != nil {
		apierr.WriteKind(ctx, "user_not_found", "user not found")
		return authContext{}, nil, nil, nil, false
	}
	if user.Role == auth.RoleBlocked {
		apierr.WriteKind(ctx, "account_blocked", "account is blocked")
		return authContext{}, nil, nil, nil, false
	}

	var req generateRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteKind(ctx, "invalid_request", "invalid JSON body")
		return authContext{}, nil, nil, nil, false
	}
	if req.SystemPrompt == "" && req.UserMessage == "" {
		apierr.WriteKind(ctx, "invalid_request", "userMessage is required")
		return authContext{}, nil, nil, nil, false
	}

	dailyCount, err := g.st.CountToday(ctx, actor.userID, "ai_request")
	if err != nil {
		g.log.ErrorContext(ctx, "usage_count_error", slog.String("error", err.Error()))
	}

	providerNames := make([]string, 0, len(g.providers))
	for name := range g.providers {
		providerNames = append(providerNames, name)
	}
	configured := g.vault.ConfiguredProviders(ctx, providerNames)

	decision, err := g.policy.Resolve(policy.Input{
		Plan:                policy.Plan(user.Plan),
		RequestedProvider:   req.Provider,
		SmartMode:           req.SmartMode,
		DailyRequestCount:   dailyCount,
		RequestedMaxTokens:  req.MaxTokens,
		ConfiguredProviders: configured,
		Streaming:           streaming,
	})
	if err != nil {
		writePolicyError(ctx, err)
		return authContext{}, nil, nil, nil, false
	}

	return actor, &req, decision, user, true
}

func (g *Gateway) buildProviderRequest(ctx *fasthttp.RequestCtx, actor authContext, req *generateRequest, decision *policy.Decision, model string, isEnterprise bool) *providers.Request {
	systemPrompt := req.SystemPrompt
	if g.knowledge != nil {
		merged, recordUsage := g.knowledge.Inject(ctx, actor.userID, req.UserMessage, systemPrompt, isEnterprise)
		systemPrompt = merged
		if recordUsage != nil {
			defer recordUsage(g.baseCtx, true)
		}
	}

	requestID, _ := ctx.UserValue("request_id").(string)
	return &providers.Request{
		Model:        model,
		SystemPrompt: systemPrompt,
		UserMessage:  req.UserMessage,
		ImageBase64:  req.Screenshot,
		MaxTokens:    decision.MaxTokens,
		SmartMode:    req.SmartMode,
		RequestID:    requestID,
	}
}

// handleGenerate implements POST /api/proxy/ai/generate: a single
// non-streaming call to one resolved provider, no cascade.
func (g *Gateway) handleGenerate(ctx *fasthttp.RequestCtx) {
	actor, req, decision, user, ok := g.admit(ctx, false)
	if !ok {
		return
	}

	providerName := req.Provider
	if providerName == "" {
		providerName, ok = policy.ResolveProvider(decision.Model)
		if !ok {
			apierr.WriteKind(ctx, "unsupported_model", "model does not map to a known provider")
			return
		}
	}

	prov, ok := g.providers[providerName]
	if !ok {
		apierr.WriteKind(ctx, "provider_not_configured", "provider not available")
		return
	}

	apiKey, err := g.vault.Key(ctx, providerName)
	if err != nil {
		apierr.WriteKind(ctx, "provider_not_configured", "provider has no active admin key")
		return
	}

	preq := g.buildProviderRequest(ctx, actor, req, decision, decision.Model, user.Plan == auth.Plan(policy.PlanEnterprise))
	preq.APIKey = apiKey
	preq.Stream = false

	cacheEligible := g.cache != nil && (g.cacheExclusions == nil || !g.cacheExclusions.Matches(decision.Model))
	var cacheKey string
	if cacheEligible {
		cacheKey = buildCacheKey(actor.userID, providerName, preq)
		if cached, hit := g.cache.Get(ctx, cacheKey); hit {
			var payload cachedGenerateResponse
			if err := json.Unmarshal(cached, &payload); err == nil {
				if g.metrics != nil {
					g.metrics.CacheGetHit()
				}
				totalTokens := payload.InputTokens + payload.OutputTokens
				g.st.IncrementDaily(ctx, actor.userID, "ai_request")
				g.recordUsage(actor.userID, "ai_request", providerName, totalTokens)
				if req.SmartMode {
					g.recordUsage(actor.userID, "smart_mode", providerName, totalTokens)
				}
				ctx.Response.Header.Set("X-Cache", "HIT")
				g.logRequest(uuid.New(), providerName, payload.Model, uint32(payload.InputTokens), uint32(payload.OutputTokens), 0, fasthttp.StatusOK, true)
				writeJSON(ctx, fasthttp.StatusOK, map[string]any{
					"content":    payload.Content,
					"provider":   providerName,
					"model":      payload.Model,
					"latencyMs":  0,
					"tokensUsed": totalTokens,
				})
				return
			}
		}
		if g.metrics != nil {
			g.metrics.CacheGetMiss()
		}
	} else if g.metrics != nil {
		g.metrics.CacheGetBypass()
	}

	reqCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	requestID := uuid.New()
	start := time.Now()
	resp, err := prov.Request(reqCtx, preq)
	latency := time.Since(start)
	if err != nil {
		status := fasthttp.StatusBadGateway
		if g.metrics != nil {
			g.metrics.RecordError(providerName, "request_error")
		}
		if sc, ok := err.(providers.StatusCoder); ok {
			status = sc.HTTPStatus()
			apierr.WriteProviderError(ctx, status, err.Error())
		} else {
			apierr.WriteKind(ctx, "provider_error", err.Error())
		}
		g.logRequest(requestID, providerName, decision.Model, 0, 0, latency, status, false)
		return
	}

	g.st.IncrementDaily(ctx, actor.userID, "ai_request")
	totalTokens := resp.Usage.InputTokens + resp.Usage.OutputTokens
	g.recordUsage(actor.userID, "ai_request", providerName, totalTokens)
	if req.SmartMode {
		g.recordUsage(actor.userID, "smart_mode", providerName, totalTokens)
	}
	if g.metrics != nil {
		g.metrics.AddTokens(providerName, "generate", resp.Usage.InputTokens, resp.Usage.OutputTokens, false)
	}
	g.logRequest(requestID, providerName, resp.Model, uint32(resp.Usage.InputTokens), uint32(resp.Usage.OutputTokens), latency, fasthttp.StatusOK, false)

	if cacheEligible {
		payload := cachedGenerateResponse{
			Content:      resp.Content,
			Model:        resp.Model,
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		}
		if data, merr := json.Marshal(payload); merr == nil {
			if err := g.cache.Set(ctx, cacheKey, data, g.cacheTTL); err != nil {
				if g.metrics != nil {
					g.metrics.CacheSetError()
				}
			} else if g.metrics != nil {
				g.metrics.CacheSetOK()
			}
		}
	}

	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"content":    resp.Content,
		"provider":   providerName,
		"model":      resp.Model,
		"latencyMs":  latency.Milliseconds(),
		"tokensUsed": totalTokens,
	})
}

// handleStream implements POST /api/proxy/ai/stream: an SSE cascade across
// the resolved ordered candidate list, first-byte-commit semantics
// enforced entirely by internal/cascade.
func (g *Gateway) handleStream(ctx *fasthttp.RequestCtx) {
	actor, req, decision, user, ok := g.admit(ctx, true)
	if !ok {
		return
	}

	mode := "standard"
	if req.SmartMode {
		mode = "smart"
	}
	ctx.Response.Header.Set("X-Cascade-Mode", mode)
	ctx.Response.Header.Set("Content-Type", "text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")

	preq := g.buildProviderRequest(ctx, actor, req, decision, "", user.Plan == auth.Plan(policy.PlanEnterprise))
	preq.Stream = true

	reqCtx, cancel := context.WithCancel(g.baseCtx)
	events := g.cascade.Run(reqCtx, decision.Cascade, preq)

	primaryProvider := ""
	if len(decision.Cascade) > 0 {
		primaryProvider = decision.Cascade[0].Provider
	}

	requestID := uuid.New()
	start := time.Now()

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()

		var totalContent string
		for ev := range events {
			if ev.Content != "" {
				totalContent += ev.Content
				frame, _ := json.Marshal(map[string]string{"content": ev.Content})
				fmt.Fprintf(w, "data: %s\n\n", frame)
				if err := w.Flush(); err != nil {
					return
				}
				continue
			}
			if ev.Err != nil {
				frame, _ := json.Marshal(map[string]any{
					"error":   ev.Err.Kind,
					"message": ev.Err.Message,
					"details": ev.Err.Details,
				})
				fmt.Fprintf(w, "data: %s\n\n", frame)
				w.Flush()
				g.logRequest(requestID, primaryProvider, decision.Model, 0, 0, time.Since(start), fasthttp.StatusBadGateway, false)
				return
			}
			if ev.Done {
				fmt.Fprintf(w, "data: [DONE]\n\n")
				w.Flush()
				break
			}
		}

		g.st.IncrementDaily(g.baseCtx, actor.userID, "ai_request")
		g.recordUsage(actor.userID, "ai_request", primaryProvider, len(totalContent))
		if req.SmartMode {
			g.recordUsage(actor.userID, "smart_mode", primaryProvider, len(totalContent))
		}
		g.logRequest(requestID, primaryProvider, decision.Model, 0, uint32(len(totalContent)), time.Since(start), fasthttp.StatusOK, false)
	})
}
