package proxy

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/scribeai/gateway/internal/auth"
	"github.com/scribeai/gateway/internal/policy"
	"github.com/scribeai/gateway/internal/transcription"
	"github.com/scribeai/gateway/pkg/apierr"
)

type transcriptionTokenRequest struct {
	Provider string `json:"provider"`
}

// handleTranscriptionToken implements POST /api/proxy/transcription/token.
func (g *Gateway) handleTranscriptionToken(ctx *fasthttp.RequestCtx) {
	actor, ok := g.requireAuth(ctx)
	if !ok {
		return
	}

	if g.transcribe == nil {
		apierr.WriteKind(ctx, "provider_not_configured", "transcription is not configured")
		return
	}

	user, err := g.loadUser(ctx, actor.userID)
	if err != nil {
		apierr.WriteKind(ctx, "user_not_found", "user not found")
		return
	}
	if user.Role == auth.RoleBlocked {
		apierr.WriteKind(ctx, "account_blocked", "account is blocked")
		return
	}
	if err := g.policy.CheckTranscription(policy.Plan(user.Plan)); err != nil {
		writePolicyError(ctx, err)
		return
	}

	var req transcriptionTokenRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteKind(ctx, "invalid_request", "invalid JSON body")
		return
	}

	requestID := uuid.New()
	start := time.Now()
	token, err := g.transcribe.Mint(ctx, actor.userID, transcription.Provider(req.Provider))
	latency := time.Since(start)
	if err != nil {
		status := fasthttp.StatusBadGateway
		if terr, ok := err.(*transcription.Error); ok {
			apierr.WriteKind(ctx, string(terr.Kind), terr.Msg)
		} else {
			apierr.WriteKind(ctx, "server_error", err.Error())
		}
		g.logRequest(requestID, req.Provider, "", 0, 0, latency, status, false)
		return
	}
	g.recordUsage(actor.userID, "transcription", req.Provider, 0)
	g.logRequest(requestID, req.Provider, "", 0, 0, latency, fasthttp.StatusOK, false)

	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"token":     token.Token,
		"expiresAt": token.ExpiresAt,
	})
}
