package proxy

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/scribeai/gateway/internal/auth"
	"github.com/scribeai/gateway/internal/policy"
	"github.com/scribeai/gateway/pkg/apierr"
)

// authContext is what every protected handler needs from a verified bearer
// token.
type authContext struct {
	userID   string
	deviceID string
}

// requireAuth parses the Authorization header and verifies the access
// token. On failure it writes the 401 response itself and returns ok=false.
func (g *Gateway) requireAuth(ctx *fasthttp.RequestCtx) (authContext, bool) {
	raw := string(ctx.Request.Header.Peek("Authorization"))
	token := parseBearerToken(raw)
	if token == "" {
		apierr.WriteKind(ctx, "unauthorized", "missing bearer token")
		return authContext{}, false
	}
	userID, deviceID, err := g.auth.Verify(token)
	if err != nil {
		apierr.WriteKind(ctx, "invalid_token", "invalid or expired access token")
		return authContext{}, false
	}
	return authContext{userID: userID, deviceID: deviceID}, true
}

func parseBearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		apierr.WriteKind(ctx, "server_error", "failed to serialize response")
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// writeAuthError maps an *auth.Error to its canonical §7 kind.
func writeAuthError(ctx *fasthttp.RequestCtx, err error) {
	if aerr, ok := err.(*auth.Error); ok {
		apierr.WriteKind(ctx, string(aerr.Kind), aerr.Msg)
		return
	}
	apierr.WriteKind(ctx, "server_error", err.Error())
}

// writePolicyError maps a *policy.DenialError to its canonical §7 kind.
func writePolicyError(ctx *fasthttp.RequestCtx, err error) {
	if derr, ok := err.(*policy.DenialError); ok {
		apierr.WriteKind(ctx, string(derr.Reason), string(derr.Reason))
		return
	}
	apierr.WriteKind(ctx, "server_error", err.Error())
}

type deviceCodeRequest struct {
	DeviceName string `json:"deviceName"`
	Platform   string `json:"platform"`
}

// handleDeviceCode implements POST /api/auth/device/code.
func (g *Gateway) handleDeviceCode(ctx *fasthttp.RequestCtx) {
	var req deviceCodeRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteKind(ctx, "invalid_request", "invalid JSON body")
		return
	}

	code, err := g.auth.RequestDeviceCode(ctx, req.DeviceName, req.Platform)
	if err != nil {
		g.log.ErrorContext(ctx, "device_code_error", slog.String("error", err.Error()))
		writeAuthError(ctx, err)
		return
	}

	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"deviceCode":      code.DeviceCode,
		"userCode":        code.UserCode,
		"verificationUri": code.VerificationURI,
		"expiresIn":       code.ExpiresIn,
		"interval":        code.Interval,
	})
}

type devicePollRequest struct {
	DeviceCode string `json:"deviceCode"`
	DeviceID   string `json:"deviceId"`
}

// handleDevicePoll implements POST /api/auth/device/poll.
func (g *Gateway) handleDevicePoll(ctx *fasthttp.RequestCtx) {
	var req devicePollRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteKind(ctx, "invalid_request", "invalid JSON body")
		return
	}
	if req.DeviceCode == "" || req.DeviceID == "" {
		apierr.WriteKind(ctx, "invalid_request", "deviceCode and deviceId are required")
		return
	}

	result, err := g.auth.PollDeviceCode(ctx, req.DeviceCode, req.DeviceID)
	if err != nil {
		g.log.ErrorContext(ctx, "device_poll_error", slog.String("error", err.Error()))
		writeAuthError(ctx, err)
		return
	}

	if result.Status == auth.KindSlowDown {
		apierr.WriteKind(ctx, "slow_down", "polled faster than the allowed interval")
		return
	}
	if result.Tokens == nil {
		if result.Status == auth.KindAuthorizationPending {
			writeJSON(ctx, fasthttp.StatusOK, map[string]any{"status": result.Status})
			return
		}
		// expired_token or denied: the grant can never produce tokens again.
		apierr.WriteKind(ctx, string(result.Status), "device authorization is no longer valid")
		return
	}

	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"accessToken":  result.Tokens.AccessToken,
		"refreshToken": result.Tokens.RefreshToken,
		"expiresIn":    result.Tokens.ExpiresIn,
		"user": map[string]any{
			"id":    result.User.ID,
			"email": result.User.Email,
			"name":  result.User.Name,
			"plan":  result.User.Plan,
		},
	})
}

func tokensResponse(tokens *auth.Tokens, user *auth.User) map[string]any {
	return map[string]any{
		"accessToken":  tokens.AccessToken,
		"refreshToken": tokens.RefreshToken,
		"expiresIn":    tokens.ExpiresIn,
		"user": map[string]any{
			"id":    user.ID,
			"email": user.Email,
			"name":  user.Name,
			"plan":  user.Plan,
		},
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	DeviceID string `json:"deviceId"`
}

// handleMacLogin implements POST /api/auth/macos/login.
func (g *Gateway) handleMacLogin(ctx *fasthttp.RequestCtx) {
	var req loginRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteKind(ctx, "invalid_request", "invalid JSON body")
		return
	}
	if req.Email == "" || req.Password == "" || req.DeviceID == "" {
		apierr.WriteKind(ctx, "invalid_request", "email, password, and deviceId are required")
		return
	}

	tokens, user, err := g.auth.CredentialLogin(ctx, req.Email, req.Password, req.DeviceID)
	if err != nil {
		writeAuthError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, tokensResponse(tokens, user))
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	DeviceID string `json:"deviceId"`
}

// handleMacRegister implements POST /api/auth/macos/register.
func (g *Gateway) handleMacRegister(ctx *fasthttp.RequestCtx) {
	var req registerRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteKind(ctx, "invalid_request", "invalid JSON body")
		return
	}
	if req.Email == "" || req.Password == "" || req.DeviceID == "" {
		apierr.WriteKind(ctx, "invalid_request", "email, password, and deviceId are required")
		return
	}

	tokens, user, err := g.auth.Register(ctx, req.Name, req.Email, req.Password, req.DeviceID)
	if err != nil {
		writeAuthError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusCreated, tokensResponse(tokens, user))
}

type refreshRequest struct {
	DeviceID     string `json:"deviceId"`
	RefreshToken string `json:"refreshToken"`
}

// handleMacRefresh implements POST /api/auth/macos/refresh.
func (g *Gateway) handleMacRefresh(ctx *fasthttp.RequestCtx) {
	var req refreshRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteKind(ctx, "invalid_request", "invalid JSON body")
		return
	}
	if req.DeviceID == "" || req.RefreshToken == "" {
		apierr.WriteKind(ctx, "invalid_request", "deviceId and refreshToken are required")
		return
	}

	tokens, err := g.auth.Refresh(ctx, req.DeviceID, req.RefreshToken)
	if err != nil {
		writeAuthError(ctx, err)
		return
	}

	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"accessToken":  tokens.AccessToken,
		"refreshToken": tokens.RefreshToken,
		"expiresIn":    tokens.ExpiresIn,
	})
}

type logoutRequest struct {
	DeviceID   string `json:"deviceId"`
	AllDevices bool   `json:"allDevices"`
}

// handleMacLogout implements POST /api/auth/macos/logout.
func (g *Gateway) handleMacLogout(ctx *fasthttp.RequestCtx) {
	actor, ok := g.requireAuth(ctx)
	if !ok {
		return
	}

	var req logoutRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteKind(ctx, "invalid_request", "invalid JSON body")
		return
	}
	deviceID := req.DeviceID
	if deviceID == "" {
		deviceID = actor.deviceID
	}

	if err := g.auth.Logout(ctx, actor.userID, deviceID, req.AllDevices); err != nil {
		apierr.WriteKind(ctx, "server_error", err.Error())
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"ok": true})
}

// handleLicenseValidate implements POST /api/license/validate: it returns
// the caller's plan and current daily usage against that plan's quota.
func (g *Gateway) handleLicenseValidate(ctx *fasthttp.RequestCtx) {
	actor, ok := g.requireAuth(ctx)
	if !ok {
		return
	}

	user, err := g.loadUser(ctx, actor.userID)
	if err != nil {
		apierr.WriteKind(ctx, "user_not_found", "user not found")
		return
	}

	dailyUsed, err := g.st.CountToday(ctx, actor.userID, "ai_request")
	if err != nil {
		g.log.ErrorContext(ctx, "usage_count_error", slog.String("error", err.Error()))
	}

	limits := g.policy.Limits(policy.Plan(user.Plan))

	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"plan":             user.Plan,
		"dailyLimit":       limits.DailyLimit,
		"dailyUsed":        dailyUsed,
		"maxTokens":        limits.MaxTokens,
		"smartModeAllowed": limits.SmartModeAllowed,
	})
}
