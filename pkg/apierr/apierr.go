// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeInternalError     = "internal_error"
	CodeProviderError     = "provider_error"
	CodeRequestTimeout    = "request_timeout"
	CodeNotImplemented    = "not_implemented"
	CodeInvalidRequest    = "invalid_request"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteProviderError maps a provider HTTP status to the appropriate gateway status.
//
//	Provider 429  → 429 + Retry-After: 60
//	Provider 5xx  → 502
//	Default       → 502
//
// Timeouts are not handled here; WriteTimeout writes the 504.
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	switch {
	case providerStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
	case providerStatus >= 500 && providerStatus < 600:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	}
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// kindStatus maps every canonical error kind the gateway's auth and
// admission layers can produce to an HTTP status code and error type.
// Unlisted kinds fall back to 500/server_error in WriteKind.
var kindStatus = map[string]struct {
	status  int
	errType string
}{
	"unauthorized":             {fasthttp.StatusUnauthorized, TypeAuthenticationErr},
	"invalid_token":            {fasthttp.StatusUnauthorized, TypeAuthenticationErr},
	"token_revoked":            {fasthttp.StatusUnauthorized, TypeAuthenticationErr},
	"oauth_user":               {fasthttp.StatusUnauthorized, TypeAuthenticationErr},
	"account_blocked":          {fasthttp.StatusForbidden, TypeAuthenticationErr},
	"email_exists":             {fasthttp.StatusConflict, TypeInvalidRequest},
	"oauth_account_exists":     {fasthttp.StatusConflict, TypeInvalidRequest},
	"device_limit":             {fasthttp.StatusForbidden, TypeInvalidRequest},
	"invalid_request":          {fasthttp.StatusBadRequest, TypeInvalidRequest},
	"user_not_found":           {fasthttp.StatusNotFound, TypeInvalidRequest},
	"daily_limit_reached":      {fasthttp.StatusForbidden, TypeRateLimitError},
	"smart_mode_not_available": {fasthttp.StatusForbidden, TypeInvalidRequest},
	"transcription_not_available": {fasthttp.StatusForbidden, TypeInvalidRequest},
	"provider_not_configured":  {fasthttp.StatusBadGateway, TypeProviderError},
	"unsupported_provider":     {fasthttp.StatusBadRequest, TypeInvalidRequest},
	"unsupported_model":        {fasthttp.StatusBadRequest, TypeInvalidRequest},
	"no_providers":             {fasthttp.StatusBadGateway, TypeProviderError},
	"provider_error":           {fasthttp.StatusBadGateway, TypeProviderError},
	"all_providers_failed":     {fasthttp.StatusBadGateway, TypeProviderError},
	"server_error":             {fasthttp.StatusInternalServerError, TypeServerError},
	"slow_down":                {fasthttp.StatusTooManyRequests, TypeRateLimitError},
	"expired_token":            {fasthttp.StatusBadRequest, TypeInvalidRequest},
	"denied":                   {fasthttp.StatusBadRequest, TypeInvalidRequest},
}

// WriteKind writes the JSON error envelope for one of the gateway's
// canonical error kinds (auth, admission, or cascade), using kind itself
// as both the response's "code" and the lookup key for its HTTP status.
func WriteKind(ctx *fasthttp.RequestCtx, kind, message string) {
	mapped, ok := kindStatus[kind]
	if !ok {
		mapped = kindStatus["server_error"]
	}
	Write(ctx, mapped.status, message, mapped.errType, kind)
}
