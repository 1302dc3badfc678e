// Package proxy is the gateway's HTTP surface: it terminates client
// connections, authenticates the bearer token, runs admission through the
// policy engine, and drives either a single provider call or a streaming
// cascade.
//
// Key design constraints carried from the teacher:
//   - Logger, cache, and rate limiter are optional and nil-safe.
//   - All I/O uses context.Context so timeouts propagate correctly.
//   - Streaming responses are pass-through (SSE); they are never cached.
package proxy

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/scribeai/gateway/internal/auth"
	"github.com/scribeai/gateway/internal/cache"
	"github.com/scribeai/gateway/internal/cascade"
	"github.com/scribeai/gateway/internal/keyvault"
	"github.com/scribeai/gateway/internal/knowledge"
	"github.com/scribeai/gateway/internal/logger"
	"github.com/scribeai/gateway/internal/metrics"
	"github.com/scribeai/gateway/internal/policy"
	"github.com/scribeai/gateway/internal/providers"
	"github.com/scribeai/gateway/internal/ratelimit"
	"github.com/scribeai/gateway/internal/store"
	"github.com/scribeai/gateway/internal/transcription"
	"github.com/scribeai/gateway/internal/usage"
)

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events. Defaults to
	// slog.Default() when nil.
	Logger *slog.Logger

	// ProviderTimeout is the per-provider upstream call timeout.
	// Default: providers.ProviderTimeout (30s).
	ProviderTimeout time.Duration

	// CBConfig is not read by NewGateway: the circuit breaker in use is the
	// one inside the orchestrator passed as Deps.Cascade, configured where
	// that orchestrator is built.
	CBConfig cascade.CBConfig

	// Metrics enables Prometheus metrics collection. When nil, metrics are
	// disabled.
	Metrics *metrics.Registry

	// CacheTTL is how long a cached non-streaming response stays valid.
	// Default: 1h. Has no effect when Deps.ResponseCache is nil.
	CacheTTL time.Duration
}

// Gateway is the HTTP-facing dispatcher — all dependencies are injected via
// the constructor so they can be replaced with mock doubles in unit tests.
type Gateway struct {
	providers map[string]providers.Provider
	health    *HealthChecker
	server    *Server
	baseCtx   context.Context
	log       *slog.Logger
	metrics   *metrics.Registry

	auth      *auth.Gateway
	users     auth.UserStore
	policy    *policy.Engine
	vault     *keyvault.Vault
	st        *store.Store
	cascade   *cascade.Orchestrator
	knowledge *knowledge.Injector
	usageRec  *usage.Recorder
	transcribe *transcription.Vendor
	reqLog    *logger.Logger

	cache           cache.Cache
	cacheTTL        time.Duration
	cacheExclusions *cache.ExclusionList

	providerTimeout time.Duration

	rpmLimiter *ratelimit.RPMLimiter

	corsOrigins []string
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// SetRateLimiters injects the RPM rate limiter.
func (g *Gateway) SetRateLimiters(rpm *ratelimit.RPMLimiter) {
	g.rpmLimiter = rpm
}

// SetCacheExclusions installs the list of models that must never be served
// from or written to the response cache, regardless of CacheTTL. Nil
// disables exclusions (every cacheable request is eligible).
func (g *Gateway) SetCacheExclusions(exclusions *cache.ExclusionList) {
	g.cacheExclusions = exclusions
}

// Deps bundles every collaborator the Gateway dispatches to. Building this
// is app.initGateway's job; the Gateway itself holds no construction logic
// for its dependencies, only for their HTTP wiring.
type Deps struct {
	Providers  map[string]providers.Provider
	Auth       *auth.Gateway
	Users      auth.UserStore
	Policy     *policy.Engine
	Vault      *keyvault.Vault
	Store      *store.Store
	Cascade    *cascade.Orchestrator
	Knowledge  *knowledge.Injector
	Usage      *usage.Recorder
	Transcribe *transcription.Vendor
	CacheReady func() bool
	DBReady    func() bool

	// ResponseCache, when non-nil, enables exact-match caching of
	// non-streaming /ai/generate responses. Nil disables the response
	// cache entirely (every request reaches the provider).
	ResponseCache cache.Cache

	// RequestLog records one non-blocking structured entry per AI-proxy
	// request (provider, model, tokens, latency, status, cached). Nil
	// disables it.
	RequestLog *logger.Logger
}

// NewGateway builds a fully wired Gateway.
func NewGateway(baseCtx context.Context, deps Deps, opts GatewayOptions) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	providerTimeout := opts.ProviderTimeout
	if providerTimeout <= 0 {
		providerTimeout = providers.ProviderTimeout
	}

	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}

	gw := &Gateway{
		providers:       deps.Providers,
		baseCtx:         baseCtx,
		log:             log,
		metrics:         opts.Metrics,
		auth:            deps.Auth,
		users:           deps.Users,
		policy:          deps.Policy,
		vault:           deps.Vault,
		st:              deps.Store,
		cascade:         deps.Cascade,
		knowledge:       deps.Knowledge,
		usageRec:        deps.Usage,
		transcribe:      deps.Transcribe,
		reqLog:          deps.RequestLog,
		cache:           deps.ResponseCache,
		cacheTTL:        cacheTTL,
		providerTimeout: providerTimeout,
	}

	if len(deps.Providers) > 0 {
		gw.health = NewHealthChecker(baseCtx, deps.Providers, deps.CacheReady, deps.DBReady, gw.metrics)
	}

	return gw
}

// loadUser fetches the account behind a verified access token's userID
// claim, for endpoints that need more than the claim alone carries.
func (g *Gateway) loadUser(ctx context.Context, userID string) (*auth.User, error) {
	if g.users == nil {
		return nil, auth.ErrUserNotFound
	}
	return g.users.ByID(ctx, userID)
}

// recordUsage is the non-blocking hook every admitted request calls after
// its response (streaming or not) finishes. Failures are logged and
// discarded — the hot path never awaits this (§4.7).
func (g *Gateway) recordUsage(userID, action, provider string, tokens int) {
	if g.usageRec == nil {
		return
	}
	g.usageRec.Record(usage.Event{
		UserID:     userID,
		Action:     action,
		Provider:   provider,
		TokensUsed: tokens,
	})
}

// logRequest is the non-blocking structured request-log hook every
// AI-proxy and transcription request calls after it finishes. Distinct
// from recordUsage: this is operational telemetry (latency, status,
// cache hit), not a billing event.
func (g *Gateway) logRequest(id uuid.UUID, provider, model string, inputTokens, outputTokens uint32, latency time.Duration, status int, cached bool) {
	if g.reqLog == nil {
		return
	}
	g.reqLog.Log(logger.RequestLog{
		ID:           id,
		Provider:     provider,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		LatencyMs:    uint16(latency.Milliseconds()),
		Status:       uint16(status),
		Cached:       cached,
		CreatedAt:    time.Now(),
	})
}
