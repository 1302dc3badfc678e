package app

import (
	"context"
	"fmt"
	"log/slog"

	npCache "github.com/scribeai/gateway/internal/cache"
	"github.com/scribeai/gateway/internal/cascade"
	"github.com/scribeai/gateway/internal/keyvault"
	"github.com/scribeai/gateway/internal/knowledge"
	"github.com/scribeai/gateway/internal/logger"
	"github.com/scribeai/gateway/internal/metrics"
	"github.com/scribeai/gateway/internal/policy"
	"github.com/scribeai/gateway/internal/providers"
	"github.com/scribeai/gateway/internal/proxy"
	"github.com/scribeai/gateway/internal/ratelimit"
	"github.com/scribeai/gateway/internal/store"
	"github.com/scribeai/gateway/internal/transcription"
	"github.com/scribeai/gateway/internal/usage"

	authpkg "github.com/scribeai/gateway/internal/auth"
)

// initInfra connects to Redis. Unlike the response cache, the auth,
// rate-limit, and usage-counter stores have no in-process fallback, so this
// connection is always required (config.validate already enforces
// REDIS_URL is set).
func (a *App) initInfra(ctx context.Context) error {
	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.st = store.New(rdb)
	a.log.Info("redis connected")

	return nil
}

// initSecurity builds the KeyVault and seals every configured provider
// admin key into it. The vault's own cipher (not the real runtime store) is
// reused to perform the one-time seal, since Seal never touches the store.
func (a *App) initSecurity(_ context.Context) error {
	sealer, err := keyvault.New(a.cfg.Auth.AdminKeyEncryptionSecret, nil)
	if err != nil {
		return fmt.Errorf("keyvault sealer: %w", err)
	}

	plaintext := map[string]string{
		"openai":    a.cfg.OpenAI.APIKey,
		"grok":      a.cfg.Grok.APIKey,
		"anthropic": a.cfg.Anthropic.APIKey,
		"gemini":    a.cfg.Gemini.APIKey,
		"deepgram":  a.cfg.Deepgram.APIKey,
	}
	keyStore, err := newStaticKeyStore(sealer, plaintext)
	if err != nil {
		return fmt.Errorf("seal admin keys: %w", err)
	}

	vault, err := keyvault.New(a.cfg.Auth.AdminKeyEncryptionSecret, keyStore)
	if err != nil {
		return fmt.Errorf("keyvault: %w", err)
	}
	a.vault = vault

	return nil
}

// initProviders builds the LLM provider map. At least one provider must be
// configured — this is enforced by config.validate() before we reach here.
func (a *App) initProviders(_ context.Context) error {
	a.provs = buildProviders(a.baseCtx, a.cfg)
	if len(a.provs) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(a.provs))
	for n := range a.provs {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the cache backend, the Prometheus metrics registry,
// and the usage recorder. The cache backend (a.respCache) is shared by two
// consumers: the proxy's LLM-response cache and the knowledge package's
// atom store — both depend on the narrow cache.Cache interface rather than
// a concrete backend, so swapping CACHE_MODE changes where both live.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		a.respCache = npCache.NewExactCacheFromClient(a.rdb)
		a.log.Info("cache backend: redis")
	case "memory":
		a.memCache = npCache.NewMemoryCache(ctx)
		a.respCache = a.memCache
		a.log.Info("cache backend: memory (in-process)")
	case "none":
		a.log.Info("cache backend: disabled")
	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	if a.cfg.ClickHouseDSN != "" {
		rec, err := usage.New(a.baseCtx, a.cfg.ClickHouseDSN, a.log)
		if err != nil {
			return fmt.Errorf("usage recorder: %w", err)
		}
		a.usageRec = rec
		a.log.Info("usage recorder: clickhouse")
	} else {
		a.log.Info("usage recorder: disabled (no CLICKHOUSE_DSN)")
	}

	return nil
}

// initGateway wires together the auth, policy, cascade, and knowledge
// collaborators and builds the HTTP-facing Gateway.
func (a *App) initGateway(_ context.Context) error {
	users := newRedisUserStore(a.rdb)

	authGW := authpkg.New(
		users,
		a.st,
		a.cfg.Auth.JWTSigningSecret,
		a.cfg.Auth.VerificationURI,
		a.cfg.Auth.DeviceLimit,
	)

	policyEngine := policy.New(nil, nil)

	breaker := cascade.NewCircuitBreakerWithConfig(cascade.CBConfig{
		ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
		TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
		HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
	})
	orchestrator := cascade.New(providerResolver(a.provs), a.vault, breaker, a.prom)

	var knowledgeRetriever knowledge.KnowledgeRetriever
	if a.respCache != nil {
		knowledgeRetriever = knowledge.NewCacheRetriever(a.respCache)
	}
	knowledgeInjector := knowledge.New(knowledgeRetriever)

	transcribeVendor := transcription.New(
		a.vault,
		a.cfg.Deepgram.WSURL,
		a.cfg.Deepgram.ProjectID,
		a.cfg.Auth.JWTSigningSecret,
	)

	cacheReady := func() bool { return true }
	switch a.cfg.Cache.Mode {
	case "redis":
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	case "none":
		cacheReady = func() bool { return true }
	}

	reqLog, err := logger.New(a.baseCtx, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}

	gw := proxy.NewGateway(a.baseCtx, proxy.Deps{
		Providers:     a.provs,
		Auth:          authGW,
		Users:         users,
		Policy:        policyEngine,
		Vault:         a.vault,
		Store:         a.st,
		Cascade:       orchestrator,
		Knowledge:     knowledgeInjector,
		Usage:         a.usageRec,
		Transcribe:    transcribeVendor,
		CacheReady:    cacheReady,
		DBReady:       redisPinger(a.baseCtx, a.rdb),
		RequestLog:    reqLog,
		ResponseCache: a.respCache,
	}, proxy.GatewayOptions{
		Logger:          a.log,
		ProviderTimeout: a.cfg.ProviderTimeout,
		CBConfig: cascade.CBConfig{
			ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
		},
		Metrics:  a.prom,
		CacheTTL: a.cfg.Cache.TTL,
	})

	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		exclusions, err := npCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		gw.SetCacheExclusions(exclusions)
	}

	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	if a.cfg.RateLimit.RPMLimit > 0 {
		gw.SetRateLimiters(ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit))
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	a.gw = gw

	return nil
}

// providerResolver adapts the plain provider map built by buildProviders to
// cascade.Resolver.
type providerResolver map[string]providers.Provider

func (r providerResolver) Provider(name string) (providers.Provider, bool) {
	p, ok := r[name]
	return p, ok
}
