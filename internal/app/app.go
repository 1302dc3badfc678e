// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     — Redis connection (always required; backs auth, cache,
//     rate limiting, and usage counters)
//  2. initSecurity  — KeyVault, seeded from configured provider admin keys
//  3. initProviders — LLM provider clients
//  4. initServices  — cache backend, metrics registry, usage recorder
//  5. initGateway   — auth/policy/cascade collaborators + HTTP gateway
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	npCache "github.com/scribeai/gateway/internal/cache"
	"github.com/scribeai/gateway/internal/config"
	"github.com/scribeai/gateway/internal/keyvault"
	"github.com/scribeai/gateway/internal/metrics"
	"github.com/scribeai/gateway/internal/providers"
	anthropicprov "github.com/scribeai/gateway/internal/providers/anthropic"
	geminiprov "github.com/scribeai/gateway/internal/providers/gemini"
	openaiprov "github.com/scribeai/gateway/internal/providers/openai"
	"github.com/scribeai/gateway/internal/proxy"
	"github.com/scribeai/gateway/internal/store"
	"github.com/scribeai/gateway/internal/usage"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	rdb *redis.Client

	memCache  *npCache.MemoryCache
	respCache npCache.Cache
	vault     *keyvault.Vault
	st       *store.Store
	usageRec *usage.Recorder

	prom *metrics.Registry

	provs map[string]providers.Provider
	gw    *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"security", a.initSecurity},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.Int("providers", len(a.provs)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		if err := a.gw.Shutdown(); err != nil {
			a.log.Error("gateway shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Each resource is
// cleared once closed, so a repeated call does not close it twice. Close
// takes no lock and is not safe to call from several goroutines at once.
func (a *App) Close() {
	if a.usageRec != nil {
		if err := a.usageRec.Close(); err != nil {
			a.log.Error("usage recorder close error", slog.String("error", err.Error()))
		}
		a.usageRec = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.vault != nil {
		a.vault.InvalidateAll()
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisPinger returns a zero-argument probe function suitable for the
// HealthChecker. Reuses the existing client — no new connections.
func redisPinger(ctx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}

// buildProviders creates a provider map from non-empty admin API keys. Only
// the four wire formats this gateway's cascade understands are built —
// OpenAI, xAI/Grok (OpenAI-compatible), Anthropic Messages, and Gemini
// generateContent.
func buildProviders(ctx context.Context, cfg *config.Config) map[string]providers.Provider {
	provs := make(map[string]providers.Provider)

	if cfg.OpenAI.APIKey != "" {
		provs["openai"] = openaiprov.New("openai", cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL)
	}
	if cfg.Grok.APIKey != "" {
		provs["grok"] = openaiprov.New("grok", cfg.Grok.APIKey, cfg.Grok.BaseURL)
	}
	if cfg.Anthropic.APIKey != "" {
		provs["anthropic"] = anthropicprov.New(cfg.Anthropic.APIKey, cfg.Anthropic.BaseURL)
	}
	if cfg.Gemini.APIKey != "" {
		provs["gemini"] = geminiprov.New(ctx, cfg.Gemini.APIKey, cfg.Gemini.BaseURL)
	}

	return provs
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
