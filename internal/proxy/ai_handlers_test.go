package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
	"golang.org/x/crypto/bcrypt"

	"github.com/scribeai/gateway/internal/auth"
	"github.com/scribeai/gateway/internal/cache"
	"github.com/scribeai/gateway/internal/cascade"
	"github.com/scribeai/gateway/internal/keyvault"
	"github.com/scribeai/gateway/internal/metrics"
	"github.com/scribeai/gateway/internal/policy"
	"github.com/scribeai/gateway/internal/providers"
	"github.com/scribeai/gateway/internal/store"
)

func okProvider(name string) *funcProvider {
	return &funcProvider{
		name: name,
		requestFn: func(_ context.Context, req *providers.Request) (*providers.Response, error) {
			return &providers.Response{
				ID:      "resp-1",
				Model:   req.Model,
				Content: "hello from " + name,
				Usage:   providers.Usage{InputTokens: 10, OutputTokens: 5},
			}, nil
		},
	}
}

// newAuthedRequest builds a *fasthttp.RequestCtx with a valid bearer token
// for a freshly seeded user, using tg's own auth.Gateway to mint it the same
// way a real client would (credential login against a seeded user).
func newAuthedRequest(t *testing.T, tg *testGateway, plan auth.Plan, role auth.Role) (*fasthttp.RequestCtx, *auth.User) {
	t.Helper()
	hash := mustHashPassword(t, "s3cret-pw")
	user := &auth.User{ID: "u1", Email: "u1@example.com", Name: "Ada", Role: role, Plan: plan, PasswordHash: hash}
	tg.users.put(user)

	tokens, _, err := tg.gw.auth.CredentialLogin(context.Background(), user.Email, "s3cret-pw", "device-1")
	if err != nil {
		t.Fatalf("credential login: %v", err)
	}

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	ctx.SetUserValue("request_id", "req-1")
	return ctx, user
}

func mustHashPassword(t *testing.T, pw string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	return string(hash)
}

func TestHandleGenerate_HappyPath(t *testing.T) {
	tg := newTestGateway(t, map[string]providers.Provider{"openai": okProvider("openai")}, map[string]string{"openai": "sk-test"})

	ctx, _ := newAuthedRequest(t, tg, "free", auth.RoleUser)
	ctx.Request.SetBody([]byte(`{"provider":"openai","userMessage":"hi"}`))

	tg.gw.handleGenerate(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	var body map[string]any
	if err := json.Unmarshal(ctx.Response.Body(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["content"] != "hello from openai" {
		t.Errorf("unexpected content: %v", body["content"])
	}
	if body["provider"] != "openai" {
		t.Errorf("unexpected provider: %v", body["provider"])
	}

	count, err := tg.st.CountToday(context.Background(), "u1", "ai_request")
	if err != nil {
		t.Fatalf("count today: %v", err)
	}
	if count != 1 {
		t.Errorf("expected daily counter incremented to 1, got %d", count)
	}
}

// newTestGatewayWithCache mirrors newTestGateway but also wires a
// cache.MemoryCache as the response cache, for tests exercising
// handleGenerate's cache-hit/cache-miss path.
func newTestGatewayWithCache(t *testing.T, provs map[string]providers.Provider, keys map[string]string) *testGateway {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	st := store.New(rdb)
	users := newFakeUserStore()

	secret := testSecret(t)
	keyStore := newFakeKeyStore(t, secret, keys)
	vault, err := keyvault.New(secret, keyStore)
	if err != nil {
		t.Fatalf("vault: %v", err)
	}

	authGW := auth.New(users, st, []byte("test-signing-secret-32-bytes!!!"), "https://example.test/device", 3)
	policyEngine := policy.New(nil, nil)
	breaker := cascade.NewCircuitBreaker()
	reg := metrics.New()
	orchestrator := cascade.New(providerResolver(provs), vault, breaker, reg)
	respCache := cache.NewMemoryCache(context.Background())
	t.Cleanup(respCache.Close)

	gw := NewGateway(context.Background(), Deps{
		Providers:     provs,
		Auth:          authGW,
		Users:         users,
		Policy:        policyEngine,
		Vault:         vault,
		Store:         st,
		Cascade:       orchestrator,
		CacheReady:    func() bool { return true },
		DBReady:       func() bool { return true },
		ResponseCache: respCache,
	}, GatewayOptions{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:  reg,
		CacheTTL: time.Minute,
	})
	t.Cleanup(func() {
		if gw.health != nil {
			gw.health.Close()
		}
	})

	return &testGateway{gw: gw, users: users, st: st}
}

func TestHandleGenerate_CacheHitSkipsProvider(t *testing.T) {
	var calls int
	prov := &funcProvider{
		name: "openai",
		requestFn: func(_ context.Context, req *providers.Request) (*providers.Response, error) {
			calls++
			return &providers.Response{
				ID:      "resp-1",
				Model:   req.Model,
				Content: "hello from openai",
				Usage:   providers.Usage{InputTokens: 10, OutputTokens: 5},
			}, nil
		},
	}
	tg := newTestGatewayWithCache(t, map[string]providers.Provider{"openai": prov}, map[string]string{"openai": "sk-test"})

	ctx1, _ := newAuthedRequest(t, tg, "free", auth.RoleUser)
	ctx1.Request.SetBody([]byte(`{"provider":"openai","userMessage":"hi"}`))
	tg.gw.handleGenerate(ctx1)
	if ctx1.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("first call: expected 200, got %d: %s", ctx1.Response.StatusCode(), ctx1.Response.Body())
	}
	if calls != 1 {
		t.Fatalf("expected provider called once on miss, got %d", calls)
	}

	ctx2, _ := newAuthedRequest(t, tg, "free", auth.RoleUser)
	ctx2.Request.SetBody([]byte(`{"provider":"openai","userMessage":"hi"}`))
	tg.gw.handleGenerate(ctx2)
	if ctx2.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("second call: expected 200, got %d: %s", ctx2.Response.StatusCode(), ctx2.Response.Body())
	}
	if calls != 1 {
		t.Fatalf("expected provider NOT called again on cache hit, got %d total calls", calls)
	}
	if got := string(ctx2.Response.Header.Peek("X-Cache")); got != "HIT" {
		t.Errorf("expected X-Cache: HIT, got %q", got)
	}

	count, err := tg.st.CountToday(context.Background(), "u1", "ai_request")
	if err != nil {
		t.Fatalf("count today: %v", err)
	}
	if count != 2 {
		t.Errorf("expected daily counter incremented on both miss and hit, got %d", count)
	}
}

func TestHandleGenerate_Unauthorized(t *testing.T) {
	tg := newTestGateway(t, map[string]providers.Provider{"openai": okProvider("openai")}, nil)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetBody([]byte(`{"userMessage":"hi"}`))
	tg.gw.handleGenerate(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
		t.Errorf("expected 401, got %d", ctx.Response.StatusCode())
	}
}

func TestHandleGenerate_BlockedAccount(t *testing.T) {
	tg := newTestGateway(t, map[string]providers.Provider{"openai": okProvider("openai")}, map[string]string{"openai": "sk-test"})
	ctx, _ := newAuthedRequest(t, tg, "free", auth.RoleBlocked)
	ctx.Request.SetBody([]byte(`{"provider":"openai","userMessage":"hi"}`))

	tg.gw.handleGenerate(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	assertErrorCode(t, ctx, "account_blocked")
}

func TestHandleGenerate_SmartModeDeniedForFreePlan(t *testing.T) {
	tg := newTestGateway(t, map[string]providers.Provider{"openai": okProvider("openai")}, map[string]string{"openai": "sk-test"})
	ctx, _ := newAuthedRequest(t, tg, "free", auth.RoleUser)
	ctx.Request.SetBody([]byte(`{"provider":"openai","userMessage":"hi","smartMode":true}`))

	tg.gw.handleGenerate(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	assertErrorCode(t, ctx, "smart_mode_not_available")
}

func TestHandleGenerate_DailyLimitReached(t *testing.T) {
	tg := newTestGateway(t, map[string]providers.Provider{"openai": okProvider("openai")}, map[string]string{"openai": "sk-test"})
	ctx, _ := newAuthedRequest(t, tg, "free", auth.RoleUser)
	ctx.Request.SetBody([]byte(`{"provider":"openai","userMessage":"hi"}`))

	// Free plan's daily limit is 50 (policy.DefaultPlanTable) — exhaust it
	// before the request under test, so no upstream call should occur.
	for i := 0; i < 50; i++ {
		if _, err := tg.st.IncrementDaily(context.Background(), "u1", "ai_request"); err != nil {
			t.Fatalf("increment daily: %v", err)
		}
	}

	tg.gw.handleGenerate(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	assertErrorCode(t, ctx, "daily_limit_reached")
}

func TestHandleGenerate_ProviderNotConfigured(t *testing.T) {
	tg := newTestGateway(t, map[string]providers.Provider{"openai": okProvider("openai")}, nil) // no keys sealed
	ctx, _ := newAuthedRequest(t, tg, "enterprise", auth.RoleUser)
	ctx.Request.SetBody([]byte(`{"provider":"openai","userMessage":"hi"}`))

	tg.gw.handleGenerate(ctx)

	assertErrorCode(t, ctx, "provider_not_configured")
}

func TestHandleGenerate_InvalidJSON(t *testing.T) {
	tg := newTestGateway(t, map[string]providers.Provider{"openai": okProvider("openai")}, map[string]string{"openai": "sk-test"})
	ctx, _ := newAuthedRequest(t, tg, "free", auth.RoleUser)
	ctx.Request.SetBody([]byte(`{not-json`))

	tg.gw.handleGenerate(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("expected 400, got %d", ctx.Response.StatusCode())
	}
	assertErrorCode(t, ctx, "invalid_request")
}

// serveGatewayHandler starts gw's full handler on an in-memory listener and
// returns an http.Client wired to dial straight into it, teacher's
// serveGateway pattern adapted to this gateway's route table.
func serveGatewayHandler(t *testing.T, gw *Gateway) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	t.Cleanup(func() { ln.Close() })

	go func() {
		_ = fasthttp.Serve(ln, gw.Handler())
	}()

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
}

func TestHandleStream_SSEFramingEndsWithDone(t *testing.T) {
	streamProv := &funcProvider{
		name: "openai",
		streamFn: func(_ context.Context, _ *providers.Request) (<-chan providers.StreamChunk, func(), error) {
			ch := make(chan providers.StreamChunk, 3)
			ch <- providers.StreamChunk{Content: "hello "}
			ch <- providers.StreamChunk{Content: "world"}
			ch <- providers.StreamChunk{Done: true}
			close(ch)
			return ch, func() {}, nil
		},
	}
	tg := newTestGateway(t, map[string]providers.Provider{"openai": streamProv}, map[string]string{"openai": "sk-test"})
	hash := mustHashPassword(t, "s3cret-pw")
	tg.users.put(&auth.User{ID: "u1", Email: "u1@example.com", Role: auth.RoleUser, Plan: "enterprise", PasswordHash: hash})
	tokens, _, err := tg.gw.auth.CredentialLogin(context.Background(), "u1@example.com", "s3cret-pw", "device-1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	client := serveGatewayHandler(t, tg.gw)

	req, _ := http.NewRequest(http.MethodPost, "http://test/api/proxy/ai/stream",
		strings.NewReader(`{"provider":"openai","userMessage":"hi"}`))
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Errorf("expected text/event-stream, got %s", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	var dataLines []string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if len(dataLines) == 0 {
		t.Fatal("expected at least one SSE data line")
	}
	if last := dataLines[len(dataLines)-1]; last != "[DONE]" {
		t.Errorf("expected stream to end with [DONE], got %q", last)
	}
}

func assertErrorCode(t *testing.T, ctx *fasthttp.RequestCtx, wantCode string) {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &body); err != nil {
		t.Fatalf("unmarshal error body: %v (%s)", err, ctx.Response.Body())
	}
	if body.Error.Code != wantCode {
		t.Errorf("expected error code %q, got %q (%s)", wantCode, body.Error.Code, ctx.Response.Body())
	}
}
