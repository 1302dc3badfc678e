package proxy

import (
	"context"
	"crypto/rand"
	"log/slog"
	"io"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/scribeai/gateway/internal/auth"
	"github.com/scribeai/gateway/internal/cascade"
	"github.com/scribeai/gateway/internal/keyvault"
	"github.com/scribeai/gateway/internal/metrics"
	"github.com/scribeai/gateway/internal/policy"
	"github.com/scribeai/gateway/internal/providers"
	"github.com/scribeai/gateway/internal/store"
	"github.com/scribeai/gateway/internal/transcription"
)

// funcProvider is a minimal providers.Provider double driven entirely by
// its requestFn/streamFn closures, in the teacher's funcProvider style.
type funcProvider struct {
	name      string
	requestFn func(context.Context, *providers.Request) (*providers.Response, error)
	streamFn  func(context.Context, *providers.Request) (<-chan providers.StreamChunk, func(), error)
}

func (f *funcProvider) Name() string { return f.name }

func (f *funcProvider) Request(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	return f.requestFn(ctx, req)
}

func (f *funcProvider) Stream(ctx context.Context, req *providers.Request) (<-chan providers.StreamChunk, func(), error) {
	if f.streamFn == nil {
		ch := make(chan providers.StreamChunk)
		close(ch)
		return ch, func() {}, nil
	}
	return f.streamFn(ctx, req)
}

func (f *funcProvider) HealthCheck(context.Context) error { return nil }

// providerError is a providers.StatusCoder double.
type providerError struct {
	status int
	msg    string
}

func (e *providerError) Error() string   { return e.msg }
func (e *providerError) HTTPStatus() int { return e.status }

// fakeUserStore is an in-memory auth.UserStore.
type fakeUserStore struct {
	byID map[string]*auth.User
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{byID: map[string]*auth.User{}}
}

func (f *fakeUserStore) put(u *auth.User) { f.byID[u.ID] = u }

func (f *fakeUserStore) ByEmail(_ context.Context, email string) (*auth.User, error) {
	for _, u := range f.byID {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, auth.ErrUserNotFound
}

func (f *fakeUserStore) ByID(_ context.Context, id string) (*auth.User, error) {
	u, ok := f.byID[id]
	if !ok {
		return nil, auth.ErrUserNotFound
	}
	return u, nil
}

func (f *fakeUserStore) Create(_ context.Context, name, email, passwordHash string) (*auth.User, error) {
	u := &auth.User{ID: "u-" + email, Name: name, Email: email, Role: auth.RoleUser, Plan: "free", PasswordHash: passwordHash}
	f.byID[u.ID] = u
	return u, nil
}

// fakeKeyStore is a plaintext-backed keyvault.EncryptedKeyStore double: it
// seals values itself via a throwaway vault, mirroring
// internal/app.initSecurity's sealer pattern.
type fakeKeyStore struct {
	sealed map[string]string
}

func newFakeKeyStore(t *testing.T, secret []byte, plaintext map[string]string) *fakeKeyStore {
	t.Helper()
	sealer, err := keyvault.New(secret, nil)
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	sealed := make(map[string]string, len(plaintext))
	for k, v := range plaintext {
		ct, err := sealer.Seal(v)
		if err != nil {
			t.Fatalf("seal %s: %v", k, err)
		}
		sealed[k] = ct
	}
	return &fakeKeyStore{sealed: sealed}
}

func (s *fakeKeyStore) ActiveEncryptedKey(_ context.Context, provider string) (string, bool, error) {
	ct, ok := s.sealed[provider]
	return ct, ok, nil
}

// providerResolver adapts a plain provider map to cascade.Resolver, mirroring
// internal/app/init.go's adapter of the same name.
type providerResolver map[string]providers.Provider

func (r providerResolver) Provider(name string) (providers.Provider, bool) {
	p, ok := r[name]
	return p, ok
}

func testSecret(t *testing.T) []byte {
	t.Helper()
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		t.Fatalf("generate secret: %v", err)
	}
	return secret
}

// testGateway bundles a fully wired Gateway with the collaborators tests
// need direct access to; cleanup is registered with t.Cleanup.
type testGateway struct {
	gw    *Gateway
	users *fakeUserStore
	st    *store.Store
}

// newTestGateway wires a Gateway against miniredis and the given providers,
// with provider admin keys for every entry in keys sealed into the vault.
func newTestGateway(t *testing.T, provs map[string]providers.Provider, keys map[string]string) *testGateway {
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

	gw := NewGateway(context.Background(), Deps{
		Providers:  provs,
		Auth:       authGW,
		Users:      users,
		Policy:     policyEngine,
		Vault:      vault,
		Store:      st,
		Cascade:    orchestrator,
		CacheReady: func() bool { return true },
		DBReady:    func() bool { return true },
	}, GatewayOptions{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: reg,
	})
	t.Cleanup(func() {
		if gw.health != nil {
			gw.health.Close()
		}
	})

	return &testGateway{gw: gw, users: users, st: st}
}

// newTestGatewayWithTranscription wires a Gateway identical to
// newTestGateway's empty-provider case, plus a transcription.Vendor backed
// by the same vault (no deepgram admin key sealed, so only the
// vault-free assemblyai path is reachable offline).
func newTestGatewayWithTranscription(t *testing.T) *testGateway {
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
	keyStore := newFakeKeyStore(t, secret, nil)
	vault, err := keyvault.New(secret, keyStore)
	if err != nil {
		t.Fatalf("vault: %v", err)
	}

	authGW := auth.New(users, st, []byte("test-signing-secret-32-bytes!!!"), "https://example.test/device", 3)
	policyEngine := policy.New(nil, nil)
	breaker := cascade.NewCircuitBreaker()
	reg := metrics.New()
	orchestrator := cascade.New(providerResolver(nil), vault, breaker, reg)
	vendor := transcription.New(vault, "", "", []byte("transcription-signing-secret!!!"))

	gw := NewGateway(context.Background(), Deps{
		Auth:       authGW,
		Users:      users,
		Policy:     policyEngine,
		Vault:      vault,
		Store:      st,
		Cascade:    orchestrator,
		Transcribe: vendor,
		CacheReady: func() bool { return true },
		DBReady:    func() bool { return true },
	}, GatewayOptions{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: reg,
	})

	return &testGateway{gw: gw, users: users, st: st}
}
