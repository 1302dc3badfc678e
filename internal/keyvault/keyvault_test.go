package keyvault

import (
	"context"
	"testing"
	"time"
)

type fakeStore struct {
	sealed map[string]string
	calls  int
}

func (f *fakeStore) ActiveEncryptedKey(ctx context.Context, provider string) (string, bool, error) {
	f.calls++
	s, ok := f.sealed[provider]
	return s, ok, nil
}

func testSecret() []byte {
	return []byte("01234567890123456789012345678901") // 32 bytes
}

func TestVault_SealOpenRoundTrip(t *testing.T) {
	v, err := New(testSecret(), &fakeStore{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sealed, err := v.Seal("sk-super-secret")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	plaintext, err := v.open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if plaintext != "sk-super-secret" {
		t.Errorf("expected round-tripped plaintext, got %q", plaintext)
	}
}

func TestVault_Key_FetchesOnceThenCaches(t *testing.T) {
	v, err := New(testSecret(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sealed, err := v.Seal("sk-openai-key")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	store := &fakeStore{sealed: map[string]string{"openai": sealed}}
	v.store = store

	key1, err := v.Key(context.Background(), "openai")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	key2, err := v.Key(context.Background(), "openai")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if key1 != "sk-openai-key" || key2 != "sk-openai-key" {
		t.Errorf("expected decrypted key both times, got %q, %q", key1, key2)
	}
	if store.calls != 1 {
		t.Errorf("expected store to be fetched once (cache hit on 2nd call), got %d calls", store.calls)
	}
}

func TestVault_Key_NoActiveKey(t *testing.T) {
	v, err := New(testSecret(), &fakeStore{sealed: map[string]string{}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := v.Key(context.Background(), "anthropic"); err == nil {
		t.Fatal("expected error for missing active key")
	}
}

func TestVault_Invalidate_ForcesRefetch(t *testing.T) {
	v, err := New(testSecret(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sealed, _ := v.Seal("sk-key-v1")
	store := &fakeStore{sealed: map[string]string{"gemini": sealed}}
	v.store = store

	if _, err := v.Key(context.Background(), "gemini"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v.Invalidate("gemini")
	if _, err := v.Key(context.Background(), "gemini"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.calls != 2 {
		t.Errorf("expected refetch after invalidate, got %d calls", store.calls)
	}
}

func TestVault_Key_ExpiredCacheRefetches(t *testing.T) {
	v, err := New(testSecret(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v.ttl = time.Millisecond

	sealed, _ := v.Seal("sk-key")
	store := &fakeStore{sealed: map[string]string{"openai": sealed}}
	v.store = store

	if _, err := v.Key(context.Background(), "openai"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := v.Key(context.Background(), "openai"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.calls != 2 {
		t.Errorf("expected cache expiry to force a refetch, got %d calls", store.calls)
	}
}

func TestVault_ConfiguredProviders(t *testing.T) {
	v, err := New(testSecret(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sealed, _ := v.Seal("sk-key")
	v.store = &fakeStore{sealed: map[string]string{"openai": sealed}}

	got := v.ConfiguredProviders(context.Background(), []string{"openai", "anthropic"})
	if !got["openai"] || got["anthropic"] {
		t.Errorf("unexpected configured providers map: %+v", got)
	}
}
