// Package keyvault decrypts per-provider admin API keys on demand and
// caches the plaintext briefly in memory so the hot streaming path never
// waits on a decrypt for a key it just used.
//
// Keys are stored at rest as AES-256-GCM sealed boxes (nonce || ciphertext,
// base64-encoded) under a single symmetric secret supplied at process
// start. No third-party authenticated-encryption library appears anywhere
// in the examples pack, so this is a deliberate stdlib crypto/aes +
// crypto/cipher choice — see DESIGN.md.
package keyvault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

const defaultTTL = 5 * time.Minute

// EncryptedKeyStore is the external collaborator that owns AdminApiKey rows
// (§3's AdminApiKey, explicitly out of scope per §1 — the core only
// consumes a fetch-by-provider capability).
type EncryptedKeyStore interface {
	// ActiveEncryptedKey returns the sealed ciphertext for the active
	// AdminApiKey row for provider, or ("", false) if none is active.
	ActiveEncryptedKey(ctx context.Context, provider string) (string, bool, error)
}

type cacheEntry struct {
	plaintext string
	expiresAt time.Time
}

// Vault decrypts and caches admin API keys.
type Vault struct {
	store EncryptedKeyStore
	gcm   cipher.AEAD
	ttl   time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New builds a Vault from a 32-byte AES-256 key and the store that holds
// sealed ciphertext per provider.
func New(secret []byte, store EncryptedKeyStore) (*Vault, error) {
	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, fmt.Errorf("keyvault: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keyvault: new gcm: %w", err)
	}
	return &Vault{
		store: store,
		gcm:   gcm,
		ttl:   defaultTTL,
		cache: make(map[string]cacheEntry),
	}, nil
}

// Seal encrypts plaintext for storage, for use by the admin key-management
// surface (out of scope for the core, but the core owns the cipher).
func (v *Vault) Seal(plaintext string) (string, error) {
	nonce := make([]byte, v.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("keyvault: read nonce: %w", err)
	}
	sealed := v.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Key returns the decrypted admin API key for provider, from cache if
// still fresh, otherwise by fetching and decrypting the stored ciphertext.
func (v *Vault) Key(ctx context.Context, provider string) (string, error) {
	if key, ok := v.cached(provider); ok {
		return key, nil
	}

	sealed, ok, err := v.store.ActiveEncryptedKey(ctx, provider)
	if err != nil {
		return "", fmt.Errorf("keyvault: fetch %s: %w", provider, err)
	}
	if !ok {
		return "", fmt.Errorf("keyvault: no active key for provider %q", provider)
	}

	plaintext, err := v.open(sealed)
	if err != nil {
		return "", fmt.Errorf("keyvault: decrypt %s: %w", provider, err)
	}

	v.mu.Lock()
	v.cache[provider] = cacheEntry{plaintext: plaintext, expiresAt: time.Now().Add(v.ttl)}
	v.mu.Unlock()

	return plaintext, nil
}

// Invalidate clears the cached plaintext for provider, called when the
// admin UI rotates or deactivates a key so the next Key() call re-fetches.
func (v *Vault) Invalidate(provider string) {
	v.mu.Lock()
	delete(v.cache, provider)
	v.mu.Unlock()
}

// InvalidateAll clears the entire cache.
func (v *Vault) InvalidateAll() {
	v.mu.Lock()
	v.cache = make(map[string]cacheEntry)
	v.mu.Unlock()
}

func (v *Vault) cached(provider string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	entry, ok := v.cache[provider]
	if !ok || time.Now().After(entry.expiresAt) {
		return "", false
	}
	return entry.plaintext, true
}

func (v *Vault) open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	nonceSize := v.gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := v.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("open: %w", err)
	}
	return string(plaintext), nil
}

// ConfiguredProviders reports which providers currently have an active key,
// used by PolicyEngine to filter cascade candidates and by readiness checks.
func (v *Vault) ConfiguredProviders(ctx context.Context, providers []string) map[string]bool {
	out := make(map[string]bool, len(providers))
	for _, p := range providers {
		_, err := v.Key(ctx, p)
		out[p] = err == nil
	}
	return out
}
