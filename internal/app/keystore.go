package app

import (
	"context"
	"fmt"

	"github.com/scribeai/gateway/internal/keyvault"
)

// staticKeyStore seals every configured provider admin key once at startup
// and serves the ciphertext back to keyvault.Vault on demand. Rotating a
// key requires a process restart — the admin-UI-driven rotation path
// keyvault.Vault.Invalidate anticipates is a separate, unbuilt surface.
type staticKeyStore struct {
	sealed map[string]string
}

var _ keyvault.EncryptedKeyStore = (*staticKeyStore)(nil)

// newStaticKeyStore seals every non-empty (provider, plaintext) pair with
// vault's cipher so the vault never sees the config's plaintext again
// after startup.
func newStaticKeyStore(vault *keyvault.Vault, plaintext map[string]string) (*staticKeyStore, error) {
	sealed := make(map[string]string, len(plaintext))
	for provider, key := range plaintext {
		if key == "" {
			continue
		}
		ciphertext, err := vault.Seal(key)
		if err != nil {
			return nil, fmt.Errorf("keystore: seal %s: %w", provider, err)
		}
		sealed[provider] = ciphertext
	}
	return &staticKeyStore{sealed: sealed}, nil
}

func (s *staticKeyStore) ActiveEncryptedKey(_ context.Context, provider string) (string, bool, error) {
	v, ok := s.sealed[provider]
	return v, ok, nil
}
