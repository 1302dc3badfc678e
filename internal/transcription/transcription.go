// Package transcription implements the TranscriptionTokenVendor: it mints
// short-lived, scoped tokens that let a client talk directly to a
// speech-to-text provider's WebSocket endpoint, without ever handing out
// the gateway's own long-lived admin key.
package transcription

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

// Provider identifies a supported speech-to-text backend.
type Provider string

const (
	ProviderDeepgram   Provider = "deepgram"
	ProviderAssemblyAI Provider = "assemblyai"
)

const (
	deepgramTempKeyTTL = 5 * time.Minute
	assemblyAITokenTTL = 5 * time.Minute
	probeTimeout       = 3 * time.Second
)

// Token is the minted, scoped credential handed back to the client.
type Token struct {
	Token     string
	ExpiresAt time.Time
}

// Kind reports admission errors in the vendor's own terms, matching
// the gateway's canonical §7 error kinds.
type Kind string

const (
	KindProviderNotConfigured Kind = "provider_not_configured"
	KindUnsupportedProvider   Kind = "unsupported_provider"
)

type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

// Vault is the narrow slice of internal/keyvault.Vault the vendor needs.
type Vault interface {
	Key(ctx context.Context, provider string) (string, error)
}

const defaultDeepgramRESTBase = "https://api.deepgram.com/v1/projects"

// Vendor mints transcription tokens for the two supported STT providers.
type Vendor struct {
	vault           Vault
	deepgramWSURL   string // e.g. wss://api.deepgram.com/v1/listen
	deepgramProjID  string
	deepgramRESTURL string // base for the key-issuance REST call; overridable in tests
	signingSecret   []byte
	httpClient      *http.Client
}

func New(vault Vault, deepgramWSURL, deepgramProjectID string, signingSecret []byte) *Vendor {
	return &Vendor{
		vault:           vault,
		deepgramWSURL:   deepgramWSURL,
		deepgramProjID:  deepgramProjectID,
		deepgramRESTURL: defaultDeepgramRESTBase,
		signingSecret:   signingSecret,
		httpClient:      &http.Client{Timeout: 10 * time.Second},
	}
}

// WithDeepgramRESTBase overrides the Deepgram key-issuance REST base URL.
// Used by tests to point at a local stub instead of the production API.
func (v *Vendor) WithDeepgramRESTBase(base string) *Vendor {
	v.deepgramRESTURL = base
	return v
}

// Mint validates the provider is one of the two supported backends, then
// mints a scoped token. The returned token never equals the admin key.
func (v *Vendor) Mint(ctx context.Context, userID string, provider Provider) (*Token, error) {
	switch provider {
	case ProviderDeepgram:
		return v.mintDeepgram(ctx, userID)
	case ProviderAssemblyAI:
		return v.mintAssemblyAI(userID)
	default:
		return nil, &Error{Kind: KindUnsupportedProvider, Msg: fmt.Sprintf("unsupported transcription provider %q", provider)}
	}
}

func (v *Vendor) mintDeepgram(ctx context.Context, userID string) (*Token, error) {
	adminKey, err := v.vault.Key(ctx, "deepgram")
	if err != nil {
		return nil, &Error{Kind: KindProviderNotConfigured, Msg: "deepgram is not configured"}
	}

	if err := v.probeDeepgram(ctx); err != nil {
		return nil, &Error{Kind: KindProviderNotConfigured, Msg: "deepgram endpoint is unreachable"}
	}

	temp, expiresAt, err := v.issueDeepgramTempKey(ctx, adminKey)
	if err != nil {
		return nil, &Error{Kind: KindProviderNotConfigured, Msg: "deepgram key issuance failed"}
	}
	return &Token{Token: temp, ExpiresAt: expiresAt}, nil
}

// probeDeepgram opens a short-lived WebSocket handshake to the configured
// Deepgram endpoint before minting, so a misconfigured or unreachable
// upstream surfaces as provider_not_configured rather than handing the
// client a token that will never connect.
func (v *Vendor) probeDeepgram(ctx context.Context) error {
	if v.deepgramWSURL == "" {
		return fmt.Errorf("transcription: no deepgram endpoint configured")
	}
	dialCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: probeTimeout}
	conn, resp, err := dialer.DialContext(dialCtx, v.deepgramWSURL, nil)
	if err != nil {
		// A 401/400 from Deepgram (missing auth on a bare probe) still proves
		// the endpoint is reachable; only a transport-level failure means
		// the upstream itself is down.
		if resp != nil {
			return nil
		}
		return fmt.Errorf("transcription: deepgram probe: %w", err)
	}
	defer conn.Close()
	return nil
}

type deepgramKeyResponse struct {
	Key       string `json:"key"`
	ExpiresAt string `json:"expires_at"`
}

func (v *Vendor) issueDeepgramTempKey(ctx context.Context, adminKey string) (string, time.Time, error) {
	url := fmt.Sprintf("%s/%s/keys", v.deepgramRESTURL, v.deepgramProjID)
	body := strings.NewReader(fmt.Sprintf(`{"comment":"gateway-transcription","scopes":["usage:write"],"time_to_live_in_seconds":%d}`, int(deepgramTempKeyTTL.Seconds())))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Authorization", "Token "+adminKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", time.Time{}, fmt.Errorf("transcription: deepgram key issuance status %d: %s", resp.StatusCode, preview)
	}

	var parsed deepgramKeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", time.Time{}, fmt.Errorf("transcription: decode deepgram response: %w", err)
	}
	return parsed.Key, time.Now().Add(deepgramTempKeyTTL), nil
}

// transcriptionClaims is the one-time opaque token minted for AssemblyAI,
// since it exposes no temporary-key endpoint of its own.
type transcriptionClaims struct {
	UserID string `json:"uid"`
	Scope  string `json:"scope"`
	jwt.RegisteredClaims
}

func (v *Vendor) mintAssemblyAI(userID string) (*Token, error) {
	expiresAt := time.Now().Add(assemblyAITokenTTL)
	claims := transcriptionClaims{
		UserID: userID,
		Scope:  "transcription",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.signingSecret)
	if err != nil {
		return nil, fmt.Errorf("transcription: sign assemblyai token: %w", err)
	}
	return &Token{Token: signed, ExpiresAt: expiresAt}, nil
}
