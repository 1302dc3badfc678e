// Package auth implements the device-code flow, credential login, and
// access/refresh token lifecycle that sit in front of every authenticated
// request.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/scribeai/gateway/internal/store"
)

const (
	accessTokenTTL   = time.Hour
	pollMinInterval  = 5 * time.Second
	deviceCodeExpiry = 30 * time.Minute
)

// Role mirrors §3's User.role.
type Role string

const (
	RoleUser    Role = "user"
	RoleAdmin   Role = "admin"
	RoleBlocked Role = "blocked"
)

// Plan mirrors §3's Subscription.plan. Kept as a plain string alias here
// (rather than importing internal/policy) so auth has no dependency on
// policy — it only needs to pass the plan through in token claims.
type Plan string

// User is the subset of §3's User/Subscription the auth layer needs.
type User struct {
	ID           string
	Email        string
	Name         string
	Role         Role
	Plan         Plan
	PasswordHash string // empty for OAuth-only accounts
}

// UserStore is the external collaborator that owns the user/subscription
// database (explicitly out of scope per §1 — the core only consumes a
// lookup/create capability).
type UserStore interface {
	ByEmail(ctx context.Context, email string) (*User, error)
	ByID(ctx context.Context, id string) (*User, error)
	Create(ctx context.Context, name, email, passwordHash string) (*User, error)
}

// ErrUserNotFound is returned by UserStore implementations when no user
// matches.
var ErrUserNotFound = errors.New("auth: user not found")

// Kind is a canonical error identifier matching §7.
type Kind string

const (
	KindUnauthorized        Kind = "unauthorized"
	KindInvalidToken         Kind = "invalid_token"
	KindTokenRevoked         Kind = "token_revoked"
	KindOAuthUser            Kind = "oauth_user"
	KindAccountBlocked       Kind = "account_blocked"
	KindEmailExists          Kind = "email_exists"
	KindOAuthAccountExists   Kind = "oauth_account_exists"
	KindDeviceLimit          Kind = "device_limit"
	KindInvalidRequest       Kind = "invalid_request"
	KindUserNotFound         Kind = "user_not_found"
	KindAuthorizationPending Kind = "authorization_pending"
	KindSlowDown             Kind = "slow_down"
	KindExpiredToken         Kind = "expired_token"
	KindDenied               Kind = "denied"
)

// Error is a typed auth failure carrying a canonical Kind.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func fail(kind Kind, msg string) *Error { return &Error{Kind: kind, Msg: msg} }

// Claims is the AccessToken's signed payload.
type Claims struct {
	UserID   string `json:"uid"`
	DeviceID string `json:"did"`
	Plan     Plan   `json:"plan"`
	jwt.RegisteredClaims
}

// Tokens is the pair returned by every token-minting operation.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int // seconds
}

// DeviceCode is the response to requestDeviceCode.
type DeviceCode struct {
	DeviceCode      string
	UserCode        string
	VerificationURI string
	ExpiresIn       int
	Interval        int
}

// PollResult is the response to pollDeviceCode.
type PollResult struct {
	Tokens *Tokens
	User   *User
	Status Kind // set (authorization_pending | slow_down | expired_token | denied) when Tokens is nil
}

// Gateway is the AuthGateway of §4.1.
type Gateway struct {
	users           UserStore
	store           *store.Store
	signingSecret   []byte
	verificationURI string
	deviceLimit     int

	// lastPoll tracks poll-interval violations in process memory. This is
	// a best-effort, single-replica check; a gateway running multiple
	// replicas behind a load balancer would need this in Redis too, but a
	// slightly-too-fast poll slipping through occasionally across
	// replicas is not a correctness issue (unlike refresh rotation).
	pollMu   sync.Mutex
	lastPoll map[string]time.Time
}

// New builds a Gateway. verificationURI is the browser URL device-code
// clients are told to visit; deviceLimit is the per-plan device cap applied
// uniformly here (finer per-plan limits are a policy concern, not auth's).
func New(users UserStore, st *store.Store, signingSecret []byte, verificationURI string, deviceLimit int) *Gateway {
	return &Gateway{
		users:           users,
		store:           st,
		signingSecret:   signingSecret,
		verificationURI: verificationURI,
		deviceLimit:     deviceLimit,
		lastPoll:        make(map[string]time.Time),
	}
}

// Verify validates an access token's signature, expiry, and required
// claims, per §4.1's verify(token).
func (g *Gateway) Verify(tokenString string) (userID, deviceID string, err error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return g.signingSecret, nil
	})
	if err != nil || !token.Valid {
		return "", "", fail(KindInvalidToken, "invalid or expired access token")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || claims.UserID == "" || claims.DeviceID == "" {
		return "", "", fail(KindInvalidToken, "malformed token claims")
	}
	return claims.UserID, claims.DeviceID, nil
}

// RequestDeviceCode starts a device-code flow for a new device binding.
func (g *Gateway) RequestDeviceCode(ctx context.Context, deviceName, platform string) (*DeviceCode, error) {
	grant, err := g.store.CreateGrant(ctx, deviceName, platform)
	if err != nil {
		return nil, fmt.Errorf("auth: request device code: %w", err)
	}
	return &DeviceCode{
		DeviceCode:      grant.DeviceCode,
		UserCode:        grant.UserCode,
		VerificationURI: g.verificationURI,
		ExpiresIn:       int(deviceCodeExpiry.Seconds()),
		Interval:        int(pollMinInterval.Seconds()),
	}, nil
}

// AuthorizeDeviceCode marks a pending grant authorized for userID, called
// from the browser-side approval endpoint (outside this gateway's HTTP
// surface per §6, but part of the state machine this package owns).
func (g *Gateway) AuthorizeDeviceCode(ctx context.Context, userCode, userID string) error {
	if err := g.store.Authorize(ctx, userCode, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fail(KindExpiredToken, "device code expired or unknown")
		}
		return fmt.Errorf("auth: authorize device code: %w", err)
	}
	return nil
}

// PollDeviceCode implements §4.1's pollDeviceCode, including the
// interval-violation slow_down response (§8 S7).
func (g *Gateway) PollDeviceCode(ctx context.Context, deviceCode, deviceID string) (*PollResult, error) {
	g.pollMu.Lock()
	last, seen := g.lastPoll[deviceCode]
	tooSoon := seen && time.Since(last) < pollMinInterval
	if !tooSoon {
		g.lastPoll[deviceCode] = time.Now()
	}
	g.pollMu.Unlock()

	if tooSoon {
		return &PollResult{Status: KindSlowDown}, nil
	}

	grant, err := g.store.PollConsume(ctx, deviceCode)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &PollResult{Status: KindExpiredToken}, nil
		}
		if errors.Is(err, store.ErrRotationConflict) {
			return &PollResult{Status: KindExpiredToken}, nil
		}
		return nil, fmt.Errorf("auth: poll device code: %w", err)
	}

	switch grant.Status {
	case store.GrantPending:
		return &PollResult{Status: KindAuthorizationPending}, nil
	case store.GrantDenied:
		return &PollResult{Status: KindDenied}, nil
	case store.GrantConsumed:
		// Just transitioned from authorized -> consumed by PollConsume.
	default:
		return &PollResult{Status: KindAuthorizationPending}, nil
	}

	user, err := g.users.ByID(ctx, grant.UserID)
	if err != nil {
		return nil, fmt.Errorf("auth: load user after device approval: %w", err)
	}

	tokens, err := g.mintTokens(ctx, user, deviceID)
	if err != nil {
		return nil, err
	}
	return &PollResult{Tokens: tokens, User: user}, nil
}

// CredentialLogin authenticates a password-backed account.
func (g *Gateway) CredentialLogin(ctx context.Context, email, password, deviceID string) (*Tokens, *User, error) {
	user, err := g.users.ByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, nil, fail(KindUserNotFound, "no account with that email")
		}
		return nil, nil, fmt.Errorf("auth: lookup user: %w", err)
	}
	if user.Role == RoleBlocked {
		return nil, nil, fail(KindAccountBlocked, "account is blocked")
	}
	if user.PasswordHash == "" {
		return nil, nil, fail(KindOAuthUser, "account uses OAuth, not a password")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, nil, fail(KindUnauthorized, "invalid credentials")
	}

	tokens, err := g.mintTokens(ctx, user, deviceID)
	if err != nil {
		return nil, nil, err
	}
	return tokens, user, nil
}

// Register creates a new password-backed account.
func (g *Gateway) Register(ctx context.Context, name, email, password, deviceID string) (*Tokens, *User, error) {
	existing, err := g.users.ByEmail(ctx, email)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return nil, nil, fmt.Errorf("auth: lookup existing user: %w", err)
	}
	if existing != nil {
		if existing.PasswordHash == "" {
			return nil, nil, fail(KindOAuthAccountExists, "an OAuth account already exists for this email")
		}
		return nil, nil, fail(KindEmailExists, "an account already exists for this email")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, nil, fmt.Errorf("auth: hash password: %w", err)
	}

	user, err := g.users.Create(ctx, name, email, string(hash))
	if err != nil {
		return nil, nil, fmt.Errorf("auth: create user: %w", err)
	}

	tokens, err := g.mintTokens(ctx, user, deviceID)
	if err != nil {
		return nil, nil, err
	}
	return tokens, user, nil
}

// Refresh implements single-use refresh-token rotation (§8 S8): exactly one
// of two concurrent callers presenting the same token succeeds.
func (g *Gateway) Refresh(ctx context.Context, deviceID, refreshToken string) (*Tokens, error) {
	userID, err := g.store.OwnerOf(ctx, deviceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fail(KindTokenRevoked, "device has no active refresh token")
		}
		return nil, fmt.Errorf("auth: owner lookup: %w", err)
	}

	newRefresh, err := g.store.RotateRefresh(ctx, deviceID, refreshToken)
	if err != nil {
		if errors.Is(err, store.ErrRotationConflict) {
			// Reuse of an already-rotated token: revoke the device's current
			// refresh token as well, so no token for this device stays usable.
			if rerr := g.store.RevokeRefresh(ctx, deviceID); rerr != nil {
				return nil, fmt.Errorf("auth: revoke on reuse: %w", rerr)
			}
			return nil, fail(KindTokenRevoked, "refresh token already rotated or revoked")
		}
		return nil, fmt.Errorf("auth: rotate refresh: %w", err)
	}

	user, err := g.users.ByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("auth: load user for refresh: %w", err)
	}
	if user.Role == RoleBlocked {
		return nil, fail(KindAccountBlocked, "account is blocked")
	}

	access, err := g.signAccessToken(user.ID, deviceID, user.Plan)
	if err != nil {
		return nil, err
	}

	return &Tokens{
		AccessToken:  access,
		RefreshToken: newRefresh,
		ExpiresIn:    int(accessTokenTTL.Seconds()),
	}, nil
}

// Logout invalidates one device binding, or every device binding for the
// given user when allDevices is true.
func (g *Gateway) Logout(ctx context.Context, userID, deviceID string, allDevices bool) error {
	if allDevices {
		return g.store.RevokeAllDevices(ctx, userID)
	}
	return g.store.RevokeRefresh(ctx, deviceID)
}

func (g *Gateway) mintTokens(ctx context.Context, user *User, deviceID string) (*Tokens, error) {
	if user.Role == RoleBlocked {
		return nil, fail(KindAccountBlocked, "account is blocked")
	}

	evicted, err := g.store.RegisterDeviceBinding(ctx, user.ID, deviceID, g.deviceLimit)
	if err != nil {
		return nil, fmt.Errorf("auth: register device binding: %w", err)
	}
	_ = evicted // eviction is silent per §4.1 ("evicts the oldest device binding silently")

	refresh, err := g.store.IssueRefresh(ctx, user.ID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("auth: issue refresh token: %w", err)
	}

	access, err := g.signAccessToken(user.ID, deviceID, user.Plan)
	if err != nil {
		return nil, err
	}

	return &Tokens{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int(accessTokenTTL.Seconds()),
	}, nil
}

func (g *Gateway) signAccessToken(userID, deviceID string, plan Plan) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   userID,
		DeviceID: deviceID,
		Plan:     plan,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(accessTokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(g.signingSecret)
	if err != nil {
		return "", fmt.Errorf("auth: sign access token: %w", err)
	}
	return signed, nil
}
