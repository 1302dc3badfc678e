// Package store is the Redis-backed persistence for everything the auth and
// policy layers need that must survive a process restart or be shared
// across gateway replicas: device-code grants, refresh-token hashes, and
// daily usage counters.
//
// Every operation degrades the way the teacher's internal/cache/exact.go
// does for reads (miss rather than panic) but, unlike that cache, write
// failures here are real errors — a lost refresh-token rotation or a
// lost device grant is a correctness bug, not a cache miss.
package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	deviceCodeLen = 32 // bytes, hex-encoded
	userCodeLen   = 8
	userCodeset   = "ABCDEFGHJKMNPQRSTUVWXYZ23456789" // no 0/O/1/I/L

	deviceGrantTTL = 30 * time.Minute
	refreshTTL     = 30 * 24 * time.Hour
)

var (
	// ErrNotFound is returned when a device/user code or refresh hash has
	// no matching entry (expired, consumed, or never issued).
	ErrNotFound = errors.New("store: not found")
	// ErrRotationConflict is returned when the presented refresh token no
	// longer matches the stored hash — it has already been rotated or
	// revoked, and the caller must treat this as theft/reuse.
	ErrRotationConflict = errors.New("store: refresh token reuse or conflict")
)

// GrantStatus is a DeviceCodeGrant's state per §3's state machine.
type GrantStatus string

const (
	GrantPending    GrantStatus = "pending"
	GrantAuthorized GrantStatus = "authorized"
	GrantConsumed   GrantStatus = "consumed"
	GrantDenied     GrantStatus = "denied"
)

// DeviceGrant mirrors §3's DeviceCodeGrant.
type DeviceGrant struct {
	DeviceCode string      `json:"device_code"`
	UserCode   string      `json:"user_code"`
	Status     GrantStatus `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
	ExpiresAt  time.Time   `json:"expires_at"`
	UserID     string      `json:"user_id,omitempty"`
	DeviceName string      `json:"device_name,omitempty"`
	Platform   string      `json:"platform,omitempty"`
}

// Store wraps a Redis client with the gateway's key schema.
type Store struct {
	rdb *redis.Client
}

// New wraps an existing Redis client. The caller owns its lifecycle.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func deviceCodeKey(code string) string { return "device:code:" + code }
func userCodeKey(code string) string   { return "device:user:" + strings.ToUpper(code) }
func refreshHashKey(deviceID string) string  { return "refresh:hash:" + deviceID }
func refreshOwnerKey(deviceID string) string { return "refresh:owner:" + deviceID }
func dailyCounterKey(userID, action string, day time.Time) string {
	return fmt.Sprintf("usage:%s:%s:%s", userID, action, day.UTC().Format("2006-01-02"))
}

// CreateGrant issues a new pending device-code grant. User codes collide
// rarely given the 31-char set at 8 positions, but §3 requires a retry on
// collision within the active window rather than silently overwriting one.
func (s *Store) CreateGrant(ctx context.Context, deviceName, platform string) (*DeviceGrant, error) {
	const maxAttempts = 5

	deviceCode, err := randomDeviceCode()
	if err != nil {
		return nil, fmt.Errorf("store: generate device code: %w", err)
	}

	var userCode string
	for attempt := 0; ; attempt++ {
		userCode, err = randomUserCode()
		if err != nil {
			return nil, fmt.Errorf("store: generate user code: %w", err)
		}

		ok, err := s.rdb.SetNX(ctx, userCodeKey(userCode), deviceCode, deviceGrantTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("store: reserve user code: %w", err)
		}
		if ok {
			break
		}
		if attempt >= maxAttempts-1 {
			return nil, fmt.Errorf("store: user code collisions exhausted retries")
		}
	}

	now := time.Now().UTC()
	grant := &DeviceGrant{
		DeviceCode: deviceCode,
		UserCode:   userCode,
		Status:     GrantPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(deviceGrantTTL),
		DeviceName: deviceName,
		Platform:   platform,
	}

	if err := s.putGrant(ctx, grant); err != nil {
		return nil, err
	}
	return grant, nil
}

// Authorize marks the grant identified by userCode as authorized for
// userID, called once the user approves the code in a browser.
func (s *Store) Authorize(ctx context.Context, userCode, userID string) error {
	grant, err := s.grantByUserCode(ctx, userCode)
	if err != nil {
		return err
	}
	if grant.Status != GrantPending {
		return fmt.Errorf("store: grant %s is %s, not pending", grant.UserCode, grant.Status)
	}
	if time.Now().After(grant.ExpiresAt) {
		return ErrNotFound
	}

	grant.Status = GrantAuthorized
	grant.UserID = userID
	return s.putGrant(ctx, grant)
}

// Deny marks the grant identified by userCode as denied.
func (s *Store) Deny(ctx context.Context, userCode string) error {
	grant, err := s.grantByUserCode(ctx, userCode)
	if err != nil {
		return err
	}
	grant.Status = GrantDenied
	return s.putGrant(ctx, grant)
}

// PollConsume is the poll endpoint's only transition to consumed: it
// returns the grant if authorized, atomically marking it consumed so a
// second poll for the same device code cannot also receive tokens.
func (s *Store) PollConsume(ctx context.Context, deviceCode string) (*DeviceGrant, error) {
	grant, err := s.GrantByDeviceCode(ctx, deviceCode)
	if err != nil {
		return nil, err
	}
	if time.Now().After(grant.ExpiresAt) {
		return nil, ErrNotFound
	}
	if grant.Status == GrantConsumed {
		return nil, ErrRotationConflict
	}
	if grant.Status != GrantAuthorized {
		return grant, nil // caller checks Status == authorized before minting tokens
	}

	grant.Status = GrantConsumed
	if err := s.putGrant(ctx, grant); err != nil {
		return nil, err
	}
	return grant, nil
}

// GrantByDeviceCode fetches a grant without mutating it.
func (s *Store) GrantByDeviceCode(ctx context.Context, deviceCode string) (*DeviceGrant, error) {
	raw, err := s.rdb.Get(ctx, deviceCodeKey(deviceCode)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get grant: %w", err)
	}
	var grant DeviceGrant
	if err := json.Unmarshal(raw, &grant); err != nil {
		return nil, fmt.Errorf("store: decode grant: %w", err)
	}
	return &grant, nil
}

func (s *Store) grantByUserCode(ctx context.Context, userCode string) (*DeviceGrant, error) {
	deviceCode, err := s.rdb.Get(ctx, userCodeKey(userCode)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user code: %w", err)
	}
	return s.GrantByDeviceCode(ctx, deviceCode)
}

func (s *Store) putGrant(ctx context.Context, grant *DeviceGrant) error {
	raw, err := json.Marshal(grant)
	if err != nil {
		return fmt.Errorf("store: encode grant: %w", err)
	}
	ttl := time.Until(grant.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := s.rdb.Set(ctx, deviceCodeKey(grant.DeviceCode), raw, ttl).Err(); err != nil {
		return fmt.Errorf("store: put grant: %w", err)
	}
	return nil
}

// rotateRefreshScript atomically rotates a refresh token: it only replaces
// the stored hash if the presented hash still matches, so two concurrent
// rotations of the same (already-used) token can't both succeed.
// KEYS[1] = refresh hash key
// ARGV[1] = presented token's hash
// ARGV[2] = new token's hash
// ARGV[3] = new TTL in seconds
// Returns: 1 on success, 0 on mismatch (reuse/conflict).
var rotateRefreshScript = redis.NewScript(`
	local key = KEYS[1]
	local presented = ARGV[1]
	local replacement = ARGV[2]
	local ttl = tonumber(ARGV[3])

	local current = redis.call('GET', key)
	if current == false or current ~= presented then
		return 0
	end

	redis.call('SET', key, replacement, 'EX', ttl)
	return 1
`)

// IssueRefresh stores the initial refresh-token hash for a new device
// binding, records which user owns the device, and returns the opaque
// token (never stored in plaintext).
func (s *Store) IssueRefresh(ctx context.Context, userID, deviceID string) (string, error) {
	token := uuid.NewString() + uuid.NewString()
	hash := hashToken(token)
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, refreshHashKey(deviceID), hash, refreshTTL)
	pipe.Set(ctx, refreshOwnerKey(deviceID), userID, refreshTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("store: issue refresh: %w", err)
	}
	return token, nil
}

// OwnerOf returns the userID that owns deviceID's refresh token, as
// recorded by IssueRefresh.
func (s *Store) OwnerOf(ctx context.Context, deviceID string) (string, error) {
	userID, err := s.rdb.Get(ctx, refreshOwnerKey(deviceID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: owner lookup: %w", err)
	}
	return userID, nil
}

// RotateRefresh exchanges presentedToken for a freshly minted one, atomically
// invalidating the presented token only once the new hash is stored (§3's
// DeviceBinding invariant: "old hash invalidated only after new hash is
// stored"). Returns ErrRotationConflict if presentedToken doesn't match the
// currently stored hash — a signal of reuse that callers should treat as
// cause to revoke the whole device binding.
func (s *Store) RotateRefresh(ctx context.Context, deviceID, presentedToken string) (string, error) {
	newToken := uuid.NewString() + uuid.NewString()
	result, err := rotateRefreshScript.Run(ctx, s.rdb,
		[]string{refreshHashKey(deviceID)},
		hashToken(presentedToken), hashToken(newToken), int(refreshTTL.Seconds()),
	).Int()
	if err != nil {
		return "", fmt.Errorf("store: rotate refresh: %w", err)
	}
	if result != 1 {
		return "", ErrRotationConflict
	}
	// Extend the owner record's TTL to match the new hash's; the binding
	// itself (which user owns this device) never changes across rotation.
	s.rdb.Expire(ctx, refreshOwnerKey(deviceID), refreshTTL)
	return newToken, nil
}

// RevokeRefresh deletes the stored hash and owner record, invalidating the
// device's refresh token immediately (logout or server-side revocation).
func (s *Store) RevokeRefresh(ctx context.Context, deviceID string) error {
	if err := s.rdb.Del(ctx, refreshHashKey(deviceID), refreshOwnerKey(deviceID)).Err(); err != nil {
		return fmt.Errorf("store: revoke refresh: %w", err)
	}
	return nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// incrementDailyScript bumps a daily counter and expires it at the next UTC
// day boundary so it never needs an explicit reset job.
// KEYS[1] = counter key
// ARGV[1] = seconds until midnight UTC
// Returns: the counter's new value.
var incrementDailyScript = redis.NewScript(`
	local count = redis.call('INCR', KEYS[1])
	if count == 1 then
		redis.call('EXPIRE', KEYS[1], ARGV[1])
	end
	return count
`)

// IncrementDaily increments today's UTC counter for (userID, action) and
// returns the new count — used both to record usage and, via the returned
// value, to check admission against a plan's daily limit in the same round
// trip.
func (s *Store) IncrementDaily(ctx context.Context, userID, action string) (int, error) {
	now := time.Now().UTC()
	midnight := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	ttl := int(time.Until(midnight).Seconds())
	if ttl <= 0 {
		ttl = 1
	}

	count, err := incrementDailyScript.Run(ctx, s.rdb,
		[]string{dailyCounterKey(userID, action, now)}, ttl,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("store: increment daily counter: %w", err)
	}
	return count, nil
}

// CountToday returns today's UTC count for (userID, action) without
// incrementing it.
func (s *Store) CountToday(ctx context.Context, userID, action string) (int, error) {
	count, err := s.rdb.Get(ctx, dailyCounterKey(userID, action, time.Now().UTC())).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: count today: %w", err)
	}
	return count, nil
}

func userDevicesKey(userID string) string { return "user:devices:" + userID }

// RegisterDeviceBinding records deviceID as belonging to userID and, if the
// user now has more than limit bindings, evicts the least-recently-used one
// (§3's DeviceBinding: "oldest evicted" on device-limit overflow) and
// revokes its refresh token. Returns the evicted deviceID, or "" if nothing
// was evicted.
func (s *Store) RegisterDeviceBinding(ctx context.Context, userID, deviceID string, limit int) (string, error) {
	now := float64(time.Now().UnixNano())
	key := userDevicesKey(userID)

	if err := s.rdb.ZAdd(ctx, key, redis.Z{Score: now, Member: deviceID}).Err(); err != nil {
		return "", fmt.Errorf("store: register device: %w", err)
	}

	if limit <= 0 {
		return "", nil
	}

	count, err := s.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("store: count devices: %w", err)
	}
	if int(count) <= limit {
		return "", nil
	}

	evicted, err := s.rdb.ZPopMin(ctx, key).Result()
	if err != nil || len(evicted) == 0 {
		return "", err
	}
	evictedID, _ := evicted[0].Member.(string)
	if evictedID == deviceID {
		// The just-registered device was itself the oldest score (clock
		// skew or a same-nanosecond race); nothing useful to evict.
		return "", nil
	}
	if err := s.RevokeRefresh(ctx, evictedID); err != nil {
		return "", fmt.Errorf("store: revoke evicted device: %w", err)
	}
	return evictedID, nil
}

// RevokeAllDevices revokes every refresh token bound to userID (logout
// allDevices=true) and clears the device-binding set.
func (s *Store) RevokeAllDevices(ctx context.Context, userID string) error {
	key := userDevicesKey(userID)
	deviceIDs, err := s.rdb.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("store: list devices: %w", err)
	}
	for _, id := range deviceIDs {
		if err := s.RevokeRefresh(ctx, id); err != nil {
			return err
		}
	}
	return s.rdb.Del(ctx, key).Err()
}

func randomDeviceCode() (string, error) {
	b := make([]byte, deviceCodeLen)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func randomUserCode() (string, error) {
	b := make([]byte, userCodeLen)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	code := make([]byte, userCodeLen)
	for i := range b {
		code[i] = userCodeset[int(b[i])%len(userCodeset)]
	}
	return fmt.Sprintf("%s-%s", code[:4], code[4:]), nil
}
