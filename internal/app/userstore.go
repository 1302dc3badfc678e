package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/scribeai/gateway/internal/auth"
)

func userIDKey(id string) string       { return "user:id:" + id }
func userEmailKey(email string) string { return "user:email:" + email }

type storedUser struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Role         auth.Role `json:"role"`
	Plan         auth.Plan `json:"plan"`
	PasswordHash string    `json:"password_hash,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// redisUserStore is the Redis-backed account directory behind auth.UserStore.
// Every account starts on the free plan; plan upgrades are an external
// billing concern this gateway only reads from.
type redisUserStore struct {
	rdb *redis.Client
}

func newRedisUserStore(rdb *redis.Client) *redisUserStore {
	return &redisUserStore{rdb: rdb}
}

func (s *redisUserStore) ByEmail(ctx context.Context, email string) (*auth.User, error) {
	id, err := s.rdb.Get(ctx, userEmailKey(email)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, auth.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("userstore: lookup email: %w", err)
	}
	return s.ByID(ctx, id)
}

func (s *redisUserStore) ByID(ctx context.Context, id string) (*auth.User, error) {
	raw, err := s.rdb.Get(ctx, userIDKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, auth.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("userstore: get user: %w", err)
	}
	var u storedUser
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("userstore: decode user: %w", err)
	}
	return &auth.User{
		ID: u.ID, Email: u.Email, Name: u.Name,
		Role: u.Role, Plan: u.Plan, PasswordHash: u.PasswordHash,
	}, nil
}

func (s *redisUserStore) Create(ctx context.Context, name, email, passwordHash string) (*auth.User, error) {
	u := storedUser{
		ID: uuid.NewString(), Email: email, Name: name,
		Role: auth.RoleUser, Plan: auth.Plan("free"),
		PasswordHash: passwordHash, CreatedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("userstore: encode user: %w", err)
	}
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, userIDKey(u.ID), raw, 0)
	pipe.Set(ctx, userEmailKey(u.Email), u.ID, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("userstore: create user: %w", err)
	}
	return &auth.User{ID: u.ID, Email: u.Email, Name: u.Name, Role: u.Role, Plan: u.Plan}, nil
}
