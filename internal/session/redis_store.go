// Package session keeps refresh tokens and project presence in Redis.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"eduspace/api/internal/store"
	"github.com/redis/go-redis/v9"
)

// ErrTokenNotFound is returned for unknown, expired or revoked refresh tokens.
var ErrTokenNotFound = errors.New("refresh token not found or expired")

// TokenData holds the data stored for each refresh token
type TokenData struct {
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// leaveScript decrements a user's session count and drops the field at zero,
// atomically so a concurrent join is never lost.
var leaveScript = redis.NewScript(`
local n = redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
if n <= 0 then
	redis.call('HDEL', KEYS[1], ARGV[1])
end
return n
`)

// RedisStore implements refresh token storage and presence using Redis
type RedisStore struct {
	client         *redis.Client
	prefix         string
	presencePrefix string
}

// NewRedisStore creates a new Redis-backed session store
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:         client,
		prefix:         "refresh:",
		presencePrefix: "presence:",
	}
}

func (s *RedisStore) key(tokenHash string) string {
	return s.prefix + tokenHash
}

func (s *RedisStore) presenceKey(projectID string) string {
	return s.presencePrefix + projectID
}

// SaveRefreshSession stores a refresh token with expiration
func (s *RedisStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	data, err := json.Marshal(TokenData{UserID: userID, CreatedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("marshal token data: %w", err)
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}

	if err := s.client.Set(ctx, s.key(tokenHash), data, ttl).Err(); err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

// LookupRefreshSession returns the owner of a live refresh token. Only the
// user ID is populated.
func (s *RedisStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	raw, err := s.client.Get(ctx, s.key(tokenHash)).Result()
	if errors.Is(err, redis.Nil) {
		return store.User{}, ErrTokenNotFound
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup refresh token: %w", err)
	}

	var data TokenData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return store.User{}, fmt.Errorf("unmarshal token data: %w", err)
	}
	return store.User{ID: data.UserID}, nil
}

// RevokeRefreshSession deletes a refresh token
func (s *RedisStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.key(tokenHash)).Err(); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// Join counts one more live session of userID in projectID.
func (s *RedisStore) Join(ctx context.Context, projectID, userID string) error {
	if err := s.client.HIncrBy(ctx, s.presenceKey(projectID), userID, 1).Err(); err != nil {
		return fmt.Errorf("presence join: %w", err)
	}
	return nil
}

// Leave counts one session of userID in projectID gone.
func (s *RedisStore) Leave(ctx context.Context, projectID, userID string) error {
	if err := leaveScript.Run(ctx, s.client, []string{s.presenceKey(projectID)}, userID).Err(); err != nil {
		return fmt.Errorf("presence leave: %w", err)
	}
	return nil
}

// Online lists users with at least one live session in projectID, sorted.
func (s *RedisStore) Online(ctx context.Context, projectID string) ([]string, error) {
	counts, err := s.client.HGetAll(ctx, s.presenceKey(projectID)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence online: %w", err)
	}
	users := make([]string, 0, len(counts))
	for userID, raw := range counts {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			continue
		}
		users = append(users, userID)
	}
	sort.Strings(users)
	return users, nil
}

// ResetPresence drops every presence counter. Run at startup, before any
// session connects, so counts left by a crashed process do not linger.
func (s *RedisStore) ResetPresence(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.presencePrefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan presence keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("reset presence: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
