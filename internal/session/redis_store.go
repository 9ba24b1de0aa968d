package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps refresh tokens under <prefix>:refresh:<userID>. Keys
// expire with the refresh token they hold, so abandoned sessions clean up
// on their own.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisStore(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "pitchfork"
	}
	return &RedisStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(userID string) string {
	return s.prefix + ":refresh:" + userID
}

func (s *RedisStore) Current(ctx context.Context, userID string) (string, error) {
	v, err := s.rdb.Get(ctx, s.key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load session: %w", err)
	}
	return v, nil
}

func (s *RedisStore) Replace(ctx context.Context, userID, token string) error {
	if token == "" {
		return s.Clear(ctx, userID)
	}
	if err := s.rdb.Set(ctx, s.key(userID), token, s.ttl).Err(); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, userID string) error {
	if err := s.rdb.Del(ctx, s.key(userID)).Err(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}
