package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned by GetJSON when the key is absent.
var ErrMiss = errors.New("cache miss")

// Store wraps the shared redis client. It backs the redis lock manager,
// the redis push backend and best-effort read-through caches.
type Store struct {
	Client *redis.Client
	prefix string
}

func New(addr, password string, db int) *Store {
	return NewFromClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}))
}

func NewFromClient(c *redis.Client) *Store {
	return &Store{Client: c, prefix: "shim:"}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Client.Ping(ctx).Err()
}

func (s *Store) Close() error { return s.Client.Close() }

func (s *Store) key(k string) string { return s.prefix + k }

// SetJSON caches v under key for ttl.
func (s *Store) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Client.Set(ctx, s.key(key), b, ttl).Err()
}

// GetJSON loads a cached value into v, or returns ErrMiss.
func (s *Store) GetJSON(ctx context.Context, key string, v any) error {
	b, err := s.Client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return ErrMiss
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	return s.Client.Del(ctx, full...).Err()
}
