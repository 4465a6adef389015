package services

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// IdempotencyStore answers "has this key been seen before?" atomically:
// FirstUse marks the key and reports whether this call was the first one.
// Replays on /gateway/event resolve to a success no-op through this check.
type IdempotencyStore interface {
	FirstUse(ctx context.Context, key string) (bool, error)
}

// DefaultIdempotencyTTL bounds how long a key blocks replays. Engine-side
// retries happen within seconds; an hour is comfortably past any of them.
const DefaultIdempotencyTTL = time.Hour

// MemoryIdempotencyStore is the single-process store, suitable for one
// gateway instance.
type MemoryIdempotencyStore struct {
	cache *gocache.Cache
}

func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &MemoryIdempotencyStore{
		cache: gocache.New(ttl, 10*time.Minute),
	}
}

func (s *MemoryIdempotencyStore) FirstUse(_ context.Context, key string) (bool, error) {
	// Add fails when the key already exists, which is exactly the
	// check-and-set we need.
	err := s.cache.Add(key, struct{}{}, gocache.DefaultExpiration)
	return err == nil, nil
}

// RedisIdempotencyStore shares replay state across gateway instances behind
// a load balancer.
type RedisIdempotencyStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisIdempotencyStore(redisURL string, ttl time.Duration) (*RedisIdempotencyStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &RedisIdempotencyStore{client: client, ttl: ttl}, nil
}

func (s *RedisIdempotencyStore) FirstUse(ctx context.Context, key string) (bool, error) {
	first, err := s.client.SetNX(ctx, "towngate:idem:"+key, 1, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency check: %w", err)
	}
	return first, nil
}

func (s *RedisIdempotencyStore) Close() error {
	return s.client.Close()
}
