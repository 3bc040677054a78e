// Package configstore implements an async config store for reading and
// writing per-namespace overrides (such as precheck/policy settings):
// UpdateConfig persists a namespace's key/value map, GetConfig reads it
// back. Backed by a Redis hash per namespace, fronted by a tiered (L1
// in-memory, L2 Redis) read cache so repeated GetConfig calls across a
// fleet of keyvaultd replicas don't all round-trip to Redis. Writes
// invalidate the cache entry on every replica via Pub/Sub.
package configstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/keyvault/internal/cache"
)

// cacheTTL bounds how long a GetConfig result may be served from L2
// (Redis) cache before falling back to the hash directly; L1 entries
// expire sooner still, per TieredCache's l1TTL.
const cacheTTL = 30 * time.Second

// Store is a Redis-hash-backed config store, read-through cached.
type Store struct {
	client      *redis.Client
	prefix      string
	cache       cache.Cache
	l1          cache.Cache
	invalidator *cache.CacheInvalidator
}

// Config holds connection settings for a Store.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string // default "keyvault:config:"
}

// New creates a Store from Config, with its own Redis client shared
// between the config hash and the L2 cache.
func New(cfg Config) *Store {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "keyvault:config:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newStore(client, prefix)
}

// NewFromClient wraps an existing redis client, for callers that already
// hold one.
func NewFromClient(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "keyvault:config:"
	}
	return newStore(client, prefix)
}

func newStore(client *redis.Client, prefix string) *Store {
	l1 := cache.NewInMemoryCache()
	l2 := cache.NewRedisCacheFromClient(client, prefix+"read:")
	tiered := cache.NewTieredCache(l1, l2, 10*time.Second)

	inv := cache.NewCacheInvalidator(l1, client)
	go inv.Start(context.Background())

	return &Store{client: client, prefix: prefix, cache: tiered, l1: l1, invalidator: inv}
}

func (s *Store) key(namespace string) string {
	return s.prefix + namespace
}

// UpdateConfig merges updates into namespace's stored config hash and
// evicts the namespace's cached read, on this replica and every other
// one subscribed to the invalidation channel.
func (s *Store) UpdateConfig(ctx context.Context, namespace string, updates map[string]string) error {
	if len(updates) == 0 {
		return nil
	}
	fields := make(map[string]interface{}, len(updates))
	for k, v := range updates {
		fields[k] = v
	}
	if err := s.client.HSet(ctx, s.key(namespace), fields).Err(); err != nil {
		return fmt.Errorf("configstore: update %s: %w", namespace, err)
	}
	s.invalidate(ctx, namespace)
	return nil
}

// GetConfig returns the full stored config map for namespace. A namespace
// with no stored fields returns an empty, non-nil map. Served from the
// tiered cache when warm; a cache miss or decode failure falls back to
// reading the hash directly and repopulates the cache.
func (s *Store) GetConfig(ctx context.Context, namespace string) (map[string]string, error) {
	if cached, ok := s.getCached(ctx, namespace); ok {
		return cached, nil
	}

	out, err := s.client.HGetAll(ctx, s.key(namespace)).Result()
	if err != nil {
		return nil, fmt.Errorf("configstore: get %s: %w", namespace, err)
	}

	if raw, err := json.Marshal(out); err == nil {
		_ = s.cache.Set(ctx, namespace, raw, cacheTTL)
	}
	return out, nil
}

func (s *Store) getCached(ctx context.Context, namespace string) (map[string]string, bool) {
	raw, err := s.cache.Get(ctx, namespace)
	if err != nil {
		return nil, false
	}
	var out map[string]string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false
	}
	return out, true
}

func (s *Store) invalidate(ctx context.Context, namespace string) {
	_ = s.cache.Delete(ctx, namespace)
	_ = s.invalidator.PublishInvalidation(ctx, namespace)
}

// DeleteConfig removes namespace's entire stored config hash.
func (s *Store) DeleteConfig(ctx context.Context, namespace string) error {
	if err := s.client.Del(ctx, s.key(namespace)).Err(); err != nil {
		return err
	}
	s.invalidate(ctx, namespace)
	return nil
}

// Ping verifies connectivity to Redis.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying Redis client and stops the cache
// invalidation listener. The L2 cache shares the Redis client with the
// config hash itself, so only the L1 cache is closed independently.
func (s *Store) Close() error {
	_ = s.invalidator.Close()
	_ = s.l1.Close()
	return s.client.Close()
}
