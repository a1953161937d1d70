package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"guidefetch/internal/core"
)

const (
	// DefaultRedisPrefix is the default key prefix for cached entries.
	DefaultRedisPrefix = "guidefetch"

	// DefaultRedisTTL is the default time-to-live for cached entries.
	// It should be at least the retention horizon.
	DefaultRedisTTL = 14 * 24 * time.Hour

	redisScanCount = 200
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (e.g., "redis://localhost:6379" or "redis://:password@host:6379/0")
	URL string

	// Prefix is prepended to every key (defaults to "guidefetch")
	Prefix string

	// TTL is the time-to-live for entries (defaults to 14 days)
	TTL time.Duration

	// Codec selects payload compression
	Codec Codec
}

// RedisStore implements Store using Redis so several hosts can share a cache.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	codec  Codec
}

// NewRedisStore creates a new Redis-based store.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultRedisTTL
	}

	slog.Info("redis cache connected", "prefix", prefix, "ttl", ttl, "compression", cfg.Codec)

	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		codec:  cfg.Codec,
	}, nil
}

func (s *RedisStore) redisKey(key core.Key) (string, error) {
	if !key.Category.Valid() {
		return "", fmt.Errorf("unknown category %q", key.Category)
	}
	if key.ID == "" {
		return "", fmt.Errorf("empty key id")
	}
	return s.prefix + ":" + string(key.Category) + ":" + key.ID, nil
}

// Get retrieves an entry from Redis. Reading an entity renews its TTL with
// GETEX: entities still requested by the guide are never dropped for age,
// matching Evict. Blocks keep the TTL set by Put.
func (s *RedisStore) Get(ctx context.Context, key core.Key) (*Entry, error) {
	rk, err := s.redisKey(key)
	if err != nil {
		return nil, err
	}

	var cmd *redis.StringCmd
	if key.Category == core.CategoryEntity {
		cmd = s.client.GetEx(ctx, rk, s.ttl)
	} else {
		cmd = s.client.Get(ctx, rk)
	}
	data, err := cmd.Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get entry from redis: %w", err)
	}

	entry, err := decodeEntry(data)
	if err != nil {
		return nil, err
	}
	if entry.Key != key {
		return nil, fmt.Errorf("%w: key mismatch %s", ErrCorrupt, entry.Key)
	}
	return entry, nil
}

// Stat reads the entry header with GETRANGE.
func (s *RedisStore) Stat(ctx context.Context, key core.Key) (*Meta, error) {
	rk, err := s.redisKey(key)
	if err != nil {
		return nil, err
	}

	pipe := s.client.Pipeline()
	head := pipe.GetRange(ctx, rk, 0, headerLimit-1)
	size := pipe.StrLen(ctx, rk)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to stat entry in redis: %w", err)
	}
	if size.Val() == 0 {
		return nil, nil
	}

	h, err := decodeHeader([]byte(head.Val()))
	if err != nil {
		return nil, err
	}
	return &Meta{Key: h.key, FetchedAt: h.fetchedAt, Size: size.Val()}, nil
}

// Put stores the entry with the configured TTL.
func (s *RedisStore) Put(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("nil entry")
	}
	rk, err := s.redisKey(entry.Key)
	if err != nil {
		return err
	}

	data, err := encodeEntry(entry, s.codec)
	if err != nil {
		return err
	}

	if err := s.client.Set(ctx, rk, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set entry in redis: %w", err)
	}
	return nil
}

// Delete removes the entry.
func (s *RedisStore) Delete(ctx context.Context, key core.Key) error {
	rk, err := s.redisKey(key)
	if err != nil {
		return err
	}
	if err := s.client.Del(ctx, rk).Err(); err != nil {
		return fmt.Errorf("failed to delete entry from redis: %w", err)
	}
	return nil
}

// List scans every key of the category and reads their headers in one pipeline.
func (s *RedisStore) List(ctx context.Context, category core.Category) ([]Meta, error) {
	if !category.Valid() {
		return nil, fmt.Errorf("unknown category %q", category)
	}
	prefix := s.prefix + ":" + string(category) + ":"

	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", redisScanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan redis keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	heads := make([]*redis.StringCmd, len(keys))
	sizes := make([]*redis.IntCmd, len(keys))
	for i, k := range keys {
		heads[i] = pipe.GetRange(ctx, k, 0, headerLimit-1)
		sizes[i] = pipe.StrLen(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read redis entry headers: %w", err)
	}

	metas := make([]Meta, 0, len(keys))
	for i, k := range keys {
		if sizes[i].Val() == 0 {
			continue // expired between SCAN and read
		}
		h, err := decodeHeader([]byte(heads[i].Val()))
		if err != nil {
			metas = append(metas, Meta{
				Key:     core.Key{Category: category, ID: strings.TrimPrefix(k, prefix)},
				Size:    sizes[i].Val(),
				Corrupt: true,
			})
			continue
		}
		metas = append(metas, Meta{Key: h.key, FetchedAt: h.fetchedAt, Size: sizes[i].Val()})
	}
	return metas, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
