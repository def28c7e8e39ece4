// Package cache is the optional Redis read-through cache for lookup
// responses.
//
// Keys embed the committed offset, so each commit implicitly invalidates the
// previous generation of entries; they simply expire.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTTL is used when no TTL is configured.
const DefaultTTL = 5 * time.Minute

const keyPrefix = "sbmirror:lookup"

var tracer = otel.Tracer("sbmirror/cache")

// Cache wraps Redis get/set of encoded lookup responses.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to Redis at addr and verifies the connection.
func New(ctx context.Context, addr string, ttl time.Duration) (*Cache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}
	return NewWithClient(client, ttl), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{client: client, ttl: ttl}
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}

// Key builds the cache key of a lookup. Category order doesn't matter.
// The request fields are JSON-encoded so separators inside them can't make
// two different lookups share a key.
func Key(offset int64, service, prefix string, categories []string) string {
	sorted := append([]string(nil), categories...)
	sort.Strings(sorted)
	// Strings always encode
	fields, _ := json.Marshal([]any{service, prefix, sorted})
	return keyPrefix + ":" + strconv.FormatInt(offset, 10) + ":" + string(fields)
}

// Get returns the cached value for key; ok is false on a miss.
func (c *Cache) Get(ctx context.Context, key string) (value []byte, ok bool, err error) {
	ctx, span := tracer.Start(ctx, "redis.get_lookup",
		trace.WithAttributes(attribute.String("key", key)),
	)
	defer span.End()

	value, err = c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		span.SetAttributes(attribute.Bool("cache_hit", false))
		return nil, false, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, false, fmt.Errorf("failed to get from cache: %w", err)
	}

	span.SetAttributes(attribute.Bool("cache_hit", true))
	return value, true, nil
}

// Set stores value under key with the configured TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte) error {
	ctx, span := tracer.Start(ctx, "redis.set_lookup",
		trace.WithAttributes(
			attribute.String("key", key),
			attribute.Int64("ttl_seconds", int64(c.ttl.Seconds())),
		),
	)
	defer span.End()

	if err := c.client.Set(ctx, key, value, c.ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to set cache: %w", err)
	}
	return nil
}
