package reconstruct

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// CacheConfig configures the optional Redis result cache.
type CacheConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Cache stores reconstructed books in Redis. A reconstruction at a fixed
// instant is immutable, so the TTL exists only to bound memory. Cache
// failures degrade to a recompute, never to a request failure.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCache connects a Redis-backed result cache.
func NewCache(cfg CacheConfig, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		ttl:    cfg.TTL,
		logger: logger.With("component", "reconstruct_cache"),
	}
}

// Ping verifies the Redis connection.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

func cacheKey(ticker string, at time.Time, depth int) string {
	return fmt.Sprintf("book:%s:%d:%d", ticker, at.Unix(), depth)
}

func (c *Cache) get(ctx context.Context, key string) (*Book, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Debug("cache get failed", "key", key, "error", err)
		}
		return nil, false
	}
	var book Book
	if err := json.Unmarshal(data, &book); err != nil {
		c.logger.Debug("cache entry corrupt", "key", key, "error", err)
		return nil, false
	}
	return &book, true
}

func (c *Cache) set(ctx context.Context, key string, book *Book) {
	data, err := json.Marshal(book)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Debug("cache set failed", "key", key, "error", err)
	}
}
