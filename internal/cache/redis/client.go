package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kgtrace/backend/internal/metrics"
	"github.com/kgtrace/backend/pkg/logger"
)

// Client caches normalized-key -> entity-reference lookups so entity
// resolution does not hit the graph store for every mention of a hot name.
type Client struct {
	client *redis.Client
	ttl    time.Duration
}

func NewClient(host string, port int, password string, db int, ttl time.Duration) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client, ttl: ttl}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func entityKey(normalizedKey, entityType string) string {
	return fmt.Sprintf("entity_key:%s:%s", entityType, normalizedKey)
}

func (c *Client) GetEntityRef(ctx context.Context, normalizedKey, entityType string) (string, bool, error) {
	ref, err := c.client.Get(ctx, entityKey(normalizedKey, entityType)).Result()
	if err == redis.Nil {
		metrics.CacheMisses.WithLabelValues("entity_key").Inc()
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get entity key cache: %w", err)
	}

	metrics.CacheHits.WithLabelValues("entity_key").Inc()
	logger.Debug("Entity key cache hit", zap.String("key", normalizedKey))
	return ref, true, nil
}

func (c *Client) SetEntityRef(ctx context.Context, normalizedKey, entityType, ref string) error {
	err := c.client.Set(ctx, entityKey(normalizedKey, entityType), ref, c.ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to set entity key cache: %w", err)
	}
	return nil
}

// InvalidateEntityRef drops a cached key, used after merges so the stale
// loser reference cannot be handed out again.
func (c *Client) InvalidateEntityRef(ctx context.Context, normalizedKey, entityType string) error {
	err := c.client.Del(ctx, entityKey(normalizedKey, entityType)).Err()
	if err != nil {
		return fmt.Errorf("failed to invalidate entity key cache: %w", err)
	}
	return nil
}
