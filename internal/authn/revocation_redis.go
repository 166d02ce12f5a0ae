package authn

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const revokedKeyPrefix = "authn:revoked:"

// RedisRevocationCache lets Validate short-circuit recently revoked tokens
// without a database round trip. Purely advisory: a cold cache just means the
// token-row lookup does the work, so every redis failure degrades to a miss.
type RedisRevocationCache struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisRevocationCache(client *redis.Client, logger *slog.Logger) *RedisRevocationCache {
	return &RedisRevocationCache{client: client, logger: logger}
}

func (c *RedisRevocationCache) IsRevoked(ctx context.Context, tokenID uuid.UUID) bool {
	n, err := c.client.Exists(ctx, revokedKeyPrefix+tokenID.String()).Result()
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.logger.Debug("revocation cache lookup failed", "error", err)
		}
		return false
	}
	return n > 0
}

func (c *RedisRevocationCache) MarkRevoked(ctx context.Context, tokenIDs []uuid.UUID, ttl time.Duration) {
	if len(tokenIDs) == 0 {
		return
	}
	if ttl <= 0 {
		ttl = time.Hour
	}

	pipe := c.client.Pipeline()
	for _, id := range tokenIDs {
		pipe.Set(ctx, revokedKeyPrefix+id.String(), "1", ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("revocation cache update failed", "error", err, "tokens", len(tokenIDs))
	}
}
