package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const statusKeyPrefix = "status:"

// StatusCache publishes per-idempotency-key processing statuses to Redis for
// the polling collaborator. The cache is advisory: this worker only writes,
// and a failed write never changes a delivery's disposition.
type StatusCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func New(ctx context.Context, addr string, ttl time.Duration) (*StatusCache, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("unable to ping redis: %w", err)
	}
	return &StatusCache{rdb: rdb, ttl: ttl}, nil
}

// WriteStatus records the decided status for one idempotency key.
func (s *StatusCache) WriteStatus(ctx context.Context, idempotencyKey, value string) error {
	return s.rdb.Set(ctx, statusKeyPrefix+idempotencyKey, value, s.ttl).Err()
}

func (s *StatusCache) Close() error {
	return s.rdb.Close()
}
