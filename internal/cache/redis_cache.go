package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const dailyMarkerTTL = 48 * time.Hour

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

var (
	_ MessageCache = (*RedisCache)(nil)
	_ DailyMarker  = (*RedisCache)(nil)
)

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func sentKey(internalID int64) string {
	return fmt.Sprintf("spotter:posted:%d", internalID)
}

func dailyKey(day string) string {
	return "spotter:daily:" + day
}

func (c *RedisCache) StoreSent(ctx context.Context, internalID int64, remoteID string, postedAt time.Time) error {
	b, err := json.Marshal(Receipt{
		RemoteID: remoteID,
		PostedAt: postedAt.UTC(),
	})
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, sentKey(internalID), b, c.ttl).Err()
}

func (c *RedisCache) LookupSent(ctx context.Context, internalID int64) (Receipt, bool, error) {
	raw, err := c.rdb.Get(ctx, sentKey(internalID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Receipt{}, false, nil
	}
	if err != nil {
		return Receipt{}, false, err
	}

	var r Receipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return Receipt{}, false, fmt.Errorf("decode receipt %d: %w", internalID, err)
	}
	return r, true, nil
}

func (c *RedisCache) MarkRun(ctx context.Context, day string) (bool, error) {
	return c.rdb.SetNX(ctx, dailyKey(day), time.Now().UTC().Format(time.RFC3339), dailyMarkerTTL).Result()
}
