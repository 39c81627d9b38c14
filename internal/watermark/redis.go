package watermark

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis stores stamps in one sorted set scored by unix milliseconds, so every
// gateway instance sees the same leave stamps.
type Redis struct {
	client     *redis.Client
	key        string
	maxEntries int64
}

func NewRedis(client *redis.Client, key string, maxEntries int) *Redis {
	if key == "" {
		key = "gateway:watermarks"
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Redis{client: client, key: key, maxEntries: int64(maxEntries)}
}

func (r *Redis) Put(ctx context.Context, wm Watermark) error {
	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, r.key, redis.Z{Score: float64(wm.Timestamp.UnixMilli()), Member: wm.ClientID})
	// Keep the newest maxEntries; rank 0 is the oldest stamp.
	pipe.ZRemRangeByRank(ctx, r.key, 0, -r.maxEntries-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put watermark %s: %w", wm.ClientID, err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, clientID string) (time.Time, bool, error) {
	score, err := r.client.ZScore(ctx, r.key, clientID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get watermark %s: %w", clientID, err)
	}
	return time.UnixMilli(int64(score)), true, nil
}

func (r *Redis) Remove(ctx context.Context, clientID string) error {
	return r.client.ZRem(ctx, r.key, clientID).Err()
}

func (r *Redis) Len(ctx context.Context) (int, error) {
	n, err := r.client.ZCard(ctx, r.key).Result()
	return int(n), err
}
