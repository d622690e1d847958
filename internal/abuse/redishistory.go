package abuse

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisHistory keeps action timestamps in per-account sorted sets scored by
// unix micros, so window counts survive restarts and shard across processes.
type RedisHistory struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisHistory(rdb *redis.Client) *RedisHistory {
	return &RedisHistory{rdb: rdb, ttl: 24 * time.Hour}
}

func key(id int64) string { return "abuse:mine:" + strconv.FormatInt(id, 10) }

func (h *RedisHistory) Record(ctx context.Context, id int64, ts time.Time, window time.Duration) (int, error) {
	k := key(id)
	score := float64(ts.UnixMicro())
	cutoff := strconv.FormatInt(ts.Add(-window).UnixMicro(), 10)

	pipe := h.rdb.TxPipeline()
	pipe.ZAdd(ctx, k, redis.Z{Score: score, Member: fmt.Sprintf("%d:%d", ts.UnixMicro(), id)})
	pipe.ZRemRangeByScore(ctx, k, "-inf", "("+cutoff)
	count := pipe.ZCard(ctx, k)
	pipe.Expire(ctx, k, h.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("abuse record: %w", err)
	}
	return int(count.Val()), nil
}

func (h *RedisHistory) CountWindow(ctx context.Context, id int64, now time.Time, window time.Duration) (int, error) {
	cutoff := strconv.FormatInt(now.Add(-window).UnixMicro(), 10)
	n, err := h.rdb.ZCount(ctx, key(id), cutoff, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("abuse count: %w", err)
	}
	return int(n), nil
}
