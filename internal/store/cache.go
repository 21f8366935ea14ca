package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheOpTimeout = 500 * time.Millisecond

// StatusCache mirrors last_status rows into redis hashes. The database stays
// authoritative; entries expire after ttl.
type StatusCache struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewStatusCache(rdb *redis.Client, ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &StatusCache{rdb: rdb, prefix: "telemetry:status:", ttl: ttl}
}

func (c *StatusCache) key(deviceID string) string { return c.prefix + deviceID }

func (c *StatusCache) Set(ctx context.Context, st LatestStatus) error {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()
	key := c.key(st.DeviceID)
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"speed", strconv.FormatFloat(st.Speed, 'g', -1, 64),
		"timestamp", st.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	pipe.Expire(ctx, key, c.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *StatusCache) Delete(ctx context.Context, deviceID string) error {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()
	return c.rdb.Del(ctx, c.key(deviceID)).Err()
}

func (c *StatusCache) Get(ctx context.Context, deviceID string) (LatestStatus, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()
	vals, err := c.rdb.HGetAll(ctx, c.key(deviceID)).Result()
	if err != nil {
		return LatestStatus{}, false, err
	}
	if len(vals) == 0 {
		return LatestStatus{}, false, nil
	}
	speed, err := strconv.ParseFloat(vals["speed"], 64)
	if err != nil {
		return LatestStatus{}, false, fmt.Errorf("cached speed: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, vals["timestamp"])
	if err != nil {
		return LatestStatus{}, false, fmt.Errorf("cached timestamp: %w", err)
	}
	return LatestStatus{DeviceID: deviceID, Speed: speed, Timestamp: ts}, true, nil
}
