package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("redis: not found")

// TickCache stores each pool's latest tick as a hash at "{prefix}tick:{pool}"
// with fields "tick", "seq" and "ts" (Unix nanoseconds). Writes are ordered by
// seq so a late projection cannot roll the tick back.
type TickCache struct {
	rdb    *redis.Client
	prefix string
}

// PoolTick is one cached entry.
type PoolTick struct {
	Pool      common.Hash
	Tick      int32
	Sequence  int64
	UpdatedAt time.Time
}

func NewTickCache(c *Client) *TickCache {
	return &TickCache{rdb: c.rdb, prefix: c.prefix}
}

func (tc *TickCache) key(pool common.Hash) string {
	return tc.prefix + "tick:" + pool.Hex()
}

// setIfNewer writes the hash only when seq is newer than the stored one.
var setIfNewer = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'seq')
if current and tonumber(current) >= tonumber(ARGV[2]) then
	return 0
end
redis.call('HSET', KEYS[1], 'tick', ARGV[1], 'seq', ARGV[2], 'ts', ARGV[3])
return 1
`)

// SetTick stores the pool's tick as of event sequence seq. It reports whether
// the write was applied.
func (tc *TickCache) SetTick(ctx context.Context, pool common.Hash, tick int32, seq int64, ts time.Time) (bool, error) {
	applied, err := setIfNewer.Run(ctx, tc.rdb, []string{tc.key(pool)},
		strconv.FormatInt(int64(tick), 10),
		strconv.FormatInt(seq, 10),
		strconv.FormatInt(ts.UnixNano(), 10),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis: set tick %s: %w", pool.Hex(), err)
	}
	return applied == 1, nil
}

// GetTick returns the cached tick for pool, or ErrNotFound.
func (tc *TickCache) GetTick(ctx context.Context, pool common.Hash) (PoolTick, error) {
	vals, err := tc.rdb.HGetAll(ctx, tc.key(pool)).Result()
	if err != nil {
		return PoolTick{}, fmt.Errorf("redis: get tick %s: %w", pool.Hex(), err)
	}
	return parsePoolTick(pool, vals)
}

// GetTicks fetches several pools in one pipeline. Missing pools are omitted.
func (tc *TickCache) GetTicks(ctx context.Context, pools []common.Hash) (map[common.Hash]PoolTick, error) {
	if len(pools) == 0 {
		return map[common.Hash]PoolTick{}, nil
	}

	pipe := tc.rdb.Pipeline()
	cmds := make(map[common.Hash]*redis.MapStringStringCmd, len(pools))
	for _, pool := range pools {
		cmds[pool] = pipe.HGetAll(ctx, tc.key(pool))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get ticks pipeline: %w", err)
	}

	result := make(map[common.Hash]PoolTick, len(pools))
	for pool, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			continue
		}
		pt, err := parsePoolTick(pool, vals)
		if err != nil {
			continue
		}
		result[pool] = pt
	}
	return result, nil
}

func parsePoolTick(pool common.Hash, vals map[string]string) (PoolTick, error) {
	if len(vals) == 0 {
		return PoolTick{}, ErrNotFound
	}
	tickStr, ok := vals["tick"]
	if !ok {
		return PoolTick{}, ErrNotFound
	}
	tick, err := strconv.ParseInt(tickStr, 10, 32)
	if err != nil {
		return PoolTick{}, fmt.Errorf("redis: parse tick %s: %w", pool.Hex(), err)
	}
	seq, err := strconv.ParseInt(vals["seq"], 10, 64)
	if err != nil {
		return PoolTick{}, fmt.Errorf("redis: parse seq %s: %w", pool.Hex(), err)
	}
	tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return PoolTick{}, fmt.Errorf("redis: parse ts %s: %w", pool.Hex(), err)
	}

	return PoolTick{
		Pool:      pool,
		Tick:      int32(tick),
		Sequence:  seq,
		UpdatedAt: time.Unix(0, tsNano).UTC(),
	}, nil
}
