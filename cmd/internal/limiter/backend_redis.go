package limiter

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// cooldownScript is the service's read-modify-write as one atomic step, so
// multiple processes sharing a Redis can address the same limiter state.
// All values are milliseconds.
var cooldownScript = redis.NewScript(`
local next = tonumber(redis.call('GET', KEYS[1]) or '0')
local now = tonumber(ARGV[1])
if next < now then next = now end
if ARGV[2] == '1' then next = next + tonumber(ARGV[3]) end
redis.call('SET', KEYS[1], tostring(next), 'PX', ARGV[4])
local cooldown = next - now - tonumber(ARGV[5])
if cooldown < 0 then cooldown = 0 end
return cooldown
`)

// RedisBackend is a Backend whose next-allowed-time lives in Redis, keyed by
// originating address. Limiter state then survives process restarts and is
// shared across processes for the same address.
type RedisBackend struct {
	rdb *redis.Client
	key string
	cfg ServiceConfig
}

// NewRedisBackend constructs a RedisBackend for one address.
func NewRedisBackend(rdb *redis.Client, addr string, cfg ServiceConfig) *RedisBackend {
	return &RedisBackend{
		rdb: rdb,
		key: "parlor:limiter:" + addr,
		cfg: cfg.withDefaults(),
	}
}

// RedisDialer adapts RedisBackend construction to the client's dial contract.
func RedisDialer(rdb *redis.Client, addr string, cfg ServiceConfig) Dialer {
	return func() (Backend, error) {
		return NewRedisBackend(rdb, addr, cfg), nil
	}
}

// Query runs one cooldown query. Semantics match Handle.Query.
func (b *RedisBackend) Query(ctx context.Context, write bool) (time.Duration, error) {
	w := "0"
	if write {
		w = "1"
	}

	ms, err := cooldownScript.Run(ctx, b.rdb, []string{b.key},
		b.cfg.Now().UnixMilli(),
		w,
		b.cfg.WritePenalty.Milliseconds(),
		b.cfg.IdleAfter.Milliseconds(),
		b.cfg.Grace.Milliseconds(),
	).Int64()
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}
