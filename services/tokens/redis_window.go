package tokens

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// All window keys share the {tokens} hash tag so the scripts stay on one
// cluster slot.
const redisKeyPrefix = "gateway:{tokens}:window:"

// reserveScript sums every bucket in KEYS, then books ARGV[1] into the last
// key if the sum stays within ARGV[2]. Returns -1 when it would not.
var reserveScript = redis.NewScript(`
local sum = 0
for i, key in ipairs(KEYS) do
	local v = redis.call('GET', key)
	if v then sum = sum + tonumber(v) end
end
local n = tonumber(ARGV[1])
if sum + n > tonumber(ARGV[2]) then
	return -1
end
local current = KEYS[#KEYS]
redis.call('INCRBY', current, n)
redis.call('PEXPIRE', current, ARGV[3])
return sum + n
`)

// adjustScript adds ARGV[1] to an existing bucket, clamping at zero.
var adjustScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
local v = redis.call('INCRBY', KEYS[1], ARGV[1])
if v < 0 then
	redis.call('SET', KEYS[1], 0, 'KEEPTTL')
	return 0
end
return v
`)

// RedisWindow shares the window across gateway instances through Redis.
type RedisWindow struct {
	client redis.UniversalClient
	cfg    WindowConfig
	size   time.Duration
	now    func() time.Time
}

// NewRedisWindow creates a Redis-backed window.
func NewRedisWindow(client redis.UniversalClient, cfg WindowConfig) *RedisWindow {
	return &RedisWindow{
		client: client,
		cfg:    cfg,
		size:   cfg.bucketSize(),
		now:    time.Now,
	}
}

func (w *RedisWindow) keys(current int64) []string {
	span := w.cfg.span()
	keys := make([]string, 0, span)
	for b := current - span + 1; b <= current; b++ {
		keys = append(keys, redisKeyPrefix+strconv.FormatInt(b, 10))
	}
	return keys
}

// ttl keeps a bucket alive one bucket past the window.
func (w *RedisWindow) ttl() int64 {
	length := w.cfg.Length
	if length <= 0 {
		length = time.Minute
	}
	return (length + w.size).Milliseconds()
}

// TryReserve implements Window.
func (w *RedisWindow) TryReserve(ctx context.Context, tokens int64) (int64, bool, error) {
	current := bucketOf(w.now(), w.size)
	res, err := reserveScript.Run(ctx, w.client, w.keys(current), tokens, w.cfg.Ceiling, w.ttl()).Int64()
	if err != nil {
		return current, false, fmt.Errorf("redis window reserve: %w", err)
	}
	return current, res >= 0, nil
}

// Adjust implements Window.
func (w *RedisWindow) Adjust(ctx context.Context, bucket int64, delta int64) error {
	if delta == 0 {
		return nil
	}
	key := redisKeyPrefix + strconv.FormatInt(bucket, 10)
	if err := adjustScript.Run(ctx, w.client, []string{key}, delta).Err(); err != nil {
		return fmt.Errorf("redis window adjust: %w", err)
	}
	return nil
}

// Usage implements Window.
func (w *RedisWindow) Usage(ctx context.Context) (int64, error) {
	vals, err := w.client.MGet(ctx, w.keys(bucketOf(w.now(), w.size))...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis window usage: %w", err)
	}
	var sum int64
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			continue
		}
		sum += n
	}
	return sum, nil
}

// Ceiling implements Window.
func (w *RedisWindow) Ceiling() int64 {
	return w.cfg.Ceiling
}
