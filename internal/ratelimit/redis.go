package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript runs the bucket algorithm atomically at the store. It
// mirrors TokenBucket; both sides must stay in step. The key expires after
// twice the window so idle buckets vanish on their own.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local window_ms = tonumber(ARGV[4])

local data = redis.call("HMGET", key, "tokens", "ts", "n")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])
local count = tonumber(data[3]) or 0

if tokens == nil then
  tokens = capacity
else
  local elapsed = math.max(0, now_ms - ts)
  tokens = math.min(capacity, tokens + (elapsed / 1000.0) * rate)
end

local allowed = 0
local retry_sec = 0

if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
  count = count + 1
else
  if rate > 0 then
    retry_sec = math.max(1, math.ceil((1 - tokens) / rate))
  else
    retry_sec = 1
  end
end

local reset_sec
if rate > 0 then
  reset_sec = math.ceil((capacity - tokens) / rate)
else
  reset_sec = math.floor(window_ms / 1000)
end

redis.call("HMSET", key, "tokens", tokens, "ts", now_ms, "n", count)
redis.call("PEXPIRE", key, window_ms * 2)
return {allowed, math.floor(tokens), reset_sec, retry_sec, count}
`)

// RedisStore executes the bucket algorithm at a shared Redis so that all
// gateway instances see the same counters.
type RedisStore struct {
	rdb redis.UniversalClient
}

func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) CheckAndConsume(ctx context.Context, key string, limit Limit) (Decision, error) {
	nowMs := time.Now().UnixMilli()
	res, err := tokenBucketScript.Run(ctx, s.rdb, []string{key},
		nowMs, limit.RefillRate(), limit.BurstCapacity, limit.WindowSeconds*1000).Result()
	if err != nil {
		return Decision{}, err
	}

	arr, ok := res.([]any)
	if !ok || len(arr) != 5 {
		return Decision{}, fmt.Errorf("rate limit script returned %T", res)
	}

	d := Decision{
		Allowed:           asInt(arr[0]) == 1,
		Remaining:         int(asInt(arr[1])),
		Limit:             limit.RequestsPerWindow,
		WindowSeconds:     limit.WindowSeconds,
		ResetAt:           nowMs/1000 + asInt(arr[2]),
		RetryAfterSeconds: int(asInt(arr[3])),
		RequestCount:      asInt(arr[4]),
	}
	return d, nil
}

func (s *RedisStore) Status(ctx context.Context, key string, limit Limit) (Decision, error) {
	nowMs := time.Now().UnixMilli()
	vals, err := s.rdb.HMGet(ctx, key, "tokens", "ts").Result()
	if err != nil {
		return Decision{}, err
	}

	var state *BucketState
	if tokens, ok := asFloatField(vals[0]); ok {
		ts, _ := asFloatField(vals[1])
		state = &BucketState{Tokens: tokens, LastRefillMillis: int64(ts)}
	}
	return Peek(state, limit, nowMs), nil
}

// RemoveMatching scans for keys containing substr and deletes them. Used to
// release per-connection message buckets when a WebSocket session ends.
func (s *RedisStore) RemoveMatching(ctx context.Context, substr string) error {
	iter := s.rdb.Scan(ctx, 0, "rl:*"+substr+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) > 0 {
		return s.rdb.Del(ctx, keys...).Err()
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func asInt(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}

func asFloatField(v any) (float64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
