package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trenches-waitlist/internal/circuitbreaker"
)

// incrementScript starts, increments or refuses a window in one round trip.
// The hash holds the admitted count and the absolute reset time in Unix ms.
//
// KEYS[1] counter key
// ARGV[1] limit, ARGV[2] window ms, ARGV[3] now ms
// returns {admitted, count, resetMs}
var incrementScript = redis.NewScript(`
	local key = KEYS[1]
	local limit = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])

	local count = tonumber(redis.call('HGET', key, 'count') or '0')
	local reset = tonumber(redis.call('HGET', key, 'reset') or '0')

	if count == 0 or reset <= now then
		reset = now + window
		redis.call('HSET', key, 'count', 1, 'reset', reset)
		redis.call('PEXPIRE', key, window)
		return {1, 1, reset}
	end

	if count < limit then
		count = redis.call('HINCRBY', key, 'count', 1)
		return {1, count, reset}
	end

	return {0, count, reset}
`)

// RedisStore is a CounterStore shared by every process pointed at the same
// Redis. Keys expire on their own once the window closes.
type RedisStore struct {
	client  redis.Cmdable
	breaker *circuitbreaker.CircuitBreaker
}

// RedisStoreConfig holds configuration for the shared counter store.
type RedisStoreConfig struct {
	// Client is required.
	Client redis.Cmdable
	// Breaker guards calls to Redis. A default breaker is created when nil.
	Breaker *circuitbreaker.CircuitBreaker
}

// NewRedisStore creates a Redis-backed counter store.
func NewRedisStore(cfg *RedisStoreConfig) (*RedisStore, error) {
	if cfg == nil || cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}

	breaker := cfg.Breaker
	if breaker == nil {
		breaker = circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig("ratelimit-redis"))
	}

	return &RedisStore{client: cfg.Client, breaker: breaker}, nil
}

// Name implements CounterStore.
func (s *RedisStore) Name() string {
	return "redis"
}

// Increment implements CounterStore.
func (s *RedisStore) Increment(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (WindowState, error) {
	windowMs := window.Milliseconds()
	if windowMs < 1 {
		windowMs = 1
	}

	var result []int64
	err := s.breaker.Execute(ctx, func() error {
		var runErr error
		result, runErr = incrementScript.Run(ctx, s.client, []string{key},
			limit, windowMs, now.UnixMilli()).Int64Slice()
		return runErr
	})
	if err != nil {
		return WindowState{}, fmt.Errorf("redis increment %s: %w", key, err)
	}
	if len(result) != 3 {
		return WindowState{}, fmt.Errorf("redis increment %s: unexpected reply length %d", key, len(result))
	}

	return WindowState{
		Admitted: result[0] == 1,
		Count:    int(result[1]),
		Reset:    time.UnixMilli(result[2]),
	}, nil
}
