package budget

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// usageTTL keeps yesterday's row around long enough to be inspected, then
// lets Redis clean it up.
const usageTTL = 48 * time.Hour

// RedisStorage implements Storage with one hash per scope.
//
//	nstar:budget:<scope>  daily_used, day, last_updated
//	nstar:budget_limit:<scope>  daily limit in pence
type RedisStorage struct {
	client *redis.Client
}

func NewRedisStorage(addr, password string, db int) *RedisStorage {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStorage{client: rdb}
}

func (s *RedisStorage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStorage) Close() error {
	return s.client.Close()
}

func usageKey(scope string) string { return "nstar:budget:" + scope }
func limitKey(scope string) string { return "nstar:budget_limit:" + scope }

func (s *RedisStorage) Get(ctx context.Context, scope string) (*Budget, error) {
	fields, err := s.client.HGetAll(ctx, usageKey(scope)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis budget get: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	b := &Budget{Scope: scope, Day: fields["day"]}
	if v := fields["daily_used"]; v != "" {
		b.DailyUsed, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis budget daily_used: %w", err)
		}
	}
	if v := fields["last_updated"]; v != "" {
		b.LastUpdated, err = time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("redis budget last_updated: %w", err)
		}
	}
	return b, nil
}

// reserveScript applies a guarded delta to one usage hash in a single atomic
// step on the server.
//
//	KEYS[1] usage key
//	ARGV    day, delta, limit, last_updated, ttl seconds
var reserveScript = redis.NewScript(`
local used = 0
if redis.call('HGET', KEYS[1], 'day') == ARGV[1] then
	used = tonumber(redis.call('HGET', KEYS[1], 'daily_used') or '0')
end
local delta = tonumber(ARGV[2])
local nextUsed = used + delta
if nextUsed < 0 then nextUsed = 0 end
if delta > 0 and nextUsed > tonumber(ARGV[3]) then
	return {0, used}
end
redis.call('HSET', KEYS[1], 'daily_used', nextUsed, 'day', ARGV[1], 'last_updated', ARGV[4])
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[5]))
return {1, nextUsed}
`)

func (s *RedisStorage) Reserve(ctx context.Context, scope, day string, delta, limit int64, now time.Time) (int64, bool, error) {
	res, err := reserveScript.Run(ctx, s.client, []string{usageKey(scope)},
		day, delta, limit, now.UTC().Format(time.RFC3339Nano), int64(usageTTL/time.Second),
	).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("redis budget reserve: %w", err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("redis budget reserve: unexpected reply %v", res)
	}
	return res[1], res[0] == 1, nil
}

func (s *RedisStorage) Limit(ctx context.Context, scope string) (int64, bool, error) {
	v, err := s.client.Get(ctx, limitKey(scope)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis budget limit: %w", err)
	}
	return v, true, nil
}

func (s *RedisStorage) SetLimit(ctx context.Context, scope string, daily int64) error {
	if err := s.client.Set(ctx, limitKey(scope), daily, 0).Err(); err != nil {
		return fmt.Errorf("redis budget set limit: %w", err)
	}
	return nil
}
