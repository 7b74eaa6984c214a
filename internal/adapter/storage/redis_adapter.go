package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/flash-sale-engine/internal/port"
)

const stockKeyPrefix = "flashsale:stock:"

// Returns -1 when the mirror is not loaded so the caller can fall through to the database.
var decrementStockScript = redis.NewScript(`
local key = KEYS[1]
local quantity = tonumber(ARGV[1])

local current = redis.call('GET', key)
if not current then
	return -1
end

current = tonumber(current)
if current >= quantity then
	redis.call('DECRBY', key, quantity)
	return 1
end

return 0
`)

var incrementStockScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return redis.call('INCRBY', KEYS[1], ARGV[1])
end
return -1
`)

type RedisAdapter struct {
	client *redis.Client
}

var _ port.CacheRepository = (*RedisAdapter)(nil)

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func stockKey(saleID string) string {
	return stockKeyPrefix + saleID
}

func (r *RedisAdapter) DecrementStock(ctx context.Context, saleID string, quantity int) (bool, error) {
	result, err := decrementStockScript.Run(ctx, r.client, []string{stockKey(saleID)}, quantity).Int()
	if err != nil {
		return false, err
	}
	if result < 0 {
		return false, port.ErrCacheMiss
	}

	return result == 1, nil
}

// IncrementStock is a no-op when the mirror is not loaded; the next resync rebuilds it.
func (r *RedisAdapter) IncrementStock(ctx context.Context, saleID string, quantity int) error {
	return incrementStockScript.Run(ctx, r.client, []string{stockKey(saleID)}, quantity).Err()
}

func (r *RedisAdapter) SetStock(ctx context.Context, saleID string, remaining int) error {
	return r.client.Set(ctx, stockKey(saleID), remaining, 0).Err()
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, "flashsale:idem:"+key, 1, ttl).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) ReleaseIdempotency(ctx context.Context, key string) error {
	return r.client.Del(ctx, "flashsale:idem:"+key).Err()
}
