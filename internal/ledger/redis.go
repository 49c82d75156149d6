package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/client"
	"identity-service/internal/util"
)

const otpPrefix = "otp:"

// compareAndDeleteScript deletes the key only if its current value matches
// the expected serialized entry. Running it server-side closes the race
// where two near-simultaneous verifications with the correct code would
// both succeed.
const compareAndDeleteScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`

// Redis is a ledger backed by Redis with native TTL. Entries are retained
// slightly past their logical expiry (the caller passes a ttl with a grace
// window) so the challenge service can report Expired distinctly from
// NotFound.
type Redis struct {
	client *client.RedisClient
}

func NewRedis(client *client.RedisClient) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	redisKey := otpPrefix + key
	if err := r.client.Set(ctx, redisKey, value, ttl); err != nil {
		util.Error("Failed to store pending code",
			zap.String("contact", key),
			zap.Duration("ttl", ttl),
			zap.Error(err))
		return fmt.Errorf("failed to store pending code: %w", err)
	}
	util.Debug("Pending code stored",
		zap.String("contact", key),
		zap.Duration("ttl", ttl))
	return nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	redisKey := otpPrefix + key

	value, err := r.client.Get(ctx, redisKey)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return "", false, nil
		}
		util.Error("Failed to read pending code",
			zap.String("contact", key),
			zap.Error(err))
		return "", false, fmt.Errorf("failed to read pending code: %w", err)
	}

	return value, true, nil
}

func (r *Redis) CompareAndDelete(ctx context.Context, key, expect string) (bool, error) {
	redisKey := otpPrefix + key

	result, err := r.client.Eval(ctx, compareAndDeleteScript, []string{redisKey}, expect)
	if err != nil {
		util.Error("Failed to consume pending code",
			zap.String("contact", key),
			zap.Error(err))
		return false, fmt.Errorf("failed to consume pending code: %w", err)
	}

	deleted, ok := result.(int64)
	return ok && deleted == 1, nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	redisKey := otpPrefix + key

	if err := r.client.Del(ctx, redisKey); err != nil {
		util.Error("Failed to delete pending code",
			zap.String("contact", key),
			zap.Error(err))
		return fmt.Errorf("failed to delete pending code: %w", err)
	}

	util.Debug("Pending code deleted", zap.String("contact", key))
	return nil
}
