package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrLockHeld is returned when another holder owns the lock.
var ErrLockHeld = errors.New("lock is held by another process")

// 只删除自己持有的锁，过期后被别人拿到的锁不受影响
var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Lock takes key with SET NX PX for ttl. The returned func releases it
// while this holder still owns it.
func Lock(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (func(context.Context) error, error) {
	if client == nil {
		return nil, fmt.Errorf("Redis client not initialized")
	}
	token := uuid.NewString()
	ok, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to take lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return func(ctx context.Context) error {
		return unlockScript.Run(ctx, client, []string{key}, token).Err()
	}, nil
}

// LockFlush takes the royalty flush lock shared by every Encore process.
func (c *PlayCounter) LockFlush(ctx context.Context, ttl time.Duration) (func(context.Context) error, error) {
	return Lock(ctx, c.client, flushLockKey, ttl)
}
