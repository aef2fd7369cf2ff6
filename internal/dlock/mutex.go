// Package dlock implements a cluster-wide, TTL-bounded exclusive lock on Redis.
package dlock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the lock key only when it still holds the caller's
// token. A slow holder whose TTL expired must never delete a lock that a
// later holder has since acquired.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
else
  return 0
end
`)

// Mutex is a distributed mutex keyed per logical workload. Failing to acquire
// is an expected outcome, not an error: callers skip their cycle.
type Mutex struct {
	client redis.Cmdable
	logger *zap.Logger
}

// NewMutex creates a mutex backed by the given Redis client.
func NewMutex(client redis.Cmdable, logger *zap.Logger) *Mutex {
	return &Mutex{client: client, logger: logger}
}

// TryAcquire attempts a single atomic create-if-absent with expiry. It returns
// the owner token on success, or ok=false when another runner holds the lock.
func (m *Mutex) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.New().String()
	acquired, err := m.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !acquired {
		return "", false, nil
	}
	m.logger.Debug("acquired distributed lock",
		zap.String("key", key),
		zap.String("token", token),
		zap.Duration("ttl", ttl))
	return token, true, nil
}

// Release deletes the key only if its value equals the caller's token.
// It reports whether the lock was actually released by this call.
func (m *Mutex) Release(ctx context.Context, key, token string) (bool, error) {
	res, err := releaseScript.Run(ctx, m.client, []string{key}, token).Result()
	if err != nil {
		return false, fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	deleted, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected redis script result: %v", res)
	}
	if deleted == 0 {
		m.logger.Warn("lock release skipped, token no longer owns the key",
			zap.String("key", key))
		return false, nil
	}
	return true, nil
}
