package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out short-lived exclusive locks backed by redis SET NX.
type Locker struct {
	client redis.Cmdable
	logger *slog.Logger
}

// NewLocker constructs a Locker.
func NewLocker(client redis.Cmdable, logger *slog.Logger) *Locker {
	return &Locker{client: client, logger: logger}
}

// Acquire tries to take key for ttl. ok is false when another holder owns it.
// The returned release is safe to call once the lock expired.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	if l == nil || l.client == nil {
		return nil, false, fmt.Errorf("platform/cache: locker not initialised")
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("platform/cache: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, l.client, []string{key}, token).Err(); err != nil && l.logger != nil {
			l.logger.Warn("release lock", slog.String("key", key), slog.Any("error", err))
		}
	}
	return release, true, nil
}
