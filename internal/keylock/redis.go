package keylock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"orderflow/internal/reliability"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisClient is the subset of go-redis used by RedisLocker.
type RedisClient interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
}

// Deletes the key only while it still holds our token, so an expired lock
// re-acquired by another process is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLockerConfig bounds lock lifetime and acquisition.
type RedisLockerConfig struct {
	Prefix string
	// TTL caps how long a crashed holder can block the key.
	TTL  time.Duration
	Wait time.Duration
	Poll time.Duration
}

// RedisLocker is a Locker shared by every process talking to the same Redis.
type RedisLocker struct {
	client RedisClient
	cfg    RedisLockerConfig
	log    *zap.Logger
}

// NewRedisLocker constructs a RedisLocker with defaults filled in.
func NewRedisLocker(client RedisClient, cfg RedisLockerConfig, log *zap.Logger) *RedisLocker {
	if cfg.Prefix == "" {
		cfg.Prefix = "orderflow:lock:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.Wait <= 0 {
		cfg.Wait = 10 * time.Second
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 25 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisLocker{client: client, cfg: cfg, log: log}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.cfg.Prefix + key
	token := uuid.NewString()
	deadline := time.Now().Add(l.cfg.Wait)

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.cfg.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		}
		if err := reliability.SleepWithContext(ctx, l.cfg.Poll); err != nil {
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be done; release must still reach Redis.
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Err(); err != nil {
				l.log.Warn("release lock failed", zap.String("key", key), zap.Error(err))
			}
		})
	}, nil
}
