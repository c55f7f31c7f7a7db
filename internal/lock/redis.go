// Package lock реализует распределённую блокировку на Redis.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// releaseScript удаляет ключ, только если он всё ещё принадлежит владельцу токена.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

// ReleaseFunc снимает захваченную блокировку.
type ReleaseFunc func(ctx context.Context) error

// RedisLocker выдаёт блокировки через SET NX с TTL.
type RedisLocker struct {
	client redis.Cmdable
	prefix string
	token  func() string
}

// NewRedisLocker создаёт RedisLocker. Ключи блокировок получают префикс prefix.
func NewRedisLocker(client redis.Cmdable, prefix string) *RedisLocker {
	return &RedisLocker{
		client: client,
		prefix: prefix,
		token:  func() string { return uuid.NewString() },
	}
}

// Acquire пытается захватить блокировку key на ttl. Если блокировка занята, ok == false.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (ReleaseFunc, bool, error) {
	fullKey := l.key(key)
	token := l.token()

	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", fullKey, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		if err := l.client.Eval(ctx, releaseScript, []string{fullKey}, token).Err(); err != nil {
			return fmt.Errorf("release lock %s: %w", fullKey, err)
		}
		return nil
	}
	return release, true, nil
}

func (l *RedisLocker) key(name string) string {
	if l.prefix == "" {
		return name
	}
	return l.prefix + ":lock:" + name
}
