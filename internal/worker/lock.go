package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker guards a sweep against overlap with other replicas. Acquire returns
// ok=false without error when someone else holds the lock.
type Locker interface {
	Acquire(ctx context.Context) (release func(context.Context) error, ok bool, err error)
}

type noopLocker struct{}

func (noopLocker) Acquire(context.Context) (func(context.Context) error, bool, error) {
	return func(context.Context) error { return nil }, true, nil
}

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript pushes the expiry out only while the key still carries our
// token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker is a single-instance SET NX PX lock. While held, the expiry is
// pushed out every ttl/3 so a sweep that outlives ttl keeps the lock; ttl
// only bounds how long a crashed holder blocks the others.
type RedisLocker struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
}

func NewRedisLocker(client redis.Cmdable, key string, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: client, key: key, ttl: ttl}
}

func (l *RedisLocker) Acquire(ctx context.Context) (func(context.Context) error, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	if !ok {
		return nil, false, nil
	}

	refreshCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.refresh(refreshCtx, token)
	}()

	var once sync.Once
	release := func(ctx context.Context) error {
		var err error
		once.Do(func() {
			stop()
			<-done
			if rerr := releaseScript.Run(ctx, l.client, []string{l.key}, token).Err(); rerr != nil && !errors.Is(rerr, redis.Nil) {
				err = fmt.Errorf("failed to release lock %s: %w", l.key, rerr)
			}
		})
		return err
	}
	return release, true, nil
}

// refresh extends the lock until ctx is done or the lock is no longer ours.
func (l *RedisLocker) refresh(ctx context.Context, token string) {
	interval := l.ttl / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := extendScript.Run(ctx, l.client, []string{l.key}, token, l.ttl.Milliseconds()).Int64()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				// transient; the next tick retries while ttl has not run out
				continue
			}
			if n == 0 {
				return
			}
		}
	}
}
