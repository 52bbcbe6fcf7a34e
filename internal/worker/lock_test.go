package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis holds a single key and understands the lock scripts.
type fakeRedis struct {
	redis.Cmdable

	mu      sync.Mutex
	value   string
	extends int
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.value != "" {
		return redis.NewBoolResult(false, nil)
	}
	f.value = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if args[0] != f.value {
		return redis.NewCmdResult(int64(0), nil)
	}
	switch sha1 {
	case extendScript.Hash():
		f.extends++
	case releaseScript.Hash():
		f.value = ""
	}
	return redis.NewCmdResult(int64(1), nil)
}

func (f *fakeRedis) snapshot() (string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.extends
}

func TestRedisLocker_ExtendsWhileHeld(t *testing.T) {
	client := &fakeRedis{}
	locker := NewRedisLocker(client, "sweep", 30*time.Millisecond)
	ctx := context.Background()

	release, ok, err := locker.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		_, n := client.snapshot()
		return n >= 3
	}, time.Second, 5*time.Millisecond)

	_, ok, err = NewRedisLocker(client, "sweep", 30*time.Millisecond).Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, release(ctx))
	value, extends := client.snapshot()
	assert.Empty(t, value)

	time.Sleep(50 * time.Millisecond)
	_, after := client.snapshot()
	assert.Equal(t, extends, after)

	// a second release is harmless
	require.NoError(t, release(ctx))

	_, ok, err = locker.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLocker_LostLockIsLeftAlone(t *testing.T) {
	client := &fakeRedis{}
	locker := NewRedisLocker(client, "sweep", 30*time.Millisecond)
	ctx := context.Background()

	release, ok, err := locker.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	client.mu.Lock()
	client.value = "other-replica"
	client.mu.Unlock()

	time.Sleep(40 * time.Millisecond)
	require.NoError(t, release(ctx))
	value, _ := client.snapshot()
	assert.Equal(t, "other-replica", value)
}
