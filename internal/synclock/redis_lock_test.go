package synclock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMiniredis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedis_AcquireAndRelease(t *testing.T) {
	client := setupMiniredis(t)
	lock := NewRedis(client, RedisConfig{TTL: time.Second, AcquireTimeout: time.Second, RetryInterval: 10 * time.Millisecond}, nil)

	unlock, err := lock.Lock(context.Background(), "Tasks")
	require.NoError(t, err)

	exists, err := client.Exists(context.Background(), "spsync:tablelock:Tasks").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists)

	unlock()

	exists, err = client.Exists(context.Background(), "spsync:tablelock:Tasks").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), exists, "release should delete the key")
}

func TestRedis_SecondAcquireBlocksUntilReleased(t *testing.T) {
	client := setupMiniredis(t)
	lock := NewRedis(client, RedisConfig{TTL: 5 * time.Second, AcquireTimeout: time.Second, RetryInterval: 10 * time.Millisecond}, nil)

	unlock1, err := lock.Lock(context.Background(), "Tasks")
	require.NoError(t, err)

	acquired := make(chan Unlock, 1)
	go func() {
		u, err := lock.Lock(context.Background(), "Tasks")
		assert.NoError(t, err)
		acquired <- u
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire succeeded while the first lock is still held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock1()

	select {
	case u := <-acquired:
		u()
	case <-time.After(time.Second):
		t.Fatal("second acquire never completed after release")
	}
}

func TestRedis_ReleaseOnlyRemovesOwnToken(t *testing.T) {
	client := setupMiniredis(t)
	lock := NewRedis(client, RedisConfig{TTL: 5 * time.Second, AcquireTimeout: time.Second, RetryInterval: 10 * time.Millisecond}, nil)

	unlock, err := lock.Lock(context.Background(), "Tasks")
	require.NoError(t, err)

	// Simulate a stale unlock call racing a new holder: overwrite the key
	// with a different token, then call the first unlock.
	require.NoError(t, client.Set(context.Background(), "spsync:tablelock:Tasks", "someone-elses-token", 5*time.Second).Err())

	unlock()

	val, err := client.Get(context.Background(), "spsync:tablelock:Tasks").Result()
	require.NoError(t, err)
	assert.Equal(t, "someone-elses-token", val, "unlock must not delete a key it no longer owns")
}

func TestRedis_LockRespectsContextCancellation(t *testing.T) {
	client := setupMiniredis(t)
	lock := NewRedis(client, RedisConfig{TTL: 5 * time.Second, AcquireTimeout: 50 * time.Millisecond, RetryInterval: 10 * time.Millisecond}, nil)

	_, err := lock.Lock(context.Background(), "Tasks")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = lock.Lock(ctx, "Tasks")
	assert.Error(t, err)
}
