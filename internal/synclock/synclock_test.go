package synclock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInProcess_SameEntitySerializes(t *testing.T) {
	l := NewInProcess()
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "Tasks")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		u, err := l.Lock(ctx, "Tasks")
		assert.NoError(t, err)
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock on the same entity acquired while the first is still held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Lock never acquired after the first was released")
	}
}

func TestInProcess_DistinctEntitiesRunConcurrently(t *testing.T) {
	l := NewInProcess()
	ctx := context.Background()

	unlockA, err := l.Lock(ctx, "Tasks")
	require.NoError(t, err)
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB, err := l.Lock(ctx, "Projects")
		assert.NoError(t, err)
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a distinct entity blocked behind an unrelated entity's lock")
	}
}

func TestInProcess_UnlockIsIdempotent(t *testing.T) {
	l := NewInProcess()
	unlock, err := l.Lock(context.Background(), "Tasks")
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		unlock()
		unlock()
	})

	// The semaphore must be free again after one release.
	_, err = l.Lock(context.Background(), "Tasks")
	assert.NoError(t, err)
}

func TestInProcess_LockRespectsContextCancellation(t *testing.T) {
	l := NewInProcess()
	unlock, err := l.Lock(context.Background(), "Tasks")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = l.Lock(ctx, "Tasks")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInProcess_NoGlobalLockAcrossManyEntities(t *testing.T) {
	l := NewInProcess()
	const n = 50
	var wg sync.WaitGroup
	var concurrent int32
	var maxConcurrent int32

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), entityName(i))
			require.NoError(t, err)
			cur := atomic.AddInt32(&concurrent, 1)
			for {
				max := atomic.LoadInt32(&maxConcurrent)
				if cur <= max || atomic.CompareAndSwapInt32(&maxConcurrent, max, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&concurrent, -1)
			unlock()
		}(i)
	}
	wg.Wait()

	assert.Greater(t, int(atomic.LoadInt32(&maxConcurrent)), 1, "locks on distinct entities should overlap in time")
}

func entityName(i int) string {
	return "Entity" + string(rune('A'+i%26)) + string(rune('0'+i/26))
}
