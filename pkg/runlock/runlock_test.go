package runlock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLockerSerializesSameKey(t *testing.T) {
	l := NewLocalLocker()
	var (
		inside  int32
		maxSeen int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "run-1")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxSeen)
				if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen)
	assert.Equal(t, 0, l.held(), "entries released")
}

func TestLocalLockerKeysIndependent(t *testing.T) {
	l := NewLocalLocker()
	unlockA, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := l.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()
}

func TestLocalLockerContextCancel(t *testing.T) {
	l := NewLocalLocker()
	unlock, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "a")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	assert.Equal(t, 0, l.held())
}

var (
	_ Locker = (*LocalLocker)(nil)
	_ Locker = (*RedisLocker)(nil)
)

func TestRenewInterval(t *testing.T) {
	assert.Equal(t, 10*time.Second, renewInterval(30*time.Second))
	assert.Equal(t, 100*time.Millisecond, renewInterval(300*time.Millisecond))
	assert.Equal(t, 2*time.Nanosecond, renewInterval(2*time.Nanosecond))
}

func TestKey(t *testing.T) {
	assert.Equal(t, "t/ns/run", Key("t", "ns", "run"))
}

// TestRedisLocker_Integration requires a running Redis and is skipped
// otherwise.
func TestRedisLocker_Integration(t *testing.T) {
	l := NewRedisLockerFromAddr("localhost:6379", "", 0, RedisLockerOptions{Lease: 2 * time.Second})
	ctx := context.Background()
	if err := l.client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	key := "integration-" + time.Now().Format("150405.000000")
	unlock, err := l.Lock(ctx, key)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = l.Lock(short, key)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock2, err := l.Lock(ctx, key)
	require.NoError(t, err)
	unlock2()
}

// TestRedisLocker_LeaseRenewed holds a lock well past its lease and checks
// that nobody else acquires it meanwhile. Requires a running Redis.
func TestRedisLocker_LeaseRenewed(t *testing.T) {
	l := NewRedisLockerFromAddr("localhost:6379", "", 0, RedisLockerOptions{Lease: 300 * time.Millisecond})
	ctx := context.Background()
	if err := l.client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	key := "renew-" + time.Now().Format("150405.000000")
	unlock, err := l.Lock(ctx, key)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err = l.Lock(short, key)
	require.ErrorIs(t, err, context.DeadlineExceeded, "lease kept alive while held")

	ttl, err := l.client.PTTL(ctx, l.prefix+key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	unlock()
	unlock()
	exists, err := l.client.Exists(ctx, l.prefix+key).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), exists)
}
