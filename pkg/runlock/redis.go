package runlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisReleaseScript deletes the lock only if it still holds our token.
// KEYS[1] = lock key
// ARGV[1] = token
var redisReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// redisRenewScript extends the lease only if the lock still holds our token.
// KEYS[1] = lock key
// ARGV[1] = token
// ARGV[2] = lease in milliseconds
var redisRenewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker locks keys across processes with a leased Redis key. The
// lease bounds how long a crashed holder can block a run; a live holder
// renews it every third of the lease until unlock.
type RedisLocker struct {
	client     redis.UniversalClient
	prefix     string
	lease      time.Duration
	minBackoff time.Duration
	maxBackoff time.Duration
	logger     *slog.Logger
}

// RedisLockerOptions tune a RedisLocker. Zero values take defaults.
type RedisLockerOptions struct {
	Prefix     string
	Lease      time.Duration
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Logger     *slog.Logger
}

// NewRedisLocker wraps an existing client.
func NewRedisLocker(client redis.UniversalClient, opts RedisLockerOptions) *RedisLocker {
	l := &RedisLocker{
		client:     client,
		prefix:     opts.Prefix,
		lease:      opts.Lease,
		minBackoff: opts.MinBackoff,
		maxBackoff: opts.MaxBackoff,
		logger:     opts.Logger,
	}
	if l.prefix == "" {
		l.prefix = "decision-gate:runlock:"
	}
	if l.lease <= 0 {
		l.lease = 30 * time.Second
	}
	if l.minBackoff <= 0 {
		l.minBackoff = 5 * time.Millisecond
	}
	if l.maxBackoff <= 0 {
		l.maxBackoff = 250 * time.Millisecond
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// NewRedisLockerFromAddr connects to a single Redis server.
func NewRedisLockerFromAddr(addr, password string, db int, opts RedisLockerOptions) *RedisLocker {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisLocker(rdb, opts)
}

// Lock retries SET NX with exponential backoff until it wins or ctx ends.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + key
	token := uuid.NewString()
	backoff := l.minBackoff
	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.lease).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			break
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if backoff > l.maxBackoff {
			backoff = l.maxBackoff
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.renew(redisKey, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			// Release must run even when the caller's context is already done.
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := redisReleaseScript.Run(rctx, l.client, []string{redisKey}, token).Err(); err != nil {
				l.logger.Warn("redis lock release failed", "key", key, "error", err)
			}
		})
	}, nil
}

// renewInterval is how often a held lease is extended.
func renewInterval(lease time.Duration) time.Duration {
	if d := lease / 3; d > 0 {
		return d
	}
	return lease
}

// renew extends the lease until stop is closed or the lock is lost.
func (l *RedisLocker) renew(redisKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(renewInterval(l.lease))
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), l.lease)
		n, err := redisRenewScript.Run(ctx, l.client, []string{redisKey}, token, l.lease.Milliseconds()).Int()
		cancel()
		switch {
		case err != nil:
			l.logger.Warn("redis lock renew failed", "key", redisKey, "error", err)
		case n == 0:
			l.logger.Error("redis lock lost before unlock", "key", redisKey)
			return
		}
	}
}
