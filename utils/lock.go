package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/nursery_backend/config"
	"github.com/sirupsen/logrus"
)

// Locker serializes work on one ledger key (a batch or a product) across service instances.
// The database conditional update remains the correctness guarantee; the lock only keeps
// racing pickers from burning transactions on rows another instance is about to change.
type Locker interface {
	Obtain(ctx context.Context, key string) (release func(), err error)
}

// RedisLocker is a Locker backed by bsm/redislock.
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
	logger *logrus.Logger
	// Retry is how long Obtain keeps polling for a contended key.
	Retry time.Duration
}

func NewRedisLocker(client *redislock.Client, ttl time.Duration, logger *logrus.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{client: client, ttl: ttl, logger: logger, Retry: 5 * time.Second}
}

func (l *RedisLocker) Obtain(ctx context.Context, key string) (func(), error) {
	if l == nil || l.client == nil {
		config.LogError(l.log(), "lock.go", "Obtain", "Redis lock not initialized", key, errors.New("redis lock is nil"))
		return nil, errors.New("service not ready (redis lock not initialized)")
	}
	var strategy redislock.RetryStrategy = redislock.NoRetry()
	if l.Retry > 0 {
		strategy = redislock.LimitRetry(redislock.LinearBackoff(50*time.Millisecond), int(l.Retry/(50*time.Millisecond)))
	}
	lock, err := l.client.Obtain(ctx, key, l.ttl, &redislock.Options{RetryStrategy: strategy})
	if errors.Is(err, redislock.ErrNotObtained) {
		config.LogError(l.log(), "lock.go", "Obtain", "Could not obtain lock", key, err)
		return nil, fmt.Errorf("%w: %s", ErrLockNotObtained, key)
	} else if err != nil {
		config.LogError(l.log(), "lock.go", "Obtain", "Error obtaining lock", key, err)
		return nil, err
	}
	return func() {
		// Release with a fresh context: the request context may already be cancelled.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			config.LogError(l.log(), "lock.go", "release", "Error releasing lock", key, err)
		}
	}, nil
}

func (l *RedisLocker) log() *logrus.Logger {
	if l == nil || l.logger == nil {
		return config.GetLogger()
	}
	return l.logger
}

// NoopLocker is used when no Redis is configured; the store's row locks still apply.
type NoopLocker struct{}

func (NoopLocker) Obtain(context.Context, string) (func(), error) {
	return func() {}, nil
}

func BatchLockKey(organizationId string, batchId int) string {
	return fmt.Sprintf("batchLock:%s:%d", organizationId, batchId)
}

func ProductLockKey(organizationId string, productId int) string {
	return fmt.Sprintf("productLock:%s:%d", organizationId, productId)
}
