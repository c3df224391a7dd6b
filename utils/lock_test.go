package utils

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewRedisLocker(redislock.New(client), 10*time.Second, logger), mr
}

func TestRedisLockerExcludesSecondHolder(t *testing.T) {
	locker, mr := newTestLocker(t)
	locker.Retry = 0
	key := BatchLockKey("org-1", 42)

	release, err := locker.Obtain(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, mr.Exists(key))

	_, err = locker.Obtain(context.Background(), key)
	require.ErrorIs(t, err, ErrLockNotObtained)

	release()
	assert.False(t, mr.Exists(key))

	again, err := locker.Obtain(context.Background(), key)
	require.NoError(t, err)
	again()
}

func TestRedisLockerWaitsForRelease(t *testing.T) {
	locker, _ := newTestLocker(t)
	key := ProductLockKey("org-1", 7)

	release, err := locker.Obtain(context.Background(), key)
	require.NoError(t, err)
	go func() {
		time.Sleep(100 * time.Millisecond)
		release()
	}()

	second, err := locker.Obtain(context.Background(), key)
	require.NoError(t, err)
	second()
}

func TestRedisLockerKeysAreTenantScoped(t *testing.T) {
	locker, _ := newTestLocker(t)
	locker.Retry = 0

	a, err := locker.Obtain(context.Background(), BatchLockKey("org-a", 1))
	require.NoError(t, err)
	defer a()
	b, err := locker.Obtain(context.Background(), BatchLockKey("org-b", 1))
	require.NoError(t, err)
	defer b()
}

func TestUninitializedLockerFails(t *testing.T) {
	var locker *RedisLocker
	_, err := locker.Obtain(context.Background(), "k")
	require.Error(t, err)

	release, err := NoopLocker{}.Obtain(context.Background(), "k")
	require.NoError(t, err)
	release()
}
