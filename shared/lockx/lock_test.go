package lockx

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireValidatesInputs(t *testing.T) {
	ctx := context.Background()

	_, ok, err := Acquire(ctx, nil, "k", time.Second)
	require.ErrorIs(t, err, ErrNoClient)
	assert.False(t, ok)

	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer rdb.Close()
	_, ok, err = Acquire(ctx, rdb, "k", 0)
	require.ErrorIs(t, err, ErrInvalidTTL)
	assert.False(t, ok)
}

func TestDetachedLeaseRefusesWork(t *testing.T) {
	ctx := context.Background()
	var l *Lease
	require.ErrorIs(t, l.Release(ctx), ErrNoClient)
	require.ErrorIs(t, l.Extend(ctx, time.Second), ErrNoClient)

	l = &Lease{Key: "k", Token: "t"}
	require.ErrorIs(t, l.Release(ctx), ErrNoClient)
}

func TestNilLockerRefuses(t *testing.T) {
	var l *RedisLocker
	release, ok, err := l.TryLock(context.Background(), "k", time.Second)
	require.ErrorIs(t, err, ErrNoClient)
	assert.False(t, ok)
	assert.Nil(t, release)
}
