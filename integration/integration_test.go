//go:build integration

package integration

import (
	"context"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pos-sync-platform/shared/lockx"
)

func env(t *testing.T, key string) string {
	t.Helper()
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		t.Skipf("%s not set", key)
	}
	return v
}

func TestDependencies(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	t.Run("postgres", func(t *testing.T) {
		pool, err := pgxpool.New(ctx, env(t, "DATABASE_URL"))
		require.NoError(t, err)
		defer pool.Close()
		require.NoError(t, pool.Ping(ctx))
	})

	t.Run("kafka", func(t *testing.T) {
		broker := strings.TrimSpace(strings.Split(env(t, "KAFKA_BROKERS"), ",")[0])
		conn, err := kafka.Dial("tcp", broker)
		require.NoError(t, err)
		_ = conn.Close()
	})

	t.Run("redis", func(t *testing.T) {
		client := redis.NewClient(&redis.Options{Addr: env(t, "REDIS_ADDR")})
		defer client.Close()
		require.NoError(t, client.Ping(ctx).Err())
	})

	t.Run("influx", func(t *testing.T) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, env(t, "INFLUX_URL")+"/health", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.True(t, resp.StatusCode >= 200 && resp.StatusCode < 300, "influx health status: %d", resp.StatusCode)
	})

	t.Run("asynq", func(t *testing.T) {
		inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: env(t, "ASYNQ_REDIS_ADDR")})
		defer inspector.Close()
		_, err := inspector.Queues()
		require.NoError(t, err)
	})
}

func TestRegistrationLockContention(t *testing.T) {
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: env(t, "REDIS_ADDR")})
	defer client.Close()

	locker := lockx.NewRedisLocker(client, "it:lock:")
	key := "register:" + time.Now().UTC().Format("150405.000000000")

	release, ok, err := locker.TryLock(ctx, key, 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locker.TryLock(ctx, key, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must not acquire a held lock")

	require.NoError(t, release(ctx))
	release, ok, err = locker.TryLock(ctx, key, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, release(ctx))
}
