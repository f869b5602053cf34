// Package cachex is a small JSON cache over Redis. Keys are namespaced by
// the owning service so several services can share one Redis database.
package cachex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"pos-sync-platform/shared/config"
)

var ErrNotConfigured = errors.New("cachex: redis client not configured")

type Client struct {
	rdb    *redis.Client
	prefix string
}

func New(cfg config.Config) (*Client, error) {
	if cfg.RedisAddr == "" {
		return nil, errors.New("REDIS_ADDR is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	return Wrap(rdb, cfg.ServiceName+":"), nil
}

// Wrap builds a Client around an existing redis client.
func Wrap(rdb *redis.Client, prefix string) *Client {
	return &Client{rdb: rdb, prefix: prefix}
}

func (c *Client) ready() error {
	if c == nil || c.rdb == nil {
		return ErrNotConfigured
	}
	return nil
}

func (c *Client) key(k string) string {
	return c.prefix + k
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) Close() error {
	if c.ready() != nil {
		return nil
	}
	return c.rdb.Close()
}

// SetJSON stores value under key. A ttl of zero keeps the key forever.
func (c *Client) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	if err := c.ready(); err != nil {
		return err
	}
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cachex: encode %s: %w", key, err)
	}
	return c.rdb.Set(ctx, c.key(key), b, ttl).Err()
}

// GetJSON reports false on a miss. An entry that no longer decodes into
// dest is dropped and reported as a miss.
func (c *Client) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	if err := c.ready(); err != nil {
		return false, err
	}
	raw, err := c.rdb.Get(ctx, c.key(key)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return false, nil
	case err != nil:
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		_ = c.rdb.Del(ctx, c.key(key)).Err()
		return false, nil
	}
	return true, nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.rdb.Del(ctx, c.key(key)).Err()
}

// Client exposes the underlying connection for lockx and health checks.
func (c *Client) Client() *redis.Client {
	if c == nil {
		return nil
	}
	return c.rdb
}
