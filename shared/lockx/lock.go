// Package lockx implements single-holder leases on Redis. A lease is a
// random token stored under the key with a TTL; only the holder of the
// token can extend or release it.
package lockx

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrNoClient   = errors.New("lockx: redis client not configured")
	ErrInvalidTTL = errors.New("lockx: ttl must be positive")
	ErrNotHeld    = errors.New("lockx: lease no longer held")
)

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

type Lease struct {
	Key   string
	Token string
	TTL   time.Duration

	rdb *redis.Client
}

// Acquire reports ok=false without error when another holder owns key.
func Acquire(ctx context.Context, rdb *redis.Client, key string, ttl time.Duration) (*Lease, bool, error) {
	if rdb == nil {
		return nil, false, ErrNoClient
	}
	if ttl <= 0 {
		return nil, false, ErrInvalidTTL
	}
	token := uuid.NewString()
	ok, err := rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	return &Lease{Key: key, Token: token, TTL: ttl, rdb: rdb}, true, nil
}

// Release deletes the key if the lease still owns it. Releasing a lease
// that already expired is not an error.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil || l.rdb == nil {
		return ErrNoClient
	}
	return releaseScript.Run(ctx, l.rdb, []string{l.Key}, l.Token).Err()
}

// Extend resets the TTL. It returns ErrNotHeld once the key expired or was
// taken over.
func (l *Lease) Extend(ctx context.Context, ttl time.Duration) error {
	if l == nil || l.rdb == nil {
		return ErrNoClient
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	n, err := extendScript.Run(ctx, l.rdb, []string{l.Key}, l.Token, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	l.TTL = ttl
	return nil
}

// RedisLocker hands out leases under a common key prefix.
type RedisLocker struct {
	Client *redis.Client
	Prefix string
}

func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	return &RedisLocker{Client: client, Prefix: prefix}
}

// TryLock returns the release func of a fresh lease, or ok=false when the
// key is held elsewhere.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	if l == nil {
		return nil, false, ErrNoClient
	}
	lease, ok, err := Acquire(ctx, l.Client, l.Prefix+key, ttl)
	if err != nil || !ok {
		return nil, ok, err
	}
	return lease.Release, true, nil
}
