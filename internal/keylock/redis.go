package keylock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const unlockScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

const renewScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`

// RedisLocker implements Locker with SET NX and a per-acquisition token so
// only the holder can renew or release. Held keys are renewed every third
// of their ttl.
type RedisLocker struct {
	client *redis.Client
	prefix string
	poll   time.Duration
}

func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	return &RedisLocker{
		client: client,
		prefix: prefix,
		poll:   50 * time.Millisecond,
	}
}

func newToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func (r *RedisLocker) Lock(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	lockKey := r.prefix + key
	token := newToken()

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, lockKey, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis setnx failed: %w", err)
		}
		if ok {
			lease := &redisLease{
				client: r.client,
				key:    lockKey,
				token:  token,
				ttl:    ttl,
				lost:   make(chan struct{}),
				stop:   make(chan struct{}),
				done:   make(chan struct{}),
			}
			go lease.renew()
			return lease, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

type redisLease struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration

	lost     chan struct{}
	lostOnce sync.Once
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func (x *redisLease) Lost() <-chan struct{} { return x.lost }

func (x *redisLease) markLost() {
	x.lostOnce.Do(func() { close(x.lost) })
}

func (x *redisLease) renew() {
	defer close(x.done)
	interval := x.ttl / 3
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-x.stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		n, err := x.client.Eval(ctx, renewScript, []string{x.key}, x.token, x.ttl.Milliseconds()).Int64()
		cancel()
		if err != nil || n == 0 {
			log.Warn().Err(err).Str("component", "keylock").Str("key", x.key).Msg("lock renewal failed")
			x.markLost()
			return
		}
	}
}

func (x *redisLease) Unlock(ctx context.Context) error {
	first := false
	x.stopOnce.Do(func() {
		close(x.stop)
		first = true
	})
	if !first {
		return fmt.Errorf("lock not held: %s", x.key)
	}
	<-x.done

	result, err := x.client.Eval(ctx, unlockScript, []string{x.key}, x.token).Int64()
	if err != nil {
		return fmt.Errorf("redis eval failed: %w", err)
	}
	select {
	case <-x.lost:
		return fmt.Errorf("%s: %w", x.key, ErrLeaseLost)
	default:
	}
	if result == 0 {
		return fmt.Errorf("%s: %w", x.key, ErrLeaseLost)
	}
	return nil
}

// Close releases the redis connection pool.
func (r *RedisLocker) Close() error {
	return r.client.Close()
}
