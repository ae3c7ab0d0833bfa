// Package keylock serializes work on a mutable key (a lock config, a
// rollover task, a strategy group) either inside one process or across
// instances through Redis.
package keylock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/ksred/polar-ops/internal/config"
)

// ErrLeaseLost is returned when a held key expired or was taken over
// before the holder released it.
var ErrLeaseLost = errors.New("lock lease lost")

// Locker grants exclusive ownership of a key.
type Locker interface {
	// Lock blocks until the key is held or ctx is done. ttl bounds how long
	// a crashed holder can keep the key; implementations that cannot expire
	// ignore it.
	Lock(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is one acquisition of a key.
type Lease interface {
	// Lost is closed once the key can no longer be guaranteed to this
	// holder. It is nil for leases that cannot be lost.
	Lost() <-chan struct{}

	// Unlock releases the key. It returns ErrLeaseLost when another holder
	// may have owned the key in the meantime.
	Unlock(ctx context.Context) error
}

// New builds the Locker named by cfg.Type.
func New(cfg config.KeyLockConfig) (Locker, error) {
	switch cfg.Type {
	case "", "local":
		return NewLocalLocker(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		return NewRedisLocker(client, cfg.Prefix), nil
	default:
		return nil, fmt.Errorf("unsupported lock type: %s", cfg.Type)
	}
}

// With runs fn while holding key. The context passed to fn is cancelled if
// the lease is lost, and the run then fails with ErrLeaseLost.
func With(ctx context.Context, l Locker, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	lease, err := l.Lock(ctx, key, ttl)
	if err != nil {
		return fmt.Errorf("acquire %s: %w", key, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if lost := lease.Lost(); lost != nil {
		go func() {
			select {
			case <-lost:
				cancel()
			case <-runCtx.Done():
			}
		}()
	}

	err = fn(runCtx)

	// Release with a fresh context so a cancelled caller still unlocks.
	if uerr := lease.Unlock(context.Background()); uerr != nil {
		log.Warn().Err(uerr).Str("component", "keylock").Str("key", key).Msg("release lock")
		if errors.Is(uerr, ErrLeaseLost) {
			return fmt.Errorf("hold %s: %w", key, errors.Join(uerr, err))
		}
	}
	return err
}
