package keylock

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestLocalLockerSerializesKey(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := With(ctx, l, "cfg-1", time.Second, func(context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			if err != nil {
				t.Errorf("With: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Fatalf("max concurrent holders=%d want 1", maxInside)
	}
	if len(l.keys) != 0 {
		t.Fatalf("entries left=%d want 0", len(l.keys))
	}
}

func TestLocalLockerIndependentKeys(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()
	if _, err := l.Lock(ctx, "a", 0); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := l.Lock(ctx, "b", 0)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestLocalLockerContextCancel(t *testing.T) {
	l := NewLocalLocker()
	lease, err := l.Lock(context.Background(), "k", 0)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "k", 0); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v want deadline exceeded", err)
	}
	if err := lease.Unlock(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := lease.Unlock(context.Background()); err == nil {
		t.Fatal("double unlock should fail")
	}
}

func TestStaleLeaseCannotReleaseNextHolder(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()
	first, err := l.Lock(ctx, "k", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Unlock(ctx); err != nil {
		t.Fatal(err)
	}
	second, err := l.Lock(ctx, "k", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Unlock(ctx); err == nil {
		t.Fatal("released lease unlocked the next holder")
	}

	blocked, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(blocked, "k", 0); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second holder lost the key: %v", err)
	}
	if err := second.Unlock(ctx); err != nil {
		t.Fatal(err)
	}
}

type lossyLease struct {
	lost chan struct{}
}

func (x *lossyLease) Lost() <-chan struct{} { return x.lost }

func (x *lossyLease) Unlock(context.Context) error {
	select {
	case <-x.lost:
		return ErrLeaseLost
	default:
		return nil
	}
}

type lossyLocker struct {
	lease *lossyLease
}

func (l *lossyLocker) Lock(context.Context, string, time.Duration) (Lease, error) {
	return l.lease, nil
}

func TestWithCancelsRunOnLostLease(t *testing.T) {
	l := &lossyLocker{lease: &lossyLease{lost: make(chan struct{})}}

	err := With(context.Background(), l, "task-1", time.Second, func(ctx context.Context) error {
		close(l.lease.lost)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			t.Error("run context survived the lost lease")
			return nil
		}
	})
	if !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("err=%v want ErrLeaseLost", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want the run's cancellation", err)
	}
}

func TestRedisLeaseRenews(t *testing.T) {
	addr := os.Getenv("POLAR_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("POLAR_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	l := NewRedisLocker(client, "polar-test:")
	t.Cleanup(func() { _ = l.Close() })
	ctx := context.Background()

	err := With(ctx, l, t.Name(), 300*time.Millisecond, func(ctx context.Context) error {
		// Outlive the ttl several times over.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	if err != nil {
		t.Fatalf("renewed lease failed: %v", err)
	}

	lease, err := l.Lock(ctx, t.Name(), 300*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	// Another holder steals the key.
	if err := client.Set(ctx, "polar-test:"+t.Name(), "other", time.Second).Err(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-lease.Lost():
	case <-time.After(time.Second):
		t.Fatal("stolen key not reported as lost")
	}
	if err := lease.Unlock(ctx); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("unlock err=%v want ErrLeaseLost", err)
	}
	_ = client.Del(ctx, "polar-test:"+t.Name()).Err()
}
