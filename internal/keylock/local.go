package keylock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type localEntry struct {
	ch   chan struct{}
	refs int
}

// LocalLocker holds one slot per key. Entries are dropped once no holder
// or waiter references them, so the map only grows with concurrency.
type LocalLocker struct {
	mu   sync.Mutex
	keys map[string]*localEntry
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{keys: make(map[string]*localEntry)}
}

func (l *LocalLocker) acquireEntry(key string) *localEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.keys[key]
	if !ok {
		e = &localEntry{ch: make(chan struct{}, 1)}
		l.keys[key] = e
	}
	e.refs++
	return e
}

func (l *LocalLocker) releaseEntry(key string, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.keys, key)
	}
}

func (l *LocalLocker) Lock(ctx context.Context, key string, _ time.Duration) (Lease, error) {
	e := l.acquireEntry(key)
	select {
	case e.ch <- struct{}{}:
		return &localLease{locker: l, key: key, entry: e}, nil
	case <-ctx.Done():
		l.releaseEntry(key, e)
		return nil, ctx.Err()
	}
}

// localLease never expires.
type localLease struct {
	locker *LocalLocker
	key    string
	entry  *localEntry

	once sync.Once
}

func (*localLease) Lost() <-chan struct{} { return nil }

func (x *localLease) Unlock(context.Context) error {
	released := false
	x.once.Do(func() {
		<-x.entry.ch
		x.locker.releaseEntry(x.key, x.entry)
		released = true
	})
	if !released {
		return fmt.Errorf("lock not held: %s", x.key)
	}
	return nil
}
