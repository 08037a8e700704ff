// Package local provides in-process stand-ins for the Redis-backed cache
// services. A single-node deployment runs with Redis disabled and uses these.
package local

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/chainrecon/internal/domain"
)

// KeyedMutex is a set of mutexes addressed by string key. Entries are
// reference counted and dropped when no goroutine holds or waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

var _ domain.LockManager = (*KeyedMutex)(nil)

// NewKeyedMutex returns an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

func (k *KeyedMutex) ref(key string) *keyLock {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	return l
}

func (k *KeyedMutex) unref(key string, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

// Lock blocks until key is free or ctx is done.
func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	l := k.ref(key)
	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		k.unref(key, l)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			k.unref(key, l)
		})
	}, nil
}

// Acquire takes key without waiting and returns domain.ErrLockHeld when it
// is taken. The ttl is ignored: an in-process holder cannot vanish without
// its unlock running.
func (k *KeyedMutex) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l := k.ref(key)
	select {
	case l.ch <- struct{}{}:
	default:
		k.unref(key, l)
		return nil, domain.ErrLockHeld
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			k.unref(key, l)
		})
	}, nil
}

// Len returns the number of keys currently held or waited on.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
