package session

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// KeyLock hands out one mutex per [Key]. Entries are reference counted and
// dropped when the last holder or waiter releases, so idle keys cost nothing.
//
// The zero value is ready to use.
type KeyLock struct {
	mu    sync.Mutex
	locks map[Key]*keyEntry
}

type keyEntry struct {
	sem  *semaphore.Weighted
	refs int
}

// Lock blocks until key is free or ctx is done and returns the function that
// releases it. A waiter whose context ends gives up without taking the key
// and gets an error wrapping ctx.Err(). Calling the returned function more
// than once is a no-op.
func (l *KeyLock) Lock(ctx context.Context, key Key) (unlock func(), err error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("session: lock %s: %w", key, err)
	}

	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[Key]*keyEntry)
	}
	e, ok := l.locks[key]
	if !ok {
		e = &keyEntry{sem: semaphore.NewWeighted(1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		l.release(key, e)
		return nil, fmt.Errorf("session: lock %s: %w", key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			l.release(key, e)
		})
	}, nil
}

func (l *KeyLock) release(key Key, e *keyEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

// held returns the number of keys with a holder or waiter.
func (l *KeyLock) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
