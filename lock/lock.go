/*
Package lock provides non-blocking keyed locks used to keep a single writer
per batch.

PURPOSE:
  A write to a batch first takes the batch's lock. The lock never waits: if
  the key is held, TryLock returns ErrNotObtained at once and the ledger
  reports a ConcurrentModificationError. Two lockers ship:

    Local  one process, an in-memory set of held keys
    Redis  several processes, keys held in Redis through redislock

  Locks on different keys never contend.
*/
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrNotObtained is returned when the key is already held.
var ErrNotObtained = errors.New("lock not obtained")

// Local is an in-process keyed try-lock.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

// TryLock takes key if it is free. The returned func releases it and is
// safe to call more than once.
func (l *Local) TryLock(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return nil, ErrNotObtained
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

// Held reports whether key is currently locked.
func (l *Local) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, busy := l.held[key]
	return busy
}
