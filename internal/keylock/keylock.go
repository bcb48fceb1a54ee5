// Package keylock provides per-key mutual exclusion with bounded waits.
package keylock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"crm-realtime/internal/apperr"
)

type entry struct {
	sem  chan struct{}
	refs int
}

// Locker serializes callers that share a key. Different keys never contend.
type Locker[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*entry
	timeout time.Duration
}

// New returns a Locker whose acquisitions give up after timeout.
// A zero timeout waits until the context is done.
func New[K comparable](timeout time.Duration) *Locker[K] {
	return &Locker[K]{entries: make(map[K]*entry), timeout: timeout}
}

// Lock acquires the key and returns the release func. It fails with
// apperr.ErrTimeout when the lock is not obtained in time.
func (l *Locker[K]) Lock(ctx context.Context, key K) (func(), error) {
	e := l.ref(key)

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.unref(key)
		return nil, fmt.Errorf("lock %v: %w", key, apperr.ErrTimeout)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.unref(key)
		})
	}, nil
}

// Len reports how many keys are currently held or awaited.
func (l *Locker[K]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Locker[K]) ref(key K) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *Locker[K]) unref(key K) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}
