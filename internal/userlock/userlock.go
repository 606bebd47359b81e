// Package userlock serializes work per key (typically "<namespace>:<userID>").
//
// Local is an in-process keyed mutex. Redis is a lease held in Redis with
// SET NX PX, for deployments that run several replicas against one store.
// Both honor context cancellation while waiting.
package userlock

import (
	"context"
	"sync"
)

// Locker acquires an exclusive lock on key. The returned unlock func is safe
// to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

type entry struct {
	sem  chan struct{}
	refs int
}

// Local is a reference-counted keyed mutex; idle keys are dropped.
// The zero value is ready to use.
type Local struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewLocal returns an empty Local locker.
func NewLocal() *Local { return &Local{} }

// Lock blocks until key is free or ctx is done.
func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	if l.entries == nil {
		l.entries = make(map[string]*entry)
	}
	e, ok := l.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.drop(key, e)
		return func() {}, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.drop(key, e)
		})
	}, nil
}

func (l *Local) drop(key string, e *entry) {
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
	l.mu.Unlock()
}

// size reports the number of tracked keys.
func (l *Local) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
