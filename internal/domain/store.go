package domain

import (
	"context"
	"sync"

	"example.com/ridesync/internal/record"
)

// EntityStore persists syncable entities on the primary device.
type EntityStore interface {
	// Get returns ErrEntityNotFound when the key is absent.
	Get(ctx context.Context, key record.Key) (Entry, error)
	Put(ctx context.Context, entry Entry) error
	Delete(ctx context.Context, key record.Key) error
	List(ctx context.Context, t record.Type) ([]Entry, error)
	ListByStatus(ctx context.Context, status SyncStatus) ([]Entry, error)
}

// Locks serialises work on a single entity while leaving other entities free.
type Locks struct {
	mu   sync.Mutex
	held map[record.Key]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewLocks returns an empty lock table.
func NewLocks() *Locks {
	return &Locks{held: make(map[record.Key]*keyLock)}
}

// Lock blocks until key is free and returns its release function.
func (l *Locks) Lock(key record.Key) func() {
	l.mu.Lock()
	kl, ok := l.held[key]
	if !ok {
		kl = &keyLock{}
		l.held[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		l.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(l.held, key)
		}
		l.mu.Unlock()
	}
}
