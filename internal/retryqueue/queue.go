// Package retryqueue provides a durable, ordered queue whose entries carry their
// own retry bookkeeping. Every mutation is persisted before it becomes visible.
package retryqueue

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// ErrNotFound is returned when an id is not in the queue.
var ErrNotFound = errors.New("queue entry not found")

// DefaultMaxAttempts is the cleanup threshold used when none is configured.
const DefaultMaxAttempts = 10

// State is the retry bookkeeping embedded in every queued value.
type State struct {
	Synced       bool       `json:"synced"`
	SyncAttempts int        `json:"syncAttempts"`
	LastAttempt  *time.Time `json:"lastAttempt,omitempty"`
}

// Store persists the full queue contents.
type Store[T any] interface {
	Load() ([]T, error)
	Save(items []T) error
}

// Config wires a Queue to its element type.
type Config[T any] struct {
	// Key returns the unique id of an element.
	Key func(T) string
	// State returns the embedded retry state of an element.
	State func(*T) *State
	Store Store[T]
	// BaseDelay enables exponential backoff between attempts. Zero means an
	// element is due again immediately after a failure.
	BaseDelay time.Duration
	// MaxDelay caps the backoff. Defaults to one hour.
	MaxDelay time.Duration
	Now      func() time.Time
	Logger   *log.Logger
}

// Queue is an insertion-ordered set of values with bounded retries.
type Queue[T any] struct {
	cfg   Config[T]
	mu    sync.Mutex
	items []T
}

// New constructs a Queue. Call Load to restore persisted contents.
func New[T any](cfg Config[T]) (*Queue[T], error) {
	if cfg.Key == nil || cfg.State == nil || cfg.Store == nil {
		return nil, errors.New("retryqueue: key, state and store are required")
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Queue[T]{cfg: cfg}, nil
}

// Load replaces the in-memory contents with what the store holds.
func (q *Queue[T]) Load() error {
	items, err := q.cfg.Store.Load()
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = items
	depthGauge.Set(float64(len(items)))
	return nil
}

// commit persists next and, only if that succeeds, makes it current.
func (q *Queue[T]) commit(next []T) error {
	if err := q.cfg.Store.Save(next); err != nil {
		saveFailures.Inc()
		return fmt.Errorf("persist queue: %w", err)
	}
	q.items = next
	depthGauge.Set(float64(len(next)))
	return nil
}

func (q *Queue[T]) indexOf(id string) int {
	for i, item := range q.items {
		if q.cfg.Key(item) == id {
			return i
		}
	}
	return -1
}

// Append adds item to the tail. Appending an id already queued replaces the
// existing entry in place.
func (q *Queue[T]) Append(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	next := make([]T, len(q.items), len(q.items)+1)
	copy(next, q.items)
	if i := q.indexOf(q.cfg.Key(item)); i >= 0 {
		next[i] = item
	} else {
		next = append(next, item)
	}
	return q.commit(next)
}

// Pending returns every entry not yet synced, oldest first.
func (q *Queue[T]) Pending() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]T, 0, len(q.items))
	for i := range q.items {
		if !q.cfg.State(&q.items[i]).Synced {
			out = append(out, q.items[i])
		}
	}
	return out
}

// Due returns the pending entries whose backoff has elapsed at now.
func (q *Queue[T]) Due(now time.Time) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]T, 0, len(q.items))
	for i := range q.items {
		st := q.cfg.State(&q.items[i])
		if st.Synced {
			continue
		}
		if st.LastAttempt != nil && now.Before(st.LastAttempt.Add(q.backoffDelay(st.SyncAttempts))) {
			continue
		}
		out = append(out, q.items[i])
	}
	return out
}

// backoffDelay calculates exponential backoff capped at MaxDelay.
func (q *Queue[T]) backoffDelay(attempts int) time.Duration {
	if q.cfg.BaseDelay <= 0 || attempts <= 0 {
		return 0
	}
	if attempts > 30 {
		return q.cfg.MaxDelay
	}
	delay := time.Duration(1<<uint(attempts-1)) * q.cfg.BaseDelay
	if delay > q.cfg.MaxDelay || delay <= 0 {
		delay = q.cfg.MaxDelay
	}
	return delay
}

// Get returns the entry with id.
func (q *Queue[T]) Get(id string) (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := q.indexOf(id); i >= 0 {
		return q.items[i], true
	}
	var zero T
	return zero, false
}

// Len reports the number of queued entries.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// MarkSynced removes the entry. A synced entry is never handed out again.
func (q *Queue[T]) MarkSynced(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexOf(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := make([]T, 0, len(q.items)-1)
	next = append(next, q.items[:i]...)
	next = append(next, q.items[i+1:]...)
	if err := q.commit(next); err != nil {
		return err
	}
	syncedCounter.Inc()
	return nil
}

// MarkAttemptFailed increments the attempt count and stamps the attempt time.
func (q *Queue[T]) MarkAttemptFailed(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexOf(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := make([]T, len(q.items))
	copy(next, q.items)
	now := q.cfg.Now()
	st := q.cfg.State(&next[i])
	st.SyncAttempts++
	st.LastAttempt = &now
	if err := q.commit(next); err != nil {
		return err
	}
	failedAttempts.Inc()
	return nil
}

// CleanupFailed drops every entry whose attempts reached maxAttempts and
// returns the dropped entries.
func (q *Queue[T]) CleanupFailed(maxAttempts int) ([]T, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	var dropped []T
	next := make([]T, 0, len(q.items))
	for i := range q.items {
		if q.cfg.State(&q.items[i]).SyncAttempts >= maxAttempts {
			dropped = append(dropped, q.items[i])
			continue
		}
		next = append(next, q.items[i])
	}
	if len(dropped) == 0 {
		return nil, nil
	}
	if err := q.commit(next); err != nil {
		return nil, err
	}
	for _, item := range dropped {
		q.cfg.Logger.Printf("dropping %s after %d attempts", q.cfg.Key(item), q.cfg.State(&item).SyncAttempts)
	}
	droppedCounter.Add(float64(len(dropped)))
	return dropped, nil
}

// Purge removes every entry.
func (q *Queue[T]) Purge() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.commit([]T{})
}
