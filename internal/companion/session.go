// Package companion holds the wrist device's record of finished sessions that
// have not yet been confirmed by the primary device.
package companion

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"example.com/ridesync/internal/domain"
	"example.com/ridesync/internal/retryqueue"
)

var (
	// ErrSessionAlreadyActive is returned when a session is started while another is recording.
	ErrSessionAlreadyActive = errors.New("a session is already active")
	// ErrNoActiveSession is returned when there is no recording session to act on.
	ErrNoActiveSession = errors.New("no active session")
)

// QueuedSession is a captured activity that has not been acknowledged by the
// primary device.
type QueuedSession struct {
	ID         string            `json:"id"`
	Discipline domain.Discipline `json:"discipline"`
	StartedAt  time.Time         `json:"startedAt"`
	EndedAt    time.Time         `json:"endedAt"`
	Metrics    domain.Metrics    `json:"metrics"`
	Trace      []byte            `json:"trace,omitempty"`
	retryqueue.State
}

// Handle is given to the sensor layer for the lifetime of one recording.
type Handle struct {
	ID         string
	Discipline domain.Discipline
	StartedAt  time.Time

	store *Store
	done  chan struct{}
}

// Done is closed as soon as the session completes or is discarded.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Update feeds a metrics snapshot for this session. It fails once the session
// has ended, even if a newer session is now active.
func (h *Handle) Update(m domain.Metrics) error {
	return h.store.update(h, m)
}

type activeSession struct {
	handle  *Handle
	metrics domain.Metrics
}

// Store owns the active session and the relay queue.
type Store struct {
	mu     sync.Mutex
	active *activeSession

	queue  *retryqueue.Queue[QueuedSession]
	logger *log.Logger
	now    func() time.Time
	health HealthSink

	baseDelay time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used by the store.
func WithLogger(logger *log.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the session clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithHealthSink forwards completed sessions to the health platform.
func WithHealthSink(sink HealthSink) Option {
	return func(s *Store) {
		s.health = sink
	}
}

// WithRetryBackoff delays re-relaying a session after a failed attempt.
func WithRetryBackoff(base time.Duration) Option {
	return func(s *Store) {
		s.baseDelay = base
	}
}

// Open restores the queue from path, creating an empty one when the file is absent.
func Open(path string, opts ...Option) (*Store, error) {
	s := newStore(opts)
	if err := s.init(retryqueue.NewFileStore[QueuedSession](path, s.logger)); err != nil {
		return nil, err
	}
	return s, nil
}

// New constructs a Store over an arbitrary queue backend.
func New(backend retryqueue.Store[QueuedSession], opts ...Option) (*Store, error) {
	s := newStore(opts)
	if err := s.init(backend); err != nil {
		return nil, err
	}
	return s, nil
}

func newStore(opts []Option) *Store {
	s := &Store{
		logger: log.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) init(backend retryqueue.Store[QueuedSession]) error {
	q, err := retryqueue.New(retryqueue.Config[QueuedSession]{
		Key:       func(qs QueuedSession) string { return qs.ID },
		State:     func(qs *QueuedSession) *retryqueue.State { return &qs.State },
		Store:     backend,
		BaseDelay: s.baseDelay,
		Now:       s.now,
		Logger:    s.logger,
	})
	if err != nil {
		return err
	}
	if err := q.Load(); err != nil {
		return fmt.Errorf("load session queue: %w", err)
	}
	s.queue = q
	queueDepth.Set(float64(q.Len()))
	return nil
}

// StartSession begins recording. Only one session may be active at a time.
func (s *Store) StartSession(discipline domain.Discipline) (*Handle, error) {
	if _, err := domain.ParseDiscipline(string(discipline)); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		return nil, ErrSessionAlreadyActive
	}
	h := &Handle{
		ID:         uuid.NewString(),
		Discipline: discipline,
		StartedAt:  s.now(),
		store:      s,
		done:       make(chan struct{}),
	}
	s.active = &activeSession{handle: h}
	sessionsStarted.WithLabelValues(string(discipline)).Inc()
	return h, nil
}

// UpdateActive replaces the metrics of the active session.
func (s *Store) UpdateActive(m domain.Metrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return ErrNoActiveSession
	}
	s.active.metrics = m
	return nil
}

func (s *Store) update(h *Handle, m domain.Metrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || s.active.handle != h {
		return ErrNoActiveSession
	}
	s.active.metrics = m
	return nil
}

// Active returns the active session handle and its latest metrics.
func (s *Store) Active() (*Handle, domain.Metrics, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil, domain.Metrics{}, false
	}
	return s.active.handle, s.active.metrics, true
}

// CompleteSession finalizes the active session, persists it to the relay queue
// and returns it. If persistence fails the session stays active so the caller
// can retry.
func (s *Store) CompleteSession(ctx context.Context, trace []byte) (QueuedSession, error) {
	s.mu.Lock()
	if s.active == nil {
		s.mu.Unlock()
		return QueuedSession{}, ErrNoActiveSession
	}
	h := s.active.handle
	qs := QueuedSession{
		ID:         h.ID,
		Discipline: h.Discipline,
		StartedAt:  h.StartedAt,
		EndedAt:    s.now(),
		Metrics:    s.active.metrics,
		Trace:      trace,
	}
	if err := s.queue.Append(qs); err != nil {
		s.mu.Unlock()
		return QueuedSession{}, err
	}
	s.active = nil
	close(h.done)
	s.mu.Unlock()

	queueDepth.Set(float64(s.queue.Len()))
	sessionsCompleted.WithLabelValues(string(qs.Discipline)).Inc()
	s.recordWorkout(ctx, qs)
	return qs, nil
}

// DiscardSession drops the active session without persisting it.
func (s *Store) DiscardSession() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return ErrNoActiveSession
	}
	close(s.active.handle.done)
	s.active = nil
	return nil
}

// SessionsReadyForRelay returns every queued session not yet synced, oldest first.
func (s *Store) SessionsReadyForRelay() []QueuedSession {
	return s.queue.Pending()
}

// DueForRelay returns the sessions whose retry backoff has elapsed.
func (s *Store) DueForRelay() []QueuedSession {
	return s.queue.Due(s.now())
}

// Session returns a queued session by id.
func (s *Store) Session(id string) (QueuedSession, bool) {
	return s.queue.Get(id)
}

// MarkSynced removes an acknowledged session from the queue.
func (s *Store) MarkSynced(id string) error {
	defer s.refreshDepth()
	return s.queue.MarkSynced(id)
}

// MarkAttemptFailed records an unacknowledged relay attempt.
func (s *Store) MarkAttemptFailed(id string) error {
	return s.queue.MarkAttemptFailed(id)
}

// CleanupFailed drops sessions whose attempts reached maxAttempts. Each dropped
// session is reported as a permanent failure.
func (s *Store) CleanupFailed(maxAttempts int) ([]QueuedSession, error) {
	defer s.refreshDepth()
	dropped, err := s.queue.CleanupFailed(maxAttempts)
	if err != nil {
		return nil, err
	}
	for _, qs := range dropped {
		s.logger.Printf("session %s: %v after %d attempts", qs.ID, domain.ErrPermanentFailure, qs.SyncAttempts)
	}
	return dropped, nil
}

// Purge empties the relay queue.
func (s *Store) Purge() error {
	defer s.refreshDepth()
	return s.queue.Purge()
}

// QueueDepth reports how many sessions await relay.
func (s *Store) QueueDepth() int {
	return s.queue.Len()
}

func (s *Store) refreshDepth() {
	queueDepth.Set(float64(s.queue.Len()))
}

func (s *Store) recordWorkout(ctx context.Context, qs QueuedSession) {
	if s.health == nil {
		return
	}
	if err := s.health.RecordWorkout(ctx, Summarize(qs)); err != nil {
		s.logger.Printf("health sink rejected session %s: %v", qs.ID, err)
	}
}
