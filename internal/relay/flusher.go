package relay

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"example.com/ridesync/internal/companion"
	"example.com/ridesync/internal/domain"
	"example.com/ridesync/internal/observability"
	"example.com/ridesync/internal/retryqueue"
)

// SessionQueue is the slice of the companion session store the flusher drives.
type SessionQueue interface {
	DueForRelay() []companion.QueuedSession
	MarkSynced(id string) error
	MarkAttemptFailed(id string) error
	CleanupFailed(maxAttempts int) ([]companion.QueuedSession, error)
}

// FlushResult summarises one flush pass.
type FlushResult struct {
	Skipped bool
	Synced  int
	Failed  int
	Dropped []companion.QueuedSession
}

// Flusher relays queued sessions and marks each synced only on a matching ack.
type Flusher struct {
	queue        SessionQueue
	link         Link
	ackTimeout   time.Duration
	maxAttempts  int
	pollInterval time.Duration
	logger       *log.Logger
	now          func() time.Time

	running          atomic.Bool
	wake             chan struct{}
	shutdownComplete chan struct{}
}

// FlusherOption configures a Flusher.
type FlusherOption func(*Flusher)

// WithAckTimeout bounds the wait for each session ack.
func WithAckTimeout(d time.Duration) FlusherOption {
	return func(f *Flusher) {
		if d > 0 {
			f.ackTimeout = d
		}
	}
}

// WithMaxAttempts sets the cleanup threshold.
func WithMaxAttempts(n int) FlusherOption {
	return func(f *Flusher) {
		if n > 0 {
			f.maxAttempts = n
		}
	}
}

// WithPollInterval sets how often Run retries without a reachability change.
func WithPollInterval(d time.Duration) FlusherOption {
	return func(f *Flusher) {
		if d > 0 {
			f.pollInterval = d
		}
	}
}

// WithFlusherLogger sets the logger.
func WithFlusherLogger(logger *log.Logger) FlusherOption {
	return func(f *Flusher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewFlusher constructs a Flusher.
func NewFlusher(queue SessionQueue, link Link, opts ...FlusherOption) *Flusher {
	f := &Flusher{
		queue:            queue,
		link:             link,
		ackTimeout:       10 * time.Second,
		maxAttempts:      retryqueue.DefaultMaxAttempts,
		pollInterval:     time.Minute,
		logger:           log.Default(),
		now:              func() time.Time { return time.Now().UTC() },
		wake:             make(chan struct{}, 1),
		shutdownComplete: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Trigger requests a flush. Triggers arriving while one is queued coalesce.
func (f *Flusher) Trigger() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Flush relays every due session once. A flush already in progress makes this
// call return immediately with Skipped set.
func (f *Flusher) Flush(ctx context.Context) (FlushResult, error) {
	if !f.running.CompareAndSwap(false, true) {
		return FlushResult{Skipped: true}, nil
	}
	defer f.running.Store(false)

	start := time.Now()
	defer func() { flushDuration.Observe(time.Since(start).Seconds()) }()

	var (
		result FlushResult
		errs   error
	)
	for _, qs := range f.queue.DueForRelay() {
		if ctx.Err() != nil {
			break
		}
		if !f.link.Reachable() {
			break
		}
		err := f.relayOne(ctx, qs)
		switch {
		case err == nil:
			if markErr := f.queue.MarkSynced(qs.ID); markErr != nil {
				errs = errors.Join(errs, markErr)
				continue
			}
			result.Synced++
			sessionsRelayed.WithLabelValues("synced").Inc()
			observability.RecordSessionRelayed(f.now())
		case errors.Is(err, domain.ErrTransportUnreachable):
			// Nothing left the device; the attempt does not count.
			sessionsRelayed.WithLabelValues("unreachable").Inc()
		default:
			f.logger.Printf("session %s not acknowledged: %v", qs.ID, err)
			if markErr := f.queue.MarkAttemptFailed(qs.ID); markErr != nil {
				errs = errors.Join(errs, markErr)
			}
			result.Failed++
			sessionsRelayed.WithLabelValues("failed").Inc()
		}
	}

	dropped, err := f.queue.CleanupFailed(f.maxAttempts)
	if err != nil {
		errs = errors.Join(errs, err)
	}
	result.Dropped = dropped
	if len(dropped) > 0 {
		sessionsRelayed.WithLabelValues("dropped").Add(float64(len(dropped)))
	}
	return result, errs
}

func (f *Flusher) relayOne(ctx context.Context, qs companion.QueuedSession) error {
	attemptCtx, cancel := context.WithTimeout(ctx, f.ackTimeout)
	defer cancel()

	reply, err := f.link.Request(attemptCtx, SessionPayload{Header: Stamp(f.now()), Session: qs})
	if err != nil {
		return err
	}
	ack, ok := reply.(Ack)
	if !ok || ack.SessionID != qs.ID {
		return &UnexpectedReplyError{Want: qs.ID, Got: reply}
	}
	return nil
}

// Run flushes on every trigger and poll tick until ctx is cancelled. The peer
// becoming reachable triggers a flush.
func (f *Flusher) Run(ctx context.Context) {
	f.link.OnReachabilityChange(func(reachable bool) {
		if reachable {
			f.Trigger()
		}
	})

	ticker := time.NewTicker(f.pollInterval)
	defer func() {
		ticker.Stop()
		close(f.shutdownComplete)
	}()

	f.Trigger()
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.wake:
		case <-ticker.C:
		}
		result, err := f.Flush(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			f.logger.Printf("relay flush error: %v", err)
		}
		if result.Synced > 0 || result.Failed > 0 {
			f.logger.Printf("relay flush: %d synced, %d failed, %d dropped", result.Synced, result.Failed, len(result.Dropped))
		}
	}
}

// Wait blocks until Run has returned.
func (f *Flusher) Wait() {
	<-f.shutdownComplete
}

// UnexpectedReplyError is returned when a session payload is answered with
// anything but its own ack.
type UnexpectedReplyError struct {
	Want string
	Got  Message
}

func (e *UnexpectedReplyError) Error() string {
	if ack, ok := e.Got.(Ack); ok {
		return "relay: ack for session " + ack.SessionID + ", want " + e.Want
	}
	if e.Got == nil {
		return "relay: empty reply for session " + e.Want
	}
	return "relay: " + string(e.Got.Type()) + " reply for session " + e.Want
}
