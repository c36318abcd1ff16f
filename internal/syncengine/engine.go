// Package syncengine reconciles the primary device's entity store with the
// cloud record store: it pushes pending entities, pulls remote changes,
// records conflicts for manual resolution and expires shares.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"example.com/ridesync/internal/cloud"
	"example.com/ridesync/internal/domain"
	"example.com/ridesync/internal/observability"
	"example.com/ridesync/internal/record"
	"example.com/ridesync/internal/sharing"
)

const (
	defaultConcurrency = 4
	defaultCallTimeout = 20 * time.Second
	defaultPageSize    = 100
	defaultInterval    = 5 * time.Minute

	recordsCursor = "cloud.records"
)

// Remote is the cloud API as the engine uses it.
type Remote interface {
	Push(ctx context.Context, rec record.Record) (record.Record, error)
	Changes(ctx context.Context, cursor string, limit int) (cloud.Page, error)
	RevokeShare(ctx context.Context, id string) error
	IncomingShares(ctx context.Context) ([]sharing.Share, error)
}

// CursorStore persists the position of the changes feed across restarts.
type CursorStore interface {
	Cursor(ctx context.Context, name string) (string, error)
	SetCursor(ctx context.Context, name, position string) error
}

// ShareJanitor is the part of the sharing manager that tracks share expiry.
type ShareJanitor interface {
	ExpiredShares(ctx context.Context, now time.Time) ([]sharing.Share, error)
	ForgetShare(ctx context.Context, share sharing.Share) error
}

// RequestInbox receives shares other users offer to this device's user.
type RequestInbox interface {
	Receive(ctx context.Context, req sharing.PendingShareRequest) (sharing.PendingShareRequest, error)
	Known(ctx context.Context) (map[string]struct{}, error)
	Forget(ctx context.Context, shareID string) error
}

// Validator reports whether a pulled record decodes completely. It returns an
// error wrapping domain.ErrDecodeFailure when it does not.
type Validator func(record.Record) error

// Resolution picks the side of a conflict that survives.
type Resolution int

const (
	// KeepLocal re-pushes the local version with a stamp newer than the server's.
	KeepLocal Resolution = iota
	// AcceptServer replaces the local version with the server's.
	AcceptServer
)

func (r Resolution) String() string {
	switch r {
	case KeepLocal:
		return "keepLocal"
	case AcceptServer:
		return "acceptServer"
	default:
		return fmt.Sprintf("Resolution(%d)", int(r))
	}
}

// ParseResolution accepts "local", "server" or a Resolution's String form.
func ParseResolution(value string) (Resolution, error) {
	switch value {
	case "local", "keepLocal":
		return KeepLocal, nil
	case "server", "acceptServer":
		return AcceptServer, nil
	default:
		return 0, fmt.Errorf("unknown resolution %q", value)
	}
}

// Engine runs the cloud sync cycle for one primary device.
type Engine struct {
	store       domain.EntityStore
	remote      Remote
	cursors     CursorStore
	locks       *domain.Locks
	validators  map[record.Type]Validator
	shares      ShareJanitor
	inbox       RequestInbox
	senderName  func(ctx context.Context, userID string) string
	publisher   SnapshotPublisher
	concurrency int
	callTimeout time.Duration
	pageSize    int
	interval    time.Duration
	now         func() time.Time
	logger      *log.Logger

	pushing          atomic.Bool
	pullMu           sync.Mutex
	wake             chan struct{}
	shutdownComplete chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLocks shares the lock table used by local writers of the store.
func WithLocks(locks *domain.Locks) Option {
	return func(e *Engine) {
		if locks != nil {
			e.locks = locks
		}
	}
}

// WithValidator registers the decoder check for pulled records of type t.
// Pulled records of a type without a validator are skipped.
func WithValidator(t record.Type, v Validator) Option {
	return func(e *Engine) {
		if v != nil {
			e.validators[t] = v
		}
	}
}

// WithShareJanitor enables expired-share cleanup.
func WithShareJanitor(j ShareJanitor) Option {
	return func(e *Engine) {
		e.shares = j
	}
}

// WithRequestInbox enables polling the cloud for inbound share requests.
func WithRequestInbox(inbox RequestInbox) Option {
	return func(e *Engine) {
		e.inbox = inbox
	}
}

// WithSenderName resolves display names for inbound share requests.
func WithSenderName(fn func(ctx context.Context, userID string) string) Option {
	return func(e *Engine) {
		e.senderName = fn
	}
}

// WithSnapshotPublisher publishes a widget snapshot after each push cycle that
// pushed anything.
func WithSnapshotPublisher(p SnapshotPublisher) Option {
	return func(e *Engine) {
		e.publisher = p
	}
}

// WithConcurrency bounds how many entities are pushed at once.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithCallTimeout bounds every cloud call.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.callTimeout = d
		}
	}
}

// WithPageSize sets how many records each pull request asks for.
func WithPageSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// WithInterval sets the period of Run.
func WithInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.interval = d
		}
	}
}

// WithClock overrides the engine clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New constructs an Engine.
func New(store domain.EntityStore, remote Remote, cursors CursorStore, opts ...Option) *Engine {
	e := &Engine{
		store:            store,
		remote:           remote,
		cursors:          cursors,
		locks:            domain.NewLocks(),
		validators:       make(map[record.Type]Validator),
		concurrency:      defaultConcurrency,
		callTimeout:      defaultCallTimeout,
		pageSize:         defaultPageSize,
		interval:         defaultInterval,
		now:              func() time.Time { return time.Now().UTC() },
		logger:           log.Default(),
		wake:             make(chan struct{}, 1),
		shutdownComplete: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// PushResult summarises one pass over pending entities.
type PushResult struct {
	Skipped   bool
	Requeued  int
	Synced    int
	Conflicts int
	Retrying  int
	Rejected  int
}

// Pushed reports whether the pass reached the cloud for any entity.
func (r PushResult) Pushed() bool {
	return r.Synced > 0 || r.Conflicts > 0
}

// ProcessPendingOperations returns entities that failed transiently to
// pending, then pushes every pending entity once. Entities are pushed
// concurrently but each is locked for the whole push. A pass already in
// progress makes this call return immediately with Skipped set.
func (e *Engine) ProcessPendingOperations(ctx context.Context) (PushResult, error) {
	if !e.pushing.CompareAndSwap(false, true) {
		return PushResult{Skipped: true}, nil
	}
	defer e.pushing.Store(false)

	start := time.Now()
	defer func() { pushDuration.Observe(time.Since(start).Seconds()) }()

	var (
		mu     sync.Mutex
		result PushResult
		errs   error
		g      errgroup.Group
	)
	result.Requeued, errs = e.requeueFailed(ctx)

	pending, err := e.store.ListByStatus(ctx, domain.SyncPending)
	if err != nil {
		return result, errors.Join(errs, fmt.Errorf("list pending: %w", err))
	}

	g.SetLimit(e.concurrency)
	for _, entry := range pending {
		key := entry.Key()
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			outcome, err := e.pushOne(ctx, key)
			pushesTotal.WithLabelValues(string(outcome)).Inc()

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomeSynced:
				result.Synced++
			case outcomeConflict:
				result.Conflicts++
			case outcomeRetry:
				result.Retrying++
			case outcomeRejected:
				result.Rejected++
			}
			if err != nil {
				errs = errors.Join(errs, fmt.Errorf("push %s: %w", key, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	if result.Pushed() {
		e.publishSnapshot(ctx)
	}
	e.refreshGauges(ctx)
	return result, errs
}

type pushOutcome string

const (
	outcomeSynced   pushOutcome = "synced"
	outcomeConflict pushOutcome = "conflict"
	outcomeRetry    pushOutcome = "retry"
	outcomeRejected pushOutcome = "rejected"
	outcomeSkipped  pushOutcome = "skipped"
	outcomeError    pushOutcome = "error"
)

// pushOne pushes a single entity. Only store failures are returned as errors.
// A failed cloud call leaves the entity failed with one more attempt counted;
// a permanent refusal also records the reason so the entity is not retried
// until it is edited or retried explicitly. A pushed tombstone removes the
// entity locally.
func (e *Engine) pushOne(ctx context.Context, key record.Key) (pushOutcome, error) {
	unlock := e.locks.Lock(key)
	defer unlock()

	entry, err := e.store.Get(ctx, key)
	if errors.Is(err, domain.ErrEntityNotFound) {
		return outcomeSkipped, nil
	}
	if err != nil {
		return outcomeError, err
	}
	if entry.State.Status != domain.SyncPending {
		return outcomeSkipped, nil
	}

	claimed, err := entry.State.BeginSync()
	if err != nil {
		return outcomeError, err
	}
	entry.State = claimed
	if err := e.store.Put(ctx, entry); err != nil {
		return outcomeError, err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	accepted, pushErr := e.remote.Push(callCtx, entry.Outgoing())
	cancel()

	var (
		conflict *domain.ConflictError
		next     domain.SyncState
		outcome  pushOutcome
	)
	switch {
	case pushErr == nil:
		next, err = entry.State.CompleteSync(accepted)
		entry.Record.ModifiedAt = next.ModifiedAt
		entry.Record.ModifiedBy = next.ModifiedBy
		outcome = outcomeSynced
	case errors.As(pushErr, &conflict):
		next, err = entry.State.MarkConflict(conflict.Server)
		outcome = outcomeConflict
		e.logger.Printf("conflict on %s: server version by %s at %s kept for resolution", key, conflict.Server.ModifiedBy, conflict.Server.ModifiedAt.Format(time.RFC3339))
	case cloud.IsRetryable(pushErr):
		next, err = entry.State.FailSync()
		outcome = outcomeRetry
	default:
		next, err = entry.State.Reject(pushErr.Error())
		outcome = outcomeRejected
		rejectedTotal.WithLabelValues(string(key.Type)).Inc()
		e.logger.Printf("push %s rejected permanently (attempt %d), parked until edited or retried: %v", key, next.Attempts, pushErr)
	}
	if err != nil {
		return outcomeError, err
	}
	entry.State = next
	// Use a fresh context so a cancelled cycle still records the outcome.
	persist := context.WithoutCancel(ctx)
	if outcome == outcomeSynced && entry.Record.IsTombstone() {
		if err := e.store.Delete(persist, key); err != nil {
			return outcomeError, err
		}
		return outcome, nil
	}
	if err := e.store.Put(persist, entry); err != nil {
		return outcomeError, err
	}
	return outcome, nil
}

// requeueFailed returns transiently failed entities to pending. Rejected
// entities stay where they are.
func (e *Engine) requeueFailed(ctx context.Context) (int, error) {
	failed, err := e.store.ListByStatus(ctx, domain.SyncFailed)
	if err != nil {
		return 0, fmt.Errorf("list failed: %w", err)
	}
	requeued := 0
	var errs error
	for _, f := range failed {
		if f.State.Rejected() {
			continue
		}
		ok, err := e.retry(ctx, f.Key(), false)
		if errors.Is(err, domain.ErrEntityNotFound) {
			continue
		}
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("requeue %s: %w", f.Key(), err))
			continue
		}
		if ok {
			requeued++
		}
	}
	return requeued, errs
}

// retry moves one failed entity back to pending under its lock. Rejected
// entities move only when force is set.
func (e *Engine) retry(ctx context.Context, key record.Key, force bool) (bool, error) {
	unlock := e.locks.Lock(key)
	defer unlock()

	entry, err := e.store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if entry.State.Status != domain.SyncFailed || (entry.State.Rejected() && !force) {
		return false, nil
	}
	next, err := entry.State.Retry()
	if err != nil {
		return false, err
	}
	entry.State = next
	return true, e.store.Put(ctx, entry)
}

// Retry queues a failed entity, including one the cloud rejected, for another
// push and wakes the loop.
func (e *Engine) Retry(ctx context.Context, key record.Key) (domain.Entry, error) {
	ok, err := e.retry(ctx, key, true)
	if err != nil {
		return domain.Entry{}, err
	}
	if !ok {
		entry, err := e.store.Get(ctx, key)
		if err != nil {
			return domain.Entry{}, err
		}
		return domain.Entry{}, fmt.Errorf("%w: retry %s while %s", domain.ErrInvalidTransition, key, entry.State.Status)
	}
	e.Trigger()
	return e.store.Get(ctx, key)
}

// Failed lists entities waiting in failed, rejected ones included.
func (e *Engine) Failed(ctx context.Context) ([]domain.Entry, error) {
	return e.store.ListByStatus(ctx, domain.SyncFailed)
}

// Resolve settles a conflict. KeepLocal restamps the local version so it wins
// the next push; AcceptServer adopts the server version, whose push is then
// an idempotent replay.
func (e *Engine) Resolve(ctx context.Context, key record.Key, choice Resolution) (domain.Entry, error) {
	unlock := e.locks.Lock(key)
	defer unlock()

	entry, err := e.store.Get(ctx, key)
	if err != nil {
		return domain.Entry{}, err
	}
	if entry.State.Status != domain.SyncConflict || entry.State.ConflictPayload == nil {
		return domain.Entry{}, fmt.Errorf("%w: resolve %s while %s", domain.ErrInvalidTransition, key, entry.State.Status)
	}
	server := entry.State.ConflictPayload.Clone()

	var next domain.SyncState
	switch choice {
	case AcceptServer:
		if v, ok := e.validators[server.Type]; ok {
			if err := v(server); err != nil {
				return domain.Entry{}, err
			}
		}
		next, err = entry.State.Resolve(server.ModifiedBy, server.ModifiedAt)
		entry.Record = server
	case KeepLocal:
		at := e.now()
		if !at.After(server.ModifiedAt) {
			at = server.ModifiedAt.Add(time.Millisecond)
		}
		next, err = entry.State.Resolve(entry.State.ModifiedBy, at)
	default:
		return domain.Entry{}, fmt.Errorf("unknown resolution %v", choice)
	}
	if err != nil {
		return domain.Entry{}, err
	}
	entry.State = next
	entry.Record.ModifiedAt = next.ModifiedAt
	entry.Record.ModifiedBy = next.ModifiedBy
	if err := e.store.Put(ctx, entry); err != nil {
		return domain.Entry{}, err
	}
	resolutions.WithLabelValues(choice.String()).Inc()
	e.Trigger()
	return entry, nil
}

// RecoverInterrupted returns entities left syncing by a crash to pending by
// way of failed, counting the interrupted attempt.
func (e *Engine) RecoverInterrupted(ctx context.Context) (int, error) {
	stuck, err := e.store.ListByStatus(ctx, domain.SyncSyncing)
	if err != nil {
		return 0, err
	}
	recovered := 0
	var errs error
	for _, s := range stuck {
		unlock := e.locks.Lock(s.Key())
		entry, err := e.store.Get(ctx, s.Key())
		if err == nil && entry.State.Status == domain.SyncSyncing {
			var next domain.SyncState
			if next, err = entry.State.FailSync(); err == nil {
				next, err = next.Retry()
			}
			if err == nil {
				entry.State = next
				if err = e.store.Put(ctx, entry); err == nil {
					recovered++
				}
			}
		}
		unlock()
		if err != nil && !errors.Is(err, domain.ErrEntityNotFound) {
			errs = errors.Join(errs, fmt.Errorf("recover %s: %w", s.Key(), err))
		}
	}
	return recovered, errs
}

// CycleResult summarises one Run iteration.
type CycleResult struct {
	Pull          PullResult
	Push          PushResult
	SharesExpired int
	Requests      int
}

// SyncOnce pulls, pushes, expires shares and polls inbound share requests.
// Every step runs even when an earlier one fails.
func (e *Engine) SyncOnce(ctx context.Context) (CycleResult, error) {
	var (
		result CycleResult
		errs   error
		err    error
	)
	if result.Pull, err = e.Pull(ctx); err != nil {
		errs = errors.Join(errs, fmt.Errorf("pull: %w", err))
	}
	if result.Push, err = e.ProcessPendingOperations(ctx); err != nil {
		errs = errors.Join(errs, err)
	}
	if result.SharesExpired, err = e.CleanupExpiredShares(ctx); err != nil {
		errs = errors.Join(errs, fmt.Errorf("share cleanup: %w", err))
	}
	if result.Requests, err = e.PullShareRequests(ctx); err != nil {
		errs = errors.Join(errs, fmt.Errorf("share requests: %w", err))
	}
	return result, errs
}

// Trigger requests a sync cycle. Triggers arriving while one is queued coalesce.
func (e *Engine) Trigger() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run recovers interrupted pushes, then syncs on every trigger and tick until
// ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer func() {
		ticker.Stop()
		close(e.shutdownComplete)
	}()

	if n, err := e.RecoverInterrupted(ctx); err != nil {
		e.logger.Printf("recover interrupted pushes: %v", err)
	} else if n > 0 {
		e.logger.Printf("returned %d interrupted pushes to pending", n)
	}

	e.Trigger()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
		case <-ticker.C:
		}
		result, err := e.SyncOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Printf("sync cycle error: %v", err)
		}
		if err == nil {
			observability.RecordSyncCycle(e.now())
		}
		if result.Push.Pushed() || result.Pull.Applied() {
			e.logger.Printf("sync cycle: pulled %d created %d updated %d deleted, pushed %d synced %d conflicts %d retrying %d rejected",
				result.Pull.Created, result.Pull.Updated, result.Pull.Deleted, result.Push.Synced, result.Push.Conflicts, result.Push.Retrying, result.Push.Rejected)
		}
	}
}

// Wait blocks until Run has returned.
func (e *Engine) Wait() {
	<-e.shutdownComplete
}

func (e *Engine) refreshGauges(ctx context.Context) {
	for _, status := range []domain.SyncStatus{domain.SyncPending, domain.SyncConflict, domain.SyncFailed} {
		entries, err := e.store.ListByStatus(ctx, status)
		if err != nil {
			continue
		}
		entitiesByStatus.WithLabelValues(string(status)).Set(float64(len(entries)))
	}
}
