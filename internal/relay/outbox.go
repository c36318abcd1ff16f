package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"example.com/ridesync/internal/domain"
	"example.com/ridesync/internal/retryqueue"
)

// QueuedCommand is a control command waiting for the peer's ack. Payload is
// the encoded message and already carries ID.
type QueuedCommand struct {
	ID       string          `json:"id"`
	Type     Type            `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	QueuedAt time.Time       `json:"queuedAt"`
	retryqueue.State
}

// DrainResult summarises one drain pass.
type DrainResult struct {
	Skipped   bool
	Delivered int
	Failed    int
	// Rejected holds, by command id, the commands the peer answered with an
	// error. They are removed from the outbox.
	Rejected map[string]*RejectedError
	Dropped  []QueuedCommand
	// Err is the failure that stopped the pass, if any.
	Err error
}

// Outbox delivers control commands in order, one at a time, and keeps them on
// disk until the peer acks them. A command is never overwritten by a later
// message; redeliveries carry the same id so the peer can drop them.
type Outbox struct {
	queue        *retryqueue.Queue[QueuedCommand]
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

// OutboxOption configures an Outbox.
type OutboxOption func(*Outbox)

// WithOutboxAckTimeout bounds the wait for each command ack.
func WithOutboxAckTimeout(d time.Duration) OutboxOption {
	return func(o *Outbox) {
		if d > 0 {
			o.ackTimeout = d
		}
	}
}

// WithOutboxMaxAttempts sets how many unacknowledged deliveries a command gets.
func WithOutboxMaxAttempts(n int) OutboxOption {
	return func(o *Outbox) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithOutboxPollInterval sets how often Run retries without a reachability change.
func WithOutboxPollInterval(d time.Duration) OutboxOption {
	return func(o *Outbox) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithOutboxLogger sets the logger.
func WithOutboxLogger(logger *log.Logger) OutboxOption {
	return func(o *Outbox) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// OpenOutbox restores the outbox persisted at path.
func OpenOutbox(path string, link Link, opts ...OutboxOption) (*Outbox, error) {
	o := &Outbox{
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
		opt(o)
	}
	q, err := retryqueue.New(retryqueue.Config[QueuedCommand]{
		Key:    func(c QueuedCommand) string { return c.ID },
		State:  func(c *QueuedCommand) *retryqueue.State { return &c.State },
		Store:  retryqueue.NewFileStore[QueuedCommand](path, o.logger),
		Now:    o.now,
		Logger: o.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := q.Load(); err != nil {
		return nil, err
	}
	o.queue = q
	commandsQueued.Set(float64(q.Len()))
	return o, nil
}

// Enqueue persists msg behind every command already queued and returns the id
// it will be delivered under.
func (o *Outbox) Enqueue(msg Message) (string, error) {
	if msg == nil {
		return "", errors.New("relay: nil message")
	}
	id := msg.messageID()
	if id == "" {
		id = uuid.NewString()
	}
	payload, err := encode(msg, id)
	if err != nil {
		return "", err
	}
	if err := o.queue.Append(QueuedCommand{ID: id, Type: msg.Type(), Payload: payload, QueuedAt: o.now()}); err != nil {
		return "", err
	}
	commandsQueued.Set(float64(o.queue.Len()))
	return id, nil
}

// Len reports the number of commands awaiting an ack.
func (o *Outbox) Len() int { return o.queue.Len() }

// Pending returns the queued commands, oldest first.
func (o *Outbox) Pending() []QueuedCommand { return o.queue.Pending() }

// Queued reports whether the command with id is still waiting for an ack.
func (o *Outbox) Queued(id string) bool {
	_, ok := o.queue.Get(id)
	return ok
}

// Trigger requests a drain. Triggers arriving while one is queued coalesce.
func (o *Outbox) Trigger() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Drain delivers queued commands oldest first and stops at the first one the
// peer does not ack, so later commands never overtake it. A drain already in
// progress makes this call return immediately with Skipped set.
func (o *Outbox) Drain(ctx context.Context) (DrainResult, error) {
	if !o.running.CompareAndSwap(false, true) {
		return DrainResult{Skipped: true}, nil
	}
	defer o.running.Store(false)

	var (
		result DrainResult
		errs   error
	)
	defer func() { commandsQueued.Set(float64(o.queue.Len())) }()

	for _, qc := range o.queue.Pending() {
		if ctx.Err() != nil || !o.link.Reachable() {
			break
		}
		msg, err := Decode(qc.Payload)
		if err != nil {
			o.logger.Printf("dropping undecodable command %s: %v", qc.ID, err)
			errs = errors.Join(errs, o.queue.MarkSynced(qc.ID))
			commandsRelayed.WithLabelValues("dropped").Inc()
			continue
		}

		err = o.deliver(ctx, msg)
		var rejected *RejectedError
		switch {
		case err == nil:
			if markErr := o.queue.MarkSynced(qc.ID); markErr != nil {
				errs = errors.Join(errs, markErr)
				continue
			}
			result.Delivered++
			commandsRelayed.WithLabelValues("delivered").Inc()
			continue
		case errors.As(err, &rejected):
			// The peer answered; sending it again gets the same answer.
			o.logger.Printf("command %s %s rejected by peer: %v", qc.Type, qc.ID, err)
			if markErr := o.queue.MarkSynced(qc.ID); markErr != nil {
				errs = errors.Join(errs, markErr)
				continue
			}
			if result.Rejected == nil {
				result.Rejected = make(map[string]*RejectedError)
			}
			result.Rejected[qc.ID] = rejected
			commandsRelayed.WithLabelValues("rejected").Inc()
			continue
		case errors.Is(err, domain.ErrTransportUnreachable):
			// Nothing left the device; the attempt does not count.
			commandsRelayed.WithLabelValues("unreachable").Inc()
		default:
			o.logger.Printf("command %s %s not acknowledged: %v", qc.Type, qc.ID, err)
			errs = errors.Join(errs, o.queue.MarkAttemptFailed(qc.ID))
			result.Failed++
			commandsRelayed.WithLabelValues("failed").Inc()
		}
		result.Err = err
		break
	}

	dropped, err := o.queue.CleanupFailed(o.maxAttempts)
	if err != nil {
		errs = errors.Join(errs, err)
	}
	result.Dropped = dropped
	if len(dropped) > 0 {
		commandsRelayed.WithLabelValues("dropped").Add(float64(len(dropped)))
	}
	return result, errs
}

func (o *Outbox) deliver(ctx context.Context, msg Message) error {
	attemptCtx, cancel := context.WithTimeout(ctx, o.ackTimeout)
	defer cancel()
	_, err := o.link.Request(attemptCtx, msg)
	return err
}

// Run drains on every trigger and poll tick until ctx is cancelled. The peer
// becoming reachable triggers a drain.
func (o *Outbox) Run(ctx context.Context) {
	o.link.OnReachabilityChange(func(reachable bool) {
		if reachable {
			o.Trigger()
		}
	})

	ticker := time.NewTicker(o.pollInterval)
	defer func() {
		ticker.Stop()
		close(o.shutdownComplete)
	}()

	o.Trigger()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.wake:
		case <-ticker.C:
		}
		result, err := o.Drain(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Printf("command drain error: %v", err)
		}
		if result.Delivered > 0 || result.Failed > 0 {
			o.logger.Printf("command drain: %d delivered, %d failed, %d still queued", result.Delivered, result.Failed, o.queue.Len())
		}
	}
}

// Wait blocks until Run has returned.
func (o *Outbox) Wait() {
	<-o.shutdownComplete
}
