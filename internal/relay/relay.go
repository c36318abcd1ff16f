package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"example.com/ridesync/internal/domain"
)

// DeliveryMode says how a message left the device.
type DeliveryMode string

const (
	// Delivered means the peer answered synchronously.
	Delivered DeliveryMode = "delivered"
	// Deferred means the message went to the background channel and may be
	// superseded before the peer sees it.
	Deferred DeliveryMode = "deferred"
	// Queued means the command is held in the outbox until the peer acks it.
	Queued DeliveryMode = "queued"
)

// Delivery is the outcome of Send.
type Delivery struct {
	Mode  DeliveryMode
	Reply Message
	// Err is the synchronous failure that caused a fallback, if any.
	Err error
}

// Relay picks between immediate delivery and background propagation.
type Relay struct {
	link    Link
	outbox  *Outbox
	timeout time.Duration
	logger  *log.Logger
}

// Option configures a Relay.
type Option func(*Relay)

// WithTimeout bounds each synchronous attempt.
func WithTimeout(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithOutbox queues control commands the peer has not acked. Without one, a
// command that cannot be delivered immediately fails.
func WithOutbox(o *Outbox) Option {
	return func(r *Relay) { r.outbox = o }
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New constructs a Relay over link.
func New(link Link, opts ...Option) *Relay {
	r := &Relay{link: link, timeout: 5 * time.Second, logger: log.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reachable reports whether the peer is reachable.
func (r *Relay) Reachable() bool {
	return r.link.Reachable()
}

// OnReceive installs the handler for inbound messages.
func (r *Relay) OnReceive(h Handler) {
	r.link.Serve(h)
}

// OnReachabilityChange registers an observer of reachability transitions.
func (r *Relay) OnReachabilityChange(fn func(bool)) {
	r.link.OnReachabilityChange(fn)
}

// Send routes msg by kind. Status snapshots and heart rate samples go to the
// last-state-wins background channel. Stats requests are answered
// synchronously or fail. Every other message is a control command: it is
// queued behind any earlier undelivered command and handed to the peer in
// order.
func (r *Relay) Send(ctx context.Context, msg Message) (Delivery, error) {
	switch msg.(type) {
	case StatusUpdate, HeartRate:
		if err := r.link.UpdateContext(msg); err != nil {
			return Delivery{}, err
		}
		return Delivery{Mode: Deferred}, nil
	}
	if _, stats := msg.(RequestStats); stats || r.outbox == nil {
		reply, err := r.request(ctx, msg)
		if err != nil {
			return Delivery{}, err
		}
		return Delivery{Mode: Delivered, Reply: reply}, nil
	}
	return r.sendQueued(ctx, msg)
}

func (r *Relay) request(ctx context.Context, msg Message) (Message, error) {
	if !r.link.Reachable() {
		return nil, domain.ErrTransportUnreachable
	}
	attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.link.Request(attemptCtx, msg)
}

// sendQueued persists msg first, so a command survives a restart even when
// the peer is down, then drains the outbox once in the caller's goroutine.
func (r *Relay) sendQueued(ctx context.Context, msg Message) (Delivery, error) {
	id, err := r.outbox.Enqueue(msg)
	if err != nil {
		return Delivery{}, err
	}
	attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
	result, err := r.outbox.Drain(attemptCtx)
	cancel()
	if err != nil {
		r.logger.Printf("command drain: %v", err)
	}
	if rejected, ok := result.Rejected[id]; ok {
		return Delivery{}, rejected
	}
	for _, qc := range result.Dropped {
		if qc.ID == id {
			return Delivery{}, fmt.Errorf("%w: %s dropped after %d attempts", domain.ErrAckTimeout, msg.Type(), qc.SyncAttempts)
		}
	}
	if !result.Skipped && !r.outbox.Queued(id) {
		return Delivery{Mode: Delivered}, nil
	}
	r.outbox.Trigger()
	if result.Err != nil && !errors.Is(result.Err, domain.ErrTransportUnreachable) {
		r.logger.Printf("%s not acknowledged yet, kept in outbox: %v", msg.Type(), result.Err)
	}
	return Delivery{Mode: Queued, Err: result.Err}, nil
}
