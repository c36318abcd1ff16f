package relay

import (
	"context"
	"errors"
)

// ErrNoHandler is returned to a peer whose request arrived before a handler was installed.
var ErrNoHandler = errors.New("relay: no inbound handler")

// Handler answers an inbound message. The reply is sent back for requests and
// discarded for context updates; a nil reply is answered with a bare Ack.
type Handler func(ctx context.Context, msg Message) (Message, error)

// Link is a device-to-device channel.
type Link interface {
	// Reachable reports whether the peer can be reached right now.
	Reachable() bool
	// Request delivers msg and waits for the peer's reply. It fails with
	// domain.ErrTransportUnreachable when no peer is connected and with
	// domain.ErrAckTimeout when the message was sent but never answered.
	Request(ctx context.Context, msg Message) (Message, error)
	// UpdateContext replaces the single pending background update. The peer
	// receives only the latest one, now or on its next activation.
	UpdateContext(msg Message) error
	// OnReachabilityChange registers fn for every reachability transition.
	OnReachabilityChange(fn func(reachable bool))
	// Serve installs the handler for inbound messages.
	Serve(h Handler)
}
