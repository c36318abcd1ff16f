package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"example.com/ridesync/internal/domain"
)

// ErrAlreadyConnected is returned when a second peer tries to attach.
var ErrAlreadyConnected = errors.New("relay: peer already connected")

type frameKind string

const (
	frameRequest frameKind = "request"
	frameReply   frameKind = "reply"
	frameError   frameKind = "error"
	frameContext frameKind = "context"
)

// frame wraps an encoded message with its correlation id.
type frame struct {
	ID    string          `json:"id,omitempty"`
	Kind  frameKind       `json:"kind"`
	Body  json.RawMessage `json:"body,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Peer is a Link over a single WebSocket connection at a time. The primary
// device accepts connections through ServeHTTP; the companion attaches the
// connections a Dialer opens.
type Peer struct {
	logger       *log.Logger
	writeTimeout time.Duration
	readLimit    int64
	now          func() time.Time

	mu        sync.Mutex
	conn      *websocket.Conn
	pending   map[string]chan frame
	slot      []byte
	slotSeq   uint64
	handler   Handler
	observers []func(bool)
}

// PeerOption configures a Peer.
type PeerOption func(*Peer)

// WithPeerLogger sets the logger.
func WithPeerLogger(logger *log.Logger) PeerOption {
	return func(p *Peer) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithWriteTimeout bounds every frame write.
func WithWriteTimeout(d time.Duration) PeerOption {
	return func(p *Peer) {
		if d > 0 {
			p.writeTimeout = d
		}
	}
}

// WithReadLimit caps the size of an inbound frame.
func WithReadLimit(n int64) PeerOption {
	return func(p *Peer) {
		if n > 0 {
			p.readLimit = n
		}
	}
}

// NewPeer constructs a disconnected Peer.
func NewPeer(opts ...PeerOption) *Peer {
	p := &Peer{
		logger:       log.Default(),
		writeTimeout: 5 * time.Second,
		readLimit:    8 << 20,
		now:          func() time.Time { return time.Now().UTC() },
		pending:      make(map[string]chan frame),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Reachable reports whether a connection is attached.
func (p *Peer) Reachable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil
}

// OnReachabilityChange registers an observer. Observers run on the connection
// goroutine and must not block.
func (p *Peer) OnReachabilityChange(fn func(bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, fn)
}

// Serve installs the inbound handler.
func (p *Peer) Serve(h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

func (p *Peer) notify(reachable bool) {
	p.mu.Lock()
	observers := slices.Clone(p.observers)
	p.mu.Unlock()
	if reachable {
		reachabilityGauge.Set(1)
	} else {
		reachabilityGauge.Set(0)
	}
	for _, fn := range observers {
		fn(reachable)
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (p *Peer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		p.logger.Printf("websocket upgrade failed: %v", err)
		return
	}
	if err := p.Attach(r.Context(), conn); err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Printf("peer disconnected: %v", err)
	}
}

// Attach makes conn the current connection and reads from it until it fails.
// The pending background update, if any, is delivered before observers are
// told the peer is reachable.
func (p *Peer) Attach(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(p.readLimit)

	p.mu.Lock()
	if p.conn != nil {
		p.mu.Unlock()
		_ = conn.Close(websocket.StatusPolicyViolation, "peer already connected")
		return ErrAlreadyConnected
	}
	p.conn = conn
	replay, seq := p.slot, p.slotSeq
	p.slot = nil
	p.mu.Unlock()

	if replay != nil {
		if err := p.write(ctx, conn, frame{Kind: frameContext, Body: replay}); err != nil {
			p.restoreSlot(replay, seq)
		}
	}
	p.notify(true)

	err := p.readLoop(ctx, conn)
	p.detach(conn)
	return err
}

func (p *Peer) detach(conn *websocket.Conn) {
	p.mu.Lock()
	if p.conn != conn {
		p.mu.Unlock()
		return
	}
	p.conn = nil
	for id, ch := range p.pending {
		close(ch)
		delete(p.pending, id)
	}
	p.mu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	p.notify(false)
}

// Close drops the current connection, if any.
func (p *Peer) Close() {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn != nil {
		p.detach(conn)
	}
}

func (p *Peer) write(ctx context.Context, conn *websocket.Conn, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, p.writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

func (p *Peer) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			framesDropped.Inc()
			p.logger.Printf("dropping malformed frame: %v", err)
			continue
		}
		switch f.Kind {
		case frameReply, frameError:
			p.resolve(f)
		case frameRequest:
			go p.answer(ctx, conn, f)
		case frameContext:
			// Background updates are applied in arrival order.
			p.apply(ctx, f.Body)
		default:
			framesDropped.Inc()
			p.logger.Printf("dropping frame of kind %q", f.Kind)
		}
	}
}

func (p *Peer) resolve(f frame) {
	p.mu.Lock()
	ch, ok := p.pending[f.ID]
	if ok {
		delete(p.pending, f.ID)
	}
	p.mu.Unlock()
	if ok {
		ch <- f
	}
}

func (p *Peer) currentHandler() Handler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handler
}

func (p *Peer) dispatch(ctx context.Context, body []byte) (Message, error) {
	msg, err := Decode(body)
	if err != nil {
		framesDropped.Inc()
		return nil, err
	}
	messagesReceived.WithLabelValues(string(msg.Type())).Inc()
	h := p.currentHandler()
	if h == nil {
		return nil, ErrNoHandler
	}
	reply, err := h(ctx, msg)
	if err != nil {
		return nil, err
	}
	if reply == nil {
		reply = Ack{Header: Stamp(p.now())}
	}
	return reply, nil
}

func (p *Peer) answer(ctx context.Context, conn *websocket.Conn, req frame) {
	out := frame{ID: req.ID, Kind: frameReply}
	reply, err := p.dispatch(ctx, req.Body)
	if err == nil {
		out.Body, err = Encode(reply)
	}
	if err != nil {
		out = frame{ID: req.ID, Kind: frameError, Error: err.Error()}
	}
	if err := p.write(ctx, conn, out); err != nil {
		p.logger.Printf("reply %s not delivered: %v", req.ID, err)
	}
}

func (p *Peer) apply(ctx context.Context, body []byte) {
	if _, err := p.dispatch(ctx, body); err != nil {
		p.logger.Printf("background update rejected: %v", err)
	}
}

// Request sends msg and waits for the reply.
func (p *Peer) Request(ctx context.Context, msg Message) (Message, error) {
	body, err := Encode(msg)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	conn := p.conn
	if conn == nil {
		p.mu.Unlock()
		requestsTotal.WithLabelValues(string(msg.Type()), "unreachable").Inc()
		return nil, domain.ErrTransportUnreachable
	}
	id := uuid.NewString()
	ch := make(chan frame, 1)
	p.pending[id] = ch
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	if err := p.write(ctx, conn, frame{ID: id, Kind: frameRequest, Body: body}); err != nil {
		requestsTotal.WithLabelValues(string(msg.Type()), "unreachable").Inc()
		return nil, fmt.Errorf("%w: %v", domain.ErrTransportUnreachable, err)
	}

	select {
	case f, ok := <-ch:
		if !ok {
			requestsTotal.WithLabelValues(string(msg.Type()), "timeout").Inc()
			return nil, fmt.Errorf("%w: connection lost awaiting reply", domain.ErrAckTimeout)
		}
		if f.Kind == frameError {
			requestsTotal.WithLabelValues(string(msg.Type()), "rejected").Inc()
			return nil, &RejectedError{Type: msg.Type(), Reason: f.Error}
		}
		reply, err := Decode(f.Body)
		if err != nil {
			requestsTotal.WithLabelValues(string(msg.Type()), "decode_failure").Inc()
			return nil, err
		}
		requestsTotal.WithLabelValues(string(msg.Type()), "delivered").Inc()
		return reply, nil
	case <-ctx.Done():
		requestsTotal.WithLabelValues(string(msg.Type()), "timeout").Inc()
		return nil, fmt.Errorf("%w: %v", domain.ErrAckTimeout, ctx.Err())
	}
}

// UpdateContext sends msg as a background update, or keeps it as the single
// pending update when no peer is connected.
func (p *Peer) UpdateContext(msg Message) error {
	body, err := Encode(msg)
	if err != nil {
		return err
	}
	contextUpdates.Inc()

	p.mu.Lock()
	p.slotSeq++
	seq := p.slotSeq
	conn := p.conn
	if conn == nil {
		p.slot = body
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.write(context.Background(), conn, frame{Kind: frameContext, Body: body}); err != nil {
		p.restoreSlot(body, seq)
	}
	return nil
}

// restoreSlot keeps body as the pending update unless a newer one arrived.
func (p *Peer) restoreSlot(body []byte, seq uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.slotSeq == seq && p.slot == nil {
		p.slot = body
	}
}

// RejectedError is returned when the peer answered a request with an error.
type RejectedError struct {
	Type   Type
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("relay: peer rejected %s: %s", e.Type, e.Reason)
}

// Dialer keeps a Peer connected to a remote endpoint, redialling with
// exponential backoff.
type Dialer struct {
	URL        string
	Peer       *Peer
	Header     http.Header
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Logger     *log.Logger
}

// Run dials until ctx is cancelled.
func (d *Dialer) Run(ctx context.Context) error {
	minBackoff, maxBackoff := d.MinBackoff, d.MaxBackoff
	if minBackoff <= 0 {
		minBackoff = time.Second
	}
	if maxBackoff < minBackoff {
		maxBackoff = 30 * time.Second
	}
	logger := d.Logger
	if logger == nil {
		logger = log.Default()
	}

	backoff := minBackoff
	for {
		conn, _, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{HTTPHeader: d.Header})
		if err == nil {
			backoff = minBackoff
			err = d.Peer.Attach(ctx, conn)
		}
		if ctx.Err() != nil {
			return nil
		}
		logger.Printf("relay link to %s down: %v (retry in %s)", d.URL, err, backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
