// Package transport owns a bus connection: it drives the authentication
// handshake over a byte stream, then pumps framed messages in both
// directions, correlating replies to outstanding calls and fanning signals
// out to subscribers.
//
// One connection multiplexes any number of concurrent calls:
//
//	goroutine-1 ──Call(serial=1)──┐
//	goroutine-2 ──Call(serial=2)──┼──→ single stream ──→ peer
//	goroutine-3 ──Call(serial=3)──┘
//
//	recvLoop:  ←── reply(serial=2) → pending[2] → goroutine-2 wakes up
//
// Reads are sequential in a single receive task, because frame boundaries
// only exist relative to a correctly positioned stream. Writes go through a
// single send task draining an ordered queue, one complete frame at a time;
// interleaved partial writes would corrupt the stream for every message
// after them.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"wirebus/auth"
	"wirebus/codec"
	"wirebus/dispatch"
	"wirebus/message"
	"wirebus/protocol"
	"wirebus/signature"
)

// State is the connection lifecycle phase.
type State int32

const (
	StateDisconnected State = iota
	StateAuthenticating
	StateAuthenticated
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options configures a Connection.
type Options struct {
	// Mechanisms are tried in order during the client handshake. Empty
	// defaults to EXTERNAL then DBUS_COOKIE_SHA1.
	Mechanisms []auth.Mechanism

	// ServerAuth, when non-nil, makes this the answering side of the
	// handshake instead (peer-to-peer listeners, tests).
	ServerAuth *auth.ServerConfig

	// DefaultCallTimeout applies to calls whose context has no deadline.
	DefaultCallTimeout time.Duration

	// OutboundQueue is the send queue depth.
	OutboundQueue int

	// Scheduler runs the pump tasks; nil means goroutines and timers.
	Scheduler Scheduler

	// Logger receives pump diagnostics; nil means no logging.
	Logger *zap.Logger

	// Handlers answers inbound method calls; nil replies UnknownMethod
	// to everything.
	Handlers *dispatch.Registry
}

func (o *Options) withDefaults() Options {
	opts := Options{}
	if o != nil {
		opts = *o
	}
	if len(opts.Mechanisms) == 0 && opts.ServerAuth == nil {
		opts.Mechanisms = []auth.Mechanism{auth.External{}, auth.CookieSHA1{}}
	}
	if opts.DefaultCallTimeout <= 0 {
		opts.DefaultCallTimeout = 25 * time.Second
	}
	if opts.OutboundQueue <= 0 {
		opts.OutboundQueue = 32
	}
	if opts.Scheduler == nil {
		opts.Scheduler = GoScheduler{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return opts
}

// outcome is what a waiting caller receives: the reply message or the
// error that preempted it.
type outcome struct {
	msg *message.Message
	err error
}

// pendingCall tracks one outstanding method call. Exactly one of reply,
// timeout, cancellation or connection closure resolves it.
type pendingCall struct {
	serial uint32
	ch     chan outcome // buffered, so the receive loop never blocks
}

// Connection is an authenticated, multiplexed endpoint on a bus transport.
type Connection struct {
	conn  io.ReadWriteCloser
	log   *zap.Logger
	sched Scheduler
	opts  Options
	guid  string

	state atomic.Int32

	// mu guards the serial counter and the pending table together: a
	// caller must insert its pending entry under the same exclusion that
	// assigned the serial, so a reply can never observe a half-inserted
	// entry or a reused serial. The lock is never held across I/O.
	mu      sync.Mutex
	serial  uint32
	pending map[uint32]*pendingCall

	outbound chan *message.Message

	subsMu sync.Mutex
	subs   map[*Subscription]struct{}

	closeOnce   sync.Once
	closeReason error
	closed      chan struct{}
}

// Dial connects to addr on network and authenticates as a client.
// Address discovery (environment variables, well-known socket paths)
// belongs to the caller; this takes an explicit endpoint.
func Dial(network, addr string, opts *Options) (*Connection, error) {
	nc, err := net.Dial(network, addr)
	if err != nil {
		return nil, err
	}
	c, err := New(nc, opts)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

// New authenticates over conn and starts the message pump. On handshake
// failure the conn is left open for the caller to close.
func New(conn io.ReadWriteCloser, opts *Options) (*Connection, error) {
	o := opts.withDefaults()
	c := &Connection{
		conn:     conn,
		log:      o.Logger,
		sched:    o.Scheduler,
		opts:     o,
		pending:  make(map[uint32]*pendingCall),
		outbound: make(chan *message.Message, o.OutboundQueue),
		subs:     make(map[*Subscription]struct{}),
		closed:   make(chan struct{}),
	}

	c.state.Store(int32(StateAuthenticating))
	if o.ServerAuth != nil {
		if err := auth.Serve(conn, *o.ServerAuth); err != nil {
			c.state.Store(int32(StateDisconnected))
			return nil, err
		}
		c.guid = o.ServerAuth.GUID
	} else {
		guid, err := auth.Authenticate(conn, o.Mechanisms)
		if err != nil {
			c.state.Store(int32(StateDisconnected))
			return nil, err
		}
		c.guid = guid
	}
	c.state.Store(int32(StateAuthenticated))

	c.state.Store(int32(StateReady))
	c.sched.Go(c.recvLoop)
	c.sched.Go(c.sendLoop)
	c.log.Debug("connection ready", zap.String("guid", c.guid))
	return c, nil
}

// State returns the current lifecycle phase.
func (c *Connection) State() State { return State(c.state.Load()) }

// GUID returns the server identifier learned during the handshake.
func (c *Connection) GUID() string { return c.guid }

// Done is closed once the connection reaches the closed state.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// Err returns the close reason once Done is closed.
func (c *Connection) Err() error {
	select {
	case <-c.closed:
		return c.closeReason
	default:
		return nil
	}
}

// Close tears the connection down. Every outstanding call resolves with a
// *ClosedError.
func (c *Connection) Close() error {
	c.fail(ErrClosed)
	return nil
}

// fail moves the connection to the closed state exactly once, recording
// the reason and resolving every pending call with it. No entry is ever
// silently dropped.
func (c *Connection) fail(reason error) {
	c.closeOnce.Do(func() {
		c.closeReason = reason
		c.state.Store(int32(StateClosed))
		close(c.closed)
		c.conn.Close()

		c.mu.Lock()
		stranded := c.pending
		c.pending = make(map[uint32]*pendingCall)
		c.mu.Unlock()
		for _, pc := range stranded {
			pc.ch <- outcome{err: &ClosedError{Reason: reason}}
		}

		c.subsMu.Lock()
		for sub := range c.subs {
			sub.cancel()
		}
		c.subs = make(map[*Subscription]struct{})
		c.subsMu.Unlock()

		if !errors.Is(reason, ErrClosed) {
			c.log.Warn("connection failed", zap.Error(reason))
		}
	})
}

// nextSerialLocked allocates the next serial. Serial 0 is reserved, and a
// serial still owned by a live pending call is never reissued, even across
// 32-bit wraparound.
func (c *Connection) nextSerialLocked() uint32 {
	for {
		c.serial++
		if c.serial == 0 {
			c.serial = 1
		}
		if _, live := c.pending[c.serial]; !live {
			return c.serial
		}
	}
}

// enqueue places m on the outbound queue, giving up if the caller's
// context or the connection dies first.
func (c *Connection) enqueue(ctx context.Context, m *message.Message) error {
	select {
	case c.outbound <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return &ClosedError{Reason: c.closeReason}
	}
}

// Send assigns a serial to m and queues it without expecting any reply.
func (c *Connection) Send(ctx context.Context, m *message.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	m.Serial = c.nextSerialLocked()
	c.mu.Unlock()
	return c.enqueue(ctx, m)
}

// Emit sends a signal from path/iface/member with the given body.
func (c *Connection) Emit(ctx context.Context, path codec.ObjectPath, iface, member string, sig signature.Sig, values ...any) error {
	m := message.NewSignal(path, iface, member)
	if err := m.SetBody(sig, values...); err != nil {
		return err
	}
	return c.Send(ctx, m)
}

// Call invokes member on the object at path and waits for the reply body.
// The context's deadline bounds the wait; without one the connection's
// default call timeout applies. Cancellation is local: the wire protocol
// has no cancellation primitive, so the peer may still execute the call.
func (c *Connection) Call(ctx context.Context, path codec.ObjectPath, iface, member string, sig signature.Sig, args ...any) ([]any, error) {
	m := message.NewCall(path, iface, member)
	if err := m.SetBody(sig, args...); err != nil {
		return nil, err
	}
	reply, err := c.CallMessage(ctx, m)
	if err != nil {
		return nil, err
	}
	return reply.BodyValues()
}

// CallMessage sends a prebuilt call message and waits for its reply.
// With FlagNoReplyExpected set it returns nil immediately after queueing.
func (c *Connection) CallMessage(ctx context.Context, m *message.Message) (*message.Message, error) {
	if m.Kind != message.KindCall {
		return nil, &message.MalformedError{Reason: "CallMessage requires a call message"}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	if m.Flags&message.FlagNoReplyExpected != 0 {
		return nil, c.Send(ctx, m)
	}

	select {
	case <-c.closed:
		return nil, &ClosedError{Reason: c.closeReason}
	default:
	}

	// Serial assignment and pending insertion happen under one critical
	// section, before the message is queued: by the time the frame can
	// possibly be written, the entry its reply will look for exists.
	pc := &pendingCall{ch: make(chan outcome, 1)}
	c.mu.Lock()
	pc.serial = c.nextSerialLocked()
	m.Serial = pc.serial
	c.pending[pc.serial] = pc
	c.mu.Unlock()

	// fail closes the channel before it snapshots pending, so an insert
	// that missed the snapshot observes the closed channel here instead
	// of waiting out its timeout. The outbound queue is buffered and
	// stays ready after shutdown; enqueue alone cannot catch this.
	select {
	case <-c.closed:
		c.removePending(pc.serial)
		return nil, &ClosedError{Reason: c.closeReason}
	default:
	}

	if err := c.enqueue(ctx, m); err != nil {
		c.removePending(pc.serial)
		return nil, err
	}

	wait := c.opts.DefaultCallTimeout
	var timeout <-chan time.Time
	if deadline, ok := ctx.Deadline(); ok {
		wait = time.Until(deadline)
	} else {
		timeout = c.sched.After(wait)
	}

	select {
	case out := <-pc.ch:
		if out.err != nil {
			return nil, out.err
		}
		if out.msg.Kind == message.KindError {
			body, _ := out.msg.BodyValues()
			return nil, &CallError{Name: out.msg.ErrorName(), Body: body}
		}
		return out.msg, nil

	case <-ctx.Done():
		c.removePending(pc.serial)
		// An elapsed deadline is a call timeout no matter who supplied
		// the clock; plain cancellation passes through.
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{Serial: pc.serial, After: wait}
		}
		return nil, ctx.Err()

	case <-timeout:
		c.removePending(pc.serial)
		return nil, &TimeoutError{Serial: pc.serial, After: wait}
	}
}

// removePending drops a pending entry under the same exclusion used by the
// receive loop's lookup, so a reply racing a timeout or cancellation either
// finds the entry and delivers, or finds nothing and is discarded; never
// both.
func (c *Connection) removePending(serial uint32) {
	c.mu.Lock()
	delete(c.pending, serial)
	c.mu.Unlock()
}

// recvLoop is the single reader: it decodes one complete frame at a time
// and routes it. Replies resolve pending calls; calls and signals fan out.
func (c *Connection) recvLoop() {
	for {
		m, err := protocol.Decode(c.conn)
		if err != nil {
			var malformed *message.MalformedError
			if errors.As(err, &malformed) {
				// The frame was delimited correctly, so the stream is
				// still positioned; only this message is lost.
				c.log.Warn("dropping malformed message", zap.Error(err))
				continue
			}
			// Header-level or I/O failure: the next frame boundary is
			// unknowable, the stream is dead.
			c.fail(err)
			return
		}

		switch m.Kind {
		case message.KindReturn, message.KindError:
			serial, _ := m.ReplySerial()
			c.mu.Lock()
			pc := c.pending[serial]
			delete(c.pending, serial)
			c.mu.Unlock()
			if pc == nil {
				// Timed out, cancelled, or never ours. Not fatal.
				c.log.Debug("dropping reply with no pending call", zap.Uint32("serial", serial))
				continue
			}
			pc.ch <- outcome{msg: m}

		case message.KindCall:
			call := m
			c.sched.Go(func() { c.serveCall(call) })
			c.fanout(m)

		case message.KindSignal:
			c.fanout(m)

		default:
			// Unknown kind bytes are tolerated and dropped.
		}
	}
}

// serveCall dispatches an inbound method call to the handler registry and
// queues the reply, unless the caller asked for none.
func (c *Connection) serveCall(m *message.Message) {
	var reply *message.Message
	if c.opts.Handlers != nil {
		reply = c.opts.Handlers.HandleCall(context.Background(), m)
	} else {
		reply = dispatch.UnknownMethodReply(m)
	}
	if reply == nil || m.Flags&message.FlagNoReplyExpected != 0 {
		return
	}
	if err := c.Send(context.Background(), reply); err != nil {
		c.log.Warn("failed to queue reply", zap.Error(err))
	}
}

// sendLoop drains the outbound queue, one complete framed write per
// message.
func (c *Connection) sendLoop() {
	for {
		select {
		case m := <-c.outbound:
			if err := protocol.Encode(c.conn, m); err != nil {
				c.fail(err)
				return
			}
		case <-c.closed:
			return
		}
	}
}
