// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/oops"

	"github.com/talex-touch/touchhost/internal/ids"
)

// DefaultCallTimeout bounds Call unless overridden per call.
const DefaultCallTimeout = 10 * time.Second

const inboxSize = 256

// Transport carries messages to the peer endpoint.
type Transport interface {
	Send(ctx context.Context, msg *Message) error
	Close() error
}

// RoundTripper is implemented by transports that can answer a request in
// the same round trip. CallSync requires it.
type RoundTripper interface {
	RoundTrip(ctx context.Context, msg *Message) (*Message, error)
}

// Handler processes an inbound request or send on a channel.
type Handler func(ctx context.Context, req *Request)

// Unregister removes a handler. Calling it more than once is a no-op.
type Unregister func()

type handlerEntry struct {
	fn Handler
}

// Endpoint is one side of a bus connection.
type Endpoint struct {
	name           string
	plugin         string
	defaultTimeout time.Duration

	transport Transport

	mu       sync.RWMutex
	handlers map[string][]*handlerEntry

	pendingMu sync.Mutex
	pending   map[string]chan *Message

	inbox     chan *Message
	lanesMu   sync.Mutex
	lanes     map[string]*lane
	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithPlugin stamps outgoing messages with the plugin they originate from.
func WithPlugin(name string) Option {
	return func(e *Endpoint) {
		e.plugin = name
	}
}

// WithDefaultTimeout replaces DefaultCallTimeout for this endpoint.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Endpoint) {
		e.defaultTimeout = d
	}
}

// NewEndpoint creates an endpoint sending through t and starts its dispatch
// loop. Inbound messages are handed to it with Deliver.
func NewEndpoint(name string, t Transport, opts ...Option) *Endpoint {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Endpoint{
		name:           name,
		defaultTimeout: DefaultCallTimeout,
		transport:      t,
		handlers:       make(map[string][]*handlerEntry),
		pending:        make(map[string]chan *Message),
		inbox:          make(chan *Message, inboxSize),
		lanes:          make(map[string]*lane),
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.wg.Add(1)
	go e.dispatchLoop()
	return e
}

// Name returns the endpoint name used in logs.
func (e *Endpoint) Name() string {
	return e.name
}

// Register appends h to the handlers of channel.
func (e *Endpoint) Register(channel string, h Handler) Unregister {
	entry := &handlerEntry{fn: h}

	e.mu.Lock()
	e.handlers[channel] = append(e.handlers[channel], entry)
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()

			list := e.handlers[channel]
			for i, h := range list {
				if h == entry {
					list = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(list) == 0 {
				delete(e.handlers, channel)
			} else {
				e.handlers[channel] = list
			}
		})
	}
}

// Handlers returns the number of handlers registered for channel.
func (e *Endpoint) Handlers(channel string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers[channel])
}

// Deliver hands an inbound message to the endpoint. Replies resolve their
// waiting call immediately; requests and sends are queued and dispatched in
// arrival order per channel. Channels do not wait for each other.
func (e *Endpoint) Deliver(msg *Message) error {
	if e.closed.Load() {
		return errClosed(e.name)
	}
	if msg.Header.Status == StatusReply {
		e.resolve(msg)
		return nil
	}

	select {
	case e.inbox <- msg:
		return nil
	case <-e.ctx.Done():
		return errClosed(e.name)
	}
}

// Send transmits a fire-and-forget message.
func (e *Endpoint) Send(ctx context.Context, channel string, payload any) error {
	if e.closed.Load() {
		return errClosed(e.name)
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return oops.Code(CodeInvalidMessage).With("channel", channel).Wrap(err)
	}
	msg := &Message{
		Channel: channel,
		Header:  Header{Status: StatusSend, Plugin: e.plugin},
		Payload: raw,
	}
	if err := e.transport.Send(ctx, msg); err != nil {
		return oops.Code(CodeTransportFailed).With("channel", channel).Wrap(err)
	}
	return nil
}

type callConfig struct {
	timeout time.Duration
}

// CallOption configures a single Call.
type CallOption func(*callConfig)

// WithTimeout sets the call timeout.
func WithTimeout(d time.Duration) CallOption {
	return func(c *callConfig) {
		c.timeout = d
	}
}

// WithoutTimeout waits for the reply until the context ends.
func WithoutTimeout() CallOption {
	return func(c *callConfig) {
		c.timeout = 0
	}
}

// Call sends a request and waits for its reply, the timeout, ctx or the
// endpoint closing, whichever comes first. Exactly one of them is observed:
// a reply racing a timeout is either returned or dropped, never both.
func (e *Endpoint) Call(ctx context.Context, channel string, payload any, opts ...CallOption) (*Reply, error) {
	cfg := callConfig{timeout: e.defaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if e.closed.Load() {
		return nil, errClosed(e.name)
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return nil, oops.Code(CodeInvalidMessage).With("channel", channel).Wrap(err)
	}

	id := ids.NewString()
	msg := &Message{
		Channel: channel,
		Header: Header{
			Status: StatusRequest,
			Plugin: e.plugin,
			Sync: &Sync{
				ID:        id,
				Timestamp: time.Now().UnixMilli(),
				TimeoutMs: cfg.timeout.Milliseconds(),
			},
		},
		Payload: raw,
	}

	waiter := make(chan *Message, 1)
	e.pendingMu.Lock()
	e.pending[id] = waiter
	e.pendingMu.Unlock()
	inflightCalls.Inc()
	defer inflightCalls.Dec()

	if err := e.transport.Send(ctx, msg); err != nil {
		e.forget(id)
		recordCall(channel, "transport_error")
		return nil, oops.Code(CodeTransportFailed).With("channel", channel).Wrap(err)
	}

	var timeout <-chan time.Time
	if cfg.timeout > 0 {
		timer := time.NewTimer(cfg.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case reply := <-waiter:
		return e.finish(channel, reply)
	case <-timeout:
		if reply, ok := e.abandon(id, waiter); ok {
			return e.finish(channel, reply)
		}
		recordCall(channel, "timeout")
		slog.Debug("bus call timed out",
			"endpoint", e.name,
			"channel", channel,
			"correlation_id", id,
			"timeout", cfg.timeout)
		return nil, errTimeout(channel, id)
	case <-ctx.Done():
		if reply, ok := e.abandon(id, waiter); ok {
			return e.finish(channel, reply)
		}
		recordCall(channel, "canceled")
		return nil, oops.Code(CodeCanceled).With("channel", channel).With("correlation_id", id).Wrap(ctx.Err())
	case <-e.ctx.Done():
		if reply, ok := e.abandon(id, waiter); ok {
			return e.finish(channel, reply)
		}
		recordCall(channel, "closed")
		return nil, errClosed(e.name)
	}
}

// CallSync performs a blocking call over a RoundTripper transport. The peer
// runs its handlers on the caller's goroutine, so it must not block on I/O.
func (e *Endpoint) CallSync(ctx context.Context, channel string, payload any) (*Reply, error) {
	rt, ok := e.transport.(RoundTripper)
	if !ok {
		return nil, oops.Code(CodeSyncUnsupported).With("channel", channel).Wrap(ErrSyncUnsupported)
	}
	if e.closed.Load() {
		return nil, errClosed(e.name)
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return nil, oops.Code(CodeInvalidMessage).With("channel", channel).Wrap(err)
	}
	msg := &Message{
		Channel: channel,
		Header: Header{
			Status: StatusRequest,
			Plugin: e.plugin,
			Sync:   &Sync{ID: ids.NewString(), Timestamp: time.Now().UnixMilli()},
		},
		Payload: raw,
	}

	reply, err := rt.RoundTrip(ctx, msg)
	if err != nil {
		recordCall(channel, "transport_error")
		return nil, oops.Code(CodeTransportFailed).With("channel", channel).Wrap(err)
	}
	return e.finish(channel, reply)
}

func (e *Endpoint) finish(channel string, reply *Message) (*Reply, error) {
	r := &Reply{Message: reply}
	if err := remoteErr(reply); err != nil {
		recordCall(channel, "remote_error")
		return r, err
	}
	recordCall(channel, "ok")
	return r, nil
}

// resolve hands a reply to its waiting call. Replies without a waiter
// belong to calls that already gave up and are dropped.
func (e *Endpoint) resolve(msg *Message) {
	id := msg.CorrelationID()

	e.pendingMu.Lock()
	waiter, ok := e.pending[id]
	delete(e.pending, id)
	e.pendingMu.Unlock()

	if !ok {
		lateReplies.Inc()
		slog.Debug("dropping reply without waiter",
			"endpoint", e.name,
			"channel", msg.Channel,
			"correlation_id", id)
		return
	}
	waiter <- msg
}

// abandon removes a waiter. If the reply won the race it is returned.
func (e *Endpoint) abandon(id string, waiter chan *Message) (*Message, bool) {
	e.pendingMu.Lock()
	_, stillPending := e.pending[id]
	delete(e.pending, id)
	e.pendingMu.Unlock()

	if stillPending {
		return nil, false
	}
	// resolve removed the entry first; its send is buffered.
	return <-waiter, true
}

func (e *Endpoint) forget(id string) {
	e.pendingMu.Lock()
	delete(e.pending, id)
	e.pendingMu.Unlock()
}

// Pending returns the number of calls awaiting a reply.
func (e *Endpoint) Pending() int {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	return len(e.pending)
}

// lane is the queue of one channel. It exists while messages are waiting
// or being dispatched.
type lane struct {
	queue []*Message
}

func (e *Endpoint) dispatchLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case msg := <-e.inbox:
			e.enqueue(msg)
		}
	}
}

// enqueue appends msg to its channel lane, starting the lane worker when the
// lane was idle. Only dispatchLoop calls it, which keeps wg.Add ordered
// before Close's wg.Wait.
func (e *Endpoint) enqueue(msg *Message) {
	e.lanesMu.Lock()
	l, running := e.lanes[msg.Channel]
	if !running {
		l = &lane{}
		e.lanes[msg.Channel] = l
	}
	l.queue = append(l.queue, msg)
	queued := len(l.queue)
	e.lanesMu.Unlock()

	laneDepth.Observe(float64(queued))
	if !running {
		e.wg.Add(1)
		go e.runLane(msg.Channel, l)
	}
}

// runLane dispatches the messages of one channel in order and exits once
// the lane is empty.
func (e *Endpoint) runLane(channel string, l *lane) {
	defer e.wg.Done()
	send := func(reply *Message) error {
		return e.transport.Send(e.ctx, reply)
	}
	for {
		e.lanesMu.Lock()
		if len(l.queue) == 0 || e.ctx.Err() != nil {
			delete(e.lanes, channel)
			e.lanesMu.Unlock()
			return
		}
		msg := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		e.lanesMu.Unlock()

		e.dispatch(e.ctx, msg, send)
	}
}

// dispatch runs every handler of msg.Channel in registration order and
// guarantees a single reply for requests that expect one.
func (e *Endpoint) dispatch(ctx context.Context, msg *Message, send func(*Message) error) {
	e.mu.RLock()
	entries := append([]*handlerEntry(nil), e.handlers[msg.Channel]...)
	e.mu.RUnlock()

	req := &Request{msg: msg, send: send}

	if len(entries) == 0 {
		slog.Debug("no handler for channel",
			"endpoint", e.name,
			"channel", msg.Channel,
			"plugin", msg.Header.Plugin)
		if msg.expectsReply() {
			_ = req.reply(nil, fmt.Sprintf("no handler registered for channel %q", msg.Channel), CodeNoHandler)
		}
		return
	}

	for _, entry := range entries {
		e.invoke(ctx, entry, req)
	}

	if msg.expectsReply() && !req.Replied() {
		if err := req.reply(DefaultReply, "", CodeDefaultReply); err != nil && err != ErrDuplicateReply {
			slog.Warn("failed to send default reply",
				"endpoint", e.name,
				"channel", msg.Channel,
				"error", err)
		}
	}
}

func (e *Endpoint) invoke(ctx context.Context, entry *handlerEntry, req *Request) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bus handler panicked",
				"endpoint", e.name,
				"channel", req.Channel(),
				"panic", r)
			_ = req.Fail(oops.Code(CodeHandlerFailed).Errorf("handler panicked: %v", r))
		}
	}()
	entry.fn(ctx, req)
}

// Close stops dispatching, fails pending calls and closes the transport.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.cancel()
		e.wg.Wait()
		if e.transport != nil {
			err = e.transport.Close()
		}
	})
	return err
}
