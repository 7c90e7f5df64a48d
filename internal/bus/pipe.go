// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/samber/oops"
)

// pipeTransport connects two in-process endpoints.
type pipeTransport struct {
	mu     sync.RWMutex
	peer   *Endpoint
	closed atomic.Bool
}

func (p *pipeTransport) target() (*Endpoint, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.peer == nil {
		return nil, ErrClosed
	}
	return p.peer, nil
}

func (p *pipeTransport) Send(ctx context.Context, msg *Message) error {
	peer, err := p.target()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return peer.Deliver(msg)
}

// RoundTrip runs the peer's handlers on the calling goroutine and returns
// the single reply they produce.
func (p *pipeTransport) RoundTrip(ctx context.Context, msg *Message) (*Message, error) {
	peer, err := p.target()
	if err != nil {
		return nil, err
	}

	var reply *Message
	peer.dispatch(ctx, msg, func(m *Message) error {
		reply = m
		return nil
	})
	if reply == nil {
		return nil, oops.Code(CodeNoHandler).With("channel", msg.Channel).Errorf("no reply produced")
	}
	return reply, nil
}

func (p *pipeTransport) Close() error {
	p.closed.Store(true)
	return nil
}

// NewPipe returns two endpoints connected in memory.
func NewPipe(a, b string, opts ...Option) (*Endpoint, *Endpoint) {
	ta := &pipeTransport{}
	tb := &pipeTransport{}

	ea := NewEndpoint(a, ta, opts...)
	eb := NewEndpoint(b, tb, opts...)

	ta.mu.Lock()
	ta.peer = eb
	ta.mu.Unlock()
	tb.mu.Lock()
	tb.peer = ea
	tb.mu.Unlock()

	return ea, eb
}
