// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

package bus

import (
	"encoding/json"
	"sync"

	"github.com/samber/oops"
)

// Request is an inbound message handed to a Handler.
type Request struct {
	msg  *Message
	send func(*Message) error

	mu      sync.Mutex
	replied bool
}

// Channel returns the channel the message arrived on.
func (r *Request) Channel() string {
	return r.msg.Channel
}

// Plugin returns the plugin the message originated from, if any.
func (r *Request) Plugin() string {
	return r.msg.Header.Plugin
}

// Message returns the underlying envelope.
func (r *Request) Message() *Message {
	return r.msg
}

// Decode unmarshals the payload into v.
func (r *Request) Decode(v any) error {
	if len(r.msg.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.msg.Payload, v); err != nil {
		return oops.Code(CodeInvalidMessage).With("channel", r.msg.Channel).Wrap(err)
	}
	return nil
}

// Replied reports whether a reply has been sent.
func (r *Request) Replied() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replied
}

// Reply answers the request with payload. Only the first reply of a request
// is sent; later ones return ErrDuplicateReply. Replying to a fire-and-forget
// message is a no-op.
func (r *Request) Reply(payload any) error {
	raw, err := encodePayload(payload)
	if err != nil {
		return oops.Code(CodeInvalidMessage).With("channel", r.msg.Channel).Wrap(err)
	}
	return r.reply(raw, "", "")
}

// Fail answers the request with an error reply.
func (r *Request) Fail(err error) error {
	return r.reply(nil, err.Error(), errorCode(err))
}

func (r *Request) reply(payload json.RawMessage, errMsg, code string) error {
	if !r.msg.expectsReply() {
		return nil
	}

	r.mu.Lock()
	if r.replied {
		r.mu.Unlock()
		return ErrDuplicateReply
	}
	r.replied = true
	r.mu.Unlock()

	if r.send == nil {
		return nil
	}
	return r.send(r.msg.replyTo(payload, errMsg, code))
}
