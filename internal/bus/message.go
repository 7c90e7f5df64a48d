// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

// Package bus implements the request/reply protocol spoken between the host,
// its UI surface and each plugin view.
//
// Every side of a connection is an Endpoint. Endpoints multiplex named
// channels: inbound messages fan out to the channel's handlers in
// registration order, and outbound calls are matched to their reply by a
// correlation ID.
package bus

import (
	"encoding/json"
	"time"
)

// Status is the role of a message on the wire.
type Status string

// Message statuses.
const (
	StatusRequest Status = "request"
	StatusSend    Status = "send"
	StatusReply   Status = "reply"
)

// Sync carries the correlation data of a message that expects a reply.
type Sync struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	TimeoutMs int64  `json:"timeout_ms,omitempty"`
}

// Header is the routing part of a message.
type Header struct {
	Status Status `json:"status" jsonschema:"enum=request,enum=send,enum=reply"`
	Plugin string `json:"plugin,omitempty"`
	Error  string `json:"error,omitempty"`
	Code   string `json:"code,omitempty"`
	Sync   *Sync  `json:"sync,omitempty"`
}

// Message is the unit exchanged between endpoints.
type Message struct {
	Channel string          `json:"channel" jsonschema:"minLength=1"`
	Header  Header          `json:"header"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CorrelationID returns the sync ID or "" when the message expects no reply.
func (m *Message) CorrelationID() string {
	if m.Header.Sync == nil {
		return ""
	}
	return m.Header.Sync.ID
}

// expectsReply reports whether a reply must be produced for m.
func (m *Message) expectsReply() bool {
	return m.Header.Status != StatusReply && m.CorrelationID() != ""
}

// replyTo builds the reply envelope for m.
func (m *Message) replyTo(payload json.RawMessage, errMsg, code string) *Message {
	return &Message{
		Channel: m.Channel,
		Header: Header{
			Status: StatusReply,
			Plugin: m.Header.Plugin,
			Error:  errMsg,
			Code:   code,
			Sync: &Sync{
				ID:        m.CorrelationID(),
				Timestamp: time.Now().UnixMilli(),
			},
		},
		Payload: payload,
	}
}

// DefaultReply is sent for requests whose handlers did not reply.
var DefaultReply = json.RawMessage(`{"ok":true}`)

// Reply is the answer to a Call.
type Reply struct {
	Message *Message
}

// Payload returns the raw reply payload.
func (r *Reply) Payload() json.RawMessage {
	return r.Message.Payload
}

// Decode unmarshals the reply payload into v.
func (r *Reply) Decode(v any) error {
	if len(r.Message.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(r.Message.Payload, v)
}

// IsDefault reports whether the reply was produced by the bus because no
// handler replied.
func (r *Reply) IsDefault() bool {
	return r.Message.Header.Code == CodeDefaultReply
}

func encodePayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(v)
	}
}
