// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

package bus

import (
	"errors"

	"github.com/samber/oops"

	"github.com/talex-touch/touchhost/pkg/errutil"
)

// Error codes for bus failures.
const (
	CodeTimeout         = "TIMEOUT"
	CodeCanceled        = "CANCELED"
	CodeDuplicateReply  = "DUPLICATE_REPLY"
	CodeSyncUnsupported = "SYNC_UNSUPPORTED"
	CodeEndpointClosed  = "ENDPOINT_CLOSED"
	CodeNoHandler       = "NO_HANDLER"
	CodeHandlerFailed   = "HANDLER_FAILED"
	CodeRemoteError     = "REMOTE_ERROR"
	CodeInvalidMessage  = "INVALID_MESSAGE"
	CodeTransportFailed = "TRANSPORT_FAILED"

	// CodeDefaultReply marks the bus-generated success reply.
	CodeDefaultReply = "DEFAULT_REPLY"
)

// Sentinel errors for programmatic error checking.
var (
	// ErrTimeout is returned when no reply arrived within the call timeout.
	ErrTimeout = errors.New("call timed out")
	// ErrDuplicateReply is returned by Request.Reply after the first reply.
	ErrDuplicateReply = errors.New("request already replied")
	// ErrClosed is returned when the endpoint has been closed.
	ErrClosed = errors.New("endpoint closed")
	// ErrSyncUnsupported is returned by CallSync on asynchronous transports.
	ErrSyncUnsupported = errors.New("transport does not support synchronous calls")
)

// RemoteError is returned by Call when the peer replied with an error.
type RemoteError struct {
	Channel string
	Code    string
	Message string
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	if e.Code != "" {
		return e.Channel + ": " + e.Code + ": " + e.Message
	}
	return e.Channel + ": " + e.Message
}

func errTimeout(channel, id string) error {
	return oops.Code(CodeTimeout).
		With("channel", channel).
		With("correlation_id", id).
		Wrap(ErrTimeout)
}

func errClosed(name string) error {
	return oops.Code(CodeEndpointClosed).With("endpoint", name).Wrap(ErrClosed)
}

// remoteErr converts an error reply into a Go error, or nil.
func remoteErr(msg *Message) error {
	if msg.Header.Error == "" {
		return nil
	}
	return &RemoteError{Channel: msg.Channel, Code: msg.Header.Code, Message: msg.Header.Error}
}

// errorCode extracts an oops code suitable for the wire.
func errorCode(err error) string {
	if code := errutil.Code(err); code != "" {
		return code
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Code
	}
	return CodeHandlerFailed
}
