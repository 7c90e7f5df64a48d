// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

package bus

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/samber/oops"
)

// MaxFrameSize bounds a single newline-delimited message on a stream.
const MaxFrameSize = 4 << 20

// StreamTransport carries newline-delimited JSON messages over a byte
// stream such as a Unix socket or a child process pipe.
type StreamTransport struct {
	rwc io.ReadWriteCloser

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewStreamTransport wraps rwc.
func NewStreamTransport(rwc io.ReadWriteCloser) *StreamTransport {
	return &StreamTransport{rwc: rwc}
}

// Send writes msg as one line.
func (t *StreamTransport) Send(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return oops.Code(CodeInvalidMessage).With("channel", msg.Channel).Wrap(err)
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.rwc.Write(data); err != nil {
		return oops.Code(CodeTransportFailed).With("channel", msg.Channel).Wrap(err)
	}
	return nil
}

// Serve reads messages until the stream ends or ctx is canceled and hands
// them to e. Frames that fail envelope validation are logged and skipped.
func (t *StreamTransport) Serve(ctx context.Context, e *Endpoint) error {
	stop := context.AfterFunc(ctx, func() {
		_ = t.Close()
	})
	defer stop()

	scanner := bufio.NewScanner(t.rwc)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := DecodeMessage(line)
		if err != nil {
			invalidFrames.Inc()
			slog.Warn("dropping invalid bus frame",
				"endpoint", e.Name(),
				"error", err)
			continue
		}
		if err := e.Deliver(msg); err != nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
			return nil
		}
		return oops.Code(CodeTransportFailed).With("endpoint", e.Name()).Wrap(err)
	}
	return nil
}

// Close closes the underlying stream.
func (t *StreamTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.rwc.Close()
	})
	return t.closeErr
}
