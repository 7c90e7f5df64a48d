// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

package bus_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/talex-touch/touchhost/internal/bus"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newPipe(t *testing.T, opts ...bus.Option) (*bus.Endpoint, *bus.Endpoint) {
	t.Helper()
	host, view := bus.NewPipe("host", "view", opts...)
	t.Cleanup(func() {
		_ = host.Close()
		_ = view.Close()
	})
	return host, view
}

func errCode(t *testing.T, err error) any {
	t.Helper()
	oopsErr, ok := oops.AsOops(err)
	require.True(t, ok, "expected oops error, got %v", err)
	return oopsErr.Code()
}

func TestCall_ReturnsHandlerReply(t *testing.T) {
	host, view := newPipe(t)

	view.Register("math:double", func(_ context.Context, req *bus.Request) {
		var in struct{ N int }
		assert.NoError(t, req.Decode(&in))
		assert.NoError(t, req.Reply(map[string]int{"n": in.N * 2}))
	})

	reply, err := host.Call(context.Background(), "math:double", map[string]int{"N": 21})
	require.NoError(t, err)

	var out struct{ N int }
	require.NoError(t, reply.Decode(&out))
	assert.Equal(t, 42, out.N)
	assert.False(t, reply.IsDefault())
	assert.Equal(t, 0, host.Pending())
}

func TestCall_DefaultReplyWhenHandlerDoesNotReply(t *testing.T) {
	host, view := newPipe(t)

	var called atomic.Bool
	view.Register("ping", func(context.Context, *bus.Request) {
		called.Store(true)
	})

	reply, err := host.Call(context.Background(), "ping", nil, bus.WithTimeout(time.Second))
	require.NoError(t, err)
	assert.True(t, called.Load())
	assert.True(t, reply.IsDefault())
	assert.JSONEq(t, `{"ok":true}`, string(reply.Payload()))
}

func TestCall_NoHandlerRepliesWithError(t *testing.T) {
	host, _ := newPipe(t)

	_, err := host.Call(context.Background(), "missing", nil, bus.WithTimeout(time.Second))
	require.Error(t, err)

	var remote *bus.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, bus.CodeNoHandler, remote.Code)
	assert.Equal(t, "missing", remote.Channel)
}

func TestCall_FailPropagatesCode(t *testing.T) {
	host, view := newPipe(t)

	view.Register("plugin:enable", func(_ context.Context, req *bus.Request) {
		_ = req.Fail(oops.Code("PLUGIN_NOT_FOUND").Errorf("plugin %q not found", "demo"))
	})

	_, err := host.Call(context.Background(), "plugin:enable", nil)
	var remote *bus.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "PLUGIN_NOT_FOUND", remote.Code)
	assert.Contains(t, remote.Message, "demo")
}

func TestCall_HandlerPanicBecomesError(t *testing.T) {
	host, view := newPipe(t)

	view.Register("boom", func(context.Context, *bus.Request) {
		panic("kaboom")
	})

	_, err := host.Call(context.Background(), "boom", nil)
	var remote *bus.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, bus.CodeHandlerFailed, remote.Code)
	assert.Contains(t, remote.Message, "kaboom")
}

func TestCall_TimeoutRemovesWaiter(t *testing.T) {
	host, view := newPipe(t)

	release := make(chan struct{})
	view.Register("slow", func(_ context.Context, req *bus.Request) {
		<-release
		_ = req.Reply("late")
	})

	_, err := host.Call(context.Background(), "slow", nil, bus.WithTimeout(20*time.Millisecond))
	require.Error(t, err)
	assert.ErrorIs(t, err, bus.ErrTimeout)
	assert.Equal(t, bus.CodeTimeout, errCode(t, err))
	assert.Equal(t, 0, host.Pending())

	// The late reply finds no waiter and is dropped.
	close(release)
	reply, err := host.Call(context.Background(), "slow", nil, bus.WithTimeout(time.Second))
	require.NoError(t, err)
	var s string
	require.NoError(t, reply.Decode(&s))
	assert.Equal(t, "late", s)
}

func TestCall_ContextCanceled(t *testing.T) {
	host, view := newPipe(t)

	release := make(chan struct{})
	defer close(release)
	view.Register("slow", func(context.Context, *bus.Request) {
		<-release
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := host.Call(ctx, "slow", nil, bus.WithoutTimeout())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, bus.ErrTimeout)
	assert.Equal(t, bus.CodeCanceled, errCode(t, err))
	assert.Equal(t, 0, host.Pending())
}

func TestDispatch_SlowChannelDoesNotDelayOtherChannels(t *testing.T) {
	host, view := newPipe(t)

	started := make(chan struct{})
	release := make(chan struct{})
	view.Register("plugin:install", func(ctx context.Context, req *bus.Request) {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
		}
		_ = req.Reply("installed")
	})
	view.Register("config:get", func(_ context.Context, req *bus.Request) {
		_ = req.Reply(map[string]string{"style": "dark"})
	})

	installDone := make(chan error, 1)
	go func() {
		_, err := host.Call(context.Background(), "plugin:install", nil, bus.WithTimeout(5*time.Second))
		installDone <- err
	}()
	<-started

	reply, err := host.Call(context.Background(), "config:get", nil, bus.WithTimeout(200*time.Millisecond))
	require.NoError(t, err, "config:get must not wait for the install handler")
	var doc map[string]string
	require.NoError(t, reply.Decode(&doc))
	assert.Equal(t, "dark", doc["style"])

	close(release)
	require.NoError(t, <-installDone)
}

func TestDispatch_SameChannelKeepsArrivalOrder(t *testing.T) {
	host, view := newPipe(t)

	const sends = 50
	var mu sync.Mutex
	var got []int
	view.Register("seq", func(_ context.Context, req *bus.Request) {
		var n int
		assert.NoError(t, req.Decode(&n))
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
	})

	for i := range sends {
		require.NoError(t, host.Send(context.Background(), "seq", i))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == sends
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, n := range got {
		assert.Equal(t, i, n)
	}
}

func TestCall_ExactlyOneOutcomeUnderConcurrency(t *testing.T) {
	host, view := newPipe(t)

	view.Register("echo", func(_ context.Context, req *bus.Request) {
		var n int
		_ = req.Decode(&n)
		_ = req.Reply(n)
	})

	const calls = 200
	var wg sync.WaitGroup
	var ok, timedOut atomic.Int32
	for i := range calls {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			reply, err := host.Call(context.Background(), "echo", n, bus.WithTimeout(time.Millisecond))
			switch {
			case err == nil:
				var got int
				if reply.Decode(&got) == nil && got == n {
					ok.Add(1)
				}
			case errors.Is(err, bus.ErrTimeout):
				timedOut.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(calls), ok.Load()+timedOut.Load())
	assert.Equal(t, 0, host.Pending())
}

func TestRequest_RepliedOnce(t *testing.T) {
	host, view := newPipe(t)

	errs := make(chan error, 1)
	view.Register("once", func(_ context.Context, req *bus.Request) {
		assert.NoError(t, req.Reply("first"))
		errs <- req.Reply("second")
	})
	view.Register("once", func(_ context.Context, req *bus.Request) {
		assert.True(t, req.Replied())
	})

	reply, err := host.Call(context.Background(), "once", nil)
	require.NoError(t, err)
	var s string
	require.NoError(t, reply.Decode(&s))
	assert.Equal(t, "first", s)
	assert.ErrorIs(t, <-errs, bus.ErrDuplicateReply)
}

func TestRegister_FanOutInRegistrationOrder(t *testing.T) {
	host, view := newPipe(t)

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	for i := range 3 {
		view.Register("theme:changed", func(context.Context, *bus.Request) {
			mu.Lock()
			order = append(order, i)
			n := len(order)
			mu.Unlock()
			if n == 3 {
				close(done)
			}
		})
	}

	require.NoError(t, host.Send(context.Background(), "theme:changed", map[string]string{"theme": "dark"}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handlers did not run")
	}
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestRegister_UnregisterIsIdempotent(t *testing.T) {
	_, view := newPipe(t)

	first := view.Register("ch", func(context.Context, *bus.Request) {})
	view.Register("ch", func(context.Context, *bus.Request) {})
	assert.Equal(t, 2, view.Handlers("ch"))

	first()
	first()
	assert.Equal(t, 1, view.Handlers("ch"))
}

func TestCallSync_OverPipe(t *testing.T) {
	host, view := newPipe(t, bus.WithPlugin("demo"))

	view.Register("config:get", func(_ context.Context, req *bus.Request) {
		assert.Equal(t, "demo", req.Plugin())
		_ = req.Reply(map[string]string{"theme": "dark"})
	})

	reply, err := host.CallSync(context.Background(), "config:get", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"theme":"dark"}`, string(reply.Payload()))
}

func TestCallSync_UnsupportedOnStream(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	e := bus.NewEndpoint("host", bus.NewStreamTransport(a))
	defer e.Close()

	_, err := e.CallSync(context.Background(), "config:get", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, bus.ErrSyncUnsupported)
}

func TestClose_FailsPendingCalls(t *testing.T) {
	host, view := newPipe(t)

	release := make(chan struct{})
	defer close(release)
	view.Register("slow", func(context.Context, *bus.Request) {
		<-release
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := host.Call(context.Background(), "slow", nil, bus.WithoutTimeout())
		errCh <- err
	}()

	require.Eventually(t, func() bool { return host.Pending() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, host.Close())

	err := <-errCh
	assert.ErrorIs(t, err, bus.ErrClosed)

	_, err = host.Call(context.Background(), "slow", nil)
	assert.ErrorIs(t, err, bus.ErrClosed)
}

func TestStream_CallAcrossConnection(t *testing.T) {
	a, b := net.Pipe()

	ta := bus.NewStreamTransport(a)
	tb := bus.NewStreamTransport(b)
	host := bus.NewEndpoint("host", ta)
	view := bus.NewEndpoint("view", tb, bus.WithPlugin("demo"))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = ta.Serve(ctx, host) }()
	go func() { defer wg.Done(); _ = tb.Serve(ctx, view) }()
	defer func() {
		cancel()
		wg.Wait()
		_ = host.Close()
		_ = view.Close()
	}()

	host.Register("plugin:list", func(_ context.Context, req *bus.Request) {
		assert.Equal(t, "demo", req.Plugin())
		_ = req.Reply([]string{"alpha", "beta"})
	})

	reply, err := view.Call(ctx, "plugin:list", nil, bus.WithTimeout(time.Second))
	require.NoError(t, err)

	var names []string
	require.NoError(t, reply.Decode(&names))
	assert.Equal(t, []string{"alpha", "beta"}, names)
}

func TestDecodeMessage(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{
			name: "request",
			raw:  `{"channel":"ping","header":{"status":"request","sync":{"id":"01J","timestamp":1}}}`,
		},
		{
			name: "send with payload",
			raw:  `{"channel":"theme:changed","header":{"status":"send"},"payload":{"theme":"dark"}}`,
		},
		{
			name:    "not json",
			raw:     `{"channel":`,
			wantErr: true,
		},
		{
			name:    "empty channel",
			raw:     `{"channel":"","header":{"status":"send"}}`,
			wantErr: true,
		},
		{
			name:    "unknown status",
			raw:     `{"channel":"ping","header":{"status":"shout"}}`,
			wantErr: true,
		},
		{
			name:    "missing header",
			raw:     `{"channel":"ping"}`,
			wantErr: true,
		},
		{
			name:    "request without sync",
			raw:     `{"channel":"ping","header":{"status":"request"}}`,
			wantErr: true,
		},
		{
			name:    "reply without sync",
			raw:     `{"channel":"ping","header":{"status":"reply"}}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := bus.DecodeMessage([]byte(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, bus.CodeInvalidMessage, errCode(t, err))
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, msg.Channel)
		})
	}
}

func TestEnvelopeSchema(t *testing.T) {
	raw, err := bus.EnvelopeSchema()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"channel"`)
	assert.Contains(t, string(raw), `"request"`)
}
