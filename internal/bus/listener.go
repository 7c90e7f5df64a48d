// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

package bus

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/samber/oops"

	"github.com/talex-touch/touchhost/internal/xdg"
)

// SocketName is the file name of the bus socket in the runtime dir.
const SocketName = "touchhost-bus.sock"

// BindFunc attaches services to the endpoint of a new connection. The
// returned function detaches them when the connection ends.
type BindFunc func(ep *Endpoint) func()

// Server accepts stream connections on a Unix socket. Every connection gets
// its own endpoint, bound with BindFunc.
type Server struct {
	socketPath string
	bind       BindFunc
	opts       []Option

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	nextID   atomic.Uint64

	mu    sync.Mutex
	conns map[*StreamTransport]struct{}
}

// NewServer creates a bus socket server. opts apply to every connection
// endpoint.
func NewServer(socketPath string, bind BindFunc, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath: socketPath,
		bind:       bind,
		opts:       opts,
		ctx:        ctx,
		cancel:     cancel,
		conns:      make(map[*StreamTransport]struct{}),
	}
}

// SocketPath returns the default bus socket path.
func SocketPath() (string, error) {
	runtimeDir, err := xdg.RuntimeDir()
	if err != nil {
		return "", oops.Wrapf(err, "resolve runtime directory")
	}
	return filepath.Join(runtimeDir, SocketName), nil
}

// Path returns the socket path the server listens on.
func (s *Server) Path() string {
	return s.socketPath
}

// Start begins listening on the Unix socket.
func (s *Server) Start() error {
	if err := xdg.EnsureDir(filepath.Dir(s.socketPath)); err != nil {
		return err
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return oops.With("path", s.socketPath).Wrapf(err, "remove existing socket")
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return oops.With("path", s.socketPath).Wrapf(err, "listen on socket")
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		_ = listener.Close()
		return oops.With("path", s.socketPath).Wrapf(err, "set socket permissions")
	}
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()

	slog.Info("bus socket listening", "path", s.socketPath)
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("bus socket accept failed",
				"path", s.socketPath,
				"error", err)
			continue
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()

	t := NewStreamTransport(conn)
	if !s.track(t) {
		_ = t.Close()
		return
	}
	defer s.untrack(t)

	name := "conn-" + strconv.FormatUint(s.nextID.Add(1), 10)
	ep := NewEndpoint(name, t, s.opts...)
	unbind := s.bind(ep)
	connections.Inc()
	slog.Debug("bus connection opened", "endpoint", name)

	err := t.Serve(s.ctx, ep)

	unbind()
	_ = ep.Close()
	connections.Dec()
	if err != nil {
		slog.Warn("bus connection failed",
			"endpoint", name,
			"error", err)
		return
	}
	slog.Debug("bus connection closed", "endpoint", name)
}

func (s *Server) track(t *StreamTransport) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conns[t] = struct{}{}
	return true
}

func (s *Server) untrack(t *StreamTransport) {
	s.mu.Lock()
	delete(s.conns, t)
	s.mu.Unlock()
}

// Stop closes the listener and every open connection, then waits for the
// connection endpoints to finish or ctx to expire.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	for t := range s.conns {
		_ = t.Close()
	}
	s.mu.Unlock()

	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			slog.Warn("failed to close bus socket listener", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return oops.With("path", s.socketPath).Wrapf(ctx.Err(), "wait for bus connections")
	}

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return oops.With("path", s.socketPath).Wrapf(err, "remove socket")
	}
	return nil
}
