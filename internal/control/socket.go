// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

// Package control provides an HTTP control socket for a running host.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"

	"github.com/talex-touch/touchhost/internal/plugin"
	"github.com/talex-touch/touchhost/internal/xdg"
	"github.com/talex-touch/touchhost/pkg/errutil"
)

// SocketName is the file name of the control socket in the runtime dir.
const SocketName = "touchhost.sock"

// Plugin actions accepted by POST /plugins/{name}/{action}. load registers
// a plugin installed after startup.
const (
	ActionEnable     = "enable"
	ActionDisable    = "disable"
	ActionActivate   = "activate"
	ActionDeactivate = "deactivate"
	ActionReload     = "reload"
	ActionLoad       = "load"
)

// HealthResponse is returned by the /health endpoint.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// StatusResponse is returned by the /status endpoint.
type StatusResponse struct {
	Running       bool   `json:"running"`
	PID           int    `json:"pid"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Version       string `json:"version,omitempty"`
	PluginsDir    string `json:"plugins_dir,omitempty"`
	Plugins       int    `json:"plugins"`
	Active        string `json:"active,omitempty"`
}

// PluginsResponse is returned by GET /plugins.
type PluginsResponse struct {
	Active  string            `json:"active,omitempty"`
	Plugins []plugin.Snapshot `json:"plugins"`
}

// ActionResponse is returned by plugin actions.
type ActionResponse struct {
	Plugin string        `json:"plugin"`
	Action string        `json:"action"`
	Status plugin.Status `json:"status"`
}

// ErrorResponse is returned for failed requests.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// ShutdownResponse is returned by the /shutdown endpoint.
type ShutdownResponse struct {
	Message string `json:"message"`
}

// ShutdownFunc is called when shutdown is requested.
type ShutdownFunc func()

// PluginController is the part of the plugin manager exposed on the socket.
type PluginController interface {
	PluginsDir() string
	List() []plugin.Snapshot
	Get(name string) (plugin.Snapshot, bool)
	Active() string
	LoadPlugin(ctx context.Context, name string) error
	EnablePlugin(ctx context.Context, name string) (plugin.Status, error)
	DisablePlugin(ctx context.Context, name string) error
	ChangeActivePlugin(ctx context.Context, name string) string
	ReloadPlugin(ctx context.Context, name string) (plugin.Status, error)
}

// Option configures a Server.
type Option func(*Server)

// WithVersion sets the version reported by /status.
func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

// WithRequestCounter counts requests by route and status code.
func WithRequestCounter(c *prometheus.CounterVec) Option {
	return func(s *Server) {
		s.requests = c
	}
}

// Server runs HTTP over a Unix socket.
type Server struct {
	socketPath   string
	version      string
	startTime    time.Time
	plugins      PluginController
	listener     net.Listener
	httpServer   *http.Server
	shutdownFunc ShutdownFunc
	requests     *prometheus.CounterVec
	running      atomic.Bool
}

// NewServer creates a control socket server listening on socketPath.
// plugins may be nil, in which case the plugin routes answer 503.
func NewServer(socketPath string, plugins PluginController, shutdownFunc ShutdownFunc, opts ...Option) *Server {
	s := &Server{
		socketPath:   socketPath,
		startTime:    time.Now(),
		plugins:      plugins,
		shutdownFunc: shutdownFunc,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.running.Store(true)
	return s
}

// SocketPath returns the default control socket path.
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

// Handler returns the HTTP handler serving the control routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.count("/health", s.handleHealth))
	mux.HandleFunc("GET /status", s.count("/status", s.handleStatus))
	mux.HandleFunc("GET /plugins", s.count("/plugins", s.handlePlugins))
	mux.HandleFunc("GET /plugins/{name}", s.count("/plugins/{name}", s.handlePlugin))
	mux.HandleFunc("POST /plugins/{name}/{action}", s.count("/plugins/{name}/{action}", s.handleAction))
	mux.HandleFunc("POST /shutdown", s.count("/shutdown", s.handleShutdown))
	return mux
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
	s.listener = listener

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		_ = listener.Close()
		return oops.With("path", s.socketPath).Wrapf(err, "set socket permissions")
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("control socket server error",
				"path", s.socketPath,
				"error", err,
			)
		}
	}()

	slog.Info("control socket listening", "path", s.socketPath)
	return nil
}

// Stop gracefully shuts down the control socket server.
func (s *Server) Stop(ctx context.Context) error {
	s.running.Store(false)

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return oops.Wrapf(err, "shutdown control socket")
		}
	}

	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			slog.Warn("failed to close control socket listener", "error", err)
		}
	}

	if s.socketPath != "" && s.listener != nil {
		if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove control socket file",
				"path", s.socketPath,
				"error", err,
			)
		}
	}

	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) count(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		if s.requests != nil {
			s.requests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Running:       s.running.Load(),
		PID:           os.Getpid(),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Version:       s.version,
	}
	if s.plugins != nil {
		resp.PluginsDir = s.plugins.PluginsDir()
		resp.Plugins = len(s.plugins.List())
		resp.Active = s.plugins.Active()
	}
	s.respond(w, http.StatusOK, resp)
}

func (s *Server) handlePlugins(w http.ResponseWriter, _ *http.Request) {
	if !s.requirePlugins(w) {
		return
	}
	s.respond(w, http.StatusOK, PluginsResponse{
		Active:  s.plugins.Active(),
		Plugins: s.plugins.List(),
	})
}

func (s *Server) handlePlugin(w http.ResponseWriter, r *http.Request) {
	if !s.requirePlugins(w) {
		return
	}
	name := r.PathValue("name")
	snap, ok := s.plugins.Get(name)
	if !ok {
		s.respond(w, http.StatusNotFound, ErrorResponse{Error: "plugin not found", Code: plugin.CodePluginNotFound})
		return
	}
	s.respond(w, http.StatusOK, snap)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	if !s.requirePlugins(w) {
		return
	}
	name, action := r.PathValue("name"), r.PathValue("action")
	ctx := r.Context()

	if _, ok := s.plugins.Get(name); !ok && action != ActionLoad {
		s.respond(w, http.StatusNotFound, ErrorResponse{Error: "plugin not found", Code: plugin.CodePluginNotFound})
		return
	}

	var err error
	switch action {
	case ActionLoad:
		err = s.plugins.LoadPlugin(ctx, name)
	case ActionEnable:
		_, err = s.plugins.EnablePlugin(ctx, name)
	case ActionDisable:
		err = s.plugins.DisablePlugin(ctx, name)
	case ActionReload:
		_, err = s.plugins.ReloadPlugin(ctx, name)
	case ActionActivate:
		switch s.plugins.ChangeActivePlugin(ctx, name) {
		case plugin.ActivateNotFound:
			err = oops.Code(plugin.CodePluginNotFound).With("plugin", name).Wrap(plugin.ErrPluginNotFound)
		case plugin.ActivateNotEnabled:
			err = oops.Code(plugin.CodeNotEnabled).With("plugin", name).Wrap(plugin.ErrNotEnabled)
		}
	case ActionDeactivate:
		if s.plugins.Active() == name {
			s.plugins.ChangeActivePlugin(ctx, "")
		}
	default:
		s.respond(w, http.StatusBadRequest, ErrorResponse{Error: "unknown action " + strconv.Quote(action), Code: "UNKNOWN_ACTION"})
		return
	}

	if err != nil {
		slog.Warn("control plugin action failed",
			"plugin", name,
			"action", action,
			"error", err)
		code := errutil.Code(err)
		s.respond(w, statusFor(code), ErrorResponse{Error: err.Error(), Code: code})
		return
	}

	snap, _ := s.plugins.Get(name)
	s.respond(w, http.StatusOK, ActionResponse{Plugin: name, Action: action, Status: snap.Status})
}

func (s *Server) handleShutdown(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, ShutdownResponse{Message: "shutdown initiated"})

	if s.shutdownFunc != nil {
		go s.shutdownFunc()
	}
}

func (s *Server) requirePlugins(w http.ResponseWriter) bool {
	if s.plugins != nil {
		return true
	}
	s.respond(w, http.StatusServiceUnavailable, ErrorResponse{Error: "plugin manager not available"})
	return false
}

func (s *Server) respond(w http.ResponseWriter, statusCode int, v any) {
	if err := writeJSON(w, statusCode, v); err != nil {
		slog.Error("failed to write control response", "error", err)
	}
}

func statusFor(code string) int {
	switch code {
	case plugin.CodePluginNotFound:
		return http.StatusNotFound
	case plugin.CodeNotEnabled, plugin.CodeManagerClosed, plugin.CodeDuplicatePlugin:
		return http.StatusConflict
	case plugin.CodeInvalidManifest, plugin.CodeNameMismatch:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return oops.Wrapf(err, "encode JSON response")
	}
	return nil
}
