// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

package control

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/samber/oops"
)

// Client talks to a control socket.
type Client struct {
	http *http.Client
}

// NewClient returns a client for the socket at socketPath.
func NewClient(socketPath string, timeout time.Duration) *Client {
	var dialer net.Dialer
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return dialer.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: timeout,
		},
	}
}

// Health queries GET /health.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var out HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", &out)
	return out, err
}

// Status queries GET /status.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodGet, "/status", &out)
	return out, err
}

// Plugins queries GET /plugins.
func (c *Client) Plugins(ctx context.Context) (PluginsResponse, error) {
	var out PluginsResponse
	err := c.do(ctx, http.MethodGet, "/plugins", &out)
	return out, err
}

// Action runs a plugin action such as enable or activate.
func (c *Client) Action(ctx context.Context, name, action string) (ActionResponse, error) {
	var out ActionResponse
	err := c.do(ctx, http.MethodPost, "/plugins/"+url.PathEscape(name)+"/"+url.PathEscape(action), &out)
	return out, err
}

// Shutdown asks the host to stop.
func (c *Client) Shutdown(ctx context.Context) error {
	var out ShutdownResponse
	return c.do(ctx, http.MethodPost, "/shutdown", &out)
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, "http://touchhost"+path, http.NoBody)
	if err != nil {
		return oops.With("path", path).Wrap(err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return oops.Code("CONTROL_UNREACHABLE").With("path", path).Wrapf(err, "connect to control socket")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return oops.With("path", path).Wrap(err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var e ErrorResponse
		if jsonErr := json.Unmarshal(body, &e); jsonErr != nil || e.Error == "" {
			e.Error = resp.Status
		}
		code := e.Code
		if code == "" {
			code = "CONTROL_REQUEST_FAILED"
		}
		return oops.Code(code).With("path", path).With("status", resp.StatusCode).Errorf("%s", e.Error)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return oops.With("path", path).Wrapf(err, "decode control response")
	}
	return nil
}
