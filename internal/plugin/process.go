// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

package plugin

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/sethvargo/go-retry"
)

// DefaultReapGrace is how long a process gets to exit after SIGTERM before
// it is killed.
const DefaultReapGrace = 2 * time.Second

const reapPollInterval = 25 * time.Millisecond

var errStillAlive = errors.New("process still alive")

// ProcessSignaler sends signals to processes declared by plugins.
type ProcessSignaler interface {
	// Terminate asks the process to exit.
	Terminate(pid int) error
	// Kill forces the process to exit.
	Kill(pid int) error
	// Alive reports whether the process still exists.
	Alive(pid int) bool
}

// OSSignaler signals real operating system processes.
type OSSignaler struct{}

// Terminate sends SIGTERM.
func (OSSignaler) Terminate(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Signal(syscall.SIGTERM)
}

// Kill sends SIGKILL.
func (OSSignaler) Kill(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

// Alive probes the process with signal 0.
func (OSSignaler) Alive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

// processGone reports whether err means the process no longer exists.
func processGone(err error) bool {
	return errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH)
}

type reaper struct {
	signaler ProcessSignaler
	grace    time.Duration
}

// reap terminates pid, escalating to a kill when it outlives the grace
// period. A process that is already gone counts as reaped.
//
// The PID is signaled as declared. It is not checked against the process
// that originally declared it, so a recycled PID would be signaled too.
func (r *reaper) reap(ctx context.Context, plugin string, pid int) error {
	if pid <= 0 {
		return nil
	}

	if err := r.signaler.Terminate(pid); err != nil {
		if processGone(err) {
			slog.Debug("declared process already gone",
				"plugin", plugin,
				"pid", pid)
			return nil
		}
		slog.Warn("failed to terminate declared process",
			"plugin", plugin,
			"pid", pid,
			"error", err)
	}

	backoff := retry.WithMaxDuration(r.grace, retry.NewConstant(reapPollInterval))
	err := retry.Do(ctx, backoff, func(_ context.Context) error {
		if r.signaler.Alive(pid) {
			return retry.RetryableError(errStillAlive)
		}
		return nil
	})
	if err == nil {
		reapedProcesses.WithLabelValues("terminated").Inc()
		return nil
	}

	if killErr := r.signaler.Kill(pid); killErr != nil {
		if processGone(killErr) {
			reapedProcesses.WithLabelValues("terminated").Inc()
			return nil
		}
		reapedProcesses.WithLabelValues("failed").Inc()
		return killErr
	}
	reapedProcesses.WithLabelValues("killed").Inc()
	return nil
}
