// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

package plugin

import (
	"slices"
	"sync"
	"time"
)

// pluginRuntime is the mutable record of one loaded plugin. Only the Manager
// touches it; callers receive Snapshot copies.
type pluginRuntime struct {
	// transition serializes lifecycle operations on this plugin.
	transition sync.Mutex

	mu        sync.RWMutex
	manifest  *Manifest
	dir       string
	status    Status
	pids      map[int]struct{}
	surface   Surface
	lastError string
	updatedAt time.Time
}

func newRuntime(m *Manifest, dir string) *pluginRuntime {
	return &pluginRuntime{
		manifest:  m,
		dir:       dir,
		status:    StatusLoaded,
		pids:      make(map[int]struct{}),
		updatedAt: time.Now(),
	}
}

func (r *pluginRuntime) getStatus() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// setStatus records s and returns the previous status.
func (r *pluginRuntime) setStatus(s Status) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.status
	r.status = s
	r.updatedAt = time.Now()
	return prev
}

func (r *pluginRuntime) setError(msg string) {
	r.mu.Lock()
	r.lastError = msg
	r.mu.Unlock()
}

func (r *pluginRuntime) addPID(pid int) {
	r.mu.Lock()
	r.pids[pid] = struct{}{}
	r.mu.Unlock()
}

// takePIDs empties the PID set and returns its former contents.
func (r *pluginRuntime) takePIDs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	pids := make([]int, 0, len(r.pids))
	for pid := range r.pids {
		pids = append(pids, pid)
	}
	r.pids = make(map[int]struct{})
	slices.Sort(pids)
	return pids
}

func (r *pluginRuntime) snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pids := make([]int, 0, len(r.pids))
	for pid := range r.pids {
		pids = append(pids, pid)
	}
	slices.Sort(pids)

	m := *r.manifest
	return Snapshot{
		Name:      r.manifest.Name,
		Version:   r.manifest.Version,
		Dir:       r.dir,
		Status:    r.status,
		PIDs:      pids,
		LastError: r.lastError,
		UpdatedAt: r.updatedAt,
		Manifest:  &m,
	}
}

// Snapshot is a point-in-time copy of a plugin runtime.
type Snapshot struct {
	Name      string    `json:"name" yaml:"name"`
	Version   string    `json:"version" yaml:"version"`
	Dir       string    `json:"dir" yaml:"dir"`
	Status    Status    `json:"status" yaml:"status"`
	PIDs      []int     `json:"pids,omitempty" yaml:"pids,omitempty"`
	LastError string    `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
	Manifest  *Manifest `json:"manifest" yaml:"-"`
}
