// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

package archive

import (
	"context"
	"errors"
)

// Event is one item of an archive stream: a StatEvent, ProgressEvent,
// ErrorEvent or FlushEvent.
type Event interface {
	event()
}

// StatEvent is emitted for every file found while walking the sources.
type StatEvent struct {
	Path string
	Size int64
}

// ProgressEvent is emitted after each chunk is written. Written is
// cumulative; Total is fixed once the walk completes.
type ProgressEvent struct {
	Written int64
	Total   int64
}

// ErrorEvent terminates a stream that failed.
type ErrorEvent struct {
	Err error
}

// FlushEvent terminates a stream whose destination was synced and closed.
type FlushEvent struct {
	Path    string
	Written int64
	Files   int
}

func (StatEvent) event()     {}
func (ProgressEvent) event() {}
func (ErrorEvent) event()    {}
func (FlushEvent) event()    {}

// emitter sends events until the context is done.
type emitter struct {
	ctx context.Context
	ch  chan<- Event
}

func (e emitter) emit(ev Event) bool {
	select {
	case e.ch <- ev:
		return true
	case <-e.ctx.Done():
		return false
	}
}

// Drain consumes a stream and returns its FlushEvent, or the error carried
// by its ErrorEvent. onEvent, when non-nil, sees every event first.
func Drain(events <-chan Event, onEvent func(Event)) (FlushEvent, error) {
	var (
		flush FlushEvent
		err   error
		done  bool
	)
	for ev := range events {
		if onEvent != nil {
			onEvent(ev)
		}
		switch e := ev.(type) {
		case ErrorEvent:
			err, done = e.Err, true
		case FlushEvent:
			flush, done = e, true
		}
	}
	if !done && err == nil {
		err = errors.New("archive stream ended without a result")
	}
	return flush, err
}
