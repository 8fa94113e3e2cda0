// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jssandbox

import (
	"sync/atomic"
	"time"
)

// lifeState is an immutable snapshot of a task's lifecycle.
type lifeState struct {
	status Status
	start  *time.Time // Nil until the task starts running
	end    *time.Time // Nil until the task is terminal
}

var scheduledState = &lifeState{status: StatusScheduled}

// Lifecycle is the single atomic state register of a task. Every transition
// swaps the whole snapshot with one compare-and-swap, so of several racing
// transitions exactly one wins and readers never see a status without its
// timestamps.
type Lifecycle struct {
	id    string
	state atomic.Pointer[lifeState]
	now   func() time.Time
}

// NewLifecycle returns a register in SCHEDULED state.
func NewLifecycle(id string) *Lifecycle {
	l := &Lifecycle{id: id, now: time.Now}
	l.state.Store(scheduledState)
	return l
}

func (l *Lifecycle) load() *lifeState {
	return l.state.Load()
}

// Status returns the current status.
func (l *Lifecycle) Status() Status {
	return l.load().status
}

// Begin moves SCHEDULED to RUNNING and records the start time.
func (l *Lifecycle) Begin() error {
	cur := l.load()
	if cur.status != StatusScheduled {
		return &StateConflictError{ID: l.id, Op: "execute", Status: cur.status}
	}
	next := &lifeState{status: StatusRunning, start: l.stamp()}
	if !l.state.CompareAndSwap(cur, next) {
		return &StateConflictError{ID: l.id, Op: "execute", Status: l.Status()}
	}
	return nil
}

// Finish moves RUNNING to FINISHED and records the end time. It fails if the
// task was canceled concurrently, in which case CANCELED stands.
func (l *Lifecycle) Finish() error {
	cur := l.load()
	if cur.status != StatusRunning {
		return &StateConflictError{ID: l.id, Op: "finish", Status: cur.status}
	}
	next := &lifeState{status: StatusFinished, start: cur.start, end: l.stamp()}
	if !l.state.CompareAndSwap(cur, next) {
		return &StateConflictError{ID: l.id, Op: "finish", Status: l.Status()}
	}
	return nil
}

// Cancel moves SCHEDULED or RUNNING to CANCELED and records the end time.
// It returns the status the task left so callers know whether a runtime is
// still executing.
func (l *Lifecycle) Cancel() (Status, error) {
	for {
		cur := l.load()
		if cur.status.Terminal() {
			return cur.status, &StateConflictError{ID: l.id, Op: "cancel", Status: cur.status}
		}
		next := &lifeState{status: StatusCanceled, start: cur.start, end: l.stamp()}
		if l.state.CompareAndSwap(cur, next) {
			return cur.status, nil
		}
	}
}

func (l *Lifecycle) stamp() *time.Time {
	ts := l.now()
	return &ts
}

// StartTime returns the time the task started running.
func (l *Lifecycle) StartTime() (time.Time, bool) {
	return optional(l.load().start)
}

// EndTime returns the time the task became terminal.
func (l *Lifecycle) EndTime() (time.Time, bool) {
	return optional(l.load().end)
}

func optional(ts *time.Time) (time.Time, bool) {
	if ts == nil {
		return time.Time{}, false
	}
	return *ts, true
}

// Duration is absent until the task starts, live while it runs and fixed
// once it is terminal. A task canceled before it ever ran has no duration.
func (l *Lifecycle) Duration() (time.Duration, bool) {
	s := l.load()
	switch {
	case s.start == nil:
		return 0, false
	case s.end == nil:
		return l.now().Sub(*s.start), true
	default:
		return s.end.Sub(*s.start), true
	}
}
