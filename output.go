// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jssandbox

import (
	"bytes"
	"io"
	"sync"
)

// TruncationMarker is appended once when a task exceeds its output limit.
const TruncationMarker = "\n... output truncated\n"

// Output is the gate between guest code and a task's output. Writes are
// accepted only while the task is RUNNING; terminal transitions are taken
// under the same lock, so nothing lands after a task leaves RUNNING.
type Output struct {
	mu        sync.Mutex
	life      *Lifecycle
	buf       *bytes.Buffer // Owned buffer, nil when an external sink is used
	sink      io.Writer     // Destination of accepted writes
	limit     int           // Maximum accepted bytes, 0 means unlimited
	written   int
	truncated bool
}

// NewOutput returns a gate over life. A nil sink selects an owned buffer.
func NewOutput(life *Lifecycle, sink io.Writer, limit int) *Output {
	o := &Output{life: life, limit: limit}
	if sink == nil {
		o.buf = &bytes.Buffer{}
		o.sink = o.buf
	} else {
		o.sink = sink
	}
	return o
}

// Write implements io.Writer. Rejected writes are dropped silently and
// reported as fully written so guest code cannot observe the gate.
func (o *Output) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.life.Status() != StatusRunning || o.truncated {
		return len(p), nil
	}
	n := len(p)
	if o.limit > 0 && o.written+len(p) > o.limit {
		p = p[:o.limit-o.written]
		o.truncated = true
	}
	if len(p) > 0 {
		if _, err := o.sink.Write(p); err != nil {
			return 0, err
		}
		o.written += len(p)
	}
	if o.truncated {
		if _, err := io.WriteString(o.sink, TruncationMarker); err != nil {
			return 0, err
		}
	}
	return n, nil
}

// WriteString is Write for strings.
func (o *Output) WriteString(s string) (int, error) {
	return o.Write([]byte(s))
}

// String returns the captured text. It is empty when an external sink is used.
func (o *Output) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.buf == nil {
		return ""
	}
	return o.buf.String()
}

// Truncated reports whether the output limit was hit.
func (o *Output) Truncated() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.truncated
}

// seal runs a lifecycle transition while no write is in flight.
func (o *Output) seal(fn func() error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return fn()
}
