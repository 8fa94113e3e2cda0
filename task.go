// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jssandbox

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a task.
type Status int32

const (
	StatusScheduled Status = iota // Created, not yet executed
	StatusRunning                 // Guest code is executing
	StatusCanceled                // Terminated by cancel, quota exhaustion or timeout
	StatusFinished                // Ran to completion, possibly with a recovered guest failure
)

var statusNames = [...]string{
	StatusScheduled: "SCHEDULED",
	StatusRunning:   "RUNNING",
	StatusCanceled:  "CANCELED",
	StatusFinished:  "FINISHED",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int32(s))
	}
	return statusNames[s]
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCanceled || s == StatusFinished
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(statusNames) {
		return nil, fmt.Errorf("invalid status %d", int32(s))
	}
	return []byte(statusNames[s]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStatus parses a status name, case-insensitively.
func ParseStatus(name string) (Status, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for i, n := range statusNames {
		if n == upper {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", name)
}

// Task is a unit of guest code bound to exactly one isolated runtime.
// Implementations must be safe for concurrent use: Cancel and the accessors
// may be called from any goroutine while Execute runs.
type Task interface {
	ID() string
	Source() string
	Quota() int64
	Status() Status

	// Output returns everything the guest wrote, plus the failure trace if
	// the guest threw. It is frozen once the task is terminal.
	Output() string

	StartTime() (time.Time, bool)
	EndTime() (time.Time, bool)
	Duration() (time.Duration, bool)

	// Execute runs the guest code synchronously on the calling goroutine.
	// It may be called at most once and only while the task is SCHEDULED.
	Execute() error

	// Cancel moves a SCHEDULED or RUNNING task to CANCELED and releases its runtime.
	Cancel() error
}

// TaskFactory creates tasks for one engine configuration.
type TaskFactory func(source string, quota int64) (Task, error)

// TaskView is a point-in-time, serializable projection of a task.
type TaskView struct {
	ID        string         `json:"id" yaml:"id"`
	Status    Status         `json:"status" yaml:"status"`
	Source    string         `json:"source" yaml:"source"`
	Output    string         `json:"output" yaml:"output"`
	Quota     int64          `json:"quota" yaml:"quota"`
	StartTime *time.Time     `json:"startTime,omitempty" yaml:"startTime,omitempty"`
	EndTime   *time.Time     `json:"endTime,omitempty" yaml:"endTime,omitempty"`
	Duration  *time.Duration `json:"durationNanos,omitempty" yaml:"duration,omitempty"`
}

// NewView snapshots a task. The status is read first: output and timestamps
// never change after a terminal status, so a terminal view is always final.
func NewView(t Task) TaskView {
	v := TaskView{
		ID:     t.ID(),
		Status: t.Status(),
		Source: t.Source(),
		Quota:  t.Quota(),
		Output: t.Output(),
	}
	if ts, ok := t.StartTime(); ok {
		v.StartTime = &ts
	}
	if ts, ok := t.EndTime(); ok {
		v.EndTime = &ts
	}
	if d, ok := t.Duration(); ok {
		v.Duration = &d
	}
	return v
}
