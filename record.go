// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jssandbox

import "time"

var _ Task = (*Record)(nil)

// Record is a frozen task rebuilt from a stored view. It can be read but
// never executed or canceled.
type Record struct {
	view TaskView
}

// NewRecord wraps a view. Views of non-terminal tasks are accepted as they
// are; callers that load history decide how to settle them.
func NewRecord(v TaskView) *Record {
	return &Record{view: v}
}

func (r *Record) ID() string     { return r.view.ID }
func (r *Record) Source() string { return r.view.Source }
func (r *Record) Quota() int64   { return r.view.Quota }
func (r *Record) Status() Status { return r.view.Status }
func (r *Record) Output() string { return r.view.Output }

func (r *Record) StartTime() (time.Time, bool) {
	if r.view.StartTime == nil {
		return time.Time{}, false
	}
	return *r.view.StartTime, true
}

func (r *Record) EndTime() (time.Time, bool) {
	if r.view.EndTime == nil {
		return time.Time{}, false
	}
	return *r.view.EndTime, true
}

func (r *Record) Duration() (time.Duration, bool) {
	if r.view.Duration == nil {
		return 0, false
	}
	return *r.view.Duration, true
}

func (r *Record) Execute() error {
	return &StateConflictError{ID: r.view.ID, Op: "execute", Status: r.view.Status}
}

func (r *Record) Cancel() error {
	return &StateConflictError{ID: r.view.ID, Op: "cancel", Status: r.view.Status}
}
