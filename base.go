// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jssandbox

import (
	"io"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID returns a fresh task id. Ids are ULIDs, so sorting them yields
// creation order within a process.
func NewID() string {
	return ulid.Make().String()
}

// TaskBase carries the identity, lifecycle and output shared by every engine.
// Engines embed it and implement Execute and Cancel on top of Begin, Finish
// and CancelLifecycle.
type TaskBase struct {
	id     string
	source string
	quota  int64
	life   *Lifecycle
	out    *Output
}

// NewTaskBase builds the shared part of a task. A nil sink selects an owned
// output buffer; outputLimit 0 means unlimited.
func NewTaskBase(source string, quota int64, sink io.Writer, outputLimit int) *TaskBase {
	id := NewID()
	life := NewLifecycle(id)
	return &TaskBase{
		id:     id,
		source: source,
		quota:  quota,
		life:   life,
		out:    NewOutput(life, sink, outputLimit),
	}
}

func (b *TaskBase) ID() string      { return b.id }
func (b *TaskBase) Source() string  { return b.source }
func (b *TaskBase) Quota() int64    { return b.quota }
func (b *TaskBase) Status() Status  { return b.life.Status() }
func (b *TaskBase) Output() string  { return b.out.String() }
func (b *TaskBase) Writer() *Output { return b.out }

func (b *TaskBase) StartTime() (time.Time, bool)    { return b.life.StartTime() }
func (b *TaskBase) EndTime() (time.Time, bool)      { return b.life.EndTime() }
func (b *TaskBase) Duration() (time.Duration, bool) { return b.life.Duration() }

// Begin moves the task to RUNNING.
func (b *TaskBase) Begin() error {
	return b.life.Begin()
}

// Finish moves a RUNNING task to FINISHED, freezing its output.
func (b *TaskBase) Finish() error {
	return b.out.seal(b.life.Finish)
}

// CancelLifecycle moves the task to CANCELED, freezing its output, and
// returns the status it left.
func (b *TaskBase) CancelLifecycle() (Status, error) {
	var prev Status
	err := b.out.seal(func() error {
		var err error
		prev, err = b.life.Cancel()
		return err
	})
	return prev, err
}
