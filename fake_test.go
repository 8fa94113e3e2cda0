// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jssandbox

import (
	"errors"
	"sync"
)

// fakeTask is a Task whose body is a Go function.
type fakeTask struct {
	*TaskBase
	body     func(f *fakeTask)
	canceled chan struct{}
	once     sync.Once
}

func newFakeTask(quota int64, body func(f *fakeTask)) *fakeTask {
	return &fakeTask{
		TaskBase: NewTaskBase("fake()", quota, nil, 0),
		body:     body,
		canceled: make(chan struct{}),
	}
}

func (f *fakeTask) Execute() error {
	if err := f.Begin(); err != nil {
		return err
	}
	if f.body != nil {
		f.body(f)
	}
	if err := f.Finish(); err != nil && !errors.Is(err, ErrStateConflict) {
		return err
	}
	return nil
}

func (f *fakeTask) Cancel() error {
	if _, err := f.CancelLifecycle(); err != nil {
		return err
	}
	f.once.Do(func() { close(f.canceled) })
	return nil
}

// blockUntilCanceled is a body that runs until the task is canceled.
func blockUntilCanceled(f *fakeTask) {
	<-f.canceled
}

func fakeFactory(body func(f *fakeTask)) TaskFactory {
	return func(source string, quota int64) (Task, error) {
		t := newFakeTask(quota, body)
		t.source = source
		return t, nil
	}
}
