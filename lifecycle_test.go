// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jssandbox

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLifecycle_Finish(t *testing.T) {
	l := NewLifecycle("t1")
	if l.Status() != StatusScheduled {
		t.Fatalf("expected SCHEDULED, got %v", l.Status())
	}
	if _, ok := l.Duration(); ok {
		t.Fatal("duration must be absent while SCHEDULED")
	}
	if err := l.Begin(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, ok := l.StartTime(); !ok {
		t.Fatal("start time must be set after begin")
	}
	if _, ok := l.EndTime(); ok {
		t.Fatal("end time must be absent while RUNNING")
	}
	if _, ok := l.Duration(); !ok {
		t.Fatal("duration must be live while RUNNING")
	}
	if err := l.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if l.Status() != StatusFinished {
		t.Fatalf("expected FINISHED, got %v", l.Status())
	}

	start, _ := l.StartTime()
	end, _ := l.EndTime()
	d, _ := l.Duration()
	if d != end.Sub(start) {
		t.Fatalf("duration %v does not match end-start %v", d, end.Sub(start))
	}
	time.Sleep(2 * time.Millisecond)
	if d2, _ := l.Duration(); d2 != d {
		t.Fatal("duration changed after the task became terminal")
	}
}

func TestLifecycle_Conflicts(t *testing.T) {
	l := NewLifecycle("t2")
	if err := l.Finish(); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("finish from SCHEDULED: expected conflict, got %v", err)
	}
	if err := l.Begin(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := l.Begin(); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("second begin: expected conflict, got %v", err)
	}
	prev, err := l.Cancel()
	if err != nil || prev != StatusRunning {
		t.Fatalf("cancel: prev=%v err=%v", prev, err)
	}
	if err := l.Finish(); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("finish after cancel: expected conflict, got %v", err)
	}
	if l.Status() != StatusCanceled {
		t.Fatalf("expected CANCELED, got %v", l.Status())
	}

	_, err = l.Cancel()
	var conflict *StateConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected *StateConflictError, got %T", err)
	}
	if conflict.ID != "t2" || conflict.Op != "cancel" || conflict.Status != StatusCanceled {
		t.Fatalf("unexpected conflict %+v", conflict)
	}
}

func TestLifecycle_CancelScheduled(t *testing.T) {
	l := NewLifecycle("t3")
	prev, err := l.Cancel()
	if err != nil || prev != StatusScheduled {
		t.Fatalf("cancel: prev=%v err=%v", prev, err)
	}
	if _, ok := l.StartTime(); ok {
		t.Fatal("a task canceled before running has no start time")
	}
	if _, ok := l.EndTime(); !ok {
		t.Fatal("end time must be set on cancel")
	}
	if _, ok := l.Duration(); ok {
		t.Fatal("a task canceled before running has no duration")
	}
	if err := l.Begin(); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("begin after cancel: expected conflict, got %v", err)
	}
}

// TestLifecycle_Race checks that exactly one terminal transition wins.
func TestLifecycle_Race(t *testing.T) {
	for i := 0; i < 200; i++ {
		l := NewLifecycle("race")
		if err := l.Begin(); err != nil {
			t.Fatal(err)
		}
		var wins int32
		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				if l.Finish() == nil {
					atomic.AddInt32(&wins, 1)
				}
			}()
			go func() {
				defer wg.Done()
				if _, err := l.Cancel(); err == nil {
					atomic.AddInt32(&wins, 1)
				}
			}()
		}
		wg.Wait()
		if wins != 1 {
			t.Fatalf("expected exactly one winning transition, got %d", wins)
		}
		if !l.Status().Terminal() {
			t.Fatalf("expected terminal status, got %v", l.Status())
		}
	}
}

func TestLifecycle_ZeroTimeIsPresent(t *testing.T) {
	l := NewLifecycle("t1")
	l.now = func() time.Time { return time.Time{} }

	if err := l.Begin(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if ts, ok := l.StartTime(); !ok || !ts.IsZero() {
		t.Fatalf("expected a present zero start time, got %v %v", ts, ok)
	}
	if _, ok := l.EndTime(); ok {
		t.Fatal("end time must be absent while RUNNING")
	}
	if err := l.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if ts, ok := l.EndTime(); !ok || !ts.IsZero() {
		t.Fatalf("expected a present zero end time, got %v %v", ts, ok)
	}
	if d, ok := l.Duration(); !ok || d != 0 {
		t.Fatalf("expected a zero duration, got %v %v", d, ok)
	}

	canceled := NewLifecycle("t2")
	canceled.now = func() time.Time { return time.Time{} }
	if _, err := canceled.Cancel(); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, ok := canceled.EndTime(); !ok {
		t.Fatal("end time must be present after cancel")
	}
	if _, ok := canceled.StartTime(); ok {
		t.Fatal("start time must stay absent for a task that never ran")
	}
}
