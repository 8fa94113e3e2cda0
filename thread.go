// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jssandbox

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"
)

// thread is a single worker. It executes one task at a time.
type thread struct {
	pool     *pool  // Reference to the parent pool
	name     string // Human-readable name for the thread
	threadId uint32 // Unique identifier for the thread

	lastUsedNano int64  // Timestamp of last task execution (atomic, nanoseconds)
	taskCount    uint32 // Number of tasks executed by this thread (atomic)
}

// newThread creates a new thread instance.
func newThread(p *pool, name string, threadId uint32) *thread {
	return &thread{
		pool:         p,
		name:         name,
		threadId:     threadId,
		lastUsedNano: time.Now().UnixNano(),
	}
}

// getTaskCount returns the number of tasks executed by this thread (thread-safe).
func (t *thread) getTaskCount() uint32 {
	return atomic.LoadUint32(&t.taskCount)
}

// getLastUsed returns the timestamp of the last task execution (thread-safe).
func (t *thread) getLastUsed() time.Time {
	return time.Unix(0, atomic.LoadInt64(&t.lastUsedNano))
}

// run is the main thread loop. It exits when the pool's work channel closes.
func (t *thread) run() {
	// Lock this goroutine to an OS thread; engines with thread affinity rely on it.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	defer func() {
		t.pool.dispatcher.logger.Debug("Thread exited", "thread", t.String())
		t.pool.threads.Delete(t.threadId)
		atomic.AddUint32(&t.pool.threadCount, ^uint32(0))
		t.pool.wg.Done()
	}()

	for task := range t.pool.work {
		atomic.AddInt64(&t.pool.queued, -1)
		t.pool.dispatcher.metrics.taskDequeued()
		t.executeTask(task)
	}
}

// executeTask executes a single task and stores its final snapshot.
func (t *thread) executeTask(task Task) {
	d := t.pool.dispatcher
	id := task.ID()
	started := task.Status() == StatusScheduled

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Task execution panic",
				"thread", t.name,
				"task", id,
				"error", r)
			_ = task.Cancel()
		}
		if started {
			d.metrics.taskStopped()
		}
		if err := d.persist(context.Background(), task); err != nil {
			d.logger.Error("Failed to store task", "thread", t.name, "task", id, "error", err)
		}
		d.metrics.taskCompleted(task)

		// Update thread statistics atomically
		atomic.StoreInt64(&t.lastUsedNano, time.Now().UnixNano())
		atomic.AddUint32(&t.taskCount, 1)
	}()

	if started {
		d.metrics.taskStarted()
	}
	err := task.Execute()
	switch {
	case errors.Is(err, ErrStateConflict):
		d.logger.Debug("Task skipped", "thread", t.name, "task", id, "status", task.Status())
	case err != nil:
		d.logger.Error("Task execution failed", "thread", t.name, "task", id, "error", err)
		if !task.Status().Terminal() {
			_ = task.Cancel()
		}
	default:
		d.logger.Debug("Task completed", "thread", t.name, "task", id, "status", task.Status())
	}
}

// String describes the thread for logs.
func (t *thread) String() string {
	return fmt.Sprintf("%s(tasks=%d, lastUsed=%s)", t.name, t.getTaskCount(), t.getLastUsed().Format(time.RFC3339))
}
