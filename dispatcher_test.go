// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jssandbox

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

func newTestDispatcher(t *testing.T, opts ...func(*Dispatcher)) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(opts...)
	require.NoError(t, err)
	require.NoError(t, d.Start())
	t.Cleanup(func() { _ = d.Stop() })
	return d
}

func waitStatus(t *testing.T, task Task, want Status) {
	t.Helper()
	require.Eventually(t, func() bool { return task.Status() == want }, waitFor, tick,
		"task %s never reached %v, last %v", task.ID(), want, task.Status())
}

func TestNewDispatcher(t *testing.T) {
	_, err := NewDispatcher(func(d *Dispatcher) { d.options.poolSize = 0 })
	assert.Error(t, err)

	d, err := NewDispatcher(WithPoolSize(3), WithShutdownTimeout(time.Second), WithDefaultQuota(42))
	require.NoError(t, err)
	assert.Equal(t, 3, d.options.poolSize)
	assert.Equal(t, time.Second, d.options.shutdownTimeout)
	assert.Equal(t, int64(42), d.options.defaultQuota)
	assert.False(t, d.Stats().Running)

	require.NoError(t, d.Start())
	assert.Error(t, d.Start(), "a dispatcher starts once")
	assert.Equal(t, Stats{Threads: 3, Running: true}, d.Stats())
	require.NoError(t, d.Stop())
	require.NoError(t, d.Stop(), "stop is idempotent")
	assert.False(t, d.Stats().Running)
}

func TestPoolSize(t *testing.T) {
	assert.Equal(t, 4, PoolSize(4))
	assert.Equal(t, runtime.GOMAXPROCS(0), PoolSize(0))
	assert.Equal(t, runtime.NumCPU(), PoolSize(-100))
	assert.Equal(t, 1, PoolSize(-1))
}

func TestDispatcher_RunToCompletion(t *testing.T) {
	d := newTestDispatcher(t, WithPoolSize(2), WithDefaultQuota(77),
		WithTaskFactory(fakeFactory(func(f *fakeTask) {
			_, _ = f.Writer().WriteString("ran " + f.Source())
		})))
	ctx := context.Background()

	task, err := d.Run(ctx, "job", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(77), task.Quota())
	waitStatus(t, task, StatusFinished)

	require.Eventually(t, func() bool {
		v, err := d.Get(ctx, task.ID())
		return err == nil && v.Status == StatusFinished
	}, waitFor, tick)
	v, err := d.Get(ctx, task.ID())
	require.NoError(t, err)
	assert.Equal(t, "ran job", v.Output)
	require.NotNil(t, v.Duration)

	got, err := d.Task(ctx, task.ID())
	require.NoError(t, err)
	assert.Equal(t, task.ID(), got.ID())
}

func TestDispatcher_SettledTasksAreRecords(t *testing.T) {
	store := NewMemoryStore()
	d := newTestDispatcher(t, WithPoolSize(1), WithStore(store),
		WithTaskFactory(fakeFactory(func(f *fakeTask) {
			_, _ = f.Writer().WriteString("done")
		})))
	ctx := context.Background()

	finished, err := d.Run(ctx, "job", 0)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		stored, err := store.Fetch(ctx, finished.ID())
		if err != nil {
			return false
		}
		_, ok := stored.(*Record)
		return ok
	}, waitFor, tick)

	stored, err := store.Fetch(ctx, finished.ID())
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, stored.Status())
	assert.Equal(t, "done", stored.Output())
	_, ok := stored.Duration()
	assert.True(t, ok)

	got, err := d.Task(ctx, finished.ID())
	require.NoError(t, err)
	assert.IsType(t, &Record{}, got)

	release := make(chan struct{})
	defer close(release)
	blocker := newFakeTask(1, func(*fakeTask) { <-release })
	require.NoError(t, d.Submit(ctx, blocker))
	waitStatus(t, blocker, StatusRunning)
	queued := newFakeTask(1, nil)
	require.NoError(t, d.Submit(ctx, queued))
	require.NoError(t, d.Cancel(ctx, queued.ID()))

	stored, err = store.Fetch(ctx, queued.ID())
	require.NoError(t, err)
	assert.IsType(t, &Record{}, stored)
	assert.Equal(t, StatusCanceled, stored.Status())
}

func TestDispatcher_RunWithoutFactory(t *testing.T) {
	d := newTestDispatcher(t)
	_, err := d.Run(context.Background(), "1", 1)
	assert.Error(t, err)
}

func TestDispatcher_RunFactoryError(t *testing.T) {
	compileErr := &CompilationError{Source: "(", Err: errors.New("unexpected end of input")}
	d := newTestDispatcher(t, WithTaskFactory(func(string, int64) (Task, error) {
		return nil, compileErr
	}))
	_, err := d.Run(context.Background(), "(", 1)
	assert.True(t, IsCompilationError(err))

	n, err := d.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "nothing is registered for a task that failed to build")
}

func TestDispatcher_SubmitRejects(t *testing.T) {
	ctx := context.Background()

	idle, err := NewDispatcher()
	require.NoError(t, err)
	assert.ErrorIs(t, idle.Submit(ctx, newFakeTask(1, nil)), ErrNotRunning)

	d := newTestDispatcher(t, WithPoolSize(1))
	assert.Error(t, d.Submit(ctx, nil))

	done := newFakeTask(1, nil)
	require.NoError(t, done.Execute())
	assert.ErrorIs(t, d.Submit(ctx, done), ErrStateConflict)

	blocker := newFakeTask(1, blockUntilCanceled)
	require.NoError(t, d.Submit(ctx, blocker))
	assert.ErrorIs(t, d.Submit(ctx, blocker), ErrStateConflict, "duplicate submission")
	require.NoError(t, d.Cancel(ctx, blocker.ID()))

	require.NoError(t, d.Stop())
	assert.ErrorIs(t, d.Submit(ctx, newFakeTask(1, nil)), ErrNotRunning)
}

func TestDispatcher_CancelRunning(t *testing.T) {
	ctx := context.Background()
	d := newTestDispatcher(t, WithPoolSize(1))

	task := newFakeTask(1, blockUntilCanceled)
	require.NoError(t, d.Submit(ctx, task))
	waitStatus(t, task, StatusRunning)

	require.NoError(t, d.Cancel(ctx, task.ID()))
	v, err := d.Get(ctx, task.ID())
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, v.Status)
	require.NotNil(t, v.StartTime)
	require.NotNil(t, v.EndTime)

	assert.ErrorIs(t, d.Cancel(ctx, task.ID()), ErrStateConflict)
	assert.ErrorIs(t, d.Cancel(ctx, "missing"), ErrNotFound)
}

func TestDispatcher_CancelQueued(t *testing.T) {
	ctx := context.Background()
	d := newTestDispatcher(t, WithPoolSize(1))

	blocker := newFakeTask(1, blockUntilCanceled)
	queued := newFakeTask(1, func(f *fakeTask) { _, _ = f.Writer().WriteString("never") })
	require.NoError(t, d.Submit(ctx, blocker))
	require.NoError(t, d.Submit(ctx, queued))
	waitStatus(t, blocker, StatusRunning)

	require.NoError(t, d.Cancel(ctx, queued.ID()))
	require.NoError(t, d.Cancel(ctx, blocker.ID()))

	// The canceled task is skipped when a thread picks it up.
	require.Eventually(t, func() bool { return d.Stats().Queued == 0 }, waitFor, tick)
	assert.Equal(t, StatusCanceled, queued.Status())
	assert.Empty(t, queued.Output())
	_, ok := queued.StartTime()
	assert.False(t, ok)
}

func TestDispatcher_Remove(t *testing.T) {
	ctx := context.Background()
	d := newTestDispatcher(t, WithPoolSize(1))

	task := newFakeTask(1, blockUntilCanceled)
	require.NoError(t, d.Submit(ctx, task))
	waitStatus(t, task, StatusRunning)

	require.NoError(t, d.Remove(ctx, task.ID()))
	assert.Equal(t, StatusCanceled, task.Status())
	_, err := d.Get(ctx, task.ID())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, d.Remove(ctx, task.ID()), ErrNotFound)

	// The worker's final snapshot must not bring the task back.
	require.Eventually(t, func() bool { return d.Stats().Queued == 0 }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	n, err := d.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDispatcher_ListAndCount(t *testing.T) {
	ctx := context.Background()
	d := newTestDispatcher(t, WithPoolSize(2), WithTaskFactory(fakeFactory(nil)))

	var tasks []Task
	for i := 0; i < 5; i++ {
		task, err := d.Run(ctx, "t", 1)
		require.NoError(t, err)
		tasks = append(tasks, task)
	}
	for _, task := range tasks {
		waitStatus(t, task, StatusFinished)
	}
	blocker := newFakeTask(1, blockUntilCanceled)
	require.NoError(t, d.Submit(ctx, blocker))
	waitStatus(t, blocker, StatusRunning)

	n, err := d.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	views, total, err := d.List(ctx, nil, Page{Offset: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 6, total)
	require.Len(t, views, 2)
	assert.Equal(t, tasks[1].ID(), views[0].ID)
	assert.Equal(t, tasks[2].ID(), views[1].ID)

	views, total, err = d.List(ctx, StatusFilter(StatusRunning), Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, views, 1)
	assert.Equal(t, blocker.ID(), views[0].ID)

	require.NoError(t, d.Cancel(ctx, blocker.ID()))
}

func TestDispatcher_BoundedConcurrency(t *testing.T) {
	ctx := context.Background()
	d := newTestDispatcher(t, WithPoolSize(2))

	var tasks []*fakeTask
	for i := 0; i < 5; i++ {
		task := newFakeTask(1, blockUntilCanceled)
		require.NoError(t, d.Submit(ctx, task))
		tasks = append(tasks, task)
	}

	waitStatus(t, tasks[0], StatusRunning)
	waitStatus(t, tasks[1], StatusRunning)
	require.Eventually(t, func() bool { return d.Stats().Queued == 3 }, waitFor, tick)
	for _, task := range tasks[2:] {
		assert.Equal(t, StatusScheduled, task.Status())
	}

	for _, task := range tasks {
		require.NoError(t, d.Cancel(ctx, task.ID()))
	}
}

func TestDispatcher_StopCancelsOutstanding(t *testing.T) {
	ctx := context.Background()
	d, err := NewDispatcher(WithPoolSize(1), WithShutdownTimeout(20*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, d.Start())

	running := newFakeTask(1, blockUntilCanceled)
	queued := newFakeTask(1, nil)
	require.NoError(t, d.Submit(ctx, running))
	require.NoError(t, d.Submit(ctx, queued))
	waitStatus(t, running, StatusRunning)

	require.NoError(t, d.Stop())
	assert.Equal(t, StatusCanceled, running.Status())
	assert.Equal(t, StatusCanceled, queued.Status())
	assert.Equal(t, Stats{}, d.Stats())

	v, err := d.Get(ctx, queued.ID())
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, v.Status)
}

func TestDispatcher_StopWaitsForRunning(t *testing.T) {
	ctx := context.Background()
	d, err := NewDispatcher(WithPoolSize(1), WithShutdownTimeout(waitFor))
	require.NoError(t, err)
	require.NoError(t, d.Start())

	release := make(chan struct{})
	task := newFakeTask(1, func(*fakeTask) { <-release })
	require.NoError(t, d.Submit(ctx, task))
	waitStatus(t, task, StatusRunning)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	require.NoError(t, d.Stop())
	assert.Equal(t, StatusFinished, task.Status())
}

func TestDispatcher_PanicCancelsTask(t *testing.T) {
	ctx := context.Background()
	d := newTestDispatcher(t, WithPoolSize(1))

	task := newFakeTask(1, func(*fakeTask) { panic("engine exploded") })
	require.NoError(t, d.Submit(ctx, task))
	waitStatus(t, task, StatusCanceled)

	// The thread survives the panic.
	next := newFakeTask(1, nil)
	require.NoError(t, d.Submit(ctx, next))
	waitStatus(t, next, StatusFinished)
	require.Eventually(t, func() bool { return d.Stats().Executed == 2 }, waitFor, tick)
}

func TestDispatcher_ConcurrentSubmitAndCancel(t *testing.T) {
	ctx := context.Background()
	d := newTestDispatcher(t, WithPoolSize(4), WithTaskFactory(fakeFactory(blockUntilCanceled)))

	var wg sync.WaitGroup
	tasks := make([]Task, 40)
	for i := range tasks {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			task, err := d.Run(ctx, "t", 1)
			if err != nil {
				t.Error(err)
				return
			}
			tasks[i] = task
			_ = d.Cancel(ctx, task.ID())
		}(i)
	}
	wg.Wait()

	for _, task := range tasks {
		require.NotNil(t, task)
		waitStatus(t, task, StatusCanceled)
	}
	require.Eventually(t, func() bool { return d.Stats().Queued == 0 }, waitFor, tick)
}

func TestDispatcher_Metrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	d := newTestDispatcher(t, WithPoolSize(1), WithMetrics(NewMetrics(reg)),
		WithTaskFactory(fakeFactory(nil)))

	task, err := d.Run(ctx, "t", 1)
	require.NoError(t, err)
	waitStatus(t, task, StatusFinished)

	require.Eventually(t, func() bool {
		return metricValue(t, reg, "jssandbox_tasks_completed_total", "FINISHED") == 1
	}, waitFor, tick)
	assert.Equal(t, 1.0, metricValue(t, reg, "jssandbox_tasks_submitted_total", ""))
	assert.Equal(t, 0.0, metricValue(t, reg, "jssandbox_tasks_queued", ""))
	assert.Equal(t, 0.0, metricValue(t, reg, "jssandbox_tasks_running", ""))
}

// metricValue returns a counter or gauge value, matching the status label
// when one is given.
func metricValue(t *testing.T, reg *prometheus.Registry, name, status string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if status != "" {
				matched := false
				for _, l := range m.GetLabel() {
					if l.GetName() == "status" && l.GetValue() == status {
						matched = true
					}
				}
				if !matched {
					continue
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	return 0
}
