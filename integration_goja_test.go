// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jssandbox_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jssandbox "github.com/buke/js-sandbox"
	gojaengine "github.com/buke/js-sandbox/engines/goja"
)

const (
	waitFor = 10 * time.Second
	tick    = 5 * time.Millisecond
)

func startDispatcher(t *testing.T, factory jssandbox.TaskFactory, opts ...func(*jssandbox.Dispatcher)) *jssandbox.Dispatcher {
	t.Helper()
	opts = append([]func(*jssandbox.Dispatcher){jssandbox.WithTaskFactory(factory)}, opts...)
	d, err := jssandbox.NewDispatcher(opts...)
	require.NoError(t, err)
	require.NoError(t, d.Start())
	t.Cleanup(func() { _ = d.Stop() })
	return d
}

// settle waits for the task to become terminal and returns its stored view.
func settle(t *testing.T, d *jssandbox.Dispatcher, task jssandbox.Task) jssandbox.TaskView {
	t.Helper()
	var view jssandbox.TaskView
	require.Eventually(t, func() bool {
		v, err := d.Get(context.Background(), task.ID())
		if err != nil || !v.Status.Terminal() {
			return false
		}
		view = v
		return true
	}, waitFor, tick)
	return view
}

func TestIntegration_Goja_Scenarios(t *testing.T) {
	d := startDispatcher(t, gojaengine.NewFactory(), jssandbox.WithPoolSize(2))
	ctx := context.Background()

	tests := []struct {
		name   string
		source string
		quota  int64
		status jssandbox.Status
		check  func(t *testing.T, output string)
	}{
		{
			name:   "expression",
			source: "1+1;",
			quota:  10,
			status: jssandbox.StatusFinished,
			check:  func(t *testing.T, output string) { assert.Empty(t, output) },
		},
		{
			name:   "console",
			source: `for (var i = 0; i < 3; i++) console.log("line", i);`,
			quota:  100,
			status: jssandbox.StatusFinished,
			check: func(t *testing.T, output string) {
				assert.Equal(t, "line 0\nline 1\nline 2\n", output)
			},
		},
		{
			name:   "guest error",
			source: "throw new Error('boom')",
			quota:  10,
			status: jssandbox.StatusFinished,
			check: func(t *testing.T, output string) {
				assert.True(t, strings.HasPrefix(output, "boom\n"+jssandbox.TracePrefix+"guest.js:1:"), output)
			},
		},
		{
			name:   "quota",
			source: "while (true) {}",
			quota:  100,
			status: jssandbox.StatusCanceled,
			check:  func(t *testing.T, output string) { assert.Empty(t, output) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, err := d.Run(ctx, tt.source, tt.quota)
			require.NoError(t, err)
			view := settle(t, d, task)
			assert.Equal(t, tt.status, view.Status)
			require.NotNil(t, view.StartTime)
			require.NotNil(t, view.EndTime)
			tt.check(t, view.Output)
		})
	}
}

func TestIntegration_Goja_CompilationError(t *testing.T) {
	d := startDispatcher(t, gojaengine.NewFactory())
	_, err := d.Run(context.Background(), "function (", 10)
	require.Error(t, err)
	assert.True(t, jssandbox.IsCompilationError(err))
}

func TestIntegration_Goja_CancelAndRemove(t *testing.T) {
	d := startDispatcher(t, gojaengine.NewFactory(), jssandbox.WithPoolSize(1))
	ctx := context.Background()

	spin, err := d.Run(ctx, "while (true) {}", 1<<50)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return spin.Status() == jssandbox.StatusRunning }, waitFor, tick)

	require.NoError(t, d.Cancel(ctx, spin.ID()))
	assert.Equal(t, jssandbox.StatusCanceled, settle(t, d, spin).Status)

	spin, err = d.Run(ctx, "while (true) {}", 1<<50)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return spin.Status() == jssandbox.StatusRunning }, waitFor, tick)

	require.NoError(t, d.Remove(ctx, spin.ID()))
	_, err = d.Get(ctx, spin.ID())
	assert.ErrorIs(t, err, jssandbox.ErrNotFound)

	// The freed thread takes new work.
	next, err := d.Run(ctx, "print('ok')", 10)
	require.NoError(t, err)
	assert.Equal(t, "ok\n", settle(t, d, next).Output)
}

func TestIntegration_Goja_Timeout(t *testing.T) {
	d := startDispatcher(t, gojaengine.NewFactory(gojaengine.WithExecuteTimeout(50*time.Millisecond)))
	task, err := d.Run(context.Background(), "while (true) {}", 1<<50)
	require.NoError(t, err)
	assert.Equal(t, jssandbox.StatusCanceled, settle(t, d, task).Status)
}

func TestIntegration_Goja_Concurrent(t *testing.T) {
	d := startDispatcher(t, gojaengine.NewFactory(), jssandbox.WithPoolSize(4))
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	tasks := make([]jssandbox.Task, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			task, err := d.Run(ctx, fmt.Sprintf("var s = 0; for (var j = 0; j <= %d; j++) s += j; print(s);", i), 10_000)
			if err != nil {
				t.Error(err)
				return
			}
			tasks[i] = task
		}(i)
	}
	wg.Wait()

	for i, task := range tasks {
		require.NotNil(t, task)
		view := settle(t, d, task)
		assert.Equal(t, jssandbox.StatusFinished, view.Status)
		assert.Equal(t, fmt.Sprintf("%d\n", i*(i+1)/2), view.Output)
	}

	views, total, err := d.List(ctx, jssandbox.StatusFilter(jssandbox.StatusFinished), jssandbox.Page{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, n, total)
	assert.Len(t, views, 10)
}

func TestIntegration_Goja_StopCancelsOutstanding(t *testing.T) {
	d, err := jssandbox.NewDispatcher(
		jssandbox.WithTaskFactory(gojaengine.NewFactory()),
		jssandbox.WithPoolSize(1),
		jssandbox.WithShutdownTimeout(20*time.Millisecond),
	)
	require.NoError(t, err)
	require.NoError(t, d.Start())
	ctx := context.Background()

	running, err := d.Run(ctx, "while (true) {}", 1<<50)
	require.NoError(t, err)
	queued, err := d.Run(ctx, "print('never')", 10)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return running.Status() == jssandbox.StatusRunning }, waitFor, tick)

	require.NoError(t, d.Stop())
	assert.Equal(t, jssandbox.StatusCanceled, running.Status())
	assert.Equal(t, jssandbox.StatusCanceled, queued.Status())
	assert.Empty(t, queued.Output())
	_, err = d.Run(ctx, "1;", 10)
	assert.ErrorIs(t, err, jssandbox.ErrNotRunning)
}
