// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jssandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultQuota is the statement quota used when a caller does not give one.
const DefaultQuota = 100_000

// Dispatcher lifecycle states.
const (
	dispatcherCreated int32 = iota
	dispatcherRunning
	dispatcherStopped
)

// DispatcherOption contains configuration options for the dispatcher.
type DispatcherOption struct {
	poolSize        int           // Number of worker threads
	shutdownTimeout time.Duration // Grace period for running tasks on Stop
	defaultQuota    int64         // Quota used by Run when none is given
}

// Dispatcher accepts tasks, runs them on a bounded worker pool and keeps
// them queryable through a Store.
type Dispatcher struct {
	options *DispatcherOption
	pool    *pool
	factory TaskFactory
	store   Store
	metrics *Metrics
	logger  *slog.Logger

	live    sync.Map     // Non-terminal tasks by id
	state   atomic.Int32 // dispatcherCreated, dispatcherRunning or dispatcherStopped
	stateMu sync.RWMutex // Held for reading while enqueuing, for writing while stopping
	storeMu sync.Mutex   // Orders snapshot writes against removal
}

// NewDispatcher creates a dispatcher with the given options.
func NewDispatcher(opts ...func(*Dispatcher)) (*Dispatcher, error) {
	d := &Dispatcher{
		logger: slog.Default(), // Default logger
		store:  NewMemoryStore(),
		options: &DispatcherOption{
			poolSize:        runtime.GOMAXPROCS(0), // Default to CPU count
			shutdownTimeout: 30 * time.Second,
			defaultQuota:    DefaultQuota,
		},
	}

	// Apply configuration options
	for _, opt := range opts {
		opt(d)
	}

	if d.options.poolSize <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", d.options.poolSize)
	}
	d.pool = newPool(d)
	return d, nil
}

// WithTaskFactory configures the engine Run creates tasks with.
func WithTaskFactory(factory TaskFactory) func(*Dispatcher) {
	return func(d *Dispatcher) {
		d.factory = factory
	}
}

// WithStore replaces the default in-memory store.
func WithStore(store Store) func(*Dispatcher) {
	return func(d *Dispatcher) {
		if store != nil {
			d.store = store
		}
	}
}

// WithLogger configures the logger for the dispatcher.
func WithLogger(logger *slog.Logger) func(*Dispatcher) {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) func(*Dispatcher) {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithPoolSize sets the number of worker threads. A negative size is a
// percentage of the available CPUs, with a minimum of one thread.
func WithPoolSize(size int) func(*Dispatcher) {
	return func(d *Dispatcher) {
		d.options.poolSize = PoolSize(size)
	}
}

// WithShutdownTimeout sets how long Stop waits for running tasks before
// canceling them.
func WithShutdownTimeout(timeout time.Duration) func(*Dispatcher) {
	return func(d *Dispatcher) {
		if timeout >= 0 {
			d.options.shutdownTimeout = timeout
		}
	}
}

// WithDefaultQuota sets the quota Run uses when the caller passes none.
func WithDefaultQuota(quota int64) func(*Dispatcher) {
	return func(d *Dispatcher) {
		if quota > 0 {
			d.options.defaultQuota = quota
		}
	}
}

// PoolSize resolves a configured pool size: positive values are absolute,
// negative values a percentage of runtime.NumCPU, zero the GOMAXPROCS default.
func PoolSize(size int) int {
	switch {
	case size > 0:
		return size
	case size < 0:
		return max(1, runtime.NumCPU()*-size/100)
	default:
		return runtime.GOMAXPROCS(0)
	}
}

// Start starts the worker pool.
func (d *Dispatcher) Start() error {
	if !d.state.CompareAndSwap(dispatcherCreated, dispatcherRunning) {
		return fmt.Errorf("dispatcher already started")
	}
	d.pool.start()
	return nil
}

// Stop rejects new tasks, cancels queued ones and waits for running tasks up
// to the shutdown timeout before canceling them too.
func (d *Dispatcher) Stop() error {
	d.stateMu.Lock()
	if !d.state.CompareAndSwap(dispatcherRunning, dispatcherStopped) {
		d.stateMu.Unlock()
		return nil
	}
	d.pool.close()
	d.stateMu.Unlock()

	done := make(chan struct{})
	go func() {
		d.pool.wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(d.options.shutdownTimeout):
		d.logger.Warn("Shutdown timeout reached, canceling running tasks",
			"timeout", d.options.shutdownTimeout)
		d.live.Range(func(_, value any) bool {
			_ = value.(Task).Cancel()
			return true
		})
		<-done
	}
	d.logger.Debug("Dispatcher stopped")
	return nil
}

// Submit registers a SCHEDULED task and queues it for execution. It never
// waits for the task to run.
func (d *Dispatcher) Submit(ctx context.Context, task Task) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}
	id := task.ID()
	if status := task.Status(); status != StatusScheduled {
		return &StateConflictError{ID: id, Op: "submit", Status: status}
	}
	if _, loaded := d.live.LoadOrStore(id, task); loaded {
		return &StateConflictError{ID: id, Op: "submit", Status: task.Status()}
	}
	if _, err := d.store.Fetch(ctx, id); err == nil {
		d.live.Delete(id)
		return &StateConflictError{ID: id, Op: "submit", Status: task.Status()}
	}

	d.stateMu.RLock()
	defer d.stateMu.RUnlock()
	if d.state.Load() != dispatcherRunning {
		d.live.Delete(id)
		return ErrNotRunning
	}
	if err := d.store.Store(ctx, task); err != nil {
		d.live.Delete(id)
		return fmt.Errorf("failed to store task %s: %w", id, err)
	}
	d.pool.enqueue(task)
	d.metrics.taskSubmitted()

	d.logger.Debug("Task submitted", "task", id, "quota", task.Quota())
	return nil
}

// Run creates a task with the configured factory and submits it. A quota of
// zero or less selects the default quota. Compilation errors are returned
// here, before anything is queued.
func (d *Dispatcher) Run(ctx context.Context, source string, quota int64) (Task, error) {
	if d.factory == nil {
		return nil, fmt.Errorf("no task factory configured")
	}
	if quota <= 0 {
		quota = d.options.defaultQuota
	}
	task, err := d.factory(source, quota)
	if err != nil {
		return nil, err
	}
	if err := d.Submit(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// Cancel cancels the task with the given id.
func (d *Dispatcher) Cancel(ctx context.Context, id string) error {
	task, err := d.lookup(ctx, id)
	if err != nil {
		return err
	}
	if err := task.Cancel(); err != nil {
		return err
	}
	d.logger.Debug("Task canceled", "task", id)
	return d.persist(ctx, task)
}

// Remove forgets a task, canceling it first if it has not finished.
func (d *Dispatcher) Remove(ctx context.Context, id string) error {
	task, err := d.lookup(ctx, id)
	if err != nil {
		return err
	}
	if !task.Status().Terminal() {
		if err := task.Cancel(); err != nil && !errors.Is(err, ErrStateConflict) {
			return err
		}
	}

	d.storeMu.Lock()
	defer d.storeMu.Unlock()
	d.live.Delete(id)
	if err := d.store.Delete(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	d.logger.Debug("Task removed", "task", id)
	return nil
}

// Get returns a snapshot of the task with the given id.
func (d *Dispatcher) Get(ctx context.Context, id string) (TaskView, error) {
	task, err := d.lookup(ctx, id)
	if err != nil {
		return TaskView{}, err
	}
	return NewView(task), nil
}

// Task returns the task with the given id.
func (d *Dispatcher) Task(ctx context.Context, id string) (Task, error) {
	return d.lookup(ctx, id)
}

// List returns snapshots of the tasks selected by filter, in creation order,
// cut to page, together with the number of matches before paging.
func (d *Dispatcher) List(ctx context.Context, filter Filter, page Page) ([]TaskView, int, error) {
	tasks, total, err := d.store.Query(ctx, filter, page)
	if err != nil {
		return nil, 0, err
	}
	views := make([]TaskView, len(tasks))
	for i, t := range tasks {
		if live, ok := d.live.Load(t.ID()); ok {
			t = live.(Task)
		}
		views[i] = NewView(t)
	}
	return views, total, nil
}

// Stats is a point-in-time view of the worker pool.
type Stats struct {
	Threads  int    `json:"threads"`  // Live worker threads
	Queued   int64  `json:"queued"`   // Tasks waiting for a thread
	Executed uint64 `json:"executed"` // Tasks handled by live threads
	Running  bool   `json:"running"`  // Whether the dispatcher accepts tasks
}

// Stats reports the pool's current size and backlog.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Threads:  int(d.pool.size()),
		Queued:   d.pool.queueLength(),
		Executed: d.pool.executed(),
		Running:  d.state.Load() == dispatcherRunning,
	}
}

// Count returns the number of known tasks.
func (d *Dispatcher) Count(ctx context.Context) (int, error) {
	return d.store.Count(ctx)
}

func (d *Dispatcher) lookup(ctx context.Context, id string) (Task, error) {
	if task, ok := d.live.Load(id); ok {
		return task.(Task), nil
	}
	return d.store.Fetch(ctx, id)
}

// persist writes the task's current snapshot unless the task was removed.
// Terminal tasks are stored as frozen records, which releases their engine
// state, and leave the live index.
func (d *Dispatcher) persist(ctx context.Context, task Task) error {
	d.storeMu.Lock()
	defer d.storeMu.Unlock()
	id := task.ID()
	if _, ok := d.live.Load(id); !ok {
		if _, err := d.store.Fetch(ctx, id); err != nil {
			return nil
		}
	}
	view := NewView(task)
	terminal := view.Status.Terminal()
	if terminal {
		task = NewRecord(view)
	}
	if err := d.store.Store(ctx, task); err != nil {
		return fmt.Errorf("failed to store task %s: %w", id, err)
	}
	if terminal {
		d.live.Delete(id)
	}
	return nil
}
