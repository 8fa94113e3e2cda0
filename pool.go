// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jssandbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// pool runs tasks on a fixed set of threads fed from an unbounded FIFO queue.
// A pump goroutine sits between intake and work so enqueue never waits for a
// free thread.
type pool struct {
	dispatcher  *Dispatcher    // Reference to the parent dispatcher
	threads     sync.Map       // Thread id to thread instance
	threadCount uint32         // Atomic: current number of threads in the pool
	queued      int64          // Atomic: tasks accepted but not yet picked up
	intake      chan Task      // Tasks from Submit
	work        chan Task      // Tasks handed to threads
	wg          sync.WaitGroup // Running threads
}

// newPool creates a new pool for the dispatcher.
func newPool(d *Dispatcher) *pool {
	return &pool{
		dispatcher: d,
		intake:     make(chan Task),
		work:       make(chan Task),
	}
}

// start launches the pump and the threads.
func (p *pool) start() {
	go p.pump()
	size := p.dispatcher.options.poolSize
	for i := 0; i < size; i++ {
		t := newThread(p, fmt.Sprintf("thread-%d", i), uint32(i))
		p.threads.Store(t.threadId, t)
		atomic.AddUint32(&p.threadCount, 1)
		p.wg.Add(1)
		go t.run()
	}
	p.dispatcher.logger.Debug("Thread pool started",
		"poolSize", size,
		"shutdownTimeout", p.dispatcher.options.shutdownTimeout,
		"defaultQuota", p.dispatcher.options.defaultQuota,
	)
}

// enqueue hands a task to the pump. The caller must hold the dispatcher's
// state lock so that enqueue never races with close.
func (p *pool) enqueue(task Task) {
	atomic.AddInt64(&p.queued, 1)
	p.intake <- task
}

// close stops intake. Tasks still queued are canceled by the pump.
func (p *pool) close() {
	close(p.intake)
}

// wait blocks until every thread has exited.
func (p *pool) wait() {
	p.wg.Wait()
}

// queueLength returns the number of tasks waiting for a thread.
func (p *pool) queueLength() int64 {
	return atomic.LoadInt64(&p.queued)
}

// executed returns the number of tasks handled by live threads.
func (p *pool) executed() uint64 {
	var n uint64
	p.threads.Range(func(_, value any) bool {
		n += uint64(value.(*thread).getTaskCount())
		return true
	})
	return n
}

// size returns the number of live threads.
func (p *pool) size() uint32 {
	return atomic.LoadUint32(&p.threadCount)
}

func (p *pool) pump() {
	var queue []Task
	for {
		var (
			out  chan Task
			next Task
		)
		if len(queue) > 0 {
			out, next = p.work, queue[0]
		}
		select {
		case task, ok := <-p.intake:
			if !ok {
				p.drain(queue)
				close(p.work)
				return
			}
			queue = append(queue, task)
		case out <- next:
			queue[0] = nil
			queue = queue[1:]
		}
	}
}

// drain cancels tasks that never reached a thread.
func (p *pool) drain(queue []Task) {
	d := p.dispatcher
	for _, task := range queue {
		atomic.AddInt64(&p.queued, -1)
		d.metrics.taskDequeued()
		if err := task.Cancel(); err == nil {
			d.logger.Debug("Queued task canceled on shutdown", "task", task.ID())
		}
		if err := d.persist(context.Background(), task); err != nil {
			d.logger.Error("Failed to store task", "task", task.ID(), "error", err)
		}
		d.metrics.taskCompleted(task)
	}
}
