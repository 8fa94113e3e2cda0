// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jssandbox

import (
	"context"
	"slices"
	"sync"
)

// Filter selects tasks by their current view. A nil filter selects all tasks.
type Filter func(TaskView) bool

// StatusFilter selects tasks in any of the given statuses.
func StatusFilter(statuses ...Status) Filter {
	if len(statuses) == 0 {
		return nil
	}
	return func(v TaskView) bool {
		return slices.Contains(statuses, v.Status)
	}
}

// Page is a window over a creation-ordered result set.
type Page struct {
	Offset int // Number of matching tasks to skip
	Limit  int // Maximum tasks to return, 0 means no limit
}

// window returns the [lo, hi) bounds of the page over n items.
func (p Page) window(n int) (int, int) {
	lo := min(max(p.Offset, 0), n)
	hi := n
	if p.Limit > 0 {
		hi = min(lo+p.Limit, n)
	}
	return lo, hi
}

// Apply filters tasks, which must be in creation order, and cuts the page
// out of the result. The total is the number of matches before paging.
func (p Page) Apply(tasks []Task, filter Filter) ([]Task, int) {
	matched := tasks
	if filter != nil {
		matched = make([]Task, 0, len(tasks))
		for _, t := range tasks {
			if filter(NewView(t)) {
				matched = append(matched, t)
			}
		}
	}
	lo, hi := p.window(len(matched))
	return slices.Clone(matched[lo:hi]), len(matched)
}

// Store keeps tasks for lookup. Within one process, a task stored under an
// id is observed by a later Fetch of that id.
type Store interface {
	Store(ctx context.Context, task Task) error
	Fetch(ctx context.Context, id string) (Task, error)
	Delete(ctx context.Context, id string) error
	Query(ctx context.Context, filter Filter, page Page) ([]Task, int, error)
	Count(ctx context.Context) (int, error)
}

var _ Store = (*MemoryStore)(nil)

// MemoryStore is the default in-process Store.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]Task
	order []string // Ids in insertion order
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]Task)}
}

func (s *MemoryStore) Store(_ context.Context, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := task.ID()
	if _, ok := s.tasks[id]; !ok {
		s.order = append(s.order, id)
	}
	s.tasks[id] = task
	return nil
}

func (s *MemoryStore) Fetch(_ context.Context, id string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(s.tasks, id)
	if i := slices.Index(s.order, id); i >= 0 {
		s.order = slices.Delete(s.order, i, i+1)
	}
	return nil
}

func (s *MemoryStore) Query(_ context.Context, filter Filter, page Page) ([]Task, int, error) {
	s.mu.RLock()
	all := make([]Task, 0, len(s.order))
	for _, id := range s.order {
		all = append(all, s.tasks[id])
	}
	s.mu.RUnlock()
	tasks, total := page.Apply(all, filter)
	return tasks, total, nil
}

func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks), nil
}
