// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package funcserver

import (
	"context"
	"sync"
)

// Scheduler runs call bodies as independent tasks so that the goroutine
// serving a connection is never the one executing a call. A positive limit
// bounds how many tasks run at once; queued tasks wait for a slot.
type Scheduler struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

// NewScheduler returns a scheduler; limit <= 0 means unbounded.
func NewScheduler(limit int) *Scheduler {
	s := &Scheduler{}
	if limit > 0 {
		s.sem = make(chan struct{}, limit)
	}
	return s
}

// Future is the pending result of a submitted task.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Done is closed when the task has finished (or was abandoned before start).
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the task finishes or ctx is done. A task keeps running
// after its waiter gives up; there is no call cancellation.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Submit schedules fn and returns immediately. If ctx ends while the task is
// still queued for a slot, the task is dropped and its future fails with
// ctx.Err().
func Submit[T any](s *Scheduler, ctx context.Context, fn func(context.Context) T) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(f.done)
		if s.sem != nil {
			select {
			case s.sem <- struct{}{}:
				defer func() { <-s.sem }()
			case <-ctx.Done():
				f.err = ctx.Err()
				return
			}
		}
		f.val = fn(ctx)
	}()
	return f
}

// Wait blocks until every submitted task has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
