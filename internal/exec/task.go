// Package exec provides the fixed-size worker pool and the single-assignment
// future the engine returns from asynchronous operations.
package exec

import (
	"context"
	"sync"
	"time"
)

// Task is a single-assignment future. The first Complete or Fail wins and
// later resolutions are ignored, which lets a deadline watchdog and the
// worker race to resolve the same task safely.
type Task struct {
	once  sync.Once
	done  chan struct{}
	value any
	err   error
}

// NewTask returns an unresolved task.
func NewTask() *Task {
	return &Task{done: make(chan struct{})}
}

// Completed returns an already-resolved task carrying v.
func Completed(v any) *Task {
	t := NewTask()
	t.Complete(v)
	return t
}

// Failed returns an already-resolved task carrying err.
func Failed(err error) *Task {
	t := NewTask()
	t.Fail(err)
	return t
}

// Complete resolves the task with a value and reports whether this call won
// the resolution race.
func (t *Task) Complete(v any) bool {
	won := false
	t.once.Do(func() {
		t.value = v
		close(t.done)
		won = true
	})
	return won
}

// Fail resolves the task with an error and reports whether this call won
// the resolution race.
func (t *Task) Fail(err error) bool {
	won := false
	t.once.Do(func() {
		t.err = err
		close(t.done)
		won = true
	})
	return won
}

// Done is closed once the task is resolved.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task resolves or ctx is cancelled.
func (t *Task) Wait(ctx context.Context) (any, error) {
	select {
	case <-t.done:
		return t.value, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WaitTimeout is Wait with a plain timeout instead of a context.
func (t *Task) WaitTimeout(d time.Duration) (any, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.done:
		return t.value, t.err
	case <-timer.C:
		return nil, context.DeadlineExceeded
	}
}
