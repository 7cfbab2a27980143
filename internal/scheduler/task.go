// SPDX-License-Identifier: MPL-2.0

package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	// KindOneShot tasks run once, immediately or after a delay.
	KindOneShot Kind = iota
	// KindPeriodic tasks run repeatedly until cancelled.
	KindPeriodic
)

type (
	// Kind distinguishes one-shot from periodic tasks.
	Kind int

	// TaskFunc is the unit of scheduled work. ctx is cancelled when the task
	// is cancelled or the scheduler closes.
	TaskFunc func(ctx context.Context) error

	// Task is a handle to scheduled work.
	Task struct {
		id    uuid.UUID
		owner string
		kind  Kind
		fn    TaskFunc
		sched *Scheduler

		ctx    context.Context
		cancel context.CancelFunc

		cancelled atomic.Bool
		running   atomic.Bool
		runs      atomic.Int64

		// Timer bookkeeping, guarded by Scheduler.mu.
		next      time.Time
		period    time.Duration
		fixedRate bool
		index     int
	}
)

func (k Kind) String() string {
	switch k {
	case KindOneShot:
		return "one-shot"
	case KindPeriodic:
		return "periodic"
	default:
		return "unknown"
	}
}

// ID returns the task's unique id.
func (t *Task) ID() string { return t.id.String() }

// Owner returns the name of the module that scheduled the task.
func (t *Task) Owner() string { return t.owner }

// Kind returns whether the task is one-shot or periodic.
func (t *Task) Kind() Kind { return t.kind }

// Cancelled reports whether Cancel was called.
func (t *Task) Cancelled() bool { return t.cancelled.Load() }

// Running reports whether an invocation is in progress.
func (t *Task) Running() bool { return t.running.Load() }

// Runs returns the number of completed invocations.
func (t *Task) Runs() int64 { return t.runs.Load() }

// Cancel stops future invocations and purges any pending firing. An
// invocation that is already running is not interrupted, but its context is
// cancelled. Cancelling twice is a no-op; the return value reports whether
// this call did the cancelling.
func (t *Task) Cancel() bool {
	if !t.cancelled.CompareAndSwap(false, true) {
		return false
	}
	t.cancel()
	t.sched.forget(t)
	return true
}
