// SPDX-License-Identifier: MPL-2.0

package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/modbot/modbot/internal/router"
)

// DefaultWorkers is the size of a module's async worker pool.
const DefaultWorkers = 8

var (
	// ErrClosed is returned when scheduling on a closed Scheduler.
	ErrClosed = errors.New("scheduler is closed")
	// ErrInvalidPeriod is returned for periodic tasks with a non-positive period.
	ErrInvalidPeriod = errors.New("period must be positive")
)

type (
	// Reporter receives errors and panics escaping task code.
	// *router.Router satisfies it.
	Reporter interface {
		Route(ctx context.Context, u router.Uncaught) (string, error)
	}

	// Option configures a Scheduler.
	Option func(*Scheduler)

	// Scheduler owns the background tasks of one module.
	Scheduler struct {
		owner    string
		logger   *slog.Logger
		reporter Reporter
		workers  int

		ctx    context.Context
		cancel context.CancelFunc

		mu      sync.Mutex
		closed  bool
		tasks   map[uuid.UUID]*Task
		pending []*Task
		timers  taskHeap

		workWake     chan struct{}
		timerWake    chan struct{}
		pool         *pool.Pool
		dispatchDone chan struct{}
		timerDone    chan struct{}
		done         chan struct{}
	}
)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithWorkers bounds the number of concurrently running async tasks.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithReporter sets where task failures are sent. Without a reporter they
// are only logged.
func WithReporter(r Reporter) Option {
	return func(s *Scheduler) { s.reporter = r }
}

// New creates and starts the scheduler of the module named owner.
func New(owner string, opts ...Option) *Scheduler {
	s := &Scheduler{
		owner:        owner,
		logger:       slog.Default(),
		workers:      DefaultWorkers,
		tasks:        make(map[uuid.UUID]*Task),
		workWake:     make(chan struct{}, 1),
		timerWake:    make(chan struct{}, 1),
		dispatchDone: make(chan struct{}),
		timerDone:    make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("module", owner)
	s.ctx, s.cancel = context.WithCancel(router.WithOrigin(context.Background(), owner))
	s.pool = pool.New().WithMaxGoroutines(s.workers)

	go s.dispatch()
	go s.timerLoop()
	return s
}

// Owner returns the owning module's name.
func (s *Scheduler) Owner() string { return s.owner }

// RunAsync runs fn once on the worker pool.
func (s *Scheduler) RunAsync(fn TaskFunc) (*Task, error) {
	t := s.newTask(fn, KindOneShot)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		t.cancel()
		return nil, ErrClosed
	}
	s.tasks[t.id] = t
	s.pending = append(s.pending, t)
	s.mu.Unlock()

	signal(s.workWake)
	return t, nil
}

// ScheduleOnce runs fn once after delay, on the timer goroutine.
func (s *Scheduler) ScheduleOnce(fn TaskFunc, delay time.Duration) (*Task, error) {
	return s.scheduleTimed(s.newTask(fn, KindOneShot), delay)
}

// Schedule runs fn after delay and then repeatedly, waiting period between
// the end of one run and the start of the next.
func (s *Scheduler) Schedule(fn TaskFunc, delay, period time.Duration) (*Task, error) {
	if period <= 0 {
		return nil, ErrInvalidPeriod
	}
	t := s.newTask(fn, KindPeriodic)
	t.period = period
	return s.scheduleTimed(t, delay)
}

// ScheduleFixed runs fn after delay and then at a fixed rate of one run per
// period, measured from the scheduled start times.
func (s *Scheduler) ScheduleFixed(fn TaskFunc, delay, period time.Duration) (*Task, error) {
	if period <= 0 {
		return nil, ErrInvalidPeriod
	}
	t := s.newTask(fn, KindPeriodic)
	t.period = period
	t.fixedRate = true
	return s.scheduleTimed(t, delay)
}

// Active returns the number of tasks that are pending, running, or periodic.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Tasks returns a snapshot of the active tasks.
func (s *Scheduler) Tasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out
}

// CancelAll cancels every active task and empties the task map. Failures to
// cancel an individual task are ignored. It returns the number of tasks that
// were active.
func (s *Scheduler) CancelAll() int {
	snapshot := s.Tasks()
	for _, t := range snapshot {
		cancelQuietly(t)
	}

	s.mu.Lock()
	leftovers := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		leftovers = append(leftovers, t)
	}
	clear(s.tasks)
	for _, t := range s.timers {
		t.index = -1
	}
	s.timers = s.timers[:0]
	s.pending = nil
	s.mu.Unlock()

	// Tasks added while the snapshot was being cancelled.
	for _, t := range leftovers {
		t.cancelled.Store(true)
		t.cancel()
	}
	signal(s.timerWake)
	return len(snapshot)
}

// Close cancels every task and stops the scheduler. Running invocations are
// not waited for; Done is closed once they have returned.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.CancelAll()
	s.cancel()

	go func() {
		<-s.dispatchDone
		s.pool.Wait()
		<-s.timerDone
		close(s.done)
	}()
}

// Done is closed after Close once every worker has returned.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

func (s *Scheduler) newTask(fn TaskFunc, kind Kind) *Task {
	ctx, cancel := context.WithCancel(s.ctx)
	return &Task{
		id:     uuid.New(),
		owner:  s.owner,
		kind:   kind,
		fn:     fn,
		sched:  s,
		ctx:    ctx,
		cancel: cancel,
		index:  -1,
	}
}

func (s *Scheduler) scheduleTimed(t *Task, delay time.Duration) (*Task, error) {
	t.next = time.Now().Add(max(delay, 0))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		t.cancel()
		return nil, ErrClosed
	}
	s.tasks[t.id] = t
	heap.Push(&s.timers, t)
	s.mu.Unlock()

	signal(s.timerWake)
	return t, nil
}

// forget drops t from the task map and purges any pending timer entry.
func (s *Scheduler) forget(t *Task) {
	s.mu.Lock()
	delete(s.tasks, t.id)
	purged := t.index >= 0
	if purged {
		heap.Remove(&s.timers, t.index)
	}
	s.mu.Unlock()

	if purged {
		signal(s.timerWake)
	}
}

func (s *Scheduler) dispatch() {
	defer close(s.dispatchDone)
	for {
		s.mu.Lock()
		var t *Task
		if len(s.pending) > 0 {
			t = s.pending[0]
			s.pending[0] = nil
			s.pending = s.pending[1:]
		}
		s.mu.Unlock()

		if t == nil {
			select {
			case <-s.ctx.Done():
				return
			case <-s.workWake:
			}
			continue
		}
		if t.Cancelled() {
			continue
		}
		s.pool.Go(func() {
			defer s.forget(t)
			s.invoke(t)
		})
	}
}

func (s *Scheduler) timerLoop() {
	defer close(s.timerDone)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		due, wait := s.nextDue(time.Now())
		if due != nil {
			s.fire(due)
			continue
		}

		var fired <-chan time.Time
		if wait >= 0 {
			timer.Reset(wait)
			fired = timer.C
		}
		select {
		case <-s.ctx.Done():
			return
		case <-s.timerWake:
		case <-fired:
		}
		timer.Stop()
	}
}

// nextDue pops the earliest timer entry if it is due. Otherwise it returns
// the time until the earliest entry, or -1 when there is none.
func (s *Scheduler) nextDue(now time.Time) (*Task, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.timers) == 0 {
		return nil, -1
	}
	head := s.timers[0]
	if head.next.After(now) {
		return nil, head.next.Sub(now)
	}
	heap.Pop(&s.timers)
	return head, 0
}

func (s *Scheduler) fire(t *Task) {
	s.invoke(t)

	if t.kind == KindOneShot {
		s.forget(t)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Cancelled() || s.closed {
		return
	}
	if t.fixedRate {
		t.next = t.next.Add(t.period)
	} else {
		t.next = time.Now().Add(t.period)
	}
	heap.Push(&s.timers, t)
}

func (s *Scheduler) invoke(t *Task) {
	if t.Cancelled() {
		return
	}
	t.running.Store(true)
	defer func() {
		if v := recover(); v != nil {
			s.report(t.ctx, router.FromPanic(t.ctx, v))
		}
		t.running.Store(false)
		t.runs.Add(1)
	}()

	if err := t.fn(t.ctx); err != nil {
		if t.Cancelled() && errors.Is(err, context.Canceled) {
			return
		}
		s.report(t.ctx, router.FromError(t.ctx, err))
	}
}

func (s *Scheduler) report(ctx context.Context, u router.Uncaught) {
	if s.reporter == nil {
		s.logger.Error("scheduled task failed", "error", u.Err)
		return
	}
	_, _ = s.reporter.Route(ctx, u)
}

func cancelQuietly(t *Task) {
	defer func() { _ = recover() }()
	t.Cancel()
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
