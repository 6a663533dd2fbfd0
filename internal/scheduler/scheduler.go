// Package scheduler provides the single-goroutine timer loop that owns all
// surrogate-affecting work. Bridge endpoints run on their own connection
// goroutines and funnel state transitions here as queued callables; because
// exactly one goroutine pops the queue, per-user and per-surrogate ordering
// hold without any per-user locking.
package scheduler

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"
)

// MetricsReporter receives scheduler instrumentation. Implemented by the
// metrics collector; a no-op implementation is used when none is attached.
type MetricsReporter interface {
	SetQueueDepth(n int)
}

// noopMetrics is the default MetricsReporter.
type noopMetrics struct{}

func (noopMetrics) SetQueueDepth(int) {}

// -------------------------------------------------------------------------
// Scheduler Options — functional options pattern
// -------------------------------------------------------------------------

// SchedulerOption configures optional Scheduler parameters.
type SchedulerOption func(*Scheduler)

// WithMetrics attaches a MetricsReporter to the scheduler. If mr is nil,
// the default no-op reporter is kept.
func WithMetrics(mr MetricsReporter) SchedulerOption {
	return func(s *Scheduler) {
		if mr != nil {
			s.metrics = mr
		}
	}
}

// -------------------------------------------------------------------------
// Scheduler — deadline-ordered task loop
// -------------------------------------------------------------------------

// Scheduler runs queued callables on one goroutine, ordered by deadline and
// by submission order among equal deadlines. Tasks must not block for long;
// anything slow belongs on its own goroutine with only the state transition
// queued here.
type Scheduler struct {
	logger  *slog.Logger
	metrics MetricsReporter

	mu      sync.Mutex
	tasks   taskQueue
	seq     uint64
	stopped bool

	// wake nudges the loop after a push or a shutdown; buffered so that
	// submitters never block on it.
	wake chan struct{}

	// done is closed when the loop goroutine exits.
	done chan struct{}
}

// New creates a Scheduler and starts its loop goroutine.
func New(logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		logger:  logger.With(slog.String("component", "scheduler")),
		metrics: noopMetrics{},
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.run()
	return s
}

// AddNow queues fn to run as soon as the loop reaches it. After Shutdown
// the task is dropped silently.
func (s *Scheduler) AddNow(fn func()) {
	s.AddAt(time.Now(), fn)
}

// AddAt queues fn to run no earlier than at. After Shutdown the task is
// dropped silently.
func (s *Scheduler) AddAt(at time.Time, fn func()) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.seq++
	heap.Push(&s.tasks, &task{at: at, seq: s.seq, fn: fn})
	s.metrics.SetQueueDepth(len(s.tasks))
	s.mu.Unlock()

	s.nudge()
}

// Pending returns the number of queued tasks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Shutdown stops the loop: tasks already due still run, future-dated ones
// are discarded, and all later submissions are dropped. Safe to call more
// than once.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.nudge()
}

// Join blocks until the loop goroutine has exited. Call after Shutdown.
func (s *Scheduler) Join() {
	<-s.done
}

// nudge wakes the loop without blocking; a pending wake already covers us.
func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run is the loop goroutine: pop and run every due task, then sleep until
// the next deadline or the next wake.
func (s *Scheduler) run() {
	defer close(s.done)

	for {
		s.mu.Lock()
		now := time.Now()

		for len(s.tasks) > 0 && !s.tasks[0].at.After(now) {
			t := heap.Pop(&s.tasks).(*task)
			s.metrics.SetQueueDepth(len(s.tasks))
			s.mu.Unlock()

			s.invoke(t.fn)

			s.mu.Lock()
			now = time.Now()
		}

		if s.stopped {
			if n := len(s.tasks); n > 0 {
				s.logger.Debug("discarding future tasks at shutdown", slog.Int("count", n))
			}
			s.tasks = nil
			s.metrics.SetQueueDepth(0)
			s.mu.Unlock()
			return
		}

		var wait time.Duration
		if len(s.tasks) > 0 {
			wait = s.tasks[0].at.Sub(now)
		}
		s.mu.Unlock()

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-s.wake:
				timer.Stop()
			}
		} else {
			<-s.wake
		}
	}
}

// invoke runs one task, converting a panic into an error log so that a bad
// task cannot take down the loop.
func (s *Scheduler) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("queued task panicked", slog.Any("panic", r))
		}
	}()

	fn()
}

// -------------------------------------------------------------------------
// taskQueue — min-heap over (deadline, submission seq)
// -------------------------------------------------------------------------

// task is one queued callable.
type task struct {
	at  time.Time
	seq uint64
	fn  func()
}

// taskQueue implements heap.Interface. Less orders by deadline, then by
// submission sequence so equal deadlines run FIFO.
type taskQueue []*task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].seq < q[j].seq
	}
	return q[i].at.Before(q[j].at)
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) { *q = append(*q, x.(*task)) }

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}
