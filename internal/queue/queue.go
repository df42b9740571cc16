// Copyright (c) 2026 VibeNote
// Licensed under the PolyForm Noncommercial License 1.0.0

package queue

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tim-Spurlin/VibeNote/internal/metrics"
	"github.com/rs/zerolog"
)

// RejectReason explains why Enqueue refused admission.
type RejectReason string

// RejectQueueFull is returned when the queue is at capacity.
const RejectQueueFull RejectReason = "queue_full"

// EnqueueOutcome is the synchronous result of Enqueue.
type EnqueueOutcome struct {
	Admitted bool
	ID       uint64
	Reason   RejectReason
}

// ThrottleSource decouples the queue from the GPU guard: the queue only
// needs to know whether work may currently be dispatched and to be told
// when that changes, never the guard's internal sampling state.
type ThrottleSource interface {
	CanAcceptWork() bool
	OnThrottleChange(fn func(throttled bool))
}

// Config holds the admission and concurrency limits for a TaskQueue.
type Config struct {
	Capacity    int
	ClassLimits map[Class]int
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = 128
	}
	if c.ClassLimits == nil {
		c.ClassLimits = map[Class]int{
			ClassInteractive: 2,
			ClassWatch:       1,
			ClassExport:      1,
		}
	}
	return c
}

// Stats is a point-in-time snapshot of queue occupancy.
type Stats struct {
	QueuedByPriority [3]int
	RunningByClass   map[Class]int
}

type inflightEntry struct {
	class      Class
	cancel     *CancelSignal
	onTerminal func(Terminal)
	// fired guards delivery of the single terminal event a dispatched task
	// gets: Cancel and Finish can race (a completion arriving the same
	// instant a caller cancels), and whichever wins the CAS is the one that
	// calls onTerminal and bumps the outcome counter.
	fired *atomic.Bool
}

// TaskQueue is the bounded, multi-class, priority-laned scheduler.
// Admission and dispatch are guarded by a single mutex and
// condition variable; dispatch order is High-lane-first, then a two-step
// rotate-before-scan alternation between Normal and Low (mirroring the
// original scheduler's rr_index_ behaviour exactly, not a third lane pass).
type TaskQueue struct {
	cfg    Config
	logger zerolog.Logger

	mu   sync.Mutex
	cond *sync.Cond

	lanes    [3][]Task
	running  map[Class]int
	inflight map[uint64]inflightEntry

	paused       bool
	guardAccepts bool
	rrIndex      Priority

	nextID atomic.Uint64
}

// New creates a TaskQueue wired to source. A nil source means work is never
// throttled by GPU state (useful in isolated tests).
func New(source ThrottleSource, cfg Config, logger zerolog.Logger) *TaskQueue {
	q := &TaskQueue{
		cfg:      cfg.withDefaults(),
		logger:   logger,
		running:  make(map[Class]int),
		inflight: make(map[uint64]inflightEntry),
		rrIndex:  PriorityNormal,
	}
	q.cond = sync.NewCond(&q.mu)

	if source == nil {
		q.guardAccepts = true
		return q
	}
	q.guardAccepts = source.CanAcceptWork()
	source.OnThrottleChange(func(throttled bool) {
		q.mu.Lock()
		q.guardAccepts = !throttled
		q.mu.Unlock()
		q.cond.Broadcast()
	})
	return q
}

// Enqueue admits t if capacity allows, assigning it a monotonic ID.
// Capacity shrink never evicts already-queued tasks; it only blocks further
// admissions until the queue drains back under the new limit.
func (q *TaskQueue) Enqueue(t Task) EnqueueOutcome {
	q.mu.Lock()
	if q.totalQueuedLocked() >= q.cfg.Capacity {
		q.mu.Unlock()
		metrics.IncTasksTotal(t.Class.String(), "rejected")
		return EnqueueOutcome{Reason: RejectQueueFull}
	}

	id := q.nextID.Add(1)
	t.ID = id
	if t.Cancel == nil {
		t.Cancel = &CancelSignal{}
	}
	q.lanes[t.Priority] = append(q.lanes[t.Priority], t)
	q.publishStatsLocked()
	q.mu.Unlock()

	q.cond.Broadcast()
	return EnqueueOutcome{Admitted: true, ID: id}
}

// Cancel removes id from its lane if still queued, or marks it cancelled if
// already dispatched. Unknown ids are a no-op returning false.
func (q *TaskQueue) Cancel(id uint64) bool {
	q.mu.Lock()
	for p := PriorityHigh; p <= PriorityLow; p++ {
		lane := q.lanes[p]
		for i, t := range lane {
			if t.ID != id {
				continue
			}
			q.lanes[p] = append(lane[:i], lane[i+1:]...)
			q.mu.Unlock()
			metrics.IncTasksTotal(t.Class.String(), "cancelled")
			if t.OnTerminal != nil {
				t.OnTerminal(TerminalCancelled)
			}
			return true
		}
	}

	entry, ok := q.inflight[id]
	q.mu.Unlock()
	if !ok {
		return false
	}

	entry.cancel.Cancel()
	if entry.fired.CompareAndSwap(false, true) {
		if entry.onTerminal != nil {
			entry.onTerminal(TerminalCancelled)
		}
		metrics.IncTasksTotal(entry.class.String(), "cancelled")
	}
	return true
}

// Dequeue blocks until a task can be dispatched (admitted by both the class
// limit and the current throttle state) and returns it.
func (q *TaskQueue) Dequeue() Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if t, ok := q.tryDispatchLocked(); ok {
			return t
		}
		q.cond.Wait()
	}
}

// DequeueWithTimeout is Dequeue bounded by d. The predicate is re-checked
// after every wake, including spurious ones and the timer-induced one.
func (q *TaskQueue) DequeueWithTimeout(d time.Duration) (Task, bool) {
	deadline := time.Now().Add(d)
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if t, ok := q.tryDispatchLocked(); ok {
			return t, true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Task{}, false
		}
		q.waitWithTimeoutLocked(remaining)
	}
}

// waitWithTimeoutLocked must be called with q.mu held. sync.Cond has no
// native deadline, so a timer wakes the condition variable after d; the
// caller re-checks its predicate regardless of which wake fired.
func (q *TaskQueue) waitWithTimeoutLocked(d time.Duration) {
	timer := time.AfterFunc(d, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	q.cond.Wait()
	timer.Stop()
}

// Finish reports that id has completed running with the given terminal
// outcome, releasing its class slot and waking any waiters blocked on
// Dequeue. Idempotent on an unknown id. If Cancel already won the race to
// deliver this task's terminal, terminal is discarded in favour of the
// TerminalCancelled already sent.
func (q *TaskQueue) Finish(id uint64, terminal Terminal) {
	q.mu.Lock()
	entry, ok := q.inflight[id]
	if ok {
		if q.running[entry.class] > 0 {
			q.running[entry.class]--
		}
		delete(q.inflight, id)
		q.publishStatsLocked()
	}
	q.mu.Unlock()

	if ok && entry.fired.CompareAndSwap(false, true) {
		if entry.onTerminal != nil {
			entry.onTerminal(terminal)
		}
		metrics.IncTasksTotal(entry.class.String(), terminal.String())
	}
	q.cond.Broadcast()
}

// UpdateConfig applies newly validated capacity and class limits to a
// running queue. A capacity shrink never evicts already-queued tasks, same
// as a capacity configured at construction; it only blocks further
// admissions until the queue drains back under the new limit. Waiters are
// woken so a relaxed class limit can dispatch immediately.
func (q *TaskQueue) UpdateConfig(cfg Config) {
	q.mu.Lock()
	q.cfg = cfg.withDefaults()
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Pause stops new dispatch without affecting already-running tasks.
func (q *TaskQueue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume allows dispatch to continue and wakes any blocked waiters.
func (q *TaskQueue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Stats returns a snapshot of queue depth by priority and in-flight count by
// class.
func (q *TaskQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	var s Stats
	for p := PriorityHigh; p <= PriorityLow; p++ {
		s.QueuedByPriority[p] = len(q.lanes[p])
	}
	s.RunningByClass = make(map[Class]int, len(q.running))
	for c, n := range q.running {
		s.RunningByClass[c] = n
	}
	return s
}

func (q *TaskQueue) totalQueuedLocked() int {
	return len(q.lanes[PriorityHigh]) + len(q.lanes[PriorityNormal]) + len(q.lanes[PriorityLow])
}

// tryDispatchLocked attempts one dispatch. Callers hold q.mu.
func (q *TaskQueue) tryDispatchLocked() (Task, bool) {
	if q.paused || !q.guardAccepts {
		return Task{}, false
	}
	t, ok := q.popNextLocked()
	if !ok {
		return Task{}, false
	}
	q.running[t.Class]++
	q.inflight[t.ID] = inflightEntry{class: t.Class, cancel: t.Cancel, onTerminal: t.OnTerminal, fired: new(atomic.Bool)}
	q.publishStatsLocked()
	return t, true
}

// popNextLocked implements the exact dispatch order: High lane always
// served first; otherwise the scheduler alternates Normal/Low by rotating
// rrIndex before each of at most two lane checks, so the lane that was just
// served is not retried next unless the other lane had nothing ready.
func (q *TaskQueue) popNextLocked() (Task, bool) {
	if t, ok := q.findReadyLocked(PriorityHigh); ok {
		return t, true
	}
	for i := 0; i < 2; i++ {
		idx := q.rrIndex
		if idx == PriorityNormal {
			q.rrIndex = PriorityLow
		} else {
			q.rrIndex = PriorityNormal
		}
		if t, ok := q.findReadyLocked(idx); ok {
			return t, true
		}
	}
	return Task{}, false
}

// findReadyLocked returns and removes the first task in lane p whose class
// is still under its concurrency limit.
func (q *TaskQueue) findReadyLocked(p Priority) (Task, bool) {
	lane := q.lanes[p]
	for i, t := range lane {
		if q.running[t.Class] < q.cfg.ClassLimits[t.Class] {
			q.lanes[p] = append(lane[:i], lane[i+1:]...)
			return t, true
		}
	}
	return Task{}, false
}

func (q *TaskQueue) publishStatsLocked() {
	metrics.SetQueueDepth(q.totalQueuedLocked(), len(q.lanes[PriorityHigh]), len(q.lanes[PriorityNormal]), len(q.lanes[PriorityLow]))
	for c := ClassWatch; c <= ClassExport; c++ {
		metrics.SetRunning(c.String(), q.running[c])
	}
}
