package machine

import (
	"container/heap"
	"time"
)

// TimerKind distinguishes the two per-call timers.
type TimerKind int

const (
	TimerRinging TimerKind = iota
	TimerActive
)

func (k TimerKind) String() string {
	switch k {
	case TimerRinging:
		return "ringing"
	case TimerActive:
		return "active"
	default:
		return "unknown"
	}
}

// Timer is a one-shot timer owned by a call. Timers are created, cancelled
// and fired on the event loop goroutine only.
type Timer struct {
	Kind     TimerKind
	CallID   string
	Deadline time.Time

	owner     *TimerHeap
	index     int // position in the heap, -1 once removed
	fired     bool
	cancelled bool
}

// Cancel stops the timer. It reports whether the timer was still pending;
// cancelling a fired or already cancelled timer does nothing.
func (t *Timer) Cancel() bool {
	if t == nil || t.fired || t.cancelled {
		return false
	}
	t.cancelled = true
	if t.index >= 0 {
		heap.Remove(&t.owner.queue, t.index)
	}
	return true
}

// Pending reports whether the timer has neither fired nor been cancelled.
func (t *Timer) Pending() bool {
	return t != nil && !t.fired && !t.cancelled
}

// Scheduler arms call timers and reports which are due.
type Scheduler interface {
	Schedule(kind TimerKind, callID string, delay time.Duration) *Timer
	NextDeadline() (time.Time, bool)
	Expired(now time.Time) []*Timer
}

// TimerHeap is a Scheduler backed by a min-heap on deadline. It is polled
// by the event loop rather than running its own goroutines, so timers fire
// on the same goroutine that handles every other event.
type TimerHeap struct {
	now   func() time.Time
	queue timerQueue
	seq   uint64
}

// NewTimerHeap creates an empty heap. now supplies the clock used to
// compute deadlines.
func NewTimerHeap(now func() time.Time) *TimerHeap {
	if now == nil {
		now = time.Now
	}
	return &TimerHeap{now: now}
}

// Schedule arms a timer firing delay from now.
func (h *TimerHeap) Schedule(kind TimerKind, callID string, delay time.Duration) *Timer {
	h.seq++
	t := &Timer{
		Kind:     kind,
		CallID:   callID,
		Deadline: h.now().Add(delay),
		owner:    h,
	}
	heap.Push(&h.queue, queued{t, h.seq})
	return t
}

// NextDeadline returns the earliest pending deadline.
func (h *TimerHeap) NextDeadline() (time.Time, bool) {
	if len(h.queue) == 0 {
		return time.Time{}, false
	}
	return h.queue[0].Deadline, true
}

// Expired removes and returns every timer due at now, earliest first.
func (h *TimerHeap) Expired(now time.Time) []*Timer {
	var due []*Timer
	for len(h.queue) > 0 && !h.queue[0].Deadline.After(now) {
		t := heap.Pop(&h.queue).(queued).Timer
		t.fired = true
		due = append(due, t)
	}
	return due
}

// Len returns the number of pending timers.
func (h *TimerHeap) Len() int {
	return len(h.queue)
}

// queued pairs a timer with its insertion order so equal deadlines fire
// in the order they were scheduled.
type queued struct {
	*Timer
	seq uint64
}

type timerQueue []queued

func (q timerQueue) Len() int { return len(q) }

func (q timerQueue) Less(i, j int) bool {
	if q[i].Deadline.Equal(q[j].Deadline) {
		return q[i].seq < q[j].seq
	}
	return q[i].Deadline.Before(q[j].Deadline)
}

func (q timerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *timerQueue) Push(x any) {
	item := x.(queued)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = queued{}
	item.index = -1
	*q = old[:n-1]
	return item
}
