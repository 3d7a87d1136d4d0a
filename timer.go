package fibersched

import (
	"container/heap"
	"sync"
	"time"
)

// infiniteTimeout is the sentinel "no timer" delay.
const infiniteTimeout = ^uint64(0)

// Timer is a one-shot or recurring callback registered with a timer
// manager. The manager owns the callback; the creator holds the handle for
// Cancel, Refresh and Reset.
type Timer struct {
	next      uint64 // absolute deadline, ms
	ms        uint64 // interval, ms
	cb        func()
	recurring bool
	mgr       *timerManager
	seq       uint64
	index     int // position in the heap, -1 when detached
}

// timerHeap is a min-heap ordered by (deadline, insertion serial) so that
// timers with identical deadlines fire in insertion order.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].next != h[j].next {
		return h[i].next < h[j].next
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// timerManager maintains the ordered timer set shared between callers and
// the reactor's idle loop. Embedded by IOManager.
type timerManager struct {
	mu       sync.RWMutex
	timers   timerHeap
	seq      uint64
	tickled  bool
	previous uint64

	// nowFn supplies the wall clock in ms; replaceable in tests to drive
	// rollback detection deterministically.
	nowFn func() uint64

	// onTimerInsertedAtFront fires (outside the lock) when an insertion
	// produces a new earliest deadline, so a blocked reactor can re-compute
	// its poll timeout.
	onTimerInsertedAtFront func()
}

func nowMS() uint64 { return uint64(time.Now().UnixMilli()) }

func (tm *timerManager) initTimerManager() {
	tm.nowFn = nowMS
	tm.previous = nowMS()
}

func (tm *timerManager) now() uint64 {
	if tm.nowFn != nil {
		return tm.nowFn()
	}
	return nowMS()
}

// AddTimer registers cb to run after d (and every d thereafter when
// recurring). Resolution is one millisecond; sub-millisecond delays round up.
func (tm *timerManager) AddTimer(d time.Duration, cb func(), recurring bool) *Timer {
	if cb == nil {
		panic("fibersched: AddTimer requires a non-nil callback")
	}
	ms := durationToMS(d)
	t := &Timer{
		ms:        ms,
		cb:        cb,
		recurring: recurring,
		mgr:       tm,
		index:     -1,
	}
	tm.mu.Lock()
	t.next = tm.now() + ms
	t.seq = tm.seq
	tm.seq++
	atFront := tm.addTimerLocked(t)
	tm.mu.Unlock()
	if atFront && tm.onTimerInsertedAtFront != nil {
		tm.onTimerInsertedAtFront()
	}
	return t
}

// AddConditionTimer registers cb guarded by cond: at fire time the callback
// runs only if cond still reports true. Waiters whose owner has gone away
// clean up without an explicit cancel.
func (tm *timerManager) AddConditionTimer(d time.Duration, cb func(), cond func() bool, recurring bool) *Timer {
	return tm.AddTimer(d, func() {
		if cond == nil || cond() {
			cb()
		}
	}, recurring)
}

// addTimerLocked inserts and reports whether the timer became the new front
// with no wakeup already pending.
func (tm *timerManager) addTimerLocked(t *Timer) bool {
	heap.Push(&tm.timers, t)
	atFront := t.index == 0 && !tm.tickled
	if atFront {
		tm.tickled = true
	}
	return atFront
}

// getNextTimer returns the delay in ms until the earliest deadline: 0 when
// already due, infiniteTimeout when no timer is registered. It also clears
// the front-insert debounce.
func (tm *timerManager) getNextTimer() uint64 {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.tickled = false
	if len(tm.timers) == 0 {
		return infiniteTimeout
	}
	next := tm.timers[0].next
	now := tm.now()
	if now >= next {
		return 0
	}
	return next - now
}

// NextTimer reports the delay until the earliest deadline, with ok == false
// when no timer is registered.
func (tm *timerManager) NextTimer() (time.Duration, bool) {
	ms := tm.getNextTimer()
	if ms == infiniteTimeout {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// HasTimer reports whether any timer is registered.
func (tm *timerManager) HasTimer() bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return len(tm.timers) > 0
}

// listExpired drains every callback whose deadline has passed, reinserting
// recurring timers with a fresh deadline. On clock rollback beyond one hour
// all timers are treated as expired so the set cannot stall.
func (tm *timerManager) listExpired() []func() {
	tm.mu.RLock()
	if len(tm.timers) == 0 {
		tm.mu.RUnlock()
		return nil
	}
	tm.mu.RUnlock()

	tm.mu.Lock()
	defer tm.mu.Unlock()
	if len(tm.timers) == 0 {
		return nil
	}

	now := tm.now()
	rollover := tm.detectClockRollover(now)
	if !rollover && tm.timers[0].next > now {
		return nil
	}

	var cbs []func()
	var again []*Timer
	for len(tm.timers) > 0 {
		if !rollover && tm.timers[0].next > now {
			break
		}
		t := heap.Pop(&tm.timers).(*Timer)
		cbs = append(cbs, t.cb)
		if t.recurring {
			t.next = now + t.ms
			again = append(again, t)
		} else {
			t.cb = nil
		}
	}
	for _, t := range again {
		heap.Push(&tm.timers, t)
	}
	return cbs
}

// detectClockRollover treats a wall clock more than one hour behind the
// previously observed time as a rollback.
func (tm *timerManager) detectClockRollover(now uint64) bool {
	rollover := now < tm.previous && now < tm.previous-60*60*1000
	tm.previous = now
	return rollover
}

// Cancel removes the timer if still pending and clears its callback.
// Returns whether removal happened; a callback already drained into an
// expired batch still runs.
func (t *Timer) Cancel() bool {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	if t.cb == nil || t.index < 0 {
		return false
	}
	heap.Remove(&t.mgr.timers, t.index)
	t.cb = nil
	return true
}

// Refresh re-anchors the deadline at now + interval. Returns false when the
// timer is no longer pending.
func (t *Timer) Refresh() bool {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	if t.cb == nil || t.index < 0 {
		return false
	}
	heap.Remove(&t.mgr.timers, t.index)
	t.next = t.mgr.now() + t.ms
	heap.Push(&t.mgr.timers, t)
	return true
}

// Reset changes the interval. fromNow anchors the new deadline at the
// current time; otherwise it is anchored at the previous start, preserving
// elapsed wait. Returns false when the timer is no longer pending.
func (t *Timer) Reset(d time.Duration, fromNow bool) bool {
	ms := durationToMS(d)
	tm := t.mgr
	tm.mu.Lock()
	if t.cb == nil || t.index < 0 {
		tm.mu.Unlock()
		return false
	}
	if ms == t.ms && !fromNow {
		tm.mu.Unlock()
		return true
	}
	heap.Remove(&tm.timers, t.index)
	var start uint64
	if fromNow {
		start = tm.now()
	} else {
		start = t.next - t.ms
	}
	t.ms = ms
	t.next = start + ms
	atFront := tm.addTimerLocked(t)
	tm.mu.Unlock()
	if atFront && tm.onTimerInsertedAtFront != nil {
		tm.onTimerInsertedAtFront()
	}
	return true
}

// durationToMS converts to milliseconds, rounding positive sub-millisecond
// delays up so a short timeout never becomes a busy poll.
func durationToMS(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	ms := d.Milliseconds()
	if ms == 0 {
		return 1
	}
	return uint64(ms)
}
