//go:build linux

package fibersched

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// EventType is a readiness interest on a file descriptor. The values map
// directly onto the corresponding epoll bits.
type EventType uint32

const (
	// EventNone is the empty interest set.
	EventNone EventType = 0
	// EventRead is read readiness (EPOLLIN).
	EventRead EventType = unix.EPOLLIN
	// EventWrite is write readiness (EPOLLOUT).
	EventWrite EventType = unix.EPOLLOUT
)

// maxEvents bounds a single epoll_wait batch. A full batch drops nothing;
// the remainder is picked up on the next iteration.
const maxEvents = 256

// eventContext is one registered handler: the scheduler that will receive
// the wakeup, and either a fiber to resume or a callback to run.
type eventContext struct {
	sched *Scheduler
	fiber *Fiber
	cb    func()
}

func (ec *eventContext) reset() {
	ec.sched = nil
	ec.fiber = nil
	ec.cb = nil
}

// fdContext tracks the registered interests and handlers of one file
// descriptor. The mutex guards the bitmask and both handler slots; the
// bitmask always mirrors the kernel registration.
type fdContext struct {
	mu     sync.Mutex
	fd     int
	events EventType
	read   eventContext
	write  eventContext
}

func (ctx *fdContext) getContext(event EventType) *eventContext {
	switch event {
	case EventRead:
		return &ctx.read
	case EventWrite:
		return &ctx.write
	}
	panic(fmt.Sprintf("fibersched: invalid event %#x", uint32(event)))
}

// triggerEvent atomically claims the handler for event and hands it to its
// scheduler. Must be called with ctx.mu held. Claiming under the lock is
// what guarantees each registration fires at most once even when a cancel
// races the reactor.
func (ctx *fdContext) triggerEvent(event EventType) {
	if ctx.events&event == 0 {
		return
	}
	ctx.events &^= event
	ec := ctx.getContext(event)
	if ec.cb != nil {
		ec.sched.Schedule(ec.cb, AnyThread)
	} else if ec.fiber != nil {
		ec.sched.ScheduleFiber(ec.fiber, AnyThread)
	}
	ec.reset()
}

// IOManager extends Scheduler with an epoll readiness reactor and the timer
// manager. Worker idle time is spent blocked in epoll_wait, bounded by the
// earliest timer deadline; readiness and expiry both feed back through the
// scheduler's ready queue.
type IOManager struct {
	*Scheduler
	timerManager

	epfd        int
	wakeFd      int
	wakeWriteFd int

	pendingEventCount atomic.Int64

	fdMu       sync.RWMutex
	fdContexts []*fdContext

	maxPollTimeout time.Duration

	closeOnce sync.Once
}

// NewIOManager creates and starts an I/O manager over the given worker
// slots. See NewScheduler for the threads/useCaller contract.
func NewIOManager(threads int, useCaller bool, name string, opts ...Option) (*IOManager, error) {
	cfg := resolveOptions(opts)
	s := NewScheduler(threads, useCaller, name, opts...)

	m := &IOManager{
		Scheduler:      s,
		maxPollTimeout: cfg.maxPollTimeout,
	}
	m.initTimerManager()

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		m.abandonScheduler()
		return nil, fmt.Errorf("fibersched: epoll_create1: %w", err)
	}
	m.epfd = epfd

	m.wakeFd, m.wakeWriteFd, err = createWakeFd()
	if err != nil {
		_ = unix.Close(epfd)
		m.abandonScheduler()
		return nil, fmt.Errorf("fibersched: eventfd: %w", err)
	}

	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLET,
		Fd:     int32(m.wakeFd),
	}
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, m.wakeFd, &ev); err != nil {
		m.closeFDs()
		m.abandonScheduler()
		return nil, fmt.Errorf("fibersched: epoll_ctl wake fd: %w", err)
	}

	m.fdMu.Lock()
	m.contextResize(32)
	m.fdMu.Unlock()

	s.tickleFn = m.tickle
	s.idleFn = m.idle
	s.stoppingFn = m.ioStopping
	s.owner = m
	m.onTimerInsertedAtFront = m.tickle

	m.Start()
	return m, nil
}

// abandonScheduler releases the caller-thread registration of a scheduler
// that never started, so a failed construction leaves no residue.
func (m *IOManager) abandonScheduler() {
	if m.callerGID != 0 {
		setWorker(m.callerGID, nil, 0)
		m.callerGID = 0
	}
}

// GetIOManager returns the I/O manager owning the calling context, or nil.
func GetIOManager() *IOManager {
	if s := GetScheduler(); s != nil {
		if m, ok := s.owner.(*IOManager); ok {
			return m
		}
	}
	return nil
}

// contextResize grows the fd table to at least size entries. Requires fdMu
// held for writing.
func (m *IOManager) contextResize(size int) {
	if size <= len(m.fdContexts) {
		return
	}
	grown := make([]*fdContext, size)
	copy(grown, m.fdContexts)
	for i := range grown {
		if grown[i] == nil {
			grown[i] = &fdContext{fd: i}
		}
	}
	m.fdContexts = grown
}

func (m *IOManager) fdContext(fd int) *fdContext {
	m.fdMu.RLock()
	if fd < len(m.fdContexts) {
		ctx := m.fdContexts[fd]
		m.fdMu.RUnlock()
		return ctx
	}
	m.fdMu.RUnlock()
	return nil
}

// AddEvent registers interest in event on fd. With a non-nil cb the
// callback runs on readiness; with a nil cb the current fiber is registered
// and resumed on readiness. Each (fd, event) pair admits one handler at a
// time; a duplicate registration returns ErrEventAlreadyRegistered.
func (m *IOManager) AddEvent(fd int, event EventType, cb func()) error {
	if fd < 0 {
		return ErrFDOutOfRange
	}

	ctx := m.fdContext(fd)
	if ctx == nil {
		m.fdMu.Lock()
		m.contextResize(fd + fd/2 + 1)
		ctx = m.fdContexts[fd]
		m.fdMu.Unlock()
	}

	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if ctx.events&event != 0 {
		m.log.Err().Int("fd", fd).
			Uint64("event", uint64(event)).
			Uint64("registered", uint64(ctx.events)).
			Log("AddEvent: event already registered")
		return ErrEventAlreadyRegistered
	}

	op := unix.EPOLL_CTL_ADD
	if ctx.events != EventNone {
		op = unix.EPOLL_CTL_MOD
	}
	ev := unix.EpollEvent{
		Events: unix.EPOLLET | uint32(ctx.events|event),
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(m.epfd, op, fd, &ev); err != nil {
		m.log.Err().Int("fd", fd).Int("op", op).Err(err).Log("AddEvent: epoll_ctl")
		return fmt.Errorf("fibersched: epoll_ctl: %w", err)
	}

	m.pendingEventCount.Add(1)
	ctx.events |= event
	ec := ctx.getContext(event)

	ec.sched = GetScheduler()
	if ec.sched == nil {
		ec.sched = m.Scheduler
	}
	if cb != nil {
		ec.cb = cb
	} else {
		f := Current()
		if f.main || f.State() != StateExec {
			panic(fmt.Sprintf("fibersched: AddEvent without callback requires a running fiber (state=%v)", f.State()))
		}
		ec.fiber = f
	}
	return nil
}

// DelEvent removes the interest without firing the handler. Returns whether
// a registration was removed.
func (m *IOManager) DelEvent(fd int, event EventType) bool {
	ctx := m.fdContext(fd)
	if ctx == nil {
		return false
	}

	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if ctx.events&event == 0 {
		return false
	}

	left := ctx.events &^ event
	if !m.epollUpdate(fd, left) {
		return false
	}

	m.pendingEventCount.Add(-1)
	ctx.events = left
	ctx.getContext(event).reset()
	return true
}

// CancelEvent removes the interest and fires the handler immediately,
// scheduling the waiter's resumption. This is how timeouts and closes
// notify blocked fibers. Returns false when no handler was registered.
func (m *IOManager) CancelEvent(fd int, event EventType) bool {
	ctx := m.fdContext(fd)
	if ctx == nil {
		return false
	}

	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if ctx.events&event == 0 {
		return false
	}

	left := ctx.events &^ event
	if !m.epollUpdate(fd, left) {
		return false
	}

	ctx.triggerEvent(event)
	m.pendingEventCount.Add(-1)
	return true
}

// CancelAll fires and removes both handlers of fd, if present.
func (m *IOManager) CancelAll(fd int) bool {
	ctx := m.fdContext(fd)
	if ctx == nil {
		return false
	}

	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if ctx.events == EventNone {
		return false
	}

	if !m.epollUpdate(fd, EventNone) {
		return false
	}

	if ctx.events&EventRead != 0 {
		ctx.triggerEvent(EventRead)
		m.pendingEventCount.Add(-1)
	}
	if ctx.events&EventWrite != 0 {
		ctx.triggerEvent(EventWrite)
		m.pendingEventCount.Add(-1)
	}
	return ctx.events == EventNone
}

// epollUpdate narrows the kernel registration of fd to the remaining
// interests, removing it entirely when none remain. Returns false and logs
// on kernel errors, leaving the bookkeeping untouched.
func (m *IOManager) epollUpdate(fd int, remaining EventType) bool {
	op := unix.EPOLL_CTL_DEL
	var evp *unix.EpollEvent
	if remaining != EventNone {
		op = unix.EPOLL_CTL_MOD
		evp = &unix.EpollEvent{
			Events: unix.EPOLLET | uint32(remaining),
			Fd:     int32(fd),
		}
	}
	if err := unix.EpollCtl(m.epfd, op, fd, evp); err != nil {
		m.log.Err().Int("fd", fd).Int("op", op).Err(err).Log("epoll_ctl")
		return false
	}
	return true
}

// PendingEvents returns the number of outstanding (fd, event)
// registrations.
func (m *IOManager) PendingEvents() int64 { return m.pendingEventCount.Load() }

// tickle wakes a worker blocked in epoll_wait. No write is issued when no
// worker is idle; the queue will be seen on the next dispatch iteration.
func (m *IOManager) tickle() {
	if !m.hasIdleThreads() {
		return
	}
	var one uint64 = 1
	buf := (*[8]byte)(unsafe.Pointer(&one))[:]
	if _, err := unix.Write(m.wakeWriteFd, buf); err != nil && err != unix.EAGAIN {
		m.log.Err().Err(err).Log("tickle: wake fd write")
	}
}

// ioStopping extends the base stop condition: the reactor may only stop
// once no timers and no event registrations remain.
func (m *IOManager) ioStopping() bool {
	next := m.getNextTimer()
	return next == infiniteTimeout &&
		m.pendingEventCount.Load() == 0 &&
		m.baseStopping()
}

// drainWake empties the edge-triggered wake fd so future tickles re-arm it.
func (m *IOManager) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(m.wakeFd, buf[:]); err != nil {
			return
		}
	}
}

// idle is the reactor body run by every worker's idle fiber: block in
// epoll_wait no longer than the earliest timer deadline, dispatch expired
// timers and ready descriptors through the scheduler, then yield back to
// the dispatch loop.
func (m *IOManager) idle() {
	m.log.Debug().Str("scheduler", m.name).Log("idle")
	events := make([]unix.EpollEvent, maxEvents)

	for {
		next := m.getNextTimer()
		if next == infiniteTimeout && m.pendingEventCount.Load() == 0 && m.baseStopping() {
			m.log.Debug().Str("scheduler", m.name).Log("idle stopping exit")
			return
		}

		maxMS := uint64(m.maxPollTimeout.Milliseconds())
		if next == infiniteTimeout || next > maxMS {
			next = maxMS
		}

		var n int
		for {
			var err error
			n, err = unix.EpollWait(m.epfd, events, int(next))
			if err == nil {
				break
			}
			if err == unix.EINTR {
				continue
			}
			m.log.Err().Err(err).Log("epoll_wait")
			n = 0
			break
		}

		if cbs := m.listExpired(); len(cbs) > 0 {
			m.ScheduleBatch(cbs)
		}

		for i := 0; i < n; i++ {
			ev := &events[i]
			fd := int(ev.Fd)
			if fd == m.wakeFd {
				m.drainWake()
				continue
			}

			ctx := m.fdContext(fd)
			if ctx == nil {
				continue
			}

			ctx.mu.Lock()
			if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				// Error and hangup wake whichever interests are registered,
				// so waiters can observe the condition via their syscall.
				ev.Events |= (unix.EPOLLIN | unix.EPOLLOUT) & uint32(ctx.events)
			}
			var real EventType
			if ev.Events&unix.EPOLLIN != 0 {
				real |= EventRead
			}
			if ev.Events&unix.EPOLLOUT != 0 {
				real |= EventWrite
			}

			if ctx.events&real == EventNone {
				// Handler already fired concurrently (cancel path won).
				ctx.mu.Unlock()
				continue
			}

			left := ctx.events &^ real
			if !m.epollUpdate(fd, left) {
				ctx.mu.Unlock()
				continue
			}

			if real&EventRead != 0 {
				ctx.triggerEvent(EventRead)
				m.pendingEventCount.Add(-1)
			}
			if real&EventWrite != 0 {
				ctx.triggerEvent(EventWrite)
				m.pendingEventCount.Add(-1)
			}
			ctx.mu.Unlock()
		}

		YieldToHold()
	}
}

// Stop cancels every outstanding event registration (waking the waiters),
// then performs the base scheduler stop and releases the reactor's
// descriptors. Outstanding timers must have fired or been cancelled for
// Stop to complete.
func (m *IOManager) Stop() {
	m.autoStop.Store(true)

	m.fdMu.RLock()
	var pending []int
	for _, ctx := range m.fdContexts {
		if ctx != nil && ctx.events != EventNone {
			pending = append(pending, ctx.fd)
		}
	}
	m.fdMu.RUnlock()
	for _, fd := range pending {
		m.CancelAll(fd)
	}

	m.Scheduler.Stop()
	m.closeFDs()
}

func (m *IOManager) closeFDs() {
	m.closeOnce.Do(func() {
		_ = unix.Close(m.epfd)
		_ = unix.Close(m.wakeFd)
		if m.wakeWriteFd != m.wakeFd {
			_ = unix.Close(m.wakeWriteFd)
		}
	})
}
