package fibersched

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/logiface"
)

// AnyThread schedules a task on whichever worker dequeues it first.
const AnyThread = -1

// scheduledTask is a ready-queue entry: a fiber or a callback, optionally
// pinned to a worker slot.
type scheduledTask struct {
	fiber  *Fiber
	cb     func()
	thread int
}

// Scheduler multiplexes fibers and callbacks over a fixed pool of worker
// threads (goroutines pinned to OS threads), optionally including the
// thread that constructed it.
//
// The ready queue is unordered: only "inserted before dispatched" is
// guaranteed, and tasks pinned to a worker slot are guaranteed to execute on
// that slot. Dispatch is cooperative; a running fiber keeps its worker until
// it yields or terminates.
type Scheduler struct {
	name string
	log  *logiface.Logger[logiface.Event]

	mu    sync.RWMutex
	queue []scheduledTask

	threadCount int    // pool workers, excluding the caller slot
	rootThread  int    // caller slot id, or AnyThread when not used
	rootFiber   *Fiber // caller-hosted scheduling fiber
	callerGID   uint64

	started  bool
	wg       sync.WaitGroup
	stopping atomic.Bool
	autoStop atomic.Bool

	activeCount atomic.Int64
	idleCount   atomic.Int64

	defaultStackSize int

	// Overridable behavior; the I/O manager replaces these with its
	// reactor-aware variants at construction.
	tickleFn   func()
	idleFn     func()
	stoppingFn func() bool

	// Set when the scheduler is the base of an IOManager; the reactor is a
	// platform-gated type, so the back-reference is held untyped here.
	owner any
}

// NewScheduler creates a scheduler with the given total number of worker
// slots. If useCaller is true the calling thread contributes one slot (id 0)
// that runs the dispatch loop during Stop; pool workers then occupy slots
// 1..threads-1. threads must be >= 1.
//
// The scheduler is created stopped; call Start to spawn the pool workers.
func NewScheduler(threads int, useCaller bool, name string, opts ...Option) *Scheduler {
	if threads <= 0 {
		panic("fibersched: scheduler requires at least one thread")
	}
	cfg := resolveOptions(opts)
	s := &Scheduler{
		name:             name,
		log:              cfg.logger,
		rootThread:       AnyThread,
		defaultStackSize: cfg.defaultStackSize,
	}
	s.stopping.Store(true)
	s.tickleFn = s.baseTickle
	s.idleFn = s.baseIdle
	s.stoppingFn = s.baseStopping

	if useCaller {
		threads--
		gid := getGoroutineID()
		if cur, _, ok := currentWorker(gid); ok && cur != nil {
			panic("fibersched: calling thread already owned by a scheduler")
		}
		Current() // materialize the caller's main fiber
		s.rootThread = 0
		s.callerGID = gid
		s.rootFiber = NewFiber(func() { s.run(0) }, cfg.defaultStackSize, true)
		setWorker(gid, s, 0)
	}
	s.threadCount = threads
	return s
}

// Name returns the scheduler's name.
func (s *Scheduler) Name() string { return s.name }

// GetScheduler returns the scheduler owning the calling context: the
// dispatching scheduler inside a fiber body, or the registered scheduler on
// a worker or caller thread. Returns nil elsewhere.
func GetScheduler() *Scheduler {
	gid := getGoroutineID()
	if f := currentFiber(gid); f != nil && f.sched != nil {
		return f.sched
	}
	if s, _, ok := currentWorker(gid); ok {
		return s
	}
	return nil
}

// GetThreadID returns the worker slot id the calling context runs on, or
// AnyThread outside a scheduler.
func GetThreadID() int {
	gid := getGoroutineID()
	if f := currentFiber(gid); f != nil && f.sched != nil {
		return f.worker
	}
	if _, id, ok := currentWorker(gid); ok {
		return id
	}
	return AnyThread
}

// Start spawns the pool worker threads. It is a no-op if the scheduler is
// already started.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.stopping.Store(false)
	base := 0
	if s.rootFiber != nil {
		base = 1
	}
	for i := 0; i < s.threadCount; i++ {
		s.wg.Add(1)
		go s.worker(base + i)
	}
	s.mu.Unlock()
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	gid := getGoroutineID()
	setWorker(gid, s, id)
	defer setWorker(gid, nil, 0)
	s.run(id)
}

// Schedule enqueues a callback, optionally pinned to a worker slot
// (AnyThread for unrestricted). If the queue was empty a tickle wakes an
// idle worker. Returns immediately.
func (s *Scheduler) Schedule(cb func(), thread int) {
	if cb == nil {
		return
	}
	s.mu.Lock()
	needTickle := len(s.queue) == 0
	s.queue = append(s.queue, scheduledTask{cb: cb, thread: thread})
	s.mu.Unlock()
	if needTickle {
		s.tickleFn()
	}
}

// ScheduleFiber enqueues a fiber for dispatch, optionally pinned to a worker
// slot. The fiber must not be terminal.
func (s *Scheduler) ScheduleFiber(f *Fiber, thread int) {
	if f == nil {
		return
	}
	s.mu.Lock()
	needTickle := len(s.queue) == 0
	s.queue = append(s.queue, scheduledTask{fiber: f, thread: thread})
	s.mu.Unlock()
	if needTickle {
		s.tickleFn()
	}
}

// ScheduleBatch enqueues a batch of callbacks with at most one tickle.
func (s *Scheduler) ScheduleBatch(cbs []func()) {
	if len(cbs) == 0 {
		return
	}
	s.mu.Lock()
	needTickle := len(s.queue) == 0
	for _, cb := range cbs {
		if cb != nil {
			s.queue = append(s.queue, scheduledTask{cb: cb, thread: AnyThread})
		}
	}
	s.mu.Unlock()
	if needTickle {
		s.tickleFn()
	}
}

// SwitchTo re-schedules the current fiber pinned to the given worker slot of
// this scheduler and yields. When the fiber next runs it is hosted by that
// slot (or any slot, for AnyThread). No-op when already there.
func (s *Scheduler) SwitchTo(thread int) {
	cur := Current()
	if cur.main {
		panic("fibersched: SwitchTo outside a fiber")
	}
	if GetScheduler() == s {
		if thread == AnyThread || thread == GetThreadID() {
			return
		}
	}
	s.ScheduleFiber(cur, thread)
	YieldToHold()
}

// Stop requests shutdown, wakes every worker, and blocks until all workers
// have drained the queue and exited. For a use-caller scheduler, Stop must
// be called on the constructing thread; the caller's slot runs its
// scheduling fiber to completion before Stop returns.
func (s *Scheduler) Stop() {
	s.autoStop.Store(true)

	if s.rootFiber != nil && s.threadCount == 0 &&
		(s.rootFiber.State() == StateTerm || s.rootFiber.State() == StateInit) {
		s.log.Debug().Str("scheduler", s.name).Log("stopped")
		s.stopping.Store(true)
		if s.stoppingFn() {
			return
		}
	}

	if s.rootThread != AnyThread {
		if GetScheduler() != s {
			panic("fibersched: Stop of a use-caller scheduler must run on the constructing thread")
		}
	} else if GetScheduler() == s {
		panic("fibersched: Stop must not run on a worker of the scheduler")
	}

	s.stopping.Store(true)
	for i := 0; i < s.threadCount; i++ {
		s.tickleFn()
	}
	if s.rootFiber != nil {
		s.tickleFn()
		if !s.stoppingFn() {
			s.rootFiber.Call()
		}
	}

	s.wg.Wait()

	if s.callerGID != 0 {
		setWorker(s.callerGID, nil, 0)
		s.callerGID = 0
	}
}

// run is the dispatch loop executed by each worker slot.
func (s *Scheduler) run(worker int) {
	s.log.Debug().Str("scheduler", s.name).Int("worker", worker).Log("run")

	idleFiber := NewFiber(s.idleFn, s.defaultStackSize, false)
	var cbFiber *Fiber

	for {
		var task scheduledTask
		tickleMe := false
		isActive := false

		s.mu.Lock()
		for i := 0; i < len(s.queue); i++ {
			t := s.queue[i]
			if t.thread != AnyThread && t.thread != worker {
				// Pinned elsewhere; some other worker must take it.
				tickleMe = true
				continue
			}
			if t.fiber != nil && t.fiber.State() == StateExec {
				continue
			}
			task = t
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.activeCount.Add(1)
			isActive = true
			break
		}
		tickleMe = tickleMe || len(s.queue) > 0
		s.mu.Unlock()

		if tickleMe {
			s.tickleFn()
		}

		switch {
		case task.fiber != nil && task.fiber.State() != StateTerm && task.fiber.State() != StateExcept:
			task.fiber.swapIn(s, worker)
			s.activeCount.Add(-1)

			switch task.fiber.State() {
			case StateReady:
				s.ScheduleFiber(task.fiber, AnyThread)
			case StateTerm, StateExcept:
			default:
				// Already parked by its yield; a CAS avoids stomping a
				// concurrent re-dispatch on another worker.
				task.fiber.state.CompareAndSwap(int32(StateExec), int32(StateHold))
			}

		case task.cb != nil:
			if cbFiber != nil {
				cbFiber.Reset(task.cb)
			} else {
				cbFiber = NewFiber(task.cb, s.defaultStackSize, false)
			}
			cbFiber.swapIn(s, worker)
			s.activeCount.Add(-1)

			switch cbFiber.State() {
			case StateReady:
				s.ScheduleFiber(cbFiber, AnyThread)
				cbFiber = nil
			case StateTerm, StateExcept:
				// Keep for reuse; Reset rebinds it to the next callback.
			default:
				cbFiber.state.CompareAndSwap(int32(StateExec), int32(StateHold))
				cbFiber = nil
			}

		default:
			if isActive {
				s.activeCount.Add(-1)
				continue
			}
			if idleFiber.State() == StateTerm {
				s.log.Debug().Str("scheduler", s.name).Int("worker", worker).Log("idle fiber term")
				return
			}
			s.idleCount.Add(1)
			idleFiber.swapIn(s, worker)
			s.idleCount.Add(-1)
			if st := idleFiber.State(); st != StateTerm && st != StateExcept {
				idleFiber.setState(StateHold)
			}
		}
	}
}

// hasIdleThreads reports whether any worker is parked in its idle fiber.
func (s *Scheduler) hasIdleThreads() bool { return s.idleCount.Load() > 0 }

// baseTickle is the no-reactor wakeup: there is nothing to unblock, workers
// re-check the queue on their next idle yield.
func (s *Scheduler) baseTickle() {
	s.log.Debug().Str("scheduler", s.name).Log("tickle")
}

// baseStopping reports whether the dispatch loops may exit: shutdown
// requested, queue drained, and no task mid-flight.
func (s *Scheduler) baseStopping() bool {
	if !s.autoStop.Load() || !s.stopping.Load() {
		return false
	}
	s.mu.RLock()
	empty := len(s.queue) == 0
	s.mu.RUnlock()
	return empty && s.activeCount.Load() == 0
}

// baseIdle parks a worker with no reactor: yield back to the dispatch loop
// until shutdown. Gosched keeps the spin polite while the queue is empty.
func (s *Scheduler) baseIdle() {
	s.log.Debug().Str("scheduler", s.name).Log("idle")
	for !s.stoppingFn() {
		runtime.Gosched()
		YieldToHold()
	}
}

// String summarizes the scheduler for diagnostics.
func (s *Scheduler) String() string {
	return fmt.Sprintf("[Scheduler name=%s size=%d active=%d idle=%d stopping=%v]",
		s.name, s.threadCount, s.activeCount.Load(), s.idleCount.Load(), s.stopping.Load())
}
