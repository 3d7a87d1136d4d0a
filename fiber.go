package fibersched

import (
	"fmt"
	"log"
	"sync/atomic"
)

// DefaultStackSize is the stack size hint recorded for fibers created with
// stackSize == 0. Fibers are backed by goroutines, whose stacks are grown by
// the runtime on demand; the hint is kept for introspection and parity with
// configurations that size coroutine stacks explicitly.
const DefaultStackSize = 128 * 1024

// FiberState is the lifecycle state of a Fiber.
type FiberState int32

const (
	// StateInit is the state of a freshly created or reset fiber.
	StateInit FiberState = iota
	// StateHold is a suspended fiber waiting to be resumed by its holder.
	StateHold
	// StateExec is a fiber currently executing on some worker.
	StateExec
	// StateTerm is a fiber whose entry returned normally. Terminal.
	StateTerm
	// StateReady is a suspended fiber that asked to be re-queued.
	StateReady
	// StateExcept is a fiber whose entry panicked. Terminal.
	StateExcept
)

// String returns a human-readable representation of the state.
func (s FiberState) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateHold:
		return "Hold"
	case StateExec:
		return "Exec"
	case StateTerm:
		return "Term"
	case StateReady:
		return "Ready"
	case StateExcept:
		return "Except"
	default:
		return fmt.Sprintf("Unknown(%d)", int32(s))
	}
}

var (
	fiberIDCounter atomic.Uint64
	fiberCount     atomic.Int64
)

// Fiber is a stackful coroutine: an independently suspendable execution
// context with explicit symmetric switch primitives. Each fiber is backed by
// a dedicated goroutine, spawned lazily on first SwapIn; SwapIn/SwapOut are
// a synchronous handoff, so exactly one side of a swap pair runs at any
// instant.
//
// A fiber is resumed by exactly one holder at a time. The scheduler
// guarantees this for queued fibers; explicit users must not SwapIn the same
// fiber concurrently from two goroutines.
type Fiber struct {
	id        uint64
	stackSize int
	entry     func()
	useCaller bool

	state atomic.Int32

	// resume unparks the fiber goroutine; yield returns control to the
	// holder blocked in swapIn. Recreated on Reset so a stale pairing can
	// never leak across executions.
	resume  chan struct{}
	yield   chan struct{}
	started bool

	// Stamped by the dispatching worker immediately before each resume, so
	// code inside the fiber body can recover its scheduler and worker slot.
	sched  *Scheduler
	worker int

	main bool // the implicit fiber of a plain goroutine
}

// NewFiber creates a fiber that will run entry when first swapped in.
// stackSize == 0 selects DefaultStackSize. useCaller marks the fiber as
// swapping against the calling thread's main fiber rather than a worker's
// scheduling fiber; with goroutine-backed contexts both swap pairs share the
// same handoff mechanics, so the flag only affects bookkeeping.
//
// The initial state is StateInit.
func NewFiber(entry func(), stackSize int, useCaller bool) *Fiber {
	if entry == nil {
		panic("fibersched: NewFiber requires a non-nil entry")
	}
	if stackSize <= 0 {
		stackSize = DefaultStackSize
	}
	f := &Fiber{
		id:        fiberIDCounter.Add(1),
		stackSize: stackSize,
		entry:     entry,
		useCaller: useCaller,
		resume:    make(chan struct{}),
		yield:     make(chan struct{}),
		worker:    AnyThread,
	}
	f.state.Store(int32(StateInit))
	fiberCount.Add(1)
	return f
}

// newMainFiber creates the implicit fiber representing a plain goroutine.
// It has no entry and no stack of its own; it exists so Current always has
// a referent and as the conceptual counterpart of use-caller swaps.
func newMainFiber() *Fiber {
	f := &Fiber{
		id:     fiberIDCounter.Add(1),
		main:   true,
		worker: AnyThread,
	}
	f.state.Store(int32(StateExec))
	fiberCount.Add(1)
	return f
}

// ID returns the fiber's process-unique id.
func (f *Fiber) ID() uint64 { return f.id }

// StackSize returns the stack size hint the fiber was created with.
func (f *Fiber) StackSize() int { return f.stackSize }

// State returns the fiber's current lifecycle state.
func (f *Fiber) State() FiberState { return FiberState(f.state.Load()) }

func (f *Fiber) setState(s FiberState) { f.state.Store(int32(s)) }

// Reset rebinds the fiber to a new entry and returns it to StateInit,
// reusing the fiber's identity. The fiber must not be running: permitted
// states are StateInit, StateTerm and StateExcept.
func (f *Fiber) Reset(entry func()) {
	if f.main {
		panic("fibersched: cannot reset a main fiber")
	}
	if entry == nil {
		panic("fibersched: Reset requires a non-nil entry")
	}
	switch f.State() {
	case StateInit, StateTerm, StateExcept:
	default:
		panic(fmt.Sprintf("fibersched: Reset in state %v", f.State()))
	}
	if f.State() != StateInit {
		// Completed fibers left the live count on termination.
		fiberCount.Add(1)
	}
	f.entry = entry
	f.resume = make(chan struct{})
	f.yield = make(chan struct{})
	f.started = false
	f.setState(StateInit)
}

// SwapIn resumes the fiber on the calling goroutine's scheduling context and
// blocks until the fiber yields or terminates. The caller must be a worker
// of a running scheduler; schedulers use this to dispatch queued fibers.
func (f *Fiber) SwapIn() {
	gid := getGoroutineID()
	s, worker, ok := currentWorker(gid)
	if !ok {
		panic("fibersched: SwapIn outside a scheduler worker; use Call")
	}
	f.swapIn(s, worker)
}

// Call resumes the fiber from the calling thread's main fiber rather than a
// worker's scheduling fiber. It blocks until the fiber yields via Back (or
// any other suspension) or terminates. This is the use-caller swap variant;
// a scheduler constructed with useCaller invokes its root scheduling fiber
// this way from Stop.
func (f *Fiber) Call() {
	gid := getGoroutineID()
	s, worker, ok := currentWorker(gid)
	if !ok {
		s, worker = nil, AnyThread
	}
	f.swapIn(s, worker)
}

func (f *Fiber) swapIn(s *Scheduler, worker int) {
	if f.main {
		panic("fibersched: cannot swap in a main fiber")
	}
	switch st := f.State(); st {
	case StateInit, StateReady, StateHold:
	default:
		panic(fmt.Sprintf("fibersched: SwapIn in state %v", st))
	}
	f.sched, f.worker = s, worker
	f.setState(StateExec)
	if !f.started {
		f.started = true
		go f.run()
	}
	f.resume <- struct{}{}
	<-f.yield
}

// SwapOut suspends the fiber and returns control to its current holder. It
// must be called from inside the fiber's body. Unless the caller pre-staged
// StateReady, StateTerm or StateExcept, the state transitions to StateHold.
func (f *Fiber) SwapOut() {
	if currentFiber(getGoroutineID()) != f {
		panic("fibersched: SwapOut from outside the fiber")
	}
	if f.State() == StateExec {
		f.setState(StateHold)
	}
	f.swapOut()
}

// Back is the use-caller variant of SwapOut: it returns control to the main
// fiber that resumed this fiber via Call. With goroutine-backed contexts the
// handoff is identical to SwapOut.
func (f *Fiber) Back() { f.SwapOut() }

// swapOut parks the fiber goroutine until the next resume.
func (f *Fiber) swapOut() {
	f.yield <- struct{}{}
	<-f.resume
}

// run is the trampoline executed on the fiber's backing goroutine. It parks
// until the first resume, invokes the entry, records Term or Except, and
// hands control back to the holder before the goroutine exits.
func (f *Fiber) run() {
	<-f.resume

	gid := getGoroutineID()
	setCurrentFiber(gid, f)

	func() {
		defer func() {
			if r := recover(); r != nil {
				f.setState(StateExcept)
				log.Printf("ERROR: fibersched: fiber %d panicked: %v", f.id, r)
			}
		}()
		f.entry()
	}()

	if f.State() != StateExcept {
		f.setState(StateTerm)
	}
	f.entry = nil
	setCurrentFiber(gid, nil)
	fiberCount.Add(-1)

	f.yield <- struct{}{}
}

// Current returns the fiber executing on the calling goroutine. For a plain
// goroutine with no fiber, an implicit main fiber is created, registered and
// returned, mirroring the per-thread main fiber of the reference design.
func Current() *Fiber {
	gid := getGoroutineID()
	if f := currentFiber(gid); f != nil {
		return f
	}
	f := newMainFiber()
	setCurrentFiber(gid, f)
	return f
}

// CurrentID returns the id of the fiber executing on the calling goroutine,
// or 0 if the goroutine has no fiber and no main fiber has been created.
func CurrentID() uint64 {
	if f := currentFiber(getGoroutineID()); f != nil {
		return f.id
	}
	return 0
}

// YieldToReady suspends the current fiber in StateReady so its scheduler
// re-queues it, then hands control back to the holder.
func YieldToReady() {
	f := currentFiber(getGoroutineID())
	if f == nil || f.main {
		panic("fibersched: YieldToReady outside a fiber")
	}
	f.setState(StateReady)
	f.swapOut()
}

// YieldToHold suspends the current fiber in StateHold. The fiber will not
// run again until something holding a reference schedules or swaps it in.
func YieldToHold() {
	f := currentFiber(getGoroutineID())
	if f == nil || f.main {
		panic("fibersched: YieldToHold outside a fiber")
	}
	f.setState(StateHold)
	f.swapOut()
}

// TotalFibers returns the number of live fibers, counting implicit main
// fibers and excluding fibers that have run to completion.
func TotalFibers() int64 { return fiberCount.Load() }
