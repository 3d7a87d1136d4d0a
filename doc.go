// Package fibersched provides a stackful-coroutine M:N scheduler fused with
// an epoll-driven I/O reactor and a timer manager.
//
// # Architecture
//
// Four components compose bottom-up:
//
//   - [Fiber]: a cooperatively scheduled coroutine backed by a dedicated
//     goroutine, with an explicit lifecycle state machine and symmetric
//     switch primitives ([Fiber.SwapIn], [Fiber.SwapOut], [YieldToHold],
//     [YieldToReady]).
//   - [Scheduler]: multiplexes fibers and callbacks over a fixed pool of
//     worker threads, optionally including the constructing thread
//     (use-caller mode). Tasks may be pinned to a worker slot.
//   - [IOManager]: extends the scheduler with an epoll readiness reactor.
//     Workers park in epoll_wait instead of spinning; readiness resumes the
//     registered fiber or runs the registered callback via the ready queue.
//   - Timer manager: an ordered timer set mixed into [IOManager]. The
//     earliest deadline bounds each epoll_wait, and expired callbacks are
//     bulk-scheduled before readiness processing.
//
// On top of the reactor, hooked blocking wrappers ([IOManager.Read],
// [IOManager.Write], [IOManager.Accept], [IOManager.Connect],
// [IOManager.Sleep]) give socket code blocking semantics that suspend only
// the calling fiber, consulting per-descriptor metadata from [FdManager]
// for non-blocking flags and timeouts.
//
// # Platform Support
//
// The reactor assumes a Linux-style readiness API and is built for linux
// only (epoll + eventfd). The fiber and scheduler layers are portable.
//
// # Thread Safety
//
// Schedule, AddEvent, CancelEvent and the timer operations are safe to call
// from any goroutine. Within a worker, dispatch is cooperative: exactly one
// fiber executes at a time, and control transfers only at explicit yields
// or hooked blocking operations. Fibers running on different workers run in
// parallel; shared state between them requires synchronization as usual.
//
// # Usage
//
//	iom, err := fibersched.NewIOManager(4, false, "io")
//	if err != nil {
//		log.Fatal(err)
//	}
//	iom.Schedule(func() {
//		iom.Sleep(50 * time.Millisecond)
//		// ... hooked socket I/O ...
//	}, fibersched.AnyThread)
//	iom.Stop()
package fibersched
