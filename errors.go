package fibersched

import "errors"

// Standard errors.
var (
	// ErrEventAlreadyRegistered is returned by AddEvent when the (fd, event)
	// pair already has a handler. Each event may be waited on by exactly one
	// fiber or callback at a time.
	ErrEventAlreadyRegistered = errors.New("fibersched: event already registered for fd")

	// ErrFDOutOfRange is returned by AddEvent when a file descriptor is
	// negative. Larger descriptors grow the fd table instead.
	ErrFDOutOfRange = errors.New("fibersched: fd out of range")

	// ErrStopped is returned by the hooked I/O wrappers when a waiting fiber
	// is resumed because the manager is shutting down.
	ErrStopped = errors.New("fibersched: manager has been stopped")

	// ErrTimedOut is returned by the hooked I/O wrappers when the companion
	// timer cancels the wait before the descriptor becomes ready.
	ErrTimedOut = errors.New("fibersched: i/o timeout")
)
