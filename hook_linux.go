//go:build linux

package fibersched

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Hooked blocking operations. Each wrapper gives the caller the semantics
// of a blocking syscall while suspending only the calling fiber: the
// descriptor is tried non-blocking, and on EAGAIN the fiber registers
// readiness interest (plus a companion timer when the FdCtx carries a
// timeout), yields, and retries once resumed. The worker thread stays free
// to dispatch other fibers throughout.
//
// Only sockets take the suspending path; other descriptors, and sockets the
// application explicitly set non-blocking, pass straight through to the
// kernel.

// Sleep suspends the calling fiber for at least d without blocking its
// worker. Outside a fiber it degrades to time.Sleep.
func (m *IOManager) Sleep(d time.Duration) {
	f := Current()
	if f.main {
		time.Sleep(d)
		return
	}
	m.AddTimer(d, func() {
		m.ScheduleFiber(f, AnyThread)
	}, false)
	YieldToHold()
}

// doIO runs fn until it stops reporting EAGAIN, suspending the calling
// fiber on readiness interest between attempts. A positive timeout installs
// a condition timer that cancels the wait; the condition keeps a spent
// timer from cancelling a later registration on the same (fd, event).
func (m *IOManager) doIO(fd int, event EventType, timeout time.Duration, fn func() (int, error)) (int, error) {
	for {
		n, err := fn()
		for err == unix.EINTR {
			n, err = fn()
		}
		if err != unix.EAGAIN {
			return n, err
		}

		var waiting, expired atomic.Bool
		waiting.Store(true)

		var t *Timer
		if timeout > 0 {
			t = m.AddConditionTimer(timeout, func() {
				expired.Store(true)
				m.CancelEvent(fd, event)
			}, waiting.Load, false)
		}

		if err := m.AddEvent(fd, event, nil); err != nil {
			if t != nil {
				t.Cancel()
			}
			return 0, err
		}

		YieldToHold()
		waiting.Store(false)
		if t != nil {
			t.Cancel()
		}
		if expired.Load() {
			return 0, ErrTimedOut
		}
		if m.autoStop.Load() {
			return 0, ErrStopped
		}
	}
}

// Read reads from fd, suspending the calling fiber until the descriptor is
// readable. The FdCtx recv timeout bounds the wait.
func (m *IOManager) Read(fd int, p []byte) (int, error) {
	ctx := GetFdManager().GetOrCreate(fd)
	if ctx == nil || ctx.Closed() {
		return 0, unix.EBADF
	}
	if !ctx.IsSocket() || ctx.UserNonblock() {
		return unix.Read(fd, p)
	}
	return m.doIO(fd, EventRead, ctx.RecvTimeout(), func() (int, error) {
		return unix.Read(fd, p)
	})
}

// Write writes to fd, suspending the calling fiber until the descriptor is
// writable. The FdCtx send timeout bounds the wait.
func (m *IOManager) Write(fd int, p []byte) (int, error) {
	ctx := GetFdManager().GetOrCreate(fd)
	if ctx == nil || ctx.Closed() {
		return 0, unix.EBADF
	}
	if !ctx.IsSocket() || ctx.UserNonblock() {
		return unix.Write(fd, p)
	}
	return m.doIO(fd, EventWrite, ctx.SendTimeout(), func() (int, error) {
		return unix.Write(fd, p)
	})
}

// Accept accepts a connection on the listening socket fd, suspending the
// calling fiber until one is pending. The accepted socket is registered
// with the fd manager (and thereby switched to system non-blocking mode).
func (m *IOManager) Accept(fd int) (int, unix.Sockaddr, error) {
	ctx := GetFdManager().GetOrCreate(fd)
	if ctx == nil || ctx.Closed() {
		return -1, nil, unix.EBADF
	}

	var sa unix.Sockaddr
	doAccept := func() (int, error) {
		nfd, a, err := unix.Accept4(fd, unix.SOCK_CLOEXEC)
		if err == nil {
			sa = a
		}
		return nfd, err
	}

	var nfd int
	var err error
	if !ctx.IsSocket() || ctx.UserNonblock() {
		nfd, err = doAccept()
	} else {
		nfd, err = m.doIO(fd, EventRead, ctx.RecvTimeout(), doAccept)
	}
	if err != nil {
		return -1, nil, err
	}
	GetFdManager().GetOrCreate(nfd)
	return nfd, sa, nil
}

// Connect connects fd to sa, suspending the calling fiber while the
// connection is in progress. A positive timeout bounds the wait; the
// connection result is recovered via SO_ERROR.
func (m *IOManager) Connect(fd int, sa unix.Sockaddr, timeout time.Duration) error {
	ctx := GetFdManager().GetOrCreate(fd)
	if ctx == nil || ctx.Closed() {
		return unix.EBADF
	}
	if !ctx.IsSocket() || ctx.UserNonblock() {
		return unix.Connect(fd, sa)
	}

	err := unix.Connect(fd, sa)
	for err == unix.EINTR {
		err = unix.Connect(fd, sa)
	}
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS {
		return err
	}

	var waiting, expired atomic.Bool
	waiting.Store(true)

	var t *Timer
	if timeout > 0 {
		t = m.AddConditionTimer(timeout, func() {
			expired.Store(true)
			m.CancelEvent(fd, EventWrite)
		}, waiting.Load, false)
	}

	if err := m.AddEvent(fd, EventWrite, nil); err != nil {
		if t != nil {
			t.Cancel()
		}
		return err
	}

	YieldToHold()
	waiting.Store(false)
	if t != nil {
		t.Cancel()
	}
	if expired.Load() {
		return ErrTimedOut
	}

	soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soerr != 0 {
		return unix.Errno(soerr)
	}
	return nil
}

// Close cancels any outstanding event registrations on fd (waking their
// waiters), drops the descriptor's metadata, and closes it.
func (m *IOManager) Close(fd int) error {
	if fd < 0 {
		return unix.EBADF
	}
	m.CancelAll(fd)
	if ctx := GetFdManager().Get(fd); ctx != nil {
		ctx.markClosed()
	}
	GetFdManager().Del(fd)
	return unix.Close(fd)
}
