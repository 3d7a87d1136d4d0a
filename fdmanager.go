//go:build linux

package fibersched

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// FdCtx carries the per-descriptor metadata consulted by the hooked I/O
// wrappers: whether the fd is a socket, who asked for non-blocking mode, and
// the read/write timeouts. Sockets are switched to non-blocking at the
// system level on first sight; the user-visible blocking semantics are
// provided by fiber suspension instead.
type FdCtx struct {
	mu sync.RWMutex

	fd           int
	isSocket     bool
	sysNonblock  bool
	userNonblock bool
	closed       bool

	recvTimeout time.Duration // 0 means no timeout
	sendTimeout time.Duration
}

func newFdCtx(fd int) *FdCtx {
	ctx := &FdCtx{fd: fd}
	ctx.init()
	return ctx
}

func (c *FdCtx) init() {
	var st unix.Stat_t
	if err := unix.Fstat(c.fd, &st); err == nil {
		c.isSocket = st.Mode&unix.S_IFMT == unix.S_IFSOCK
	}
	if c.isSocket {
		if flags, err := unix.FcntlInt(uintptr(c.fd), unix.F_GETFL, 0); err == nil {
			if flags&unix.O_NONBLOCK == 0 {
				_, _ = unix.FcntlInt(uintptr(c.fd), unix.F_SETFL, flags|unix.O_NONBLOCK)
			}
		}
		c.sysNonblock = true
	}
}

// FD returns the descriptor number.
func (c *FdCtx) FD() int { return c.fd }

// IsSocket reports whether the descriptor is a socket. Only sockets take
// the fiber-suspending path in the hooked wrappers.
func (c *FdCtx) IsSocket() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isSocket
}

// Closed reports whether Close has been recorded for the descriptor.
func (c *FdCtx) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// SysNonblock reports whether the descriptor was switched to non-blocking
// at the system level.
func (c *FdCtx) SysNonblock() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sysNonblock
}

// SetUserNonblock records that the application explicitly asked for
// non-blocking semantics; the hooked wrappers then pass syscall results
// through without suspending.
func (c *FdCtx) SetUserNonblock(v bool) {
	c.mu.Lock()
	c.userNonblock = v
	c.mu.Unlock()
}

// UserNonblock reports the application-requested non-blocking flag.
func (c *FdCtx) UserNonblock() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userNonblock
}

// SetRecvTimeout bounds how long a hooked read-side operation may wait for
// readiness. Zero disables the timeout.
func (c *FdCtx) SetRecvTimeout(d time.Duration) {
	c.mu.Lock()
	c.recvTimeout = d
	c.mu.Unlock()
}

// RecvTimeout returns the read-side timeout.
func (c *FdCtx) RecvTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.recvTimeout
}

// SetSendTimeout bounds how long a hooked write-side operation may wait for
// readiness. Zero disables the timeout.
func (c *FdCtx) SetSendTimeout(d time.Duration) {
	c.mu.Lock()
	c.sendTimeout = d
	c.mu.Unlock()
}

// SendTimeout returns the write-side timeout.
func (c *FdCtx) SendTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sendTimeout
}

func (c *FdCtx) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// FdManager tracks FdCtx entries indexed by descriptor number, growing the
// table geometrically on demand. Entries persist until Del.
type FdManager struct {
	mu  sync.RWMutex
	fds []*FdCtx
}

// NewFdManager creates an empty manager with a small initial table.
func NewFdManager() *FdManager {
	return &FdManager{fds: make([]*FdCtx, 64)}
}

// Get returns the context for fd, or nil when none has been created.
func (m *FdManager) Get(fd int) *FdCtx {
	if fd < 0 {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if fd >= len(m.fds) {
		return nil
	}
	return m.fds[fd]
}

// GetOrCreate returns the context for fd, creating and initializing it
// first if needed.
func (m *FdManager) GetOrCreate(fd int) *FdCtx {
	if fd < 0 {
		return nil
	}
	if ctx := m.Get(fd); ctx != nil {
		return ctx
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if fd >= len(m.fds) {
		grown := make([]*FdCtx, fd+fd/2+1)
		copy(grown, m.fds)
		m.fds = grown
	}
	if m.fds[fd] == nil {
		m.fds[fd] = newFdCtx(fd)
	}
	return m.fds[fd]
}

// Del drops the context for fd. Descriptor numbers are reused by the
// kernel, so a close must drop the stale metadata.
func (m *FdManager) Del(fd int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fd < 0 || fd >= len(m.fds) {
		return
	}
	m.fds[fd] = nil
}

var defaultFdManager = NewFdManager()

// GetFdManager returns the process-wide descriptor metadata manager used by
// the hooked I/O wrappers.
func GetFdManager() *FdManager { return defaultFdManager }
