//go:build linux

package fibersched

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func makeSocketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	return fds[0], fds[1]
}

func TestHookSleep(t *testing.T) {
	m := newTestIOManager(t, 1)

	start := time.Now()
	var elapsed atomic.Int64
	m.Schedule(func() {
		m.Sleep(50 * time.Millisecond)
		elapsed.Store(int64(time.Since(start)))
	}, AnyThread)

	waitFor(t, 2*time.Second, func() bool { return elapsed.Load() != 0 })
	m.Stop()

	if got := time.Duration(elapsed.Load()); got < 45*time.Millisecond {
		t.Fatalf("Sleep returned after %v, want >= ~50ms", got)
	}
}

// Sleeping fibers must not occupy their worker: many concurrent sleeps on
// one worker finish in roughly one sleep interval.
func TestHookSleepDoesNotBlockWorker(t *testing.T) {
	m := newTestIOManager(t, 1)

	const n = 10
	start := time.Now()
	var done atomic.Int32
	for i := 0; i < n; i++ {
		m.Schedule(func() {
			m.Sleep(50 * time.Millisecond)
			done.Add(1)
		}, AnyThread)
	}

	waitFor(t, 2*time.Second, func() bool { return done.Load() == n })
	elapsed := time.Since(start)
	m.Stop()

	if elapsed > 500*time.Millisecond {
		t.Fatalf("%d concurrent sleeps took %v on one worker", n, elapsed)
	}
}

func TestHookReadSuspendsUntilData(t *testing.T) {
	m := newTestIOManager(t, 2)
	a, b := makeSocketpair(t)
	defer m.Close(a)
	defer m.Close(b)

	var got atomic.Pointer[string]
	m.Schedule(func() {
		buf := make([]byte, 16)
		n, err := m.Read(a, buf)
		if err != nil {
			t.Errorf("Read: %v", err)
			return
		}
		s := string(buf[:n])
		got.Store(&s)
	}, AnyThread)

	time.Sleep(50 * time.Millisecond)
	if _, err := unix.Write(b, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return got.Load() != nil })
	m.Stop()

	if *got.Load() != "ping" {
		t.Fatalf("read %q, want %q", *got.Load(), "ping")
	}
}

func TestHookReadTimeout(t *testing.T) {
	m := newTestIOManager(t, 1)
	a, b := makeSocketpair(t)
	defer m.Close(a)
	defer m.Close(b)

	GetFdManager().GetOrCreate(a).SetRecvTimeout(50 * time.Millisecond)

	start := time.Now()
	var readErr atomic.Pointer[error]
	m.Schedule(func() {
		buf := make([]byte, 16)
		_, err := m.Read(a, buf)
		readErr.Store(&err)
	}, AnyThread)

	waitFor(t, 2*time.Second, func() bool { return readErr.Load() != nil })
	elapsed := time.Since(start)
	m.Stop()

	if err := *readErr.Load(); !errors.Is(err, ErrTimedOut) {
		t.Fatalf("Read error = %v, want ErrTimedOut", err)
	}
	if elapsed < 45*time.Millisecond || elapsed > time.Second {
		t.Fatalf("timeout observed after %v, want ~50ms", elapsed)
	}
	if got := m.PendingEvents(); got != 0 {
		t.Fatalf("PendingEvents after timeout = %d, want 0", got)
	}
}

func TestHookEchoRoundTrip(t *testing.T) {
	m := newTestIOManager(t, 2)
	a, b := makeSocketpair(t)
	defer m.Close(a)
	defer m.Close(b)

	// Echo side.
	m.Schedule(func() {
		buf := make([]byte, 64)
		n, err := m.Read(a, buf)
		if err != nil {
			t.Errorf("echo read: %v", err)
			return
		}
		if _, err := m.Write(a, buf[:n]); err != nil {
			t.Errorf("echo write: %v", err)
		}
	}, AnyThread)

	var reply atomic.Pointer[string]
	m.Schedule(func() {
		m.Sleep(20 * time.Millisecond)
		if _, err := m.Write(b, []byte("hello")); err != nil {
			t.Errorf("client write: %v", err)
			return
		}
		buf := make([]byte, 64)
		n, err := m.Read(b, buf)
		if err != nil {
			t.Errorf("client read: %v", err)
			return
		}
		s := string(buf[:n])
		reply.Store(&s)
	}, AnyThread)

	waitFor(t, 2*time.Second, func() bool { return reply.Load() != nil })
	m.Stop()

	if *reply.Load() != "hello" {
		t.Fatalf("echo reply = %q, want %q", *reply.Load(), "hello")
	}
}

func TestHookAcceptConnect(t *testing.T) {
	m := newTestIOManager(t, 2)

	lfd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	defer m.Close(lfd)
	if err := unix.Bind(lfd, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := unix.Listen(lfd, 8); err != nil {
		t.Fatalf("listen: %v", err)
	}
	sa, err := unix.Getsockname(lfd)
	if err != nil {
		t.Fatalf("getsockname: %v", err)
	}
	addr := sa.(*unix.SockaddrInet4)

	var served atomic.Bool
	m.Schedule(func() {
		cfd, _, err := m.Accept(lfd)
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		defer m.Close(cfd)
		if _, err := m.Write(cfd, []byte("ok")); err != nil {
			t.Errorf("server write: %v", err)
			return
		}
		served.Store(true)
	}, AnyThread)

	var reply atomic.Pointer[string]
	m.Schedule(func() {
		m.Sleep(20 * time.Millisecond)
		cfd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			t.Errorf("client socket: %v", err)
			return
		}
		defer m.Close(cfd)
		if err := m.Connect(cfd, addr, time.Second); err != nil {
			t.Errorf("Connect: %v", err)
			return
		}
		buf := make([]byte, 8)
		n, err := m.Read(cfd, buf)
		if err != nil {
			t.Errorf("client read: %v", err)
			return
		}
		s := string(buf[:n])
		reply.Store(&s)
	}, AnyThread)

	waitFor(t, 3*time.Second, func() bool { return reply.Load() != nil && served.Load() })
	m.Stop()

	if *reply.Load() != "ok" {
		t.Fatalf("reply = %q, want %q", *reply.Load(), "ok")
	}
}

// Non-socket descriptors bypass the suspending path entirely.
func TestHookNonSocketPassthrough(t *testing.T) {
	m := newTestIOManager(t, 1)
	r, w := makePipe(t)
	defer unix.Close(r)
	defer unix.Close(w)

	if _, err := unix.Write(w, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	var n atomic.Int32
	var done atomic.Bool
	m.Schedule(func() {
		buf := make([]byte, 4)
		rn, err := m.Read(r, buf)
		if err != nil {
			t.Errorf("Read: %v", err)
		}
		n.Store(int32(rn))
		done.Store(true)
	}, AnyThread)

	waitFor(t, time.Second, done.Load)
	m.Stop()

	if n.Load() != 1 {
		t.Fatalf("read %d bytes, want 1", n.Load())
	}
}
