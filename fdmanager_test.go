//go:build linux

package fibersched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/sys/unix"
)

func TestFdManagerSocketDetection(t *testing.T) {
	mgr := NewFdManager()

	a, b := makeSocketpair(t)
	defer unix.Close(a)
	defer unix.Close(b)

	ctx := mgr.GetOrCreate(a)
	require.NotNil(t, ctx)
	assert.True(t, ctx.IsSocket())
	assert.True(t, ctx.SysNonblock(), "sockets are switched to system non-blocking mode")

	flags, err := unix.FcntlInt(uintptr(a), unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.NotZero(t, flags&unix.O_NONBLOCK)
}

func TestFdManagerNonSocket(t *testing.T) {
	mgr := NewFdManager()

	r, w := makePipe(t)
	defer unix.Close(r)
	defer unix.Close(w)

	ctx := mgr.GetOrCreate(r)
	require.NotNil(t, ctx)
	assert.False(t, ctx.IsSocket())
	assert.False(t, ctx.SysNonblock())
}

func TestFdManagerTimeouts(t *testing.T) {
	mgr := NewFdManager()

	a, b := makeSocketpair(t)
	defer unix.Close(a)
	defer unix.Close(b)

	ctx := mgr.GetOrCreate(a)
	assert.Zero(t, ctx.RecvTimeout())
	assert.Zero(t, ctx.SendTimeout())

	ctx.SetRecvTimeout(time.Second)
	ctx.SetSendTimeout(2 * time.Second)
	assert.Equal(t, time.Second, ctx.RecvTimeout())
	assert.Equal(t, 2*time.Second, ctx.SendTimeout())

	// The entry is stable across lookups.
	assert.Same(t, ctx, mgr.Get(a))
	assert.Same(t, ctx, mgr.GetOrCreate(a))
}

func TestFdManagerGrowthAndDel(t *testing.T) {
	mgr := NewFdManager()

	r, w := makePipe(t)
	defer unix.Close(r)
	defer unix.Close(w)

	const high = 200
	require.NoError(t, unix.Dup3(r, high, unix.O_CLOEXEC))
	defer unix.Close(high)

	assert.Nil(t, mgr.Get(high))
	ctx := mgr.GetOrCreate(high)
	require.NotNil(t, ctx)
	assert.Equal(t, high, ctx.FD())

	mgr.Del(high)
	assert.Nil(t, mgr.Get(high))

	assert.Nil(t, mgr.Get(-1))
	assert.Nil(t, mgr.GetOrCreate(-1))
}

func TestFdManagerUserNonblock(t *testing.T) {
	mgr := NewFdManager()

	a, b := makeSocketpair(t)
	defer unix.Close(a)
	defer unix.Close(b)

	ctx := mgr.GetOrCreate(a)
	assert.False(t, ctx.UserNonblock())
	ctx.SetUserNonblock(true)
	assert.True(t, ctx.UserNonblock())
}
