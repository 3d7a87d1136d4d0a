//go:build linux

package fibersched

import (
	"golang.org/x/sys/unix"
)

// createWakeFd creates an eventfd used to interrupt a blocked epoll_wait.
// The single descriptor serves as both read and write ends.
func createWakeFd() (int, int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	return fd, fd, err
}
