package session

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// rawFD extracts the underlying file descriptor of a TCP connection or
// listener without duplicating or detaching it from the runtime's own
// netpoller, so the descriptor stays valid for the lifetime of conn.
func rawFD(conn syscall.Conn) (int, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("session: obtaining raw conn: %w", err)
	}
	var fd int
	err = raw.Control(func(descriptor uintptr) {
		fd = int(descriptor)
	})
	if err != nil {
		return -1, fmt.Errorf("session: control: %w", err)
	}
	return fd, nil
}

// fdSetAdd and fdSetIsSet implement the FD_SET/FD_ISSET macros over
// golang.org/x/sys/unix's FdSet, which on Linux is a 1024-bit bitmap
// packed into 64-bit words.
func fdSetAdd(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func fdSetIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<(uint(fd)%64)) != 0
}

func fdSetZero(set *unix.FdSet) {
	for i := range set.Bits {
		set.Bits[i] = 0
	}
}

// tcpFD is a narrow view over the parts of net.Listener/net.Conn this
// package needs a raw descriptor from, satisfied by *net.TCPListener
// and *net.TCPConn.
type tcpFD interface {
	syscall.Conn
}

var _ tcpFD = (*net.TCPListener)(nil)
var _ tcpFD = (*net.TCPConn)(nil)
