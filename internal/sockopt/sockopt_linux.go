//go:build linux

// Package sockopt sets the listening socket options the acceptor needs
// before bind/listen, namely SO_REUSEADDR so a restart can rebind a port
// still draining TIME_WAIT connections.
package sockopt

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// Control is installed as a net.ListenConfig.Control hook. It runs on the
// raw socket fd before bind(2).
func Control(network, address string, c syscall.RawConn) error {
	var sysErr error
	err := c.Control(func(fd uintptr) {
		sysErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sysErr
}
