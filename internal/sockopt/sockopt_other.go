//go:build !linux

package sockopt

import "syscall"

// Control is a no-op on non-Linux platforms; the Linux build sets
// SO_REUSEADDR via sockopt_linux.go.
func Control(network, address string, c syscall.RawConn) error {
	return nil
}
