//go:build unix

package network

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// Several devices on the same host share the group port.
func reuseAddress(network, address string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}
