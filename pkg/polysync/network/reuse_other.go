//go:build !unix

package network

import "syscall"

func reuseAddress(network, address string, c syscall.RawConn) error {
	return nil
}
