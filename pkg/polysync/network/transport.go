// Package network moves synchronization frames between devices: the
// broadcast transports, the sender stamping every outgoing frame and
// the receiver filtering what arrives before it is decoded.
package network

import (
	"errors"
	"io"
)

var (
	// ErrTransportClosed is returned when broadcasting on a closed transport.
	ErrTransportClosed = errors.New("transport closed")
)

// Transport is the broadcast primitive used by the synchronization.
// Delivery is best effort: frames can be lost, duplicated or reordered,
// and there is no acknowledgment or retry.
type Transport interface {
	io.Closer

	// Broadcast the frame to every device listening, possibly
	// including the local one.
	Broadcast(frame []byte) error

	// Listen for the raw datagrams arriving on the transport.
	// The channel is closed when the transport is closed.
	Listen() <-chan []byte
}
