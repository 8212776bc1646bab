package types

import (
	"bytes"
	"fmt"
	"net"
)

// DeviceID is the 6-byte network-assigned identifier of a device.
// It is usually the hardware address of the interface the device
// broadcasts on.
type DeviceID [6]byte

// String formats the identifier as a colon separated hardware address.
func (d DeviceID) String() string {
	return net.HardwareAddr(d[:]).String()
}

// MarshalText formats the identifier as String does.
func (d DeviceID) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText parses an identifier formatted by MarshalText.
func (d *DeviceID) UnmarshalText(text []byte) error {
	id, err := ParseDeviceID(string(text))
	if err != nil {
		return err
	}
	*d = id
	return nil
}

// IsZero returns true if no identifier was assigned.
func (d DeviceID) IsZero() bool {
	return d == DeviceID{}
}

// Compare orders identifiers bytewise, returning -1, 0 or 1.
func (d DeviceID) Compare(other DeviceID) int {
	return bytes.Compare(d[:], other[:])
}

// ParseDeviceID reads an identifier formatted as a 48-bit hardware address.
func ParseDeviceID(value string) (DeviceID, error) {
	var id DeviceID
	hw, err := net.ParseMAC(value)
	if err != nil {
		return id, err
	}
	if len(hw) != len(id) {
		return id, fmt.Errorf("device id %q has %d bytes, expected %d", value, len(hw), len(id))
	}
	copy(id[:], hw)
	return id, nil
}

// Identity of a device participating in the synchronization.
// Both fields are fixed for the lifetime of the device.
type Identity struct {
	// Unique device identifier.
	ID DeviceID

	// Election priority, higher values are preferred as leader.
	Priority uint8
}

// Outranks verifies if the identity must be preferred over the other
// when electing a leader. A strictly higher priority wins, and equal
// priorities are broken by the numerically lower identifier.
func (i Identity) Outranks(other Identity) bool {
	if i.Priority != other.Priority {
		return i.Priority > other.Priority
	}
	return i.ID.Compare(other.ID) < 0
}

func (i Identity) String() string {
	return fmt.Sprintf("%s/%d", i.ID, i.Priority)
}
