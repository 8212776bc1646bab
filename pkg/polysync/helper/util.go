package helper

import (
	"encoding/binary"
	"net"

	"github.com/google/uuid"
	"github.com/jabolina/go-polysync/pkg/polysync/types"
)

// InterfaceDeviceID returns the hardware address of the named interface,
// or of the first interface that is up, not a loopback and has a 6 byte
// address when name is empty.
func InterfaceDeviceID(name string) (types.DeviceID, bool) {
	var id types.DeviceID
	if name != "" {
		iface, err := net.InterfaceByName(name)
		if err != nil || len(iface.HardwareAddr) != len(id) {
			return id, false
		}
		copy(id[:], iface.HardwareAddr)
		return id, !id.IsZero()
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return id, false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) != len(id) {
			continue
		}
		copy(id[:], iface.HardwareAddr)
		if !id.IsZero() {
			return id, true
		}
	}
	return id, false
}

// RandomDeviceID derives an identifier from a random UUID. The locally
// administered bit is set and the multicast bit cleared, as for any
// generated hardware address.
func RandomDeviceID() types.DeviceID {
	var id types.DeviceID
	u := uuid.New()
	copy(id[:], u[:len(id)])
	id[0] = (id[0] | 0x02) & 0xFE
	return id
}

// RandomUint32 draws a value from a random UUID.
func RandomUint32() uint32 {
	u := uuid.New()
	return binary.LittleEndian.Uint32(u[:4])
}

// ResolveDeviceID uses the interface address when possible, a random
// identifier otherwise.
func ResolveDeviceID(iface string) types.DeviceID {
	if id, ok := InterfaceDeviceID(iface); ok {
		return id
	}
	return RandomDeviceID()
}
