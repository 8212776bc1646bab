package output

import (
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Actuator board frame, [SOF0][SOF1][LEN][CMD][mask][accent][pulse ms][CKS].
const (
	sof0        = 0xAA
	sof1        = 0x55
	cmdStrike   = 0x20
	cmdRelease  = 0x21
	DefaultBaud = 115200
)

// Pulse lengths of the solenoids.
const (
	PulseLength       = 5 * time.Millisecond
	AccentPulseLength = 7 * time.Millisecond
)

// StrikeFrame encodes the channels to strike on the actuator board.
// Accented channels are held for the accent pulse length.
func StrikeFrame(mask, accent uint8) []byte {
	pulse := PulseLength
	if accent != 0 {
		pulse = AccentPulseLength
	}
	return encodeFrame(cmdStrike, mask, accent, uint8(pulse.Milliseconds()))
}

// ReleaseFrame releases every solenoid.
func ReleaseFrame() []byte {
	return encodeFrame(cmdRelease)
}

func encodeFrame(cmd byte, payload ...byte) []byte {
	length := byte(len(payload) + 1)
	cks := length ^ cmd
	for _, b := range payload {
		cks ^= b
	}

	out := []byte{sof0, sof1, length, cmd}
	out = append(out, payload...)
	return append(out, cks)
}

// SerialSink drives the solenoid board through a serial port, one
// frame per step with hits.
type SerialSink struct {
	mutex sync.Mutex
	port  io.WriteCloser
}

// NewSerialSink writes the frames to the given port.
func NewSerialSink(port io.WriteCloser) *SerialSink {
	return &SerialSink{port: port}
}

// OpenSerial opens the named serial device at the given baud rate.
func OpenSerial(name string, baud int) (*SerialSink, error) {
	if baud <= 0 {
		baud = DefaultBaud
	}
	p, err := serial.Open(name, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("failed opening serial device %s: %w", name, err)
	}
	return NewSerialSink(p), nil
}

// Implements the Sink interface.
func (s *SerialSink) Deliver(e Event) error {
	var frame []byte
	switch e.Kind {
	case HitEvent:
		var mask, accent uint8
		for _, hit := range e.Hits {
			mask |= 1 << hit.Channel
			if hit.Accent {
				accent |= 1 << hit.Channel
			}
		}
		if mask == 0 {
			return nil
		}
		frame = StrikeFrame(mask, accent)
	case TransportEvent:
		frame = ReleaseFrame()
	default:
		return nil
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	_, err := s.port.Write(frame)
	return err
}

// Implements the Sink interface.
func (s *SerialSink) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	_, err := s.port.Write(ReleaseFrame())
	if closeErr := s.port.Close(); closeErr != nil {
		return closeErr
	}
	return err
}
