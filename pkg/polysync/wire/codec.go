// Package wire encodes synchronization messages into the fixed size
// broadcast frame. Every frame has exactly FrameSize bytes: a header
// followed by a payload area sized to the largest variant, where the
// unused trailing bytes are zero filled.
//
// All integers are little endian.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/jabolina/go-polysync/pkg/polysync/types"
)

const (
	// HeaderSize is type, sequence, priority, device id and timestamp.
	HeaderSize = 1 + 4 + 1 + 6 + 8

	// PayloadSize is the size of the largest variant, BAR.
	PayloadSize = 13

	// FrameSize is the exact size of every frame on the wire.
	FrameSize = HeaderSize + PayloadSize
)

const (
	offsetType      = 0
	offsetSequence  = 1
	offsetPriority  = 5
	offsetSender    = 6
	offsetTimestamp = 12
)

var (
	ErrFrameSize   = errors.New("frame size mismatch")
	ErrUnknownType = errors.New("unknown message type")
	ErrNoPayload   = errors.New("message without payload")
	ErrMismatch    = errors.New("payload does not match header type")

	// ErrNonCanonical is returned for frames with reserved bytes set or
	// flags other than 0 and 1, which would not encode back the same.
	ErrNonCanonical = errors.New("frame is not canonical")
)

// Bytes of the payload area used by each variant, the rest is reserved.
var payloadUsed = map[types.MessageType]int{
	types.ClockMessage:   5,
	types.BeatMessage:    9,
	types.BarMessage:     13,
	types.PatternMessage: 10,
	types.ControlMessage: 8,
}

// Offsets of the flag bytes in the payload area.
var payloadFlags = map[types.MessageType]int{
	types.ClockMessage:   0,
	types.PatternMessage: 5,
}

// Encode the message into a new frame.
func Encode(m types.Message) ([]byte, error) {
	frame := make([]byte, FrameSize)
	if err := EncodeTo(frame, m); err != nil {
		return nil, err
	}
	return frame, nil
}

// EncodeTo writes the message into the given frame, which must have
// exactly FrameSize bytes. The payload area is cleared before writing.
func EncodeTo(frame []byte, m types.Message) error {
	if len(frame) != FrameSize {
		return fmt.Errorf("%w: buffer has %d bytes, expected %d", ErrFrameSize, len(frame), FrameSize)
	}
	if m.Payload == nil {
		return ErrNoPayload
	}
	if m.Type == 0 {
		m.Type = m.Payload.Type()
	}
	if m.Payload.Type() != m.Type {
		return fmt.Errorf("%w: header %s carries %s", ErrMismatch, m.Type, m.Payload.Type())
	}

	frame[offsetType] = byte(m.Type)
	binary.LittleEndian.PutUint32(frame[offsetSequence:], m.Sequence)
	frame[offsetPriority] = m.Priority
	copy(frame[offsetSender:offsetTimestamp], m.Sender[:])
	binary.LittleEndian.PutUint64(frame[offsetTimestamp:], m.Timestamp)

	p := frame[HeaderSize:]
	for i := range p {
		p[i] = 0
	}

	switch v := m.Payload.(type) {
	case types.ClockPayload:
		p[0] = boolByte(v.IsLeader)
		binary.LittleEndian.PutUint32(p[1:], v.Tick)
	case types.BeatPayload:
		binary.LittleEndian.PutUint32(p[0:], math.Float32bits(v.BPM))
		binary.LittleEndian.PutUint32(p[4:], v.Position)
		p[8] = v.Multiplier
	case types.BarPayload:
		binary.LittleEndian.PutUint32(p[0:], v.GlobalBar)
		p[4] = v.ChannelCount
		binary.LittleEndian.PutUint16(p[5:], v.PatternLength)
		binary.LittleEndian.PutUint16(p[7:], v.ActivePattern)
		binary.LittleEndian.PutUint32(p[9:], v.ChannelMask)
	case types.PatternPayload:
		p[0] = v.Channel
		p[1] = v.BarLength
		binary.LittleEndian.PutUint16(p[2:], v.Pattern)
		p[4] = v.CurrentBeat
		p[5] = boolByte(v.Enabled)
		binary.LittleEndian.PutUint32(p[6:], v.Version)
	case types.ControlPayload:
		p[0] = byte(v.Command)
		p[1] = v.Param1
		p[2] = v.Param2
		p[3] = v.Param3
		binary.LittleEndian.PutUint32(p[4:], v.Value)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownType, m.Payload)
	}
	return nil
}

// Decode reads a frame back into a message. Frames with a size other
// than FrameSize, unknown types and non canonical payloads are rejected,
// so every decoded frame encodes back to the same bytes.
func Decode(frame []byte) (types.Message, error) {
	var m types.Message
	if len(frame) != FrameSize {
		return m, fmt.Errorf("%w: got %d bytes, expected %d", ErrFrameSize, len(frame), FrameSize)
	}

	m.Type = types.MessageType(frame[offsetType])
	if !m.Type.Valid() {
		return m, fmt.Errorf("%w: %d", ErrUnknownType, frame[offsetType])
	}
	if err := canonical(m.Type, frame[HeaderSize:]); err != nil {
		return m, err
	}

	m.Sequence = binary.LittleEndian.Uint32(frame[offsetSequence:])
	m.Priority = frame[offsetPriority]
	copy(m.Sender[:], frame[offsetSender:offsetTimestamp])
	m.Timestamp = binary.LittleEndian.Uint64(frame[offsetTimestamp:])

	p := frame[HeaderSize:]
	switch m.Type {
	case types.ClockMessage:
		m.Payload = types.ClockPayload{
			IsLeader: p[0] != 0,
			Tick:     binary.LittleEndian.Uint32(p[1:]),
		}
	case types.BeatMessage:
		m.Payload = types.BeatPayload{
			BPM:        math.Float32frombits(binary.LittleEndian.Uint32(p[0:])),
			Position:   binary.LittleEndian.Uint32(p[4:]),
			Multiplier: p[8],
		}
	case types.BarMessage:
		m.Payload = types.BarPayload{
			GlobalBar:     binary.LittleEndian.Uint32(p[0:]),
			ChannelCount:  p[4],
			PatternLength: binary.LittleEndian.Uint16(p[5:]),
			ActivePattern: binary.LittleEndian.Uint16(p[7:]),
			ChannelMask:   binary.LittleEndian.Uint32(p[9:]),
		}
	case types.PatternMessage:
		m.Payload = types.PatternPayload{
			Channel:     p[0],
			BarLength:   p[1],
			Pattern:     binary.LittleEndian.Uint16(p[2:]),
			CurrentBeat: p[4],
			Enabled:     p[5] != 0,
			Version:     binary.LittleEndian.Uint32(p[6:]),
		}
	case types.ControlMessage:
		m.Payload = types.ControlPayload{
			Command: types.Command(p[0]),
			Param1:  p[1],
			Param2:  p[2],
			Param3:  p[3],
			Value:   binary.LittleEndian.Uint32(p[4:]),
		}
	}
	return m, nil
}

func canonical(t types.MessageType, p []byte) error {
	for i := payloadUsed[t]; i < len(p); i++ {
		if p[i] != 0 {
			return fmt.Errorf("%w: %s reserved byte %d is %#x", ErrNonCanonical, t, i, p[i])
		}
	}
	if offset, ok := payloadFlags[t]; ok && p[offset] > 1 {
		return fmt.Errorf("%w: %s flag is %#x", ErrNonCanonical, t, p[offset])
	}
	return nil
}

// PeekSender reads the sender and sequence without decoding the frame,
// used to filter echoes and duplicates before paying for a full decode.
func PeekSender(frame []byte) (types.DeviceID, uint32, bool) {
	var id types.DeviceID
	if len(frame) != FrameSize {
		return id, 0, false
	}
	copy(id[:], frame[offsetSender:offsetTimestamp])
	return id, binary.LittleEndian.Uint32(frame[offsetSequence:]), true
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
