package types

import "fmt"

// MessageType tags the payload carried by a SyncMessage.
type MessageType uint8

const (
	// ClockMessage carries the leader clock tick, doubling as heartbeat.
	ClockMessage MessageType = iota + 1

	// BeatMessage is sent at every quarter note with the tempo.
	BeatMessage

	// BarMessage is sent at every step with the pattern length.
	BarMessage

	// PatternMessage replicates the state of a single channel.
	PatternMessage

	// ControlMessage carries transport commands and negotiation.
	ControlMessage
)

func (t MessageType) String() string {
	switch t {
	case ClockMessage:
		return "CLOCK"
	case BeatMessage:
		return "BEAT"
	case BarMessage:
		return "BAR"
	case PatternMessage:
		return "PATTERN"
	case ControlMessage:
		return "CONTROL"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// Valid returns true if the type is one of the known messages.
func (t MessageType) Valid() bool {
	return t >= ClockMessage && t <= ControlMessage
}

// Command carried by a CONTROL message.
type Command uint8

const (
	CommandStart Command = iota + 1
	CommandStop
	CommandPause
	CommandResume

	// CommandReset with NegotiationMarker on the first parameter
	// signals a leader negotiation.
	CommandReset
)

// NegotiationMarker is the first parameter value of a negotiation frame.
const NegotiationMarker = 1

func (c Command) String() string {
	switch c {
	case CommandStart:
		return "start"
	case CommandStop:
		return "stop"
	case CommandPause:
		return "pause"
	case CommandResume:
		return "resume"
	case CommandReset:
		return "reset"
	default:
		return fmt.Sprintf("command(%d)", uint8(c))
	}
}

// Header common to every message.
type Header struct {
	Type MessageType

	// Monotonic per sender.
	Sequence uint32

	// Priority of the sender.
	Priority uint8

	// Identifier of the sender.
	Sender DeviceID

	// Sender local time in microseconds when the message was sent.
	Timestamp uint64
}

// Identity of the message sender.
func (h Header) Identity() Identity {
	return Identity{ID: h.Sender, Priority: h.Priority}
}

// Payload is one of the message variants.
type Payload interface {
	Type() MessageType
}

// ClockPayload is the CLOCK variant.
type ClockPayload struct {
	IsLeader bool
	Tick     uint32
}

// BeatPayload is the BEAT variant.
type BeatPayload struct {
	BPM        float32
	Position   uint32
	Multiplier uint8
}

// BarPayload is the BAR variant.
type BarPayload struct {
	GlobalBar     uint32
	ChannelCount  uint8
	PatternLength uint16

	// Not used, always zero.
	ActivePattern uint16
	ChannelMask   uint32
}

// PatternPayload is the PATTERN variant.
type PatternPayload struct {
	Channel     uint8
	BarLength   uint8
	Pattern     uint16
	CurrentBeat uint8
	Enabled     bool

	// Monotonic per channel on the writer.
	Version uint32
}

// ControlPayload is the CONTROL variant.
type ControlPayload struct {
	Command Command
	Param1  uint8
	Param2  uint8
	Param3  uint8
	Value   uint32
}

func (ClockPayload) Type() MessageType   { return ClockMessage }
func (BeatPayload) Type() MessageType    { return BeatMessage }
func (BarPayload) Type() MessageType     { return BarMessage }
func (PatternPayload) Type() MessageType { return PatternMessage }
func (ControlPayload) Type() MessageType { return ControlMessage }

// IsNegotiation verifies if the control message is a leader negotiation.
func (c ControlPayload) IsNegotiation() bool {
	return c.Command == CommandReset && c.Param1 == NegotiationMarker
}

// NewNegotiation creates the negotiation payload for the given priority.
func NewNegotiation(priority uint8) ControlPayload {
	return ControlPayload{
		Command: CommandReset,
		Param1:  NegotiationMarker,
		Value:   uint32(priority),
	}
}

// Message is a single synchronization frame. It is ephemeral,
// built for each send and for each receive.
type Message struct {
	Header
	Payload Payload
}
