// Package output carries what a device plays to the collaborators that
// make it audible or visible: actuators, MIDI equipment and monitors.
package output

import (
	"github.com/jabolina/go-polysync/pkg/polysync/pattern"
	"github.com/jabolina/go-polysync/pkg/polysync/types"
)

// Kind of an event.
type Kind uint8

const (
	// SyncEvent every tick at 24 PPQN.
	SyncEvent Kind = iota + 1

	// BeatEvent every quarter note.
	BeatEvent

	// BarEvent every step, with the pattern length.
	BarEvent

	// HitEvent when at least one channel has an active beat.
	HitEvent

	// RoleEvent when the device changes role.
	RoleEvent

	// TransportEvent when the clock is started, stopped, paused or resumed.
	TransportEvent

	// PatternEvent when a channel is replaced by a replicated one.
	PatternEvent
)

func (k Kind) String() string {
	switch k {
	case SyncEvent:
		return "sync"
	case BeatEvent:
		return "beat"
	case BarEvent:
		return "bar"
	case HitEvent:
		return "hit"
	case RoleEvent:
		return "role"
	case TransportEvent:
		return "transport"
	case PatternEvent:
		return "pattern"
	default:
		return "unknown"
	}
}

// Event is a single outward notification. Only the fields of the kind
// are filled.
type Event struct {
	Kind Kind `json:"kind" codec:"kind"`

	// Local time of the event in microseconds.
	At uint64 `json:"at" codec:"at"`

	Tick     uint32  `json:"tick,omitempty" codec:"tick,omitempty"`
	Quarter  uint32  `json:"quarter,omitempty" codec:"quarter,omitempty"`
	Position uint32  `json:"position,omitempty" codec:"position,omitempty"`
	BPM      float64 `json:"bpm,omitempty" codec:"bpm,omitempty"`

	Step          uint32 `json:"step,omitempty" codec:"step,omitempty"`
	PatternLength uint16 `json:"pattern_length,omitempty" codec:"pattern_length,omitempty"`
	ChannelMask   uint32 `json:"channel_mask,omitempty" codec:"channel_mask,omitempty"`

	Hits []pattern.Hit `json:"hits,omitempty" codec:"hits,omitempty"`

	Role   types.Role     `json:"role" codec:"role"`
	Leader types.DeviceID `json:"leader,omitempty" codec:"leader,omitempty"`

	Command types.Command `json:"command,omitempty" codec:"command,omitempty"`

	Channel *types.PatternPayload `json:"channel,omitempty" codec:"channel,omitempty"`
}
