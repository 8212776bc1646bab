package output

import (
	"bytes"

	"github.com/hashicorp/go-msgpack/codec"
	"github.com/jabolina/go-polysync/pkg/polysync/types"
)

// PeerStatus is a device recently heard on the link.
type PeerStatus struct {
	ID       types.DeviceID `json:"id" codec:"id"`
	Priority uint8          `json:"priority" codec:"priority"`
	LastSeen uint64         `json:"last_seen" codec:"last_seen"`
	Leader   bool           `json:"leader" codec:"leader"`
}

// Status is a point in time view of a device.
type Status struct {
	ID       types.DeviceID `json:"id" codec:"id"`
	Priority uint8          `json:"priority" codec:"priority"`
	Role     types.Role     `json:"role" codec:"role"`
	Leader   types.DeviceID `json:"leader" codec:"leader"`

	Running bool    `json:"running" codec:"running"`
	Paused  bool    `json:"paused" codec:"paused"`
	BPM     float64 `json:"bpm" codec:"bpm"`

	// Tempo the clock runs at, the leader tempo times the drift factor.
	EffectiveBPM   float64 `json:"effective_bpm" codec:"effective_bpm"`
	DriftFactor    float64 `json:"drift_factor" codec:"drift_factor"`
	AverageLatency float64 `json:"average_latency" codec:"average_latency"`
	Counter        uint32  `json:"counter" codec:"counter"`

	Multiplier    uint8                  `json:"multiplier" codec:"multiplier"`
	PatternLength uint16                 `json:"pattern_length" codec:"pattern_length"`
	Channels      []types.PatternPayload `json:"channels" codec:"channels"`

	Peers []PeerStatus `json:"peers" codec:"peers"`

	FramesSent     uint64 `json:"frames_sent" codec:"frames_sent"`
	FramesFailed   uint64 `json:"frames_failed" codec:"frames_failed"`
	FramesReceived uint64 `json:"frames_received" codec:"frames_received"`
	FramesDropped  uint64 `json:"frames_dropped" codec:"frames_dropped"`
	LateLoops      uint64 `json:"late_loops" codec:"late_loops"`
}

// EncodeMsgpack serializes the value for binary monitor clients.
func EncodeMsgpack(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, &codec.MsgpackHandle{}).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeMsgpack reads a value written by EncodeMsgpack.
func DecodeMsgpack(data []byte, v interface{}) error {
	return codec.NewDecoder(bytes.NewReader(data), &codec.MsgpackHandle{}).Decode(v)
}
