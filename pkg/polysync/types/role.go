package types

// Role of a device in the tempo synchronization protocol.
type Role uint8

const (
	// Follower tracks the tempo and patterns of the current leader.
	Follower Role = iota

	// Candidate is negotiating the leadership and waiting for the
	// settle window to elapse.
	Candidate

	// Leader is the source of truth for tempo and patterns.
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// MarshalText formats the role name.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// LeaderState is a point in time copy of the election state.
type LeaderState struct {
	Role Role

	// Identifier of the recognized leader, zero if unknown.
	Leader DeviceID

	// Local time in microseconds of the last leader heartbeat.
	LastHeartbeat uint64

	// Heartbeat timeout in microseconds.
	Timeout uint64
}
