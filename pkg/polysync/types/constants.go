package types

const (
	// ChannelCount is the number of pattern channels of each device.
	ChannelCount = 4

	// MaxBeats is the longest bar a channel can hold.
	MaxBeats = 16

	// Tempo bounds, in beats per minute.
	MinBPM     = 20
	MaxBPM     = 500
	DefaultBPM = 120

	// PPQN is the internal clock resolution, used to detect beat boundaries.
	PPQN = 96

	// SyncPPQN is the MIDI standard resolution used for transport sync.
	SyncPPQN = 24

	// DefaultMultiplier is the index of the one quarter note multiplier.
	DefaultMultiplier = 2
)

// Multipliers holds the beat length of each multiplier index, in quarter notes.
var Multipliers = [...]float64{0.25, 0.5, 1.0, 2.0, 4.0}

// MultiplierNames are the display names of Multipliers.
var MultiplierNames = [...]string{"1/4", "1/2", "1", "2", "4"}
