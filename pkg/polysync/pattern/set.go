// Package pattern holds the per-channel rhythm state of a device and the
// derived values the synchronization needs: the Euclidean generator, the
// total pattern length and the versioned replication of channels.
package pattern

import (
	"sync"

	"github.com/jabolina/go-polysync/pkg/polysync/types"
)

// Hit is an active beat of a channel reached by Advance.
type Hit struct {
	Channel uint8
	Beat    uint8

	// The first beat of the bar is accented.
	Accent bool
}

// ApplyResult tells what happened to a replicated channel update.
type ApplyResult uint8

const (
	// Applied means the update overwrote the channel.
	Applied ApplyResult = iota

	// Stale means the update version was not newer than the one
	// already applied, so it was ignored.
	Stale

	// Invalid means the update addressed an unknown channel.
	Invalid
)

func (r ApplyResult) String() string {
	switch r {
	case Applied:
		return "applied"
	case Stale:
		return "stale"
	default:
		return "invalid"
	}
}

// Set is the ordered collection of every channel of the device. All
// methods are safe for concurrent use, the set is mutated both by the
// main loop and by the frame arrival notification.
type Set struct {
	mutex sync.Mutex

	channels [types.ChannelCount]Channel

	// Index into types.Multipliers.
	multiplier uint8

	// Versions accepted from the current writer.
	tracking [types.ChannelCount]bool
}

// NewSet creates a set with the first channel enabled.
func NewSet() *Set {
	s := &Set{multiplier: types.DefaultMultiplier}
	for i := range s.channels {
		s.channels[i] = NewChannel()
	}
	s.channels[0].enabled = true
	return s
}

// Channel returns a copy of the channel at index i.
func (s *Set) Channel(i int) (Channel, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if i < 0 || i >= len(s.channels) {
		return Channel{}, false
	}
	return s.channels[i], true
}

// Update applies a local edit to the channel at index i. Local edits
// do not touch the replication version.
func (s *Set) Update(i int, edit func(c *Channel)) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if i < 0 || i >= len(s.channels) {
		return false
	}
	version := s.channels[i].version
	edit(&s.channels[i])
	s.channels[i].version = version
	return true
}

// Publish bumps the channel version and returns the payload to
// replicate. Used by the leader before broadcasting a channel.
func (s *Set) Publish(i int) (types.PatternPayload, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if i < 0 || i >= len(s.channels) {
		return types.PatternPayload{}, false
	}
	s.channels[i].version++
	return s.channels[i].Payload(uint8(i)), true
}

// Apply a replicated channel. The update is applied only when its
// version is newer than the one applied for the channel, so duplicated
// or reordered frames cannot overwrite newer state. After Forget, the
// next update of each channel is accepted whatever its version.
func (s *Set) Apply(p types.PatternPayload) ApplyResult {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if int(p.Channel) >= len(s.channels) {
		return Invalid
	}

	c := &s.channels[p.Channel]
	if s.tracking[p.Channel] && p.Version <= c.version {
		return Stale
	}

	c.SetBarLength(int(p.BarLength))
	c.SetPattern(p.Pattern)
	c.enabled = p.Enabled
	c.version = p.Version
	s.tracking[p.Channel] = true
	return Applied
}

// Forget the applied versions. Called when the writer changes, since
// versions are only ordered for a single writer.
func (s *Set) Forget() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for i := range s.tracking {
		s.tracking[i] = false
	}
}

// TotalPatternLength is the least common multiple of the bar length of
// every enabled channel, 1 if none is enabled. Always recomputed.
func (s *Set) TotalPatternLength() uint16 {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	length := uint16(1)
	for i := range s.channels {
		if s.channels[i].enabled {
			length = LCM(length, uint16(s.channels[i].barLength))
		}
	}
	return length
}

// EnabledMask has bit i set when channel i is enabled.
func (s *Set) EnabledMask() uint32 {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var mask uint32
	for i := range s.channels {
		if s.channels[i].enabled {
			mask |= 1 << i
		}
	}
	return mask
}

// Multiplier returns the active multiplier index.
func (s *Set) Multiplier() uint8 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.multiplier
}

// SetMultiplier clamps the index to the known multipliers.
func (s *Set) SetMultiplier(index int) uint8 {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.multiplier = uint8(clamp(index, 0, len(types.Multipliers)-1))
	return s.multiplier
}

// AdjustMultiplier moves the multiplier index by delta, clamped.
func (s *Set) AdjustMultiplier(delta int) uint8 {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.multiplier = uint8(clamp(int(s.multiplier)+delta, 0, len(types.Multipliers)-1))
	return s.multiplier
}

// StepTicks is the number of clock ticks between two pattern steps at
// the active multiplier, for a clock running at ppqn.
func (s *Set) StepTicks(ppqn int) uint32 {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	ticks := uint32(types.Multipliers[s.multiplier] * float64(ppqn))
	if ticks == 0 {
		return 1
	}
	return ticks
}

// Advance plays one step: it collects the active beats of every enabled
// channel at their current position and moves each of them forward,
// wrapping at the bar length.
func (s *Set) Advance() []Hit {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var hits []Hit
	for i := range s.channels {
		c := &s.channels[i]
		if !c.enabled {
			continue
		}
		if c.Active(c.beat) {
			hits = append(hits, Hit{Channel: uint8(i), Beat: c.beat, Accent: c.beat == 0})
		}
		c.beat = (c.beat + 1) % c.barLength
	}
	return hits
}

// Seek moves every channel to the beat played at the given step, as
// if the set had advanced step times from the first beat.
func (s *Set) Seek(step uint32) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for i := range s.channels {
		s.channels[i].beat = uint8(step % uint32(s.channels[i].barLength))
	}
}

// ResetBeats rewinds every channel to its first beat.
func (s *Set) ResetBeats() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for i := range s.channels {
		s.channels[i].Rewind()
	}
}

// Payloads describes every channel, without bumping versions.
func (s *Set) Payloads() []types.PatternPayload {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	payloads := make([]types.PatternPayload, 0, len(s.channels))
	for i := range s.channels {
		payloads = append(payloads, s.channels[i].Payload(uint8(i)))
	}
	return payloads
}
