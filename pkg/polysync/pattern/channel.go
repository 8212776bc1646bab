package pattern

import "github.com/jabolina/go-polysync/pkg/polysync/types"

// DefaultBarLength is the bar length of a freshly reset channel.
const DefaultBarLength = 4

// Channel holds the rhythm of a single channel. Bit i of the pattern
// activates beat i, and only the lowest BarLength bits are meaningful.
//
// A Channel value is not safe for concurrent use, the Set owning it
// guards every access.
type Channel struct {
	barLength uint8
	pattern   uint16
	enabled   bool
	beat      uint8
	version   uint32
}

// NewChannel creates a channel with every beat of the default bar active.
func NewChannel() Channel {
	c := Channel{barLength: DefaultBarLength}
	c.pattern = c.MaxPattern()
	return c
}

func (c *Channel) BarLength() uint8   { return c.barLength }
func (c *Channel) Pattern() uint16    { return c.pattern }
func (c *Channel) Enabled() bool      { return c.enabled }
func (c *Channel) CurrentBeat() uint8 { return c.beat }
func (c *Channel) Version() uint32    { return c.version }

// SetBarLength clamps n to [1, MaxBeats] and truncates the pattern
// and the current beat to the new length.
func (c *Channel) SetBarLength(n int) {
	c.barLength = uint8(clamp(n, 1, types.MaxBeats))
	c.pattern &= c.MaxPattern()
	if c.beat >= c.barLength {
		c.beat = 0
	}
}

// SetPattern truncates bits to the bar length.
func (c *Channel) SetPattern(bits uint16) {
	c.pattern = bits & c.MaxPattern()
}

// AdjustPattern moves the pattern value by delta, clamped to [0, MaxPattern].
// This is the rotary encoder edit path.
func (c *Channel) AdjustPattern(delta int) {
	c.pattern = uint16(clamp(int(c.pattern)+delta, 0, int(c.MaxPattern())))
}

func (c *Channel) SetEnabled(enabled bool) {
	c.enabled = enabled
}

// GenerateEuclidean distributes k active beats over the bar.
func (c *Channel) GenerateEuclidean(k int) {
	c.pattern = Euclidean(int(c.barLength), k)
}

// MaxPattern is 2^barLength - 1, the bound for pattern edits.
func (c *Channel) MaxPattern() uint16 {
	return uint16((uint32(1) << c.barLength) - 1)
}

// Active verifies if the given beat is active.
func (c *Channel) Active(beat uint8) bool {
	return beat < c.barLength && c.pattern&(1<<beat) != 0
}

// Reset anchors the pattern to the first beat only and rewinds it.
func (c *Channel) Reset() {
	c.pattern = 1
	c.beat = 0
}

// Rewind moves the playback position to the first beat.
func (c *Channel) Rewind() {
	c.beat = 0
}

// Payload describes the channel for replication.
func (c *Channel) Payload(index uint8) types.PatternPayload {
	return types.PatternPayload{
		Channel:     index,
		BarLength:   c.barLength,
		Pattern:     c.pattern,
		CurrentBeat: c.beat,
		Enabled:     c.enabled,
		Version:     c.version,
	}
}

// Euclidean returns the maximally even distribution of k active beats
// over n slots. The accumulator is pre-loaded with n-k so the first slot
// fires, which keeps beat 0 as the phase anchor without adding a beat.
// k is clamped to [1, n].
func Euclidean(n, k int) uint16 {
	n = clamp(n, 1, types.MaxBeats)
	k = clamp(k, 1, n)

	var bits uint16
	acc := n - k
	for i := 0; i < n; i++ {
		acc += k
		if acc >= n {
			bits |= 1 << i
			acc -= n
		}
	}
	return bits | 1
}

func clamp(v, low, high int) int {
	if v < low {
		return low
	}
	if v > high {
		return high
	}
	return v
}
