// Package drift estimates how far the local clock of a follower drifts
// from the leader and derives the correction applied to its tempo.
package drift

import (
	"math"
	"sync"

	"github.com/jabolina/go-polysync/pkg/polysync/clock"
	"github.com/jabolina/go-polysync/pkg/polysync/types"
)

const (
	// LatencySlots is the size of the rolling latency buffer.
	LatencySlots = 8

	// Threshold in microseconds above which the factor is nudged.
	Threshold = 100

	// Step applied to the factor on every nudge.
	Step = 0.0001

	MinFactor = 0.9
	MaxFactor = 1.1
)

// Snapshot is a copy of the drift model.
type Snapshot struct {
	Factor            float64
	AverageLatency    float64
	LastDrift         float64
	LastTick          uint32
	PredictedNextTick uint32
	Samples           int
}

// Corrector is a bounded memory proportional controller fed with the
// CLOCK frames of the recognized leader. It is safe for concurrent use.
type Corrector struct {
	mutex sync.Mutex

	latencies [LatencySlots]int64
	next      int
	filled    int
	average   float64

	factor    float64
	lastDrift float64

	seeded      bool
	lastTick    uint32
	lastArrival uint64
	predicted   uint32
}

// NewCorrector creates a corrector with a neutral factor.
func NewCorrector() *Corrector {
	return &Corrector{factor: 1}
}

// Observe a CLOCK frame. The tick is at 24 PPQN, the timestamps are
// in microseconds and bpm is the tempo the leader is believed to run.
// Returns the correction factor after the observation.
func (c *Corrector) Observe(tick uint32, remoteTimestamp, arrival uint64, bpm float64) float64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.latencies[c.next] = int64(arrival) - int64(remoteTimestamp)
	c.next = (c.next + 1) % LatencySlots
	if c.filled < LatencySlots {
		c.filled++
	}
	var sum int64
	for i := 0; i < c.filled; i++ {
		sum += c.latencies[i]
	}
	c.average = float64(sum) / float64(c.filled)

	if c.seeded && tick > c.lastTick && bpm > 0 {
		expected := clock.IntervalMicros(bpm, types.SyncPPQN) * float64(tick-c.lastTick)
		predicted := float64(c.lastArrival) + expected
		c.lastDrift = float64(arrival) - predicted
		if math.Abs(c.lastDrift) > Threshold {
			if c.lastDrift > 0 {
				c.factor += Step
			} else {
				c.factor -= Step
			}
			c.factor = math.Max(MinFactor, math.Min(MaxFactor, c.factor))
		}
	}

	c.seeded = true
	c.lastTick = tick
	c.lastArrival = arrival
	c.predicted = tick + 1
	return c.factor
}

// Factor is the multiplier applied to the leader tempo.
func (c *Corrector) Factor() float64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.factor
}

// AverageLatency over the filled slots, in microseconds. It includes
// the offset between the two device clocks.
func (c *Corrector) AverageLatency() float64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.average
}

// PredictedNextTick is the tick expected on the next CLOCK frame.
func (c *Corrector) PredictedNextTick() uint32 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.predicted
}

// Effective tempo for the given leader tempo.
func (c *Corrector) Effective(bpm float64) float64 {
	return bpm * c.Factor()
}

// Reset forgets everything, used when the leader changes.
func (c *Corrector) Reset() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.latencies = [LatencySlots]int64{}
	c.next, c.filled, c.average = 0, 0, 0
	c.factor, c.lastDrift = 1, 0
	c.seeded = false
	c.lastTick, c.lastArrival, c.predicted = 0, 0, 0
}

func (c *Corrector) Snapshot() Snapshot {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return Snapshot{
		Factor:            c.factor,
		AverageLatency:    c.average,
		LastDrift:         c.lastDrift,
		LastTick:          c.lastTick,
		PredictedNextTick: c.predicted,
		Samples:           c.filled,
	}
}
