package drift

import (
	"testing"

	"github.com/jabolina/go-polysync/pkg/polysync/clock"
	"github.com/jabolina/go-polysync/pkg/polysync/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bpm = 120.0

// Feeds n CLOCK frames where each one arrives bias microseconds after
// the arrival predicted from the previous one.
func feed(c *Corrector, n int, bias float64) []float64 {
	interval := clock.IntervalMicros(bpm, types.SyncPPQN)
	arrival := 1_000_000.0
	factors := make([]float64, 0, n)
	for tick := uint32(0); tick < uint32(n); tick++ {
		factors = append(factors, c.Observe(tick, uint64(arrival)-400, uint64(arrival), bpm))
		arrival += interval + bias
	}
	return factors
}

func TestCorrector_PositiveBiasRaisesFactor(t *testing.T) {
	c := NewCorrector()
	factors := feed(c, 1200, 150)

	assert.Equal(t, 1.0, factors[0], "first frame only seeds")
	for i := 1; i < len(factors); i++ {
		assert.GreaterOrEqual(t, factors[i], factors[i-1])
		assert.LessOrEqual(t, factors[i]-factors[i-1], Step+1e-9)
	}
	assert.InDelta(t, 1.0+10*Step, factors[10], 1e-9)
	assert.Equal(t, MaxFactor, c.Factor())
}

func TestCorrector_NegativeBiasLowersFactor(t *testing.T) {
	c := NewCorrector()
	factors := feed(c, 1200, -150)

	for i := 1; i < len(factors); i++ {
		assert.LessOrEqual(t, factors[i], factors[i-1])
	}
	assert.InDelta(t, 1.0-10*Step, factors[10], 1e-9)
	assert.Equal(t, MinFactor, c.Factor())
}

func TestCorrector_SmallDriftIgnored(t *testing.T) {
	c := NewCorrector()
	feed(c, 100, 60)
	assert.Equal(t, 1.0, c.Factor())

	feed(c, 100, -99)
	assert.Equal(t, 1.0, c.Factor())
}

func TestCorrector_LatencyAverage(t *testing.T) {
	c := NewCorrector()
	c.Observe(0, 1000, 1100, bpm)
	c.Observe(1, 2000, 2300, bpm)
	assert.InDelta(t, 200, c.AverageLatency(), 1e-9, "mean over filled slots")

	for tick := uint32(2); tick < 2+LatencySlots; tick++ {
		c.Observe(tick, uint64(tick)*1000, uint64(tick)*1000+50, bpm)
	}
	assert.InDelta(t, 50, c.AverageLatency(), 1e-9, "oldest samples overwritten")

	snapshot := c.Snapshot()
	assert.Equal(t, LatencySlots, snapshot.Samples)
	assert.Equal(t, uint32(9), snapshot.LastTick)
	assert.Equal(t, uint32(10), c.PredictedNextTick())
}

func TestCorrector_TickRegressionReseeds(t *testing.T) {
	c := NewCorrector()
	feed(c, 20, 150)
	before := c.Factor()
	require.Greater(t, before, 1.0)

	// A restarted leader counts from zero again, far from the prediction.
	c.Observe(0, 0, 999_999_999, bpm)
	assert.Equal(t, before, c.Factor())
	assert.Equal(t, uint32(1), c.PredictedNextTick())
}

func TestCorrector_ResetAndEffective(t *testing.T) {
	c := NewCorrector()
	feed(c, 50, -150)
	assert.Less(t, c.Effective(100), 100.0)

	c.Reset()
	assert.Equal(t, 1.0, c.Factor())
	assert.Equal(t, 100.0, c.Effective(100))
	assert.Equal(t, Snapshot{Factor: 1}, c.Snapshot())
}
