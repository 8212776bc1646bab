package clock

import (
	"sync/atomic"
	"time"
)

// TimeSource provides the monotonic microsecond clock used to stamp
// frames and to measure arrivals, heartbeats and settle windows.
type TimeSource interface {
	// NowMicros returns the microseconds elapsed since an arbitrary
	// fixed origin. The value never decreases.
	NowMicros() uint64
}

// SystemTime reads the process monotonic clock.
type SystemTime struct {
	origin time.Time
}

// NewSystemTime creates a time source with the origin at the call time.
func NewSystemTime() *SystemTime {
	return &SystemTime{origin: time.Now()}
}

// Implements the TimeSource interface.
func (s *SystemTime) NowMicros() uint64 {
	return uint64(time.Since(s.origin).Microseconds())
}

// ManualTime is a time source moved explicitly, for deterministic tests
// and simulations.
type ManualTime struct {
	now uint64
}

func NewManualTime(start uint64) *ManualTime {
	return &ManualTime{now: start}
}

// Implements the TimeSource interface.
func (m *ManualTime) NowMicros() uint64 {
	return atomic.LoadUint64(&m.now)
}

// Advance moves the clock forward and returns the new value.
func (m *ManualTime) Advance(micros uint64) uint64 {
	return atomic.AddUint64(&m.now, micros)
}

// Set jumps to the given value. Moving backwards is ignored.
func (m *ManualTime) Set(micros uint64) {
	for {
		current := atomic.LoadUint64(&m.now)
		if micros <= current || atomic.CompareAndSwapUint64(&m.now, current, micros) {
			return
		}
	}
}
