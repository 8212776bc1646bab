package clock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// PulseSource is the tempo-driven periodic pulse the engine runs on.
// The fire callback is invoked from the source own goroutine and must
// do constant work only.
type PulseSource interface {
	// Start firing pulses. Starting a started source is a no-op.
	Start(fire func())

	// SetInterval changes the period of the pulses fired after the call.
	SetInterval(interval time.Duration)

	// Stop firing pulses. When Stop returns, no more pulses are fired.
	Stop()
}

// TickerPulse fires pulses from a timer re-armed on each pulse against
// an absolute deadline, so the interval error does not accumulate.
type TickerPulse struct {
	// Interval in nanoseconds, read on every pulse.
	interval int64

	mutex sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTickerPulse creates a stopped pulse source with the given interval.
func NewTickerPulse(interval time.Duration) *TickerPulse {
	return &TickerPulse{interval: int64(interval)}
}

// Implements the PulseSource interface.
func (t *TickerPulse) Start(fire func()) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.cancel != nil {
		return
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.done = make(chan struct{})
	go t.run(t.ctx, t.done, fire)
}

// Implements the PulseSource interface.
func (t *TickerPulse) SetInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	atomic.StoreInt64(&t.interval, int64(interval))
}

// Interval currently used between pulses.
func (t *TickerPulse) Interval() time.Duration {
	return time.Duration(atomic.LoadInt64(&t.interval))
}

// Implements the PulseSource interface.
func (t *TickerPulse) Stop() {
	t.mutex.Lock()
	if t.cancel == nil {
		t.mutex.Unlock()
		return
	}
	t.cancel()
	done := t.done
	t.cancel = nil
	t.mutex.Unlock()
	<-done
}

func (t *TickerPulse) run(ctx context.Context, done chan struct{}, fire func()) {
	defer close(done)

	deadline := time.Now().Add(t.Interval())
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			fire()
			deadline = deadline.Add(t.Interval())
			wait := time.Until(deadline)
			if wait < 0 {
				// Fell behind, restart the schedule from now.
				deadline = time.Now()
				wait = 0
			}
			timer.Reset(wait)
		}
	}
}

// ManualPulse only fires when told to, for deterministic tests.
type ManualPulse struct {
	mutex    sync.Mutex
	fire     func()
	interval time.Duration
}

func NewManualPulse() *ManualPulse {
	return &ManualPulse{}
}

// Implements the PulseSource interface.
func (m *ManualPulse) Start(fire func()) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.fire == nil {
		m.fire = fire
	}
}

// Implements the PulseSource interface.
func (m *ManualPulse) SetInterval(interval time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.interval = interval
}

// Implements the PulseSource interface.
func (m *ManualPulse) Stop() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.fire = nil
}

// Interval last set by the engine.
func (m *ManualPulse) Interval() time.Duration {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.interval
}

// Fire n pulses, returning how many were delivered. Nothing is
// delivered while the source is stopped.
func (m *ManualPulse) Fire(n int) int {
	m.mutex.Lock()
	fire := m.fire
	m.mutex.Unlock()

	if fire == nil {
		return 0
	}
	for i := 0; i < n; i++ {
		fire()
	}
	return n
}
