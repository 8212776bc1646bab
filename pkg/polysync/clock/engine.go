// Package clock generates the musical time of a device: a pulse driven
// tick counter at PPQN resolution and the sync24, beat and step events
// derived from it.
package clock

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jabolina/go-polysync/pkg/polysync/types"
)

// Listener receives the engine events. Nil callbacks are skipped.
// Callbacks run on the goroutine calling Drain, never on the pulse.
type Listener struct {
	// Every pulse, with the tick counter.
	OnTick func(counter uint32)

	// Every fourth pulse, with the tick at 24 PPQN.
	OnSync24 func(tick uint32)

	// Once per quarter note, with the quarter index.
	OnBeat func(quarter uint32)

	// Every StepTicks pulses, with the step index.
	OnStep func(step uint32)
}

// Handle identifies a registered listener.
type Handle uint64

type registration struct {
	handle   Handle
	listener Listener
}

// IntervalMicros is the pulse period in microseconds at the given tempo
// and resolution.
func IntervalMicros(bpm float64, ppqn int) float64 {
	return 60_000_000 / (bpm * float64(ppqn))
}

// Interval is IntervalMicros as a duration.
func Interval(bpm float64, ppqn int) time.Duration {
	return time.Duration(IntervalMicros(bpm, ppqn) * float64(time.Microsecond))
}

// ClampTempo bounds bpm to the supported tempo range.
func ClampTempo(bpm float64) float64 {
	if bpm < types.MinBPM {
		return types.MinBPM
	}
	if bpm > types.MaxBPM {
		return types.MaxBPM
	}
	return bpm
}

// Engine is the clock of a device. The pulse source only records that
// a pulse happened; the owner of the engine converts the recorded
// pulses into events by calling Drain, usually after receiving from
// Signal.
type Engine struct {
	mutex sync.Mutex

	log   hclog.Logger
	pulse PulseSource

	bpm       float64
	stepTicks uint32
	running   bool
	paused    bool
	counter   uint32

	// Last quarter index reported, -1 when none.
	lastBeat int64

	next          Handle
	registrations []registration

	// Pulses recorded and not yet drained.
	pending uint32
	signal  chan struct{}
}

// NewEngine creates a stopped engine at the default tempo.
func NewEngine(pulse PulseSource, log hclog.Logger) *Engine {
	return &Engine{
		log:       log,
		pulse:     pulse,
		bpm:       types.DefaultBPM,
		stepTicks: types.PPQN,
		lastBeat:  -1,
		signal:    make(chan struct{}, 1),
	}
}

// Register a listener, returning the handle to remove it.
func (e *Engine) Register(l Listener) Handle {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.next++
	e.registrations = append(e.registrations, registration{handle: e.next, listener: l})
	return e.next
}

// Unregister the listener, returns false if it was not registered.
func (e *Engine) Unregister(h Handle) bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	for i, r := range e.registrations {
		if r.handle == h {
			e.registrations = append(e.registrations[:i], e.registrations[i+1:]...)
			return true
		}
	}
	return false
}

// Start running from tick zero. Starting a running engine is a no-op.
func (e *Engine) Start() {
	e.StartAt(0)
}

// StartAt starts running from the given counter, used to join a clock
// already running elsewhere. Starting a running engine is a no-op.
func (e *Engine) StartAt(counter uint32) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.running {
		return
	}
	e.running = true
	e.paused = false
	e.counter = counter
	e.lastBeat = -1
	atomic.StoreUint32(&e.pending, 0)
	e.pulse.SetInterval(Interval(e.bpm, types.PPQN))
	e.pulse.Start(e.onPulse)
	e.log.Debug("clock started", "bpm", e.bpm, "counter", counter)
}

// Stop running and reset the counter to zero.
func (e *Engine) Stop() {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.pulse.Stop()
	e.running = false
	e.paused = false
	e.counter = 0
	e.lastBeat = -1
	atomic.StoreUint32(&e.pending, 0)
}

// Pause freezes the counter.
func (e *Engine) Pause() {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if !e.running || e.paused {
		return
	}
	e.pulse.Stop()
	e.paused = true
}

// Resume continues from the frozen counter.
func (e *Engine) Resume() {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if !e.running || !e.paused {
		return
	}
	e.paused = false
	e.pulse.SetInterval(Interval(e.bpm, types.PPQN))
	e.pulse.Start(e.onPulse)
}

// SetTempo changes the tempo of the pulses after the call, clamped to
// the supported range. Returns the applied tempo.
func (e *Engine) SetTempo(bpm float64) float64 {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.bpm = ClampTempo(bpm)
	e.pulse.SetInterval(Interval(e.bpm, types.PPQN))
	return e.bpm
}

func (e *Engine) Tempo() float64 {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.bpm
}

// SetStepTicks changes the number of pulses between step events.
func (e *Engine) SetStepTicks(ticks uint32) {
	if ticks == 0 {
		ticks = 1
	}
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.stepTicks = ticks
}

func (e *Engine) StepTicks() uint32 {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.stepTicks
}

// Counter is the number of pulses processed since Start.
func (e *Engine) Counter() uint32 {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.counter
}

func (e *Engine) Running() bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.running
}

func (e *Engine) Paused() bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.paused
}

// Signal is notified when pulses are waiting to be drained.
func (e *Engine) Signal() <-chan struct{} {
	return e.signal
}

// Pending pulses not yet drained.
func (e *Engine) Pending() uint32 {
	return atomic.LoadUint32(&e.pending)
}

// Called from the pulse source goroutine.
func (e *Engine) onPulse() {
	atomic.AddUint32(&e.pending, 1)
	select {
	case e.signal <- struct{}{}:
	default:
	}
}

// Drain converts the recorded pulses into events, dispatching them to
// the listeners in registration order. Returns the pulses processed.
func (e *Engine) Drain() int {
	n := atomic.SwapUint32(&e.pending, 0)
	processed := 0
	for i := uint32(0); i < n; i++ {
		if !e.advance() {
			break
		}
		processed++
	}
	return processed
}

type pulseEvents struct {
	counter uint32
	sync24  bool
	beat    bool
	step    bool
	stepIdx uint32
}

func (e *Engine) advance() bool {
	e.mutex.Lock()
	if !e.running {
		e.mutex.Unlock()
		return false
	}

	ev := pulseEvents{counter: e.counter}
	ev.sync24 = ev.counter%(types.PPQN/types.SyncPPQN) == 0
	if ev.counter%types.PPQN == 0 {
		quarter := int64(ev.counter / types.PPQN)
		if quarter != e.lastBeat {
			e.lastBeat = quarter
			ev.beat = true
		}
	}
	if ev.counter%e.stepTicks == 0 {
		ev.step = true
		ev.stepIdx = ev.counter / e.stepTicks
	}
	e.counter++

	listeners := make([]Listener, 0, len(e.registrations))
	for _, r := range e.registrations {
		listeners = append(listeners, r.listener)
	}
	e.mutex.Unlock()

	for _, l := range listeners {
		if l.OnTick != nil {
			l.OnTick(ev.counter)
		}
		if ev.sync24 && l.OnSync24 != nil {
			l.OnSync24(ev.counter / (types.PPQN / types.SyncPPQN))
		}
		if ev.beat && l.OnBeat != nil {
			l.OnBeat(ev.counter / types.PPQN)
		}
		if ev.step && l.OnStep != nil {
			l.OnStep(ev.stepIdx)
		}
	}
	return true
}

// Close stops the engine and removes every listener.
func (e *Engine) Close() {
	e.Stop()

	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.registrations = nil
}
