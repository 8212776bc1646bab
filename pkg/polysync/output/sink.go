package output

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
	"github.com/jabolina/go-polysync/pkg/polysync/concurrent"
)

// Sink consumes the events of a device.
type Sink interface {
	// Deliver the event. Called from a single goroutine, never the
	// device main loop.
	Deliver(e Event) error

	// Close releases the sink resources.
	Close() error
}

// DefaultQueueSize of the dispatcher.
const DefaultQueueSize = 1024

// Dispatcher fans the events out to every sink on its own goroutine, so
// a slow sink never delays the device clock. Events dispatched while
// the queue is full are dropped.
type Dispatcher struct {
	mutex sync.RWMutex
	sinks []Sink

	queue   concurrent.Queue
	log     hclog.Logger
	dropped uint64
}

func NewDispatcher(size int, log hclog.Logger) *Dispatcher {
	return &Dispatcher{
		queue: concurrent.NewQueue(size),
		log:   log,
	}
}

// Attach a sink, receiving the events dispatched after the call.
func (d *Dispatcher) Attach(s Sink) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.sinks = append(d.sinks, s)
}

// Dispatch the event without blocking.
func (d *Dispatcher) Dispatch(e Event) {
	err := d.queue.Schedule(func(context.Context) {
		d.deliver(e)
	})
	if err != nil {
		if atomic.AddUint64(&d.dropped, 1)%100 == 1 {
			d.log.Warn("sinks are behind, dropping events", "kind", e.Kind, "dropped", atomic.LoadUint64(&d.dropped))
		}
	}
}

func (d *Dispatcher) deliver(e Event) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	for _, s := range d.sinks {
		if err := s.Deliver(e); err != nil {
			d.log.Debug("sink failed delivering event", "kind", e.Kind, "error", err)
		}
	}
}

// Flush waits for the dispatched events to be delivered.
func (d *Dispatcher) Flush() {
	d.queue.Flush()
}

// Dropped is the number of events lost because of a full queue.
func (d *Dispatcher) Dropped() uint64 {
	return atomic.LoadUint64(&d.dropped)
}

// Close delivers the pending events and closes every sink.
func (d *Dispatcher) Close() error {
	d.queue.Stop()

	d.mutex.Lock()
	defer d.mutex.Unlock()
	var errs []error
	for _, s := range d.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	d.sinks = nil
	return errors.Join(errs...)
}

// FuncSink adapts a function into a Sink.
type FuncSink func(e Event) error

// Implements the Sink interface.
func (f FuncSink) Deliver(e Event) error {
	return f(e)
}

// Implements the Sink interface.
func (f FuncSink) Close() error {
	return nil
}

// LogSink writes every event except the sync ticks to a logger.
type LogSink struct {
	log hclog.Logger
}

func NewLogSink(log hclog.Logger) *LogSink {
	return &LogSink{log: log}
}

// Implements the Sink interface.
func (l *LogSink) Deliver(e Event) error {
	switch e.Kind {
	case SyncEvent:
	case BeatEvent:
		l.log.Debug("beat", "quarter", e.Quarter, "position", e.Position, "bpm", e.BPM)
	case BarEvent:
		l.log.Debug("bar", "step", e.Step, "length", e.PatternLength, "mask", e.ChannelMask)
	case HitEvent:
		l.log.Trace("hit", "step", e.Step, "hits", len(e.Hits))
	case RoleEvent:
		l.log.Info("role changed", "role", e.Role, "leader", e.Leader)
	case TransportEvent:
		l.log.Info("transport", "command", e.Command)
	case PatternEvent:
		l.log.Debug("pattern replicated", "channel", e.Channel.Channel, "version", e.Channel.Version)
	}
	return nil
}

// Implements the Sink interface.
func (l *LogSink) Close() error {
	return nil
}
