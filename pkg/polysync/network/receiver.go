package network

import (
	"context"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
	"github.com/jabolina/go-polysync/pkg/polysync/clock"
	"github.com/jabolina/go-polysync/pkg/polysync/helper"
	"github.com/jabolina/go-polysync/pkg/polysync/types"
	"github.com/jabolina/go-polysync/pkg/polysync/wire"
)

// Verdict of a received datagram.
type Verdict uint8

const (
	// Delivered to the handler.
	Delivered Verdict = iota

	// Rejected because the size is not the frame size.
	Rejected

	// Echo of a frame the local device sent.
	Echo

	// Duplicate of a frame recently delivered.
	Duplicate

	// Malformed frame, it could not be decoded.
	Malformed
)

func (v Verdict) String() string {
	switch v {
	case Delivered:
		return "delivered"
	case Rejected:
		return "rejected"
	case Echo:
		return "echo"
	case Duplicate:
		return "duplicate"
	default:
		return "malformed"
	}
}

// Handler receives the decoded messages with the local arrival time.
type Handler func(m types.Message, arrival uint64)

// ReceiverStats counts the verdicts of the received datagrams.
type ReceiverStats struct {
	Delivered  uint64
	Rejected   uint64
	Echoes     uint64
	Duplicates uint64
	Malformed  uint64
}

// Receiver filters the datagrams of a transport and hands the decoded
// messages to the handler. The handler runs on the receiver goroutine,
// outside of the main loop.
type Receiver struct {
	transport Transport
	local     types.DeviceID
	purgatory Purgatory
	time      clock.TimeSource
	handler   Handler
	log       hclog.Logger

	stats [Malformed + 1]uint64

	ctx    context.Context
	cancel context.CancelFunc
}

func NewReceiver(transport Transport, local types.DeviceID, time clock.TimeSource, handler Handler, log hclog.Logger) *Receiver {
	ctx, cancel := context.WithCancel(context.Background())
	return &Receiver{
		transport: transport,
		local:     local,
		purgatory: NewPurgatory(DefaultDuplicateWindow),
		time:      time,
		handler:   handler,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start polling the transport on a goroutine spawned by the invoker.
func (r *Receiver) Start(invoker helper.Invoker) {
	invoker.Spawn(r.poll)
}

// Stop polling. Datagrams still queued on the transport are dropped.
func (r *Receiver) Stop() {
	r.cancel()
}

func (r *Receiver) poll() {
	for {
		select {
		case <-r.ctx.Done():
			return
		case datagram, ok := <-r.transport.Listen():
			if !ok {
				return
			}
			r.Consume(datagram)
		}
	}
}

// Consume a single datagram, returning what was done with it.
func (r *Receiver) Consume(datagram []byte) Verdict {
	arrival := r.time.NowMicros()
	verdict := r.consume(datagram, arrival)
	atomic.AddUint64(&r.stats[verdict], 1)
	return verdict
}

func (r *Receiver) consume(datagram []byte, arrival uint64) Verdict {
	if len(datagram) != wire.FrameSize {
		r.log.Warn("discarding datagram with wrong size", "size", len(datagram), "expected", wire.FrameSize)
		return Rejected
	}

	sender, sequence, _ := wire.PeekSender(datagram)
	if sender == r.local {
		return Echo
	}

	m, err := wire.Decode(datagram)
	if err != nil {
		r.log.Warn("discarding malformed frame", "sender", sender, "error", err)
		return Malformed
	}

	if !r.purgatory.Set(sender, sequence) {
		r.log.Debug("discarding duplicated frame", "sender", sender, "sequence", sequence)
		return Duplicate
	}

	r.handler(m, arrival)
	return Delivered
}

// Stats returns a copy of the counters.
func (r *Receiver) Stats() ReceiverStats {
	return ReceiverStats{
		Delivered:  atomic.LoadUint64(&r.stats[Delivered]),
		Rejected:   atomic.LoadUint64(&r.stats[Rejected]),
		Echoes:     atomic.LoadUint64(&r.stats[Echo]),
		Duplicates: atomic.LoadUint64(&r.stats[Duplicate]),
		Malformed:  atomic.LoadUint64(&r.stats[Malformed]),
	}
}
