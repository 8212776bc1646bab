package network

import (
	"fmt"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
	"github.com/jabolina/go-polysync/pkg/polysync/clock"
	"github.com/jabolina/go-polysync/pkg/polysync/types"
	"github.com/jabolina/go-polysync/pkg/polysync/wire"
)

// Sender stamps outgoing messages with the local identity, the next
// sequence number and the send time, then broadcasts them. Failures
// are logged and returned, never retried.
type Sender struct {
	transport Transport
	identity  types.Identity
	time      clock.TimeSource
	sequence  Sequence
	log       hclog.Logger

	sent   uint64
	failed uint64
}

func NewSender(transport Transport, identity types.Identity, time clock.TimeSource, log hclog.Logger) *Sender {
	return &Sender{
		transport: transport,
		identity:  identity,
		time:      time,
		sequence:  NewRandomSequence(),
		log:       log,
	}
}

// Send broadcasts the payload.
func (s *Sender) Send(payload types.Payload) error {
	m := types.Message{
		Header: types.Header{
			Type:      payload.Type(),
			Sequence:  s.sequence.Next(),
			Priority:  s.identity.Priority,
			Sender:    s.identity.ID,
			Timestamp: s.time.NowMicros(),
		},
		Payload: payload,
	}

	frame, err := wire.Encode(m)
	if err != nil {
		atomic.AddUint64(&s.failed, 1)
		s.log.Error("failed encoding message", "type", m.Type, "error", err)
		return err
	}

	if err = s.transport.Broadcast(frame); err != nil {
		atomic.AddUint64(&s.failed, 1)
		s.log.Warn("failed sending message", "type", m.Type, "sequence", m.Sequence, "error", err)
		return fmt.Errorf("broadcast %s: %w", m.Type, err)
	}

	atomic.AddUint64(&s.sent, 1)
	s.log.Trace("message sent", "type", m.Type, "sequence", m.Sequence)
	return nil
}

// Identity used to stamp the messages.
func (s *Sender) Identity() types.Identity {
	return s.identity
}

// Sent is the number of frames broadcast.
func (s *Sender) Sent() uint64 {
	return atomic.LoadUint64(&s.sent)
}

// Failed is the number of frames that could not be broadcast.
func (s *Sender) Failed() uint64 {
	return atomic.LoadUint64(&s.failed)
}
