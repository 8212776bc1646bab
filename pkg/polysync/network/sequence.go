package network

import (
	"sync/atomic"

	"github.com/jabolina/go-polysync/pkg/polysync/helper"
)

// Sequence numbers the frames of a single sender.
// Using atomic operations, frames can be sent from any goroutine.
type Sequence interface {
	// Next returns the number for a new frame.
	Next() uint32

	// Current returns the number the next frame will receive.
	Current() uint32
}

// SenderSequence implements the Sequence interface starting from any
// value and wrapping around.
type SenderSequence struct {
	index uint32
}

// NewSequence starts numbering from the given value.
func NewSequence(start uint32) Sequence {
	return &SenderSequence{index: start}
}

// NewRandomSequence starts from a random value, so a device that reboots
// does not reuse the numbers its peers still hold as duplicates.
func NewRandomSequence() Sequence {
	return NewSequence(helper.RandomUint32())
}

// Implements the Sequence interface.
func (s *SenderSequence) Next() uint32 {
	return atomic.AddUint32(&s.index, 1) - 1
}

// Implements the Sequence interface.
func (s *SenderSequence) Current() uint32 {
	return atomic.LoadUint32(&s.index)
}
