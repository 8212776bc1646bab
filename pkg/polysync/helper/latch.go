package helper

import "sync/atomic"

const (
	released = 0x0
	latched  = 0x1
)

// Latch records that something happened until it is consumed.
// Any goroutine can Set it and a single consumer takes it with Consume,
// which returns true only once per Set.
type Latch struct {
	flag int32
}

// Set the latch, returns false if it was already set.
func (l *Latch) Set() bool {
	return atomic.CompareAndSwapInt32(&l.flag, released, latched)
}

// IsSet verifies without consuming.
func (l *Latch) IsSet() bool {
	return atomic.LoadInt32(&l.flag) == latched
}

// Consume clears the latch, returning true if it was set.
func (l *Latch) Consume() bool {
	return atomic.CompareAndSwapInt32(&l.flag, latched, released)
}

// Mask is a set of latched indexes, up to 32.
type Mask struct {
	bits uint32
}

// Set latches the index.
func (m *Mask) Set(i int) {
	for {
		current := atomic.LoadUint32(&m.bits)
		if atomic.CompareAndSwapUint32(&m.bits, current, current|1<<uint(i)) {
			return
		}
	}
}

// Consume returns every latched index and clears them.
func (m *Mask) Consume() uint32 {
	return atomic.SwapUint32(&m.bits, 0)
}
