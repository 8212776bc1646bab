package concurrent

import (
	"sync"
)

// Event observed by the detector.
type Event uint8

const (
	// LoopIteration is a pass of the device main loop.
	LoopIteration Event = iota
)

// Detect starvation by verifying how long it takes between two
// occurrences of the same event. The budget is usually the duration
// of a clock tick, so it is updated when the tempo changes.
type Detector struct {
	mutex  sync.Mutex
	budget uint64
	mem    map[Event]uint64

	// Occurrences that exceeded the budget.
	late uint64
}

// NewDetector creates a detector with a budget in microseconds.
func NewDetector(budget uint64) *Detector {
	return &Detector{
		budget: budget,
		mem:    make(map[Event]uint64),
	}
}

// SetBudget changes the accepted gap in microseconds.
func (d *Detector) SetBudget(budget uint64) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.budget = budget
}

// Reset the detector cleaning the old saved times.
func (d *Detector) Reset() {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.mem = make(map[Event]uint64)
}

// Happened records the event at the given time. If it happened before,
// verifies the gap since the last occurrence against the budget.
// Returns true while within budget, and by how much it was exceeded.
func (d *Detector) Happened(event Event, now uint64) (bool, uint64) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	ok := true
	var exceed uint64
	if old, happened := d.mem[event]; happened && now > old {
		if gap := now - old; gap > d.budget {
			exceed = gap - d.budget
			ok = false
			d.late++
		}
	}
	d.mem[event] = now
	return ok, exceed
}

// Late is the number of occurrences that exceeded the budget.
func (d *Detector) Late() uint64 {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.late
}
