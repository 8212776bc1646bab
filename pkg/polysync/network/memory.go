package network

import (
	"sync"
)

// LossFunc decides if the frame broadcast by from must be dropped
// before reaching to.
type LossFunc func(from, to string, frame []byte) bool

// MemoryBus is an in-process broadcast medium. Every transport joined
// to the bus receives the frames broadcast by any of them, including
// its own, as a radio broadcast does.
type MemoryBus struct {
	mutex   sync.RWMutex
	members map[string]*MemoryTransport
	loss    LossFunc
}

// NewMemoryBus creates a lossless bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{members: make(map[string]*MemoryTransport)}
}

// SetLoss changes the loss function, nil for a lossless bus.
func (b *MemoryBus) SetLoss(loss LossFunc) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.loss = loss
}

// Join creates a transport attached to the bus. Joining with the name
// of an attached transport replaces it.
func (b *MemoryBus) Join(name string) *MemoryTransport {
	t := &MemoryTransport{
		name:     name,
		bus:      b,
		producer: make(chan []byte, 1024),
	}

	b.mutex.Lock()
	previous := b.members[name]
	b.members[name] = t
	b.mutex.Unlock()

	if previous != nil {
		previous.Close()
	}
	return t
}

func (b *MemoryBus) leave(t *MemoryTransport) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.members[t.name] == t {
		delete(b.members, t.name)
	}
}

func (b *MemoryBus) broadcast(from string, frame []byte) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	for name, member := range b.members {
		if b.loss != nil && b.loss(from, name, frame) {
			continue
		}
		data := make([]byte, len(frame))
		copy(data, frame)
		member.deliver(data)
	}
}

// MemoryTransport implements the Transport interface over a MemoryBus.
type MemoryTransport struct {
	name string
	bus  *MemoryBus

	mutex    sync.Mutex
	closed   bool
	producer chan []byte
}

// Name of the transport on the bus.
func (m *MemoryTransport) Name() string {
	return m.name
}

// Implements the Transport interface.
func (m *MemoryTransport) Broadcast(frame []byte) error {
	m.mutex.Lock()
	closed := m.closed
	m.mutex.Unlock()

	if closed {
		return ErrTransportClosed
	}
	m.bus.broadcast(m.name, frame)
	return nil
}

// A full queue drops the frame, as an overrun radio would.
func (m *MemoryTransport) deliver(frame []byte) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closed {
		return
	}
	select {
	case m.producer <- frame:
	default:
	}
}

// Implements the Transport interface.
func (m *MemoryTransport) Listen() <-chan []byte {
	return m.producer
}

// Implements the Transport interface.
func (m *MemoryTransport) Close() error {
	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()
		return nil
	}
	m.closed = true
	close(m.producer)
	m.mutex.Unlock()

	m.bus.leave(m)
	return nil
}
