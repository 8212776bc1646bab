package helper

import "sync"

// Invoker is responsible for handling goroutines.
// Every goroutine of a device is spawned through its invoker, so
// closing the device can wait for all of them and none is leaked.
type Invoker interface {
	// Spawn a new goroutine tracked by the invoker.
	Spawn(func())

	// Stop the invoker and wait for the spawned goroutines.
	// Spawning after Stop panics.
	Stop()
}

// GroupInvoker implements the Invoker interface with a wait group.
// Each device owns its own instance.
type GroupInvoker struct {
	mutex   sync.Mutex
	working bool
	group   sync.WaitGroup
}

// NewInvoker creates a working invoker.
func NewInvoker() *GroupInvoker {
	return &GroupInvoker{working: true}
}

// Implements the Invoker interface.
func (g *GroupInvoker) Spawn(f func()) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	if !g.working {
		panic("invoker already closed!")
	}

	g.group.Add(1)
	go func() {
		defer g.group.Done()
		f()
	}()
}

// Implements the Invoker interface.
func (g *GroupInvoker) Stop() {
	g.mutex.Lock()
	g.working = false
	g.mutex.Unlock()
	g.group.Wait()
}
