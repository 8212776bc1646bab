package helper

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestInvoker_WaitsSpawned(t *testing.T) {
	defer goleak.VerifyNone(t)

	invoker := NewInvoker()
	var count int32
	for i := 0; i < 20; i++ {
		invoker.Spawn(func() { atomic.AddInt32(&count, 1) })
	}
	invoker.Stop()
	assert.Equal(t, int32(20), atomic.LoadInt32(&count))
	assert.Panics(t, func() { invoker.Spawn(func() {}) })
}

func TestLatch(t *testing.T) {
	var l Latch
	assert.False(t, l.Consume())
	assert.True(t, l.Set())
	assert.False(t, l.Set())
	assert.True(t, l.IsSet())
	assert.True(t, l.Consume())
	assert.False(t, l.Consume())
}

func TestMask_ConcurrentSet(t *testing.T) {
	var m Mask
	wg := sync.WaitGroup{}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.Set(i)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, uint32(0b1111), m.Consume())
	assert.Zero(t, m.Consume())
}

func TestRandomDeviceID(t *testing.T) {
	first := RandomDeviceID()
	second := RandomDeviceID()
	assert.NotEqual(t, first, second)
	assert.Equal(t, byte(0x02), first[0]&0x03)
	assert.False(t, first.IsZero())

	_, ok := InterfaceDeviceID("definitely-not-an-interface")
	assert.False(t, ok)
	assert.False(t, ResolveDeviceID("").IsZero())
}
