package concurrent

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestDetector_Budget(t *testing.T) {
	d := NewDetector(1000)

	ok, exceed := d.Happened(LoopIteration, 10)
	assert.True(t, ok)
	assert.Zero(t, exceed)

	ok, _ = d.Happened(LoopIteration, 1010)
	assert.True(t, ok)

	ok, exceed = d.Happened(LoopIteration, 2510)
	assert.False(t, ok)
	assert.Equal(t, uint64(500), exceed)

	ok, _ = d.Happened(Event(7), 9_000_000)
	assert.True(t, ok, "events are tracked apart")

	d.SetBudget(5000)
	ok, _ = d.Happened(LoopIteration, 6000)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), d.Late())

	d.Reset()
	ok, _ = d.Happened(LoopIteration, 1<<40)
	assert.True(t, ok)
}

func TestQueue_RunsInOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := NewQueue(100)
	var order []int
	for i := 0; i < 50; i++ {
		i := i
		require.NoError(t, q.Schedule(func(context.Context) { order = append(order, i) }))
	}
	q.Flush()
	q.Stop()

	require.Len(t, order, 50)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
	assert.Panics(t, func() { _ = q.Schedule(func(context.Context) {}) })
}

func TestQueue_FullQueueRejects(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := NewQueue(1)
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, q.Schedule(func(context.Context) {
		close(started)
		<-release
	}))
	<-started

	require.NoError(t, q.Schedule(func(context.Context) {}))
	assert.ErrorIs(t, q.Schedule(func(context.Context) {}), ErrQueueFull)
	assert.Equal(t, 1, q.Pending())

	close(release)
	q.Flush()
	assert.Zero(t, q.Pending())
	q.Stop()
}

func TestQueue_StopRunsPending(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := NewQueue(10)
	var done int32
	release := make(chan struct{})
	require.NoError(t, q.Schedule(func(context.Context) { <-release }))
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Schedule(func(ctx context.Context) { atomic.AddInt32(&done, 1) }))
	}
	close(release)
	q.Stop()
	q.Stop()
	assert.Equal(t, int32(3), atomic.LoadInt32(&done))
}
