// Package concurrent holds the building blocks used to keep the device
// main loop responsive: a watchdog over its iterations and a bounded
// job queue moving slow work out of it.
package concurrent

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueFull is returned when a job is scheduled on a full queue.
var ErrQueueFull = errors.New("job queue is full")

// Job issued to be executed on the queue goroutine.
type Job func(ctx context.Context)

// Queue executes jobs one at a time in the order they were scheduled.
type Queue interface {
	// Schedule a job for execution, without blocking.
	Schedule(Job) error

	// How many jobs are pending.
	Pending() int

	// Flush waits for every pending job to complete.
	Flush()

	// Stop the queue, pending jobs are still executed.
	Stop()
}

type fifo struct {
	mutex sync.Mutex

	ch       chan struct{}
	capacity int
	pending  []Job
	running  bool

	ctx         context.Context
	cancellable context.CancelFunc

	idle  *sync.Cond
	close chan struct{}
}

// NewQueue creates a queue holding up to capacity pending jobs and
// starts its goroutine.
func NewQueue(capacity int) Queue {
	q := &fifo{
		ch:       make(chan struct{}, 1),
		close:    make(chan struct{}),
		capacity: capacity,
	}

	q.idle = sync.NewCond(&q.mutex)
	q.ctx, q.cancellable = context.WithCancel(context.Background())
	go q.forever()
	return q
}

// Schedule the job to be executed sometime in the future.
// Jobs scheduled after Stop panic.
func (q *fifo) Schedule(j Job) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.cancellable == nil {
		panic("queue is already stopped")
	}
	if len(q.pending) >= q.capacity {
		return ErrQueueFull
	}

	q.pending = append(q.pending, j)
	select {
	case q.ch <- struct{}{}:
	default:
	}
	return nil
}

func (q *fifo) Pending() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.pending)
}

func (q *fifo) Flush() {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	for len(q.pending) != 0 || q.running {
		q.idle.Wait()
	}
}

func (q *fifo) Stop() {
	q.mutex.Lock()
	if q.cancellable == nil {
		q.mutex.Unlock()
		return
	}
	q.cancellable()
	q.cancellable = nil
	q.mutex.Unlock()
	<-q.close
}

// Keeps polling the scheduled jobs for execution until stopped.
func (q *fifo) forever() {
	defer close(q.close)

	for {
		q.mutex.Lock()
		var job Job
		if len(q.pending) != 0 {
			job = q.pending[0]
			q.pending = q.pending[1:]
			q.running = true
		}
		q.mutex.Unlock()

		if job == nil {
			select {
			case <-q.ch:
				continue
			case <-q.ctx.Done():
				q.mutex.Lock()
				jobs := q.pending
				q.pending = nil
				q.mutex.Unlock()
				for _, j := range jobs {
					j(q.ctx)
				}
				q.mutex.Lock()
				q.idle.Broadcast()
				q.mutex.Unlock()
				return
			}
		}

		job(q.ctx)
		q.mutex.Lock()
		q.running = false
		q.idle.Broadcast()
		q.mutex.Unlock()
	}
}
