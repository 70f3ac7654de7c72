package queue

import (
	"context"
	"sync"
	"time"
)

const memoryQueueBuffer = 256

// MemoryQueue is a channel-backed Queue for tests and redis-less
// development. Delivery guarantees hold only within one process.
type MemoryQueue struct {
	mu     sync.Mutex
	queues map[string]chan *Job
	dead   map[string][]*Job
	timers []*time.Timer
	closed bool
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue constructs an in-process queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		queues: make(map[string]chan *Job),
		dead:   make(map[string][]*Job),
	}
}

func (q *MemoryQueue) channel(jobType string) chan *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.queues[jobType]
	if !ok {
		ch = make(chan *Job, memoryQueueBuffer)
		q.queues[jobType] = ch
	}
	return ch
}

// Enqueue makes the job available for dispatch.
func (q *MemoryQueue) Enqueue(ctx context.Context, job *Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.mu.Unlock()
	select {
	case q.channel(job.Type) <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue blocks until a job arrives or ctx is done.
func (q *MemoryQueue) Dequeue(ctx context.Context, jobType string) (*Job, error) {
	select {
	case job := <-q.channel(jobType):
		return job, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Requeue redelivers the job after the delay.
func (q *MemoryQueue) Requeue(ctx context.Context, job *Job, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, job)
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	timer := time.AfterFunc(delay, func() {
		select {
		case q.channel(job.Type) <- job:
		default:
			// queue full; drop back onto the channel blocking in a goroutine
			go func() { q.channel(job.Type) <- job }()
		}
	})
	q.timers = append(q.timers, timer)
	q.mu.Unlock()
	return nil
}

// DeadLetter parks a job that exhausted its retry budget.
func (q *MemoryQueue) DeadLetter(_ context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.dead[job.Type] = append(q.dead[job.Type], job)
	return nil
}

// DeadLetters returns parked jobs for a type.
func (q *MemoryQueue) DeadLetters(jobType string) []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Job, len(q.dead[jobType]))
	copy(out, q.dead[jobType])
	return out
}

// Close stops pending redelivery timers.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for _, timer := range q.timers {
		timer.Stop()
	}
	q.timers = nil
}
