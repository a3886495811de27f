package collector

import (
	"context"
	"errors"
	"sync"
	"time"

	"OpenCGM-Host/pkg/plugin"
)

// ErrQueueClosed is returned when publishing to a closed queue.
var ErrQueueClosed = errors.New("collector queue is closed")

// Job is one poll of one capability.
type Job struct {
	ID         string
	Capability plugin.Capability
	Attempt    int
	EnqueuedAt time.Time
}

// Handler processes a job.
type Handler func(ctx context.Context, job Job) error

// Queue is a buffered channel of jobs consumed by a worker pool.
type Queue struct {
	ch     chan Job
	mu     sync.Mutex
	closed bool
}

// NewQueue creates a queue holding up to size pending jobs.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 64
	}
	return &Queue{ch: make(chan Job, size)}
}

// Publish enqueues job, blocking while the queue is full.
func (q *Queue) Publish(ctx context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- job:
		return nil
	}
}

// TryPublish enqueues job unless the queue is full.
func (q *Queue) TryPublish(job Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- job:
		return true
	default:
		return false
	}
}

// Consume runs workerCount workers until ctx is cancelled.
func (q *Queue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-q.ch:
					if !ok {
						return
					}
					_ = handler(ctx, job)
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close stops accepting jobs.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	return nil
}
