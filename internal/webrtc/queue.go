package webrtc

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned for operations submitted after Close.
var ErrQueueClosed = errors.New("serialization queue closed")

// Queue runs submitted operations one at a time, in submission order, on a
// single goroutine. The native engine is not safe for concurrent use across
// connections, so every connection of a Factory goes through the same Queue.
type Queue struct {
	jobs      chan func()
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue starts the worker goroutine.
func NewQueue() *Queue {
	q := &Queue{
		jobs: make(chan func(), 64),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// Do submits op and waits for it to finish. If ctx ends while op is queued or
// running, Do returns ctx.Err() but op still runs to completion.
func (q *Queue) Do(ctx context.Context, op func() error) error {
	result := make(chan error, 1)
	job := func() { result <- op() }

	select {
	case q.jobs <- job:
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the worker. Queued operations that have not started are dropped.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

func (q *Queue) run() {
	for {
		select {
		case job := <-q.jobs:
			job()
		case <-q.done:
			return
		}
	}
}
