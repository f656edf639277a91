// Package queue provides the FIFO primitives shared by the engine wrapper and
// the participant tasks.
package queue

import "sync"

// Unbounded is a FIFO whose Push never blocks. Values come out of Out in push
// order. After Close, pending values are dropped and Out is closed.
type Unbounded[T any] struct {
	mu    sync.Mutex
	items []T

	notify    chan struct{}
	out       chan T
	done      chan struct{}
	closeOnce sync.Once
}

// NewUnbounded starts the delivery goroutine.
func NewUnbounded[T any]() *Unbounded[T] {
	q := &Unbounded[T]{
		notify: make(chan struct{}, 1),
		out:    make(chan T),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

// Push appends v. It reports false if the queue is closed.
func (q *Unbounded[T]) Push(v T) bool {
	q.mu.Lock()
	select {
	case <-q.done:
		q.mu.Unlock()
		return false
	default:
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Out delivers pushed values.
func (q *Unbounded[T]) Out() <-chan T {
	return q.out
}

// Len is the number of values not yet taken from Out.
func (q *Unbounded[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops delivery. Safe to call more than once.
func (q *Unbounded[T]) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

func (q *Unbounded[T]) run() {
	defer close(q.out)

	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.notify:
				continue
			case <-q.done:
				return
			}
		}
		v := q.items[0]
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- v:
		case <-q.done:
			return
		}
	}
}
