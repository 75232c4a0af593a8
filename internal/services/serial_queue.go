package services

import (
	"context"
	"sync"
)

// serialQueue runs tasks one at a time, in the order they were pushed, on a
// goroutine of its own. Pushing never blocks.
type serialQueue struct {
	mu        sync.Mutex
	tasks     []func()
	closed    bool
	queued    uint64
	completed uint64
	// progress is closed and replaced each time a task completes.
	progress chan struct{}

	wake chan struct{}
	done chan struct{}
}

func newSerialQueue() *serialQueue {
	q := &serialQueue{
		progress: make(chan struct{}),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go q.loop()
	return q
}

// push queues a task. It reports false once the queue is closed.
func (q *serialQueue) push(task func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, task)
	q.queued++
	q.mu.Unlock()

	q.signal()
	return true
}

// wait blocks until every task pushed before the call has run, or ctx ends.
func (q *serialQueue) wait(ctx context.Context) error {
	q.mu.Lock()
	target := q.queued
	q.mu.Unlock()

	for {
		q.mu.Lock()
		if q.completed >= target {
			q.mu.Unlock()
			return nil
		}
		progress := q.progress
		q.mu.Unlock()

		select {
		case <-progress:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// close stops accepting tasks and returns once the queued ones have run.
func (q *serialQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.signal()
	<-q.done
}

func (q *serialQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *serialQueue) loop() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.wake
			continue
		}
		task := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		task()

		q.mu.Lock()
		q.completed++
		close(q.progress)
		q.progress = make(chan struct{})
		q.mu.Unlock()
	}
}
