// File: mailbox/mailbox.go
//
// Package mailbox implements the two cross-thread channels the spec
// requires: dispatcher.async_call (worker -> dispatcher) and
// worker.get_tcall().call (dispatcher -> worker, synchronous). Both
// are single-consumer FIFO task queues; storage is a
// github.com/eapache/queue ring buffer guarded by a mutex, with a
// channel used purely as a wakeup signal for the consumer's poll loop.
package mailbox

import (
	"sync"

	"github.com/eapache/queue"
)

// Task is a unit of work posted across the dispatcher/worker boundary.
type Task func()

// Mailbox is a single-consumer, multi-producer FIFO of Tasks.
type Mailbox struct {
	mu     sync.Mutex
	q      *queue.Queue
	notify chan struct{}
}

// New returns an empty mailbox.
func New() *Mailbox {
	return &Mailbox{
		q:      queue.New(),
		notify: make(chan struct{}, 1),
	}
}

// Post enqueues a task and wakes the consumer. Safe to call from any
// goroutine.
func (m *Mailbox) Post(t Task) {
	m.mu.Lock()
	m.q.Add(t)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Notify exposes the wakeup channel so a reactor-driven consumer can
// select on it alongside fd readiness without polling.
func (m *Mailbox) Notify() <-chan struct{} {
	return m.notify
}

// Drain removes and returns every currently queued task, in FIFO
// order, without blocking. The consumer calls this once per wakeup.
func (m *Mailbox) Drain() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.q.Length()
	if n == 0 {
		return nil
	}
	tasks := make([]Task, n)
	for i := 0; i < n; i++ {
		tasks[i] = m.q.Peek().(Task)
		m.q.Remove()
	}
	return tasks
}

// Call posts a task and blocks until it has run, giving the
// dispatcher->worker synchronous call semantics the spec requires for
// disp_terminate's "invoke stop() on that worker" step.
func (m *Mailbox) Call(t Task) {
	done := make(chan struct{})
	m.Post(func() {
		t()
		close(done)
	})
	<-done
}
