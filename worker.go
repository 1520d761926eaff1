// File: worker.go
//
// Worker owns a reactor and a single-consumer mailbox; it services a
// subset of the pool's connections' I/O, per spec §4.D.
package connpool

import (
	"sync"
	"sync/atomic"

	"github.com/arcwire/connpool/mailbox"
	"github.com/arcwire/connpool/reactor"
)

// Worker implements spec §4.D.
type Worker struct {
	id           int
	isDispatcher bool

	reactor reactor.Reactor
	mailbox *mailbox.Mailbox

	mu    sync.RWMutex
	conns map[int]*Connection

	numConns atomic.Int64

	// busy is true while this worker's own goroutine is running mailbox
	// tasks or is inside reactor.Poll — both while it waits for events
	// and while it runs a callback, so it covers every moment a Handler
	// callback could be running. Pool.Terminate reads this to detect
	// calling itself back onto its own worker.
	busy atomic.Bool

	stopCh chan struct{}
}

func newWorker(id int) (*Worker, error) {
	r, err := reactor.New()
	if err != nil {
		return nil, err
	}
	return &Worker{
		id:      id,
		reactor: r,
		mailbox: mailbox.New(),
		conns:   make(map[int]*Connection),
		stopCh:  make(chan struct{}),
	}, nil
}

// NumConns reports the worker's current connection count, used by the
// least-connections selection policy.
func (w *Worker) NumConns() int { return int(w.numConns.Load()) }

// feed registers fd's readiness callbacks on this worker, per spec
// §4.D. For plaintext connections reads call recvData and writes call
// sendData directly; for TLS connections, readiness is first relayed
// into the handshake/data bridge.
func (w *Worker) feed(c *Connection, fd int) {
	w.mu.Lock()
	w.conns[fd] = c
	w.mu.Unlock()
	w.numConns.Add(1)

	initial := reactor.EventRead
	if state(c.st.Load()) == stateHandshaking {
		initial |= reactor.EventWrite
	}
	_ = w.reactor.Register(uintptr(fd), initial, func(_ uintptr, events reactor.FDEventType) {
		w.dispatchEvent(c, events)
	})
}

func (w *Worker) dispatchEvent(c *Connection, events reactor.FDEventType) {
	// _send_data/_recv_data/_send_data_tls/_recv_data_tls in conn.cpp
	// all check this before anything else; a socket that errors out
	// with no accompanying read/write bit would otherwise never reach
	// workerTerminate.
	if events&reactor.EventError != 0 {
		c.workerTerminate()
		return
	}
	switch state(c.st.Load()) {
	case stateHandshaking:
		c.onHandshakeEvent(events)
	case stateEstablished:
		if c.tls != nil {
			if events&reactor.EventRead != 0 {
				c.tls.NotifyReadable()
			}
			if events&reactor.EventWrite != 0 {
				c.tls.NotifyWritable()
			}
			return
		}
		if events&reactor.EventWrite != 0 {
			c.sendData()
		}
		if events&reactor.EventRead != 0 {
			c.recvData()
		}
	}
}

// reactorSubscribeReadOnly re-arms fd for readable-only interest,
// dropping any writable subscription — used once the send buffer
// drains (spec §4.C step 1 of the send path).
func (w *Worker) reactorSubscribeReadOnly(c *Connection) {
	_ = w.reactor.Modify(uintptr(c.FD()), reactor.EventRead)
}

// reactorSubscribeWritable adds a writable subscription alongside the
// existing readable one — used when a send blocks partway through so
// the worker is woken again once the socket drains (spec §4.C step 1
// of the send path, the retry half).
func (w *Worker) reactorSubscribeWritable(c *Connection) {
	_ = w.reactor.Modify(uintptr(c.FD()), reactor.EventRead|reactor.EventWrite)
}

// unfeed deregisters a connection from this worker, per spec §4.D.
// Idempotent.
func (w *Worker) unfeed(c *Connection) {
	w.mu.Lock()
	_, known := w.conns[c.FD()]
	delete(w.conns, c.FD())
	w.mu.Unlock()
	if !known {
		return
	}
	w.numConns.Add(-1)
	_ = w.reactor.Unregister(uintptr(c.FD()))
	c.sendBuf.SetCapacity(0) // detach backpressure accounting; no more writers
}

// run is the worker's event loop: alternates polling the reactor and
// draining its cross-thread mailbox, per spec §5's ownership
// partition (the dispatcher never touches a fed connection's fd).
func (w *Worker) run() {
	for {
		select {
		case <-w.stopCh:
			return
		case <-w.mailbox.Notify():
			w.busy.Store(true)
			for _, t := range w.mailbox.Drain() {
				t()
			}
			w.busy.Store(false)
		default:
		}
		w.busy.Store(true)
		_, _ = w.reactor.Poll(50)
		w.busy.Store(false)
	}
}

func (w *Worker) close() {
	close(w.stopCh)
	_ = w.reactor.Close()
}
