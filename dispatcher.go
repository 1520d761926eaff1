// File: dispatcher.go
//
// Dispatcher is the single thread (goroutine, in Go terms) that owns
// the listen fd, outstanding connect attempts, the pool registry, and
// worker selection — spec §4.E / §5.
package connpool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/arcwire/connpool/api"
	"github.com/arcwire/connpool/internal/netutil"
	"github.com/arcwire/connpool/mailbox"
	"github.com/arcwire/connpool/reactor"
	"go.uber.org/zap"
)

// connectAttempt tracks an in-flight Active connect, spec §4.C's
// "Connecting" state.
type connectAttempt struct {
	conn     *Connection
	deadline time.Time
}

// Dispatcher implements spec §4.E.
type Dispatcher struct {
	pool *Pool

	reactor reactor.Reactor
	mailbox *mailbox.Mailbox

	listenFD int

	mu        sync.Mutex
	byFD      map[int]*Connection
	connects  map[int]*connectAttempt
	nextRR    int

	// busy is true while the dispatcher's own goroutine is running
	// mailbox tasks, the connect-timeout scan, or is inside a reactor
	// Poll (waiting or dispatching) — the same reentrancy signal
	// Worker.busy provides, mirrored here since
	// beginServing/delConn invoke Handler callbacks directly on this
	// goroutine.
	busy atomic.Bool

	stopCh chan struct{}
	log    *zap.Logger
}

func newDispatcher(p *Pool) (*Dispatcher, error) {
	r, err := reactor.New()
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		pool:     p,
		reactor:  r,
		mailbox:  mailbox.New(),
		listenFD: -1,
		byFD:     make(map[int]*Connection),
		connects: make(map[int]*connectAttempt),
		stopCh:   make(chan struct{}),
		log:      p.cfg.Logger,
	}, nil
}

// asyncCall implements spec §4.E's async_call: worker -> dispatcher.
func (d *Dispatcher) asyncCall(t mailbox.Task) {
	d.mailbox.Post(t)
}

// listen implements spec §4.E's listen(addr).
func (d *Dispatcher) listen(addr api.NetAddr) error {
	fd, err := netutil.Listen(addr, d.pool.cfg.MaxListenBacklog)
	if err != nil {
		return err
	}
	d.listenFD = fd
	d.log.Info("listening", zap.Stringer("addr", addr))
	return d.reactor.Register(uintptr(fd), reactor.EventRead, func(_ uintptr, _ reactor.FDEventType) {
		d.acceptClient()
	})
}

// acceptClient implements spec §4.E's Accept.
func (d *Dispatcher) acceptClient() {
	fd, addr, err := netutil.Accept4(d.listenFD)
	if err != nil {
		if !netutil.IsWouldBlock(err) {
			d.log.Error("accept failed", zap.Error(err))
		}
		return
	}

	conn := d.pool.newConnection(fd, addr, api.Passive)
	d.addConn(conn)
	d.log.Info("accepted", zap.Stringer("conn", conn))

	w := d.selectWorker()
	conn.worker = w
	d.beginServing(conn, fd)
}

// connect implements spec §4.E's connect(addr): non-blocking connect,
// then a writable+timeout subscription validated by the zero-byte
// send probe.
func (d *Dispatcher) connect(addr api.NetAddr) (*Connection, error) {
	fd, inProgress, err := netutil.Connect(addr)
	if err != nil {
		return nil, err
	}
	conn := d.pool.newConnection(fd, addr, api.Active)
	d.addConn(conn)
	d.log.Info("created", zap.Stringer("conn", conn))

	if !inProgress {
		d.completeConnect(conn)
		return conn, nil
	}

	d.mu.Lock()
	d.connects[fd] = &connectAttempt{conn: conn, deadline: time.Now().Add(d.pool.cfg.ConnServerTimeout)}
	d.mu.Unlock()

	_ = d.reactor.Register(uintptr(fd), reactor.EventWrite, func(_ uintptr, _ reactor.FDEventType) {
		d.connServer(conn)
	})
	return conn, nil
}

// connServer implements spec §4.E's connect-completion probe.
func (d *Dispatcher) connServer(conn *Connection) {
	fd := conn.FD()
	if fd < 0 {
		return
	}
	if err := netutil.ConnectProbe(fd); err == nil {
		d.mu.Lock()
		delete(d.connects, fd)
		d.mu.Unlock()
		_ = d.reactor.Unregister(uintptr(fd))
		d.completeConnect(conn)
		return
	}
	d.log.Info("connect failed", zap.Stringer("conn", conn))
	d.failConnect(conn)
}

func (d *Dispatcher) failConnect(conn *Connection) {
	fd := conn.FD()
	d.mu.Lock()
	delete(d.connects, fd)
	d.mu.Unlock()
	_ = d.reactor.Unregister(uintptr(fd))
	conn.dispTerminate()
}

// completeConnect hands off a successfully connected/accepted
// connection to a worker and fires on_setup, per spec §4.C steps 2-3.
func (d *Dispatcher) completeConnect(conn *Connection) {
	w := conn.worker
	if w == nil {
		w = d.selectWorker()
		conn.worker = w
	}
	d.beginServing(conn, conn.FD())
}

func (d *Dispatcher) beginServing(conn *Connection, fd int) {
	// State must be set before feed(): feed() inspects conn.st to pick
	// the fd's initial reactor interest (Handshaking connections need
	// both directions from the start).
	if conn.pool.cfg.EnableTLS {
		conn.st.Store(int32(stateHandshaking))
		conn.tls.Start()
	} else {
		conn.st.Store(int32(stateEstablished))
		// A freshly established plaintext connection has nothing
		// queued and no write subscription yet; mark it writable so
		// the first Send() flushes directly instead of waiting for a
		// write-readiness event that reactorSubscribeReadOnly will
		// never produce (the fd is registered read-only until a
		// partial write asks for more).
		conn.readySend.Store(true)
	}
	conn.worker.feed(conn, fd)
	d.pool.cfg.Logger.Info("on_setup", zap.Stringer("conn", conn))
	conn.handler.OnSetup(conn)
}

// selectWorker implements spec §4.D's selection policy.
func (d *Dispatcher) selectWorker() *Worker {
	workers := d.pool.workers
	if len(workers) == 0 {
		return d.pool.dispatcherWorker
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.pool.cfg.WorkerSelection {
	case SelectLeastConnections:
		best := workers[0]
		for _, w := range workers[1:] {
			if w.NumConns() < best.NumConns() {
				best = w
			}
		}
		return best
	default: // SelectRoundRobin
		w := workers[d.nextRR%len(workers)]
		d.nextRR++
		return w
	}
}

// addConn implements spec §4.E's add_conn.
func (d *Dispatcher) addConn(c *Connection) {
	d.mu.Lock()
	d.byFD[c.FD()] = c
	d.mu.Unlock()
}

// delConn implements spec §4.C/§4.E's del_conn: idempotent, removes
// from the registry, fires on_teardown, closes fd.
func (d *Dispatcher) delConn(conn *Connection) {
	d.mu.Lock()
	fd := conn.FD()
	existing, ok := d.byFD[fd]
	if !ok || existing != conn {
		d.mu.Unlock()
		return
	}
	delete(d.byFD, fd)
	d.mu.Unlock()

	conn.handler.OnTeardown(conn)
	conn.handler.UpdateConn(conn, false)
	conn.alive.Store(false)
	netutil.Close(fd)
	conn.fd.Store(-1)
	d.log.Info("terminated", zap.Stringer("conn", conn))
}

// checkConnectTimeouts scans outstanding connect attempts for
// expired deadlines, spec §4.C's Connecting -> Dead transition.
func (d *Dispatcher) checkConnectTimeouts() {
	now := time.Now()
	d.mu.Lock()
	var expired []*Connection
	for fd, att := range d.connects {
		if now.After(att.deadline) {
			expired = append(expired, att.conn)
			delete(d.connects, fd)
		}
	}
	d.mu.Unlock()
	for _, conn := range expired {
		d.log.Info("connect timeout", zap.Stringer("conn", conn))
		_ = d.reactor.Unregister(uintptr(conn.FD()))
		conn.dispTerminate()
	}
}

// run is the dispatcher's event loop. When the pool was configured
// with zero workers, the sole worker's mailbox and reactor are also
// drained here so every callback for that worker genuinely runs on
// the dispatcher's own goroutine, matching the single-threaded
// cooperative-reactor model spec §5 describes for that configuration
// (workerTerminate/dispTerminate's isDispatcher branch assumes this).
func (d *Dispatcher) run() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	w := d.pool.dispatcherWorker
	for {
		select {
		case <-d.stopCh:
			return
		case <-d.mailbox.Notify():
			d.busy.Store(true)
			for _, t := range d.mailbox.Drain() {
				t()
			}
			d.busy.Store(false)
		case <-ticker.C:
			d.busy.Store(true)
			d.checkConnectTimeouts()
			d.busy.Store(false)
		default:
		}
		if w != nil {
			select {
			case <-w.mailbox.Notify():
				w.busy.Store(true)
				for _, t := range w.mailbox.Drain() {
					t()
				}
				w.busy.Store(false)
			default:
			}
			w.busy.Store(true)
			_, _ = w.reactor.Poll(0)
			w.busy.Store(false)
		}
		d.busy.Store(true)
		_, _ = d.reactor.Poll(50)
		d.busy.Store(false)
	}
}

func (d *Dispatcher) close() {
	close(d.stopCh)
	if d.listenFD >= 0 {
		netutil.Close(d.listenFD)
	}
	_ = d.reactor.Close()
}
