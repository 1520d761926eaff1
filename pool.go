// File: pool.go
//
// Pool is the public façade from spec §4.F: listen, connect,
// terminate, terminate_async, send, stats.
package connpool

import (
	"sync"

	"github.com/arcwire/connpool/api"
	"github.com/arcwire/connpool/buffer"
	"github.com/arcwire/connpool/tlssession"
)

// Stats is a snapshot of pool-wide counters.
type Stats struct {
	NumConns int
}

// Pool is the connection pool façade.
type Pool struct {
	cfg     *Config
	handler api.Handler

	dispatcher       *Dispatcher
	workers          []*Worker
	dispatcherWorker *Worker // used when NumWorkers == 0 (dispatcher-only)

	wg     sync.WaitGroup
	onceMu sync.Mutex
	once   *sync.Once
}

// New constructs a Pool. handler receives the lifecycle hooks from
// spec §3's Lifecycle section.
func New(handler api.Handler, opts ...Option) (*Pool, error) {
	cfg := DefaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	if handler == nil {
		handler = api.HandlerFuncs{}
	}

	p := &Pool{cfg: cfg, handler: handler}

	disp, err := newDispatcher(p)
	if err != nil {
		return nil, err
	}
	p.dispatcher = disp

	// A worker must own every fed connection's I/O even when
	// NumWorkers == 0 ("N=0 collapses the system to a single-threaded
	// cooperative reactor", spec §5); we model that by running one
	// worker loop inline on the dispatcher's own goroutine in that case.
	if cfg.NumWorkers == 0 {
		w, err := newWorker(0)
		if err != nil {
			return nil, err
		}
		w.isDispatcher = true
		p.dispatcherWorker = w
	} else {
		for i := 0; i < cfg.NumWorkers; i++ {
			w, err := newWorker(i)
			if err != nil {
				return nil, err
			}
			p.workers = append(p.workers, w)
		}
	}

	return p, nil
}

// newConnection builds a Connection in its initial lifecycle state,
// per spec §3's Lifecycle step 1.
func (p *Pool) newConnection(fd int, addr api.NetAddr, mode api.ConnMode) *Connection {
	c := &Connection{
		peerAddr:    addr,
		sendBuf:     buffer.New(p.cfg.QueueCapacity),
		recvBuf:     buffer.New(0),
		segBuffSize: p.cfg.SegBuffSize,
		pool:        p,
		handler:     p.handler,
		log:         p.cfg.Logger,
	}
	c.mode.Store(int32(mode))
	c.fd.Store(int32(fd))
	c.alive.Store(true)
	c.st.Store(int32(stateConnecting))
	if p.cfg.EnableTLS {
		c.tls = tlssession.New(p.cfg.TLSContext, fd, mode == api.Passive)
		// Established-phase TLS data I/O runs on tlsSendLoop/tlsRecvLoop,
		// not the worker's reactor callback, so a blocked write needs an
		// explicit hook to get the fd's writable interest re-added (the
		// reactor is read-only by the time finishHandshake runs).
		c.tls.SetWriteHooks(
			func() { c.worker.reactorSubscribeWritable(c) },
			func() { c.worker.reactorSubscribeReadOnly(c) },
		)
		c.sendSignal = make(chan struct{}, 1)
		c.doneCh = make(chan struct{})
	}
	return c
}

// Listen implements spec §4.F's listen(addr).
func (p *Pool) Listen(addr string) error {
	a, err := api.ParseNetAddr(addr)
	if err != nil {
		return err
	}
	p.start()
	return p.dispatcher.listen(a)
}

// Connect implements spec §4.F's connect(addr). The returned handle
// may still be in the Connecting state; completion (or timeout) is
// observed via the Handler's OnSetup/OnTeardown hooks.
func (p *Pool) Connect(addr string) (*Connection, error) {
	a, err := api.ParseNetAddr(addr)
	if err != nil {
		return nil, err
	}
	p.start()
	return p.dispatcher.connect(a)
}

// Terminate implements spec §4.F's terminate(handle). When neither the
// dispatcher's nor c's worker's busy flag is set, it blocks until
// disp_terminate has run on the dispatcher's own goroutine, so the
// caller observes the teardown (on_teardown already fired, fd closed)
// before Terminate returns. Otherwise it uses the same non-blocking
// handoff TerminateAsync uses, and teardown completes after it returns.
//
// A Handler callback calling Terminate on its own connection — spec
// §8's double-terminate-from-a-worker-callback scenario — is already
// running on the dispatcher's or c's worker's own goroutine; blocking
// that same goroutine on a cross-call back into itself would deadlock,
// and the busy flags route that case to the non-blocking handoff. The
// flags are also set while those goroutines wait inside reactor.Poll,
// so a call from an unrelated goroutine usually takes the non-blocking
// path as well.
func (p *Pool) Terminate(c *Connection) {
	if p.dispatcher.busy.Load() || (c.worker != nil && c.worker.busy.Load()) {
		p.TerminateAsync(c)
		return
	}
	p.dispatcher.mailbox.Call(func() { c.dispTerminate() })
}

// TerminateAsync posts a termination request without waiting for it
// to be processed, spec §4.F's terminate_async.
func (p *Pool) TerminateAsync(c *Connection) {
	p.dispatcher.asyncCall(func() { c.dispTerminate() })
}

// Send implements spec §4.F's send(handle, bytes): delegates to the
// connection's enqueue API.
func (p *Pool) Send(c *Connection, data []byte) error {
	return c.Send(data)
}

// Stop tears down every worker and the dispatcher, closing their
// reactors. It does not individually terminate each live connection's
// fd; callers that need a graceful per-connection drain should
// Terminate each handle first. Calling Stop on a pool that was never
// started (Listen/Connect never called) is a no-op.
func (p *Pool) Stop() {
	p.onceMu.Lock()
	started := p.once != nil
	p.onceMu.Unlock()
	if !started {
		return
	}
	p.dispatcher.close()
	for _, w := range p.workers {
		w.close()
	}
	if p.dispatcherWorker != nil {
		_ = p.dispatcherWorker.reactor.Close()
	}
	p.wg.Wait()
}

// Stats implements spec §4.F's stats.
func (p *Pool) Stats() Stats {
	n := 0
	if p.dispatcherWorker != nil {
		n = p.dispatcherWorker.NumConns()
	} else {
		for _, w := range p.workers {
			n += w.NumConns()
		}
	}
	return Stats{NumConns: n}
}

func (p *Pool) start() {
	p.startOnce().Do(func() {
		// When dispatcherWorker is set (NumWorkers == 0), its loop is
		// not started here: Dispatcher.run drives it inline so every
		// callback for that worker runs on the dispatcher's own
		// goroutine, per spec §5's single-threaded cooperative mode.
		for _, w := range p.workers {
			p.wg.Add(1)
			go func(w *Worker) { defer p.wg.Done(); w.run() }(w)
		}
		p.wg.Add(1)
		go func() { defer p.wg.Done(); p.dispatcher.run() }()
	})
}

// startOnce lazily attaches a sync.Once to the pool itself so Listen
// and Connect can share the same start-up path regardless of call
// order, matching the façade's documented "one dispatcher thread, N
// worker threads" topology (spec §5).
func (p *Pool) startOnce() *sync.Once {
	p.onceMu.Lock()
	defer p.onceMu.Unlock()
	if p.once == nil {
		p.once = &sync.Once{}
	}
	return p.once
}
