// File: connection.go
//
// Connection implements the per-connection state machine from spec
// §3/§4.C: Connecting -> [Handshaking] -> Established -> Dead, driven
// across the dispatcher/worker partition described in spec §5.
//
// The source library's self_ref pins the connection against a
// reference-counting GC so in-flight callbacks never see a freed
// object; Go's garbage collector already keeps self-cycles alive, so
// self()/release are reduced to a single atomic "is this connection
// still live" flag (see SPEC_FULL.md's Connection module note) rather
// than a real Strong/Weak handle pair.
package connpool

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/arcwire/connpool/api"
	"github.com/arcwire/connpool/buffer"
	"github.com/arcwire/connpool/internal/netutil"
	"github.com/arcwire/connpool/tlssession"
	"go.uber.org/zap"
)

// state enumerates the connection's lifecycle phase, spec §4.C.
type state int32

const (
	stateConnecting state = iota
	stateHandshaking
	stateEstablished
	stateDead
)

// Connection is the central entity from spec §3.
type Connection struct {
	fd       atomic.Int32 // -1 after close
	peerAddr api.NetAddr
	mode     atomic.Int32 // api.ConnMode; Dead once stop() has run

	sendBuf *buffer.Queue
	recvBuf *buffer.Queue

	segBuffSize int
	readySend   atomic.Bool

	worker *Worker
	pool   *Pool

	tls        *tlssession.Session
	peerCert   atomic.Pointer[api.PeerCertificate]
	sendSignal chan struct{} // wakes tlsSendLoop; nil for plaintext conns
	doneCh     chan struct{}

	alive atomic.Bool // true until teardown; self()'s Go analogue
	st    atomic.Int32

	handler api.Handler

	bytesSent uint64
	bytesRecv uint64

	log *zap.Logger

	mu sync.Mutex // guards stop()'s idempotence window
}

// FD implements api.Conn.
func (c *Connection) FD() int { return int(c.fd.Load()) }

// PeerAddr implements api.Conn.
func (c *Connection) PeerAddr() api.NetAddr { return c.peerAddr }

// Mode implements api.Conn.
func (c *Connection) Mode() api.ConnMode { return api.ConnMode(c.mode.Load()) }

// PeerCertificate implements api.Conn.
func (c *Connection) PeerCertificate() *api.PeerCertificate {
	return c.peerCert.Load()
}

// Recv implements api.Conn: drains the oldest queued receive segment.
func (c *Connection) Recv() []byte {
	return c.recvBuf.MovePop()
}

func (c *Connection) String() string {
	return fmt.Sprintf("<Conn fd=%d addr=%s mode=%s>", c.FD(), c.peerAddr, c.Mode())
}

// self mirrors the source library's self(): it reports whether the
// connection is still live, the Go analogue of upgrading a weak
// handle. Callbacks that observe false must exit without touching fd.
func (c *Connection) self() (*Connection, bool) {
	if !c.alive.Load() {
		return nil, false
	}
	return c, true
}

// Send enqueues p onto the send buffer and, if already writable,
// flushes eagerly — implements api.Conn.Send and is the pool's
// Send(handle, bytes) façade operation (spec §4.F).
func (c *Connection) Send(p []byte) error {
	if c.st.Load() == int32(stateDead) {
		return api.ErrConnDead
	}
	if err := c.sendBuf.Push(p); err != nil {
		return err
	}
	if c.tls != nil {
		select {
		case c.sendSignal <- struct{}{}:
		default:
		}
		return nil
	}
	if c.readySend.Load() {
		c.worker.mailbox.Post(func() { c.sendData() })
	}
	return nil
}

// sendData implements spec §4.C's "_send_data".
func (c *Connection) sendData() {
	fd := c.FD()
	if fd < 0 {
		return
	}
	for {
		segment := c.sendBuf.MovePop()
		size := len(segment)
		if size == 0 {
			break
		}
		n, err := netutil.Write(fd, segment)
		c.log.Debug("socket sent", zap.Int("n", n), zap.Int("fd", fd))
		remaining := size - n
		if remaining > 0 {
			if n < 1 {
				c.sendBuf.Rewind(segment)
				// A zero-byte, no-error send is treated as benign
				// (rewind, wait for writable) rather than a fatal
				// condition — see spec §9's open question on this
				// exact ambiguity in the source library.
				if err == nil || isWouldBlock(err) {
					c.readySend.Store(false)
					c.worker.reactorSubscribeWritable(c)
					return
				}
				c.log.Info("send failure", zap.Int("fd", fd), zap.Error(err))
				c.workerTerminate()
				return
			}
			c.sendBuf.Rewind(append([]byte(nil), segment[n:]...))
			c.readySend.Store(false)
			c.worker.reactorSubscribeWritable(c)
			return
		}
	}
	c.worker.reactorSubscribeReadOnly(c)
	c.readySend.Store(true)
}

// recvData implements spec §4.C's "_recv_data".
func (c *Connection) recvData() {
	fd := c.FD()
	if fd < 0 {
		return
	}
	n := c.segBuffSize
	for n == c.segBuffSize {
		seg := make([]byte, c.segBuffSize)
		var err error
		n, err = netutil.Read(fd, seg)
		c.log.Debug("socket read", zap.Int("n", n), zap.Int("fd", fd))
		if n < 0 {
			n = 0
		}
		if err != nil {
			if isWouldBlock(err) {
				break
			}
			c.log.Info("recv failure", zap.Int("fd", fd), zap.Error(err))
			c.workerTerminate()
			return
		}
		if n == 0 {
			c.workerTerminate()
			return
		}
		atomic.AddUint64(&c.bytesRecv, uint64(n))
		_ = c.recvBuf.Push(seg[:n])
	}
	c.handler.OnRead(c)
}

func isWouldBlock(err error) bool {
	return netutil.IsWouldBlock(err)
}

// worker_terminate implements spec §4.C: originates on the worker,
// stops locally, then schedules del_conn on the dispatcher unless
// already there.
func (c *Connection) workerTerminate() {
	conn, ok := c.self()
	if !ok {
		return
	}
	conn.stop()
	// TLS data loops run on their own goroutines, never the dispatcher's.
	if c.tls != nil || (c.worker != nil && !c.worker.isDispatcher) {
		c.pool.dispatcher.asyncCall(func() { c.pool.dispatcher.delConn(conn) })
	} else {
		c.pool.dispatcher.delConn(conn)
	}
}

// disp_terminate implements spec §4.C: originates on the dispatcher.
func (c *Connection) dispTerminate() {
	conn, ok := c.self()
	if !ok {
		return
	}
	if c.worker != nil && !c.worker.isDispatcher {
		c.worker.mailbox.Call(func() { conn.stop() })
	} else {
		conn.stop()
	}
	c.pool.dispatcher.delConn(conn)
}

// stop implements spec §4.C: idempotent, clears subscriptions, marks
// Dead. dispTerminate runs it on the assigned worker (or on the
// dispatcher when there is none), and workerTerminate runs it on the
// goroutine that detected the failure: the worker's reactor callback,
// or for an established TLS connection its tlsRecvLoop/tlsSendLoop
// goroutine. c.mu serializes concurrent calls.
func (c *Connection) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state(c.st.Load()) == stateDead {
		return
	}
	if c.worker != nil {
		c.worker.unfeed(c)
	}
	c.st.Store(int32(stateDead))
	c.mode.Store(int32(api.Dead))
	if c.doneCh != nil {
		close(c.doneCh)
	}
}
