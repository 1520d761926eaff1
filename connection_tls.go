// File: connection_tls.go
//
// TLS-specific pieces of the Connection state machine: the
// handshake micro-protocol from spec §4.C and the established-phase
// data loops. See SPEC_FULL.md's "TLS Session (B)" note and
// tlssession's package doc for why these run as per-connection
// goroutines fed by reactor readiness, rather than literal one-shot
// WANT_READ/WANT_WRITE callbacks.
package connpool

import (
	"sync/atomic"

	"github.com/arcwire/connpool/reactor"
	"github.com/arcwire/connpool/tlssession"
	"go.uber.org/zap"
)

// onHandshakeEvent implements spec §4.C's handshake micro-protocol.
// events carries whichever readiness bits the reactor just delivered
// for this connection's fd.
func (c *Connection) onHandshakeEvent(events reactor.FDEventType) {
	if events&reactor.EventError != 0 {
		c.workerTerminate()
		return
	}
	// _recv_data_tls_handshake sets ready_send=true unconditionally
	// on a readable event before delegating to the send-side step;
	// preserved per spec §9's note that this coupling is intentional.
	if events&reactor.EventRead != 0 {
		c.readySend.Store(true)
		c.tls.NotifyReadable()
	}
	if events&reactor.EventWrite != 0 {
		c.tls.NotifyWritable()
	}

	status, err := c.tls.Handshake()
	if err != nil {
		c.log.Info("tls handshake failure", zap.Int("fd", c.FD()), zap.Error(err))
		c.workerTerminate()
		return
	}
	switch status {
	case tlssession.HandshakeDone:
		c.finishHandshake()
	case tlssession.HandshakeWantWrite:
		c.worker.reactor.Modify(uintptr(c.FD()), reactor.EventWrite)
		c.log.Debug("tls handshake want write", zap.Int("fd", c.FD()))
	default: // HandshakeWantRead
		c.worker.reactor.Modify(uintptr(c.FD()), reactor.EventRead)
		c.log.Debug("tls handshake want read", zap.Int("fd", c.FD()))
	}
}

// finishHandshake captures the peer certificate, flips to Established,
// notifies the higher layer via UpdateConn, and launches the
// established-phase data goroutines.
func (c *Connection) finishHandshake() {
	if cert, err := c.tls.PeerCertificate(); err == nil {
		c.peerCert.Store(cert)
	}
	c.st.Store(int32(stateEstablished))
	c.worker.reactor.Modify(uintptr(c.FD()), reactor.EventRead)
	c.pool.cfg.Logger.Info("tls handshake complete", zap.Stringer("conn", c))
	c.handler.UpdateConn(c, true)

	go c.tlsRecvLoop()
	go c.tlsSendLoop()
}

// tlsRecvLoop mirrors spec §4.C's "_recv_data_tls" as a dedicated
// goroutine: each Recv call blocks (via the fdConn bridge) until data
// or a fatal error, rather than polling WANT_READ.
func (c *Connection) tlsRecvLoop() {
	for {
		if state(c.st.Load()) == stateDead {
			return
		}
		buf := make([]byte, c.segBuffSize)
		n, err := c.tls.Recv(buf)
		if err != nil {
			c.log.Info("tls recv failure", zap.Int("fd", c.FD()), zap.Error(err))
			c.workerTerminate()
			return
		}
		if n == 0 {
			c.workerTerminate()
			return
		}
		atomic.AddUint64(&c.bytesRecv, uint64(n))
		_ = c.recvBuf.Push(buf[:n])
		c.handler.OnRead(c)
	}
}

// tlsSendLoop mirrors spec §4.C's "_send_data_tls" as a dedicated
// goroutine woken by Connection.Send. crypto/tls's Write already
// guarantees a full write or a fatal error, so the byte-level
// rewind dance plaintext sends need is unnecessary here.
func (c *Connection) tlsSendLoop() {
	for {
		select {
		case <-c.doneCh:
			return
		case <-c.sendSignal:
		}
		for {
			seg := c.sendBuf.MovePop()
			if len(seg) == 0 {
				break
			}
			n, err := c.tls.Send(seg)
			if err != nil {
				c.log.Info("tls send failure", zap.Int("fd", c.FD()), zap.Error(err))
				c.workerTerminate()
				return
			}
			atomic.AddUint64(&c.bytesSent, uint64(n))
		}
	}
}
