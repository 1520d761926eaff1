// File: tlssession/fdconn.go
//
// fdConn adapts a raw non-blocking fd to net.Conn so crypto/tls can
// drive its handshake and data I/O against it. Read/Write perform a
// non-blocking syscall first; on EAGAIN they park on a channel until
// the owning connection's reactor callback calls wakeRead/wakeWrite,
// which is the same "unsubscribe all, subscribe read-only/write-only"
// transition spec §4.C describes for the handshake micro-protocol,
// just expressed as a goroutine parking on a channel instead of a
// callback re-arming itself.
package tlssession

import (
	"errors"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

var errWouldBlock = errors.New("tlssession: would block")

type blockDirection int32

const (
	blockedOnNone blockDirection = iota
	blockedOnRead
	blockedOnWrite
)

type fdConn struct {
	fd int

	blocked atomic.Int32

	readWake  chan struct{}
	writeWake chan struct{}

	// onWriteBlocked/onWriteReady let the owning Session's caller keep
	// the fd's reactor subscription in sync with Write's blocking
	// state: EventWrite must be added the moment a write parks on
	// writeWake, since the established-phase reactor registration is
	// otherwise read-only and would never deliver the wakeup.
	onWriteBlocked func()
	onWriteReady   func()
}

func newFDConn(fd int) *fdConn {
	return &fdConn{
		fd:        fd,
		readWake:  make(chan struct{}, 1),
		writeWake: make(chan struct{}, 1),
	}
}

func (c *fdConn) blockedOn() blockDirection {
	return blockDirection(c.blocked.Load())
}

func (c *fdConn) wakeRead() {
	select {
	case c.readWake <- struct{}{}:
	default:
	}
}

func (c *fdConn) wakeWrite() {
	select {
	case c.writeWake <- struct{}{}:
	default:
	}
}

// Read implements net.Conn. It never truly blocks on the OS; it
// blocks the calling goroutine on readWake, which the connection's
// worker signals from its reactor callback.
func (c *fdConn) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(c.fd, p)
		if err == nil {
			if n == 0 {
				return 0, errors.New("tlssession: peer closed")
			}
			c.blocked.Store(int32(blockedOnNone))
			return n, nil
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			c.blocked.Store(int32(blockedOnRead))
			<-c.readWake
			continue
		}
		return 0, err
	}
}

func (c *fdConn) Write(p []byte) (int, error) {
	total := 0
	wasBlocked := false
	for total < len(p) {
		n, err := unix.Write(c.fd, p[total:])
		if err == nil {
			total += n
			c.blocked.Store(int32(blockedOnNone))
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			c.blocked.Store(int32(blockedOnWrite))
			if !wasBlocked {
				wasBlocked = true
				if c.onWriteBlocked != nil {
					c.onWriteBlocked()
				}
			}
			<-c.writeWake
			continue
		}
		return total, err
	}
	if wasBlocked && c.onWriteReady != nil {
		c.onWriteReady()
	}
	return total, nil
}

func (c *fdConn) Close() error                       { return nil } // fd lifetime owned by the Connection
func (c *fdConn) LocalAddr() net.Addr                { return nil }
func (c *fdConn) RemoteAddr() net.Addr               { return nil }
func (c *fdConn) SetDeadline(t time.Time) error      { return nil }
func (c *fdConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *fdConn) SetWriteDeadline(t time.Time) error { return nil }
