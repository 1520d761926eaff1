//go:build linux
// +build linux

// File: internal/netutil/socket_linux.go
//
// Raw non-blocking IPv4 TCP socket setup, mirroring the syscall
// sequence spec §4.E requires for listen/connect/accept: AF_INET,
// SOCK_STREAM, IPPROTO_TCP, SO_REUSEADDR (listen only), TCP_NODELAY,
// O_NONBLOCK.
package netutil

import (
	"github.com/arcwire/connpool/api"
	"golang.org/x/sys/unix"
)

func setNonblockAndNodelay(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return err
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
}

func sockaddrOf(addr api.NetAddr) *unix.SockaddrInet4 {
	return &unix.SockaddrInet4{Addr: addr.IP, Port: int(addr.Port)}
}

// Listen creates a non-blocking IPv4 TCP listening socket bound to
// addr with the given backlog.
func Listen(addr api.NetAddr, backlog int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, api.NewPoolError(api.KindListen, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, api.NewPoolError(api.KindListen, err)
	}
	if err := setNonblockAndNodelay(fd); err != nil {
		unix.Close(fd)
		return -1, api.NewPoolError(api.KindListen, err)
	}
	if err := unix.Bind(fd, sockaddrOf(addr)); err != nil {
		unix.Close(fd)
		return -1, api.NewPoolError(api.KindListen, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, api.NewPoolError(api.KindListen, err)
	}
	return fd, nil
}

// Accept4 accepts one pending connection on listenFD, non-blocking,
// and applies TCP_NODELAY + O_NONBLOCK to the accepted socket.
// Returns (-1, api.NetAddr{}, unix.EAGAIN) if nothing is pending.
func Accept4(listenFD int) (int, api.NetAddr, error) {
	fd, sa, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK)
	if err != nil {
		if err == unix.EAGAIN {
			return -1, api.NetAddr{}, err
		}
		return -1, api.NetAddr{}, api.NewPoolError(api.KindAccept, err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		unix.Close(fd)
		return -1, api.NetAddr{}, api.NewPoolError(api.KindAccept, err)
	}
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		unix.Close(fd)
		return -1, api.NetAddr{}, api.NewPoolError(api.KindAccept, unix.EAFNOSUPPORT)
	}
	addr := api.NetAddr{IP: sa4.Addr, Port: uint16(sa4.Port)}
	return fd, addr, nil
}

// Connect creates a non-blocking IPv4 TCP socket and issues connect(2)
// against addr. A nil error with inProgress=true means the connect is
// in flight and completion must be detected via writable readiness.
func Connect(addr api.NetAddr) (fd int, inProgress bool, err error) {
	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, false, api.NewPoolError(api.KindConnect, err)
	}
	if err := setNonblockAndNodelay(fd); err != nil {
		unix.Close(fd)
		return -1, false, api.NewPoolError(api.KindConnect, err)
	}
	err = unix.Connect(fd, sockaddrOf(addr))
	if err == nil {
		return fd, false, nil
	}
	if err == unix.EINPROGRESS {
		return fd, true, nil
	}
	unix.Close(fd)
	return -1, false, api.NewPoolError(api.KindConnect, err)
}

// ConnectProbe validates a completed non-blocking connect attempt with
// a zero-byte send, per spec §4.E.
func ConnectProbe(fd int) error {
	return unix.Send(fd, nil, unix.MSG_NOSIGNAL)
}

// Read performs a single non-blocking read.
func Read(fd int, p []byte) (int, error) {
	return unix.Read(fd, p)
}

// Write performs a single non-blocking write.
func Write(fd int, p []byte) (int, error) {
	return unix.Write(fd, p)
}

// Close closes fd.
func Close(fd int) error {
	return unix.Close(fd)
}

// IsWouldBlock reports whether err is EAGAIN/EWOULDBLOCK.
func IsWouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}
