//go:build !linux
// +build !linux

// File: internal/netutil/socket_other.go
//
// Non-Linux platforms are not supported by this module; see
// DESIGN.md for why the teacher library's Windows/IOCP path was not
// ported.
package netutil

import (
	"errors"

	"github.com/arcwire/connpool/api"
)

var errUnsupported = errors.New("netutil: this platform is not supported")

func Listen(addr api.NetAddr, backlog int) (int, error) { return -1, errUnsupported }

func Accept4(listenFD int) (int, api.NetAddr, error) { return -1, api.NetAddr{}, errUnsupported }

func Connect(addr api.NetAddr) (int, bool, error) { return -1, false, errUnsupported }

func ConnectProbe(fd int) error { return errUnsupported }

func Read(fd int, p []byte) (int, error) { return 0, errUnsupported }

func Write(fd int, p []byte) (int, error) { return 0, errUnsupported }

func Close(fd int) error { return errUnsupported }

func IsWouldBlock(err error) bool { return false }
