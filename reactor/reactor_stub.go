//go:build !linux
// +build !linux

// File: reactor/reactor_stub.go
//
// Stub implementation for platforms without an epoll-compatible
// readiness API. The connection pool is Linux-only for now; see
// DESIGN.md for why the Windows IOCP path carried by the teacher
// library was not ported.

package reactor

import "errors"

// New returns an error for unsupported platforms.
func New() (Reactor, error) {
	return nil, errors.New("reactor: this platform is not supported")
}
