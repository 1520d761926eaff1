//go:build linux
// +build linux

// File: reactor/epoll_reactor.go
//
// Linux epoll(7) implementation of Reactor. Level-triggered: a fd
// that is still readable/writable after its callback returns will
// fire again on the next Poll, which is what lets a connection's
// send/recv callbacks re-arm themselves simply by changing the
// subscribed mask rather than re-registering.

package reactor

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

type epollReactor struct {
	epfd int

	mu    sync.RWMutex
	cbs   map[uintptr]FDCallback
	masks map[uintptr]FDEventType
}

// New constructs a new epoll-backed Reactor.
func New() (Reactor, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	return &epollReactor{
		epfd:  epfd,
		cbs:   make(map[uintptr]FDCallback),
		masks: make(map[uintptr]FDEventType),
	}, nil
}

func toEpollEvents(ev FDEventType) uint32 {
	var e uint32
	if ev&EventRead != 0 {
		e |= unix.EPOLLIN
	}
	if ev&EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func (r *epollReactor) Register(fd uintptr, events FDEventType, cb FDCallback) error {
	ev := &unix.EpollEvent{Events: toEpollEvents(events), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, int(fd), ev); err != nil {
		return fmt.Errorf("epoll add fd=%d: %w", fd, err)
	}
	r.mu.Lock()
	r.cbs[fd] = cb
	r.masks[fd] = events
	r.mu.Unlock()
	return nil
}

func (r *epollReactor) Modify(fd uintptr, events FDEventType) error {
	ev := &unix.EpollEvent{Events: toEpollEvents(events), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, int(fd), ev); err != nil {
		return fmt.Errorf("epoll mod fd=%d: %w", fd, err)
	}
	r.mu.Lock()
	r.masks[fd] = events
	r.mu.Unlock()
	return nil
}

func (r *epollReactor) Unregister(fd uintptr) error {
	r.mu.Lock()
	_, known := r.cbs[fd]
	delete(r.cbs, fd)
	delete(r.masks, fd)
	r.mu.Unlock()
	if !known {
		return nil
	}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, int(fd), nil); err != nil {
		return fmt.Errorf("epoll del fd=%d: %w", fd, err)
	}
	return nil
}

func (r *epollReactor) Poll(timeoutMs int) (int, error) {
	const maxEvents = 256
	var raw [maxEvents]unix.EpollEvent

	n, err := unix.EpollWait(r.epfd, raw[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll wait: %w", err)
	}

	dispatched := 0
	for i := 0; i < n; i++ {
		fd := uintptr(raw[i].Fd)

		r.mu.RLock()
		cb, ok := r.cbs[fd]
		r.mu.RUnlock()
		if !ok {
			continue
		}

		var et FDEventType
		if raw[i].Events&unix.EPOLLIN != 0 {
			et |= EventRead
		}
		if raw[i].Events&unix.EPOLLOUT != 0 {
			et |= EventWrite
		}
		if raw[i].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			et |= EventError
		}
		if et == 0 {
			continue
		}

		func() {
			defer func() { _ = recover() }()
			cb(fd, et)
		}()
		dispatched++
	}
	return dispatched, nil
}

func (r *epollReactor) Close() error {
	return unix.Close(r.epfd)
}
