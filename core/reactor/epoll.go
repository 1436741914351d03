//go:build linux

package reactor

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Reactor is an epoll-based readiness multiplexer (Linux)
type Reactor struct {
	epfd int

	mu     sync.Mutex
	armed  map[int]func()
	known  map[int]bool
	closed bool

	done chan struct{}
}

// New creates a Reactor and starts its wait loop.
func New() (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	r := &Reactor{
		epfd:  epfd,
		armed: make(map[int]func()),
		known: make(map[int]bool),
		done:  make(chan struct{}),
	}
	go r.wait()
	return r, nil
}

// Park arms a one-shot readability watch on fd. The callback runs on the
// reactor goroutine and must not block; it should only hand the connection
// back to the worker pool. Re-parking the same fd rearms it.
func (r *Reactor) Park(fd int, ready func()) error {
	ev := unix.EpollEvent{
		// EPOLLRDHUP so a peer shutdown wakes the connection too.
		Events: uint32(unix.EPOLLIN) | uint32(unix.EPOLLRDHUP) | uint32(unix.EPOLLONESHOT),
		Fd:     int32(fd),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	op := unix.EPOLL_CTL_ADD
	if r.known[fd] {
		op = unix.EPOLL_CTL_MOD
	}
	if err := unix.EpollCtl(r.epfd, op, fd, &ev); err != nil {
		return err
	}
	r.known[fd] = true
	r.armed[fd] = ready
	return nil
}

// Unpark removes fd from the watch list. Safe to call for fds that were
// never parked; the connection owner calls this before closing the socket.
func (r *Reactor) Unpark(fd int) {
	r.mu.Lock()
	if r.known[fd] {
		delete(r.known, fd)
		delete(r.armed, fd)
		unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
	r.mu.Unlock()
}

func (r *Reactor) wait() {
	defer close(r.done)

	events := make([]unix.EpollEvent, 128)
	for {
		n, err := unix.EpollWait(r.epfd, events, waitIntervalMs)
		if err != nil && err != unix.EINTR {
			return
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return
		}
		var fire []func()
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fn, ok := r.armed[fd]; ok {
				delete(r.armed, fd)
				fire = append(fire, fn)
			}
		}
		r.mu.Unlock()

		for _, fn := range fire {
			fn()
		}
	}
}

// Close stops the wait loop and releases the epoll descriptor. Parked fds
// are forgotten; their owners still own (and must close) the sockets.
func (r *Reactor) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.armed = nil
	r.known = nil
	r.mu.Unlock()

	<-r.done
	return unix.Close(r.epfd)
}
