//go:build darwin || freebsd

package reactor

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Reactor is a kqueue-based readiness multiplexer (BSD/macOS)
type Reactor struct {
	kq int

	mu     sync.Mutex
	armed  map[int]func()
	closed bool

	done chan struct{}
}

// New creates a Reactor and starts its wait loop.
func New() (*Reactor, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}

	r := &Reactor{
		kq:    kq,
		armed: make(map[int]func()),
		done:  make(chan struct{}),
	}
	go r.wait()
	return r, nil
}

// Park arms a one-shot readability watch on fd. The callback runs on the
// reactor goroutine and must not block; it should only hand the connection
// back to the worker pool. Re-parking the same fd rearms it.
func (r *Reactor) Park(fd int, ready func()) error {
	var ev unix.Kevent_t
	unix.SetKevent(&ev, fd, unix.EVFILT_READ, unix.EV_ADD|unix.EV_ONESHOT)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	if _, err := unix.Kevent(r.kq, []unix.Kevent_t{ev}, nil, nil); err != nil {
		return err
	}
	r.armed[fd] = ready
	return nil
}

// Unpark removes fd from the watch list. Safe to call for fds that were
// never parked; the connection owner calls this before closing the socket.
func (r *Reactor) Unpark(fd int) {
	r.mu.Lock()
	if _, ok := r.armed[fd]; ok {
		delete(r.armed, fd)
		var ev unix.Kevent_t
		unix.SetKevent(&ev, fd, unix.EVFILT_READ, unix.EV_DELETE)
		unix.Kevent(r.kq, []unix.Kevent_t{ev}, nil, nil)
	}
	r.mu.Unlock()
}

func (r *Reactor) wait() {
	defer close(r.done)

	events := make([]unix.Kevent_t, 128)
	ts := unix.NsecToTimespec(int64(waitIntervalMs) * 1e6)
	for {
		n, err := unix.Kevent(r.kq, nil, events, &ts)
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
			fd := int(events[i].Ident)
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

// Close stops the wait loop and releases the kqueue descriptor. Parked fds
// are forgotten; their owners still own (and must close) the sockets.
func (r *Reactor) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.armed = nil
	r.mu.Unlock()

	<-r.done
	return unix.Close(r.kq)
}
