//go:build !linux && !darwin && !freebsd

package reactor

// Reactor is a stub on platforms without a native poller; New reports
// ErrUnsupported and the engine parks idle connections on goroutines
// blocked in the runtime netpoller instead.
type Reactor struct{}

func New() (*Reactor, error) {
	return nil, ErrUnsupported
}

func (r *Reactor) Park(fd int, ready func()) error {
	return ErrUnsupported
}

func (r *Reactor) Unpark(fd int) {}

func (r *Reactor) Close() error {
	return nil
}
