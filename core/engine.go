package core

import (
	"errors"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/dpc/astra/core/http2"
	"github.com/dpc/astra/core/pools"
	"github.com/dpc/astra/core/reactor"
)

// Engine is the connection-multiplexing server core. It accepts connections
// on the goroutine that calls Run and hands every piece of per-connection
// work to the worker pool, so blocking service calls never occupy the
// acceptance path. Idle keep-alive connections are parked in the reactor
// and hold no worker at all.
type Engine struct {
	cfg  Config
	pool *pools.WorkerPool
	disp *Dispatcher

	reactor *reactor.Reactor // nil means goroutine parking fallback
	bufPool *pools.BytePool
	h2      *http2.Server

	mu       sync.Mutex
	ln       net.Listener
	conns    map[*conn]struct{}
	stopping bool

	stats struct {
		connsAccepted  atomic.Uint64
		requestsServed atomic.Uint64
	}
}

// NewEngine creates an engine serving the given shared service through the
// given pool.
func NewEngine(cfg Config, pool *pools.WorkerPool, service Service) *Engine {
	e := &Engine{
		cfg:     cfg,
		pool:    pool,
		disp:    NewDispatcher(service),
		bufPool: pools.NewBytePool(),
		conns:   make(map[*conn]struct{}),
	}

	if cfg.HTTP2Only || !cfg.HTTP1Only {
		e.h2 = http2.NewServer(http2.Options{
			InitialStreamWindowSize:     cfg.HTTP2InitialStreamWindowSize,
			InitialConnectionWindowSize: cfg.HTTP2InitialConnectionWindowSize,
			AdaptiveWindow:              cfg.HTTP2AdaptiveWindow,
			MaxFrameSize:                cfg.HTTP2MaxFrameSize,
			MaxConcurrentStreams:        cfg.HTTP2MaxConcurrentStreams,
			MaxSendBufSize:              cfg.HTTP2MaxSendBufSize,
		})
	}

	if r, err := reactor.New(); err == nil {
		e.reactor = r
	} else if !errors.Is(err, reactor.ErrUnsupported) {
		log.Printf("astra: reactor unavailable, parking on goroutines: %v", err)
	}

	return e
}

// Run is the top-level server task: it accepts connections until the
// listener fails or Stop is called. It is meant to be driven by
// WorkerPool.RunToCompletion and does not return while the server is
// healthy.
func (e *Engine) Run(ln net.Listener) error {
	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		ln.Close()
		return nil
	}
	e.ln = ln
	e.mu.Unlock()

	log.Printf("🚀 astra serving on %s (max workers %d)", ln.Addr(), e.pool.MaxWorkers())

	for {
		nc, err := ln.Accept()
		if err != nil {
			if e.stopped() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		if tc, ok := nc.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}

		e.stats.connsAccepted.Add(1)
		c := newConn(e, nc)
		e.track(c)
		c.park() // no worker until the first bytes arrive
	}
}

// Stop shuts the engine down: the listener closes, tracked connections are
// aborted and the reactor is released. Run then returns nil. Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		return
	}
	e.stopping = true
	ln := e.ln
	conns := make([]*conn, 0, len(e.conns))
	for c := range e.conns {
		conns = append(conns, c)
	}
	e.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, c := range conns {
		c.abort()
	}
	if e.reactor != nil {
		e.reactor.Close()
	}
}

func (e *Engine) stopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopping
}

func (e *Engine) track(c *conn) {
	e.mu.Lock()
	e.conns[c] = struct{}{}
	e.mu.Unlock()
}

func (e *Engine) untrack(c *conn) {
	e.mu.Lock()
	delete(e.conns, c)
	e.mu.Unlock()
}

// EngineStats contains engine counters
type EngineStats struct {
	ConnsAccepted  uint64
	RequestsServed uint64
	OpenConns      int
}

// Stats returns engine statistics
func (e *Engine) Stats() EngineStats {
	e.mu.Lock()
	open := len(e.conns)
	e.mu.Unlock()

	return EngineStats{
		ConnsAccepted:  e.stats.connsAccepted.Load(),
		RequestsServed: e.stats.requestsServed.Load(),
		OpenConns:      open,
	}
}
