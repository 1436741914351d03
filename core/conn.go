package core

import (
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/dpc/astra/core/http"
)

const readBufSize = 8192

// h2Preface is the HTTP/2 client connection preface.
const h2Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

var errHeadTooLarge = errors.New("request head exceeds http1 max buffer size")

// conn is one accepted connection. Its serve method runs as a worker pool
// task, once per readiness event; between requests the connection sits
// parked in the reactor and holds no worker.
type conn struct {
	eng *Engine
	rwc net.Conn
	svc *ConnService
	fd  int

	buf []byte // pooled read buffer
	pos int    // parse cursor into buf
	off int    // bytes buffered

	eof     bool
	sniffed bool
	pending []byte // batched responses awaiting flush (pipeline mode)
	closed  atomic.Bool
}

func newConn(e *Engine, nc net.Conn) *conn {
	size := readBufSize
	if m := e.cfg.HTTP1MaxBufSize; m > 0 && m < size {
		size = m
	}
	// Slice to the exact size: the pool rounds up to its tier length,
	// which would defeat a head cap below the tier.
	return &conn{
		eng: e,
		rwc: nc,
		svc: e.disp.Connect(),
		fd:  connFD(nc),
		buf: e.bufPool.Get(size)[:size],
	}
}

// connFD extracts the raw descriptor for reactor parking, -1 when the
// transport does not expose one.
func connFD(nc net.Conn) int {
	sc, ok := nc.(syscall.Conn)
	if !ok {
		return -1
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	rc.Control(func(f uintptr) { fd = int(f) })
	return fd
}

// park hands the connection to the reactor until it turns readable. On
// platforms without a poller a goroutine blocks in the runtime netpoller
// instead; either way no pool worker is held while the connection idles.
func (c *conn) park() {
	if r := c.eng.reactor; r != nil && c.fd >= 0 {
		if err := r.Park(c.fd, c.wake); err == nil {
			return
		}
	}

	go func() {
		if err := c.fill(); err != nil {
			c.teardown()
			return
		}
		c.wake()
	}()
}

// wake resubmits the connection to the worker pool after a readiness event.
// Runs on the reactor goroutine; Spawn never blocks.
func (c *conn) wake() {
	if !c.eng.pool.Spawn(c.serve) {
		c.teardown()
	}
}

// serve drives the connection state machine on a pool worker: parse
// whatever is buffered, resolve each request synchronously through the
// shared service, write responses, then re-park or close. The worker is
// occupied for the full duration of every handler call; that is the
// deliberate design, all blocking lands here and never on the acceptance
// path.
func (c *conn) serve() {
	alive := false
	defer func() {
		if !alive {
			c.teardown()
		}
	}()

	if c.off == c.pos && !c.eof {
		if err := c.fill(); err != nil {
			return
		}
	}

	if !c.sniffed {
		c.sniffed = true
		if c.eng.cfg.HTTP2Only || (!c.eng.cfg.HTTP1Only && c.sniffH2()) {
			c.serveHTTP2()
			return
		}
	}

	for {
		req, consumed, err := http.ParseRequestHead(c.buf[c.pos:c.off], c.eng.cfg.HTTP1PreserveHeaderCase)
		if err != nil {
			if !errors.Is(err, http.ErrIncomplete) {
				c.reject(400)
				return
			}
			if c.eof {
				// mid-request EOF, nothing more will come
				c.flush()
				return
			}
			c.flush() // don't sit on batched responses while waiting
			if err := c.more(); err != nil {
				if errors.Is(err, errHeadTooLarge) {
					c.reject(431)
				}
				return
			}
			continue
		}
		c.pos += consumed

		if req.Proto != "HTTP/1.1" && req.Proto != "HTTP/1.0" {
			http.ReleaseRequest(req)
			c.reject(505)
			return
		}
		if req.Header("Transfer-Encoding") != "" {
			// Content-Length framing only, as in the HTTP/1 parser
			http.ReleaseRequest(req)
			c.reject(501)
			return
		}

		var cl int
		if req.ContentLength != "" {
			cl, err = strconv.Atoi(req.ContentLength)
			if err != nil || cl < 0 {
				http.ReleaseRequest(req)
				c.reject(400)
				return
			}
		}
		if cl > 0 {
			if err := c.readBody(req, cl); err != nil {
				http.ReleaseRequest(req)
				return
			}
		}

		closing := !c.keepAlive(req)

		resp := c.svc.Dispatch(req).Resolve()
		c.eng.stats.requestsServed.Add(1)

		err = c.write(resp, closing, c.off > c.pos)
		http.ReleaseRequest(req)
		if err != nil {
			return
		}

		if closing {
			c.flush()
			return
		}

		if c.off == c.pos {
			if c.eof {
				c.flush()
				return
			}
			c.flush()
			c.pos, c.off = 0, 0
			alive = true
			c.park()
			return
		}

		if c.eof && !c.eng.cfg.HTTP1HalfClose {
			// peer shut its write side; drop the remaining pipeline
			c.flush()
			return
		}
		// pipelined request already buffered; keep the worker and loop
	}
}

// sniffH2 reports whether the connection opens with the HTTP/2 client
// preface, reading more bytes while the prefix still matches.
func (c *conn) sniffH2() bool {
	for {
		n := c.off - c.pos
		if n >= len(h2Preface) {
			return string(c.buf[c.pos:c.pos+len(h2Preface)]) == h2Preface
		}
		if string(c.buf[c.pos:c.off]) != h2Preface[:n] {
			return false
		}
		if c.eof {
			return false
		}
		if err := c.fill(); err != nil {
			return false
		}
	}
}

// serveHTTP2 hands the connection, including any bytes already buffered, to
// the HTTP/2 engine. The worker is held for the connection's lifetime;
// stream concurrency is the HTTP/2 engine's business.
func (c *conn) serveHTTP2() {
	prefix := append([]byte(nil), c.buf[c.pos:c.off]...)
	c.eng.bufPool.Put(c.buf)
	c.buf = nil
	c.pos, c.off = 0, 0

	c.eng.h2.ServeConn(c.rwc, prefix, func(req *http.Request) *http.Response {
		resp := c.svc.Dispatch(req).Resolve()
		c.eng.stats.requestsServed.Add(1)
		return resp
	})
}

// fill reads once from the socket into the buffer, growing it up to the
// configured head cap. Returns an error only when no bytes arrived.
func (c *conn) fill() error {
	if c.off == len(c.buf) {
		if err := c.grow(); err != nil {
			return err
		}
	}

	n, err := c.rwc.Read(c.buf[c.off:])
	c.off += n
	if err == io.EOF {
		c.eof = true
	}
	if n > 0 {
		return nil
	}
	if err == nil {
		err = io.EOF
		c.eof = true
	}
	return err
}

// more reclaims the space of already-served requests and reads additional
// bytes for a partial head.
func (c *conn) more() error {
	if c.pos > 0 {
		copy(c.buf, c.buf[c.pos:c.off])
		c.off -= c.pos
		c.pos = 0
	}
	return c.fill()
}

func (c *conn) grow() error {
	max := c.eng.cfg.HTTP1MaxBufSize
	if len(c.buf) >= max {
		return errHeadTooLarge
	}
	size := len(c.buf) * 2
	if size > max {
		size = max
	}
	nb := c.eng.bufPool.Get(size)[:size]
	copy(nb, c.buf[:c.off])
	c.eng.bufPool.Put(c.buf)
	c.buf = nb
	return nil
}

// readBody copies the Content-Length framed body into the request, reading
// past the buffer when needed.
func (c *conn) readBody(req *http.Request, cl int) error {
	avail := c.buf[c.pos:c.off]
	take := cl
	if take > len(avail) {
		take = len(avail)
	}
	req.Body = append(req.Body[:0], avail[:take]...)
	c.pos += take

	if len(req.Body) < cl {
		if c.eof {
			return io.ErrUnexpectedEOF
		}
		start := len(req.Body)
		req.Body = append(req.Body, make([]byte, cl-start)...)
		if _, err := io.ReadFull(c.rwc, req.Body[start:]); err != nil {
			return err
		}
	}
	return nil
}

// keepAlive decides connection reuse. Connection tokens are
// case-insensitive (RFC 9110).
func (c *conn) keepAlive(req *http.Request) bool {
	if !c.eng.cfg.HTTP1Keepalive {
		return false
	}
	if req.Proto == "HTTP/1.0" {
		return strings.EqualFold(req.Connection, "keep-alive")
	}
	return !strings.EqualFold(req.Connection, "close")
}

// write serializes one response. In pipeline-flush mode responses are
// batched while further requests are already buffered, then written out in
// a single syscall.
func (c *conn) write(resp *http.Response, closing, moreBuffered bool) error {
	titleCase := c.eng.cfg.HTTP1TitleCaseHeaders

	if c.eng.cfg.HTTP1PipelineFlush && moreBuffered && !closing {
		c.pending = resp.EncodeHead(c.pending, titleCase, false)
		c.pending = append(c.pending, resp.Body...)
		return nil
	}

	head := resp.EncodeHead(c.eng.bufPool.Get(512)[:0], titleCase, closing)

	if len(c.pending) > 0 {
		c.pending = append(c.pending, head...)
		c.pending = append(c.pending, resp.Body...)
		c.eng.bufPool.Put(head)
		return c.flush()
	}

	var err error
	if c.eng.cfg.HTTP1Writev == WritevOn {
		bufs := net.Buffers{head, resp.Body}
		_, err = bufs.WriteTo(c.rwc)
	} else {
		head = append(head, resp.Body...)
		_, err = c.rwc.Write(head)
	}
	c.eng.bufPool.Put(head)
	return err
}

// flush writes any batched responses.
func (c *conn) flush() error {
	if len(c.pending) == 0 {
		return nil
	}
	_, err := c.rwc.Write(c.pending)
	c.pending = c.pending[:0]
	return err
}

// reject writes a minimal error response; the caller tears the connection
// down afterwards.
func (c *conn) reject(status int) {
	c.flush()
	resp := http.NewResponse(status, nil)
	c.rwc.Write(resp.EncodeHead(nil, false, true))
}

// teardown closes the connection exactly once and returns its buffer to
// the pool.
func (c *conn) teardown() {
	c.close(true)
}

// abort is the engine-shutdown path: it closes the socket but leaves the
// buffer alone, since a worker may still be reading it.
func (c *conn) abort() {
	c.close(false)
}

func (c *conn) close(pool bool) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.eng.untrack(c)
	if c.fd >= 0 && c.eng.reactor != nil {
		c.eng.reactor.Unpark(c.fd)
	}
	c.rwc.Close()
	if pool && c.buf != nil {
		c.eng.bufPool.Put(c.buf)
		c.buf = nil
	}
}
