// Package http2 bridges cleartext HTTP/2 connections onto the synchronous
// service model using golang.org/x/net/http2.
package http2

import (
	"io"
	"net"
	nethttp "net/http"
	"time"

	"golang.org/x/net/http2"

	corehttp "github.com/dpc/astra/core/http"
)

// Options carries the tunables forwarded to the underlying HTTP/2 engine.
type Options struct {
	InitialStreamWindowSize     uint32
	InitialConnectionWindowSize uint32
	AdaptiveWindow              bool
	MaxFrameSize                uint32
	MaxConcurrentStreams        uint32
	MaxSendBufSize              int
}

// Handler resolves one HTTP/2 stream into a response. The request is pooled
// and only valid for the duration of the call.
type Handler func(*corehttp.Request) *corehttp.Response

// Server serves prior-knowledge HTTP/2 connections.
type Server struct {
	h2 *http2.Server
}

// NewServer builds a Server from the given options. Zero-valued options keep
// the engine defaults. When AdaptiveWindow is set the explicit window sizes
// are ignored and the engine manages flow control on its own.
func NewServer(opts Options) *Server {
	s := &http2.Server{
		IdleTimeout: 0,
	}
	if opts.MaxConcurrentStreams > 0 {
		s.MaxConcurrentStreams = opts.MaxConcurrentStreams
	}
	if opts.MaxFrameSize > 0 {
		s.MaxReadFrameSize = opts.MaxFrameSize
	}
	if !opts.AdaptiveWindow {
		if opts.InitialStreamWindowSize > 0 {
			s.MaxUploadBufferPerStream = int32(opts.InitialStreamWindowSize)
		}
		if opts.InitialConnectionWindowSize > 0 {
			s.MaxUploadBufferPerConnection = int32(opts.InitialConnectionWindowSize)
		}
	}
	return &Server{h2: s}
}

// ServeConn runs the HTTP/2 engine over nc until the peer goes away. prefix
// holds bytes already read off the wire during protocol sniffing; they are
// replayed ahead of the socket. Blocks for the lifetime of the connection.
func (s *Server) ServeConn(nc net.Conn, prefix []byte, h Handler) {
	if len(prefix) > 0 {
		nc = &bufferedConn{Conn: nc, prefix: prefix}
	}
	s.h2.ServeConn(nc, &http2.ServeConnOpts{
		Handler: streamHandler{h},
	})
}

// bufferedConn replays sniffed bytes before reading from the socket.
type bufferedConn struct {
	net.Conn
	prefix []byte
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	if len(b.prefix) > 0 {
		n := copy(p, b.prefix)
		b.prefix = b.prefix[n:]
		return n, nil
	}
	return b.Conn.Read(p)
}

// streamHandler adapts one HTTP/2 stream to the pooled request model and
// invokes the handler synchronously on the stream goroutine.
type streamHandler struct {
	h Handler
}

func (sh streamHandler) ServeHTTP(w nethttp.ResponseWriter, r *nethttp.Request) {
	req := corehttp.AcquireRequest()
	defer corehttp.ReleaseRequest(req)

	req.Method = r.Method
	req.Path = r.URL.Path
	req.Proto = r.Proto
	req.Host = r.Host

	for key, vals := range r.Header {
		if len(vals) > 0 {
			req.SetHeader(key, vals[0])
		}
	}
	for key, vals := range r.URL.Query() {
		if len(vals) > 0 {
			if req.Query == nil {
				req.Query = make(map[string]string)
			}
			req.Query[key] = vals[0]
		}
	}
	if r.Body != nil {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(nethttp.StatusBadRequest)
			return
		}
		req.Body = body
	}

	resp := sh.h(req)

	hdr := w.Header()
	for k, v := range resp.Headers {
		hdr.Set(k, v)
	}
	if hdr.Get("Date") == "" {
		hdr.Set("Date", time.Now().UTC().Format(nethttp.TimeFormat))
	}
	// A zero status means 200, same as the HTTP/1 encoder.
	status := resp.Status
	if status == 0 {
		status = 200
	}
	w.WriteHeader(status)
	if len(resp.Body) > 0 {
		w.Write(resp.Body)
	}
}
