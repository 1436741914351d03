package astra

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dpc/astra/core"
	"github.com/dpc/astra/core/http"
	"github.com/dpc/astra/core/pools"
)

// Request and Response are the handler-facing message types.
type (
	Request  = http.Request
	Response = http.Response
)

// Service is the application request handler. See core.Service for the
// contract.
type Service = core.Service

// ServiceFunc adapts a plain function to Service.
type ServiceFunc = core.ServiceFunc

// Server is a fluent builder for an HTTP server backed by a bounded worker
// pool. Options that are never set keep the engine defaults; only
// explicitly-set options are applied.
type Server struct {
	addr string

	maxWorkers      *int
	workerKeepAlive *time.Duration

	http1Keepalive          *bool
	http1HalfClose          *bool
	http1MaxBufSize         *int
	http1PipelineFlush      *bool
	http1Writev             *bool
	http1TitleCaseHeaders   *bool
	http1PreserveHeaderCase *bool
	http1Only               *bool
	http2Only               *bool

	http2InitialStreamWindowSize     *uint32
	http2InitialConnectionWindowSize *uint32
	http2AdaptiveWindow              *bool
	http2MaxFrameSize                *uint32
	http2MaxConcurrentStreams        *uint32
	http2MaxSendBufSize              *int
}

// Bind starts a builder that will listen on the given TCP address, in
// "host:port" form.
func Bind(addr string) *Server {
	return &Server{addr: addr}
}

// MaxWorkers caps the number of worker threads serving requests. Defaults
// to 10 per logical CPU.
func (s *Server) MaxWorkers(n int) *Server {
	s.maxWorkers = &n
	return s
}

// WorkerKeepAlive sets how long an idle worker lingers before it is
// retired. Defaults to 6 seconds.
func (s *Server) WorkerKeepAlive(d time.Duration) *Server {
	s.workerKeepAlive = &d
	return s
}

// HTTP1Keepalive enables or disables HTTP/1 keep-alive. Default is
// enabled.
func (s *Server) HTTP1Keepalive(v bool) *Server {
	s.http1Keepalive = &v
	return s
}

// HTTP1HalfClose keeps serving buffered requests after the client shuts
// down its write side. Default is disabled.
func (s *Server) HTTP1HalfClose(v bool) *Server {
	s.http1HalfClose = &v
	return s
}

// HTTP1MaxBufSize caps the buffer used to parse a request head. Requests
// whose head exceeds the cap are rejected with 431. Default is ~400KB.
func (s *Server) HTTP1MaxBufSize(n int) *Server {
	s.http1MaxBufSize = &n
	return s
}

// HTTP1PipelineFlush aggregates the ends of pipelined responses and flushes
// them in a single write. Experimental.
func (s *Server) HTTP1PipelineFlush(v bool) *Server {
	s.http1PipelineFlush = &v
	return s
}

// HTTP1Writev forces vectored writes on or off. When unset the engine
// chooses.
func (s *Server) HTTP1Writev(v bool) *Server {
	s.http1Writev = &v
	return s
}

// HTTP1TitleCaseHeaders writes response header names in Title-Case.
func (s *Server) HTTP1TitleCaseHeaders(v bool) *Server {
	s.http1TitleCaseHeaders = &v
	return s
}

// HTTP1PreserveHeaderCase records request header names exactly as received
// instead of canonicalizing them.
func (s *Server) HTTP1PreserveHeaderCase(v bool) *Server {
	s.http1PreserveHeaderCase = &v
	return s
}

// HTTP1Only serves HTTP/1 exclusively; the HTTP/2 preface is treated as a
// malformed request.
func (s *Server) HTTP1Only(v bool) *Server {
	s.http1Only = &v
	return s
}

// HTTP2Only serves cleartext HTTP/2 exclusively.
func (s *Server) HTTP2Only(v bool) *Server {
	s.http2Only = &v
	return s
}

// HTTP2InitialStreamWindowSize sets the per-stream flow control window.
// Ignored when HTTP2AdaptiveWindow is enabled.
func (s *Server) HTTP2InitialStreamWindowSize(n uint32) *Server {
	s.http2InitialStreamWindowSize = &n
	return s
}

// HTTP2InitialConnectionWindowSize sets the connection-level flow control
// window. Ignored when HTTP2AdaptiveWindow is enabled.
func (s *Server) HTTP2InitialConnectionWindowSize(n uint32) *Server {
	s.http2InitialConnectionWindowSize = &n
	return s
}

// HTTP2AdaptiveWindow lets the HTTP/2 engine size flow control windows on
// its own, overriding the explicit window options.
func (s *Server) HTTP2AdaptiveWindow(v bool) *Server {
	s.http2AdaptiveWindow = &v
	return s
}

// HTTP2MaxFrameSize sets the largest HTTP/2 frame the server will read.
func (s *Server) HTTP2MaxFrameSize(n uint32) *Server {
	s.http2MaxFrameSize = &n
	return s
}

// HTTP2MaxConcurrentStreams caps concurrent streams per HTTP/2 connection.
func (s *Server) HTTP2MaxConcurrentStreams(n uint32) *Server {
	s.http2MaxConcurrentStreams = &n
	return s
}

// HTTP2MaxSendBufSize caps the per-stream send buffer.
func (s *Server) HTTP2MaxSendBufSize(n int) *Server {
	s.http2MaxSendBufSize = &n
	return s
}

// engineConfig folds the explicitly-set options onto the engine defaults.
func (s *Server) engineConfig() core.Config {
	cfg := core.DefaultConfig()

	options := []struct {
		name  string
		apply func(*core.Config) bool
	}{
		{"http1_keepalive", func(c *core.Config) bool {
			if s.http1Keepalive == nil {
				return false
			}
			c.HTTP1Keepalive = *s.http1Keepalive
			return true
		}},
		{"http1_half_close", func(c *core.Config) bool {
			if s.http1HalfClose == nil {
				return false
			}
			c.HTTP1HalfClose = *s.http1HalfClose
			return true
		}},
		{"http1_max_buf_size", func(c *core.Config) bool {
			if s.http1MaxBufSize == nil {
				return false
			}
			c.HTTP1MaxBufSize = *s.http1MaxBufSize
			return true
		}},
		{"http1_pipeline_flush", func(c *core.Config) bool {
			if s.http1PipelineFlush == nil {
				return false
			}
			c.HTTP1PipelineFlush = *s.http1PipelineFlush
			return true
		}},
		{"http1_writev", func(c *core.Config) bool {
			if s.http1Writev == nil {
				return false
			}
			if *s.http1Writev {
				c.HTTP1Writev = core.WritevOn
			} else {
				c.HTTP1Writev = core.WritevOff
			}
			return true
		}},
		{"http1_title_case_headers", func(c *core.Config) bool {
			if s.http1TitleCaseHeaders == nil {
				return false
			}
			c.HTTP1TitleCaseHeaders = *s.http1TitleCaseHeaders
			return true
		}},
		{"http1_preserve_header_case", func(c *core.Config) bool {
			if s.http1PreserveHeaderCase == nil {
				return false
			}
			c.HTTP1PreserveHeaderCase = *s.http1PreserveHeaderCase
			return true
		}},
		{"http1_only", func(c *core.Config) bool {
			if s.http1Only == nil {
				return false
			}
			c.HTTP1Only = *s.http1Only
			return true
		}},
		{"http2_only", func(c *core.Config) bool {
			if s.http2Only == nil {
				return false
			}
			c.HTTP2Only = *s.http2Only
			return true
		}},
		{"http2_initial_stream_window_size", func(c *core.Config) bool {
			if s.http2InitialStreamWindowSize == nil {
				return false
			}
			c.HTTP2InitialStreamWindowSize = *s.http2InitialStreamWindowSize
			return true
		}},
		{"http2_initial_connection_window_size", func(c *core.Config) bool {
			if s.http2InitialConnectionWindowSize == nil {
				return false
			}
			c.HTTP2InitialConnectionWindowSize = *s.http2InitialConnectionWindowSize
			return true
		}},
		{"http2_adaptive_window", func(c *core.Config) bool {
			if s.http2AdaptiveWindow == nil {
				return false
			}
			c.HTTP2AdaptiveWindow = *s.http2AdaptiveWindow
			return true
		}},
		{"http2_max_frame_size", func(c *core.Config) bool {
			if s.http2MaxFrameSize == nil {
				return false
			}
			c.HTTP2MaxFrameSize = *s.http2MaxFrameSize
			return true
		}},
		{"http2_max_concurrent_streams", func(c *core.Config) bool {
			if s.http2MaxConcurrentStreams == nil {
				return false
			}
			c.HTTP2MaxConcurrentStreams = *s.http2MaxConcurrentStreams
			return true
		}},
		{"http2_max_send_buf_size", func(c *core.Config) bool {
			if s.http2MaxSendBufSize == nil {
				return false
			}
			c.HTTP2MaxSendBufSize = *s.http2MaxSendBufSize
			return true
		}},
	}

	var applied []string
	for _, opt := range options {
		if opt.apply(&cfg) {
			applied = append(applied, opt.name)
		}
	}
	if len(applied) > 0 {
		log.Printf("astra: options set: %s", strings.Join(applied, ", "))
	}

	return cfg
}

// Serve binds the address and serves the given service until the listener
// fails. It blocks for the lifetime of the server.
func (s *Server) Serve(service Service) error {
	return s.ServeContext(context.Background(), service)
}

// ServeContext serves until ctx is cancelled or the listener fails.
// Cancellation triggers a shutdown: the listener closes, open connections
// are aborted and the worker pool drains.
func (s *Server) ServeContext(ctx context.Context, service Service) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("astra: bind %s: %w", s.addr, err)
	}

	maxWorkers := 0
	if s.maxWorkers != nil {
		maxWorkers = *s.maxWorkers
	}
	keepAlive := time.Duration(0)
	if s.workerKeepAlive != nil {
		keepAlive = *s.workerKeepAlive
	}

	pool := pools.NewWorkerPool(maxWorkers, keepAlive)
	engine := core.NewEngine(s.engineConfig(), pool, service)

	g, ctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	g.Go(func() error {
		select {
		case <-ctx.Done():
			engine.Stop()
		case <-done:
		}
		return nil
	})
	g.Go(func() error {
		defer close(done)
		return pool.RunToCompletion(func() error {
			return engine.Run(ln)
		})
	})
	return g.Wait()
}
