package core

// WritevMode selects how a response head and body reach the socket.
type WritevMode int

const (
	// WritevAuto flattens head and body into a single write.
	WritevAuto WritevMode = iota
	// WritevOn uses a vectored write (net.Buffers).
	WritevOn
	// WritevOff always flattens.
	WritevOff
)

// Config carries the engine tuning knobs the server builder forwards.
// Fields left at their DefaultConfig values behave like the engine's own
// defaults; the builder only touches fields that were explicitly set.
type Config struct {
	// HTTP/1 options
	HTTP1Keepalive          bool // reuse connections between requests
	HTTP1HalfClose          bool // serve buffered requests after read EOF
	HTTP1MaxBufSize         int  // request head size cap
	HTTP1PipelineFlush      bool // batch pipelined responses into one write
	HTTP1Writev             WritevMode
	HTTP1TitleCaseHeaders   bool // canonicalize response header names
	HTTP1PreserveHeaderCase bool // record request header names as received
	HTTP1Only               bool
	HTTP2Only               bool

	// HTTP/2 options, forwarded to the x/net HTTP/2 engine
	HTTP2InitialStreamWindowSize     uint32
	HTTP2InitialConnectionWindowSize uint32
	HTTP2AdaptiveWindow              bool
	HTTP2MaxFrameSize                uint32
	HTTP2MaxConcurrentStreams        uint32
	HTTP2MaxSendBufSize              int
}

// DefaultHTTP1MaxBufSize matches the ~400KB head limit common to HTTP
// engines.
const DefaultHTTP1MaxBufSize = 400 << 10

// DefaultConfig returns the engine defaults. The builder starts from this
// and overrides only explicitly-set options.
func DefaultConfig() Config {
	return Config{
		HTTP1Keepalive:  true,
		HTTP1MaxBufSize: DefaultHTTP1MaxBufSize,
		HTTP1Writev:     WritevAuto,
	}
}
