// Package reactor provides the readiness multiplexer used to park idle
// keep-alive connections between requests. A parked connection holds no
// worker; when its socket becomes readable the armed callback fires once
// and the engine resubmits the connection to the worker pool.
package reactor

import "errors"

var (
	// ErrUnsupported is returned by New on platforms without a native
	// poller; the engine then falls back to goroutine parking.
	ErrUnsupported = errors.New("reactor: no poller support on this platform")

	// ErrClosed is returned by Park after Close.
	ErrClosed = errors.New("reactor: closed")
)

// waitIntervalMs bounds each poll wait so the loop notices Close promptly.
const waitIntervalMs = 100
