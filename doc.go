/*
Package astra is an HTTP server for synchronous, blocking request handlers.

Handlers take a request and return a response, nothing else: no callbacks,
no futures, no per-request goroutine. Every handler call runs to completion
on a worker from a bounded pool, so the number of in-flight handler calls
never exceeds the configured worker cap. Idle keep-alive connections are
parked in an OS poller (epoll on Linux, kqueue on BSD/macOS) and hold no
worker between requests, so thousands of mostly-idle connections can share
a small pool.

Quick Start

Basic usage example:

    package main

    import (
        "github.com/dpc/astra"
        "github.com/dpc/astra/core/http"
    )

    func main() {
        err := astra.Bind(":3000").Serve(astra.ServiceFunc(
            func(req *http.Request) *http.Response {
                return http.TextResponse(200, "Hello, World!")
            },
        ))
        if err != nil {
            panic(err)
        }
    }

Tuning the pool:

    astra.Bind(":3000").
        MaxWorkers(256).
        WorkerKeepAlive(10 * time.Second).
        Serve(service)

Modules

The server is organized into several modules:

  - astra: the fluent server builder (this package)
  - core: connection engine and the service dispatch pipeline
  - core/http: HTTP/1 request parsing and response encoding
  - core/http2: cleartext HTTP/2 bridge
  - core/pools: the bounded worker pool and byte buffer pools
  - core/reactor: epoll/kqueue parking for idle connections

Both cleartext HTTP/1.1 and prior-knowledge HTTP/2 are served on the same
port; the protocol is sniffed from the first bytes of each connection.
*/
package astra
