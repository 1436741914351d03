package core

import (
	"github.com/dpc/astra/core/http"
)

// Service is the application-supplied request handler. Call is synchronous:
// it may block for arbitrarily long and runs to completion on whichever
// worker invokes it. One Service value is shared by every connection and
// every request for the lifetime of the server, so Call must tolerate
// concurrent invocation from many goroutines; any mutable state inside the
// service is its own synchronization responsibility. The bridge provides no
// locking and catches no panics here; a panic during Call tears down the
// connection that triggered it.
//
// The *http.Request passed to Call is pooled and only valid for the
// duration of the call.
type Service interface {
	Call(*http.Request) *http.Response
}

// ServiceFunc adapts a plain function to the Service interface.
type ServiceFunc func(*http.Request) *http.Response

func (f ServiceFunc) Call(req *http.Request) *http.Response {
	return f(req)
}

// Dispatcher holds the one shared Service and hands out per-connection
// views of it. This is the first stage of the two-stage factory the engine
// drives: connection setup cannot fail and costs one pointer copy.
type Dispatcher struct {
	service Service
}

func NewDispatcher(service Service) *Dispatcher {
	return &Dispatcher{service: service}
}

// Connect produces the per-connection service view. Never blocks, never
// fails.
func (d *Dispatcher) Connect() *ConnService {
	return &ConnService{service: d.service}
}

// ConnService is the per-connection stage: it shares the Service and
// produces one PendingResponse per request.
type ConnService struct {
	service Service
}

// Dispatch pairs one request with the shared service. The returned unit is
// resolved exactly once.
func (cs *ConnService) Dispatch(req *http.Request) *PendingResponse {
	return &PendingResponse{service: cs.service, req: req}
}

// PendingResponse represents "the response, once computed". There is no
// partial progress: the first Resolve invokes the service synchronously on
// the calling goroutine and the result is complete. Whoever resolves it is
// therefore occupied for the full duration of the handler call.
type PendingResponse struct {
	service Service
	req     *http.Request
}

// Resolve invokes the service and clears the request slot. Resolving a
// PendingResponse twice is a programming error.
func (pr *PendingResponse) Resolve() *http.Response {
	req := pr.req
	if req == nil {
		panic("core: PendingResponse resolved twice")
	}
	pr.req = nil
	return pr.service.Call(req)
}
