package core

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	nethttp "net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/net/http2"

	"github.com/dpc/astra/core/http"
	"github.com/dpc/astra/core/pools"
)

// startEngine runs an engine on a loopback listener and returns its address.
func startEngine(t *testing.T, cfg Config, maxWorkers int, svc Service) (string, *Engine) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	pool := pools.NewWorkerPool(maxWorkers, time.Second)
	engine := NewEngine(cfg, pool, svc)

	go engine.Run(ln)
	t.Cleanup(func() {
		engine.Stop()
		pool.Close()
	})

	return ln.Addr().String(), engine
}

func echoService() Service {
	return ServiceFunc(func(req *http.Request) *http.Response {
		return http.TextResponse(200, strings.ToUpper(string(req.Body)))
	})
}

// roundTrip writes one request over the connection and parses the response.
func roundTrip(t *testing.T, conn net.Conn, br *bufio.Reader, raw string) *nethttp.Response {
	t.Helper()
	if _, err := conn.Write([]byte(raw)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	resp, err := nethttp.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	return resp
}

func TestEngine_ServeHTTP1(t *testing.T) {
	addr, _ := startEngine(t, DefaultConfig(), 4, echoService())

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	br := bufio.NewReader(conn)

	// Two sequential requests over one keep-alive connection; the second
	// exercises the park/wake path.
	for i := 0; i < 2; i++ {
		resp := roundTrip(t, conn, br, "POST /echo HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nhello")
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode != 200 {
			t.Fatalf("Expected 200, got %d", resp.StatusCode)
		}
		if string(body) != "HELLO" {
			t.Fatalf("Expected HELLO, got %q", body)
		}
	}
}

func TestEngine_ConcurrencyBound(t *testing.T) {
	var inFlight, peak atomic.Int64
	svc := ServiceFunc(func(req *http.Request) *http.Response {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		inFlight.Add(-1)
		return http.TextResponse(200, "ok")
	})

	addr, _ := startEngine(t, DefaultConfig(), 8, svc)

	// 50 concurrent connections funnel through 8 workers.
	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.Dial("tcp", addr)
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			br := bufio.NewReader(conn)
			if _, err := conn.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")); err != nil {
				errs <- err
				return
			}
			resp, err := nethttp.ReadResponse(br, nil)
			if err != nil {
				errs <- err
				return
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode != 200 {
				errs <- fmt.Errorf("status %d", resp.StatusCode)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Request failed: %v", err)
	}

	if got := peak.Load(); got > 8 {
		t.Errorf("Expected handler concurrency <= 8, got %d", got)
	}
}

func TestEngine_Pipelining(t *testing.T) {
	svc := ServiceFunc(func(req *http.Request) *http.Response {
		return http.TextResponse(200, req.Path)
	})
	addr, _ := startEngine(t, DefaultConfig(), 4, svc)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	// Two requests in one write; responses must come back in order.
	raw := "GET /one HTTP/1.1\r\nHost: x\r\n\r\nGET /two HTTP/1.1\r\nHost: x\r\n\r\n"
	if _, err := conn.Write([]byte(raw)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	br := bufio.NewReader(conn)
	for _, want := range []string{"/one", "/two"} {
		resp, err := nethttp.ReadResponse(br, nil)
		if err != nil {
			t.Fatalf("ReadResponse failed: %v", err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if string(body) != want {
			t.Fatalf("Expected %q, got %q", want, body)
		}
	}
}

func TestEngine_PipelineFlush(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HTTP1PipelineFlush = true

	svc := ServiceFunc(func(req *http.Request) *http.Response {
		return http.TextResponse(200, req.Path)
	})
	addr, _ := startEngine(t, cfg, 4, svc)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	raw := "GET /a HTTP/1.1\r\nHost: x\r\n\r\nGET /b HTTP/1.1\r\nHost: x\r\n\r\nGET /c HTTP/1.1\r\nHost: x\r\n\r\n"
	if _, err := conn.Write([]byte(raw)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	br := bufio.NewReader(conn)
	for _, want := range []string{"/a", "/b", "/c"} {
		resp, err := nethttp.ReadResponse(br, nil)
		if err != nil {
			t.Fatalf("ReadResponse failed: %v", err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if string(body) != want {
			t.Fatalf("Expected %q, got %q", want, body)
		}
	}
}

func TestEngine_ConnectionClose(t *testing.T) {
	addr, _ := startEngine(t, DefaultConfig(), 4, echoService())

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	br := bufio.NewReader(conn)

	resp := roundTrip(t, conn, br, "GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.Header.Get("Connection") != "close" {
		t.Error("Expected Connection: close in the response")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := br.ReadByte(); err != io.EOF {
		t.Errorf("Expected server to close the connection, got %v", err)
	}
}

func TestEngine_KeepaliveDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HTTP1Keepalive = false
	addr, _ := startEngine(t, cfg, 4, echoService())

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	br := bufio.NewReader(conn)

	resp := roundTrip(t, conn, br, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := br.ReadByte(); err != io.EOF {
		t.Errorf("Expected close with keep-alive disabled, got %v", err)
	}
}

func TestEngine_HTTP10(t *testing.T) {
	addr, _ := startEngine(t, DefaultConfig(), 4, echoService())

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	br := bufio.NewReader(conn)

	// HTTP/1.0 defaults to close unless keep-alive is requested.
	resp := roundTrip(t, conn, br, "GET / HTTP/1.0\r\nHost: x\r\n\r\n")
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := br.ReadByte(); err != io.EOF {
		t.Errorf("Expected HTTP/1.0 connection to close, got %v", err)
	}
}

func TestEngine_BadRequest(t *testing.T) {
	addr, _ := startEngine(t, DefaultConfig(), 4, echoService())

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	br := bufio.NewReader(conn)

	resp := roundTrip(t, conn, br, "GARBAGE\r\n\r\n")
	if resp.StatusCode != 400 {
		t.Errorf("Expected 400, got %d", resp.StatusCode)
	}
}

func TestEngine_TransferEncodingRejected(t *testing.T) {
	addr, _ := startEngine(t, DefaultConfig(), 4, echoService())

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	br := bufio.NewReader(conn)

	raw := "POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n0\r\n\r\n"
	resp := roundTrip(t, conn, br, raw)
	if resp.StatusCode != 501 {
		t.Errorf("Expected 501 for chunked bodies, got %d", resp.StatusCode)
	}
}

func TestEngine_UnsupportedVersion(t *testing.T) {
	addr, _ := startEngine(t, DefaultConfig(), 4, echoService())

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("GET / HTTP/0.9\r\nHost: x\r\n\r\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	br := bufio.NewReader(conn)
	resp, err := nethttp.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	if resp.StatusCode != 505 {
		t.Errorf("Expected 505, got %d", resp.StatusCode)
	}
}

func TestEngine_HeadTooLarge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HTTP1MaxBufSize = 1024
	addr, _ := startEngine(t, cfg, 4, echoService())

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	raw := "GET / HTTP/1.1\r\nHost: x\r\nX-Big: " + strings.Repeat("a", 16384) + "\r\n\r\n"
	conn.Write([]byte(raw))

	br := bufio.NewReader(conn)
	resp, err := nethttp.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	if resp.StatusCode != 431 {
		t.Errorf("Expected 431, got %d", resp.StatusCode)
	}
}

// h2Client returns a client speaking prior-knowledge cleartext HTTP/2.
func h2Client(t *testing.T) *nethttp.Client {
	t.Helper()
	tr := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, a string, _ *tls.Config) (net.Conn, error) {
			return net.Dial(network, a)
		},
	}
	t.Cleanup(tr.CloseIdleConnections)
	return &nethttp.Client{Transport: tr}
}

func TestEngine_HTTP2PriorKnowledge(t *testing.T) {
	addr, _ := startEngine(t, DefaultConfig(), 4, echoService())

	client := h2Client(t)

	resp, err := client.Post("http://"+addr+"/echo", "text/plain", strings.NewReader("hi h2"))
	if err != nil {
		t.Fatalf("HTTP/2 request failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 200 {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if string(body) != "HI H2" {
		t.Errorf("Expected HI H2, got %q", body)
	}
	if resp.ProtoMajor != 2 {
		t.Errorf("Expected an HTTP/2 response, got %s", resp.Proto)
	}
}

func TestEngine_ZeroStatusBothProtocols(t *testing.T) {
	// A zero-status response means 200 on every protocol path.
	svc := ServiceFunc(func(req *http.Request) *http.Response {
		return &http.Response{Body: []byte("ok")}
	})
	addr, _ := startEngine(t, DefaultConfig(), 4, svc)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	br := bufio.NewReader(conn)

	resp := roundTrip(t, conn, br, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("Expected 200 over HTTP/1, got %d", resp.StatusCode)
	}

	resp2, err := h2Client(t).Get("http://" + addr + "/")
	if err != nil {
		t.Fatalf("HTTP/2 request failed: %v", err)
	}
	defer resp2.Body.Close()
	body, _ := io.ReadAll(resp2.Body)
	if resp2.StatusCode != 200 {
		t.Errorf("Expected 200 over HTTP/2, got %d", resp2.StatusCode)
	}
	if string(body) != "ok" {
		t.Errorf("Expected ok, got %q", body)
	}
}

func TestEngine_HandlerPanic(t *testing.T) {
	svc := ServiceFunc(func(req *http.Request) *http.Response {
		if req.Path == "/boom" {
			panic("handler fault")
		}
		return http.TextResponse(200, "ok")
	})
	addr, _ := startEngine(t, DefaultConfig(), 4, svc)

	// The faulting connection is torn down without a response.
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	conn.Write([]byte("GET /boom HTTP/1.1\r\nHost: x\r\n\r\n"))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := bufio.NewReader(conn).ReadByte(); err != io.EOF {
		t.Errorf("Expected EOF on the panicking connection, got %v", err)
	}

	// The pool survives and other connections keep being served.
	conn2, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Second dial failed: %v", err)
	}
	defer conn2.Close()
	br := bufio.NewReader(conn2)
	resp := roundTrip(t, conn2, br, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("Expected 200 after a handler panic elsewhere, got %d", resp.StatusCode)
	}
}

func TestEngine_HeadCapBelowReadBuffer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HTTP1MaxBufSize = 1024
	addr, _ := startEngine(t, cfg, 4, echoService())

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	// A 2KB head fits the default read buffer but exceeds the cap.
	raw := "GET / HTTP/1.1\r\nHost: x\r\nX-Big: " + strings.Repeat("a", 2048) + "\r\n\r\n"
	conn.Write([]byte(raw))

	br := bufio.NewReader(conn)
	resp, err := nethttp.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	if resp.StatusCode != 431 {
		t.Errorf("Expected 431 for a head over the cap, got %d", resp.StatusCode)
	}
}

func TestEngine_ConnectionTokenCase(t *testing.T) {
	addr, _ := startEngine(t, DefaultConfig(), 4, echoService())

	// "Connection: Close" closes an HTTP/1.1 connection regardless of case.
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	br := bufio.NewReader(conn)
	resp := roundTrip(t, conn, br, "GET / HTTP/1.1\r\nHost: x\r\nConnection: Close\r\n\r\n")
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := br.ReadByte(); err != io.EOF {
		t.Errorf("Expected close for Connection: Close, got %v", err)
	}

	// "Connection: Keep-Alive" keeps an HTTP/1.0 connection open.
	conn2, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Second dial failed: %v", err)
	}
	defer conn2.Close()
	br2 := bufio.NewReader(conn2)
	for i := 0; i < 2; i++ {
		resp := roundTrip(t, conn2, br2, "GET / HTTP/1.0\r\nHost: x\r\nConnection: Keep-Alive\r\n\r\n")
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode != 200 {
			t.Fatalf("Expected 200 on request %d, got %d", i+1, resp.StatusCode)
		}
	}
}

func TestEngine_HTTP1OnlyRejectsH2(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HTTP1Only = true
	addr, _ := startEngine(t, cfg, 4, echoService())

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"))
	br := bufio.NewReader(conn)
	resp, err := nethttp.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	if resp.StatusCode != 505 {
		t.Errorf("Expected 505 for the HTTP/2 preface in HTTP/1-only mode, got %d", resp.StatusCode)
	}
}

func TestEngine_IdleConnHoldsNoWorker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	pool := pools.NewWorkerPool(4, 50*time.Millisecond)
	engine := NewEngine(DefaultConfig(), pool, echoService())
	go engine.Run(ln)
	defer func() {
		engine.Stop()
		pool.Close()
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	br := bufio.NewReader(conn)

	resp := roundTrip(t, conn, br, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	// The connection stays open but parked; every worker should retire.
	deadline := time.Now().Add(2 * time.Second)
	for pool.Running() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected workers to drain with an idle conn open, still %d", pool.Running())
		}
		time.Sleep(10 * time.Millisecond)
	}

	// And the drained pool still serves the parked connection.
	resp = roundTrip(t, conn, br, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("Expected 200 after pool drain, got %d", resp.StatusCode)
	}
}

func TestEngine_Stop(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	pool := pools.NewWorkerPool(4, time.Second)
	defer pool.Close()
	engine := NewEngine(DefaultConfig(), pool, echoService())

	done := make(chan error, 1)
	go func() { done <- engine.Run(ln) }()

	// Open a connection so Stop has something to abort.
	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	time.Sleep(50 * time.Millisecond)

	engine.Stop()
	engine.Stop() // idempotent

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected nil from Run after Stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}

	if got := engine.Stats().ConnsAccepted; got != 1 {
		t.Errorf("Expected 1 accepted connection, got %d", got)
	}
}

func TestEngine_Stats(t *testing.T) {
	addr, engine := startEngine(t, DefaultConfig(), 4, echoService())

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	br := bufio.NewReader(conn)

	resp := roundTrip(t, conn, br, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	stats := engine.Stats()
	if stats.ConnsAccepted != 1 {
		t.Errorf("Expected 1 accepted connection, got %d", stats.ConnsAccepted)
	}
	if stats.RequestsServed != 1 {
		t.Errorf("Expected 1 served request, got %d", stats.RequestsServed)
	}
}
