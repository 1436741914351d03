package http

import (
	"bytes"
	"errors"
	"net/textproto"
	"strings"
	"unsafe"
)

// unsafeString converts byte slice to string without allocation
// WARNING: The returned string shares memory with the byte slice
func unsafeString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(unsafe.SliceData(b), len(b))
}

var (
	ErrInvalidRequest = errors.New("invalid HTTP request")

	// ErrIncomplete means the head terminator has not arrived yet; the
	// caller should read more bytes and retry.
	ErrIncomplete = errors.New("incomplete HTTP request head")
)

// ParseRequestHead parses the request line and headers from data without
// copying where possible. It returns the parsed request and the number of
// bytes consumed, up to and including the blank line that ends the head.
// The request body is not consumed here; the engine reads it separately
// based on Content-Length.
//
// Method, Path and Proto share memory with data and stay valid only while
// the underlying buffer is untouched.
func ParseRequestHead(data []byte, preserveCase bool) (*Request, int, error) {
	// Take whichever terminator comes first: an LF-only head may be
	// followed by a buffered CRLF request, and preferring CRLF globally
	// would swallow it.
	end := bytes.Index(data, []byte("\r\n\r\n"))
	tlen := 4
	if lf := bytes.Index(data, []byte("\n\n")); lf != -1 && (end == -1 || lf < end) {
		end, tlen = lf, 2
	}
	if end == -1 {
		return nil, 0, ErrIncomplete
	}

	head := data[:end]
	consumed := end + tlen

	lineEnd := bytes.IndexByte(head, '\n')
	var line []byte
	if lineEnd == -1 {
		line = head
		head = nil
	} else {
		line = head[:lineEnd]
		head = head[lineEnd+1:]
	}
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}

	// Parse METHOD PATH PROTO (zero-allocation: avoid SplitN)
	sp1 := bytes.IndexByte(line, ' ')
	if sp1 <= 0 {
		return nil, 0, ErrInvalidRequest
	}
	sp2 := bytes.IndexByte(line[sp1+1:], ' ')
	if sp2 == -1 {
		return nil, 0, ErrInvalidRequest
	}
	sp2 += sp1 + 1
	if sp2+1 >= len(line) {
		return nil, 0, ErrInvalidRequest
	}

	req := AcquireRequest()
	req.Method = unsafeString(line[:sp1])
	req.Path = unsafeString(line[sp1+1 : sp2])
	req.Proto = unsafeString(line[sp2+1:])

	if idx := strings.IndexByte(req.Path, '?'); idx != -1 {
		req.Path = parseQuery(req, req.Path, idx)
	}

	parseHeaders(req, head, preserveCase)

	return req, consumed, nil
}

// parseHeaders parses HTTP headers. Keys are canonicalized; when
// preserveCase is set the header is additionally recorded under its
// original spelling so proxies can forward it untouched.
func parseHeaders(req *Request, data []byte, preserveCase bool) {
	for len(data) > 0 {
		lineEnd := bytes.IndexByte(data, '\n')
		if lineEnd == -1 {
			lineEnd = len(data)
		}

		line := data[:lineEnd]
		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}

		if len(line) == 0 {
			break
		}

		colon := bytes.IndexByte(line, ':')
		if colon > 0 {
			rawKey := string(bytes.TrimSpace(line[:colon]))
			value := string(bytes.TrimSpace(line[colon+1:]))
			key := textproto.CanonicalMIMEHeaderKey(rawKey)
			req.SetHeader(key, value)
			if preserveCase && rawKey != key {
				if req.ExtraHeaders == nil {
					req.ExtraHeaders = make(map[string]string)
				}
				req.ExtraHeaders[rawKey] = value
			}
		}

		if lineEnd == len(data) {
			break
		}
		data = data[lineEnd+1:]
	}
}

// parseQuery splits the query string off the path and fills req.Query.
func parseQuery(req *Request, path string, idx int) string {
	query := path[idx+1:]
	path = path[:idx]

	if req.Query == nil {
		req.Query = make(map[string]string)
	}

	for query != "" {
		var pair string
		if amp := strings.IndexByte(query, '&'); amp >= 0 {
			pair, query = query[:amp], query[amp+1:]
		} else {
			pair, query = query, ""
		}
		if pair == "" {
			continue
		}
		if eq := strings.IndexByte(pair, '='); eq >= 0 {
			req.Query[pair[:eq]] = pair[eq+1:]
		} else {
			req.Query[pair] = ""
		}
	}

	return path
}
