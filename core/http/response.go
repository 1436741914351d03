package http

import (
	"encoding/json"
	"net/textproto"
	"time"
)

// Response is the value a service returns for one request. The engine owns
// serialization; handlers only fill in status, headers and body.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// NewResponse creates a response with the given status and body.
func NewResponse(status int, body []byte) *Response {
	return &Response{Status: status, Body: body}
}

// TextResponse creates a plain-text response.
func TextResponse(status int, s string) *Response {
	r := NewResponse(status, []byte(s))
	r.SetHeader("Content-Type", "text/plain; charset=utf-8")
	return r
}

// JSONResponse creates a JSON response. A marshal failure yields a 500.
func JSONResponse(status int, v any) *Response {
	data, err := json.Marshal(v)
	if err != nil {
		return TextResponse(500, "Internal Server Error")
	}
	r := NewResponse(status, data)
	r.SetHeader("Content-Type", "application/json")
	return r
}

// SetHeader sets a response header.
func (r *Response) SetHeader(key, value string) {
	if r.Headers == nil {
		r.Headers = make(map[string]string)
	}
	r.Headers[key] = value
}

const timeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

// EncodeHead appends the serialized response head (status line, Date,
// Content-Length, headers, terminating blank line) to dst and returns it.
// The body is written separately so the engine can choose between vectored
// and flattened writes.
func (r *Response) EncodeHead(dst []byte, titleCase, closing bool) []byte {
	status := r.Status
	if status == 0 {
		status = 200
	}

	dst = append(dst, "HTTP/1.1 "...)
	dst = appendInt(dst, status)
	dst = append(dst, ' ')
	dst = append(dst, StatusText(status)...)
	dst = append(dst, "\r\n"...)

	dst = append(dst, "Date: "...)
	dst = time.Now().UTC().AppendFormat(dst, timeFormat)
	dst = append(dst, "\r\n"...)

	dst = append(dst, "Content-Length: "...)
	dst = appendInt(dst, len(r.Body))
	dst = append(dst, "\r\n"...)

	if closing {
		dst = append(dst, "Connection: close\r\n"...)
	}

	for k, v := range r.Headers {
		if titleCase {
			k = textproto.CanonicalMIMEHeaderKey(k)
		}
		dst = append(dst, k...)
		dst = append(dst, ": "...)
		dst = append(dst, v...)
		dst = append(dst, "\r\n"...)
	}

	dst = append(dst, "\r\n"...)
	return dst
}

// StatusText returns the reason phrase for common status codes.
func StatusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 204:
		return "No Content"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Found"
	case 304:
		return "Not Modified"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 408:
		return "Request Timeout"
	case 411:
		return "Length Required"
	case 431:
		return "Request Header Fields Too Large"
	case 500:
		return "Internal Server Error"
	case 501:
		return "Not Implemented"
	case 503:
		return "Service Unavailable"
	case 505:
		return "HTTP Version Not Supported"
	default:
		return "Status"
	}
}

// Helper function to append int to byte slice
func appendInt(b []byte, i int) []byte {
	if i == 0 {
		return append(b, '0')
	}

	if i < 0 {
		b = append(b, '-')
		i = -i
	}

	var digits [20]byte
	n := 0
	for i > 0 {
		digits[n] = byte('0' + i%10)
		i /= 10
		n++
	}

	for n > 0 {
		n--
		b = append(b, digits[n])
	}

	return b
}
