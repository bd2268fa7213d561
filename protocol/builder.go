package protocol

import (
	"strconv"

	"github.com/valyala/bytebufferpool"
)

// Header is a single response header key/value pair. Headers are
// emitted on the wire in insertion order.
type Header struct {
	Key, Value string
}

// ResponseBuilder accumulates a status code, headers and a body, then
// serializes itself into a caller-supplied bytebufferpool.ByteBuffer.
// Buffer growth is visible to the caller via the buffer's own Cap/Len,
// which engine.MemAccount mirrors.
type ResponseBuilder struct {
	Status  int
	Headers []Header
	Body    []byte
}

// NewResponseBuilder returns a builder defaulted to 200 OK.
func NewResponseBuilder() *ResponseBuilder {
	return &ResponseBuilder{Status: 200}
}

// Reset clears the builder for reuse on the next response.
func (r *ResponseBuilder) Reset() {
	r.Status = 200
	r.Headers = r.Headers[:0]
	r.Body = nil
}

// SetStatus sets the response status code, falling back to 500 for any
// code outside the valid HTTP range.
func (r *ResponseBuilder) SetStatus(code int) {
	if code < 100 || code > 599 {
		code = 500
	}
	r.Status = code
}

// AddHeader appends a header. A Connection header added here does not
// change the session's keep-alive decision; the session appends its own
// Connection header when it encodes the response.
func (r *ResponseBuilder) AddHeader(key, value string) {
	r.Headers = append(r.Headers, Header{Key: key, Value: value})
}

// SetBody sets the full response (or chunk) body.
func (r *ResponseBuilder) SetBody(body []byte) {
	r.Body = body
}

// statusText is the reason-phrase table for the standard status codes.
var statusText = map[int]string{
	100: "Continue", 101: "Switching Protocols",

	200: "OK", 201: "Created", 202: "Accepted", 203: "Non-Authoritative Information",
	204: "No Content", 205: "Reset Content", 206: "Partial Content",

	300: "Multiple Choices", 301: "Moved Permanently", 302: "Found", 303: "See Other",
	304: "Not Modified", 305: "Use Proxy", 307: "Temporary Redirect",

	400: "Bad Request", 401: "Unauthorized", 402: "Payment Required", 403: "Forbidden",
	404: "Not Found", 405: "Method Not Allowed", 406: "Not Acceptable",
	407: "Proxy Authentication Required", 408: "Request Timeout", 409: "Conflict",
	410: "Gone", 411: "Length Required", 412: "Precondition Failed",
	413: "Payload Too Large", 414: "URI Too Long", 415: "Unsupported Media Type",
	417: "Expectation Failed", 426: "Upgrade Required",

	500: "Internal Server Error", 501: "Not Implemented", 502: "Bad Gateway",
	503: "Service Unavailable", 504: "Gateway Timeout", 505: "HTTP Version Not Supported",
}

// StatusText returns the reason phrase for code, or "" if code is not in
// the table (callers should treat an empty phrase as a caller bug, not
// fall back silently — an unrecognized status code is a programmer
// error, not a request-driven condition).
func StatusText(code int) string {
	return statusText[code]
}

var crlf = []byte("\r\n")

func writeStatusLine(buf *bytebufferpool.ByteBuffer, status int, date string) {
	buf.WriteString("HTTP/1.1 ")
	buf.WriteString(strconv.Itoa(status))
	buf.WriteByte(' ')
	buf.WriteString(StatusText(status))
	buf.Write(crlf)
	buf.WriteString("Date: ")
	buf.WriteString(date)
	buf.Write(crlf)
}

func writeHeader(buf *bytebufferpool.ByteBuffer, key, value string) {
	buf.WriteString(key)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.Write(crlf)
}

// EncodeHeaders appends the status line, a Date header, every header
// added via AddHeader and, unless chunked is true, a Content-Length
// computed from the current Body — then the blank line ending the
// header block.
func (r *ResponseBuilder) EncodeHeaders(buf *bytebufferpool.ByteBuffer, date string, chunked bool) {
	writeStatusLine(buf, r.Status, date)
	for _, h := range r.Headers {
		writeHeader(buf, h.Key, h.Value)
	}
	if !chunked {
		writeHeader(buf, "Content-Length", strconv.Itoa(len(r.Body)))
	}
	buf.Write(crlf)
}

// EncodeBody appends the body verbatim. Used only for non-chunked
// responses; chunked bodies go through EncodeChunk.
func (r *ResponseBuilder) EncodeBody(buf *bytebufferpool.ByteBuffer) {
	if len(r.Body) > 0 {
		buf.Write(r.Body)
	}
}

// EncodeChunk appends one chunked-transfer-encoding segment: the
// hex-encoded size, CRLF, the chunk bytes, CRLF.
func (r *ResponseBuilder) EncodeChunk(buf *bytebufferpool.ByteBuffer) {
	buf.WriteString(strconv.FormatInt(int64(len(r.Body)), 16))
	buf.Write(crlf)
	buf.Write(r.Body)
	buf.Write(crlf)
}

// EncodeChunkEnd appends the terminating zero-length chunk. Any headers
// added since the last EncodeChunk call are emitted as HTTP trailers,
// followed by the blank line.
func (r *ResponseBuilder) EncodeChunkEnd(buf *bytebufferpool.ByteBuffer) {
	buf.WriteString("0\r\n")
	for _, h := range r.Headers {
		writeHeader(buf, h.Key, h.Value)
	}
	buf.Write(crlf)
}
