package httpd

import (
	"github.com/kfcemployee/evhttp/engine"
	"github.com/kfcemployee/evhttp/protocol"
)

// Response builds and delivers one HTTP response. A handler calls
// SetStatus/SetHeader/SetBody as needed and delivers it either with one
// Send, or with one or more SendChunk calls followed by SendChunkEnd.
// Calling none of them before
// returning pauses the connection until a later call — typically from
// inside a Request.Defer closure — delivers a response.
type Response struct {
	sess *engine.Session
	rb   *protocol.ResponseBuilder
}

// SetStatus sets the response status code. Values outside 100-599 are
// coerced to 500.
func (r *Response) SetStatus(code int) *Response {
	r.rb.SetStatus(code)
	return r
}

// SetHeader appends a response header. Callers needn't (and shouldn't)
// set Connection or Content-Length themselves; both are computed by
// Send/SendChunk from the session's keep-alive state and body length.
func (r *Response) SetHeader(key, value string) *Response {
	r.rb.AddHeader(key, value)
	return r
}

// SetBody sets the full response body for Send, or the current chunk's
// body for SendChunk.
func (r *Response) SetBody(body []byte) *Response {
	r.rb.SetBody(body)
	return r
}

// Send delivers a complete, Content-Length framed response.
func (r *Response) Send() { r.sess.Respond(r.rb) }

// SendChunk delivers one chunked-transfer-encoding segment. The first
// call on a given response also emits the header block, with
// Transfer-Encoding: chunked in place of Content-Length. done, if
// non-nil, runs once this chunk is fully written, so a streaming data
// source can supply the next one asynchronously.
func (r *Response) SendChunk(done func()) {
	var cb func(*engine.Session)
	if done != nil {
		cb = func(*engine.Session) { done() }
	}
	r.sess.RespondChunk(r.rb, cb)
}

// SendChunkEnd delivers the terminating zero-length chunk. Any headers
// set since the last SendChunk call are emitted as HTTP trailers.
func (r *Response) SendChunkEnd() { r.sess.RespondChunkEnd(r.rb) }
