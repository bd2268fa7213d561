package httpd

import (
	"strings"

	"github.com/google/uuid"

	"github.com/kfcemployee/evhttp/engine"
)

// Request is the ergonomic, read-only view over a parsed HTTP request,
// wrapping the zero-copy token data an engine.Session holds. Every
// string-returning accessor copies out of the session's read buffer;
// callers that need to retain raw []byte views past the handler's
// return (e.g. to hand to Request.Defer) must copy them themselves —
// the buffer is freed as soon as a response is built.
type Request struct {
	sess *engine.Session
	srv  *Server
}

// Method returns the request method, e.g. "GET".
func (r *Request) Method() string { return string(r.sess.Method.View(r.sess.Buf())) }

// Target returns the request target as sent on the wire (path and
// query string, unparsed).
func (r *Request) Target() string { return string(r.sess.Target.View(r.sess.Buf())) }

// Version returns the HTTP version token, e.g. "HTTP/1.1".
func (r *Request) Version() string { return string(r.sess.Version.View(r.sess.Buf())) }

// Body returns the request body. It is empty for a chunked request;
// chunked bodies are consumed through ReadChunk instead.
func (r *Request) Body() []byte {
	if r.Chunked() {
		return nil
	}
	return r.sess.Body.View(r.sess.Buf())
}

// Chunked reports whether the request body arrives with
// Transfer-Encoding: chunked and must be read through ReadChunk.
func (r *Request) Chunked() bool { return r.sess.Flags.Has(engine.ChunkedRequest) }

// ReadChunk asks for the next chunk of a chunked request body. If one
// is already buffered, cb runs synchronously with the chunk installed
// as Chunk; otherwise the socket is read and, if the chunk is still
// incomplete, cb runs later once it has fully arrived. A zero-length
// Chunk signals end of body. cb replaces any callback passed to an
// earlier ReadChunk on this request.
func (r *Request) ReadChunk(cb func(*Request)) {
	r.sess.ChunkCB = func(s *engine.Session) {
		cb(&Request{sess: s, srv: r.srv})
	}
	r.sess.RequestChunk()
}

// Chunk returns the most recently delivered chunk body, valid only
// until the next ReadChunk call. Empty means end of body.
func (r *Request) Chunk() []byte { return r.sess.Chunk.View(r.sess.Buf()) }

// Header returns the first header matching key (case-insensitively) and
// whether it was present.
func (r *Request) Header(key string) (string, bool) {
	buf := r.sess.Buf()
	for _, h := range r.sess.Headers {
		if strings.EqualFold(string(h.Key.View(buf)), key) {
			return string(h.Value.View(buf)), true
		}
	}
	return "", false
}

// Headers calls fn once per header, in wire order.
func (r *Request) Headers(fn func(key, value string)) {
	buf := r.sess.Buf()
	for _, h := range r.sess.Headers {
		fn(string(h.Key.View(buf)), string(h.Value.View(buf)))
	}
}

// ID returns this connection's correlation ID, stable across every
// request on a keep-alive connection.
func (r *Request) ID() uuid.UUID { return r.sess.ID }

// Userdata returns whatever the host previously stashed on this
// connection with SetUserdata (typically from OnConnect), or nil.
func (r *Request) Userdata() any { return r.sess.Userdata }

// SetUserdata stashes a value on the connection, retained across
// keep-alive requests until OnDisconnect.
func (r *Request) SetUserdata(v any) { r.sess.Userdata = v }

// FreeBuffer releases the request's read buffer early, for a
// long-running handler that has copied what it needs. All previously
// returned views and accessors go empty.
func (r *Request) FreeBuffer() { r.sess.FreeRequestBuffer() }

// SetKeepAlive overrides the automatic keep-alive decision for this
// response. Automatic keep-alive is based on the Connection header and
// HTTP version and is usually right; this is an escape hatch for a
// handler that wants to force-close after an error.
func (r *Request) SetKeepAlive(keep bool) { r.sess.ForceConnection(keep) }

// Defer schedules fn to run later on the reactor goroutine. A handler
// that needs to do asynchronous work before it can respond starts that
// work, returns without calling a Response method (pausing the
// connection), and calls the resulting Response method from inside fn
// once the work completes.
func (r *Request) Defer(fn func()) { r.sess.Hooks.Defer(fn) }
