package engine

import "github.com/kfcemployee/evhttp/protocol"

// Hooks is the minimal surface a Session needs from its owning server.
// It is kept separate from the httpd package to avoid an import cycle:
// engine is the low-level connection-driving package, httpd is the
// host-facing package built on top of it and implements Hooks.
type Hooks interface {
	// Date returns the current preformatted RFC 1123 date string, cached
	// and refreshed once a second by the server.
	Date() string
	// Mem returns the server's shared buffer-memory accountant.
	Mem() *MemAccount
	// Limits returns the parser limits new sessions should use.
	Limits() protocol.Limits

	RequestBufSize() int
	ResponseBufSize() int
	RequestTimeout() int
	KeepAliveTimeout() int

	// HandleRequest invokes the host's request handler for s. Called
	// synchronously from the reactor goroutine; if the handler responds
	// before returning, s's response fields are already populated by the
	// time HandleRequest returns.
	HandleRequest(s *Session)

	// Defer schedules fn to run later on the reactor goroutine. Used by
	// a paused session's eventual response delivery.
	Defer(fn func())

	// RequestFailed is called when a session is about to answer with an
	// engine-generated error response (400, 413, 503), so the host can
	// log it.
	RequestFailed(s *Session, status int)

	// Closed is called once, when a session's socket is fully torn
	// down, so the host can drop its own bookkeeping and fire
	// OnDisconnect. cause is ErrPeerClosed, ErrTimeout, or nil for a
	// completed non-keep-alive response.
	Closed(s *Session, cause error)
}
