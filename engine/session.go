package engine

import (
	"bytes"

	"github.com/google/uuid"

	"github.com/kfcemployee/evhttp/protocol"
	"github.com/kfcemployee/evhttp/reactor"
)

// State is the session's position in its request/response cycle.
type State int

const (
	Init State = iota
	ReadHeaders
	ReadBody
	Write
	ReadChunk
	Nop
)

// Flags are per-session connection-state bits.
type Flags uint8

const (
	// KeepAlive is the resolved decision for the current response: hold
	// the connection open afterwards. Only meaningful once a response is
	// being encoded; see AutomaticKeepAlive.
	KeepAlive Flags = 1 << iota
	// AutomaticKeepAlive means the decision is derived from the request
	// (Connection header, HTTP version) at respond time rather than
	// forced by the host.
	AutomaticKeepAlive
	ResponseReady
	ResponsePaused
	ChunkedRequest
	ChunkedResponse
	chunkedDone
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// HeaderTok is one parsed request header, as a pair of token views into
// Session's read buffer.
type HeaderTok struct {
	Key, Value protocol.Token
}

// Session drives one HTTP/1.1 connection's state machine: it owns the
// raw socket fd, the read and (while writing) response buffers, the
// token parser, and the parsed request view the host's handler reads
// from. Session implements reactor.Handle via OnEvent in machine.go.
type Session struct {
	FD      int
	Hooks   Hooks
	Backend reactor.Backend
	ID      uuid.UUID

	buf          *growBuf
	bytesFilled  int
	bytesWritten int

	Parser *protocol.ParserState

	Method, Target, Version, Body protocol.Token
	Headers                       []HeaderTok
	Chunk                         protocol.Token // most recent incoming chunk body, valid only inside ChunkCB

	respBuf *growBuf

	State State
	Flags Flags

	// ChunkCB serves double duty, as in classic evented HTTP engines:
	// while a chunked request streams in it receives each parsed chunk;
	// while a chunked response streams out it is the written-notify that
	// asks the host for the next outgoing chunk.
	ChunkCB func(*Session)

	Timeout int

	Userdata any
}

// NewSession returns a Session for a freshly accepted connection, not
// yet admitted (buffers are allocated lazily in onReadable once Reserve
// succeeds).
func NewSession(fd int, hooks Hooks, backend reactor.Backend) *Session {
	return &Session{
		FD:      fd,
		Hooks:   hooks,
		Backend: backend,
		ID:      uuid.New(),
		State:   Init,
		Flags:   AutomaticKeepAlive,
		Timeout: hooks.RequestTimeout(),
	}
}

// Buf returns the filled portion of the session's read buffer, the
// region token views index into.
func (s *Session) Buf() []byte {
	if s.buf == nil {
		return nil
	}
	return s.buf.bb.B[:s.bytesFilled]
}

// FindHeader returns the value view of the first request header whose
// key matches name case-insensitively, and whether one was found.
func (s *Session) FindHeader(name []byte) ([]byte, bool) {
	buf := s.Buf()
	for _, h := range s.Headers {
		if bytes.EqualFold(h.Key.View(buf), name) {
			return h.Value.View(buf), true
		}
	}
	return nil, false
}

var (
	hdrConnection = []byte("connection")
	valClose      = []byte("close")
	http10        = []byte("HTTP/1.0")
)

// autoKeepAlive applies the default connection-reuse rule: an explicit
// Connection: close closes, an HTTP/1.0 request with no Connection
// header closes, everything else keeps the connection alive.
func (s *Session) autoKeepAlive() bool {
	conn, ok := s.FindHeader(hdrConnection)
	if ok {
		return !bytes.EqualFold(conn, valClose)
	}
	return !bytes.Equal(s.Version.View(s.Buf()), http10)
}

// resolveKeepAlive fixes the keep-alive decision for the response being
// encoded and returns the matching Connection header value.
func (s *Session) resolveKeepAlive() string {
	keep := s.Flags.Has(KeepAlive)
	if s.Flags.Has(AutomaticKeepAlive) {
		keep = s.autoKeepAlive()
	}
	if keep {
		s.Flags |= KeepAlive
		return "keep-alive"
	}
	s.Flags &^= KeepAlive
	return "close"
}

// ForceConnection overrides the automatic keep-alive detection for the
// current response.
func (s *Session) ForceConnection(keep bool) {
	s.Flags &^= AutomaticKeepAlive
	if keep {
		s.Flags |= KeepAlive
	} else {
		s.Flags &^= KeepAlive
	}
}

// resetForNextRequest clears per-request parse state while keeping the
// connection alive for the next keep-alive request. The inactivity
// countdown widens from the in-request timeout to the keep-alive one.
func (s *Session) resetForNextRequest() {
	s.Method, s.Target, s.Version, s.Body = protocol.Token{}, protocol.Token{}, protocol.Token{}, protocol.Token{}
	s.Headers = s.Headers[:0]
	s.Chunk = protocol.Token{}
	s.Flags &^= KeepAlive | ResponseReady | ResponsePaused | ChunkedRequest | ChunkedResponse
	s.Flags |= AutomaticKeepAlive
	s.ChunkCB = nil
	s.Parser = nil
	s.State = Init
	s.Timeout = s.Hooks.KeepAliveTimeout()
}

// FreeRequestBuffer releases the read buffer and token log early, for a
// long-running handler that has copied what it needs. Every previously
// returned view becomes invalid.
func (s *Session) FreeRequestBuffer() {
	s.freeRequestBuf()
	s.Method, s.Target, s.Version, s.Body = protocol.Token{}, protocol.Token{}, protocol.Token{}, protocol.Token{}
	s.Headers = s.Headers[:0]
	s.Chunk = protocol.Token{}
}

// freeRequestBuf releases the read buffer back to the pool and the
// accounted memory back to Hooks.Mem().
func (s *Session) freeRequestBuf() {
	if s.buf != nil {
		s.buf.free()
		s.buf = nil
	}
	s.bytesFilled = 0
}

// freeResponseBuf releases the assembled response buffer.
func (s *Session) freeResponseBuf() {
	if s.respBuf != nil {
		s.respBuf.free()
		s.respBuf = nil
	}
	s.bytesWritten = 0
}

// Close tears down the session: both buffers are released and the
// socket fd closed. Callers remove the session from the reactor before
// calling Close.
func (s *Session) Close() error {
	s.freeRequestBuf()
	s.freeResponseBuf()
	return closeFD(s.FD)
}
