package engine

import (
	"syscall"

	"github.com/kfcemployee/evhttp/protocol"
	"github.com/kfcemployee/evhttp/reactor"
)

func closeFD(fd int) error { return syscall.Close(fd) }

// OnEvent implements reactor.Handle. It is the only entry point the
// reactor goroutine calls into a Session from.
func (s *Session) OnEvent(kind reactor.EventKind) {
	switch kind {
	case reactor.Readable:
		s.onReadable()
	case reactor.Writable:
		s.onWritable()
	}
}

func (s *Session) onReadable() {
	switch s.State {
	case Write:
		// A pipelined request arrived while a response is still
		// in-flight; leave it in the socket buffer. onWriteComplete drains
		// it once the write completes.
		return
	case Nop:
		// Paused: either an async handler owes a response or a chunked
		// body is fetched on host demand. No reads until then.
		return
	}
	if s.buf == nil {
		reserve := int64(s.Hooks.RequestBufSize())
		if !s.Hooks.Mem().Reserve(reserve) {
			s.Hooks.RequestFailed(s, 503)
			s.sendErrorAndClose(503)
			return
		}
		s.buf = newGrowBuf(s.Hooks.Mem(), reserve, s.Hooks.RequestBufSize())
		s.Parser = protocol.NewParserState(s.Hooks.Limits())
	}
	n, alive := s.readSocket()
	if !alive {
		s.shutdown(ErrPeerClosed)
		return
	}
	if n > 0 {
		s.Timeout = s.Hooks.RequestTimeout()
	}
	s.advance()
	// A keep-alive connection that woke up with nothing to parse goes
	// back to holding zero accounted memory while it idles.
	if s.buf != nil && s.bytesFilled == 0 && s.State == Init {
		s.freeRequestBuf()
		s.Parser = nil
	}
}

func (s *Session) onWritable() {
	if s.State == Write {
		s.writeSocket()
	}
}

// readSocket drains the edge-triggered socket, growing the read buffer
// as needed. Reports the bytes read and whether the connection is still
// alive: a zero-length read (peer EOF) or a hard error ends the
// session, EAGAIN just means "no more data right now".
func (s *Session) readSocket() (int, bool) {
	total := 0
	for {
		if s.bytesFilled == s.buf.capacity {
			s.buf.growTo(s.buf.capacity * 2)
		}
		n, err := syscall.Read(s.FD, s.buf.bytes()[s.bytesFilled:s.buf.capacity])
		if n > 0 {
			s.bytesFilled += n
			s.buf.setFilled(s.bytesFilled)
			total += n
			continue
		}
		if err == syscall.EAGAIN {
			return total, true
		}
		if err == syscall.EINTR {
			continue
		}
		// EOF or a hard transport error.
		return total, false
	}
}

func (s *Session) writeSocket() {
	data := s.respBuf.bb.B
	for s.bytesWritten < len(data) {
		n, err := syscall.Write(s.FD, data[s.bytesWritten:])
		if n > 0 {
			s.bytesWritten += n
			continue
		}
		if err == syscall.EAGAIN {
			s.armWritable()
			return
		}
		if err == syscall.EINTR {
			continue
		}
		s.shutdown(ErrPeerClosed)
		return
	}
	s.onWriteComplete()
}

func (s *Session) armWritable() { s.Backend.ArmWritable(s.FD, s) }
func (s *Session) armReadable() { s.Backend.ArmReadable(s.FD, s) }

func (s *Session) onWriteComplete() {
	s.freeResponseBuf()
	if s.Flags.Has(ChunkedResponse) {
		if !s.Flags.Has(chunkedDone) {
			// Mid-stream: hand control back to the host for the next
			// chunk. The connection idles in Nop, paused, until the next
			// RespondChunk/RespondChunkEnd re-enters the machine —
			// whether that happens inside cb right now or much later
			// from a Defer closure.
			s.State = Nop
			s.Flags &^= ResponseReady
			s.Flags |= ResponsePaused
			if cb := s.ChunkCB; cb != nil {
				cb(s)
			}
			return
		}
		s.Flags &^= chunkedDone
	}
	if !s.Flags.Has(KeepAlive) {
		s.shutdown(nil)
		return
	}
	s.resetForNextRequest()
	s.armReadable()
	// Any pipelined bytes that arrived during the write raised an edge
	// that was deliberately ignored; pick them up now.
	s.onReadable()
}

func (s *Session) shutdown(cause error) {
	s.Backend.Remove(s.FD)
	s.Close()
	s.State = Nop
	s.Hooks.Closed(s, cause)
}

// Expire forcibly closes the session, called by the host when Tick
// reports it has gone idle too long. No error response is written.
func (s *Session) Expire() { s.shutdown(ErrTimeout) }

// Tick is called once a second by the server for every live session. It
// decrements the inactivity countdown and reports whether the session
// should be closed for having gone idle too long.
func (s *Session) Tick() (expired bool) {
	s.Timeout--
	return s.Timeout <= 0
}

// advance drives the state machine forward as far as the bytes
// currently in the read buffer allow, stopping when it needs more input
// (a None token), when the handler has been dispatched and owes an
// asynchronous response, or when a write is pending socket readiness.
func (s *Session) advance() {
	for {
		switch s.State {
		case Init, ReadHeaders:
			if s.Parser == nil {
				// A nested respond cycle already reset the session for
				// its next request; the next readable event rebuilds the
				// parser.
				return
			}
			tok := s.Parser.Parse(s.Buf())
			switch tok.Kind {
			case protocol.None:
				return
			case protocol.ParseError:
				s.respondParseError(tok)
				continue
			case protocol.Method:
				s.Method = tok
				s.State = ReadHeaders
			case protocol.Target:
				s.Target = tok
			case protocol.Version:
				s.Version = tok
			case protocol.HeaderKey:
				s.Headers = append(s.Headers, HeaderTok{Key: tok})
			case protocol.HeaderValue:
				s.Headers[len(s.Headers)-1].Value = tok
			case protocol.Body:
				s.Body = tok
				if tok.Len == protocol.ChunkedLen {
					// Chunked request: the handler runs now, against the
					// headers alone, and pulls body chunks on demand via
					// RequestChunk.
					s.Flags |= ChunkedRequest
					s.Parser.StartChunkMode()
					if s.dispatchToHandler() {
						continue
					}
					return
				}
				s.State = ReadBody
			}
			continue

		case ReadBody:
			if s.bytesFilled-s.Body.Index < s.Body.Len {
				return
			}
			if s.dispatchToHandler() {
				continue
			}
			return

		case ReadChunk:
			tok := s.Parser.ParseChunk(s.Buf())
			switch tok.Kind {
			case protocol.None:
				s.bytesFilled = s.Parser.Compact(s.Buf())
				s.buf.setFilled(s.bytesFilled)
				return
			case protocol.ParseError:
				s.respondParseError(tok)
				continue
			case protocol.ChunkBody:
				// The callback may have responded (State is now Write),
				// asked for another chunk (ReadChunk), or parked (Nop);
				// loop and let the current state decide.
				s.deliverChunk(tok)
				continue
			default:
				return
			}

		case Write:
			s.writeSocket()
			return

		case Nop:
			return
		}
	}
}

// dispatchToHandler invokes the host handler for the parsed request. If
// the handler already delivered a response by the time it returns, the
// session is ready to write immediately and dispatchToHandler reports
// true so advance can fall through to the Write case in the same pass.
// Otherwise the session is marked paused and waits for a later
// Defer-scheduled response delivery.
func (s *Session) dispatchToHandler() bool {
	s.State = Nop
	s.Hooks.HandleRequest(s)
	if s.Flags.Has(ResponseReady) {
		return true
	}
	if s.State == Nop {
		s.Flags |= ResponsePaused
	}
	return false
}

// deliverChunk installs tok as the current chunk and notifies the host.
// A zero-length tok is the end-of-body signal.
func (s *Session) deliverChunk(tok protocol.Token) {
	s.Chunk = tok
	s.State = Nop
	if cb := s.ChunkCB; cb != nil {
		cb(s)
	}
}

// RequestChunk asks for the next request-body chunk: if one is already
// buffered it is delivered synchronously through ChunkCB; otherwise the
// socket is drained once more, and if the chunk is still incomplete the
// session parks in ReadChunk until more bytes arrive.
func (s *Session) RequestChunk() {
	if s.buf == nil || s.Parser == nil || !s.Flags.Has(ChunkedRequest) {
		return
	}
	tok := s.Parser.ParseChunk(s.Buf())
	if tok.Kind == protocol.None {
		s.bytesFilled = s.Parser.Compact(s.Buf())
		s.buf.setFilled(s.bytesFilled)
		n, alive := s.readSocket()
		if !alive {
			s.shutdown(ErrPeerClosed)
			return
		}
		if n > 0 {
			s.Timeout = s.Hooks.RequestTimeout()
			tok = s.Parser.ParseChunk(s.Buf())
		}
	}
	switch tok.Kind {
	case protocol.ChunkBody:
		s.deliverChunk(tok)
	case protocol.ParseError:
		s.respondParseError(tok)
		s.advance()
	default:
		s.bytesFilled = s.Parser.Compact(s.Buf())
		s.buf.setFilled(s.bytesFilled)
		s.State = ReadChunk
	}
}

func (s *Session) respondParseError(tok protocol.Token) {
	status := 400
	if protocol.ErrSubtype(tok.Index) == protocol.ErrPayloadTooLargeSub {
		status = 413
	}
	s.Hooks.RequestFailed(s, status)
	s.ForceConnection(false)
	rb := protocol.NewResponseBuilder()
	rb.SetStatus(status)
	rb.AddHeader("Content-Type", "text/plain")
	rb.SetBody([]byte(protocol.StatusText(status)))
	s.Respond(rb)
}

// sendErrorAndClose is the admission-rejection path: the session never
// parsed anything, so the response is built and pushed directly.
func (s *Session) sendErrorAndClose(status int) {
	s.ForceConnection(false)
	rb := protocol.NewResponseBuilder()
	rb.SetStatus(status)
	rb.AddHeader("Content-Type", "text/plain")
	rb.SetBody([]byte(protocol.StatusText(status)))
	s.Respond(rb)
	s.writeSocket()
}

// encodeResponse serializes rb into a fresh, accounted response buffer.
func (s *Session) encodeResponse(rb *protocol.ResponseBuilder, chunked bool) *growBuf {
	buf := newGrowBuf(s.Hooks.Mem(), 0, s.Hooks.ResponseBufSize())
	rb.AddHeader("Connection", s.resolveKeepAlive())
	rb.EncodeHeaders(buf.bb, s.Hooks.Date(), chunked)
	if !chunked {
		rb.EncodeBody(buf.bb)
	}
	buf.syncGrowth()
	return buf
}

// deliverResponse installs buf as the outgoing response and, if the
// session had been paused waiting on an asynchronous handler, resumes
// the machine itself (a synchronous respond call during dispatchToHandler
// is instead picked up by advance's own loop once HandleRequest returns).
func (s *Session) deliverResponse(buf *growBuf) {
	s.freeRequestBuf()
	if s.respBuf != nil {
		s.respBuf.free()
	}
	s.respBuf = buf
	s.bytesWritten = 0
	s.State = Write
	wasPaused := s.Flags.Has(ResponsePaused)
	s.Flags |= ResponseReady
	s.Flags &^= ResponsePaused
	if wasPaused {
		s.advance()
	}
}

// Respond builds the full response from rb (Content-Length framed) and
// queues it for writing. This is the ordinary, single-shot response
// path.
func (s *Session) Respond(rb *protocol.ResponseBuilder) {
	s.deliverResponse(s.encodeResponse(rb, false))
}

// RespondChunk sends rb.Body as one chunk of a chunked-transfer-encoding
// response. The first call also emits the response headers, with
// Transfer-Encoding: chunked in place of Content-Length. done, if
// non-nil, runs once this chunk has been fully written, so the host can
// supply the next one from an asynchronous data source; it replaces any
// callback set by an earlier RespondChunk call on this session. Headers
// added between chunk calls are dropped; they would be illegal
// mid-stream.
func (s *Session) RespondChunk(rb *protocol.ResponseBuilder, done func(*Session)) {
	first := !s.Flags.Has(ChunkedResponse)
	s.Flags |= ChunkedResponse
	s.ChunkCB = done
	buf := newGrowBuf(s.Hooks.Mem(), 0, s.Hooks.ResponseBufSize())
	if first {
		rb.AddHeader("Connection", s.resolveKeepAlive())
		rb.AddHeader("Transfer-Encoding", "chunked")
		rb.EncodeHeaders(buf.bb, s.Hooks.Date(), true)
	}
	rb.Headers = rb.Headers[:0]
	rb.EncodeChunk(buf.bb)
	buf.syncGrowth()
	s.deliverResponse(buf)
}

// RespondChunkEnd sends the terminating zero-length chunk of a chunked
// response. Headers added to rb since the last RespondChunk call are
// emitted as HTTP trailers.
func (s *Session) RespondChunkEnd(rb *protocol.ResponseBuilder) {
	s.ChunkCB = nil
	s.Flags |= chunkedDone
	buf := newGrowBuf(s.Hooks.Mem(), 0, s.Hooks.ResponseBufSize())
	rb.EncodeChunkEnd(buf.bb)
	buf.syncGrowth()
	s.deliverResponse(buf)
}
