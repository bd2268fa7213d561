package engine

import (
	"bytes"
	"strings"
	"syscall"
	"testing"

	"github.com/kfcemployee/evhttp/protocol"
	"github.com/kfcemployee/evhttp/reactor"
)

// stubBackend satisfies reactor.Backend without any OS multiplexer;
// machine tests drive OnEvent by hand.
type stubBackend struct{}

func (stubBackend) Open() error                              { return nil }
func (stubBackend) AddSocket(int, reactor.Handle) error      { return nil }
func (stubBackend) ArmWritable(int, reactor.Handle) error    { return nil }
func (stubBackend) ArmReadable(int, reactor.Handle) error    { return nil }
func (stubBackend) Remove(int) error                         { return nil }
func (stubBackend) Wait(int) (int, error)                    { return 0, nil }
func (stubBackend) Close() error                             { return nil }

type testHooks struct {
	mem    *MemAccount
	handle func(*Session)

	closed     bool
	closeCause error
	failed     []int
}

func newTestHooks() *testHooks {
	return &testHooks{mem: NewMemAccount(1 << 20)}
}

func (h *testHooks) Date() string            { return "Mon, 02 Jan 2006 15:04:05 GMT" }
func (h *testHooks) Mem() *MemAccount        { return h.mem }
func (h *testHooks) Limits() protocol.Limits { return protocol.DefaultLimits }
func (h *testHooks) RequestBufSize() int     { return 1024 }
func (h *testHooks) ResponseBufSize() int    { return 512 }
func (h *testHooks) RequestTimeout() int     { return 20 }
func (h *testHooks) KeepAliveTimeout() int   { return 120 }
func (h *testHooks) Defer(fn func())         { fn() }

func (h *testHooks) HandleRequest(s *Session) {
	if h.handle != nil {
		h.handle(s)
	}
}

func (h *testHooks) RequestFailed(s *Session, status int) { h.failed = append(h.failed, status) }

func (h *testHooks) Closed(s *Session, cause error) {
	h.closed = true
	h.closeCause = cause
}

// newTestSession wires a Session onto one end of a socketpair and
// returns the peer fd the test talks through.
func newTestSession(t *testing.T, hooks *testHooks) (*Session, int) {
	t.Helper()
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := syscall.SetNonblock(fds[0], true); err != nil {
		t.Fatal(err)
	}
	if err := syscall.SetNonblock(fds[1], true); err != nil {
		t.Fatal(err)
	}
	sess := NewSession(fds[0], hooks, stubBackend{})
	t.Cleanup(func() {
		if !hooks.closed {
			syscall.Close(fds[0])
		}
		syscall.Close(fds[1])
	})
	return sess, fds[1]
}

func send(t *testing.T, fd int, data string) {
	t.Helper()
	if _, err := syscall.Write(fd, []byte(data)); err != nil {
		t.Fatal(err)
	}
}

// recvAll drains whatever response bytes the session wrote into the
// socketpair, returning them along with whether the session closed its
// end.
func recvAll(t *testing.T, fd int) (string, bool) {
	t.Helper()
	var out bytes.Buffer
	buf := make([]byte, 4096)
	for {
		n, err := syscall.Read(fd, buf)
		if n > 0 {
			out.Write(buf[:n])
			continue
		}
		if err == syscall.EAGAIN {
			return out.String(), false
		}
		return out.String(), true
	}
}

func okHandler(body string) func(*Session) {
	return func(s *Session) {
		rb := protocol.NewResponseBuilder()
		rb.AddHeader("Content-Type", "text/plain")
		rb.SetBody([]byte(body))
		s.Respond(rb)
	}
}

func Test_simple_get_keep_alive(t *testing.T) {
	hooks := newTestHooks()
	hooks.handle = okHandler("hi")
	sess, peer := newTestSession(t, hooks)

	send(t, peer, "GET /x HTTP/1.1\r\nHost: a\r\n\r\n")
	sess.OnEvent(reactor.Readable)

	resp, eof := recvAll(t, peer)
	if !strings.HasPrefix(resp, "HTTP/1.1 200 OK\r\nDate: ") {
		t.Errorf("status line: %q", resp)
	}
	if !strings.Contains(resp, "Connection: keep-alive\r\n") {
		t.Errorf("expected keep-alive: %q", resp)
	}
	if !strings.HasSuffix(resp, "Content-Length: 2\r\n\r\nhi") {
		t.Errorf("framing: %q", resp)
	}
	if eof {
		t.Error("keep-alive connection was closed")
	}
	if hooks.mem.Used() != 0 {
		t.Errorf("memory not returned after cycle: %d", hooks.mem.Used())
	}

	// The same connection serves a second request.
	send(t, peer, "GET /y HTTP/1.1\r\nHost: a\r\n\r\n")
	sess.OnEvent(reactor.Readable)
	resp, eof = recvAll(t, peer)
	if !strings.Contains(resp, "Content-Length: 2\r\n\r\nhi") || eof {
		t.Errorf("second request failed: %q eof=%v", resp, eof)
	}
	if hooks.mem.Used() != 0 {
		t.Errorf("memory grew across keep-alive cycles: %d", hooks.mem.Used())
	}
}

func Test_http10_closes(t *testing.T) {
	hooks := newTestHooks()
	hooks.handle = okHandler("bye")
	sess, peer := newTestSession(t, hooks)

	send(t, peer, "GET / HTTP/1.0\r\n\r\n")
	sess.OnEvent(reactor.Readable)

	resp, eof := recvAll(t, peer)
	if !strings.Contains(resp, "Connection: close\r\n") {
		t.Errorf("expected close: %q", resp)
	}
	if !eof {
		t.Error("connection should be closed after an HTTP/1.0 response")
	}
	if !hooks.closed || hooks.closeCause != nil {
		t.Errorf("closed=%v cause=%v", hooks.closed, hooks.closeCause)
	}
}

func Test_connection_close_header_honored(t *testing.T) {
	hooks := newTestHooks()
	hooks.handle = okHandler("x")
	sess, peer := newTestSession(t, hooks)

	send(t, peer, "GET / HTTP/1.1\r\nConnection: close\r\n\r\n")
	sess.OnEvent(reactor.Readable)

	resp, eof := recvAll(t, peer)
	if !strings.Contains(resp, "Connection: close\r\n") || !eof {
		t.Errorf("resp=%q eof=%v", resp, eof)
	}
}

func Test_post_body_view(t *testing.T) {
	hooks := newTestHooks()
	var gotBody string
	hooks.handle = func(s *Session) {
		gotBody = string(s.Body.View(s.Buf()))
		rb := protocol.NewResponseBuilder()
		rb.SetBody([]byte("ok"))
		s.Respond(rb)
	}
	sess, peer := newTestSession(t, hooks)

	send(t, peer, "POST /x HTTP/1.1\r\nContent-Length: 5\r\n\r\nhello")
	sess.OnEvent(reactor.Readable)

	if gotBody != "hello" {
		t.Errorf("body view: %q", gotBody)
	}
}

func Test_split_arrival_matches_single_shot(t *testing.T) {
	hooks := newTestHooks()
	hooks.handle = okHandler("hi")
	sess, peer := newTestSession(t, hooks)

	raw := "GET /x HTTP/1.1\r\nHost: a\r\n\r\n"
	for i := 0; i < len(raw); i++ {
		send(t, peer, raw[i:i+1])
		sess.OnEvent(reactor.Readable)
	}

	resp, eof := recvAll(t, peer)
	if !strings.HasPrefix(resp, "HTTP/1.1 200 OK\r\nDate: ") ||
		!strings.HasSuffix(resp, "Content-Length: 2\r\n\r\nhi") || eof {
		t.Errorf("byte-at-a-time delivery broke the response: %q eof=%v", resp, eof)
	}
}

func Test_chunked_request_streams_to_host(t *testing.T) {
	hooks := newTestHooks()
	var got []string
	hooks.handle = func(s *Session) {
		s.ChunkCB = func(cs *Session) {
			chunk := string(cs.Chunk.View(cs.Buf()))
			got = append(got, chunk)
			if chunk == "" {
				rb := protocol.NewResponseBuilder()
				rb.SetBody([]byte("done"))
				cs.Respond(rb)
				return
			}
			cs.RequestChunk()
		}
		s.RequestChunk()
	}
	sess, peer := newTestSession(t, hooks)

	send(t, peer, "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n"+
		"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n")
	sess.OnEvent(reactor.Readable)

	want := []string{"hello", " world", ""}
	if len(got) != len(want) {
		t.Fatalf("chunks: got %q want %q", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("chunk %d: got %q want %q", i, got[i], want[i])
		}
	}
	resp, _ := recvAll(t, peer)
	if !strings.Contains(resp, "\r\n\r\ndone") {
		t.Errorf("response after chunked upload: %q", resp)
	}
}

func Test_chunked_request_split_arrival(t *testing.T) {
	hooks := newTestHooks()
	var body bytes.Buffer
	responded := false
	hooks.handle = func(s *Session) {
		s.ChunkCB = func(cs *Session) {
			chunk := cs.Chunk.View(cs.Buf())
			if len(chunk) == 0 {
				responded = true
				rb := protocol.NewResponseBuilder()
				rb.SetBody([]byte("done"))
				cs.Respond(rb)
				return
			}
			body.Write(chunk)
			cs.RequestChunk()
		}
		s.RequestChunk()
	}
	sess, peer := newTestSession(t, hooks)

	raw := "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"
	for i := 0; i < len(raw); i += 3 {
		end := i + 3
		if end > len(raw) {
			end = len(raw)
		}
		send(t, peer, raw[i:end])
		sess.OnEvent(reactor.Readable)
	}

	if !responded {
		t.Fatal("never saw the terminating chunk")
	}
	if body.String() != "hello world" {
		t.Errorf("reassembled body: %q", body.String())
	}
}

func Test_chunked_response(t *testing.T) {
	hooks := newTestHooks()
	hooks.handle = func(s *Session) {
		parts := []string{"alpha", "beta"}
		var next func(*Session)
		next = func(cs *Session) {
			rb := protocol.NewResponseBuilder()
			if len(parts) == 0 {
				cs.RespondChunkEnd(rb)
				return
			}
			rb.SetBody([]byte(parts[0]))
			parts = parts[1:]
			cs.RespondChunk(rb, next)
		}
		next(s)
	}
	sess, peer := newTestSession(t, hooks)

	send(t, peer, "GET /stream HTTP/1.1\r\n\r\n")
	sess.OnEvent(reactor.Readable)

	resp, eof := recvAll(t, peer)
	if !strings.Contains(resp, "Transfer-Encoding: chunked\r\n") {
		t.Errorf("missing chunked header: %q", resp)
	}
	if !strings.Contains(resp, "\r\n\r\n5\r\nalpha\r\n4\r\nbeta\r\n0\r\n\r\n") {
		t.Errorf("chunk framing: %q", resp)
	}
	if strings.Contains(resp, "Content-Length:") {
		t.Errorf("chunked response must not carry Content-Length: %q", resp)
	}
	if eof {
		t.Error("chunked keep-alive response should leave the socket open")
	}
	if hooks.mem.Used() != 0 {
		t.Errorf("memory not returned after chunked cycle: %d", hooks.mem.Used())
	}
}

func Test_oversize_token_answers_400(t *testing.T) {
	hooks := newTestHooks()
	hooks.handle = okHandler("never")
	sess, peer := newTestSession(t, hooks)

	send(t, peer, "GET / HTTP/1.1\r\nX-Big: "+strings.Repeat("a", 10000)+"\r\n\r\n")
	sess.OnEvent(reactor.Readable)

	resp, eof := recvAll(t, peer)
	if !strings.HasPrefix(resp, "HTTP/1.1 400 Bad Request\r\n") {
		t.Errorf("status: %q", resp)
	}
	if !strings.Contains(resp, "Connection: close\r\n") || !eof {
		t.Errorf("400 must close: %q eof=%v", resp, eof)
	}
	if len(hooks.failed) != 1 || hooks.failed[0] != 400 {
		t.Errorf("RequestFailed calls: %v", hooks.failed)
	}
	if hooks.mem.Used() != 0 {
		t.Errorf("memory not returned after error cycle: %d", hooks.mem.Used())
	}
}

func Test_oversize_declared_body_answers_413(t *testing.T) {
	hooks := newTestHooks()
	hooks.handle = okHandler("never")
	sess, peer := newTestSession(t, hooks)

	send(t, peer, "POST / HTTP/1.1\r\nContent-Length: 999999999\r\n\r\n")
	sess.OnEvent(reactor.Readable)

	resp, eof := recvAll(t, peer)
	if !strings.HasPrefix(resp, "HTTP/1.1 413 Payload Too Large\r\n") || !eof {
		t.Errorf("resp=%q eof=%v", resp, eof)
	}
	if len(hooks.failed) != 1 || hooks.failed[0] != 413 {
		t.Errorf("RequestFailed calls: %v", hooks.failed)
	}
}

func Test_admission_rejection_answers_503(t *testing.T) {
	hooks := newTestHooks()
	hooks.mem = NewMemAccount(512) // below RequestBufSize
	hooks.handle = okHandler("never")
	sess, peer := newTestSession(t, hooks)

	send(t, peer, "GET / HTTP/1.1\r\n\r\n")
	sess.OnEvent(reactor.Readable)

	resp, eof := recvAll(t, peer)
	if !strings.HasPrefix(resp, "HTTP/1.1 503 Service Unavailable\r\n") || !eof {
		t.Errorf("resp=%q eof=%v", resp, eof)
	}
	if len(hooks.failed) != 1 || hooks.failed[0] != 503 {
		t.Errorf("RequestFailed calls: %v", hooks.failed)
	}
}

func Test_peer_hangup_closes_silently(t *testing.T) {
	hooks := newTestHooks()
	sess, peer := newTestSession(t, hooks)

	send(t, peer, "GET /partial HTTP/1.1\r\nHos")
	sess.OnEvent(reactor.Readable)
	syscall.Shutdown(peer, syscall.SHUT_WR)
	sess.OnEvent(reactor.Readable)

	if !hooks.closed || hooks.closeCause != ErrPeerClosed {
		t.Errorf("closed=%v cause=%v", hooks.closed, hooks.closeCause)
	}
	if hooks.mem.Used() != 0 {
		t.Errorf("memory leaked on hangup: %d", hooks.mem.Used())
	}
}

func Test_inactivity_timeout_expires(t *testing.T) {
	hooks := newTestHooks()
	sess, peer := newTestSession(t, hooks)

	send(t, peer, "GET /partial HTTP/1.1\r\n")
	sess.OnEvent(reactor.Readable)

	for i := 0; i < hooks.RequestTimeout(); i++ {
		if sess.Tick() {
			sess.Expire()
			break
		}
	}

	if !hooks.closed || hooks.closeCause != ErrTimeout {
		t.Errorf("closed=%v cause=%v", hooks.closed, hooks.closeCause)
	}
	resp, eof := recvAll(t, peer)
	if resp != "" || !eof {
		t.Errorf("timeout must close silently: resp=%q eof=%v", resp, eof)
	}
}

func Test_async_handler_responds_later(t *testing.T) {
	hooks := newTestHooks()
	var park *Session
	hooks.handle = func(s *Session) { park = s }
	sess, peer := newTestSession(t, hooks)

	send(t, peer, "GET /slow HTTP/1.1\r\n\r\n")
	sess.OnEvent(reactor.Readable)

	if resp, _ := recvAll(t, peer); resp != "" {
		t.Fatalf("nothing should be written while paused: %q", resp)
	}
	if park == nil || !park.Flags.Has(ResponsePaused) {
		t.Fatal("session should be paused awaiting the handler")
	}

	rb := protocol.NewResponseBuilder()
	rb.SetBody([]byte("late"))
	park.Respond(rb)

	resp, eof := recvAll(t, peer)
	if !strings.Contains(resp, "\r\n\r\nlate") || eof {
		t.Errorf("deferred response: %q eof=%v", resp, eof)
	}
}

func Test_free_request_buffer_early(t *testing.T) {
	hooks := newTestHooks()
	var usedDuring int64
	hooks.handle = func(s *Session) {
		s.FreeRequestBuffer()
		usedDuring = hooks.mem.Used()
		rb := protocol.NewResponseBuilder()
		rb.SetBody([]byte("ok"))
		s.Respond(rb)
	}
	sess, peer := newTestSession(t, hooks)

	send(t, peer, "GET / HTTP/1.1\r\n\r\n")
	sess.OnEvent(reactor.Readable)

	if usedDuring != 0 {
		t.Errorf("read buffer still accounted after FreeRequestBuffer: %d", usedDuring)
	}
	resp, _ := recvAll(t, peer)
	if !strings.Contains(resp, "\r\n\r\nok") {
		t.Errorf("response after early free: %q", resp)
	}
}
