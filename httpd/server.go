// Package httpd is the host-facing surface built on engine and reactor:
// Listen opens a socket, Server drives it, and Handler is where an
// embedding application's request logic lives. It deliberately stops
// short of URL routing — see internal/exrouter for a reference router
// built on top of this package.
package httpd

import (
	"context"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kfcemployee/evhttp/engine"
	"github.com/kfcemployee/evhttp/obs"
	"github.com/kfcemployee/evhttp/protocol"
	"github.com/kfcemployee/evhttp/reactor"
)

// Handler processes one fully-parsed request. It may respond
// synchronously by calling a Response method before returning, or it
// may start asynchronous work and return without responding — in which
// case the connection is paused until something calls a Response method
// via Request.Defer.
type Handler func(*Request, *Response)

const httpDateLayout = "Mon, 02 Jan 2006 15:04:05 GMT"

func formatDate(t time.Time) string { return t.UTC().Format(httpDateLayout) }

// Server owns one listening socket, its Reactor, and every Session
// accepted from it.
type Server struct {
	cfg     Config
	handler Handler

	reactor *reactor.Reactor
	backend reactor.Backend
	mem     *engine.MemAccount

	listenFD int
	port     int
	date     atomic.Value

	logger *zap.Logger

	sessions map[int]*engine.Session

	onConnect    func(*Request)
	onDisconnect func(*Request)

	stopTick func()
}

// Listen opens addr (host:port; port 0 picks an ephemeral one, see
// Port) and returns a Server ready to Run or Poll. handler is called
// once per fully parsed request.
func Listen(addr string, handler Handler, cfg Config) (*Server, error) {
	fd, port, err := listenTCP(addr)
	if err != nil {
		return nil, wrapListenErr("listen "+addr, err)
	}

	backend := reactor.NewBackend()
	rct, err := reactor.New(backend)
	if err != nil {
		syscall.Close(fd)
		return nil, wrapListenErr("reactor init", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	srv := &Server{
		cfg:      cfg,
		handler:  handler,
		reactor:  rct,
		backend:  backend,
		mem:      engine.NewMemAccount(cfg.MaxTotalEstMemUsage),
		listenFD: fd,
		port:     port,
		logger:   logger,
		sessions: make(map[int]*engine.Session),
	}
	srv.date.Store(formatDate(time.Now()))
	if cfg.IgnoreSIGPIPE {
		ignoreSIGPIPE()
	}

	if err := backend.AddSocket(fd, &acceptHandle{srv: srv}); err != nil {
		rct.Close()
		syscall.Close(fd)
		return nil, wrapListenErr("register listener", err)
	}

	// The date timer is armed here rather than in Run so that a host
	// driving the server through Poll still serves fresh Date headers.
	srv.stopTick = rct.OnTick(srv.tick)
	return srv, nil
}

// Port returns the port the server is bound to, useful when Listen was
// given port 0.
func (s *Server) Port() int { return s.port }

// Loop exposes the server's reactor so hosts can Defer work onto the
// event goroutine, typically to resume a paused handler.
func (s *Server) Loop() *reactor.Reactor { return s.reactor }

// OnConnect registers fn to run once per accepted connection, before
// its first request is parsed.
func (s *Server) OnConnect(fn func(*Request)) { s.onConnect = fn }

// OnDisconnect registers fn to run once a connection is closed, for any
// reason (peer hangup, inactivity timeout, or a non-keep-alive
// response).
func (s *Server) OnDisconnect(fn func(*Request)) { s.onDisconnect = fn }

// Run blocks, servicing connections, until ctx is cancelled or Close is
// called.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := s.reactor.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		s.reactor.Close()
		return nil
	})
	return g.Wait()
}

// Poll makes one non-blocking pass over the reactor, dispatching every
// event ready at that moment (see reactor.Reactor.Poll), for hosts
// (games, GUIs) that pump their own update loop rather than block on
// Run.
func (s *Server) Poll() (bool, error) { return s.reactor.Poll() }

// Close stops Run/Poll, tears down every live session, releases the
// reactor, and closes the listening socket. Errors from each stage are
// aggregated rather than hiding one behind another.
func (s *Server) Close() error {
	if s.stopTick != nil {
		s.stopTick()
	}
	var result *multierror.Error
	if err := s.reactor.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "httpd: close reactor"))
	}
	for fd, sess := range s.sessions {
		delete(s.sessions, fd)
		if err := sess.Close(); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "httpd: close session fd %d", fd))
		}
	}
	if err := syscall.Close(s.listenFD); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "httpd: close listener"))
	}
	return result.ErrorOrNil()
}

func (s *Server) tick() {
	s.date.Store(formatDate(time.Now()))
	for _, sess := range s.sessions {
		if sess.Tick() {
			s.logger.Debug("session expired", obs.SessionField(sess.ID))
			sess.Expire()
		}
	}
}

// acceptHandle adapts the listening socket's readiness into Accept
// calls; it is a distinct type from engine.Session because the
// listening fd never goes through the request/response state machine.
type acceptHandle struct{ srv *Server }

func (a *acceptHandle) OnEvent(kind reactor.EventKind) {
	if kind == reactor.Readable {
		a.srv.acceptLoop()
	}
}

func (s *Server) acceptLoop() {
	for {
		fd, _, err := syscall.Accept(s.listenFD)
		if err != nil {
			return
		}
		if err := syscall.SetNonblock(fd, true); err != nil {
			syscall.Close(fd)
			continue
		}

		sess := engine.NewSession(fd, s, s.backend)
		s.sessions[fd] = sess
		s.logger.Debug("session accepted", obs.SessionField(sess.ID), zap.Int("fd", fd))
		if s.onConnect != nil {
			s.onConnect(&Request{sess: sess, srv: s})
		}
		if err := s.backend.AddSocket(fd, sess); err != nil {
			s.logger.Warn("register session", obs.SessionField(sess.ID), zap.Error(err))
			delete(s.sessions, fd)
			sess.Close()
		}
	}
}

// The following methods implement engine.Hooks.

func (s *Server) Date() string            { return s.date.Load().(string) }
func (s *Server) Mem() *engine.MemAccount { return s.mem }
func (s *Server) Limits() protocol.Limits { return s.cfg.Limits }
func (s *Server) RequestBufSize() int     { return s.cfg.RequestBufSize }
func (s *Server) ResponseBufSize() int    { return s.cfg.ResponseBufSize }
func (s *Server) RequestTimeout() int     { return s.cfg.RequestTimeout }
func (s *Server) KeepAliveTimeout() int   { return s.cfg.KeepAliveTimeout }
func (s *Server) Defer(fn func())         { s.reactor.Defer(fn) }

func (s *Server) HandleRequest(sess *engine.Session) {
	req := &Request{sess: sess, srv: s}
	resp := &Response{sess: sess, rb: protocol.NewResponseBuilder()}
	s.handler(req, resp)
}

// RequestFailed logs an engine-generated error response with its
// sentinel cause attached.
func (s *Server) RequestFailed(sess *engine.Session, status int) {
	var cause error
	switch status {
	case 413:
		cause = protocol.ErrPayloadTooLarge
	case 503:
		cause = engine.ErrAdmissionRejected
	default:
		cause = protocol.ErrBadRequest
	}
	s.logger.Warn("request failed",
		obs.SessionField(sess.ID),
		zap.Int("status", status),
		zap.Error(errors.Wrap(cause, "httpd: refusing request")))
}

// Closed is called by engine once a session's socket is fully torn
// down, for any reason.
func (s *Server) Closed(sess *engine.Session, cause error) {
	delete(s.sessions, sess.FD)
	if cause != nil {
		s.logger.Debug("session closed", obs.SessionField(sess.ID), zap.Error(cause))
	} else {
		s.logger.Debug("session closed", obs.SessionField(sess.ID))
	}
	if s.onDisconnect != nil {
		s.onDisconnect(&Request{sess: sess, srv: s})
	}
}
