// Package reactor implements the event-driven core: an edge-triggered,
// readiness-notification multiplexer (epoll on Linux, kqueue on
// BSD/Darwin) plus the single reactor goroutine that owns every
// registered fd. All session mutation happens on that one goroutine;
// Defer is the only sanctioned way for other goroutines to schedule work
// back onto it.
package reactor

import (
	"context"
	"sync"
	"syscall"
	"time"
)

// EventKind distinguishes why a Handle's OnEvent was invoked.
type EventKind int

const (
	Readable EventKind = iota
	Writable
)

// maxEvents bounds how many ready events one Wait call collects.
const maxEvents = 128

// Handle is implemented by anything registered with a Backend. The
// backend dispatches readiness through this interface rather than
// through any pointer trickery, so registrants stay ordinary typed
// values.
type Handle interface {
	OnEvent(kind EventKind)
}

// Backend is the OS-specific readiness primitive. Exactly one
// implementation is compiled in, chosen by build tag: reactor_linux.go
// (epoll) or reactor_bsd.go (kqueue, darwin/freebsd/netbsd/openbsd).
type Backend interface {
	Open() error
	AddSocket(fd int, handle Handle) error
	ArmWritable(fd int, handle Handle) error
	ArmReadable(fd int, handle Handle) error
	Remove(fd int) error
	// Wait blocks for at most one batch of ready events and dispatches
	// each to its Handle. timeoutMS < 0 blocks forever; 0 returns
	// immediately if nothing is ready.
	Wait(timeoutMS int) (n int, err error)
	Close() error
}

// Reactor drives one Backend's event loop. The two timer classes the
// engine needs — a server-wide date refresh and per-connection
// inactivity countdowns — are not modelled as backend timer fds;
// time.Ticker already gives a goroutine-safe periodic signal, so ticks
// are funneled through Defer and run on the reactor goroutine like any
// other deferred work. This keeps socket multiplexing backend-specific
// while timers stay backend-agnostic.
type Reactor struct {
	backend Backend

	deferred chan func()
	wakeR    int
	wakeW    int

	closeOnce sync.Once
	closed    chan struct{}
}

// wakeHandle drains the self-pipe whose sole job is kicking Wait out of
// its block when Defer enqueues work from another goroutine.
type wakeHandle struct{ r *Reactor }

func (w wakeHandle) OnEvent(EventKind) {
	var scratch [64]byte
	for {
		if n, err := syscall.Read(w.r.wakeR, scratch[:]); n <= 0 || err != nil {
			return
		}
	}
}

// New opens backend and returns a Reactor driving it.
func New(backend Backend) (*Reactor, error) {
	if err := backend.Open(); err != nil {
		return nil, err
	}
	var p [2]int
	if err := syscall.Pipe(p[:]); err != nil {
		backend.Close()
		return nil, err
	}
	syscall.SetNonblock(p[0], true)
	syscall.SetNonblock(p[1], true)
	r := &Reactor{
		backend:  backend,
		deferred: make(chan func(), 4096),
		wakeR:    p[0],
		wakeW:    p[1],
		closed:   make(chan struct{}),
	}
	if err := backend.AddSocket(p[0], wakeHandle{r}); err != nil {
		syscall.Close(p[0])
		syscall.Close(p[1])
		backend.Close()
		return nil, err
	}
	return r, nil
}

// Backend returns the underlying OS multiplexer, for registering sockets.
func (r *Reactor) Backend() Backend { return r.backend }

// Defer queues fn to run on the reactor goroutine before the next Wait.
// A handler that paused a session (returned without responding) must
// resume it through Defer rather than calling back into the session
// directly from another goroutine.
func (r *Reactor) Defer(fn func()) {
	select {
	case r.deferred <- fn:
		r.wake()
	case <-r.closed:
	}
}

// wake writes one byte into the self-pipe. A full pipe is fine: a wake
// is already pending.
func (r *Reactor) wake() {
	var one = [1]byte{1}
	syscall.Write(r.wakeW, one[:])
}

func (r *Reactor) drainDeferred() {
	for {
		select {
		case fn := <-r.deferred:
			fn()
		default:
			return
		}
	}
}

// OnTick registers fn to run once per second on the reactor goroutine.
// Returns a cancel function that stops further ticks.
func (r *Reactor) OnTick(fn func()) (cancel func()) {
	stop := make(chan struct{})
	ticker := time.NewTicker(time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Defer(fn)
			case <-stop:
				return
			case <-r.closed:
				return
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}

// Run blocks, dispatching events, until ctx is cancelled or Close is
// called.
func (r *Reactor) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { r.wake() })
	defer stop()
	for {
		select {
		case <-ctx.Done():
			r.Close()
			return ctx.Err()
		case <-r.closed:
			return nil
		default:
		}
		r.drainDeferred()
		if _, err := r.backend.Wait(-1); err != nil {
			select {
			case <-r.closed:
				return nil
			default:
				return err
			}
		}
	}
}

// Poll runs any deferred work, then makes one non-blocking Wait and
// dispatches every event that Wait returns (up to maxEvents), not just
// one. Returns true if any event was ready — intended for hosts with
// their own update loop (games, GUIs) that want to pump the engine
// rather than block on it.
func (r *Reactor) Poll() (bool, error) {
	select {
	case <-r.closed:
		return false, nil
	default:
	}
	r.drainDeferred()
	n, err := r.backend.Wait(0)
	return n > 0, err
}

// Close stops Run/Poll and releases the backend.
func (r *Reactor) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.closed)
		r.wake()
		err = r.backend.Close()
		syscall.Close(r.wakeR)
		syscall.Close(r.wakeW)
	})
	return err
}
