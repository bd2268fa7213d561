//go:build darwin || freebsd || netbsd || openbsd

package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

// bsdBackend implements Backend over kqueue. The syscall package does
// not export the kqueue symbols uniformly across the BSDs, so this uses
// golang.org/x/sys/unix.
type bsdBackend struct {
	kq      int
	handles map[int]Handle
	events  []unix.Kevent_t
}

// NewBackend returns the kqueue Backend.
func NewBackend() Backend { return &bsdBackend{} }

func (b *bsdBackend) Open() error {
	kq, err := unix.Kqueue()
	if err != nil {
		return err
	}
	b.kq = kq
	b.handles = make(map[int]Handle)
	b.events = make([]unix.Kevent_t, maxEvents)
	return nil
}

func (b *bsdBackend) register(fd int, filter int16, flags uint16) error {
	var ev unix.Kevent_t
	unix.SetKevent(&ev, fd, int(filter), int(flags))
	_, err := unix.Kevent(b.kq, []unix.Kevent_t{ev}, nil, nil)
	return err
}

func (b *bsdBackend) AddSocket(fd int, handle Handle) error {
	b.handles[fd] = handle
	return b.register(fd, unix.EVFILT_READ, unix.EV_ADD|unix.EV_CLEAR)
}

func (b *bsdBackend) ArmWritable(fd int, handle Handle) error {
	b.handles[fd] = handle
	return b.register(fd, unix.EVFILT_WRITE, unix.EV_ADD|unix.EV_CLEAR)
}

func (b *bsdBackend) ArmReadable(fd int, handle Handle) error {
	b.handles[fd] = handle
	return b.register(fd, unix.EVFILT_READ, unix.EV_ADD|unix.EV_CLEAR)
}

func (b *bsdBackend) Remove(fd int) error {
	delete(b.handles, fd)
	b.register(fd, unix.EVFILT_READ, unix.EV_DELETE)
	b.register(fd, unix.EVFILT_WRITE, unix.EV_DELETE)
	return nil
}

func (b *bsdBackend) Wait(timeoutMS int) (int, error) {
	var ts *unix.Timespec
	if timeoutMS >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMS) * int64(time.Millisecond))
		ts = &t
	}
	n, err := unix.Kevent(b.kq, nil, b.events, ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	for i := 0; i < n; i++ {
		ev := b.events[i]
		h, ok := b.handles[int(ev.Ident)]
		if !ok {
			continue
		}
		if ev.Filter == unix.EVFILT_WRITE {
			h.OnEvent(Writable)
		} else {
			h.OnEvent(Readable)
		}
	}
	return n, nil
}

func (b *bsdBackend) Close() error {
	return unix.Close(b.kq)
}
