//go:build linux

package reactor

import "syscall"

// epollET is syscall.EPOLLET reinterpreted as its uint32 bit pattern;
// the raw constant is negative and overflows a direct uint32 conversion.
var epollET = bitsToUint32(int32(syscall.EPOLLET))

func bitsToUint32(v int32) uint32 { return uint32(v) }

// linuxBackend is a thin wrapper over epoll. Sockets are registered
// edge-triggered (EPOLLET); there is no EPOLLONESHOT because exactly
// one goroutine ever calls Wait, so there is nothing for one-shot to
// protect against.
type linuxBackend struct {
	epfd    int
	handles map[int]Handle
	events  []syscall.EpollEvent
}

// NewBackend returns the Linux epoll Backend.
func NewBackend() Backend { return &linuxBackend{} }

func (b *linuxBackend) Open() error {
	fd, err := syscall.EpollCreate1(syscall.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	b.epfd = fd
	b.handles = make(map[int]Handle)
	b.events = make([]syscall.EpollEvent, maxEvents)
	return nil
}

func (b *linuxBackend) AddSocket(fd int, handle Handle) error {
	b.handles[fd] = handle
	return syscall.EpollCtl(b.epfd, syscall.EPOLL_CTL_ADD, fd, &syscall.EpollEvent{
		Events: uint32(syscall.EPOLLIN) | epollET,
		Fd:     int32(fd),
	})
}

// ArmWritable switches fd's interest to writable-only, edge-triggered.
// Called when a write returns short; ArmReadable reverses the switch
// once the pending write drains, so a keep-alive connection that needed
// re-arming once still has its next request's bytes noticed.
func (b *linuxBackend) ArmWritable(fd int, handle Handle) error {
	b.handles[fd] = handle
	return syscall.EpollCtl(b.epfd, syscall.EPOLL_CTL_MOD, fd, &syscall.EpollEvent{
		Events: uint32(syscall.EPOLLOUT) | epollET,
		Fd:     int32(fd),
	})
}

func (b *linuxBackend) ArmReadable(fd int, handle Handle) error {
	b.handles[fd] = handle
	return syscall.EpollCtl(b.epfd, syscall.EPOLL_CTL_MOD, fd, &syscall.EpollEvent{
		Events: uint32(syscall.EPOLLIN) | epollET,
		Fd:     int32(fd),
	})
}

func (b *linuxBackend) Remove(fd int) error {
	delete(b.handles, fd)
	return syscall.EpollCtl(b.epfd, syscall.EPOLL_CTL_DEL, fd, nil)
}

func (b *linuxBackend) Wait(timeoutMS int) (int, error) {
	n, err := syscall.EpollWait(b.epfd, b.events, timeoutMS)
	if err != nil {
		if err == syscall.EINTR {
			return 0, nil
		}
		return 0, err
	}
	for i := 0; i < n; i++ {
		ev := b.events[i]
		h, ok := b.handles[int(ev.Fd)]
		if !ok {
			continue
		}
		if ev.Events&syscall.EPOLLOUT != 0 {
			h.OnEvent(Writable)
		} else {
			h.OnEvent(Readable)
		}
	}
	return n, nil
}

func (b *linuxBackend) Close() error {
	return syscall.Close(b.epfd)
}
