package httpd

import (
	"net"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pkg/errors"
)

var sigPipeOnce sync.Once

// ignoreSIGPIPE makes writes to a peer that already closed its read
// side surface as EPIPE from Write instead of raising SIGPIPE and
// killing the process. This is the one process-wide global the engine
// touches; Config.IgnoreSIGPIPE lets a host that manages its own
// signals opt out.
func ignoreSIGPIPE() {
	sigPipeOnce.Do(func() {
		signal.Ignore(syscall.SIGPIPE)
	})
}

// listenTCP opens a non-blocking TCP4 listening socket via raw
// syscalls rather than net.Listen: the reactor needs the bare fd to
// register with epoll/kqueue directly.
func listenTCP(addr string) (fd, port int, err error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return -1, 0, err
	}

	fd, err = syscall.Socket(syscall.AF_INET, syscall.SOCK_STREAM, 0)
	if err != nil {
		return -1, 0, err
	}

	if err := syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1); err != nil {
		syscall.Close(fd)
		return -1, 0, err
	}

	var sa syscall.SockaddrInet4
	sa.Port = tcpAddr.Port
	if ip4 := tcpAddr.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}

	if err := syscall.Bind(fd, &sa); err != nil {
		syscall.Close(fd)
		return -1, 0, err
	}
	if err := syscall.Listen(fd, syscall.SOMAXCONN); err != nil {
		syscall.Close(fd)
		return -1, 0, err
	}
	if err := syscall.SetNonblock(fd, true); err != nil {
		syscall.Close(fd)
		return -1, 0, err
	}

	port = tcpAddr.Port
	if port == 0 {
		bound, err := syscall.Getsockname(fd)
		if err != nil {
			syscall.Close(fd)
			return -1, 0, err
		}
		if in4, ok := bound.(*syscall.SockaddrInet4); ok {
			port = in4.Port
		}
	}
	return fd, port, nil
}

// wrapListenErr gives Listen's caller a wrapped error instead of a
// bare syscall errno. A library must never exit the process over a
// bind failure; the host decides.
func wrapListenErr(op string, err error) error {
	return errors.Wrapf(err, "httpd: %s", op)
}
