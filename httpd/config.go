package httpd

import (
	"go.uber.org/zap"

	"github.com/kfcemployee/evhttp/protocol"
)

// Config bounds a Server's resource usage and wire-format limits. The
// zero value is not useful on its own; start from DefaultConfig and
// override what matters.
type Config struct {
	// RequestBufSize is the initial size, in bytes, of a session's read
	// buffer, reserved from MaxTotalEstMemUsage at Init.
	RequestBufSize int
	// ResponseBufSize is the initial size, in bytes, of a response
	// encoding buffer.
	ResponseBufSize int
	// RequestTimeout is how many idle seconds a connection gets to send
	// a complete request before it is closed.
	RequestTimeout int
	// KeepAliveTimeout is how many idle seconds a kept-alive connection
	// gets before its next request before it is closed.
	KeepAliveTimeout int
	// MaxTotalEstMemUsage caps the server-wide estimated buffer memory
	// in bytes; a session that cannot reserve its initial read buffer
	// against this cap is refused with 503 at Init.
	MaxTotalEstMemUsage int64
	// Limits bounds the token parser (token/header-count/content-length
	// ceilings).
	Limits protocol.Limits
	// IgnoreSIGPIPE installs the process-wide SIGPIPE ignore on the
	// first Listen, so writes to a hung-up peer surface as EPIPE. Hosts
	// that run their own signal handling set this false.
	IgnoreSIGPIPE bool
	// Logger receives structured session lifecycle and error events. A
	// nil Logger defaults to zap.NewNop().
	Logger *zap.Logger
}

// DefaultConfig returns the stock configuration: a 1 KiB initial read
// buffer, a 512-byte initial response buffer, 20 s request / 120 s
// keep-alive inactivity windows, and a 4 GiB global buffer-memory cap.
func DefaultConfig() Config {
	return Config{
		RequestBufSize:      1024,
		ResponseBufSize:     512,
		RequestTimeout:      20,
		KeepAliveTimeout:    120,
		MaxTotalEstMemUsage: 4 * 1024 * 1024 * 1024,
		Limits:              protocol.DefaultLimits,
		IgnoreSIGPIPE:       true,
	}
}
