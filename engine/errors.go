package engine

import "github.com/pkg/errors"

// Sentinel causes. ErrPeerClosed and ErrTimeout are handed to
// Hooks.Closed when a session is torn down; a nil cause there means a
// completed non-keep-alive response (including an engine-generated error
// response). ErrAdmissionRejected is the cause a host attaches when it
// logs a 503 reported through Hooks.RequestFailed.
var (
	ErrPeerClosed        = errors.New("engine: peer closed connection")
	ErrTimeout           = errors.New("engine: inactivity timeout")
	ErrAdmissionRejected = errors.New("engine: admission rejected")
)
