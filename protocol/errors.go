package protocol

import "github.com/pkg/errors"

// Sentinel parse errors. The parser itself reports failures through
// ErrSubtype in a ParseError token; httpd maps that status back to one of
// these sentinels and wraps it with call-site context when logging.
var (
	ErrBadRequest      = errors.New("protocol: bad request")
	ErrPayloadTooLarge = errors.New("protocol: payload too large")
)
