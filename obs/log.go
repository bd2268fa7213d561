// Package obs wires the server's structured logging on go.uber.org/zap.
package obs

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// New returns a production zap.Logger. Callers that want development
// formatting (human-readable, colorized) should call NewDevelopment
// instead.
func New() (*zap.Logger, error) {
	return zap.NewProduction()
}

// NewDevelopment returns a zap.Logger tuned for local/CLI use.
func NewDevelopment() (*zap.Logger, error) {
	return zap.NewDevelopment()
}

// SessionField tags a log line with a session's correlation ID.
func SessionField(id uuid.UUID) zap.Field {
	return zap.String("session_id", id.String())
}
