// Package engine drives one HTTP connection's state machine: reading
// request bytes off a raw socket, feeding them to the protocol parser,
// invoking the host's handler, and writing the resulting response back.
// It knows nothing about routing or URL dispatch; that lives above it.
package engine

import (
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// MemAccount is the global, advisory buffer-memory cap shared by every
// session on a server. It is consulted at Init, each time a request
// cycle starts without a read buffer (the first request and every
// keep-alive request after it): a session that cannot reserve its
// initial read buffer gets a
// 503 and is closed without ever touching the parser. Growth past that
// initial reservation — a body or chunk buffer doubling mid-request, or
// a large response being assembled — is never refused: a grow refusal
// mid-flight would strand a half-read connection that can never
// complete.
type MemAccount struct {
	sem  *semaphore.Weighted
	used int64
}

// NewMemAccount returns a MemAccount capped at capBytes.
func NewMemAccount(capBytes int64) *MemAccount {
	return &MemAccount{sem: semaphore.NewWeighted(capBytes)}
}

// Reserve attempts to admit a new session's initial buffer of size
// initial. Returns false if doing so would exceed the configured cap.
func (m *MemAccount) Reserve(initial int64) bool {
	if !m.sem.TryAcquire(initial) {
		return false
	}
	atomic.AddInt64(&m.used, initial)
	return true
}

// Release gives back a session's originally reserved capacity once its
// buffers are fully freed. initial must be the same value passed to the
// matching Reserve call.
func (m *MemAccount) Release(initial int64) {
	m.sem.Release(initial)
	atomic.AddInt64(&m.used, -initial)
}

// Grow records buffer growth past the initial reservation. It does not
// touch the semaphore: once a session is admitted it is never refused
// mid-flight.
func (m *MemAccount) Grow(delta int64) { atomic.AddInt64(&m.used, delta) }

// Shrink records buffer shrinkage (a grown buffer being freed or
// replaced by a smaller one) without touching the semaphore.
func (m *MemAccount) Shrink(delta int64) { atomic.AddInt64(&m.used, -delta) }

// Used returns the current estimated total buffer memory in use, for
// logging and tests.
func (m *MemAccount) Used() int64 { return atomic.LoadInt64(&m.used) }
