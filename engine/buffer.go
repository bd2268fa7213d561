package engine

import "github.com/valyala/bytebufferpool"

// growBuf is a bytebufferpool-backed, geometrically growing byte area
// whose capacity changes are mirrored into a MemAccount.
//
// Two growth paths feed the same accounting: ensureRoom/growTo pre-grow
// the buffer before a raw socket read (which needs a fixed-size
// destination slice up front), while syncGrowth reconciles accounting
// after a batch of bytebufferpool.ByteBuffer.Write calls, which grow
// themselves internally via append. Both funnel into account.Grow so
// free() can report the exact total back via account.Shrink.
type growBuf struct {
	bb         *bytebufferpool.ByteBuffer
	capacity   int
	account    *MemAccount
	reserveAmt int64 // > 0 only for a buffer whose initial size was Reserve()'d
	grown      int64 // running total reported via account.Grow, for symmetric Shrink
}

// newGrowBuf returns a growBuf with at least minCap bytes of capacity.
// reserveAmt must equal whatever the caller already Reserve()'d from
// account for this buffer (0 if none — e.g. a response buffer, which is
// never gated, only accounted).
func newGrowBuf(account *MemAccount, reserveAmt int64, minCap int) *growBuf {
	g := &growBuf{bb: bytebufferpool.Get(), account: account, reserveAmt: reserveAmt}
	g.ensureRoom(0, minCap)
	g.capacity = cap(g.bb.B)
	// The reservation already accounts for the first reserveAmt bytes, so
	// only capacity beyond it stays recorded as growth.
	if covered := min(g.grown, reserveAmt); covered > 0 {
		g.account.Shrink(covered)
		g.grown -= covered
	}
	return g
}

func (g *growBuf) growTo(newCap int) {
	if newCap <= cap(g.bb.B) {
		return
	}
	grown := make([]byte, len(g.bb.B), newCap)
	copy(grown, g.bb.B)
	g.account.Grow(int64(newCap - cap(g.bb.B)))
	g.grown += int64(newCap - cap(g.bb.B))
	g.bb.B = grown
	g.capacity = newCap
}

// ensureRoom grows the buffer, doubling, until at least want bytes are
// free past off.
func (g *growBuf) ensureRoom(off, want int) {
	need := off + want
	if need <= cap(g.bb.B) {
		return
	}
	newCap := cap(g.bb.B)
	if newCap == 0 {
		newCap = need
	}
	for newCap < need {
		newCap *= 2
	}
	g.growTo(newCap)
}

// syncGrowth reconciles accounting after direct bytebufferpool.Write
// calls, which grow the backing slice themselves via append.
func (g *growBuf) syncGrowth() {
	newCap := cap(g.bb.B)
	if delta := newCap - g.capacity; delta > 0 {
		g.account.Grow(int64(delta))
		g.grown += int64(delta)
	}
	g.capacity = newCap
}

// bytes returns the full backing array up to its capacity, for reading
// directly off a socket into unused tail space.
func (g *growBuf) bytes() []byte { return g.bb.B[:cap(g.bb.B)] }

// setFilled records how many leading bytes are live data, so growTo
// knows how much to carry over when reallocating. Must be kept in sync
// with the session's bytesFilled after every raw socket read and every
// compaction.
func (g *growBuf) setFilled(n int) { g.bb.B = g.bb.B[:n] }

func (g *growBuf) free() {
	if g.bb == nil {
		return
	}
	if g.grown > 0 {
		g.account.Shrink(g.grown)
	}
	if g.reserveAmt > 0 {
		g.account.Release(g.reserveAmt)
	}
	g.bb.Reset()
	bytebufferpool.Put(g.bb)
	g.bb = nil
}
