/*
 *    common.go - TCPCommon, the two-sided per-connection state shared by
 *    both directions' FCBs.
 *
 *    Copyright (C) 2024  The quietflow Authors
 *
 *    This program is free software: you can redistribute it and/or modify
 *    it under the terms of the GNU General Public License as published by
 *    the Free Software Foundation, either version 3 of the License, or
 *    (at your option) any later version.
 *
 *    This program is distributed in the hope that it will be useful,
 *    but WITHOUT ANY WARRANTY; without even the implied warranty of
 *    MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 *    GNU General Public License for more details.
 *
 *    You should have received a copy of the GNU General Public License
 *    along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package fcb

import (
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/quietflow/mbcore/bytestream"
)

// Direction indexes the two sides of a connection: the side that sent the
// initial SYN (0) and the side that answered with SYN/ACK (1).
type Direction int

const (
	Initiator Direction = 0
	Responder Direction = 1
)

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == Initiator {
		return Responder
	}
	return Initiator
}

// TCPCommon is the two-sided state shared by both FCBs of one connection
// (spec §3). Every mutation of the fields below, from either direction's
// worker, must happen under lock: the lock is reentrant only in the sense
// that the design notes describe (callers pass a locked token rather than
// acquiring twice); TCPCommon itself never nests an acquire.
type TCPCommon struct {
	ID xid.ID

	lock  Spinlock
	state State

	maintainers     [2]*bytestream.Maintainer
	lastAckReceived [2]uint32
	useCount        int

	softTimeoutTicks uint16

	log *logrus.Entry
}

// Token is proof the caller already holds common's lock. Helper methods
// that need to touch TCPCommon state take a Token instead of re-locking,
// so they never acquire the lock a second time themselves; nothing stops a
// caller holding a Token from calling Lock again, which spins forever
// (design notes, "Reentrant critical sections").
type Token struct{ c *TCPCommon }

// Lock acquires the spinlock and returns a Token scoping the critical
// section. Callers must call Unlock on the same Token exactly once.
func (c *TCPCommon) Lock() Token {
	c.lock.Lock()
	return Token{c: c}
}

// Unlock releases the lock of the TCPCommon the Token was issued by. A
// zero Token (not issued by Lock) is a no-op.
func (t Token) Unlock() {
	if t.c == nil {
		return
	}
	t.c.lock.Unlock()
}

// State returns the current state. Per spec §5, a read taken without the
// lock (StateUnsafe) may be stale and must be re-read under lock before any
// state-dependent action.
func (t Token) State() State { return t.c.state }

// SetState transitions the connection state.
func (t Token) SetState(s State) { t.c.state = s }

// StateUnsafe reads state without acquiring the lock, for fast-path checks
// that re-validate under lock before acting (spec §5).
func (c *TCPCommon) StateUnsafe() State { return c.state }

// Maintainer returns the byte-stream maintainer for dir.
func (t Token) Maintainer(dir Direction) *bytestream.Maintainer {
	return t.c.maintainers[dir]
}

// LastAckReceived returns the highest cumulative ACK observed from dir.
func (t Token) LastAckReceived(dir Direction) uint32 {
	return t.c.lastAckReceived[dir]
}

// SetLastAckReceived records the highest cumulative ACK observed from dir.
func (t Token) SetLastAckReceived(dir Direction, ack uint32) {
	t.c.lastAckReceived[dir] = ack
}

// UseCount returns the current use count.
func (t Token) UseCount() int { return t.c.useCount }

// Retain increments use_count; called once per FCB bound to this common
// plus once for the reverse-tuple index entry (invariant 6 in spec §8).
func (t Token) Retain() int {
	t.c.useCount++
	return t.c.useCount
}

// Release decrements use_count, reporting whether it reached zero (the
// point at which the common must be returned to its pool exactly once).
func (t Token) Release() (reachedZero bool) {
	t.c.useCount--
	if t.c.useCount < 0 {
		t.c.useCount = 0
	}
	return t.c.useCount == 0
}

// reset restores a pooled TCPCommon to its construction-time state. Called
// by Pool.Put whenever a TCPCommon is returned, so a freshly Get'd common
// never carries a departed connection's maintainers or use_count forward.
// The per-direction initial sequence numbers are not known yet at this
// point (the binding path calls SeedMaintainer before Bind); seeding with 0 here
// is harmless since every caller reseeds before the first byte is mapped.
func (c *TCPCommon) reset() {
	c.ID = xid.New()
	c.state = Establishing1
	c.maintainers[Initiator] = bytestream.New(c.log, 0)
	c.maintainers[Responder] = bytestream.New(c.log, 0)
	c.lastAckReceived[Initiator] = 0
	c.lastAckReceived[Responder] = 0
	c.useCount = 0
}

// SeedMaintainer rebuilds dir's ByteStreamMaintainer from scratch with the
// given initial sequence number, without touching state or use_count.
func (t Token) SeedMaintainer(dir Direction, initialSeq uint32) {
	t.c.maintainers[dir] = bytestream.New(t.c.log, initialSeq)
	t.c.lastAckReceived[dir] = 0
}

// ReinitSide resets only this connection's "side" of shared timing state
// when the socket is being reused in place (one peer still holds the
// common): maintainers are rebuilt but use_count, which tracks the still-
// live opposite FCB, is left untouched.
func (t Token) ReinitSide(dir Direction, initialSeq uint32) {
	t.SeedMaintainer(dir, initialSeq)
	t.c.state = Establishing1
}

// NewCommonPool returns a fixed-capacity pool of TCPCommon blocks.
func NewCommonPool(capacity int, log *logrus.Entry) *Pool[TCPCommon] {
	return NewPool(capacity, func() *TCPCommon {
		c := &TCPCommon{log: log}
		c.reset()
		return c
	})
}
