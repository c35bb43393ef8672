/*
 *    guard.go - Retransmission Guard: buffers transmitted payloads and
 *    authenticates retransmissions against them (spec §4.5).
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

// Package retransguard implements the per-direction Retransmission Guard:
// a FIFO of cloned unacked payload segments used to authenticate
// retransmissions, so a replayed segment always carries the bytes the
// middlebox itself originally forwarded rather than whatever bytes just
// arrived on the wire (spec §4.5's defense against sequence-overwrite
// attacks).
package retransguard

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/quietflow/mbcore/pkt"
	"github.com/quietflow/mbcore/seqnum"
)

// VerdictKind is the outcome of feeding a retransmitted segment to port 1.
type VerdictKind int

const (
	// Replay: reply with the buffered clone, never the arriving packet.
	Replay VerdictKind = iota
	// ReAck: the sender evidently never saw our ACK; craft one and drop
	// the arriving packet.
	ReAck
	// Suppressed: an immediately repeated duplicate of the last replay;
	// answer nothing.
	Suppressed
	// BufferMiss: no buffered segment matches and the opposite side has
	// not already ACKed past it; log and re-ACK (spec §7 BUFFER_MISS,
	// open question 1 decided in DESIGN.md: re-ACK, not RST).
	BufferMiss
	// AlreadyAcked: no buffered segment matches, but the opposite side
	// has already ACKed past this sequence; re-ACK and drop.
	AlreadyAcked
)

// Verdict is the result of Guard.Retransmit.
type Verdict struct {
	Kind    VerdictKind
	Replay  *pkt.Packet // set only when Kind == Replay
	ReAckTo uint32      // ack value to craft, set for ReAck/AlreadyAcked/BufferMiss
}

type bufEntry struct {
	seq     uint32
	payload int
	packet  *pkt.Packet
}

// Guard is the per-direction Retransmission Guard. It is owned by exactly
// one direction's worker (spec §5: "owned by one direction's worker; no
// cross-worker access") so it needs no internal locking.
type Guard struct {
	log *logrus.Entry

	entries []bufEntry // ascending by seq, no duplicate seq

	lastReplaySeq uint32
	hasLastReplay bool

	// holdoffRemaining is not read or written anywhere: Retransmit does
	// not pace replays, and answers every non-repeated match at once
	// regardless of the Maintainer's Reno counters.
	holdoffRemaining int
}

// New returns an empty Retransmission Guard.
func New(log *logrus.Entry) *Guard {
	return &Guard{log: log}
}

// PortZero implements spec §4.5 port 0: prune buffered segments the
// opposite direction has already acknowledged, then buffer the incoming
// packet if it carries payload. ACK-only packets are never buffered.
func (g *Guard) PortZero(p *pkt.Packet, oppositeLastAckReceived uint32) {
	g.Prune(oppositeLastAckReceived)
	if p.PayloadLen() == 0 {
		return
	}
	g.buffer(p)
}

// Prune removes every buffered segment whose last byte has already been
// acknowledged by the opposite direction (spec §3's Retransmission Buffer
// invariant).
func (g *Guard) Prune(oppositeLastAckReceived uint32) {
	i := 0
	for i < len(g.entries) && seqnum.LessEqual(g.entries[i].seq+uint32(g.entries[i].payload), oppositeLastAckReceived) {
		i++
	}
	if i > 0 {
		g.entries = append(g.entries[:0], g.entries[i:]...)
	}
}

func (g *Guard) buffer(p *pkt.Packet) {
	entry := bufEntry{seq: p.Seq(), payload: p.PayloadLen(), packet: p.Clone()}
	i := sort.Search(len(g.entries), func(i int) bool { return !seqnum.Less(g.entries[i].seq, entry.seq) })
	if i < len(g.entries) && g.entries[i].seq == entry.seq {
		g.entries[i] = entry
		return
	}
	g.entries = append(g.entries, bufEntry{})
	copy(g.entries[i+1:], g.entries[i:])
	g.entries[i] = entry
}

func (g *Guard) find(seq uint32) (*bufEntry, bool) {
	i := sort.Search(len(g.entries), func(i int) bool { return !seqnum.Less(g.entries[i].seq, seq) })
	if i < len(g.entries) && g.entries[i].seq == seq {
		return &g.entries[i], true
	}
	return nil, false
}

// Retransmit implements spec §4.5 port 1: for a retransmitted segment
// mapped to sequence m (after byte-stream rewriting), decide whether to
// replay the authenticated buffered clone, re-ACK, or report a buffer
// miss.
func (g *Guard) Retransmit(m uint32, oppositeLastAckReceived uint32, reAckOnBehalf bool) Verdict {
	if reAckOnBehalf && seqnum.Less(m, oppositeLastAckReceived) {
		g.log.WithFields(logrus.Fields{"seq": m, "opposite_ack": oppositeLastAckReceived}).
			Debug("retransmission below opposite's last ack: sender missed our ack")
		return Verdict{Kind: ReAck, ReAckTo: oppositeLastAckReceived}
	}

	entry, found := g.find(m)
	if !found {
		if seqnum.LessEqual(m+1, oppositeLastAckReceived) {
			g.log.WithField("seq", m).Debug("retransmit already acked by opposite, not in buffer")
			return Verdict{Kind: AlreadyAcked, ReAckTo: oppositeLastAckReceived}
		}
		g.log.WithField("seq", m).Warn("retransmit for packet not in buffer")
		return Verdict{Kind: BufferMiss, ReAckTo: oppositeLastAckReceived}
	}

	if g.hasLastReplay && g.lastReplaySeq == m {
		return Verdict{Kind: Suppressed}
	}
	g.lastReplaySeq = m
	g.hasLastReplay = true
	return Verdict{Kind: Replay, Replay: entry.packet.Clone()}
}

// Kill atomically discards the entire buffer, called when the connection
// transitions to CLOSED (spec §4.5 failure semantics).
func (g *Guard) Kill() {
	g.entries = nil
	g.hasLastReplay = false
}

// Len reports the number of buffered segments, for diagnostics and tests.
func (g *Guard) Len() int { return len(g.entries) }

