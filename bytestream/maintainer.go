/*
 *    maintainer.go - ByteStreamMaintainer: tracks cumulative sequence-number
 *    deltas produced by payload rewrites and maps old<->new seq/ack values.
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

// Package bytestream implements the per-direction byte-stream sequence
// maintainer and the per-packet modification lists that feed it. Together
// they keep TCP sequence and acknowledgement numbers consistent across a
// pipeline that inserts or removes payload bytes.
package bytestream

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/quietflow/mbcore/seqnum"
)

// ErrOutOfOrder is returned by Commit when a ModificationList's sequence
// number is not strictly greater than the last committed one. Edits must be
// committed in the order their packets cross the egress point.
var ErrOutOfOrder = errors.New("bytestream: modification committed out of ascending sequence order")

// edit is one committed, already-combined delta at a given original
// sequence number.
type edit struct {
	origSeq uint32
	delta   int
}

// Maintainer is the ByteStreamMaintainer of spec §3: one per direction,
// living inside the shared TCPCommon. Callers must hold the owning
// TCPCommon's lock for any method that mutates state (Commit, Prune); the
// pure mapping functions (MapSeq, MapAck) are safe to call under the same
// lock from either direction's worker.
type Maintainer struct {
	log *logrus.Entry

	baseOffset int
	edits      []edit
	lastCommit uint32
	hasCommit  bool

	// Fields used only when the middlebox itself originates segments
	// (re-ACKs, crafted FIN/ACKs, Retransmission Guard replays).
	LastAckSent       uint32
	LastSeqSent       uint32
	LastPayloadLength int
	WindowSize        uint16
	WindowScale       uint8
	MSS               uint16

	// Reno-style pacing counters for middlebox-originated retransmissions
	// only; never applied to the endpoints' own traffic (see SPEC_FULL.md
	// "Supplemented features").
	CWnd     uint32
	SSThresh uint32
	DupAcks  int
}

// New returns an empty Maintainer. initialSeq seeds LastSeqSent so the
// first crafted packet (if any) has a sane starting point even before any
// real segment has been observed.
func New(log *logrus.Entry, initialSeq uint32) *Maintainer {
	return &Maintainer{
		log:         log,
		LastSeqSent: initialSeq,
		CWnd:        1,
		SSThresh:    64,
	}
}

// Commit folds a finished ModificationList into the maintainer's edit
// history. ModificationLists must be committed in strictly ascending
// OriginalSeq order (packets cross the egress point in the order the
// Reorderer released them). A list whose net delta is zero is accepted but
// produces no edit (the zero-sum case from SPEC_FULL's combining rule).
// Two commits at the exact same OriginalSeq (a packet whose bytes were
// edited more than once before egress) combine algebraically.
func (m *Maintainer) Commit(ml *ModificationList) error {
	if ml.Empty() {
		return nil
	}
	delta := ml.NetDelta()
	if m.hasCommit {
		if ml.OriginalSeq == m.lastCommit {
			if len(m.edits) > 0 && m.edits[len(m.edits)-1].origSeq == ml.OriginalSeq {
				combined := m.edits[len(m.edits)-1].delta + delta
				if combined == 0 {
					m.edits = m.edits[:len(m.edits)-1]
				} else {
					m.edits[len(m.edits)-1].delta = combined
				}
			} else if delta != 0 {
				// The earlier commit at this seq summed to zero and left no edit.
				m.edits = append(m.edits, edit{origSeq: ml.OriginalSeq, delta: delta})
			}
			return nil
		}
		if !seqnum.Less(m.lastCommit, ml.OriginalSeq) {
			m.log.WithFields(logrus.Fields{
				"last_commit": m.lastCommit,
				"attempted":   ml.OriginalSeq,
			}).Error("modification list committed out of order")
			return fmt.Errorf("%w: last=%d attempted=%d", ErrOutOfOrder, m.lastCommit, ml.OriginalSeq)
		}
	}
	if delta != 0 {
		m.edits = append(m.edits, edit{origSeq: ml.OriginalSeq, delta: delta})
	}
	m.lastCommit = ml.OriginalSeq
	m.hasCommit = true
	return nil
}

// MapSeq computes the egress sequence number for a byte originally at
// sequence s: s plus every committed delta at an original sequence <= s,
// plus the collapsed base offset from a prior Prune.
func (m *Maintainer) MapSeq(s uint32) uint32 {
	total := m.baseOffset
	for _, e := range m.edits {
		if seqnum.LessEqual(e.origSeq, s) {
			total += e.delta
		}
	}
	return uint32(int64(s) + int64(total))
}

// MapAck computes the pre-rewrite ack value a receiver's cumulative ack a
// (generated relative to post-rewrite byte offsets) corresponds to for the
// original sender: a plus every committed delta at an original sequence
// strictly less than a. Edits exactly at a do not apply, matching the
// invariant that an edit to the byte at position a does not change the ack
// of "everything up to and not including a".
func (m *Maintainer) MapAck(a uint32) uint32 {
	total := m.baseOffset
	for _, e := range m.edits {
		if seqnum.Less(e.origSeq, a) {
			total += e.delta
		}
	}
	return uint32(int64(a) + int64(total))
}

// Prune collapses every edit with an original sequence strictly less than
// ack into the base offset. Callers invoke this when a cumulative ACK
// crosses past those edits, since they can never again be the boundary of a
// MapSeq/MapAck query. Prune preserves MapSeq/MapAck for every s >= ack.
func (m *Maintainer) Prune(ack uint32) {
	i := 0
	for i < len(m.edits) && seqnum.Less(m.edits[i].origSeq, ack) {
		m.baseOffset += m.edits[i].delta
		i++
	}
	if i > 0 {
		m.edits = append(m.edits[:0], m.edits[i:]...)
	}
}

// PendingEdits reports how many uncollapsed edits remain, for diagnostics.
func (m *Maintainer) PendingEdits() int {
	return len(m.edits)
}

// BaseOffset exposes the collapsed offset from prior Prune calls.
func (m *Maintainer) BaseOffset() int {
	return m.baseOffset
}

// OnAckedSegment updates the small amount of Reno-style congestion state
// the maintainer keeps purely to pace middlebox-originated retransmissions
// (never the endpoints' own traffic). ackedBytes is the number of payload
// bytes newly acknowledged.
func (m *Maintainer) OnAckedSegment(ackedBytes int) {
	if ackedBytes <= 0 {
		return
	}
	m.DupAcks = 0
	if m.CWnd < m.SSThresh {
		m.CWnd += uint32(ackedBytes)
		return
	}
	// Congestion avoidance: roughly +1 MSS per RTT, approximated per-ack
	// since this core has no RTT estimator (no timestamp option support,
	// per Non-goals).
	mss := uint32(m.MSS)
	if mss == 0 {
		mss = 1460
	}
	m.CWnd += (mss*mss + m.CWnd - 1) / m.CWnd
}

// OnDuplicateAck records a duplicate ACK and reports whether three in a row
// have now been seen, the Reno fast-retransmit trigger. Nothing in this
// module calls it; the Retransmission Guard replays without consulting it.
func (m *Maintainer) OnDuplicateAck() (fastRetransmit bool) {
	m.DupAcks++
	if m.DupAcks == 3 {
		m.SSThresh = m.CWnd / 2
		if m.SSThresh < 2 {
			m.SSThresh = 2
		}
		m.CWnd = m.SSThresh
		return true
	}
	return false
}
