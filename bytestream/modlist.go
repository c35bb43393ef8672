/*
 *    modlist.go - per-packet modification lists, recorded before a packet
 *    is rewritten and committed into a ByteStreamMaintainer on egress.
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

package bytestream

import "fmt"

// Edit is a single planned byte-length change at a position within one
// packet's payload. Position is relative to the start of the payload, not
// to the connection byte stream. Delta is signed: positive for insertion,
// negative for removal.
type Edit struct {
	FlowPosition int
	Delta        int
}

// ModificationList accumulates the edits downstream filters record against
// a single packet, identified by its original (pre-rewrite) sequence
// number, before the Rewriter commits them into the sender-direction
// ByteStreamMaintainer at egress.
//
// A ModificationList is consumed exactly once: Commit on the maintainer
// drains it. Nothing else may append to it afterward.
type ModificationList struct {
	OriginalSeq uint32
	edits       []Edit
}

// NewModificationList returns an empty list keyed by the packet's original
// sequence number.
func NewModificationList(originalSeq uint32) *ModificationList {
	return &ModificationList{OriginalSeq: originalSeq}
}

// Add records one more edit against this packet. Downstream filters call
// this directly, in the order they touch the payload; order among edits
// within one packet does not matter for the final delta, only their sum
// does.
func (m *ModificationList) Add(flowPosition, delta int) {
	m.edits = append(m.edits, Edit{FlowPosition: flowPosition, Delta: delta})
}

// NetDelta returns the algebraic sum of every edit recorded against this
// packet. Two edits at the same original sequence number (e.g. an insert
// immediately trimmed back) combine to their sum; a list whose edits sum to
// zero still produces a NetDelta of zero, which Commit treats as a no-op.
func (m *ModificationList) NetDelta() int {
	total := 0
	for _, e := range m.edits {
		total += e.Delta
	}
	return total
}

// Empty reports whether any edits were recorded.
func (m *ModificationList) Empty() bool {
	return len(m.edits) == 0
}

func (m *ModificationList) String() string {
	return fmt.Sprintf("ModificationList{seq=%d, edits=%d, net=%+d}", m.OriginalSeq, len(m.edits), m.NetDelta())
}
