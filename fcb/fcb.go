/*
 *    fcb.go - the per-direction Flow Control Block.
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
	"github.com/quietflow/mbcore/bytestream"
	"github.com/quietflow/mbcore/pkt"
	"github.com/quietflow/mbcore/retransguard"
	"github.com/quietflow/mbcore/tuple"
)

// FCB is the per-direction Flow Control Block of spec §3: one per
// (connection, direction). It holds a strong reference to the shared
// TCPCommon (design notes: "both direction FCBs hold a strong reference").
type FCB struct {
	Key    tuple.Tuple
	Dir    Direction
	Common *TCPCommon

	ExpectedSeq uint32
	LastSent    uint32
	FinSeen     bool

	// OOOList holds out-of-order packets, sorted ascending by sequence
	// number, no duplicates (spec §3). The Reorderer owns the logic that
	// maintains this invariant; FCB only owns the storage, since the
	// ooo_list is data-model state attached to the flow, not logic.
	OOOList []*pkt.Packet

	// ModificationLists maps an original sequence number to the pending
	// (not yet committed) ModificationList for a packet currently held
	// elsewhere in the pipeline (e.g. sitting in OOOList) rather than in
	// hand at commit time.
	ModificationLists map[uint32]*bytestream.ModificationList

	// Guard is this direction's Retransmission Guard (spec §4.5), owned
	// exclusively by this FCB's worker.
	Guard *retransguard.Guard

	// ClosedRSTSent latches once CLOSE_DURING_INFLIGHT has already emitted
	// its one RST for this flow (spec §7: "emit RST only on first
	// occurrence").
	ClosedRSTSent bool

	released bool
}

// reset restores a pooled FCB to its construction-time state.
func (f *FCB) reset() {
	f.Key = tuple.Tuple{}
	f.Dir = Initiator
	f.Common = nil
	f.ExpectedSeq = 0
	f.LastSent = 0
	f.FinSeen = false
	if f.OOOList != nil {
		f.OOOList = f.OOOList[:0]
	}
	for k := range f.ModificationLists {
		delete(f.ModificationLists, k)
	}
	f.Guard = nil
	f.ClosedRSTSent = false
	f.released = false
}

// NewFCBPool returns a fixed-capacity pool of FCB blocks.
func NewFCBPool(capacity int) *Pool[FCB] {
	return NewPool(capacity, func() *FCB {
		return &FCB{ModificationLists: make(map[uint32]*bytestream.ModificationList)}
	})
}

// Bind attaches this FCB to a shared TCPCommon, incrementing its use_count.
func (f *FCB) Bind(common *TCPCommon, dir Direction, initialSeq uint32) {
	f.Common = common
	f.Dir = dir
	f.ExpectedSeq = initialSeq
	f.LastSent = initialSeq
	tok := common.Lock()
	tok.Retain()
	tok.Unlock()
}

// Unbind releases this FCB's hold on its TCPCommon, reporting whether the
// common's use_count reached zero (caller must then return the common to
// its pool exactly once, per spec §8 invariant 6).
func (f *FCB) Unbind() (commonExhausted bool) {
	if f.Common == nil {
		return false
	}
	tok := f.Common.Lock()
	reachedZero := tok.Release()
	tok.Unlock()
	f.released = true
	return reachedZero
}

// Released reports whether Unbind has already run for this FCB.
func (f *FCB) Released() bool { return f.released }

// PendingRelease reports whether this FCB still holds buffered out-of-order
// packets. The Retransmission Guard is not consulted here; release paths
// check Guard.Len() separately.
func (f *FCB) PendingRelease() bool {
	return len(f.OOOList) > 0
}
