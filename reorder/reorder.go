/*
 *    reorder.go - per-direction out-of-order buffer and retransmission
 *    classification (spec §4.3).
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

// Package reorder holds out-of-order segments until the sequence hole they
// follow fills, and classifies segments that arrive behind the expected
// sequence as split retransmissions, authenticatable retransmissions, or
// stale duplicates to drop (spec §4.3).
package reorder

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/quietflow/mbcore/fcb"
	"github.com/quietflow/mbcore/pkt"
	"github.com/quietflow/mbcore/seqnum"
)

// Outcome is what the caller must do with the arriving packet.
type Outcome int

const (
	// Forward: release downstream now (the returned slice may also
	// contain subsequent packets drained from the OoO list).
	Forward Outcome = iota
	// Buffered: held in the OoO list, nothing released yet.
	Buffered
	// Drop: a stale duplicate whose original is still buffered
	// somewhere upstream of the point a retransmission could safely
	// replay from; forwarding it would only enable a sequence-overwrite
	// attack (spec §4.3).
	Drop
	// RetransmitCandidate: already forwarded once (seq <= last_sent);
	// hand to the Retransmission Guard for authenticated replay.
	RetransmitCandidate
	// SplitRetransmission: carries bytes already seen plus new bytes
	// past expected_seq; forwarded whole (spec open question 2, decided
	// in DESIGN.md: do not clip).
	SplitRetransmission
)

// Buffer implements the Reorderer for one direction of one flow. It holds
// no state of its own beyond its logger: the out-of-order list and
// expected_seq/last_sent live on the FCB, per spec §3, since they are
// data-model state attached to the flow rather than algorithm state.
type Buffer struct {
	log *logrus.Entry

	// ProactiveDupAck, when true, requests a duplicate ACK be crafted
	// toward the sender whenever a new gap is detected, to accelerate
	// fast retransmit (spec §4.3, "MAY").
	ProactiveDupAck bool
}

// New returns a Reorderer for one direction.
func New(log *logrus.Entry, proactiveDupAck bool) *Buffer {
	return &Buffer{log: log, ProactiveDupAck: proactiveDupAck}
}

// Result is the outcome of Arrive, including any packets now ready to
// flow downstream and whether a gap was newly observed (for
// ProactiveDupAck).
type Result struct {
	Outcome      Outcome
	Release      []*pkt.Packet
	NewGap       bool
	DupAckTarget uint32 // valid when NewGap
}

// Arrive processes one incoming segment against f's expected_seq and
// out-of-order list, implementing spec §4.3 in full: in-order segments
// advance expected_seq and drain any now-contiguous OoO entries; segments
// ahead of expected_seq are held in ascending order with duplicates
// dropped; segments behind expected_seq are classified as a split
// retransmission, a retransmission candidate, or a stale duplicate to
// drop.
func (b *Buffer) Arrive(f *fcb.FCB, p *pkt.Packet) Result {
	seq := p.Seq()
	switch {
	case seq == f.ExpectedSeq:
		return b.acceptInOrder(f, p)
	case seqnum.Less(f.ExpectedSeq, seq):
		return b.holdOutOfOrder(f, p)
	default:
		return Result{Outcome: b.classifyRetransmission(f, p)}
	}
}

func (b *Buffer) acceptInOrder(f *fcb.FCB, p *pkt.Packet) Result {
	span := p.SeqSpan()
	f.ExpectedSeq += span
	f.LastSent = f.ExpectedSeq - 1
	released := []*pkt.Packet{p}
	released = append(released, b.drain(f)...)
	return Result{Outcome: Forward, Release: released}
}

// drain releases every OoO entry that has become contiguous after the
// preceding accept, per spec §4.3: "After processing a batch the
// reorderer drains consecutive segments whose seq matches the now-updated
// expected value."
func (b *Buffer) drain(f *fcb.FCB) []*pkt.Packet {
	var out []*pkt.Packet
	for len(f.OOOList) > 0 && f.OOOList[0].Seq() == f.ExpectedSeq {
		next := f.OOOList[0]
		f.OOOList = f.OOOList[1:]
		span := next.SeqSpan()
		f.ExpectedSeq += span
		f.LastSent = f.ExpectedSeq - 1
		out = append(out, next)
	}
	return out
}

func (b *Buffer) holdOutOfOrder(f *fcb.FCB, p *pkt.Packet) Result {
	seq := p.Seq()
	i := sort.Search(len(f.OOOList), func(i int) bool { return !seqnum.Less(f.OOOList[i].Seq(), seq) })
	newGap := len(f.OOOList) == 0
	if i < len(f.OOOList) && f.OOOList[i].Seq() == seq {
		// Out-of-order list invariant: no two entries share a sequence
		// number; a duplicate insertion drops the incoming segment.
		b.log.WithField("seq", seq).Debug("duplicate out-of-order segment dropped")
		return Result{Outcome: Drop}
	}
	f.OOOList = append(f.OOOList, nil)
	copy(f.OOOList[i+1:], f.OOOList[i:])
	f.OOOList[i] = p

	res := Result{Outcome: Buffered}
	if b.ProactiveDupAck && newGap {
		res.NewGap = true
		res.DupAckTarget = f.ExpectedSeq
	}
	return res
}

// classifyRetransmission implements spec §4.3's retransmission
// classification for any segment with seq < expected_seq.
func (b *Buffer) classifyRetransmission(f *fcb.FCB, p *pkt.Packet) Outcome {
	seq := p.Seq()
	end := seq + p.SeqSpan()
	if seqnum.Less(f.ExpectedSeq, end) {
		p.ResFlags |= pkt.FlagSplitRetransmission
		return SplitRetransmission
	}
	p.ResFlags |= pkt.FlagRetransmission
	if seqnum.LessEqual(seq, f.LastSent) {
		return RetransmitCandidate
	}
	b.log.WithFields(logrus.Fields{"seq": seq, "expected": f.ExpectedSeq, "last_sent": f.LastSent}).
		Debug("stale retransmission dropped, original still buffered upstream")
	return Drop
}

