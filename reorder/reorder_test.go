/*
 *    reorder_test.go
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

package reorder

import (
	"net"
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"

	"github.com/quietflow/mbcore/fcb"
	"github.com/quietflow/mbcore/pkt"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(l)
}

func seg(seq, ack uint32, payload []byte) *pkt.Packet {
	ip := layers.IPv4{
		SrcIP:    net.ParseIP("10.0.0.1").To4(),
		DstIP:    net.ParseIP("10.0.0.2").To4(),
		Protocol: layers.IPProtocolTCP,
	}
	tcp := layers.TCP{SrcPort: 40000, DstPort: 80, Seq: seq, Ack: ack, ACK: true}
	return pkt.New(ip, tcp, payload)
}

func testFCB(expectedSeq, lastSent uint32) *fcb.FCB {
	return &fcb.FCB{ExpectedSeq: expectedSeq, LastSent: lastSent}
}

func TestArriveInOrderAdvancesExpectedSeq(t *testing.T) {
	b := New(testLogger(), false)
	f := testFCB(1000, 999)
	p := seg(1000, 1, []byte("hello"))

	res := b.Arrive(f, p)
	if res.Outcome != Forward {
		t.Fatalf("Outcome = %v, want Forward", res.Outcome)
	}
	if len(res.Release) != 1 || res.Release[0] != p {
		t.Fatalf("Release = %v, want [p]", res.Release)
	}
	if f.ExpectedSeq != 1005 {
		t.Fatalf("ExpectedSeq = %d, want 1005", f.ExpectedSeq)
	}
	if f.LastSent != 1004 {
		t.Fatalf("LastSent = %d, want 1004", f.LastSent)
	}
}

func TestArriveInOrderDrainsContiguousOOOEntries(t *testing.T) {
	b := New(testLogger(), false)
	f := testFCB(1000, 999)
	later := seg(1005, 1, []byte("world"))
	if res := b.Arrive(f, later); res.Outcome != Buffered {
		t.Fatalf("out-of-order arrival Outcome = %v, want Buffered", res.Outcome)
	}
	if len(f.OOOList) != 1 {
		t.Fatalf("OOOList length = %d, want 1", len(f.OOOList))
	}

	gap := seg(1000, 1, []byte("hello"))
	res := b.Arrive(f, gap)
	if res.Outcome != Forward {
		t.Fatalf("Outcome = %v, want Forward", res.Outcome)
	}
	if len(res.Release) != 2 || res.Release[0] != gap || res.Release[1] != later {
		t.Fatalf("Release = %v, want [gap, later]", res.Release)
	}
	if len(f.OOOList) != 0 {
		t.Fatalf("OOOList not drained, len = %d", len(f.OOOList))
	}
	if f.ExpectedSeq != 1010 {
		t.Fatalf("ExpectedSeq = %d, want 1010", f.ExpectedSeq)
	}
}

func TestArriveOutOfOrderHeldAscendingNoDuplicates(t *testing.T) {
	b := New(testLogger(), false)
	f := testFCB(1000, 999)

	first := seg(1020, 1, []byte("b"))
	second := seg(1010, 1, []byte("a"))
	b.Arrive(f, first)
	b.Arrive(f, second)
	if len(f.OOOList) != 2 {
		t.Fatalf("OOOList length = %d, want 2", len(f.OOOList))
	}
	if f.OOOList[0].Seq() != 1010 || f.OOOList[1].Seq() != 1020 {
		t.Fatalf("OOOList not sorted ascending: %d, %d", f.OOOList[0].Seq(), f.OOOList[1].Seq())
	}

	dup := seg(1010, 1, []byte("a-retransmit"))
	res := b.Arrive(f, dup)
	if res.Outcome != Drop {
		t.Fatalf("duplicate out-of-order insert Outcome = %v, want Drop", res.Outcome)
	}
	if len(f.OOOList) != 2 {
		t.Fatalf("duplicate insert changed OOOList length to %d, want 2", len(f.OOOList))
	}
}

func TestArriveOutOfOrderReportsNewGapWhenProactiveDupAckEnabled(t *testing.T) {
	b := New(testLogger(), true)
	f := testFCB(1000, 999)

	res := b.Arrive(f, seg(1020, 1, nil))
	if !res.NewGap {
		t.Fatalf("expected NewGap on first out-of-order arrival")
	}
	if res.DupAckTarget != 1000 {
		t.Fatalf("DupAckTarget = %d, want 1000", res.DupAckTarget)
	}

	res = b.Arrive(f, seg(1040, 1, nil))
	if res.NewGap {
		t.Fatalf("NewGap fired again with an already-open gap")
	}
}

func TestClassifyRetransmissionSplitWhenCarryingNewBytes(t *testing.T) {
	b := New(testLogger(), false)
	f := testFCB(1000, 999)
	// seq=995 spans 10 bytes (995-1004), past expected_seq=1000.
	p := seg(995, 1, make([]byte, 10))

	res := b.Arrive(f, p)
	if res.Outcome != SplitRetransmission {
		t.Fatalf("Outcome = %v, want SplitRetransmission", res.Outcome)
	}
	if p.ResFlags&pkt.FlagSplitRetransmission == 0 {
		t.Fatalf("FlagSplitRetransmission not set")
	}
}

func TestClassifyRetransmissionCandidateWhenWithinLastSent(t *testing.T) {
	b := New(testLogger(), false)
	f := testFCB(1000, 999)
	p := seg(990, 1, make([]byte, 5)) // 990-994, entirely behind last_sent

	res := b.Arrive(f, p)
	if res.Outcome != RetransmitCandidate {
		t.Fatalf("Outcome = %v, want RetransmitCandidate", res.Outcome)
	}
	if p.ResFlags&pkt.FlagRetransmission == 0 {
		t.Fatalf("FlagRetransmission not set")
	}
}

func TestClassifyRetransmissionDropWhenStaleBeyondLastSent(t *testing.T) {
	b := New(testLogger(), false)
	// expected_seq ahead of last_sent, leaving a window of sequence space
	// this direction never actually forwarded (e.g. after a reorderer
	// gap-fill from a different path); a segment landing entirely in that
	// window is a stale duplicate whose original is still buffered
	// upstream, not something this side ever sent on.
	f := testFCB(2000, 1500)
	p := seg(1600, 1, make([]byte, 5)) // 1600-1604: behind expected, past last_sent

	res := b.Arrive(f, p)
	if res.Outcome != Drop {
		t.Fatalf("Outcome = %v, want Drop", res.Outcome)
	}
}
