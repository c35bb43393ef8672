/*
 *    guard_test.go
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

package retransguard

import (
	"net"
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"

	"github.com/quietflow/mbcore/pkt"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(l)
}

func seg(seq uint32, payload []byte) *pkt.Packet {
	ip := layers.IPv4{
		SrcIP:    net.ParseIP("10.0.0.1").To4(),
		DstIP:    net.ParseIP("10.0.0.2").To4(),
		Protocol: layers.IPProtocolTCP,
	}
	tcp := layers.TCP{SrcPort: 40000, DstPort: 80, Seq: seq, ACK: true}
	return pkt.New(ip, tcp, payload)
}

func TestRetransmitReplaysBufferedClone(t *testing.T) {
	g := New(testLogger())
	original := seg(1000, []byte("hello"))
	g.PortZero(original, 0)

	v := g.Retransmit(1000, 0, false)
	if v.Kind != Replay {
		t.Fatalf("Kind = %v, want Replay", v.Kind)
	}
	if v.Replay == nil || string(v.Replay.Payload) != "hello" {
		t.Fatalf("Replay packet = %+v, want payload \"hello\"", v.Replay)
	}
	if v.Replay == original {
		t.Fatalf("Replay must be a clone, not the buffered original")
	}
}

func TestRetransmitSuppressesImmediateRepeat(t *testing.T) {
	g := New(testLogger())
	g.PortZero(seg(1000, []byte("hello")), 0)

	first := g.Retransmit(1000, 0, false)
	if first.Kind != Replay {
		t.Fatalf("first Kind = %v, want Replay", first.Kind)
	}
	second := g.Retransmit(1000, 0, false)
	if second.Kind != Suppressed {
		t.Fatalf("second Kind = %v, want Suppressed", second.Kind)
	}
}

func TestRetransmitBufferMissWhenNotBufferedAndNotAcked(t *testing.T) {
	g := New(testLogger())
	g.PortZero(seg(1000, []byte("hello")), 0)

	v := g.Retransmit(2000, 0, false)
	if v.Kind != BufferMiss {
		t.Fatalf("Kind = %v, want BufferMiss", v.Kind)
	}
	if v.ReAckTo != 0 {
		t.Fatalf("ReAckTo = %d, want 0", v.ReAckTo)
	}
}

func TestRetransmitAlreadyAckedWhenOppositeHasAckedPastIt(t *testing.T) {
	g := New(testLogger())
	g.PortZero(seg(1000, []byte("hello")), 0)
	// Prune removes the buffered entry once it is fully acked; the guard
	// must still distinguish "already acked" from a genuine buffer miss.
	g.Prune(1005)

	v := g.Retransmit(1000, 1005, false)
	if v.Kind != AlreadyAcked {
		t.Fatalf("Kind = %v, want AlreadyAcked", v.Kind)
	}
	if v.ReAckTo != 1005 {
		t.Fatalf("ReAckTo = %d, want 1005", v.ReAckTo)
	}
}

func TestRetransmitReAckOnBehalfWhenBelowOppositeLastAck(t *testing.T) {
	g := New(testLogger())
	g.PortZero(seg(1000, []byte("hello")), 0)

	v := g.Retransmit(500, 900, true)
	if v.Kind != ReAck {
		t.Fatalf("Kind = %v, want ReAck", v.Kind)
	}
	if v.ReAckTo != 900 {
		t.Fatalf("ReAckTo = %d, want 900", v.ReAckTo)
	}
}

func TestPrunePreservesEntriesNotFullyAcked(t *testing.T) {
	g := New(testLogger())
	g.PortZero(seg(1000, []byte("hello")), 0) // 1000-1004
	g.PortZero(seg(2000, []byte("world")), 0) // 2000-2004

	g.Prune(1005) // fully covers the first entry, not the second
	if g.Len() != 1 {
		t.Fatalf("Len after Prune = %d, want 1", g.Len())
	}

	v := g.Retransmit(2000, 1005, false)
	if v.Kind != Replay {
		t.Fatalf("surviving entry Kind = %v, want Replay", v.Kind)
	}
}

func TestKillDiscardsBufferAndSuppressionState(t *testing.T) {
	g := New(testLogger())
	g.PortZero(seg(1000, []byte("hello")), 0)
	g.Retransmit(1000, 0, false)

	g.Kill()
	if g.Len() != 0 {
		t.Fatalf("Len after Kill = %d, want 0", g.Len())
	}

	v := g.Retransmit(1000, 0, false)
	if v.Kind != BufferMiss {
		t.Fatalf("Kind after Kill = %v, want BufferMiss", v.Kind)
	}
}
