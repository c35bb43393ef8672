/*
 *    craft.go - the segments the Ingress Gate originates itself: re-ACKs,
 *    proactive duplicate ACKs, and the graceful/forced close sequences
 *    (spec §4.2, SPEC_FULL.md "Supplemented features").
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

package tcpstate

import (
	"net"

	"github.com/google/gopacket/layers"

	"github.com/quietflow/mbcore/fcb"
	"github.com/quietflow/mbcore/pkt"
	"github.com/quietflow/mbcore/tuple"
)

// keyForDir returns the tuple a packet travelling in direction d would
// carry: f.Key itself if d is f's own direction, f.Key.Reverse() otherwise.
func keyForDir(f *fcb.FCB, d fcb.Direction) tuple.Tuple {
	if d == f.Dir {
		return f.Key
	}
	return f.Key.Reverse()
}

// craftSkeleton builds a minimal IPv4/TCP header pair addressed per key,
// with no payload and no flags set; callers fill in flags, Seq and Ack.
func (m *Machine) craftSkeleton(key tuple.Tuple) *pkt.Packet {
	ip := layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IP(append([]byte(nil), key.SrcIP[:]...)),
		DstIP:    net.IP(append([]byte(nil), key.DstIP[:]...)),
	}
	tcp := layers.TCP{
		SrcPort:    layers.TCPPort(key.SrcPort),
		DstPort:    layers.TCPPort(key.DstPort),
		Window:     64240,
		DataOffset: 5,
	}
	p := pkt.New(ip, tcp, nil)
	p.ResFlags |= pkt.FlagCrafted
	return p
}

// craftAck builds a pure ACK travelling in direction replyDir, carrying the
// given Seq/Ack, and finalizes its checksum.
func (m *Machine) craftAck(f *fcb.FCB, replyDir fcb.Direction, seq, ack uint32) *pkt.Packet {
	p := m.craftSkeleton(keyForDir(f, replyDir))
	p.TCP.ACK = true
	p.TCP.Seq = seq
	p.TCP.Ack = ack
	if err := m.rewriter.Finalize(p); err != nil {
		m.log.WithError(err).Warn("finalize crafted ack failed")
	}
	return p
}

// craftRst builds a bare RST travelling in direction replyDir.
func (m *Machine) craftRst(f *fcb.FCB, replyDir fcb.Direction, seq uint32) *pkt.Packet {
	p := m.craftSkeleton(keyForDir(f, replyDir))
	p.TCP.RST = true
	p.TCP.Seq = seq
	if err := m.rewriter.Finalize(p); err != nil {
		m.log.WithError(err).Warn("finalize crafted rst failed")
	}
	return p
}

// patchAck returns a clone of p with its Ack field replaced, used when an
// arriving pure ACK is stale relative to an ack the core already sent on
// the opposite sender's behalf (spec §4.2's ACK-loss recovery): the
// replacement keeps every other field of p, since it is standing in for p
// itself rather than replying to it.
func (m *Machine) patchAck(p *pkt.Packet, ack uint32) *pkt.Packet {
	cp := p.Clone()
	cp.TCP.Ack = ack
	cp.ResFlags |= pkt.FlagCrafted
	if err := m.rewriter.Finalize(cp); err != nil {
		m.log.WithError(err).Warn("finalize patched ack failed")
	}
	return cp
}

// craftFin builds a FIN/ACK travelling in direction dir.
func (m *Machine) craftFin(f *fcb.FCB, dir fcb.Direction, seq, ack uint32) *pkt.Packet {
	p := m.craftSkeleton(keyForDir(f, dir))
	p.TCP.FIN = true
	p.TCP.ACK = true
	p.TCP.Seq = seq
	p.TCP.Ack = ack
	if err := m.rewriter.Finalize(p); err != nil {
		m.log.WithError(err).Warn("finalize crafted fin failed")
	}
	return p
}

// CloseGraceful implements the downstream close_connection(graceful) entry
// point (spec §6 / SPEC_FULL.md "Supplemented features"): it sends a FIN on
// f's own direction as if f's sender had initiated the close, and moves the
// connection to BEING_CLOSED_ARTIFICIALLY_1. The next FIN released through
// the close graph moves it to BEING_CLOSED_ARTIFICIALLY_2, and a FIN seen
// in that state is handled by onArtificialCloseFin rather than treated as a
// protocol violation.
func (m *Machine) CloseGraceful(f *fcb.FCB) []Action {
	tok := f.Common.Lock()
	sender := tok.Maintainer(f.Dir)
	seq := sender.LastSeqSent + 1
	ack := tok.LastAckReceived(f.Dir.Opposite())
	sender.LastSeqSent = seq
	tok.SetState(fcb.BeingClosedArtificially1)
	tok.Unlock()

	fin := m.craftFin(f, f.Dir, seq, ack)
	return []Action{{Kind: Inject, Packet: fin}}
}

// RequestMorePackets implements the downstream request_more_packets(packet,
// force) entry point (spec §6 item 4): it crafts an ACK toward the original
// sender, acknowledging the last ack received from it, to coax more segments
// out of a sender sitting on a full window. The ACK carries craftSkeleton's
// fixed window, not a tracked receiver window. Without force nothing is
// emitted while no ack has been received yet (ack == 0); with force an ACK
// is always emitted.
func (m *Machine) RequestMorePackets(f *fcb.FCB, force bool) []Action {
	tok := f.Common.Lock()
	receiver := tok.Maintainer(f.Dir.Opposite())
	seq := receiver.LastSeqSent
	ack := tok.LastAckReceived(f.Dir)
	receiver.LastAckSent = ack
	tok.Unlock()

	if !force && ack == 0 {
		return nil
	}
	ack2 := m.craftAck(f, f.Dir.Opposite(), seq, ack)
	return []Action{{Kind: Inject, Packet: ack2}}
}

// CloseForce implements close_connection(force): it tears the connection
// down immediately, emitting an RST toward both endpoints, and releases
// both directions' FCBs once their buffers have no pending work.
func (m *Machine) CloseForce(f *fcb.FCB, now uint16) []Action {
	tok := f.Common.Lock()
	seqSelf := tok.Maintainer(f.Dir).LastSeqSent
	seqOpp := tok.Maintainer(f.Dir.Opposite()).LastSeqSent
	tok.SetState(fcb.Closed)
	tok.Unlock()

	rstToSelf := m.craftRst(f, f.Dir.Opposite(), seqOpp)
	rstToOpp := m.craftRst(f, f.Dir, seqSelf)
	f.Guard.Kill()
	key := f.Key // tryRelease may reset f, zeroing its Key
	m.tryRelease(f, now)

	if opp, res := m.primary.Lookup(key.Reverse(), now); res == fcb.Hit {
		opp.Guard.Kill()
		m.tryRelease(opp, now)
	}

	return []Action{
		{Kind: Inject, Packet: rstToSelf},
		{Kind: Inject, Packet: rstToOpp},
	}
}
