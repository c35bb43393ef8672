/*
 *    packet.go - the packet representation and annotation area the core
 *    shares with the host packet-processing graph.
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

// Package pkt defines the packet representation shared across every core
// component: the parsed IP/TCP headers, the payload, and the annotation
// area the core and the host packet-processing graph both read and write.
package pkt

import (
	"time"

	"github.com/google/gopacket/layers"
	"github.com/rs/xid"

	"github.com/quietflow/mbcore/bytestream"
)

// Flags are the reserved-byte annotation flags named in spec §6 ("plus 5
// bytes of flags reserved"). Only a handful are assigned; the rest remain
// available for host-specific use.
type Flags uint8

const (
	// FlagCrafted marks a packet the core generated itself (a re-ACK, a
	// crafted FIN/ACK, a Retransmission Guard replay) rather than one
	// that arrived from the wire.
	FlagCrafted Flags = 1 << iota
	// FlagRetransmission marks a packet the Reorderer classified as a
	// retransmission of previously seen data.
	FlagRetransmission
	// FlagSplitRetransmission marks a retransmission that also carries
	// new bytes past the previously known edge (spec §4.3).
	FlagSplitRetransmission
)

// Packet is one TCP/IP segment as it flows through the core. When a
// downstream filter resizes a packet, InsertBytes returns a new Packet and
// leaves the original untouched, while RemoveBytes shrinks the given
// Packet's payload in place (the boundary protocol in spec §6).
type Packet struct {
	ID xid.ID

	IP  layers.IPv4
	TCP layers.TCP

	// Payload is the TCP segment's data, excluding headers/options.
	Payload []byte

	// Annotations, named per spec §6's "by semantic name, not by
	// on-the-wire position".
	InitialAck    uint32
	ContentOffset uint16
	LastUseful    bool
	ResFlags      Flags

	// ModList accumulates edits recorded against this packet by
	// downstream filters before egress; nil until the first edit.
	ModList *bytestream.ModificationList

	// Arrived is when this packet reached the core, for diagnostics only:
	// neither protocol decisions nor flow expiry read it (expiry ticks
	// come from the host's Config.Clock, per spec §6).
	Arrived time.Time
}

// New wraps a parsed IP/TCP header pair and payload into a core Packet,
// assigning it a fresh correlation ID.
func New(ip layers.IPv4, tcp layers.TCP, payload []byte) *Packet {
	return &Packet{
		ID:      xid.New(),
		IP:      ip,
		TCP:     tcp,
		Payload: append([]byte(nil), payload...),
		Arrived: time.Now(),
	}
}

// Clone makes an independent copy of the packet, including its payload.
// The Retransmission Guard uses this to hand out replay packets without
// aliasing its buffered original.
func (p *Packet) Clone() *Packet {
	cp := *p
	cp.ID = xid.New()
	cp.Payload = append([]byte(nil), p.Payload...)
	cp.ModList = nil
	return &cp
}

// Seq returns the packet's TCP sequence number.
func (p *Packet) Seq() uint32 { return p.TCP.Seq }

// Ack returns the packet's TCP ack number.
func (p *Packet) Ack() uint32 { return p.TCP.Ack }

// PayloadLen returns the number of payload bytes.
func (p *Packet) PayloadLen() int { return len(p.Payload) }

// SeqSpan returns the number of sequence numbers this packet consumes:
// payload length, plus one each for SYN and FIN (per spec §4.3's
// "seq + payload_len + (1 if SYN or FIN)").
func (p *Packet) SeqSpan() uint32 {
	span := uint32(len(p.Payload))
	if p.TCP.SYN {
		span++
	}
	if p.TCP.FIN {
		span++
	}
	return span
}

// EnsureModList lazily allocates this packet's ModificationList the first
// time a downstream filter records an edit against it, keyed by the
// absolute flow sequence number of that first edit (this packet's own Seq
// plus the edit's payload-relative position): MapSeq/MapAck compare edit
// points against absolute sequence numbers, not per-packet offsets, so the
// key must live in that same coordinate space.
func (p *Packet) EnsureModList(flowPosition int) *bytestream.ModificationList {
	if p.ModList == nil {
		p.ModList = bytestream.NewModificationList(p.TCP.Seq + uint32(flowPosition))
	}
	return p.ModList
}

// AddModification records add_modification(s0, flow_position, delta) per
// spec §4.4 against this packet's (not-yet-committed) ModificationList.
func (p *Packet) AddModification(flowPosition, delta int) {
	p.EnsureModList(flowPosition).Add(flowPosition, delta)
}
