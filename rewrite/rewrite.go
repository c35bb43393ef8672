/*
 *    rewrite.go - the egress Rewriter: sequence/ack translation and IP
 *    length / TCP checksum fixups under payload rewrites (spec §4.4).
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

// Package rewrite implements the egress half of spec §4.4: it commits a
// packet's pending ModificationList into the sender-direction
// ByteStreamMaintainer, translates the packet's sequence number forward
// and the opposite direction's ack number backward across every prior
// edit, and refreshes the IP total length and TCP checksum the edit
// invalidated.
package rewrite

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"

	"github.com/quietflow/mbcore/bytestream"
	"github.com/quietflow/mbcore/pkt"
)

// Rewriter is stateless; all state it acts on lives on the maintainers
// passed to it.
type Rewriter struct {
	log *logrus.Entry
}

// New returns a Rewriter.
func New(log *logrus.Entry) *Rewriter {
	return &Rewriter{log: log}
}

// Egress applies spec §4.4 to one outbound packet p, traveling in the
// direction whose ByteStreamMaintainer is sender. opposite is the
// maintainer for the other direction, consulted to translate p's ack
// field back to pre-rewrite offsets for the original sender.
func (r *Rewriter) Egress(p *pkt.Packet, sender, opposite *bytestream.Maintainer) error {
	if p.ModList != nil && !p.ModList.Empty() {
		if err := sender.Commit(p.ModList); err != nil {
			return err
		}
		p.ModList = nil
	}

	oldSeq := p.TCP.Seq
	newSeq := sender.MapSeq(oldSeq)
	delta := int64(newSeq) - int64(oldSeq)
	p.TCP.Seq = newSeq
	p.ContentOffset = uint16(int64(p.ContentOffset) + delta)

	oldAck := p.TCP.Ack
	p.TCP.Ack = opposite.MapAck(oldAck)

	sender.LastSeqSent = newSeq
	sender.LastPayloadLength = p.PayloadLen()

	return r.refreshChecksum(p)
}

// Finalize refreshes the IP/TCP checksum and lengths of a packet the core
// crafted itself (a re-ACK, a proactive duplicate ACK, a graceful/forced
// close FIN or RST): unlike Egress it performs no seq/ack translation, since
// a crafted packet's header fields are already final egress-space values.
func (r *Rewriter) Finalize(p *pkt.Packet) error {
	return r.refreshChecksum(p)
}

// refreshChecksum re-serializes the IP and TCP headers so their length and
// checksum fields reflect the packet's current payload, mutating p.IP and
// p.TCP in place (gopacket's SerializeTo writes FixLengths/
// ComputeChecksums results back onto the layer it was called on).
func (r *Rewriter) refreshChecksum(p *pkt.Packet) error {
	if err := p.TCP.SetNetworkLayerForChecksum(&p.IP); err != nil {
		return err
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	return gopacket.SerializeLayers(buf, opts, &p.IP, &p.TCP, gopacket.Payload(p.Payload))
}

// PatchChecksumForStrippedOption performs the incremental checksum update
// the original FastClick source uses when NOP-filling a stripped
// SACK-permitted option on a SYN (SPEC_FULL.md "Supplemented features"):
// since the edit is a fixed-length in-place byte substitution rather than
// a payload resize, the TCP checksum can be updated by subtracting the
// replaced 16-bit words and adding the replacement ones, without a full
// re-serialize. oldWords and newWords must be the same length.
func PatchChecksumForStrippedOption(checksum uint16, oldWords, newWords []uint16) uint16 {
	sum := uint32(^checksum)
	for _, w := range oldWords {
		sum += uint32(^w) & 0xFFFF
	}
	for _, w := range newWords {
		sum += uint32(w)
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

// StripSACKPermitted overwrites the TCP options of a SYN with NOPs
// wherever a SACK-permitted option (kind 4) is found, matching the original
// source's handling of resize-mode SYNs (spec §6). It does not touch
// tcp.Checksum; callers either re-serialize the packet or apply
// PatchChecksumForStrippedOption themselves.
func StripSACKPermitted(tcp *layers.TCP) {
	const (
		kindSACKPermitted = 4
		kindNOP           = 1
	)
	opts := make([]layers.TCPOption, 0, len(tcp.Options)+1)
	for _, o := range tcp.Options {
		if o.OptionType != kindSACKPermitted {
			opts = append(opts, o)
			continue
		}
		length := int(o.OptionLength)
		if length < 2 {
			length = 2
		}
		// One 1-byte NOP per byte of the stripped option, so the overall
		// option length is unchanged and no further options shift.
		for j := 0; j < length; j++ {
			opts = append(opts, layers.TCPOption{OptionType: kindNOP, OptionLength: 1})
		}
	}
	tcp.Options = opts
}
