/*
 *    tuple.go - flow-identifying 4-tuple keys for the middlebox core.
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

// Package tuple defines the 4-tuple flow key the rest of the core uses to
// identify a TCP connection and one of its two directions.
package tuple

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/google/gopacket/layers"
)

// Tuple identifies one direction of a TCP connection: the IPv4 source and
// destination addresses plus the TCP source and destination ports. Two
// Tuples that are Reverse() of one another identify the two directions of
// the same connection.
type Tuple struct {
	SrcIP   [4]byte
	DstIP   [4]byte
	SrcPort uint16
	DstPort uint16
}

// New builds a Tuple from a parsed IPv4 header and TCP header, the way the
// ingress gate sees them off the wire.
func New(ip layers.IPv4, tcp layers.TCP) Tuple {
	var t Tuple
	copy(t.SrcIP[:], ip.SrcIP.To4())
	copy(t.DstIP[:], ip.DstIP.To4())
	t.SrcPort = uint16(tcp.SrcPort)
	t.DstPort = uint16(tcp.DstPort)
	return t
}

// Reverse returns the Tuple identifying the opposite direction of the same
// connection.
func (t Tuple) Reverse() Tuple {
	return Tuple{
		SrcIP:   t.DstIP,
		DstIP:   t.SrcIP,
		SrcPort: t.DstPort,
		DstPort: t.SrcPort,
	}
}

// Equal reports whether two Tuples identify the same direction.
func (t Tuple) Equal(o Tuple) bool {
	return t == o
}

func (t Tuple) String() string {
	return fmt.Sprintf("%s:%d->%s:%d",
		net.IP(t.SrcIP[:]).String(), t.SrcPort,
		net.IP(t.DstIP[:]).String(), t.DstPort)
}

// Hash returns a 32-bit fingerprint of the tuple suitable as a cuckoo-table
// primary hash input. It is not cryptographic; it exists purely to spread
// keys across buckets.
func (t Tuple) Hash() uint32 {
	var buf [12]byte
	copy(buf[0:4], t.SrcIP[:])
	copy(buf[4:8], t.DstIP[:])
	binary.BigEndian.PutUint16(buf[8:10], t.SrcPort)
	binary.BigEndian.PutUint16(buf[10:12], t.DstPort)
	return fnv1a(buf[:])
}

// fnv1a is the 32-bit FNV-1a hash. Chosen for speed and good avalanche
// behaviour on small fixed-size keys; it is not used anywhere security
// sensitive (the cuckoo table's collision resistance comes from the 4-tuple
// itself being the ground truth equality check, the hash only picks
// buckets).
func fnv1a(data []byte) uint32 {
	const offset32 = 2166136261
	const prime32 = 16777619
	h := uint32(offset32)
	for _, b := range data {
		h ^= uint32(b)
		h *= prime32
	}
	return h
}

// Sig16 and Sig32 are the two hash widths the cuckoo table stores inline in
// a slot: a 16-bit "high tag" used for the SIMD-style 8-way bucket compare,
// and a 32-bit "secondary signature" used both to detect presence in the
// Bloom/remap filter and as the seed for computing the alternate bucket
// index during displacement.
type Sig16 uint16
type Sig32 uint32

// Signatures derives the tag and secondary signature from a tuple's hash.
func Signatures(h uint32) (Sig16, Sig32) {
	return Sig16(h >> 16), Sig32(h*2654435761 + 1)
}
