/*
 *    egress.go - the egress half of spec §4.4: committing a packet's
 *    pending ModificationList and translating seq/ack before it leaves the
 *    pipeline.
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
	"github.com/quietflow/mbcore/fcb"
	"github.com/quietflow/mbcore/pkt"
)

// Egress runs a Forward/Inject-bound packet p, belonging to f's own
// direction, through the Rewriter: it commits any pending ModificationList
// a downstream filter attached via RemoveBytes/InsertBytes into f's sender
// maintainer, translates p's sequence number forward and its ack field
// backward across every edit either direction has committed so far, and
// refreshes the IP length and TCP checksum the edit invalidated. This is
// the boundary a host calls exactly once per packet, right before handing
// it to its own egress I/O, matching §4.4's "egress half".
func (m *Machine) Egress(f *fcb.FCB, p *pkt.Packet) error {
	tok := f.Common.Lock()
	sender := tok.Maintainer(f.Dir)
	opposite := tok.Maintainer(f.Dir.Opposite())
	tok.Unlock()
	return m.rewriter.Egress(p, sender, opposite)
}
