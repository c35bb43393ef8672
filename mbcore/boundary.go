/*
 *    boundary.go - the downstream modification protocol (spec §6 item 4).
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

package mbcore

import (
	"errors"

	"github.com/quietflow/mbcore/pkt"
	"github.com/quietflow/mbcore/tcpstate"
	"github.com/quietflow/mbcore/tuple"
)

// ErrBadRange is returned by RemoveBytes/InsertBytes when position/length
// fall outside the packet's current payload.
var ErrBadRange = errors.New("mbcore: position/length outside payload bounds")

// ErrNoSuchFlow is returned by the downstream methods that need to resolve
// an FCB (RequestMorePackets, CloseConnection) when t names no tracked
// flow.
var ErrNoSuchFlow = errors.New("mbcore: no FCB for tuple")

// RemoveBytes implements remove_bytes(packet, position, len): it shrinks
// p's payload in place and records a -len edit against p's (not yet
// committed) ModificationList, which the Rewriter folds into the sender's
// ByteStreamMaintainer at egress.
func RemoveBytes(p *pkt.Packet, position, length int) error {
	if position < 0 || length < 0 || position+length > len(p.Payload) {
		return ErrBadRange
	}
	p.Payload = append(p.Payload[:position], p.Payload[position+length:]...)
	p.AddModification(position, -length)
	return nil
}

// InsertBytes implements insert_bytes(packet, position, len) -> new_packet:
// it grows a clone of p's payload by splicing data in at position and
// records a +len(data) edit against the clone's ModificationList. A clone
// is returned rather than p itself because the original packet's Payload
// slice may not have spare capacity to grow in place, matching the
// signature's "-> new_packet" (the original is left untouched).
func InsertBytes(p *pkt.Packet, position int, data []byte) (*pkt.Packet, error) {
	if position < 0 || position > len(p.Payload) {
		return nil, ErrBadRange
	}
	cp := p.Clone()
	grown := make([]byte, 0, len(p.Payload)+len(data))
	grown = append(grown, p.Payload[:position]...)
	grown = append(grown, data...)
	grown = append(grown, p.Payload[position:]...)
	cp.Payload = grown
	cp.AddModification(position, len(data))
	return cp, nil
}

// RequestMorePackets implements request_more_packets(packet, force): it
// resolves the FCB for the sender's own tuple and has the Machine craft an
// ACK toward it (see tcpstate.Machine.RequestMorePackets for when one is
// emitted and what window it carries).
func (pl *Pipeline) RequestMorePackets(t tuple.Tuple, now uint16, force bool) ([]tcpstate.Action, error) {
	f, ok := pl.lookup(t, now)
	if !ok {
		return nil, ErrNoSuchFlow
	}
	return pl.machine.RequestMorePackets(f, force), nil
}

// CloseConnection implements close_connection(packet, graceful): graceful
// drives the connection to BEING_CLOSED_ARTIFICIALLY_1 with a crafted FIN;
// non-graceful (force) tears it down immediately with RSTs toward both
// endpoints and releases both FCBs.
func (pl *Pipeline) CloseConnection(t tuple.Tuple, now uint16, graceful bool) ([]tcpstate.Action, error) {
	f, ok := pl.lookup(t, now)
	if !ok {
		return nil, ErrNoSuchFlow
	}
	if graceful {
		return pl.machine.CloseGraceful(f), nil
	}
	actions := pl.machine.CloseForce(f, now)
	pl.metrics.FlowClosed()
	return actions, nil
}

// Egress commits any pending ModificationList on p (recorded by a prior
// RemoveBytes/InsertBytes call) and translates its seq/ack fields, per
// spec §4.4's egress half. t must be p's own-direction tuple.
func (pl *Pipeline) Egress(t tuple.Tuple, now uint16, p *pkt.Packet) error {
	f, ok := pl.lookup(t, now)
	if !ok {
		return ErrNoSuchFlow
	}
	return pl.machine.Egress(f, p)
}
