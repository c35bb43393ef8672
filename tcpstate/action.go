/*
 *    action.go - the verdicts the state machine hands back to its caller.
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

// Package tcpstate implements the Ingress Gate: the per-connection TCP
// state machine of spec §4.2, dispatching every arriving segment to flow
// binding, handshake tracking, the Reorderer, the Retransmission Guard and
// the Rewriter, and producing the boundary-protocol actions of spec §6.
package tcpstate

import "github.com/quietflow/mbcore/pkt"

// ActionKind is what the caller must do with the accompanying packet.
type ActionKind int

const (
	// Forward: pass Packet on toward its original destination, on the
	// connection's own direction (spec §6 "port 0").
	Forward ActionKind = iota
	// Inject: send Packet in reply toward whichever endpoint it now
	// addresses (a crafted re-ACK, duplicate ACK, or close-sequence
	// segment the core itself originated; spec §6 "port 1").
	Inject
	// Drop: discard the arriving packet; Err classifies why (spec §7).
	Drop
)

// Action is one outcome of Machine.Process. A single arriving packet can
// produce zero, one, or several Actions: a segment that fills a reorder
// hole releases every packet the hole was blocking, and a retransmission
// that trips CLOSE_DURING_INFLIGHT RST emission produces an Inject alongside
// the Drop of the original.
type Action struct {
	Kind   ActionKind
	Packet *pkt.Packet
	Err    error
}
