/*
 *    errors.go - the core's error taxonomy (spec §7).
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

// Package mberr defines the error taxonomy shared by every core component
// (spec §7). It is a leaf package so that fcb, reorder, retransguard,
// rewrite and tcpstate can all depend on it without creating import
// cycles back to the mbcore package.
package mberr

import (
	"fmt"

	"github.com/quietflow/mbcore/tuple"
)

// Kind is one of the error kinds named in spec §7. It is a classification,
// not a message: hosts branch on Kind, never on Error().
type Kind int

const (
	// ProtocolViolation: first segment not SYN/SYN+ACK/RST, unexpected
	// SYN on OPEN, etc. Drop and log at debug.
	ProtocolViolation Kind = iota
	// ResourceExhausted: pool empty, FCB table full, cuckoo depth
	// exceeded. Drop and signal flow-init failure.
	ResourceExhausted
	// StateRace: reuse path racing a peer that is concurrently closing.
	// Unreachable under the current per-TCPCommon spinlock model — see
	// DESIGN.md — kept as a named kind in case a future locking change
	// reopens the window.
	StateRace
	// BufferMiss: retransmit arrives for a segment not buffered and not
	// acked. Re-ACK, log.
	BufferMiss
	// ChecksumFailed: drop silently (IP/TCP layer should have caught it
	// earlier).
	ChecksumFailed
	// CloseDuringInflight: packet arrives after CLOSED. Drop, emit RST
	// only on first occurrence.
	CloseDuringInflight
)

var kindName = map[Kind]string{
	ProtocolViolation:   "PROTOCOL_VIOLATION",
	ResourceExhausted:   "RESOURCE_EXHAUSTED",
	StateRace:           "STATE_RACE",
	BufferMiss:          "BUFFER_MISS",
	ChecksumFailed:      "CHECKSUM_FAILED",
	CloseDuringInflight: "CLOSE_DURING_INFLIGHT",
}

func (k Kind) String() string {
	if n, ok := kindName[k]; ok {
		return n
	}
	return fmt.Sprintf("UNKNOWN_KIND_%d", k)
}

// Error is a classified per-packet or flow-wide failure. Per spec §7,
// per-packet failures are recovered locally (drop the packet, bump a
// counter); flow-wide failures transition the flow to CLOSED and release
// its FCB. There is no fatal error at this layer.
type Error struct {
	Kind  Kind
	Flow  tuple.Tuple
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s flow=%s: %v", e.Kind, e.Flow, e.Cause)
	}
	return fmt.Sprintf("%s flow=%s", e.Kind, e.Flow)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a classified Error.
func New(kind Kind, flow tuple.Tuple, cause error) *Error {
	return &Error{Kind: kind, Flow: flow, Cause: cause}
}
