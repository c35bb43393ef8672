/*
 *    seqnum.go - wrap-safe 32-bit TCP sequence-number comparisons shared by
 *    every package that walks a byte stream.
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

// Package seqnum centralizes wraparound-aware comparisons of 32-bit TCP
// sequence numbers, built on top of gopacket/tcpassembly's own Sequence
// type rather than a hand-rolled int32-cast subtraction duplicated per
// package.
package seqnum

import "github.com/google/gopacket/tcpassembly"

// Diff returns the signed distance from a to b on the wrapping sequence
// space: positive when b comes after a, negative when b comes before a.
func Diff(a, b uint32) int32 {
	return int32(tcpassembly.Sequence(a).Difference(tcpassembly.Sequence(b)))
}

// Less reports whether a precedes b on the wrapping sequence space.
func Less(a, b uint32) bool { return Diff(a, b) > 0 }

// LessEqual reports whether a precedes or equals b on the wrapping
// sequence space.
func LessEqual(a, b uint32) bool { return Diff(a, b) >= 0 }
