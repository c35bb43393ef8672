/*
 *    state.go - TCPCommon connection-state enumeration.
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

package fcb

import "fmt"

// State is the TCPCommon connection state, spec §3/§4.2.
type State int32

const (
	Establishing1 State = iota
	Establishing2
	Open
	BeingClosedGraceful1
	BeingClosedGraceful2
	BeingClosedArtificially1
	BeingClosedArtificially2
	Closed
)

var stateName = map[State]string{
	Establishing1:            "ESTABLISHING_1",
	Establishing2:            "ESTABLISHING_2",
	Open:                     "OPEN",
	BeingClosedGraceful1:     "BEING_CLOSED_GRACEFUL_1",
	BeingClosedGraceful2:     "BEING_CLOSED_GRACEFUL_2",
	BeingClosedArtificially1: "BEING_CLOSED_ARTIFICIALLY_1",
	BeingClosedArtificially2: "BEING_CLOSED_ARTIFICIALLY_2",
	Closed:                   "CLOSED",
}

func (s State) String() string {
	if n, ok := stateName[s]; ok {
		return n
	}
	return fmt.Sprintf("UNKNOWN_STATE_%d", s)
}
