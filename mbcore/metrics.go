/*
 *    metrics.go - the small interface the core touches metrics through,
 *    never the other way around.
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

// Metrics is the boundary the core updates counters through. A host that
// wants Prometheus collectors wires in obsmetrics.Collectors (it implements
// this interface); a host that wants nothing passes nil, which every method
// below tolerates via NopMetrics. The core never starts an exporter and
// never imports a concrete metrics backend itself.
type Metrics interface {
	FlowOpened()
	FlowClosed()
	Dropped(kind string)
	Occupancy(n int)
	ReorderDepth(n int)
	Displacement(n int)
	RetransHit()
	RetransMiss()
}

// NopMetrics discards every observation; it is the Pipeline's default when
// a host passes a nil Metrics.
type NopMetrics struct{}

func (NopMetrics) FlowOpened()          {}
func (NopMetrics) FlowClosed()          {}
func (NopMetrics) Dropped(string)       {}
func (NopMetrics) Occupancy(int)        {}
func (NopMetrics) ReorderDepth(int)     {}
func (NopMetrics) Displacement(int)     {}
func (NopMetrics) RetransHit()          {}
func (NopMetrics) RetransMiss()         {}
