/*
 *    obsmetrics.go - optional Prometheus collectors for the core's internal
 *    counters.
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

// Package obsmetrics is one optional implementation of the mbcore.Metrics
// interface: Prometheus counters/gauges/histograms the host MAY register
// with its own registry. The core never imports obsmetrics itself, and
// obsmetrics never starts an HTTP server or scrape loop - exposing the
// registry is the host's concern, matching the "metrics exporters are out
// of scope" boundary.
package obsmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors bundles every gauge/counter/histogram this module exposes.
// Construct one with New and register it with any prometheus.Registerer;
// a Pipeline is handed the *Collectors directly and updates it inline,
// never through its own background goroutine.
type Collectors struct {
	FlowTableOccupancy    prometheus.Gauge
	CuckooDisplacementLen prometheus.Histogram
	RetransBufferHits     prometheus.Counter
	RetransBufferMisses   prometheus.Counter
	ReorderBufferDepth    prometheus.Histogram
	FlowsOpened           prometheus.Counter
	FlowsClosed           prometheus.Counter
	PacketsDropped        *prometheus.CounterVec
}

// New builds a Collectors registered under the given namespace (e.g. the
// host's own service name) using promauto, so every metric self-registers
// with reg the moment it is created - the same pattern
// m-lab-tcp-info/metrics and runZeroInc-conniver/sockstats use for their own
// promauto collector sets.
func New(namespace string, reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)
	return &Collectors{
		FlowTableOccupancy: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fcb",
			Name:      "table_occupancy",
			Help:      "Number of live flow table entries.",
		}),
		CuckooDisplacementLen: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fcb",
			Name:      "cuckoo_displacement_length",
			Help:      "Number of slots moved to complete a cuckoo table insert.",
			Buckets:   []float64{0, 1, 2, 3, 4, 6, 8, 12, 16},
		}),
		RetransBufferHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retransguard",
			Name:      "buffer_hits_total",
			Help:      "Retransmissions authenticated against the buffered original.",
		}),
		RetransBufferMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retransguard",
			Name:      "buffer_misses_total",
			Help:      "Retransmissions for a segment no longer buffered and not yet acked.",
		}),
		ReorderBufferDepth: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reorder",
			Name:      "buffer_depth",
			Help:      "Out-of-order list length observed on segment arrival.",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32},
		}),
		FlowsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tcpstate",
			Name:      "flows_opened_total",
			Help:      "Flows whose SYN/ACK was admitted and forwarded.",
		}),
		FlowsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tcpstate",
			Name:      "flows_closed_total",
			Help:      "Flows released back to the pool.",
		}),
		PacketsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tcpstate",
			Name:      "packets_dropped_total",
			Help:      "Packets dropped, labeled by error kind.",
		}, []string{"kind"}),
	}
}

// The methods below give *Collectors the exact method set of
// mbcore.Metrics, so a host wires it in as
// mbcore.New(cfg, log, obsmetrics.New(ns, reg)) without obsmetrics
// ever importing mbcore.

func (c *Collectors) FlowOpened() { c.FlowsOpened.Inc() }
func (c *Collectors) FlowClosed() { c.FlowsClosed.Inc() }

// Dropped records one dropped packet under kind's string form (an
// mberr.Kind's String(), passed as a plain string so obsmetrics need not
// import mberr just for this label).
func (c *Collectors) Dropped(kind string) { c.PacketsDropped.WithLabelValues(kind).Inc() }

func (c *Collectors) Occupancy(n int)    { c.FlowTableOccupancy.Set(float64(n)) }
func (c *Collectors) ReorderDepth(n int) { c.ReorderBufferDepth.Observe(float64(n)) }
func (c *Collectors) Displacement(n int) { c.CuckooDisplacementLen.Observe(float64(n)) }
func (c *Collectors) RetransHit()        { c.RetransBufferHits.Inc() }
func (c *Collectors) RetransMiss()       { c.RetransBufferMisses.Inc() }
