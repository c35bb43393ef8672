/*
 *    pipeline.go - Pipeline, the host-facing boundary of the core (spec §6).
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

// Package mbcore is the host-facing package: it wires the FCB Table, Ingress Gate,
// Reorderer, Retransmission Guard and Rewriter (the tcpstate/fcb/reorder/
// retransguard/rewrite packages) into the two symmetric per-direction
// pipelines of spec §2, and exposes the host boundary from §6 - packet
// batch in/out, the downstream modification protocol, and the expiration
// clock - as a single Pipeline value. A host embeds one Pipeline per set of
// flows it owns; nothing in this package performs its own I/O or starts a
// goroutine, matching spec §5's "no suspension points" requirement: every
// exported method here runs to completion on the caller's own worker.
package mbcore

import (
	"io"

	"github.com/sirupsen/logrus"

	"github.com/quietflow/mbcore/fcb"
	"github.com/quietflow/mbcore/mberr"
	"github.com/quietflow/mbcore/pkt"
	"github.com/quietflow/mbcore/tcpstate"
	"github.com/quietflow/mbcore/tuple"
)

// Config parameterizes a Pipeline. It embeds tcpstate.Config directly
// rather than re-declaring its fields, since the Ingress Gate's tuning
// knobs (table size, pool capacities, expiry ticks, the expiration clock
// source) are exactly the knobs a host needs at this boundary too.
type Config struct {
	tcpstate.Config

	// GCBucketsPerSweep bounds how many flow-table buckets one GC call
	// scans, keeping the sweep amortized per spec §5's "iterated
	// amortised" garbage collector rather than a single long pause.
	GCBucketsPerSweep int
}

// Pipeline is one embedding of the core: a single Machine handles both
// directions of every flow it tracks (each direction's packets arrive under
// their own Tuple, a plain table key, so one shared FCB Table and pool set
// already gives the two directions of §2's diagram without a second
// Machine instance).
type Pipeline struct {
	machine  *tcpstate.Machine
	metrics  Metrics
	log      *logrus.Entry
	gcCursor *fcb.Cursor
	gcBudget int
}

// New builds a Pipeline. metrics may be nil, in which case observations are
// discarded (NopMetrics).
func New(cfg Config, log *logrus.Entry, metrics Metrics) *Pipeline {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	budget := cfg.GCBucketsPerSweep
	if budget <= 0 {
		budget = 1
	}
	return &Pipeline{
		machine:  tcpstate.New(cfg.Config, log),
		metrics:  metrics,
		log:      log,
		gcCursor: &fcb.Cursor{},
		gcBudget: budget,
	}
}

// Process is the packet batch input/output boundary (spec §6 items 1-2): it
// hands one arriving packet, identified by its own-direction tuple, to the
// Ingress Gate and returns every Action the host must carry out - forward
// on port 0, inject on port 1, or drop (with a classified mberr.Error the
// host may log or count).
func (pl *Pipeline) Process(t tuple.Tuple, p *pkt.Packet) []tcpstate.Action {
	actions := pl.machine.Process(t, p)
	forwarded := false
	for _, a := range actions {
		if a.Kind == tcpstate.Drop && a.Err != nil {
			if classified, ok := a.Err.(*mberr.Error); ok {
				pl.metrics.Dropped(classified.Kind.String())
			}
		}
		if a.Kind == tcpstate.Forward {
			forwarded = true
		}
	}
	// A forwarded SYN/ACK is the second leg of a handshake this Pipeline
	// just admitted; counting here (rather than threading Metrics down
	// into tcpstate) keeps the Metrics interface entirely at this
	// boundary, at the cost of counting admitted SYN/ACKs rather than
	// fully-completed (post final-ACK) handshakes.
	if forwarded && p.TCP.SYN && p.TCP.ACK {
		pl.metrics.FlowOpened()
	}
	return actions
}

// GC drives the amortized flow-table sweep (spec §5's "garbage collector
// iterates the FCB table amortised"), reusing the Pipeline's own cursor so
// repeated calls progress around the table rather than restarting from the
// first bucket each time. Callers typically invoke this once per batch or
// once per clock tick, whichever the host's scheduling model prefers.
func (pl *Pipeline) GC(now uint16) int {
	released := pl.machine.GC(pl.gcCursor, now, pl.gcBudget)
	for i := 0; i < released; i++ {
		pl.metrics.FlowClosed()
	}
	return released
}

// lookup resolves the FCB owning tuple t, the shared step behind every
// downstream modification-protocol method below.
func (pl *Pipeline) lookup(t tuple.Tuple, now uint16) (*fcb.FCB, bool) {
	return pl.machine.Lookup(t, now)
}

// DumpFlowTable writes a CSV snapshot of every live flow to w, for offline
// diagnostics outside the packet path.
func (pl *Pipeline) DumpFlowTable(now uint16, w io.Writer) error {
	return pl.machine.DumpFlowTable(now, w)
}
