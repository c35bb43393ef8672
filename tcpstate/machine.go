/*
 *    machine.go - the Ingress Gate's dispatch logic (spec §4.2).
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
	"io"

	"github.com/sirupsen/logrus"

	"github.com/quietflow/mbcore/fcb"
	"github.com/quietflow/mbcore/mberr"
	"github.com/quietflow/mbcore/pkt"
	"github.com/quietflow/mbcore/reorder"
	"github.com/quietflow/mbcore/retransguard"
	"github.com/quietflow/mbcore/rewrite"
	"github.com/quietflow/mbcore/seqnum"
	"github.com/quietflow/mbcore/tuple"
)

// Config parameterizes a Machine. Clock returns the current 16-bit
// expiration tick (spec §6: the core never reads wall-clock time itself).
type Config struct {
	TableBuckets       int
	CommonPoolCapacity int
	FCBPoolCapacity    int
	ExpiryTicks        uint16
	ProactiveDupAck    bool
	ReAckOnBehalf      bool
	Clock              func() uint16
}

// Machine is one Ingress Gate: the flow tables, pools, Reorderer and
// Rewriter for every connection it tracks. A Machine is not safe for
// concurrent use by multiple goroutines processing the SAME flow; spec §5
// assigns each flow direction to a single worker, and callers must honor
// that affinity (e.g. by sharding on tuple.Tuple.Hash()).
type Machine struct {
	log *logrus.Entry
	cfg Config

	primary *fcb.Table[*fcb.FCB]
	// reverseCommon is keyed by the INITIATOR's tuple (not its reverse):
	// an arriving SYN/ACK's own tuple, reversed, is exactly the key the
	// SYN registered, so adoption is a single lookup (spec §4.2 case 1).
	reverseCommon *fcb.Table[*fcb.TCPCommon]

	commonPool *fcb.Pool[fcb.TCPCommon]
	fcbPool    *fcb.Pool[fcb.FCB]

	reorderer *reorder.Buffer
	rewriter  *rewrite.Rewriter
}

// New builds a Machine from cfg.
func New(cfg Config, log *logrus.Entry) *Machine {
	return &Machine{
		log:           log,
		cfg:           cfg,
		primary:       fcb.NewTable[*fcb.FCB](cfg.TableBuckets, cfg.ExpiryTicks),
		reverseCommon: fcb.NewTable[*fcb.TCPCommon](cfg.TableBuckets, cfg.ExpiryTicks),
		commonPool:    fcb.NewCommonPool(cfg.CommonPoolCapacity, log),
		fcbPool:       fcb.NewFCBPool(cfg.FCBPoolCapacity),
		reorderer:     reorder.New(log, cfg.ProactiveDupAck),
		rewriter:      rewrite.New(log),
	}
}

// Process implements spec §4.2 in full: it looks the packet's tuple up in
// the primary table, dispatching to flow binding on a miss and to the
// established-flow logic on a hit.
func (m *Machine) Process(t tuple.Tuple, p *pkt.Packet) []Action {
	now := m.cfg.Clock()
	f, res := m.primary.Lookup(t, now)
	if res != fcb.Hit {
		return m.bind(t, p, now)
	}
	return m.onExisting(f, p, now)
}

// Lookup exposes a read-only FCB lookup for the downstream modification
// protocol (spec §6 item 4): remove_bytes/insert_bytes/request_more_packets/
// close_connection all need the FCB owning the packet they were handed,
// which mbcore resolves through this method rather than reaching into the
// primary table directly.
func (m *Machine) Lookup(t tuple.Tuple, now uint16) (*fcb.FCB, bool) {
	f, res := m.primary.Lookup(t, now)
	return f, res == fcb.Hit
}

// bind implements spec §4.2's "no existing FCB" branch: a first segment is
// only ever meaningful as a SYN, a SYN/ACK adopting a pending reverse-index
// entry, or an RST bypassing a half-seen flow.
func (m *Machine) bind(t tuple.Tuple, p *pkt.Packet, now uint16) []Action {
	switch {
	case p.TCP.SYN && !p.TCP.ACK:
		return m.bindInitiatorSyn(t, p, now)
	case p.TCP.SYN && p.TCP.ACK:
		return m.bindResponderSynAck(t, p, now)
	case p.TCP.RST:
		return m.bindRstNoCommon(t, p, now)
	default:
		m.log.WithField("flow", t).Debug("first segment not SYN, SYN/ACK or RST")
		return m.dropViolation(t, p)
	}
}

func (m *Machine) bindInitiatorSyn(t tuple.Tuple, p *pkt.Packet, now uint16) []Action {
	common, err := m.commonPool.Get()
	if err != nil {
		return m.dropExhausted(t, p)
	}
	tok := common.Lock()
	tok.SeedMaintainer(fcb.Initiator, p.Seq())
	tok.SetState(fcb.Establishing1)
	tok.Unlock()

	newFCB, err := m.fcbPool.Get()
	if err != nil {
		// common was never Bind'd (use_count still 0): return it directly
		// rather than through Release, which would wrongly treat this as
		// an already-retained hold dropping to zero.
		m.commonPool.Put(common)
		return m.dropExhausted(t, p)
	}
	newFCB.Bind(common, fcb.Initiator, p.Seq()+p.SeqSpan())
	newFCB.Guard = retransguard.New(m.log)

	if err := m.primary.Insert(t, newFCB, m.expiryFor(now), now); err != nil {
		m.releaseFCBNow(newFCB)
		return m.dropExhausted(t, p)
	}

	tok = common.Lock()
	tok.Retain()
	tok.Unlock()
	if err := m.reverseCommon.Insert(t, common, m.expiryFor(now), now); err != nil {
		// The reverse-index slot is advisory: the SYN itself still went
		// through, it just cannot be adopted by its SYN/ACK later and
		// will instead fall into bindResponderSynAck's "no match" path,
		// which re-binds from scratch. Undo the extra retain so use_count
		// stays correct.
		tok = common.Lock()
		tok.Release()
		tok.Unlock()
	}

	return []Action{{Kind: Forward, Packet: p}}
}

func (m *Machine) bindResponderSynAck(t tuple.Tuple, p *pkt.Packet, now uint16) []Action {
	reverseKey := t.Reverse()
	common, res := m.reverseCommon.Lookup(reverseKey, now)
	if res != fcb.Hit {
		m.log.WithField("flow", t).Debug("SYN/ACK with no pending SYN")
		return m.dropViolation(t, p)
	}
	m.reverseCommon.Delete(reverseKey, now)

	tok := common.Lock()
	tok.Release()
	tok.SeedMaintainer(fcb.Responder, p.Seq())
	tok.SetState(fcb.Establishing2)
	tok.Unlock()

	newFCB, err := m.fcbPool.Get()
	if err != nil {
		return m.dropExhausted(t, p)
	}
	newFCB.Bind(common, fcb.Responder, p.Seq()+p.SeqSpan())
	newFCB.Guard = retransguard.New(m.log)

	if err := m.primary.Insert(t, newFCB, m.expiryFor(now), now); err != nil {
		m.releaseFCBNow(newFCB)
		return m.dropExhausted(t, p)
	}

	return []Action{{Kind: Forward, Packet: p}}
}

func (m *Machine) bindRstNoCommon(t tuple.Tuple, p *pkt.Packet, now uint16) []Action {
	reverseKey := t.Reverse()
	if common, res := m.reverseCommon.Lookup(reverseKey, now); res == fcb.Hit {
		tok := common.Lock()
		tok.SetState(fcb.Closed)
		tok.Unlock()
	}
	// No tracked state to bypass: forward the RST untouched rather than
	// open a flow for a segment that will never carry data.
	return []Action{{Kind: Forward, Packet: p}}
}

// onExisting implements spec §4.2's "existing FCB" branch.
func (m *Machine) onExisting(f *fcb.FCB, p *pkt.Packet, now uint16) []Action {
	tok := f.Common.Lock()
	state := tok.State()
	tok.Unlock()

	if p.TCP.SYN {
		return m.onSynExisting(f, p, now, state)
	}
	if state == fcb.Closed {
		return m.onClosed(f, p)
	}
	if p.TCP.ACK && (state == fcb.Establishing1 || state == fcb.Establishing2) {
		return m.onHandshakeAck(f, p)
	}
	if state == fcb.BeingClosedArtificially2 && p.TCP.FIN {
		return m.onArtificialCloseFin(f, p)
	}
	return m.onDataOrClose(f, p, now)
}

func (m *Machine) onSynExisting(f *fcb.FCB, p *pkt.Packet, now uint16, state fcb.State) []Action {
	if state == fcb.Closed && !p.TCP.ACK {
		return m.onSynOnClosed(f, p, now)
	}
	if state == fcb.Establishing1 || state == fcb.Establishing2 {
		// A later SYN: the peer restarted its handshake with a new ISN
		// before this side ever reached OPEN. Reseed rather than error,
		// per spec §4.2's "restart ESTABLISHING_* with the new ISN".
		tok := f.Common.Lock()
		tok.SeedMaintainer(f.Dir, p.Seq())
		if f.Dir == fcb.Initiator {
			tok.SetState(fcb.Establishing1)
		} else {
			tok.SetState(fcb.Establishing2)
		}
		tok.Unlock()
		f.ExpectedSeq = p.Seq() + p.SeqSpan()
		f.LastSent = f.ExpectedSeq - 1
		return []Action{{Kind: Forward, Packet: p}}
	}

	res := m.reorderer.Arrive(f, p)
	if res.Outcome == reorder.RetransmitCandidate {
		return m.handOffToGuard(f, p)
	}
	m.log.WithField("flow", f.Key).Debug("unexpected SYN on established flow")
	return m.dropViolation(f.Key, p)
}

// onSynOnClosed implements spec §4.2 case 2: a fresh SYN for a tuple whose
// FCB is CLOSED is socket reuse. If the opposite direction's FCB still
// holds the common (use_count == 2: this side plus the opposite FCB), the
// common is reinitialised in place; otherwise this side is fully released
// and the SYN is re-bound from scratch.
func (m *Machine) onSynOnClosed(f *fcb.FCB, p *pkt.Packet, now uint16) []Action {
	tok := f.Common.Lock()
	uc := tok.UseCount()
	if uc == 2 {
		tok.ReinitSide(f.Dir, p.Seq())
		tok.Unlock()
		f.ExpectedSeq = p.Seq() + p.SeqSpan()
		f.LastSent = f.ExpectedSeq - 1
		f.OOOList = f.OOOList[:0]
		f.Guard.Kill()
		f.ClosedRSTSent = false
		return []Action{{Kind: Forward, Packet: p}}
	}
	tok.Unlock()

	key := f.Key
	m.releaseFCBNow(f)
	m.primary.Delete(key, now)
	return m.bind(key, p, now)
}

func (m *Machine) onHandshakeAck(f *fcb.FCB, p *pkt.Packet) []Action {
	tok := f.Common.Lock()
	tok.SetLastAckReceived(f.Dir, p.Ack())
	tok.SetState(fcb.Open)
	tok.Unlock()
	return []Action{{Kind: Forward, Packet: p}}
}

// onArtificialCloseFin implements spec §4.2's BEING_CLOSED_ARTIFICIALLY_2
// special case: the peer we forced closed finally sends its real FIN. We
// craft the ACK it never got from the other side, strip the FIN so it does
// not propagate as a second close signal, and shift the segment's
// remaining bytes to account for the byte the stripped FIN no longer
// consumes.
func (m *Machine) onArtificialCloseFin(f *fcb.FCB, p *pkt.Packet) []Action {
	tok := f.Common.Lock()
	ackValue := p.Seq() + p.SeqSpan()
	replySender := tok.Maintainer(f.Dir.Opposite())
	seqValue := replySender.LastSeqSent
	replySender.LastAckSent = ackValue
	tok.SetState(fcb.Closed)
	tok.Unlock()

	craftedAck := m.craftAck(f, f.Dir.Opposite(), seqValue, ackValue)

	p.TCP.FIN = false
	p.TCP.Seq++
	if err := m.rewriter.Finalize(p); err != nil {
		m.log.WithError(err).Warn("finalize after FIN strip failed")
	}

	return []Action{
		{Kind: Inject, Packet: craftedAck},
		{Kind: Forward, Packet: p},
	}
}

// onClosed implements spec §7's CLOSE_DURING_INFLIGHT: drop, emitting an
// RST only the first time it happens for this flow.
func (m *Machine) onClosed(f *fcb.FCB, p *pkt.Packet) []Action {
	if f.ClosedRSTSent {
		return nil
	}
	f.ClosedRSTSent = true
	tok := f.Common.Lock()
	seqValue := tok.Maintainer(f.Dir.Opposite()).LastSeqSent
	tok.Unlock()
	rst := m.craftRst(f, f.Dir.Opposite(), seqValue)
	return []Action{
		{Kind: Drop, Packet: p, Err: mberr.New(mberr.CloseDuringInflight, f.Key, nil)},
		{Kind: Inject, Packet: rst},
	}
}

// onDataOrClose implements the general payload/ack/close path: stale-ack
// loss recovery, RST-driven forced close, and handoff to the Reorderer.
func (m *Machine) onDataOrClose(f *fcb.FCB, p *pkt.Packet, now uint16) []Action {
	if p.TCP.RST {
		tok := f.Common.Lock()
		tok.SetState(fcb.Closed)
		tok.Unlock()
		m.tryRelease(f, now)
		return []Action{{Kind: Forward, Packet: p}}
	}

	if p.PayloadLen() == 0 && p.TCP.ACK && !p.TCP.FIN {
		tok := f.Common.Lock()
		lastAckSent := tok.Maintainer(f.Dir.Opposite()).LastAckSent
		tok.Unlock()
		if lastAckSent != 0 && seqnum.Less(p.Ack(), lastAckSent) {
			return []Action{{Kind: Inject, Packet: m.patchAck(p, lastAckSent)}}
		}
	}

	res := m.reorderer.Arrive(f, p)
	switch res.Outcome {
	case reorder.Forward:
		return m.releaseBatch(f, res.Release, now)
	case reorder.Buffered:
		if res.NewGap {
			tok := f.Common.Lock()
			seqValue := tok.Maintainer(f.Dir.Opposite()).LastSeqSent
			tok.Maintainer(f.Dir.Opposite()).LastAckSent = res.DupAckTarget
			tok.Unlock()
			return []Action{{Kind: Inject, Packet: m.craftAck(f, f.Dir.Opposite(), seqValue, res.DupAckTarget)}}
		}
		return nil
	case reorder.Drop:
		return nil
	case reorder.RetransmitCandidate:
		return m.handOffToGuard(f, p)
	case reorder.SplitRetransmission:
		// Open question 2, decided in DESIGN.md: forward whole rather
		// than clip the already-seen prefix.
		return []Action{{Kind: Forward, Packet: p}}
	}
	return nil
}

// releaseBatch runs every packet the Reorderer just released through the
// close-transition graph and the Retransmission Guard's port 0.
func (m *Machine) releaseBatch(f *fcb.FCB, released []*pkt.Packet, now uint16) []Action {
	var actions []Action
	for i, rp := range released {
		actions = append(actions, m.advanceCloseGraph(f, rp, now)...)
		if f.Common == nil {
			// advanceCloseGraph released f to its pool; forward the rest
			// of the batch without touching f again.
			for _, rest := range released[i+1:] {
				actions = append(actions, Action{Kind: Forward, Packet: rest})
			}
			break
		}
		tok := f.Common.Lock()
		oppAck := tok.LastAckReceived(f.Dir.Opposite())
		tok.Unlock()
		f.Guard.PortZero(rp, oppAck)
	}
	return actions
}

func (m *Machine) advanceCloseGraph(f *fcb.FCB, rp *pkt.Packet, now uint16) []Action {
	tok := f.Common.Lock()
	state := tok.State()
	switch {
	case rp.TCP.FIN && state == fcb.Open:
		tok.SetState(fcb.BeingClosedGraceful1)
		f.FinSeen = true
	case rp.TCP.FIN && state == fcb.BeingClosedGraceful1:
		tok.SetState(fcb.BeingClosedGraceful2)
		f.FinSeen = true
	case rp.TCP.ACK && state == fcb.BeingClosedGraceful2:
		tok.SetState(fcb.Closed)
	case rp.TCP.FIN && state == fcb.BeingClosedArtificially1:
		tok.SetState(fcb.BeingClosedArtificially2)
		f.FinSeen = true
	}
	if rp.TCP.ACK {
		tok.SetLastAckReceived(f.Dir, rp.Ack())
	}
	newState := tok.State()
	tok.Unlock()

	if newState == fcb.Closed {
		m.tryRelease(f, now)
	}
	return []Action{{Kind: Forward, Packet: rp}}
}

func (m *Machine) handOffToGuard(f *fcb.FCB, p *pkt.Packet) []Action {
	tok := f.Common.Lock()
	oppAck := tok.LastAckReceived(f.Dir.Opposite())
	sender := tok.Maintainer(f.Dir)
	tok.Unlock()

	mapped := sender.MapSeq(p.Seq())
	verdict := f.Guard.Retransmit(mapped, oppAck, m.cfg.ReAckOnBehalf)
	switch verdict.Kind {
	case retransguard.Replay:
		return []Action{{Kind: Forward, Packet: verdict.Replay}}
	case retransguard.Suppressed:
		return nil
	case retransguard.ReAck, retransguard.AlreadyAcked, retransguard.BufferMiss:
		tok = f.Common.Lock()
		seqValue := tok.Maintainer(f.Dir.Opposite()).LastSeqSent
		tok.Maintainer(f.Dir.Opposite()).LastAckSent = verdict.ReAckTo
		tok.Unlock()
		action := Action{Kind: Inject, Packet: m.craftAck(f, f.Dir.Opposite(), seqValue, verdict.ReAckTo)}
		if verdict.Kind == retransguard.BufferMiss {
			action.Err = mberr.New(mberr.BufferMiss, f.Key, nil)
		}
		return []Action{action}
	}
	return nil
}

// tryRelease frees f's resources back to their pools if nothing still
// depends on them: a CLOSED flow with buffered out-of-order packets or an
// undrained Retransmission Guard keeps its table slot until those drain,
// per spec §5.
func (m *Machine) tryRelease(f *fcb.FCB, now uint16) {
	if f.PendingRelease() || f.Guard.Len() > 0 {
		return
	}
	m.primary.Delete(f.Key, now)
	m.releaseFCBNow(f)
}

// releaseFCBNow returns f to its pool, and its TCPCommon to the common pool
// too if f's release dropped use_count to zero. Callers are responsible for
// removing f's entry from the primary table first (spec §8 invariant 6:
// use_count tracks FCBs plus reverse-index entries, not table membership).
func (m *Machine) releaseFCBNow(f *fcb.FCB) {
	common := f.Common
	reachedZero := f.Unbind()
	m.fcbPool.Put(f)
	if reachedZero {
		m.commonPool.Put(common)
	}
}

func (m *Machine) expiryFor(now uint16) uint16 {
	return now + m.cfg.ExpiryTicks
}

func (m *Machine) dropViolation(t tuple.Tuple, p *pkt.Packet) []Action {
	return []Action{{Kind: Drop, Packet: p, Err: mberr.New(mberr.ProtocolViolation, t, nil)}}
}

func (m *Machine) dropExhausted(t tuple.Tuple, p *pkt.Packet) []Action {
	return []Action{{Kind: Drop, Packet: p, Err: mberr.New(mberr.ResourceExhausted, t, nil)}}
}

// DumpFlowTable writes a CSV snapshot of the primary table's live entries,
// for the offline diagnostics use named in spec §6 ("flow-table occupancy
// for offline diagnostics").
func (m *Machine) DumpFlowTable(now uint16, w io.Writer) error {
	return fcb.DumpCSV(m.primary, now, w)
}

// GC sweeps up to maxBuckets buckets of the primary table looking for
// CLOSED flows whose Retransmission Guard and out-of-order list have since
// drained, releasing them immediately rather than waiting for their table
// slot to expire naturally. cursor should be reused across calls to make
// the sweep amortized (spec §4.1's Iterate contract).
func (m *Machine) GC(cursor *fcb.Cursor, now uint16, maxBuckets int) int {
	released := 0
	for _, entry := range m.primary.Iterate(cursor, now, maxBuckets) {
		f := entry.Value
		tok := f.Common.Lock()
		state := tok.State()
		tok.Unlock()
		if state != fcb.Closed {
			continue
		}
		if f.PendingRelease() || f.Guard.Len() > 0 {
			continue
		}
		m.primary.Delete(entry.Key, now)
		m.releaseFCBNow(f)
		released++
	}
	return released
}
