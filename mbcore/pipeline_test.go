package mbcore

import (
	"net"
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
	"gotest.tools/v3/assert"

	"github.com/quietflow/mbcore/fcb"
	"github.com/quietflow/mbcore/pkt"
	"github.com/quietflow/mbcore/tcpstate"
	"github.com/quietflow/mbcore/tuple"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(l)
}

func testPipeline(t *testing.T) *Pipeline {
	t.Helper()
	tick := uint16(0)
	return New(Config{
		Config: tcpstate.Config{
			TableBuckets:       16,
			CommonPoolCapacity: 8,
			FCBPoolCapacity:    16,
			ExpiryTicks:        1000,
			Clock:              func() uint16 { return tick },
		},
		GCBucketsPerSweep: 16,
	}, testLogger(), nil)
}

func seg(src, dst string, srcPort, dstPort uint16, seq, ack uint32, syn, ackFlag, fin, rst bool, payload []byte) (tuple.Tuple, *pkt.Packet) {
	ip := layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
		Protocol: layers.IPProtocolTCP,
	}
	tcp := layers.TCP{
		SrcPort:    layers.TCPPort(srcPort),
		DstPort:    layers.TCPPort(dstPort),
		DataOffset: 5,
		Seq:        seq,
		Ack:        ack,
		SYN:        syn,
		ACK:        ackFlag,
		FIN:        fin,
		RST:        rst,
	}
	p := pkt.New(ip, tcp, payload)
	return tuple.New(ip, tcp), p
}

func handshake(t *testing.T, pl *Pipeline) (tuple.Tuple, tuple.Tuple) {
	t.Helper()
	cTuple, synPkt := seg("10.0.0.1", "10.0.0.2", 40000, 80, 1000, 0, true, false, false, false, nil)
	pl.Process(cTuple, synPkt)
	sTuple, synAckPkt := seg("10.0.0.2", "10.0.0.1", 80, 40000, 5000, 1001, true, true, false, false, nil)
	pl.Process(sTuple, synAckPkt)
	_, finalAckPkt := seg("10.0.0.1", "10.0.0.2", 40000, 80, 1001, 5001, false, true, false, false, nil)
	pl.Process(cTuple, finalAckPkt)
	return cTuple, sTuple
}

// TestRemoveBytesRewritesSubsequentSeqAndAck replicates spec §8 scenario
// S4: a downstream filter removes 10 bytes from a 100-byte segment before
// egress; later segments and acks are rewritten to account for the shift.
func TestRemoveBytesRewritesSubsequentSeqAndAck(t *testing.T) {
	pl := testPipeline(t)
	cTuple, sTuple := handshake(t, pl)

	payload := make([]byte, 100)
	_, p1 := seg("10.0.0.1", "10.0.0.2", 40000, 80, 1001, 5001, false, true, false, false, payload)
	actions := pl.Process(cTuple, p1)
	assert.Equal(t, 1, len(actions))
	assert.Equal(t, tcpstate.Forward, actions[0].Kind)

	fwd := actions[0].Packet
	assert.NilError(t, RemoveBytes(fwd, 50, 10))
	assert.Equal(t, 90, fwd.PayloadLen())

	assert.NilError(t, pl.Egress(cTuple, 0, fwd))
	assert.Equal(t, uint32(1001), fwd.Seq())

	// A later dir-A segment starting at 1200 egresses at 1190.
	_, p2 := seg("10.0.0.1", "10.0.0.2", 40000, 80, 1200, 5001, false, true, false, false, nil)
	assert.NilError(t, pl.Egress(cTuple, 0, p2))
	assert.Equal(t, uint32(1190), p2.Seq())

	// dir-B's ack=1101 (one past the original 100-byte segment) rewrites
	// back to 1091 for dir-A.
	_, ackPkt := seg("10.0.0.2", "10.0.0.1", 80, 40000, 5001, 1101, false, true, false, false, nil)
	assert.NilError(t, pl.Egress(sTuple, 0, ackPkt))
	assert.Equal(t, uint32(1091), ackPkt.Ack())
}

// TestSocketReuseOnTimeWaitPeerReinitializesInPlace replicates spec §8
// scenario S5: dir-A's side of a connection closes while dir-B still holds
// the shared common; a fresh SYN on the same tuple reinitializes in place
// rather than allocating a second TCPCommon.
func TestSocketReuseOnTimeWaitPeerReinitializesInPlace(t *testing.T) {
	pl := testPipeline(t)
	cTuple, _ := handshake(t, pl)

	f, ok := pl.lookup(cTuple, 0)
	assert.Assert(t, ok)
	tok := f.Common.Lock()
	useCountBefore := tok.UseCount()
	tok.Unlock()
	assert.Equal(t, 2, useCountBefore)

	// Force dir-A's side CLOSED without releasing the FCB (dir-B still
	// holds its own FCB on this common, matching the S5 precondition).
	tok = f.Common.Lock()
	tok.SetState(fcb.Closed)
	tok.Unlock()

	_, synPkt := seg("10.0.0.1", "10.0.0.2", 40000, 80, 7000, 0, true, false, false, false, nil)
	actions := pl.Process(cTuple, synPkt)
	assert.Equal(t, 1, len(actions))
	assert.Equal(t, tcpstate.Forward, actions[0].Kind)

	f2, ok := pl.lookup(cTuple, 0)
	assert.Assert(t, ok)
	// expected_seq lands one past the SYN's own sequence number, the same
	// convention S1 uses (a SYN consumes one sequence number).
	assert.Equal(t, uint32(7001), f2.ExpectedSeq)
	tok = f2.Common.Lock()
	uc := tok.UseCount()
	tok.Unlock()
	assert.Equal(t, 2, uc)
}

// TestFinFinAckGracefulClose replicates spec §8 scenario S6.
func TestFinFinAckGracefulClose(t *testing.T) {
	pl := testPipeline(t)
	cTuple, sTuple := handshake(t, pl)

	_, finA := seg("10.0.0.1", "10.0.0.2", 40000, 80, 1001, 5001, false, true, true, false, nil)
	actions := pl.Process(cTuple, finA)
	assert.Equal(t, 1, len(actions))
	assert.Equal(t, tcpstate.Forward, actions[0].Kind)

	_, finAckB := seg("10.0.0.2", "10.0.0.1", 80, 40000, 5001, 1002, false, true, true, false, nil)
	actions = pl.Process(sTuple, finAckB)
	assert.Equal(t, 1, len(actions))

	_, ackA := seg("10.0.0.1", "10.0.0.2", 40000, 80, 1002, 5002, false, true, false, false, nil)
	actions = pl.Process(cTuple, ackA)
	assert.Equal(t, 1, len(actions))

	// The final ACK's own FCB (dir-A) is released immediately once its
	// state transition reaches CLOSED; the peer FCB (dir-B) shares the
	// same TCPCommon state but only has its own table slot reclaimed on
	// the next GC sweep, since nothing drove its own close-graph
	// transition to CLOSED directly.
	released := pl.GC(0)
	assert.Equal(t, 1, released)

	_, ok := pl.lookup(cTuple, 0)
	assert.Assert(t, !ok)
	_, ok = pl.lookup(sTuple, 0)
	assert.Assert(t, !ok)
}
