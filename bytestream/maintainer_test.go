package bytestream

import (
	"testing"

	"github.com/go-test/deep"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(l)
}

func TestMapSeqIdentityBeforeAnyEdit(t *testing.T) {
	m := New(testLogger(), 1000)
	if got := m.MapSeq(1234); got != 1234 {
		t.Fatalf("MapSeq with no edits = %d, want 1234", got)
	}
	if got := m.MapAck(1234); got != 1234 {
		t.Fatalf("MapAck with no edits = %d, want 1234", got)
	}
}

func TestCommitAppliesDeltaAtAndAfter(t *testing.T) {
	m := New(testLogger(), 1000)
	ml := NewModificationList(1050)
	ml.Add(50, -10) // remove_bytes(pkt, 50, 10)
	if err := m.Commit(ml); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// S4 from spec §8: removal of 10 bytes at seq 1050 within a 100-byte
	// packet starting at 1001. A later segment at seq=1200 maps to 1190.
	if got := m.MapSeq(1200); got != 1190 {
		t.Fatalf("MapSeq(1200) = %d, want 1190", got)
	}
	// A byte strictly before the edit point is unaffected.
	if got := m.MapSeq(1049); got != 1049 {
		t.Fatalf("MapSeq(1049) = %d, want 1049", got)
	}
	// MapAck: ack=1101 (one past the original 100-byte packet) should
	// translate back to 1091 for the original sender.
	if got := m.MapAck(1101); got != 1091 {
		t.Fatalf("MapAck(1101) = %d, want 1091", got)
	}
	// An ack exactly at the edit point does not see the edit (edits at
	// exactly a do not apply to map_ack(a)).
	if got := m.MapAck(1050); got != 1050 {
		t.Fatalf("MapAck(1050) = %d, want 1050", got)
	}
}

func TestCommitOutOfOrderRejected(t *testing.T) {
	m := New(testLogger(), 1000)
	first := NewModificationList(2000)
	first.Add(0, -5)
	if err := m.Commit(first); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	second := NewModificationList(1500)
	second.Add(0, -5)
	if err := m.Commit(second); err == nil {
		t.Fatalf("expected ErrOutOfOrder committing lower seq after higher")
	}
}

func TestCombiningEditsAtSameSeq(t *testing.T) {
	m := New(testLogger(), 1000)
	ml := NewModificationList(1050)
	ml.Add(10, 20)  // insert_bytes
	ml.Add(10, -20) // trimmed right back: net zero
	if err := m.Commit(ml); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if got := m.MapSeq(2000); got != 2000 {
		t.Fatalf("zero-sum edit should be a no-op, MapSeq(2000) = %d", got)
	}
	if m.PendingEdits() != 0 {
		t.Fatalf("zero-sum edit must not be recorded, got %d pending edits", m.PendingEdits())
	}
}

func TestPrunePreservesMappingAtAndAfterBoundary(t *testing.T) {
	m := New(testLogger(), 1000)
	for _, seq := range []uint32{1010, 1020, 1030} {
		ml := NewModificationList(seq)
		ml.Add(0, -1)
		if err := m.Commit(ml); err != nil {
			t.Fatalf("Commit(%d): %v", seq, err)
		}
	}
	before := map[uint32]uint32{
		1030: m.MapSeq(1030),
		1040: m.MapSeq(1040),
	}
	m.Prune(1025) // collapses edits at 1010 and 1020, not 1030
	after := map[uint32]uint32{
		1030: m.MapSeq(1030),
		1040: m.MapSeq(1040),
	}
	if diff := deep.Equal(before, after); diff != nil {
		t.Fatalf("Prune changed mapping for s >= ack: %v", diff)
	}
	if m.PendingEdits() != 1 {
		t.Fatalf("expected exactly the 1030 edit to remain pending, got %d", m.PendingEdits())
	}
}

func TestCongestionPacingFastRetransmitAtThreeDupAcks(t *testing.T) {
	m := New(testLogger(), 1000)
	if m.OnDuplicateAck() {
		t.Fatal("fast retransmit fired on first dup ack")
	}
	if m.OnDuplicateAck() {
		t.Fatal("fast retransmit fired on second dup ack")
	}
	if !m.OnDuplicateAck() {
		t.Fatal("fast retransmit did not fire on third dup ack")
	}
}
