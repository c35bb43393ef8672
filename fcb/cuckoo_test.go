package fcb

import (
	"net"
	"testing"

	"github.com/google/gopacket/layers"

	"github.com/quietflow/mbcore/tuple"
)

func testTuple(srcPort, dstPort uint16) tuple.Tuple {
	ip := layers.IPv4{
		SrcIP: net.ParseIP("10.0.0.1").To4(),
		DstIP: net.ParseIP("10.0.0.2").To4(),
	}
	tcp := layers.TCP{SrcPort: layers.TCPPort(srcPort), DstPort: layers.TCPPort(dstPort)}
	return tuple.New(ip, tcp)
}

func TestTableInsertAndLookup(t *testing.T) {
	tb := NewTable[int](8, 1000)
	key := testTuple(1, 2)
	if err := tb.Insert(key, 42, 500, 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	v, res := tb.Lookup(key, 0)
	if res != Hit {
		t.Fatalf("Lookup result = %v, want Hit", res)
	}
	if v != 42 {
		t.Fatalf("Lookup value = %d, want 42", v)
	}
}

func TestTableLookupMissUnknownKey(t *testing.T) {
	tb := NewTable[int](8, 1000)
	_, res := tb.Lookup(testTuple(1, 2), 0)
	if res != Miss {
		t.Fatalf("Lookup result = %v, want Miss", res)
	}
}

func TestTableLookupExpired(t *testing.T) {
	tb := NewTable[int](8, 1000)
	key := testTuple(3, 4)
	if err := tb.Insert(key, 7, 100, 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	_, res := tb.Lookup(key, 200)
	if res != Expired && res != Miss {
		t.Fatalf("Lookup result past expiry = %v, want Expired or Miss", res)
	}
}

func TestTableDelete(t *testing.T) {
	tb := NewTable[int](8, 1000)
	key := testTuple(5, 6)
	if err := tb.Insert(key, 9, 500, 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if !tb.Delete(key, 0) {
		t.Fatalf("Delete returned false for a present key")
	}
	if _, res := tb.Lookup(key, 0); res != Miss {
		t.Fatalf("Lookup after Delete = %v, want Miss", res)
	}
}

func TestTableIterateVisitsInsertedEntries(t *testing.T) {
	tb := NewTable[int](8, 1000)
	keys := []tuple.Tuple{testTuple(10, 1), testTuple(11, 1), testTuple(12, 1)}
	for i, k := range keys {
		if err := tb.Insert(k, i, 500, 0); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}
	cursor := &Cursor{}
	seen := map[tuple.Tuple]bool{}
	for i := 0; i < tb.BucketCount(); i++ {
		for _, e := range tb.Iterate(cursor, 0, 1) {
			seen[e.Key] = true
		}
	}
	for _, k := range keys {
		if !seen[k] {
			t.Fatalf("Iterate never visited key %v", k)
		}
	}
}

// TestDisplaceDoesNotDropLiveEntriesAcrossWraparoundExpiry forces repeated
// cuckoo displacement in a table too small to hold every key directly, using
// an expiry value that looks already-expired to a stale now=0 probe
// (expired(expiry, 0) is true for any expiry above 32768) but is genuinely
// still live at the real now passed to Insert. Before displace threaded the
// caller's now through to its nested tryDirectInsert call, this shape would
// silently overwrite a live occupant of the alt bucket without recording it
// for rollback, violating the "live key set is unchanged by a displacement
// walk" invariant.
func TestDisplaceDoesNotDropLiveEntriesAcrossWraparoundExpiry(t *testing.T) {
	tb := NewTable[int](2, 65535)
	const now = uint16(39000)
	const expiry = uint16(40000)

	inserted := map[tuple.Tuple]int{}
	for i := 0; i < 64; i++ {
		key := testTuple(uint16(2000+i), uint16(3000+i))
		if err := tb.Insert(key, i, expiry, now); err == nil {
			inserted[key] = i
		}
	}
	if len(inserted) == 0 {
		t.Fatalf("expected at least some inserts into a deliberately undersized table to succeed")
	}

	seen := map[tuple.Tuple]int{}
	cursor := &Cursor{}
	for visited := 0; visited < tb.BucketCount(); visited++ {
		for _, e := range tb.Iterate(cursor, now, 1) {
			seen[e.Key] = e.Value
		}
	}

	for key, wantValue := range inserted {
		gotValue, ok := seen[key]
		if !ok {
			t.Fatalf("key inserted successfully (value %d) is missing from the table after displacement", wantValue)
		}
		if gotValue != wantValue {
			t.Fatalf("key %v value = %d, want %d (overwritten by a later displacement)", key, gotValue, wantValue)
		}
	}
}

func TestTableInsertManyEntriesWithinOneBucketCapacity(t *testing.T) {
	tb := NewTable[int](8, 1000)
	ok := 0
	for i := 0; i < SlotsPerBucket; i++ {
		if err := tb.Insert(testTuple(uint16(100+i), 1), i, 500, 0); err == nil {
			ok++
		}
	}
	if ok == 0 {
		t.Fatalf("expected at least one successful insert into a fresh table")
	}
}
