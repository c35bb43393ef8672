package fcb

import (
	"strings"
	"testing"
)

func TestDumpCSVIncludesBoundFCBs(t *testing.T) {
	tb := NewTable[*FCB](8, 1000)
	common := &TCPCommon{log: testLogger()}
	common.reset()

	key := testTuple(20, 21)
	f := &FCB{}
	f.Bind(common, Initiator, 3000)
	f.Key = key
	f.ExpectedSeq = 3001

	if err := tb.Insert(key, f, 500, 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	var buf strings.Builder
	if err := DumpCSV(tb, 0, &buf); err != nil {
		t.Fatalf("DumpCSV: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "expected_seq") {
		t.Fatalf("CSV missing header, got: %q", out)
	}
	if !strings.Contains(out, "3001") {
		t.Fatalf("CSV missing expected_seq value, got: %q", out)
	}
	if !strings.Contains(out, "INITIATOR") {
		t.Fatalf("CSV missing direction, got: %q", out)
	}
}
