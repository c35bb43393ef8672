/*
 *    dump.go - offline CSV export of a live flow table snapshot, for
 *    diagnostics outside the packet path.
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

import (
	"io"

	"github.com/gocarina/gocsv"
)

// FCBRow is one line of a flow-table CSV snapshot: key, direction, state,
// expected_seq, last_sent and use_count for one live FCB (no expiry
// column), the same shape m-lab-tcp-info/cmd/csvtool
// dumps per-connection records in.
type FCBRow struct {
	Flow     string `csv:"flow"`
	Dir      string `csv:"dir"`
	State    string `csv:"state"`
	Expected uint32 `csv:"expected_seq"`
	LastSent uint32 `csv:"last_sent"`
	UseCount int    `csv:"use_count"`
}

// DumpCSV writes a snapshot of every live entry in an FCB table (key,
// direction, shared connection state, expected_seq, last_sent, use_count)
// to w as CSV, for offline analysis. now is the current expiration tick,
// used only to skip entries that have already expired but not yet been
// swept.
func DumpCSV(t *Table[*FCB], now uint16, w io.Writer) error {
	var rows []FCBRow
	cursor := &Cursor{}
	for {
		entries := t.Iterate(cursor, now, t.BucketCount())
		for _, e := range entries {
			f := e.Value
			rows = append(rows, fcbRow(f))
		}
		if cursor.bucketIdx == 0 {
			break
		}
	}
	return gocsv.Marshal(rows, w)
}

func fcbRow(f *FCB) FCBRow {
	dirName := "INITIATOR"
	if f.Dir == Responder {
		dirName = "RESPONDER"
	}
	tok := f.Common.Lock()
	state := tok.State()
	uc := tok.UseCount()
	tok.Unlock()
	return FCBRow{
		Flow:     f.Key.String(),
		Dir:      dirName,
		State:    state.String(),
		Expected: f.ExpectedSeq,
		LastSent: f.LastSent,
		UseCount: uc,
	}
}
