package docdb

import (
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

type DumpFlags uint64

const (
	DumpHeaders = DumpFlags(1 << iota)
	DumpStats
	DumpDocs
	DumpRevisions
	DumpBodies
	DumpChanges
	DumpLocal
	DumpViews
	DumpViewRows

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)

	indentStep = "  "
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders the raw contents of the database for debugging.
func (db *Database) Dump(f DumpFlags) (string, error) {
	var out string
	err := db.read(func(tx *Tx) error {
		out = tx.Dump(f)
		return nil
	})
	return out, err
}

func (tx *Tx) Dump(f DumpFlags) string {
	var buf strings.Builder
	m := tx.loadMeta()
	if f.Contains(DumpHeaders) {
		fmt.Fprintln(&buf, dumpSep1)
		fmt.Fprintf(&buf, "%s (uuid %s, seq %d, %d docs)\n", tx.db.Name(), m.UUID, m.LastSeq, m.DocCount)
	}
	if f.Contains(DumpDocs) {
		tx.dumpDocs(&buf, f)
	}
	if f.Contains(DumpChanges) {
		tx.dumpChanges(&buf)
	}
	if f.Contains(DumpLocal) {
		tx.dumpLocal(&buf)
	}
	if f.Contains(DumpViews) {
		for _, name := range tx.viewNames() {
			tx.dumpView(&buf, f, name)
		}
	}
	return buf.String()
}

func (tx *Tx) dumpStats(w *strings.Builder, prefix string, b storageBucket) {
	s := b.Stats()
	fmt.Fprintf(w, "%s.stats: keys = %d, size = %d, alloc = %d\n", prefix, s.KeyN, s.LeafInuse, s.TotalAlloc())
}

func (tx *Tx) dumpDocs(w *strings.Builder, f DumpFlags) {
	b := tx.bucket(bucketDocs)
	if f.Contains(DumpHeaders) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintln(w, "docs")
	}
	if f.Contains(DumpStats) {
		tx.dumpStats(w, "docs", b)
	}
	c := b.Cursor()
	var pos int
	for k, v := c.First(); k != nil; k, v = c.Next() {
		pos++
		t, err := decodeRevTree(v)
		if err != nil {
			fmt.Fprintf(w, "docs.%d %q ** ERROR: %v\n", pos, k, err)
			continue
		}
		w1 := t.winner()
		var cur string
		if w1 >= 0 {
			cur = t.Nodes[w1].RevID
		}
		fmt.Fprintf(w, "docs.%d %q current=%s deleted=%v leaves=%d\n", pos, k, cur, t.isDeleted(), len(t.leaves()))
		if !f.Contains(DumpRevisions) {
			continue
		}
		for i, n := range t.Nodes {
			var parent string
			if n.Parent >= 0 {
				parent = t.Nodes[n.Parent].RevID
			}
			flags := ""
			if n.Deleted {
				flags += " deleted"
			}
			if n.isStub() {
				flags += " stub"
			} else if !n.HasBody {
				flags += " compacted"
			}
			if t.isLeaf(i) {
				flags += " leaf"
			}
			fmt.Fprintf(w, "%s%s seq=%d parent=%s%s\n", indentStep, n.RevID, n.Seq, parent, flags)
			if f.Contains(DumpBodies) && n.HasBody {
				body, err := tx.loadBody(n.Seq)
				if err != nil {
					fmt.Fprintf(w, "%s%s** ERROR: %v\n", indentStep, indentStep, err)
				} else {
					fmt.Fprintf(w, "%s%s%s\n", indentStep, indentStep, loggableBody(body))
				}
			}
		}
	}
}

func (tx *Tx) dumpChanges(w *strings.Builder) {
	fmt.Fprintln(w, dumpSep2)
	fmt.Fprintln(w, "seqs")
	c := tx.bucket(bucketSeqs).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		rec, err := decodeChangeRecord(v)
		if err != nil {
			fmt.Fprintf(w, "seqs.%x ** ERROR: %v\n", k, err)
			continue
		}
		fmt.Fprintf(w, "seqs.%d: %s@%s deleted=%v\n", decodeSeqKey(k), rec.DocID, rec.RevID, rec.Deleted)
	}
}

func (tx *Tx) dumpLocal(w *strings.Builder) {
	fmt.Fprintln(w, dumpSep2)
	fmt.Fprintln(w, "local")
	c := tx.bucket(bucketLocal).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var ld localDoc
		if err := msgpack.Unmarshal(v, &ld); err != nil {
			fmt.Fprintf(w, "local.%q ** ERROR: %v\n", k, err)
			continue
		}
		fmt.Fprintf(w, "local.%q@%s = %s\n", k, ld.Rev, loggableBody(ld.Body))
	}
}

func (tx *Tx) dumpView(w *strings.Builder, f DumpFlags, name string) {
	fmt.Fprintln(w, dumpSep2)
	prefix := "view." + name
	st, err := tx.loadViewState(name)
	if err != nil {
		fmt.Fprintf(w, "%s ** ERROR: %v\n", prefix, err)
		return
	}
	if st == nil {
		fmt.Fprintf(w, "%s (no state)\n", prefix)
		return
	}
	fmt.Fprintf(w, "%s (version %q, %v, seq %d, %d rows)\n", prefix, st.Version, st.Collation, st.LastSeq, st.TotalRows)

	rows := tx.stx.Bucket(bucketRows, name)
	if rows == nil {
		return
	}
	if f.Contains(DumpStats) {
		tx.dumpStats(w, prefix, rows)
	}
	if !f.Contains(DumpViewRows) {
		return
	}
	c := rows.Cursor()
	var pos int
	for k, v := c.First(); k != nil; k, v = c.Next() {
		pos++
		var vr viewRow
		if err := msgpack.Unmarshal(v, &vr); err != nil {
			fmt.Fprintf(w, "%s.%d %s ** ERROR: %v\n", prefix, pos, hexstr(k), err)
			continue
		}
		fmt.Fprintf(w, "%s.%d: %s => %s (%s, seq %d)\n", prefix, pos, loggableBody(vr.Key), loggableBody(vr.Value), vr.DocID, vr.Seq)
	}
}

func loggableBody(v any) string {
	b, err := canonicalJSON(v)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return string(b)
}
