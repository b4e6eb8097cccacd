package docdb

import (
	"context"
)

// runAllDocs queries the document store itself, keyed by document ID in
// byte order.
func (q *Query) runAllDocs(ctx context.Context) (*QueryEnumerator, error) {
	e := &QueryEnumerator{db: q.db}
	err := q.db.read(func(tx *Tx) error {
		e.seq = tx.lastSeq()
		sink := q.newSink()

		if q.Keys != nil {
			for _, key := range q.Keys {
				docID, ok := key.(string)
				if !ok {
					return newErr(StatusBadRequest, "all_docs", "", "", nil, "document ID keys must be strings, got %T", key)
				}
				t, err := tx.loadTree(docID)
				if err != nil {
					return err
				}
				var row *QueryRow
				if t == nil || len(t.Nodes) == 0 {
					row = &QueryRow{db: q.db, Key: docID, Err: "not_found"}
				} else if row, err = q.allDocsRow(tx, docID, t, true); err != nil {
					return err
				}
				if row == nil {
					continue
				}
				if !sink.add(row) {
					break
				}
			}
			e.rows = sink.rows
			return nil
		}

		rang, err := q.allDocsRange()
		if err != nil {
			return err
		}
		var n int
		for c := rang.newCursor(tx.bucket(bucketDocs).Cursor(), tx.logger()); c.Next(); {
			if n++; n%256 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			t, err := decodeRevTree(c.Value())
			if err != nil {
				return err
			}
			if len(t.Nodes) == 0 {
				continue
			}
			row, err := q.allDocsRow(tx, string(c.Key()), t, false)
			if err != nil {
				return err
			}
			if row != nil && !sink.add(row) {
				break
			}
		}
		e.rows = sink.rows
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (q *Query) allDocsRange() (keyRange, error) {
	low, lowIncl := q.StartKey, q.InclusiveStart
	high, highIncl := q.EndKey, q.InclusiveEnd
	if q.Descending {
		low, high = high, low
		lowIncl, highIncl = highIncl, lowIncl
	}
	rang := keyRange{Reverse: q.Descending}
	if low != nil {
		s, ok := low.(string)
		if !ok {
			return rang, newErr(StatusBadRequest, "all_docs", "", "", nil, "document ID keys must be strings, got %T", low)
		}
		rang.Lower = []byte(s)
		if !lowIncl {
			rang.Lower = append(rang.Lower, 0)
		}
	}
	if high != nil {
		s, ok := high.(string)
		if !ok {
			return rang, newErr(StatusBadRequest, "all_docs", "", "", nil, "document ID keys must be strings, got %T", high)
		}
		switch {
		case q.PrefixMatchLevel > 0:
			rang.Upper = successor([]byte(s))
		case highIncl:
			rang.Upper = append([]byte(s), 0)
		default:
			rang.Upper = []byte(s)
		}
	}
	return rang, nil
}

// allDocsRow returns nil for documents the query's mode excludes. Explicitly
// requested documents are returned even when deleted.
func (q *Query) allDocsRow(tx *Tx, docID string, t *revTree, requested bool) (*QueryRow, error) {
	w := t.winner()
	deleted := t.isDeleted()
	switch q.AllDocsMode {
	case AllDocs, ShowConflicts:
		if deleted && !requested {
			return nil, nil
		}
	case OnlyConflicts:
		if t.liveLeafCount() < 2 {
			return nil, nil
		}
	}

	n := &t.Nodes[w]
	value := map[string]any{"rev": n.RevID}
	if deleted {
		value["deleted"] = true
	}
	row := &QueryRow{
		db:               q.db,
		Key:              docID,
		Value:            value,
		SourceDocumentID: docID,
		SequenceNumber:   n.Seq,
	}
	if q.AllDocsMode == ShowConflicts || q.AllDocsMode == OnlyConflicts {
		if conflicts := t.conflicts(); len(conflicts) > 1 {
			row.Conflicts = t.revIDs(conflicts)
		}
	}
	if q.Prefetch && !deleted {
		body, err := tx.loadBody(n.Seq)
		if err != nil {
			return nil, err
		}
		rev := tx.revisionFromNode(docID, t, w, body, true)
		row.DocumentProperties, err = rev.LoadProperties()
		if err != nil {
			return nil, err
		}
		row.DocumentRevisionID = n.RevID
	}
	return row, nil
}
