package docdb

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/andreyvit/docdb/collate"
)

// Row keys in a view's rows bucket:
//
//	collate key ‖ escaped docID ‖ uint32 BE emit ordinal
//
// so rows sort by key, then by document, then by emit order. The row value
// keeps the original key and value since Unicode collation keys cannot be
// decoded.
type viewRow struct {
	Key   any    `msgpack:"k"`
	Value any    `msgpack:"v"`
	DocID string `msgpack:"d"`
	Seq   uint64 `msgpack:"s"`
}

const ordinalLen = 4

func appendRowKey(buf []byte, mode collate.Mode, key any, docID string, ordinal int) ([]byte, error) {
	buf, err := collate.AppendKey(buf, mode, key)
	if err != nil {
		return nil, err
	}
	buf = collate.AppendEscaped(buf, []byte(docID))
	return binary.BigEndian.AppendUint32(buf, uint32(ordinal)), nil
}

type mappedRow struct {
	rawKey []byte
	row    viewRow
}

type mappedRows []mappedRow

func (r mappedRows) Len() int           { return len(r) }
func (r mappedRows) Less(i, j int) bool { return bytes.Compare(r[i].rawKey, r[j].rawKey) < 0 }
func (r mappedRows) Swap(i, j int)      { r[i], r[j] = r[j], r[i] }

// UpdateIndex brings the view up to date with the database. Concurrent calls
// share one run. Documents whose map call fails keep their previous rows and
// are reported in an *IndexError; the view's watermark stops just before the
// first of them so that the next update retries it.
func (v *View) UpdateIndex(ctx context.Context) error {
	if v.MapFunc() == nil {
		return newErr(StatusNotFound, "update_index", "", "", nil, "view %s has no map function", v.def.name)
	}
	_, err, _ := v.def.updates.Do("update", func() (any, error) {
		return nil, v.updateIndex(ctx)
	})
	return err
}

// updateIndexAsync starts an update unless one is already running.
func (v *View) updateIndexAsync() {
	v.db.core.background.Add(1)
	go func() {
		defer v.db.core.background.Done()
		err := v.UpdateIndex(context.Background())
		if err != nil && !errors.Is(err, ErrClosed) {
			v.db.core.logger.Warn("db: background index update failed", zap.String("view", v.def.name), zap.Error(err))
		}
	}()
}

func (v *View) updateIndex(ctx context.Context) error {
	if st := v.loadState(); st != nil && st.LastSeq >= v.db.LastSequenceNumber() {
		return nil
	}

	mapFn, _, version, mode := v.def.funcs()
	var indexErr *IndexError
	err := v.db.update("update_index", func(tx *Tx) error {
		st, err := tx.loadViewState(v.def.name)
		if err != nil {
			return err
		}
		if st == nil || st.Version != version || st.Collation != mode {
			if st != nil {
				tx.resetViewIndex(v.def.name)
			}
			st = &viewState{Version: version, Collation: mode}
		}
		lastSeq := tx.lastSeq()
		if st.LastSeq >= lastSeq {
			return nil
		}

		ix := &indexer{tx: tx, view: v, st: st, mapFn: mapFn, mode: mode}
		if err := ix.run(ctx, lastSeq); err != nil {
			return err
		}
		tx.saveViewState(v.def.name, st)
		if len(ix.failures) > 0 {
			indexErr = &IndexError{View: v.def.name, Failures: ix.failures}
		}
		if tx.verbose() {
			tx.logf("db: INDEX %s => seq=%d rows=%d mapped=%d failed=%d", v.def.name, st.LastSeq, st.TotalRows, ix.mapped, len(ix.failures))
		}
		return nil
	})
	if err != nil {
		return err
	}
	v.db.core.metrics.indexUpdates.Inc()
	if indexErr != nil {
		return indexErr
	}
	return nil
}

type indexer struct {
	tx    *Tx
	view  *View
	st    *viewState
	mapFn MapFunc
	mode  collate.Mode

	rows     storageBucket
	rowKeys  storageBucket
	mapped   int
	failures []IndexFailure
}

func (ix *indexer) run(ctx context.Context, lastSeq uint64) error {
	tx := ix.tx
	name := ix.view.def.name
	ix.rows = tx.subBucket(bucketRows, name)
	ix.rowKeys = tx.subBucket(bucketRowKeys, name)

	// latest sequence per changed document, in order of first appearance
	var docIDs []string
	latest := make(map[string]uint64)
	rang := keyRange{Lower: seqKey(ix.st.LastSeq + 1)}
	for c := rang.newCursor(tx.bucket(bucketSeqs).Cursor(), tx.logger()); c.Next(); {
		rec, err := decodeChangeRecord(c.Value())
		if err != nil {
			return err
		}
		if _, seen := latest[rec.DocID]; !seen {
			docIDs = append(docIDs, rec.DocID)
		}
		latest[rec.DocID] = decodeSeqKey(c.Key())
	}

	watermark := lastSeq
	for i, docID := range docIDs {
		if i%64 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		err := ix.reindexDoc(docID)
		if err != nil {
			var de *DataError
			if errors.As(err, &de) {
				return err
			}
			seq := latest[docID]
			ix.failures = append(ix.failures, IndexFailure{DocID: docID, Sequence: seq, Err: err})
			if seq-1 < watermark {
				watermark = seq - 1
			}
			tx.logger().Warn("db: cannot index document", zap.String("view", name), zap.String("doc", docID), zap.Error(err))
		}
	}
	if watermark > ix.st.LastSeq {
		ix.st.LastSeq = watermark
	}
	return nil
}

// reindexDoc replaces the document's rows with those emitted by its current
// revision. On error nothing is changed.
func (ix *indexer) reindexDoc(docID string) error {
	tx := ix.tx
	t, err := tx.loadTree(docID)
	if err != nil {
		return err
	}

	var rows mappedRows
	if t != nil && len(t.Nodes) > 0 && !isDesignDocID(docID) {
		w := t.winner()
		n := &t.Nodes[w]
		if !n.Deleted && n.HasBody {
			body, err := tx.loadBody(n.Seq)
			if err != nil {
				return err
			}
			props := deepCopyMap(body)
			if props == nil {
				props = make(map[string]any)
			}
			props["_id"] = docID
			props["_rev"] = n.RevID
			props["_local_seq"] = float64(n.Seq)
			if conflicts := t.conflicts(); len(conflicts) > 1 {
				props["_conflicts"] = toAnySlice(t.revIDs(conflicts[1:]))
			}
			rows, err = ix.mapDoc(docID, n.Seq, props)
			if err != nil {
				return err
			}
		}
	}
	ix.replaceRows(docID, rows)
	return nil
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func (ix *indexer) mapDoc(docID string, seq uint64, props map[string]any) (rows mappedRows, err error) {
	var emitErr error
	emit := func(key, value any) {
		if emitErr != nil {
			return
		}
		k, err := normalizeValue(key)
		if err != nil {
			emitErr = fmt.Errorf("emitted key: %w", err)
			return
		}
		val, err := normalizeValue(value)
		if err != nil {
			emitErr = fmt.Errorf("emitted value: %w", err)
			return
		}
		raw, err := appendRowKey(ix.tx.keyBuf(), ix.mode, k, docID, len(rows))
		if err != nil {
			emitErr = fmt.Errorf("emitted key: %w", err)
			return
		}
		rows = append(rows, mappedRow{ix.tx.retainKey(raw), viewRow{Key: k, Value: val, DocID: docID, Seq: seq}})
	}

	defer func() {
		if p := recover(); p != nil {
			rows, err = nil, newErr(StatusCallbackError, "map", docID, "", nil, "map function of view %s panicked: %v", ix.view.def.name, p)
		}
	}()
	ix.view.def.mapInvocations.Add(1)
	ix.tx.db.core.metrics.mapInvocations.Inc()
	ix.mapped++
	ix.mapFn(props, emit)
	if emitErr != nil {
		return nil, newErr(StatusCallbackError, "map", docID, "", emitErr, "view %s", ix.view.def.name)
	}
	sort.Sort(rows)
	return rows, nil
}

func (ix *indexer) replaceRows(docID string, rows mappedRows) {
	tx := ix.tx
	idKey := []byte(docID)
	old := ix.rowKeys.Get(idKey)

	newKeys := make([][]byte, len(rows))
	for i, r := range rows {
		newKeys[i] = r.rawKey
	}
	var removed int
	if old != nil {
		// collect first: deleting while decoding would invalidate old
		var dead [][]byte
		ensure(findRemovedRowKeys(old, newKeys, func(key []byte) {
			dead = append(dead, bytes.Clone(key))
		}))
		for _, k := range dead {
			ensure(ix.rows.Delete(k))
		}
		removed = len(dead)
	}

	var added int
	for _, r := range rows {
		if ix.rows.Get(r.rawKey) == nil {
			added++
		}
		ensure(ix.rows.Put(r.rawKey, must(msgpack.Marshal(&r.row))))
	}
	if len(rows) > 0 {
		ensure(ix.rowKeys.Put(idKey, appendRowKeys(nil, newKeys)))
	} else if old != nil {
		ensure(ix.rowKeys.Delete(idKey))
	}
	ix.st.TotalRows += int64(added - removed)
	tx.markWritten()
}

// removeDocFromViews deletes a purged document's rows from every view.
func (tx *Tx) removeDocFromViews(docID string) {
	for _, name := range tx.viewNames() {
		rowKeys := tx.stx.Bucket(bucketRowKeys, name)
		if rowKeys == nil {
			continue
		}
		old := rowKeys.Get([]byte(docID))
		if old == nil {
			continue
		}
		rows := tx.subBucket(bucketRows, name)
		var dead [][]byte
		ensure(decodeRowKeys(old, func(key []byte) {
			dead = append(dead, bytes.Clone(key))
		}))
		for _, k := range dead {
			ensure(rows.Delete(k))
		}
		ensure(rowKeys.Delete([]byte(docID)))

		st, err := tx.loadViewState(name)
		if err != nil {
			panic(err)
		}
		if st != nil {
			st.TotalRows -= int64(len(dead))
			tx.saveViewState(name, st)
		}
	}
}
