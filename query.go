package docdb

import (
	"context"
	"errors"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/andreyvit/docdb/collate"
)

// IndexUpdateMode controls whether a query reindexes its view first.
type IndexUpdateMode int

const (
	// IndexUpdateBefore updates the index synchronously before querying.
	IndexUpdateBefore IndexUpdateMode = iota
	// IndexUpdateNever queries the index as it is.
	IndexUpdateNever
	// IndexUpdateAfter queries the index as it is, then starts a background
	// update if the index was stale.
	IndexUpdateAfter
)

func (m IndexUpdateMode) String() string {
	switch m {
	case IndexUpdateBefore:
		return "before"
	case IndexUpdateNever:
		return "never"
	case IndexUpdateAfter:
		return "after"
	default:
		return "invalid"
	}
}

// AllDocsMode selects which documents an all-documents query returns.
type AllDocsMode int

const (
	AllDocs AllDocsMode = iota
	IncludeDeleted
	ShowConflicts
	OnlyConflicts
)

// Query describes a view or all-documents query. Create one with
// View.CreateQuery or Database.CreateAllDocumentsQuery, adjust the fields,
// then call Run. A nil StartKey or EndKey leaves that end open.
type Query struct {
	db   *Database
	view *View

	StartKey       any
	EndKey         any
	StartKeyDocID  string
	EndKeyDocID    string
	InclusiveStart bool
	InclusiveEnd   bool
	Descending     bool

	// Keys fetches rows with exactly these keys, in this order. Range
	// fields are ignored.
	Keys []any

	// Limit caps the number of rows; zero or negative means no limit.
	Limit int
	Skip  int

	// Prefetch fills DocumentProperties of every row.
	Prefetch bool

	MapOnly    bool
	Group      bool
	GroupLevel int

	IndexUpdateMode IndexUpdateMode
	AllDocsMode     AllDocsMode

	// PrefixMatchLevel extends the upper key bound to every key it is a
	// prefix of: strings by string prefix, arrays by leading elements. Levels
	// above 1 apply the match to the last element of an array key.
	PrefixMatchLevel int

	// PostFilter drops rows it returns false for, before Skip and Limit.
	PostFilter func(row *QueryRow) bool
}

func (v *View) CreateQuery() *Query {
	return &Query{
		db:             v.db,
		view:           v,
		InclusiveStart: true,
		InclusiveEnd:   true,
	}
}

// CreateAllDocumentsQuery returns a query over every document keyed by
// document ID. IDs are ordered as collate.ASCII orders strings, byte-wise,
// regardless of any view's collation.
func (db *Database) CreateAllDocumentsQuery() *Query {
	return &Query{
		db:             db,
		InclusiveStart: true,
		InclusiveEnd:   true,
	}
}

func (q *Query) Database() *Database { return q.db }

// View returns nil for all-documents queries.
func (q *Query) View() *View { return q.view }

// Copy returns a query with the same parameters.
func (q *Query) Copy() *Query {
	c := *q
	c.Keys = append([]any(nil), q.Keys...)
	return &c
}

// QueryRow is one result row. Rows of a reduced query have no source
// document.
type QueryRow struct {
	db *Database

	Key              any
	Value            any
	SourceDocumentID string
	SequenceNumber   uint64

	// DocumentProperties is filled by Prefetch.
	DocumentProperties map[string]any
	DocumentRevisionID string

	// Conflicts lists conflicting revisions, winner first, in all-documents
	// queries with ShowConflicts or OnlyConflicts.
	Conflicts []string

	// Err is "not_found" for requested keys of an all-documents query that
	// name no document.
	Err string
}

// DocumentID returns the _id of an object value, which makes the row link
// to another document, or else the ID of the emitting document.
func (r *QueryRow) DocumentID() string {
	if m, ok := r.Value.(map[string]any); ok {
		if id, ok := m["_id"].(string); ok && id != "" {
			return id
		}
	}
	return r.SourceDocumentID
}

// Document returns the row's document, or nil for reduced rows.
func (r *QueryRow) Document() *Document {
	id := r.DocumentID()
	if id == "" {
		return nil
	}
	return r.db.GetDocument(id)
}

func (r *QueryRow) String() string {
	var buf strings.Builder
	buf.WriteString("row(")
	if r.SourceDocumentID != "" {
		buf.WriteString(r.SourceDocumentID)
		buf.WriteString(" ")
	}
	if b, err := canonicalJSON(r.Key); err == nil {
		buf.Write(b)
	}
	buf.WriteString(" => ")
	if b, err := canonicalJSON(r.Value); err == nil {
		buf.Write(b)
	}
	buf.WriteString(")")
	return buf.String()
}

// QueryEnumerator holds the result of one Run.
type QueryEnumerator struct {
	db   *Database
	rows []*QueryRow
	pos  int
	seq  uint64
}

func (e *QueryEnumerator) Count() int { return len(e.rows) }

// Next returns the next row or nil at the end.
func (e *QueryEnumerator) Next() *QueryRow {
	if e.pos >= len(e.rows) {
		return nil
	}
	r := e.rows[e.pos]
	e.pos++
	return r
}

func (e *QueryEnumerator) Row(i int) *QueryRow {
	if i < 0 || i >= len(e.rows) {
		return nil
	}
	return e.rows[i]
}

func (e *QueryEnumerator) Rows() []*QueryRow {
	return append([]*QueryRow(nil), e.rows...)
}

func (e *QueryEnumerator) Reset() { e.pos = 0 }

// SequenceNumber is the database sequence the result reflects.
func (e *QueryEnumerator) SequenceNumber() uint64 { return e.seq }

// Stale reports whether the database changed since the result was computed.
func (e *QueryEnumerator) Stale() bool {
	return e.seq < e.db.LastSequenceNumber()
}

// Run executes the query.
func (q *Query) Run(ctx context.Context) (*QueryEnumerator, error) {
	q.db.core.metrics.queries.Inc()
	if q.view == nil {
		return q.runAllDocs(ctx)
	}
	return q.runView(ctx)
}

func (q *Query) runView(ctx context.Context) (*QueryEnumerator, error) {
	v := q.view
	mapFn, reduceFn, _, _ := v.def.funcs()
	if q.IndexUpdateMode == IndexUpdateBefore && mapFn != nil {
		err := v.UpdateIndex(ctx)
		var ie *IndexError
		if errors.As(err, &ie) {
			q.db.core.logger.Warn("db: querying partially indexed view", zap.String("view", v.def.name), zap.Error(err))
		} else if err != nil {
			return nil, err
		}
	}
	if q.MapOnly {
		reduceFn = nil
	}

	e := &QueryEnumerator{db: q.db}
	var stale bool
	err := q.db.read(func(tx *Tx) error {
		st, err := tx.loadViewState(v.def.name)
		if err != nil {
			return err
		}
		if st == nil {
			if mapFn == nil {
				return newErr(StatusNotFound, "query", "", "", nil, "view %s does not exist", v.def.name)
			}
			stale = tx.lastSeq() > 0
			return nil
		}
		e.seq = st.LastSeq
		stale = st.LastSeq < tx.lastSeq()

		rows := tx.stx.Bucket(bucketRows, v.def.name)
		if rows == nil {
			return nil
		}
		if reduceFn != nil {
			e.rows, err = q.reduceRows(tx, rows, st.Collation, reduceFn)
		} else {
			e.rows, err = q.mapRows(tx, rows, st.Collation)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if stale && q.IndexUpdateMode == IndexUpdateAfter && mapFn != nil {
		v.updateIndexAsync()
	}
	return e, nil
}

// rowSink applies PostFilter, Skip and Limit.
type rowSink struct {
	filter func(*QueryRow) bool
	skip   int
	limit  int
	rows   []*QueryRow
}

func (q *Query) newSink() *rowSink {
	return &rowSink{filter: q.PostFilter, skip: max(q.Skip, 0), limit: q.Limit}
}

// add returns false once the limit is reached.
func (s *rowSink) add(r *QueryRow) bool {
	if s.full() {
		return false
	}
	if s.filter != nil && !s.filter(r) {
		return true
	}
	if s.skip > 0 {
		s.skip--
		return true
	}
	s.rows = append(s.rows, r)
	return !s.full()
}

func (s *rowSink) full() bool {
	return s.limit > 0 && len(s.rows) >= s.limit
}

func (q *Query) mapRows(tx *Tx, rows storageBucket, mode collate.Mode) ([]*QueryRow, error) {
	sink := q.newSink()
	err := q.scanView(tx, rows, mode, func(vr *viewRow) (bool, error) {
		r := &QueryRow{
			db:               q.db,
			Key:              vr.Key,
			Value:            vr.Value,
			SourceDocumentID: vr.DocID,
			SequenceNumber:   vr.Seq,
		}
		if q.Prefetch {
			if err := tx.prefetch(r); err != nil {
				return false, err
			}
		}
		return sink.add(r), nil
	})
	if err != nil {
		return nil, err
	}
	return sink.rows, nil
}

func (q *Query) reduceRows(tx *Tx, rows storageBucket, mode collate.Mode, fn ReduceFunc) ([]*QueryRow, error) {
	batch := q.db.core.opt.ReduceBatchSize
	red := &reducer{view: q.view.def.name, fn: fn, batchSize: batch}
	sink := q.newSink()

	var groupKey any
	var inGroup bool
	finish := func() (bool, error) {
		if !inGroup {
			return true, nil
		}
		inGroup = false
		val, err := red.result()
		if err != nil {
			return false, err
		}
		return sink.add(&QueryRow{db: q.db, Key: groupKey, Value: val}), nil
	}

	err := q.scanView(tx, rows, mode, func(vr *viewRow) (bool, error) {
		gk := q.groupKey(vr.Key)
		if inGroup && collate.Compare(mode, gk, groupKey) != 0 {
			if cont, err := finish(); !cont || err != nil {
				return false, err
			}
		}
		if !inGroup {
			groupKey, inGroup = gk, true
		}
		return true, red.add(vr.Key, vr.Value)
	})
	if err != nil {
		return nil, err
	}
	if _, err := finish(); err != nil {
		return nil, err
	}
	return sink.rows, nil
}

// groupKey returns the key rows are grouped by: nil without grouping, the
// first GroupLevel elements of array keys, or the whole key.
func (q *Query) groupKey(key any) any {
	if !q.Group && q.GroupLevel <= 0 {
		return nil
	}
	if q.GroupLevel <= 0 {
		return key
	}
	if arr, ok := key.([]any); ok && len(arr) > q.GroupLevel {
		return arr[:q.GroupLevel]
	}
	return key
}

func (tx *Tx) prefetch(r *QueryRow) error {
	docID := r.DocumentID()
	revID := ""
	if docID != r.SourceDocumentID {
		if m, ok := r.Value.(map[string]any); ok {
			revID, _ = m["_rev"].(string)
		}
	}
	if !validDocID(docID) {
		return nil
	}
	rev, err := tx.GetRevision(docID, revID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if rev.IsDeletion() {
		return nil
	}
	props, err := rev.LoadProperties()
	if err != nil {
		return err
	}
	r.DocumentProperties = props
	r.DocumentRevisionID = rev.RevID()
	return nil
}

// rowBound encodes a position among raw row keys. With after set, the
// position follows every row having that key (and document ID, if given).
// Document IDs are valid UTF-8, so the byte following an encoded key in a
// row is never 0xFF.
func rowBound(mode collate.Mode, key any, docID string, after bool) ([]byte, error) {
	key, err := normalizeValue(key)
	if err != nil {
		return nil, newErr(StatusBadRequest, "query", "", "", err, "invalid key")
	}
	buf, err := collate.Key(mode, key)
	if err != nil {
		return nil, newErr(StatusBadRequest, "query", "", "", err, "invalid key")
	}
	if docID != "" {
		buf = collate.AppendEscaped(buf, []byte(docID))
		if after {
			for i := 0; i <= ordinalLen; i++ {
				buf = append(buf, 0xFF)
			}
		}
	} else if after {
		buf = append(buf, 0xFF)
	}
	return buf, nil
}

type prefixMatch struct {
	key   any
	level int
}

// viewRange converts the query's bounds into a raw key range. In
// descending order StartKey is the upper bound. The upper key is replaced
// by a prefixMatch when PrefixMatchLevel is set.
func (q *Query) viewRange(mode collate.Mode) (keyRange, *prefixMatch, error) {
	lowKey, lowDocID, lowIncl := q.StartKey, q.StartKeyDocID, q.InclusiveStart
	highKey, highDocID, highIncl := q.EndKey, q.EndKeyDocID, q.InclusiveEnd
	if q.Descending {
		lowKey, highKey = highKey, lowKey
		lowDocID, highDocID = highDocID, lowDocID
		lowIncl, highIncl = highIncl, lowIncl
	}

	rang := keyRange{Reverse: q.Descending}
	var err error
	if lowKey != nil {
		rang.Lower, err = rowBound(mode, lowKey, lowDocID, !lowIncl)
		if err != nil {
			return rang, nil, err
		}
	}
	var pm *prefixMatch
	if highKey != nil {
		if q.PrefixMatchLevel > 0 {
			k, err := normalizeValue(highKey)
			if err != nil {
				return rang, nil, newErr(StatusBadRequest, "query", "", "", err, "invalid key")
			}
			pm = &prefixMatch{key: k, level: q.PrefixMatchLevel}
		} else {
			rang.Upper, err = rowBound(mode, highKey, highDocID, highIncl)
			if err != nil {
				return rang, nil, err
			}
		}
	}
	return rang, pm, nil
}

// scanView feeds matching rows to visit in query order until visit returns
// false.
func (q *Query) scanView(tx *Tx, rows storageBucket, mode collate.Mode, visit func(*viewRow) (bool, error)) error {
	if q.Keys != nil {
		for _, key := range q.Keys {
			key, err := normalizeValue(key)
			if err != nil {
				return newErr(StatusBadRequest, "query", "", "", err, "invalid key")
			}
			enc, err := collate.Key(mode, key)
			if err != nil {
				return newErr(StatusBadRequest, "query", "", "", err, "invalid key")
			}
			rang := prefixRange(enc)
			rang.Reverse = q.Descending
			cont, err := scanRowRange(tx, rows, rang, visit)
			if err != nil || !cont {
				return err
			}
		}
		return nil
	}

	rang, pm, err := q.viewRange(mode)
	if err != nil {
		return err
	}
	if pm == nil {
		_, err := scanRowRange(tx, rows, rang, visit)
		return err
	}
	_, err = scanRowRange(tx, rows, rang, func(vr *viewRow) (bool, error) {
		if collate.Compare(mode, vr.Key, pm.key) > 0 && !matchesPrefix(mode, vr.Key, pm.key, pm.level) {
			return q.Descending || !prefixExhausted(mode, vr.Key, pm.key, pm.level), nil
		}
		return visit(vr)
	})
	return err
}

func scanRowRange(tx *Tx, rows storageBucket, rang keyRange, visit func(*viewRow) (bool, error)) (bool, error) {
	for c := rang.newCursor(rows.Cursor(), tx.logger()); c.Next(); {
		vr := new(viewRow)
		if err := msgpack.Unmarshal(c.Value(), vr); err != nil {
			return false, dataErrf(c.Value(), 0, err, "invalid view row %s", hexstr(c.Key()))
		}
		cont, err := visit(vr)
		if err != nil || !cont {
			return false, err
		}
	}
	return true, nil
}

// matchesPrefix reports whether key starts with prefix at the given level.
func matchesPrefix(mode collate.Mode, key, prefix any, level int) bool {
	if collate.Compare(mode, key, prefix) == 0 {
		return true
	}
	switch p := prefix.(type) {
	case string:
		s, ok := key.(string)
		return ok && level == 1 && strings.HasPrefix(s, p)
	case []any:
		k, ok := key.([]any)
		if !ok {
			return false
		}
		n := len(p)
		if level == 1 {
			return len(k) >= n && collate.Compare(mode, k[:n], p) == 0
		}
		if n == 0 || len(k) < n || collate.Compare(mode, k[:n-1], p[:n-1]) != 0 {
			return false
		}
		return matchesPrefix(mode, k[n-1], p[n-1], level-1)
	}
	return false
}

// prefixExhausted reports whether no key sorting after key (which sorts
// after prefix without matching it) can match prefix. Under Unicode
// collation strings sharing a byte prefix are not contiguous ("a" < "A" <
// "ab"), so a string only ends the scan once keys leave the strings.
func prefixExhausted(mode collate.Mode, key, prefix any, level int) bool {
	switch p := prefix.(type) {
	case string:
		_, isStr := key.(string)
		return !isStr || mode != collate.Unicode
	case []any:
		k, ok := key.([]any)
		n := len(p)
		if !ok || level == 1 || n == 0 || len(k) < n {
			return true
		}
		if collate.Compare(mode, k[:n-1], p[:n-1]) != 0 {
			return true
		}
		return prefixExhausted(mode, k[n-1], p[n-1], level-1)
	}
	return true
}
