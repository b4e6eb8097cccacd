package docdb

import (
	"testing"
)

// setupAllDocs stores a (live), b (deleted), c (two live conflicting leaves)
// and d (live).
func setupAllDocs(t *testing.T) (*Database, map[string]*Revision) {
	db := setup(t)
	revs := map[string]*Revision{}
	revs["a"] = put(t, db, "a", map[string]any{"n": 1}, "")
	put(t, db, "b", map[string]any{}, "")
	revs["b"] = must(db.DeleteDocument("b"))
	c1 := put(t, db, "c", map[string]any{}, "")
	revs["cx"] = must(db.Put("c", map[string]any{"v": "x"}, c1.RevID(), true))
	revs["cy"] = must(db.Put("c", map[string]any{"v": "y"}, c1.RevID(), true))
	revs["d"] = put(t, db, "d", map[string]any{}, "")
	return db, revs
}

func allDocs(t *testing.T, db *Database, edit func(q *Query)) *QueryEnumerator {
	t.Helper()
	q := db.CreateAllDocumentsQuery()
	if edit != nil {
		edit(q)
	}
	return must(q.Run(ctx()))
}

func TestAllDocs_modes(t *testing.T) {
	db, revs := setupAllDocs(t)

	rows := allDocs(t, db, nil)
	deepEqual(t, rowDocIDs(rows), []string{"a", "c", "d"})
	deepEqual(t, rows.Row(0).Value, any(map[string]any{"rev": revs["a"].RevID()}))
	if rows.SequenceNumber() != db.LastSequenceNumber() {
		t.Errorf("SequenceNumber = %d, wanted %d", rows.SequenceNumber(), db.LastSequenceNumber())
	}
	if a := rows.Row(1).Conflicts; a != nil {
		t.Errorf("Conflicts without ShowConflicts = %v", a)
	}

	rows = allDocs(t, db, func(q *Query) { q.AllDocsMode = IncludeDeleted })
	deepEqual(t, rowDocIDs(rows), []string{"a", "b", "c", "d"})
	deepEqual(t, rows.Row(1).Value, any(map[string]any{"rev": revs["b"].RevID(), "deleted": true}))

	winner, loser := revs["cy"].RevID(), revs["cx"].RevID()
	if loser > winner {
		winner, loser = loser, winner
	}
	rows = allDocs(t, db, func(q *Query) { q.AllDocsMode = ShowConflicts })
	deepEqual(t, rowDocIDs(rows), []string{"a", "c", "d"})
	deepEqual(t, rows.Row(1).Conflicts, []string{winner, loser})
	if a := rows.Row(0).Conflicts; a != nil {
		t.Errorf("Conflicts of unconflicted doc = %v", a)
	}

	rows = allDocs(t, db, func(q *Query) { q.AllDocsMode = OnlyConflicts })
	deepEqual(t, rowDocIDs(rows), []string{"c"})
	deepEqual(t, rows.Row(0).Value, any(map[string]any{"rev": winner}))
}

func TestAllDocs_keys(t *testing.T) {
	db, revs := setupAllDocs(t)
	rows := allDocs(t, db, func(q *Query) { q.Keys = []any{"d", "zz", "b"} })
	if rows.Count() != 3 {
		t.Fatalf("Count = %d, wanted 3", rows.Count())
	}
	if r := rows.Row(0); r.Key != "d" || r.Err != "" {
		t.Errorf("row 0 = %v err %q", r, r.Err)
	}
	if r := rows.Row(1); r.Key != "zz" || r.Err != "not_found" || r.Value != nil {
		t.Errorf("row 1 = %v err %q, wanted not_found", r, r.Err)
	}
	deepEqual(t, rows.Row(2).Value, any(map[string]any{"rev": revs["b"].RevID(), "deleted": true}))

	rows = allDocs(t, db, func(q *Query) {
		q.Keys = []any{"a", "c"}
		q.AllDocsMode = OnlyConflicts
	})
	deepEqual(t, rowDocIDs(rows), []string{"c"})

	_, err := db.CreateAllDocumentsQuery().Copy().Run(ctx())
	ok(t, err)
	q := db.CreateAllDocumentsQuery()
	q.Keys = []any{42}
	_, err = q.Run(ctx())
	wantStatus(t, err, StatusBadRequest)
}

func TestAllDocs_ranges(t *testing.T) {
	db, _ := setupAllDocs(t)

	deepEqual(t, rowDocIDs(allDocs(t, db, func(q *Query) {
		q.StartKey, q.EndKey = "b", "c"
	})), []string{"c"})

	deepEqual(t, rowDocIDs(allDocs(t, db, func(q *Query) {
		q.StartKey, q.EndKey = "b", "c"
		q.AllDocsMode = IncludeDeleted
	})), []string{"b", "c"})

	deepEqual(t, rowDocIDs(allDocs(t, db, func(q *Query) {
		q.EndKey, q.InclusiveEnd = "d", false
	})), []string{"a", "c"})

	deepEqual(t, rowDocIDs(allDocs(t, db, func(q *Query) {
		q.StartKey, q.InclusiveStart = "a", false
	})), []string{"c", "d"})

	deepEqual(t, rowDocIDs(allDocs(t, db, func(q *Query) {
		q.Descending = true
	})), []string{"d", "c", "a"})

	deepEqual(t, rowDocIDs(allDocs(t, db, func(q *Query) {
		q.StartKey, q.EndKey, q.Descending = "c", "a", true
		q.InclusiveEnd = false
	})), []string{"c"})

	deepEqual(t, rowDocIDs(allDocs(t, db, func(q *Query) {
		q.Skip, q.Limit = 1, 1
	})), []string{"c"})

	q := db.CreateAllDocumentsQuery()
	q.StartKey = 5
	_, err := q.Run(ctx())
	wantStatus(t, err, StatusBadRequest)
}

func TestAllDocs_prefixAndPrefetch(t *testing.T) {
	db := setup(t)
	for _, id := range []string{"user", "user:1", "user:2", "userx", "users"} {
		put(t, db, id, map[string]any{"id": id}, "")
	}

	rows := allDocs(t, db, func(q *Query) {
		q.StartKey, q.EndKey, q.PrefixMatchLevel = "user:", "user:", 1
		q.Prefetch = true
	})
	deepEqual(t, rowDocIDs(rows), []string{"user:1", "user:2"})
	r := rows.Row(1)
	if r.DocumentProperties["id"] != "user:2" || r.DocumentProperties["_id"] != "user:2" {
		t.Errorf("DocumentProperties = %v", r.DocumentProperties)
	}
	if r.DocumentRevisionID == "" || r.DocumentRevisionID != r.Value.(map[string]any)["rev"] {
		t.Errorf("DocumentRevisionID = %q, value %v", r.DocumentRevisionID, r.Value)
	}

	if n := allDocs(t, db, nil).Count(); n != must(db.DocumentCount()) {
		t.Errorf("all-docs rows = %d, DocumentCount = %d", n, must(db.DocumentCount()))
	}
}

func TestAllDocs_byteOrder(t *testing.T) {
	db := setup(t)
	for _, id := range []string{"b", "B", "a", "ab", "A"} {
		put(t, db, id, map[string]any{}, "")
	}
	deepEqual(t, rowDocIDs(allDocs(t, db, nil)), []string{"A", "B", "a", "ab", "b"})
	deepEqual(t, rowDocIDs(allDocs(t, db, func(q *Query) {
		q.StartKey, q.EndKey = "B", "a"
	})), []string{"B", "a"})
}
