package docdb

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/andreyvit/docdb/collate"
)

func ctx() context.Context {
	return context.Background()
}

func emitField(field string) MapFunc {
	return func(doc map[string]any, emit EmitFunc) {
		if v, ok := doc[field]; ok {
			emit(v, nil)
		}
	}
}

func putSequenceDocs(t testing.TB, db *Database, n int) {
	t.Helper()
	ok(t, db.InBatch(func(tx *Tx) error {
		for i := 0; i < n; i++ {
			if _, err := tx.Put(fmt.Sprintf("doc%02d", i), map[string]any{"sequence": i}, "", false); err != nil {
				return err
			}
		}
		return nil
	}))
}

func sequenceView(db *Database) *View {
	v := db.View("bySequence")
	v.SetMapReduce(func(doc map[string]any, emit EmitFunc) {
		emit(doc["sequence"], 1)
	}, nil, "1")
	return v
}

func TestView_rangeQuery(t *testing.T) {
	db := setup(t)
	putSequenceDocs(t, db, 50)
	v := sequenceView(db)

	q := v.CreateQuery()
	q.StartKey, q.EndKey = 23, 33
	rows := must(q.Run(ctx()))
	if rows.Count() != 11 {
		t.Fatalf("Count = %d, wanted 11", rows.Count())
	}
	expected := 23.0
	for row := rows.Next(); row != nil; row = rows.Next() {
		if row.Key != expected {
			t.Errorf("key = %v, wanted %v", row.Key, expected)
		}
		if row.Value != 1.0 || row.SourceDocumentID != fmt.Sprintf("doc%02d", int(expected)) {
			t.Errorf("row = %v", row)
		}
		expected++
	}
	if rows.SequenceNumber() != 50 || rows.Stale() {
		t.Errorf("SequenceNumber = %d Stale = %v", rows.SequenceNumber(), rows.Stale())
	}

	q.InclusiveEnd = false
	deepEqual(t, rowKeys(must(q.Run(ctx())))[9:], []any{32.0})

	q = v.CreateQuery()
	q.StartKey, q.EndKey, q.Descending = 33, 23, true
	keys := rowKeys(must(q.Run(ctx())))
	if len(keys) != 11 || keys[0] != 33.0 || keys[10] != 23.0 {
		t.Errorf("descending keys = %v", keys)
	}
	q.InclusiveEnd = false
	keys = rowKeys(must(q.Run(ctx())))
	if len(keys) != 10 || keys[9] != 24.0 {
		t.Errorf("descending exclusive keys = %v", keys)
	}

	q = v.CreateQuery()
	q.StartKey, q.Skip, q.Limit = 40, 2, 3
	deepEqual(t, rowKeys(must(q.Run(ctx()))), []any{42.0, 43.0, 44.0})

	q = v.CreateQuery()
	q.EndKey, q.InclusiveStart = 2, false
	deepEqual(t, rowKeys(must(q.Run(ctx()))), []any{0.0, 1.0, 2.0})
	q.StartKey = 0
	deepEqual(t, rowKeys(must(q.Run(ctx()))), []any{1.0, 2.0})

	q = v.CreateQuery()
	q.Keys = []any{7, 3, 100, 7.0}
	deepEqual(t, rowKeys(must(q.Run(ctx()))), []any{7.0, 3.0, 7.0})

	q = v.CreateQuery()
	q.PostFilter = func(r *QueryRow) bool { return int(r.Key.(float64))%10 == 0 }
	q.Limit = 3
	deepEqual(t, rowKeys(must(q.Run(ctx()))), []any{0.0, 10.0, 20.0})
}

func TestView_startKeyDocID(t *testing.T) {
	db := setup(t)
	for _, id := range []string{"a", "b", "c", "d"} {
		put(t, db, id, map[string]any{"k": "same"}, "")
	}
	v := db.View("byK")
	v.SetMapReduce(emitField("k"), nil, "1")

	q := v.CreateQuery()
	q.StartKey, q.StartKeyDocID = "same", "b"
	q.EndKey, q.EndKeyDocID = "same", "c"
	deepEqual(t, rowDocIDs(must(q.Run(ctx()))), []string{"b", "c"})

	q.InclusiveEnd = false
	deepEqual(t, rowDocIDs(must(q.Run(ctx()))), []string{"b"})
}

func TestView_stateMachine(t *testing.T) {
	db := setup(t)
	v := db.View("bySequence")
	if s := v.State(); s != ViewUnbuilt {
		t.Fatalf("State before map = %v, wanted unbuilt", s)
	}
	if db.ExistingView("bySequence") == nil {
		t.Errorf("ExistingView of a registered view = nil")
	}
	if db.ExistingView("nothing") != nil {
		t.Errorf("ExistingView of an unknown view != nil")
	}
	wantStatus(t, v.UpdateIndex(ctx()), StatusNotFound)

	putSequenceDocs(t, db, 10)
	sequenceView(db)
	if s := v.State(); s != ViewStale {
		t.Fatalf("State after SetMapReduce = %v, wanted stale", s)
	}
	ok(t, v.UpdateIndex(ctx()))
	if s := v.State(); s != ViewUpToDate || v.IsStale() {
		t.Fatalf("State after UpdateIndex = %v, wanted up to date", s)
	}
	if a := v.TotalRows(); a != 10 {
		t.Errorf("TotalRows = %d, wanted 10", a)
	}
	if a := v.LastSequenceIndexed(); a != 10 {
		t.Errorf("LastSequenceIndexed = %d, wanted 10", a)
	}

	calls := v.MapInvocations()
	if calls != 10 {
		t.Errorf("MapInvocations = %d, wanted 10", calls)
	}
	ok(t, v.UpdateIndex(ctx()))
	if a := v.MapInvocations(); a != calls {
		t.Errorf("MapInvocations after idle update = %d, wanted %d", a, calls)
	}

	if v.SetMapReduce(func(doc map[string]any, emit EmitFunc) {}, nil, "1") {
		t.Errorf("SetMapReduce with the same version reported a change")
	}
	if s := v.State(); s != ViewUpToDate {
		t.Errorf("State after no-op SetMapReduce = %v, wanted up to date", s)
	}

	put(t, db, "extra", map[string]any{"sequence": 99}, "")
	if s := v.State(); s != ViewStale {
		t.Errorf("State after write = %v, wanted stale", s)
	}
	ok(t, v.UpdateIndex(ctx()))
	if a := v.MapInvocations(); a != calls+1 {
		t.Errorf("MapInvocations after one write = %d, wanted %d", a, calls+1)
	}

	if !v.SetMapReduce(func(doc map[string]any, emit EmitFunc) {
		emit(doc["sequence"], nil)
		emit(doc["_id"], nil)
	}, nil, "2") {
		t.Fatalf("SetMapReduce with a new version reported no change")
	}
	if a := v.TotalRows(); a != 0 {
		t.Errorf("TotalRows after version change = %d, wanted 0", a)
	}
	ok(t, v.UpdateIndex(ctx()))
	if a := v.TotalRows(); a != 22 {
		t.Errorf("TotalRows after rebuild = %d, wanted 22", a)
	}

	names := []string{}
	for _, view := range db.AllViews() {
		names = append(names, view.Name())
	}
	deepEqual(t, names, []string{"bySequence"})

	ok(t, v.DeleteIndex())
	if a := v.TotalRows(); a != 0 || v.State() != ViewStale {
		t.Errorf("after DeleteIndex TotalRows = %d State = %v", a, v.State())
	}

	ok(t, v.Delete())
	if s := v.State(); s != ViewUnbuilt {
		t.Errorf("State after Delete = %v, wanted unbuilt", s)
	}
	isempty(t, db.AllViews())
}

func TestView_reindexFollowsDocuments(t *testing.T) {
	db := setup(t)
	v := db.View("byName")
	v.SetMapReduce(func(doc map[string]any, emit EmitFunc) {
		if name, ok := doc["name"].(string); ok {
			emit(name, doc["_rev"])
		}
	}, nil, "1")

	alice := put(t, db, "alice", map[string]any{"name": "Alice"}, "")
	bob := put(t, db, "bob", map[string]any{"name": "Bob"}, "")
	put(t, db, "_design/app", map[string]any{"name": "Design"}, "")
	put(t, db, "anon", map[string]any{}, "")
	deepEqual(t, rowKeys(must(v.CreateQuery().Run(ctx()))), []any{"Alice", "Bob"})

	alice2 := put(t, db, "alice", map[string]any{"name": "Zed"}, alice.RevID())
	must(db.DeleteDocument("bob"))
	rows := must(v.CreateQuery().Run(ctx()))
	deepEqual(t, rowKeys(rows), []any{"Zed"})
	if a := rows.Row(0).Value; a != alice2.RevID() {
		t.Errorf("value = %v, wanted %s", a, alice2.RevID())
	}
	if a := v.TotalRows(); a != 1 {
		t.Errorf("TotalRows = %d, wanted 1", a)
	}

	put(t, db, "bob", map[string]any{"name": "Bob"}, "")
	must(db.Purge("alice"))
	rows = must(v.CreateQuery().Run(ctx()))
	deepEqual(t, rowDocIDs(rows), []string{"bob"})
	if rows.Row(0).Value == bob.RevID() {
		t.Errorf("recreated bob kept its old revision in the index")
	}
	if a := v.TotalRows(); a != 1 {
		t.Errorf("TotalRows after purge = %d, wanted 1", a)
	}
}

func TestView_mapSeesMetadata(t *testing.T) {
	db := setup(t)
	var mu sync.Mutex
	seen := map[string]map[string]any{}
	v := db.View("meta")
	v.SetMapReduce(func(doc map[string]any, emit EmitFunc) {
		mu.Lock()
		seen[doc["_id"].(string)] = doc
		mu.Unlock()
	}, nil, "1")

	r1 := put(t, db, "doc", map[string]any{"n": 1}, "")
	r2 := put(t, db, "doc", map[string]any{"n": 2}, r1.RevID())
	r3 := must(db.Put("doc", map[string]any{"n": 3}, r1.RevID(), true))
	ok(t, v.UpdateIndex(ctx()))

	doc := seen["doc"]
	winner, loser := r2, r3
	if r3.RevID() > r2.RevID() {
		winner, loser = r3, r2
	}
	if doc["_rev"] != winner.RevID() || doc["_local_seq"] != float64(winner.Sequence()) {
		t.Errorf("map saw _rev=%v _local_seq=%v, wanted %s/%d", doc["_rev"], doc["_local_seq"], winner.RevID(), winner.Sequence())
	}
	deepEqual(t, doc["_conflicts"], any([]any{loser.RevID()}))
}

func TestView_indexErrorWatermark(t *testing.T) {
	db := setup(t)
	v := db.View("fragile")
	v.SetMapReduce(func(doc map[string]any, emit EmitFunc) {
		if doc["bad"] == true {
			panic("cannot map")
		}
		emit(doc["_id"], nil)
	}, nil, "1")

	put(t, db, "d1", map[string]any{}, "")
	bad := put(t, db, "bad", map[string]any{"bad": true}, "")
	put(t, db, "d3", map[string]any{}, "")

	err := v.UpdateIndex(ctx())
	var ie *IndexError
	if !errors.As(err, &ie) {
		t.Fatalf("UpdateIndex = %v, wanted *IndexError", err)
	}
	if len(ie.Failures) != 1 || ie.Failures[0].DocID != "bad" || ie.Failures[0].Sequence != 2 {
		t.Errorf("failures = %+v", ie.Failures)
	}
	wantStatus(t, ie.Failures[0].Err, StatusCallbackError)
	if a := v.LastSequenceIndexed(); a != 1 {
		t.Errorf("LastSequenceIndexed = %d, wanted 1", a)
	}
	if v.State() != ViewStale {
		t.Errorf("State = %v, wanted stale", v.State())
	}

	q := v.CreateQuery()
	q.IndexUpdateMode = IndexUpdateNever
	deepEqual(t, rowDocIDs(must(q.Run(ctx()))), []string{"d1", "d3"})

	// queries still answer from the partial index
	deepEqual(t, rowDocIDs(must(v.CreateQuery().Run(ctx()))), []string{"d1", "d3"})

	put(t, db, "bad", map[string]any{"bad": false}, bad.RevID())
	ok(t, v.UpdateIndex(ctx()))
	if a := v.LastSequenceIndexed(); a != 4 {
		t.Errorf("LastSequenceIndexed = %d, wanted 4", a)
	}
	deepEqual(t, rowDocIDs(must(q.Run(ctx()))), []string{"bad", "d1", "d3"})
}

func TestView_emitInvalidKey(t *testing.T) {
	db := setup(t)
	v := db.View("v")
	v.SetMapReduce(func(doc map[string]any, emit EmitFunc) {
		emit(math.NaN(), nil)
	}, nil, "1")
	put(t, db, "d", map[string]any{}, "")
	var ie *IndexError
	if err := v.UpdateIndex(ctx()); !errors.As(err, &ie) {
		t.Fatalf("UpdateIndex = %v, wanted *IndexError", err)
	}
}

func TestView_updateModes(t *testing.T) {
	db := setup(t)
	putSequenceDocs(t, db, 5)
	v := sequenceView(db)

	q := v.CreateQuery()
	q.IndexUpdateMode = IndexUpdateNever
	if n := must(q.Run(ctx())).Count(); n != 0 {
		t.Errorf("Never on unbuilt index returned %d rows", n)
	}

	q.IndexUpdateMode = IndexUpdateAfter
	rows := must(q.Run(ctx()))
	if rows.Count() != 0 || !rows.Stale() {
		t.Errorf("After returned %d rows stale=%v, wanted 0 stale", rows.Count(), rows.Stale())
	}
	db.core.background.Wait()
	if v.State() != ViewUpToDate {
		t.Fatalf("background update did not run: %v", v.State())
	}

	q.IndexUpdateMode = IndexUpdateNever
	if n := must(q.Run(ctx())).Count(); n != 5 {
		t.Errorf("Never after background update returned %d rows, wanted 5", n)
	}
	if IndexUpdateAfter.String() != "after" || IndexUpdateMode(9).String() != "invalid" {
		t.Errorf("unexpected IndexUpdateMode strings")
	}
}

func TestView_concurrentUpdates(t *testing.T) {
	db := setup(t)
	putSequenceDocs(t, db, 30)
	v := sequenceView(db)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- v.UpdateIndex(ctx())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		ok(t, err)
	}
	if a := v.MapInvocations(); a != 30 {
		t.Errorf("MapInvocations = %d, wanted 30", a)
	}
}

func TestView_collation(t *testing.T) {
	db := setup(t)
	keys := []any{"b", "B", "a", 2, 10, nil, true, false, []any{"a"}, map[string]any{"x": 1}}
	for i, k := range keys {
		put(t, db, fmt.Sprintf("d%d", i), map[string]any{"k": k}, "")
	}
	v := db.View("byK")
	v.SetMapReduce(emitField("k"), nil, "1")

	deepEqual(t, rowKeys(must(v.CreateQuery().Run(ctx()))), []any{
		nil, false, true, 2.0, 10.0, "a", "b", "B", []any{"a"}, map[string]any{"x": 1.0},
	})

	ok(t, v.SetCollation(collate.Raw))
	if v.Collation() != collate.Raw || v.State() != ViewStale {
		t.Fatalf("Collation = %v State = %v", v.Collation(), v.State())
	}
	deepEqual(t, rowKeys(must(v.CreateQuery().Run(ctx()))), []any{
		2.0, 10.0, false, nil, true, map[string]any{"x": 1.0}, []any{"a"}, "B", "a", "b",
	})

	ok(t, v.SetCollation(collate.ASCII))
	deepEqual(t, rowKeys(must(v.CreateQuery().Run(ctx()))), []any{
		nil, false, true, 2.0, 10.0, "B", "a", "b", []any{"a"}, map[string]any{"x": 1.0},
	})
}

func TestView_prefixMatch(t *testing.T) {
	db := setup(t)
	for i, k := range []any{"apple", "apricot", "ap", "banana", "a"} {
		put(t, db, fmt.Sprintf("s%d", i), map[string]any{"k": k}, "")
	}
	for i, k := range []any{[]any{"a", 1}, []any{"a", 2}, []any{"b", 1}, []any{"a", "xyz"}, []any{"a", "xa"}} {
		put(t, db, fmt.Sprintf("a%d", i), map[string]any{"k": k}, "")
	}
	v := db.View("byK")
	v.SetMapReduce(emitField("k"), nil, "1")
	ok(t, v.SetCollation(collate.ASCII))

	q := v.CreateQuery()
	q.StartKey, q.EndKey, q.PrefixMatchLevel = "ap", "ap", 1
	deepEqual(t, rowKeys(must(q.Run(ctx()))), []any{"ap", "apple", "apricot"})

	q = v.CreateQuery()
	q.StartKey, q.EndKey, q.PrefixMatchLevel = []any{"a"}, []any{"a"}, 1
	deepEqual(t, rowKeys(must(q.Run(ctx()))), []any{
		[]any{"a", 1.0}, []any{"a", 2.0}, []any{"a", "xa"}, []any{"a", "xyz"},
	})

	q = v.CreateQuery()
	q.StartKey, q.EndKey, q.PrefixMatchLevel = []any{"a", "x"}, []any{"a", "x"}, 2
	deepEqual(t, rowKeys(must(q.Run(ctx()))), []any{[]any{"a", "xa"}, []any{"a", "xyz"}})

	q = v.CreateQuery()
	q.StartKey, q.EndKey, q.PrefixMatchLevel, q.Descending = "ap", "a", 1, true
	deepEqual(t, rowKeys(must(q.Run(ctx()))), []any{"apricot", "apple", "ap", "a"})
}

func TestView_prefixMatchUnicode(t *testing.T) {
	db := setup(t)
	keys := []any{"a", "A", "ab", "Ab", "b", []any{"x", "a"}, []any{"x", "A"}, []any{"x", "ab"}, []any{"y", "ab"}}
	for i, k := range keys {
		put(t, db, fmt.Sprintf("d%d", i), map[string]any{"k": k}, "")
	}
	v := db.View("byK")
	v.SetMapReduce(emitField("k"), nil, "1")
	if v.Collation() != collate.Unicode {
		t.Fatalf("Collation = %v, wanted unicode", v.Collation())
	}

	q := v.CreateQuery()
	q.StartKey, q.EndKey, q.PrefixMatchLevel = "a", "a", 1
	deepEqual(t, rowKeys(must(q.Run(ctx()))), []any{"a", "ab"})

	q = v.CreateQuery()
	q.StartKey, q.EndKey, q.PrefixMatchLevel = "A", "A", 1
	deepEqual(t, rowKeys(must(q.Run(ctx()))), []any{"A", "Ab"})

	q = v.CreateQuery()
	q.StartKey, q.EndKey, q.PrefixMatchLevel, q.Descending = "a", "a", 1, true
	deepEqual(t, rowKeys(must(q.Run(ctx()))), []any{"ab", "a"})

	q = v.CreateQuery()
	q.StartKey, q.EndKey, q.PrefixMatchLevel = []any{"x", "a"}, []any{"x", "a"}, 2
	deepEqual(t, rowKeys(must(q.Run(ctx()))), []any{[]any{"x", "a"}, []any{"x", "ab"}})
}

func TestView_prefetchAndLinkedDocs(t *testing.T) {
	db := setup(t)
	put(t, db, "author", map[string]any{"name": "Ann"}, "")
	put(t, db, "book", map[string]any{"title": "Go", "author": "author"}, "")
	v := db.View("authors")
	v.SetMapReduce(func(doc map[string]any, emit EmitFunc) {
		if a, ok := doc["author"].(string); ok {
			emit(doc["title"], map[string]any{"_id": a})
		}
	}, nil, "1")

	q := v.CreateQuery()
	q.Prefetch = true
	row := must(q.Run(ctx())).Row(0)
	if row.SourceDocumentID != "book" || row.DocumentID() != "author" {
		t.Fatalf("row = %v, source %s linked %s", row, row.SourceDocumentID, row.DocumentID())
	}
	if row.DocumentProperties["name"] != "Ann" || row.DocumentRevisionID == "" {
		t.Errorf("prefetched = %v rev %q", row.DocumentProperties, row.DocumentRevisionID)
	}
	if a := row.Document().Get("name"); a != "Ann" {
		t.Errorf("Document().Get(name) = %v", a)
	}
}

func TestView_reduce(t *testing.T) {
	db := setup(t)
	items := []struct {
		cat, item string
		cost      float64
	}{
		{"food", "apple", 8.99},
		{"food", "bread", 1.95},
		{"tools", "hammer", 6.50},
	}
	for _, it := range items {
		put(t, db, it.item, map[string]any{"cat": it.cat, "cost": it.cost}, "")
	}
	v := db.View("costs")
	v.SetMapReduce(func(doc map[string]any, emit EmitFunc) {
		emit([]any{doc["cat"], doc["_id"]}, doc["cost"])
	}, ReduceSum, "1")

	rows := must(v.CreateQuery().Run(ctx()))
	if rows.Count() != 1 {
		t.Fatalf("reduce returned %d rows, wanted 1", rows.Count())
	}
	row := rows.Row(0)
	if row.Key != nil || row.SourceDocumentID != "" || row.Document() != nil {
		t.Errorf("reduced row = %v", row)
	}
	if sum := row.Value.(float64); math.Abs(sum-17.44) > 1e-9 {
		t.Errorf("sum = %v, wanted 17.44", sum)
	}

	q := v.CreateQuery()
	q.GroupLevel = 1
	rows = must(q.Run(ctx()))
	deepEqual(t, rowKeys(rows), []any{[]any{"food"}, []any{"tools"}})
	if a := rows.Row(0).Value.(float64); math.Abs(a-10.94) > 1e-9 {
		t.Errorf("food = %v, wanted 10.94", a)
	}

	q = v.CreateQuery()
	q.Group = true
	q.Limit = 2
	deepEqual(t, rowKeys(must(q.Run(ctx()))), []any{[]any{"food", "apple"}, []any{"food", "bread"}})

	q = v.CreateQuery()
	q.StartKey, q.EndKey = []any{"tools"}, []any{"tools", map[string]any{}}
	if a := must(q.Run(ctx())).Row(0).Value; a != 6.5 {
		t.Errorf("ranged sum = %v, wanted 6.5", a)
	}

	q = v.CreateQuery()
	q.MapOnly = true
	if n := must(q.Run(ctx())).Count(); n != 3 {
		t.Errorf("MapOnly returned %d rows, wanted 3", n)
	}

	q = v.CreateQuery()
	q.StartKey = []any{"zzz"}
	isempty(t, must(q.Run(ctx())).Rows())
}

func TestView_rereduce(t *testing.T) {
	db := setupWith(t, Options{ReduceBatchSize: 2})
	putSequenceDocs(t, db, 7)
	var mu sync.Mutex
	var rereduces int
	v := db.View("count")
	v.SetMapReduce(func(doc map[string]any, emit EmitFunc) {
		emit(doc["sequence"], 1)
	}, func(keys, values []any, rereduce bool) (any, error) {
		mu.Lock()
		if rereduce {
			rereduces++
			if keys != nil {
				t.Errorf("rereduce got keys %v", keys)
			}
		} else if len(keys) != len(values) {
			t.Errorf("reduce got %d keys for %d values", len(keys), len(values))
		}
		mu.Unlock()
		return ReduceCount(keys, values, rereduce)
	}, "1")

	rows := must(v.CreateQuery().Run(ctx()))
	if a := rows.Row(0).Value; a != 7.0 {
		t.Errorf("count = %v, wanted 7", a)
	}
	if rereduces == 0 {
		t.Errorf("no rereduce calls with batch size 2")
	}

	v.SetMapReduce(v.MapFunc(), func(keys, values []any, rereduce bool) (any, error) {
		return nil, errors.New("broken reduce")
	}, "2")
	_, err := v.CreateQuery().Run(ctx())
	wantStatus(t, err, StatusCallbackError)
}

func TestView_reduceBatchSizes(t *testing.T) {
	for _, size := range []int{1, 2, 3, 100} {
		t.Run(fmt.Sprint(size), func(t *testing.T) {
			db := setupWith(t, Options{ReduceBatchSize: size})
			putSequenceDocs(t, db, 5)
			v := db.View("count")
			v.SetMapReduce(func(doc map[string]any, emit EmitFunc) {
				emit("k", doc["sequence"])
			}, ReduceCount, "1")

			rows := must(v.CreateQuery().Run(ctx()))
			if rows.Count() != 1 || rows.Row(0).Value != 5.0 {
				t.Errorf("count = %v", rowValues(rows))
			}

			q := v.CreateQuery()
			q.Group = true
			rows = must(q.Run(ctx()))
			if rows.Count() != 1 || rows.Row(0).Key != "k" || rows.Row(0).Value != 5.0 {
				t.Errorf("grouped = %v", rowValues(rows))
			}
		})
	}
}

func TestReduceFuncs(t *testing.T) {
	sum := must(ReduceSum(nil, []any{1.0, 2.5, nil}, false))
	if sum != 3.5 {
		t.Errorf("ReduceSum = %v", sum)
	}
	vec := must(ReduceSum(nil, []any{[]any{1.0, 2.0}, []any{3.0}}, false))
	deepEqual(t, vec, any([]any{4.0, 2.0}))
	if _, err := ReduceSum(nil, []any{"x"}, false); err == nil {
		t.Errorf("ReduceSum accepted a string")
	}

	count := must(ReduceCount(nil, []any{"a", "b"}, false))
	if count != 2.0 {
		t.Errorf("ReduceCount = %v", count)
	}
	count = must(ReduceCount(nil, []any{2.0, 3.0}, true))
	if count != 5.0 {
		t.Errorf("ReduceCount rereduce = %v", count)
	}

	st := must(ReduceStats(nil, []any{2.0, 4.0}, false)).(map[string]any)
	deepEqual(t, st, map[string]any{"sum": 6.0, "count": 2.0, "min": 2.0, "max": 4.0, "sumsqr": 20.0})
	st2 := must(ReduceStats(nil, []any{st, map[string]any{"sum": 1.0, "count": 1.0, "min": 1.0, "max": 1.0, "sumsqr": 1.0}}, true)).(map[string]any)
	if st2["count"] != 3.0 || st2["min"] != 1.0 || st2["max"] != 4.0 {
		t.Errorf("ReduceStats rereduce = %v", st2)
	}
}
