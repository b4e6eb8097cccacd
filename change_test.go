package docdb

import (
	"errors"
	"sync"
	"testing"
)

func TestOp_String(t *testing.T) {
	if OpPut.String() != "put" || OpDelete.String() != "delete" || OpNone.String() != "none" {
		t.Fatalf("unexpected Op.String values")
	}
	if got := Op(999).String(); got == "put" || got == "delete" || got == "none" {
		t.Fatalf("unexpected Op(999).String() = %q", got)
	}
	if a := (DocumentChange{IsDeletion: true}).Op(); a != OpDelete {
		t.Errorf("Op() of deletion = %v", a)
	}
}

type changeRecorder struct {
	mu   sync.Mutex
	got  []DatabaseChange
	stop func()
}

func recordChanges(db *Database) *changeRecorder {
	r := &changeRecorder{}
	r.stop = db.OnChange(func(chg DatabaseChange) {
		r.mu.Lock()
		r.got = append(r.got, chg)
		r.mu.Unlock()
	})
	return r
}

func (r *changeRecorder) changes(db *Database) []DatabaseChange {
	db.waitForChanges()
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DatabaseChange(nil), r.got...)
}

func TestOnChange_orderAndContents(t *testing.T) {
	db := setup(t)
	rec := recordChanges(db)

	r1 := put(t, db, "a", map[string]any{"n": 1.0}, "")
	r2 := put(t, db, "a", map[string]any{"n": 2.0}, r1.RevID())
	put(t, db, "b", map[string]any{}, "")
	must(db.DeleteDocument("b"))

	got := rec.changes(db)
	if len(got) != 4 {
		t.Fatalf("got %d notifications, wanted 4", len(got))
	}
	var seqs []uint64
	for _, chg := range got {
		if len(chg.Changes) != 1 {
			t.Fatalf("notification has %d changes, wanted 1", len(chg.Changes))
		}
		if chg.IsExternal {
			t.Errorf("local write reported as external")
		}
		seqs = append(seqs, chg.Changes[0].Sequence)
	}
	deepEqual(t, seqs, []uint64{1, 2, 3, 4})

	c := got[1].Changes[0]
	if c.DocID != "a" || c.RevID != r2.RevID() || c.WinningRevID != r2.RevID() || !c.IsCurrent || c.IsConflict || c.IsDeletion {
		t.Errorf("change[1] = %+v", c)
	}
	if c := got[3].Changes[0]; !c.IsDeletion || c.Op() != OpDelete || !c.IsCurrent {
		t.Errorf("change[3] = %+v, wanted current deletion", c)
	}

	rec.stop()
	put(t, db, "c", map[string]any{}, "")
	if n := len(rec.changes(db)); n != 4 {
		t.Errorf("got %d notifications after cancel, wanted 4", n)
	}
}

func TestInBatch_singleNotification(t *testing.T) {
	db := setup(t)
	rec := recordChanges(db)

	ok(t, db.InBatch(func(tx *Tx) error {
		for _, id := range []string{"x", "y", "z"} {
			if _, err := tx.Put(id, map[string]any{"id": id}, "", false); err != nil {
				return err
			}
		}
		if _, err := tx.PutLocalDocument("cp", map[string]any{"seq": 3}); err != nil {
			return err
		}
		return nil
	}))

	got := rec.changes(db)
	if len(got) != 1 {
		t.Fatalf("got %d notifications, wanted 1", len(got))
	}
	var ids []string
	for _, c := range got[0].Changes {
		ids = append(ids, c.DocID)
	}
	deepEqual(t, ids, []string{"x", "y", "z"})
}

func TestInBatch_failureStoresNothing(t *testing.T) {
	db := setup(t)
	rec := recordChanges(db)
	boom := errors.New("boom")

	err := db.InBatch(func(tx *Tx) error {
		if _, err := tx.Put("x", map[string]any{}, "", false); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InBatch = %v, wanted boom", err)
	}
	if a := db.LastSequenceNumber(); a != 0 {
		t.Errorf("LastSequenceNumber = %d, wanted 0", a)
	}
	if doc := must(db.GetExistingDocument("x")); doc != nil {
		t.Errorf("x exists after failed batch")
	}
	isempty(t, rec.changes(db))

	err = db.InBatch(func(tx *Tx) error {
		panic("kaboom")
	})
	wantStatus(t, err, StatusDBError)
}

func TestOnChange_forceInsertIsExternal(t *testing.T) {
	db := setup(t)
	rec := recordChanges(db)
	must(db.ForceInsert("a", map[string]any{"v": 1.0}, []string{"2-bb", "1-aa"}, "peer"))

	got := rec.changes(db)
	if len(got) != 1 || !got[0].IsExternal || got[0].Source != "peer" {
		t.Fatalf("notifications = %+v, wanted one external from peer", got)
	}
	if c := got[0].Changes[0]; c.Source != "peer" || c.RevID != "2-bb" {
		t.Errorf("change = %+v", c)
	}
}

func TestOnChange_listenerPanicDoesNotStopDelivery(t *testing.T) {
	db := setup(t)
	db.OnChange(func(DatabaseChange) {
		panic("listener bug")
	})
	rec := recordChanges(db)
	put(t, db, "a", map[string]any{}, "")
	put(t, db, "b", map[string]any{}, "")
	if n := len(rec.changes(db)); n != 2 {
		t.Errorf("got %d notifications, wanted 2", n)
	}
}

func TestOnChange_listenerMayWrite(t *testing.T) {
	db := setup(t)
	var once sync.Once
	done := make(chan error, 1)
	db.OnChange(func(chg DatabaseChange) {
		once.Do(func() {
			_, err := db.PutLocalDocument("seen", map[string]any{"seq": float64(chg.Changes[0].Sequence)})
			done <- err
		})
	})
	put(t, db, "a", map[string]any{}, "")
	ok(t, <-done)
	props := must(db.GetExistingLocalDocument("seen"))
	if props["seq"] != 1.0 {
		t.Errorf("local seq = %v, wanted 1", props["seq"])
	}
}

func TestDocument_OnChange(t *testing.T) {
	db := setup(t)
	doc := db.GetDocument("watched")
	var mu sync.Mutex
	var revs []string
	doc.OnChange(func(c DocumentChange) {
		mu.Lock()
		revs = append(revs, c.RevID)
		mu.Unlock()
	})
	r1 := put(t, db, "watched", map[string]any{}, "")
	put(t, db, "other", map[string]any{}, "")
	db.waitForChanges()
	mu.Lock()
	defer mu.Unlock()
	deepEqual(t, revs, []string{r1.RevID()})
}
