package docdb

import (
	"errors"
	"strings"
	"testing"
)

func TestTx_batchSeesOwnWrites(t *testing.T) {
	db := setup(t)
	ok(t, db.InBatch(func(tx *Tx) error {
		if !tx.IsWritable() {
			t.Errorf("batch tx is not writable")
		}
		if tx.Database() != db {
			t.Errorf("tx.Database() = %p, wanted %p", tx.Database(), db)
		}
		r1, err := tx.Put("a", map[string]any{"n": 1}, "", false)
		if err != nil {
			return err
		}
		got, err := tx.GetRevision("a", "")
		if err != nil {
			return err
		}
		if got.RevID() != r1.RevID() || got.Get("n") != 1.0 {
			t.Errorf("GetRevision inside batch = %v n=%v", got, got.Get("n"))
		}
		if _, err := tx.DeleteDocument("a", r1.RevID()); err != nil {
			return err
		}
		purged, err := tx.Purge("a")
		if err != nil || !purged {
			t.Errorf("Purge inside batch = %v, %v", purged, err)
		}
		return nil
	}))
	if a := db.LastSequenceNumber(); a != 2 {
		t.Errorf("LastSequenceNumber = %d, wanted 2", a)
	}
	if a := must(db.DocumentCount()); a != 0 {
		t.Errorf("DocumentCount = %d, wanted 0", a)
	}
}

func TestTx_writeInReadPanics(t *testing.T) {
	db := setup(t)
	err := db.read(func(tx *Tx) error {
		if tx.IsWritable() {
			t.Errorf("read tx is writable")
		}
		_, err := tx.Put("a", map[string]any{}, "", false)
		return err
	})
	if err == nil || !strings.Contains(err.Error(), "Put requires a write transaction") {
		t.Fatalf("Put in read tx = %v, wanted panic error", err)
	}
	wantStatus(t, err, StatusDBError)
}

func TestTx_panicRollsBack(t *testing.T) {
	db := setup(t)
	boom := errors.New("boom")
	err := db.InBatch(func(tx *Tx) error {
		must(tx.Put("a", map[string]any{}, "", false))
		panic(boom)
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InBatch = %v, wanted boom", err)
	}
	if doc := must(db.GetExistingDocument("a")); doc != nil {
		t.Errorf("a exists after panicked batch")
	}
	if a := db.DescribeOpenTxns(); a != "NO OPEN TRANSACTIONS" {
		t.Errorf("DescribeOpenTxns() = %q", a)
	}
}

func TestTx_metaPersistsAcrossTransactions(t *testing.T) {
	db := setup(t)
	put(t, db, "a", map[string]any{}, "")
	put(t, db, "b", map[string]any{}, "")
	ok(t, db.read(func(tx *Tx) error {
		m := tx.loadMeta()
		if m.LastSeq != 2 || m.DocCount != 2 || m.UUID != db.UUID() {
			t.Errorf("meta = %+v", m)
		}
		return nil
	}))
}
