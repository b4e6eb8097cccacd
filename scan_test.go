package docdb

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func openTestStorages(t *testing.T) map[string]storage {
	dir := t.TempDir()
	opt := &Options{IsTesting: true}
	all := map[string]storage{
		"memory": newMemStorage(),
		"bolt":   must(openBoltStorage(filepath.Join(dir, "bolt.db"), opt)),
		"pebble": must(openPebbleStorage(filepath.Join(dir, "pebble"), opt)),
	}
	t.Cleanup(func() {
		for _, s := range all {
			s.Close()
		}
	})
	return all
}

func scanValues(b storageBucket, rang keyRange) string {
	var got []byte
	for c := rang.newCursor(b.Cursor(), zap.NewNop()); c.Next(); {
		got = append(got, c.Value()...)
	}
	return string(got)
}

func TestKeyRange_boundsPrefixAndReverse(t *testing.T) {
	for name, s := range openTestStorages(t) {
		t.Run(name, func(t *testing.T) {
			wtx := must(s.BeginTx(true))
			buck := must(wtx.CreateBucket("b", ""))
			ensure(buck.Put([]byte{0x10, 0x01}, []byte("a")))
			ensure(buck.Put([]byte{0x10, 0x02}, []byte("b")))
			ensure(buck.Put([]byte{0x10, 0x03}, []byte("c")))
			ensure(buck.Put([]byte{0x10, 0xFF}, []byte("d")))
			ensure(buck.Put([]byte{0x11, 0x01}, []byte("x")))
			ensure(buck.Put([]byte{0x0F}, []byte("w")))
			ok(t, wtx.Commit())

			rtx := must(s.BeginTx(false))
			defer rtx.Rollback()
			b := rtx.Bucket("b", "")
			if b == nil {
				t.Fatalf("bucket b missing after commit")
			}

			tests := []struct {
				rang keyRange
				e    string
			}{
				{keyRange{}, "wabcdx"},
				{keyRange{Reverse: true}, "xdcbaw"},
				{prefixRange([]byte{0x10}), "abcd"},
				{keyRange{Lower: []byte{0x10}, Upper: successor([]byte{0x10}), Reverse: true}, "dcba"},
				{keyRange{Lower: []byte{0x10, 0x02}}, "bcdx"},
				{keyRange{Upper: []byte{0x10, 0x03}}, "wab"},
				{keyRange{Upper: []byte{0x10, 0x03}, Reverse: true}, "baw"},
				{keyRange{Lower: []byte{0x10, 0x02}, Upper: []byte{0x10, 0x02}}, ""},
				{keyRange{Lower: []byte{0x20}}, ""},
				{keyRange{Upper: []byte{0x20}, Reverse: true}, "xdcbaw"},
			}
			for _, tt := range tests {
				if a := scanValues(b, tt.rang); a != tt.e {
					t.Errorf("scan %x..%x reverse=%v = %q, wanted %q", tt.rang.Lower, tt.rang.Upper, tt.rang.Reverse, a, tt.e)
				}
			}

			if k, _ := b.Cursor().SeekLast([]byte{0x10}); string(k) != string([]byte{0x10, 0xFF}) {
				t.Errorf("SeekLast(10) = %x, wanted 10ff", k)
			}
			if k, _ := b.Cursor().SeekLast([]byte{0x10, 0x02, 0x00}); string(k) != string([]byte{0x10, 0x02}) {
				t.Errorf("SeekLast(100200) = %x, wanted 1002", k)
			}
			if k, _ := b.Cursor().SeekLast([]byte{0x01}); k != nil {
				t.Errorf("SeekLast(01) = %x, wanted nil", k)
			}
		})
	}
}

func TestStorage_nestedBuckets(t *testing.T) {
	for name, s := range openTestStorages(t) {
		t.Run(name, func(t *testing.T) {
			wtx := must(s.BeginTx(true))
			v1 := must(wtx.CreateBucket("rows", "v1"))
			v2 := must(wtx.CreateBucket("rows", "v2"))
			ensure(v1.Put([]byte("k"), []byte("1")))
			ensure(v2.Put([]byte("k"), []byte("2")))
			ok(t, wtx.Commit())

			wtx = must(s.BeginTx(true))
			ok(t, wtx.DeleteBucket("rows", "v1"))
			if err := wtx.DeleteBucket("rows", "v1"); err != ErrBucketNotFound {
				t.Errorf("second DeleteBucket = %v, wanted ErrBucketNotFound", err)
			}
			ok(t, wtx.Commit())

			rtx := must(s.BeginTx(false))
			defer rtx.Rollback()
			if rtx.Writable() {
				t.Errorf("read tx is writable")
			}
			if b := rtx.Bucket("rows", "v1"); b != nil && b.Get([]byte("k")) != nil {
				t.Errorf("deleted bucket still has data")
			}
			if a := string(rtx.Bucket("rows", "v2").Get([]byte("k"))); a != "2" {
				t.Errorf("v2.k = %q, wanted 2", a)
			}
			if a := rtx.Bucket("rows", "v2").Stats().KeyN; a != 1 {
				t.Errorf("v2 KeyN = %d, wanted 1", a)
			}
		})
	}
}

func TestStorage_rollbackDiscards(t *testing.T) {
	for name, s := range openTestStorages(t) {
		t.Run(name, func(t *testing.T) {
			wtx := must(s.BeginTx(true))
			ensure(must(wtx.CreateBucket("b", "")).Put([]byte("k"), []byte("v")))
			ok(t, wtx.Rollback())

			rtx := must(s.BeginTx(false))
			defer rtx.Rollback()
			if b := rtx.Bucket("b", ""); b != nil && b.Get([]byte("k")) != nil {
				t.Errorf("rolled back write is visible")
			}
		})
	}
}

func TestMemStorage_readersKeepSnapshot(t *testing.T) {
	s := newMemStorage()
	defer s.Close()

	wtx := must(s.BeginTx(true))
	ensure(must(wtx.CreateBucket("b", "")).Put([]byte("k"), []byte("1")))
	ok(t, wtx.Commit())

	rtx := must(s.BeginTx(false))
	defer rtx.Rollback()
	c := rtx.Bucket("b", "").Cursor()
	c.First()

	wtx = must(s.BeginTx(true))
	b := wtx.Bucket("b", "")
	ensure(b.Put([]byte("k"), []byte("2")))
	ensure(b.Put([]byte("k2"), []byte("x")))
	ok(t, wtx.Commit())

	if a := string(rtx.Bucket("b", "").Get([]byte("k"))); a != "1" {
		t.Errorf("reader k = %q, wanted 1", a)
	}
	if k, _ := c.Next(); k != nil {
		t.Errorf("reader cursor sees %q written after it began", k)
	}

	rtx2 := must(s.BeginTx(false))
	defer rtx2.Rollback()
	if a := string(rtx2.Bucket("b", "").Get([]byte("k"))); a != "2" {
		t.Errorf("new reader k = %q, wanted 2", a)
	}
}
