package docdb

import (
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// Pebble has a single flat keyspace, so buckets become key prefixes:
//
//	0x00 ‖ bucketPrefix          → "" (bucket exists)
//	0x01 ‖ bucketPrefix ‖ key    → value
//
// where bucketPrefix = uvarint(len(name)) ‖ name ‖ uvarint(len(sub)) ‖ sub,
// which keeps the prefixes of distinct buckets from overlapping.
const (
	pebbleMarkerSpace = 0x00
	pebbleDataSpace   = 0x01
)

type pebbleStorage struct {
	db      *pebble.DB
	writeMu sync.Mutex
	sync    *pebble.WriteOptions
}

func openPebbleStorage(path string, opt *Options) (storage, error) {
	popt := &pebble.Options{}
	if opt.InMemory {
		popt.FS = vfs.NewMem()
	}
	db, err := pebble.Open(path, popt)
	if err != nil {
		return nil, err
	}
	s := &pebbleStorage{db: db, sync: pebble.Sync}
	if opt.IsTesting || opt.InMemory {
		s.sync = pebble.NoSync
	}
	return s, nil
}

type pebbleReader interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

func (s *pebbleStorage) BeginTx(writable bool) (storageTx, error) {
	if writable {
		s.writeMu.Lock()
		b := s.db.NewIndexedBatch()
		return &pebbleTx{s: s, batch: b, r: b}, nil
	}
	snap := s.db.NewSnapshot()
	return &pebbleTx{s: s, snap: snap, r: snap}, nil
}

func (s *pebbleStorage) Close() error {
	return s.db.Close()
}

type pebbleTx struct {
	s     *pebbleStorage
	batch *pebble.Batch
	snap  *pebble.Snapshot
	r     pebbleReader
	iters []*pebble.Iterator
	done  bool
}

func bucketPrefix(name, sub string) []byte {
	buf := make([]byte, 0, 2*binary.MaxVarintLen32+len(name)+len(sub))
	buf = binary.AppendUvarint(buf, uint64(len(name)))
	buf = append(buf, name...)
	buf = binary.AppendUvarint(buf, uint64(len(sub)))
	buf = append(buf, sub...)
	return buf
}

func (tx *pebbleTx) Writable() bool { return tx.batch != nil }

func (tx *pebbleTx) get(key []byte) ([]byte, error) {
	v, closer, err := tx.r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	result := append([]byte{}, v...)
	closer.Close()
	return result, nil
}

func (tx *pebbleTx) Bucket(name, sub string) storageBucket {
	if tx.done {
		panic("tx is closed")
	}
	bp := bucketPrefix(name, sub)
	marker := append([]byte{pebbleMarkerSpace}, bp...)
	v, err := tx.get(marker)
	if err != nil {
		panic(err)
	}
	if v == nil {
		return nil
	}
	return &pebbleBucket{tx: tx, prefix: append([]byte{pebbleDataSpace}, bp...)}
}

func (tx *pebbleTx) CreateBucket(name, sub string) (storageBucket, error) {
	if tx.batch == nil {
		return nil, errors.New("tx not writable")
	}
	if sub != "" {
		if _, err := tx.CreateBucket(name, ""); err != nil {
			return nil, err
		}
	}
	bp := bucketPrefix(name, sub)
	marker := append([]byte{pebbleMarkerSpace}, bp...)
	v, err := tx.get(marker)
	if err != nil {
		return nil, err
	}
	if v == nil {
		if err := tx.batch.Set(marker, nil, nil); err != nil {
			return nil, err
		}
	}
	return &pebbleBucket{tx: tx, prefix: append([]byte{pebbleDataSpace}, bp...)}, nil
}

func (tx *pebbleTx) DeleteBucket(name, sub string) error {
	if tx.batch == nil {
		return errors.New("tx not writable")
	}
	if sub == "" {
		return ErrBucketNotFound
	}
	bp := bucketPrefix(name, sub)
	marker := append([]byte{pebbleMarkerSpace}, bp...)
	v, err := tx.get(marker)
	if err != nil {
		return err
	}
	if v == nil {
		return ErrBucketNotFound
	}
	start := append([]byte{pebbleDataSpace}, bp...)
	if err := tx.batch.DeleteRange(start, successor(start), nil); err != nil {
		return err
	}
	return tx.batch.Delete(marker, nil)
}

func (tx *pebbleTx) closeIters() {
	for _, it := range tx.iters {
		it.Close()
	}
	tx.iters = nil
}

func (tx *pebbleTx) Commit() error {
	if tx.done {
		return nil
	}
	if tx.batch == nil {
		return errors.New("tx not writable")
	}
	tx.closeIters()
	tx.done = true
	err := tx.batch.Commit(tx.s.sync)
	tx.batch.Close()
	tx.s.writeMu.Unlock()
	return err
}

func (tx *pebbleTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.closeIters()
	tx.done = true
	if tx.batch != nil {
		err := tx.batch.Close()
		tx.s.writeMu.Unlock()
		return err
	}
	return tx.snap.Close()
}

func (tx *pebbleTx) Size() int64 {
	return int64(tx.s.db.Metrics().DiskSpaceUsage())
}

type pebbleBucket struct {
	tx     *pebbleTx
	prefix []byte
}

func (b *pebbleBucket) fullKey(key []byte) []byte {
	k := make([]byte, 0, len(b.prefix)+len(key))
	return append(append(k, b.prefix...), key...)
}

func (b *pebbleBucket) Get(key []byte) []byte {
	return must(b.tx.get(b.fullKey(key)))
}

func (b *pebbleBucket) Put(key, value []byte) error {
	if b.tx.batch == nil {
		return errors.New("tx not writable")
	}
	return b.tx.batch.Set(b.fullKey(key), value, nil)
}

func (b *pebbleBucket) Delete(key []byte) error {
	if b.tx.batch == nil {
		return errors.New("tx not writable")
	}
	return b.tx.batch.Delete(b.fullKey(key), nil)
}

func (b *pebbleBucket) Cursor() storageCursor {
	it, err := b.tx.r.NewIter(&pebble.IterOptions{
		LowerBound: b.prefix,
		UpperBound: successor(b.prefix),
	})
	if err != nil {
		panic(err)
	}
	b.tx.iters = append(b.tx.iters, it)
	return &pebbleCursor{it: it, prefix: b.prefix}
}

func (b *pebbleBucket) Stats() bucketStats {
	var s bucketStats
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		s.KeyN++
		s.LeafInuse += int64(len(k) + len(v))
	}
	s.LeafAlloc = s.LeafInuse
	return s
}

// pebbleCursor copies keys and values out of the iterator so that they stay
// valid for the whole transaction, matching bbolt.
type pebbleCursor struct {
	it     *pebble.Iterator
	prefix []byte
}

func (c *pebbleCursor) current(ok bool) ([]byte, []byte) {
	if !ok || !c.it.Valid() {
		return nil, nil
	}
	k := append([]byte{}, c.it.Key()[len(c.prefix):]...)
	v := append([]byte{}, c.it.Value()...)
	return k, v
}

func (c *pebbleCursor) full(key []byte) []byte {
	k := make([]byte, 0, len(c.prefix)+len(key))
	return append(append(k, c.prefix...), key...)
}

func (c *pebbleCursor) First() ([]byte, []byte) { return c.current(c.it.First()) }

func (c *pebbleCursor) Last() ([]byte, []byte) { return c.current(c.it.Last()) }

func (c *pebbleCursor) Seek(seek []byte) ([]byte, []byte) {
	return c.current(c.it.SeekGE(c.full(seek)))
}

func (c *pebbleCursor) SeekLast(prefix []byte) ([]byte, []byte) {
	if len(prefix) == 0 {
		return c.Last()
	}
	limit := successor(prefix)
	if limit == nil {
		return c.Last()
	}
	return c.current(c.it.SeekLT(c.full(limit)))
}

func (c *pebbleCursor) Next() ([]byte, []byte) { return c.current(c.it.Next()) }

func (c *pebbleCursor) Prev() ([]byte, []byte) { return c.current(c.it.Prev()) }
