package docdb

import (
	"bytes"
	"fmt"
	"slices"
	"sort"
	"sync"
)

const memBucketSep = "\x00"

// memStorage keeps committed buckets immutable. A transaction starts from a
// copy of the bucket map; a write transaction clones a bucket the first time
// it modifies it, and Commit publishes its map. Readers therefore never copy
// data and never observe uncommitted writes.
type memStorage struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buckets map[string]*memBucket
	closed  bool
	writer  bool
}

// newMemStorage returns a transient in-memory storage for BackendMemory.
func newMemStorage() storage {
	s := &memStorage{buckets: make(map[string]*memBucket)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *memStorage) BeginTx(writable bool) (storageTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("storage closed")
	}
	if writable {
		for s.writer && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			return nil, fmt.Errorf("storage closed")
		}
		s.writer = true
	}

	tx := &memTx{
		writable: writable,
		base:     s,
		buckets:  make(map[string]*memBucket, len(s.buckets)),
	}
	for k, b := range s.buckets {
		tx.buckets[k] = b
	}
	if writable {
		tx.owned = make(map[*memBucket]bool)
	}
	return tx, nil
}

func (s *memStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.buckets = nil
	s.cond.Broadcast()
	return nil
}

type memTx struct {
	base     *memStorage
	writable bool
	buckets  map[string]*memBucket
	owned    map[*memBucket]bool // buckets created or cloned by this tx
	closed   bool
}

func (tx *memTx) Writable() bool { return tx.writable }

func (tx *memTx) closeLocked() {
	if tx.closed {
		return
	}
	tx.closed = true
	if tx.writable {
		tx.base.writer = false
		tx.base.cond.Broadcast()
	}
}

func (tx *memTx) checkOpen() {
	if tx.closed {
		panic("tx is closed")
	}
}

func (tx *memTx) checkWritable() error {
	tx.checkOpen()
	if !tx.writable {
		return fmt.Errorf("tx not writable")
	}
	return nil
}

// lookup returns the bucket as this tx currently sees it.
func (tx *memTx) lookup(key string) *memBucket {
	return tx.buckets[key]
}

// mutable returns a bucket this tx may modify in place.
func (tx *memTx) mutable(key string) *memBucket {
	b := tx.buckets[key]
	if b == nil || tx.owned[b] {
		return b
	}
	b = &memBucket{items: slices.Clone(b.items)}
	tx.buckets[key] = b
	tx.owned[b] = true
	return b
}

func (tx *memTx) Bucket(name, sub string) storageBucket {
	tx.checkOpen()
	key := memBucketKey(name, sub)
	if tx.lookup(key) == nil {
		return nil
	}
	return memBucketHandle{tx: tx, key: key}
}

func (tx *memTx) CreateBucket(name, sub string) (storageBucket, error) {
	if err := tx.checkWritable(); err != nil {
		return nil, err
	}
	// nested buckets live under an existing root, as in bbolt
	for _, key := range []string{memBucketKey(name, ""), memBucketKey(name, sub)} {
		if tx.buckets[key] == nil {
			b := &memBucket{}
			tx.buckets[key] = b
			tx.owned[b] = true
		}
	}
	return memBucketHandle{tx: tx, key: memBucketKey(name, sub)}, nil
}

func (tx *memTx) DeleteBucket(name, sub string) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	key := memBucketKey(name, sub)
	if sub == "" || tx.buckets[key] == nil {
		return ErrBucketNotFound
	}
	delete(tx.buckets, key)
	return nil
}

func (tx *memTx) Commit() error {
	if tx.closed {
		return nil
	}
	if !tx.writable {
		return fmt.Errorf("tx not writable")
	}
	tx.base.mu.Lock()
	defer tx.base.mu.Unlock()
	if tx.base.closed {
		tx.closeLocked()
		return fmt.Errorf("storage closed")
	}
	tx.base.buckets = tx.buckets
	tx.closeLocked()
	return nil
}

func (tx *memTx) Rollback() error {
	tx.base.mu.Lock()
	defer tx.base.mu.Unlock()
	tx.closeLocked()
	return nil
}

func (tx *memTx) Size() int64 { return 0 }

func memBucketKey(name, sub string) string {
	return name + memBucketSep + sub
}

// memBucket holds items sorted by key. Keys and values are copied on Put and
// never modified afterwards, so clones may share them.
type memBucket struct {
	items []memKV
}

type memKV struct {
	key   []byte
	value []byte
}

func (b *memBucket) search(key []byte) (int, bool) {
	i := sort.Search(len(b.items), func(i int) bool {
		return bytes.Compare(b.items[i].key, key) >= 0
	})
	return i, i < len(b.items) && bytes.Equal(b.items[i].key, key)
}

// memBucketHandle resolves its bucket through the tx on every call, so it
// keeps working after the tx clones the bucket on first write.
type memBucketHandle struct {
	tx  *memTx
	key string
}

func (h memBucketHandle) bucket() *memBucket {
	h.tx.checkOpen()
	if b := h.tx.lookup(h.key); b != nil {
		return b
	}
	return &memBucket{}
}

func (h memBucketHandle) Get(key []byte) []byte {
	b := h.bucket()
	i, ok := b.search(key)
	if !ok {
		return nil
	}
	return b.items[i].value
}

func (h memBucketHandle) Put(key, value []byte) error {
	if err := h.tx.checkWritable(); err != nil {
		return err
	}
	b := h.tx.mutable(h.key)
	if b == nil {
		return ErrBucketNotFound
	}
	kv := memKV{key: slices.Clone(key), value: slices.Clone(value)}
	i, ok := b.search(key)
	if ok {
		b.items[i] = kv
	} else {
		b.items = slices.Insert(b.items, i, kv)
	}
	return nil
}

func (h memBucketHandle) Delete(key []byte) error {
	if err := h.tx.checkWritable(); err != nil {
		return err
	}
	if _, ok := h.bucket().search(key); !ok {
		return nil
	}
	b := h.tx.mutable(h.key)
	i, _ := b.search(key)
	b.items = slices.Delete(b.items, i, i+1)
	return nil
}

func (h memBucketHandle) Cursor() storageCursor {
	return &memCursor{h: h, pos: -1}
}

func (h memBucketHandle) Stats() bucketStats {
	var inuse int64
	items := h.bucket().items
	for _, kv := range items {
		inuse += int64(len(kv.key) + len(kv.value))
	}
	return bucketStats{
		KeyN:      len(items),
		LeafInuse: inuse,
		LeafAlloc: inuse,
	}
}

type memCursor struct {
	h   memBucketHandle
	pos int
}

func (c *memCursor) at(i int) ([]byte, []byte) {
	items := c.h.bucket().items
	c.pos = i
	if i < 0 || i >= len(items) {
		return nil, nil
	}
	return items[i].key, items[i].value
}

func (c *memCursor) First() ([]byte, []byte) {
	return c.at(0)
}

func (c *memCursor) Last() ([]byte, []byte) {
	n := len(c.h.bucket().items)
	if n == 0 {
		return c.at(0)
	}
	return c.at(n - 1)
}

func (c *memCursor) Seek(seek []byte) ([]byte, []byte) {
	i, _ := c.h.bucket().search(seek)
	return c.at(i)
}

// SeekLast positions at the last key starting with prefix, or at the last
// key before it.
func (c *memCursor) SeekLast(prefix []byte) ([]byte, []byte) {
	if len(prefix) == 0 {
		return c.Last()
	}
	limit := append([]byte(nil), prefix...)
	if !inc(limit) {
		return c.Last()
	}
	i, _ := c.h.bucket().search(limit)
	if i == 0 {
		c.pos = 0
		return nil, nil
	}
	return c.at(i - 1)
}

func (c *memCursor) Next() ([]byte, []byte) {
	if c.pos < 0 {
		return c.First()
	}
	if c.pos >= len(c.h.bucket().items) {
		return nil, nil
	}
	return c.at(c.pos + 1)
}

func (c *memCursor) Prev() ([]byte, []byte) {
	if c.pos <= 0 {
		c.pos = -1
		return nil, nil
	}
	return c.at(c.pos - 1)
}
