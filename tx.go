package docdb

import (
	"fmt"
	"runtime/debug"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

const (
	bucketMeta    = "meta"
	bucketDocs    = "docs"
	bucketSeqs    = "seqs"
	bucketBodies  = "bodies"
	bucketLocal   = "local"
	bucketViews   = "views"
	bucketRows    = "rows"
	bucketRowKeys = "rowkeys"
)

var rootBuckets = []string{bucketMeta, bucketDocs, bucketSeqs, bucketBodies, bucketLocal, bucketViews, bucketRows, bucketRowKeys}

var metaKey = []byte("meta")

type dbMeta struct {
	LastSeq  uint64 `msgpack:"seq"`
	DocCount int64  `msgpack:"docs"`
	UUID     string `msgpack:"uuid"`
}

// changeRecord is stored under each sequence number.
type changeRecord struct {
	DocID   string `msgpack:"id"`
	RevID   string `msgpack:"r"`
	Deleted bool   `msgpack:"d,omitempty"`
}

// Tx is a storage transaction bound to a database handle. Write transactions
// are serialized; read transactions see the last committed state. A Tx must
// not be used after the function it was passed to returns.
type Tx struct {
	db  *Database
	stx storageTx

	meta      *dbMeta
	metaDirty bool
	written   bool

	changes      []DocumentChange
	newConflicts int
	purged       []string
	source       string

	keyBufs [][]byte

	startTime time.Time
	stack     []byte
}

func (db *Database) newTx(stx storageTx) *Tx {
	return &Tx{db: db, stx: stx}
}

func (tx *Tx) Database() *Database {
	return tx.db
}

func (tx *Tx) IsWritable() bool {
	return tx.stx.Writable()
}

func (tx *Tx) logger() *zap.Logger {
	return tx.db.core.logger
}

func (tx *Tx) verbose() bool {
	return tx.db.core.opt.Verbose
}

func (tx *Tx) logf(format string, args ...any) {
	tx.db.core.logger.Sugar().Debugf(format, args...)
}

func (tx *Tx) requireWritable(op string) {
	if !tx.stx.Writable() {
		panic(fmt.Errorf("%s requires a write transaction", op))
	}
}

func (tx *Tx) markWritten() {
	tx.written = true
}

func (tx *Tx) bucket(name string) storageBucket {
	b := tx.stx.Bucket(name, "")
	if b == nil {
		panic(fmt.Errorf("missing bucket %q", name))
	}
	return b
}

// subBucket returns a nested bucket, creating it in write transactions. In
// read transactions a missing bucket yields nil.
func (tx *Tx) subBucket(name, sub string) storageBucket {
	if b := tx.stx.Bucket(name, sub); b != nil {
		return b
	}
	if !tx.stx.Writable() {
		return nil
	}
	return must(tx.stx.CreateBucket(name, sub))
}

func (tx *Tx) keyBuf() []byte {
	buf := keyBytesPool.Get().([]byte)
	if tx.keyBufs == nil {
		tx.keyBufs = arrayOfBytesPool.Get().([][]byte)
	}
	return buf[:0]
}

// retainKey records a pooled buffer that storage may reference until the
// transaction ends.
func (tx *Tx) retainKey(buf []byte) []byte {
	tx.keyBufs = append(tx.keyBufs, buf)
	return buf
}

func (tx *Tx) release() {
	if tx.keyBufs == nil {
		return
	}
	for i, buf := range tx.keyBufs {
		if cap(buf) <= 4096 {
			keyBytesPool.Put(buf[:0])
		}
		tx.keyBufs[i] = nil
	}
	arrayOfBytesPool.Put(tx.keyBufs[:0])
	tx.keyBufs = nil
}

func (tx *Tx) loadMeta() *dbMeta {
	if tx.meta == nil {
		tx.meta = new(dbMeta)
		if raw := tx.bucket(bucketMeta).Get(metaKey); raw != nil {
			if err := msgpack.Unmarshal(raw, tx.meta); err != nil {
				panic(dataErrf(raw, 0, err, "invalid database meta"))
			}
		}
	}
	return tx.meta
}

func (tx *Tx) saveMeta() {
	if tx.meta == nil || !tx.metaDirty {
		return
	}
	ensure(tx.bucket(bucketMeta).Put(metaKey, must(msgpack.Marshal(tx.meta))))
	tx.metaDirty = false
}

func (tx *Tx) lastSeq() uint64 {
	return tx.loadMeta().LastSeq
}

func (tx *Tx) nextSeq() uint64 {
	m := tx.loadMeta()
	m.LastSeq++
	tx.metaDirty = true
	return m.LastSeq
}

func (tx *Tx) adjustDocCount(delta int64) {
	if delta == 0 {
		return
	}
	tx.loadMeta().DocCount += delta
	tx.metaDirty = true
}

func (tx *Tx) loadTree(docID string) (*revTree, error) {
	raw := tx.bucket(bucketDocs).Get([]byte(docID))
	if raw == nil {
		return nil, nil
	}
	return decodeRevTree(raw)
}

func (tx *Tx) saveTree(docID string, t *revTree) {
	ensure(tx.bucket(bucketDocs).Put([]byte(docID), t.encode()))
	tx.markWritten()
}

func (tx *Tx) loadBody(seq uint64) (map[string]any, error) {
	if seq == 0 {
		return nil, nil
	}
	raw := tx.bucket(bucketBodies).Get(seqKey(seq))
	if raw == nil {
		return nil, nil
	}
	var body map[string]any
	if err := msgpack.Unmarshal(raw, &body); err != nil {
		return nil, dataErrf(raw, 0, err, "invalid body at seq %d", seq)
	}
	if body == nil {
		body = map[string]any{}
	}
	return body, nil
}

func (tx *Tx) putBody(seq uint64, body map[string]any) {
	ensure(tx.bucket(bucketBodies).Put(seqKey(seq), must(msgpack.Marshal(body))))
}

func (tx *Tx) deleteBody(seq uint64) int {
	b := tx.bucket(bucketBodies)
	k := seqKey(seq)
	raw := b.Get(k)
	if raw == nil {
		return 0
	}
	ensure(b.Delete(k))
	return len(raw)
}

func (tx *Tx) putChangeRecord(seq uint64, rec changeRecord) {
	ensure(tx.bucket(bucketSeqs).Put(seqKey(seq), must(msgpack.Marshal(&rec))))
}

func (tx *Tx) deleteChangeRecord(seq uint64) {
	ensure(tx.bucket(bucketSeqs).Delete(seqKey(seq)))
}

func decodeChangeRecord(raw []byte) (changeRecord, error) {
	var rec changeRecord
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		return rec, dataErrf(raw, 0, err, "invalid change record")
	}
	return rec, nil
}

type panicked struct {
	reason any
	stack  string
}

func (p panicked) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", p.reason, p.stack)
}

func (p panicked) Unwrap() error {
	if err, ok := p.reason.(error); ok {
		return err
	}
	return nil
}

func safelyCall(fn func(*Tx) error, tx *Tx) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicked{p, string(debug.Stack())}
		}
	}()
	return fn(tx)
}

// update runs f in a write transaction and commits if it returns nil.
// Writers queue behind each other; readers are never blocked.
func (c *core) update(db *Database, op string, f func(tx *Tx) error) error {
	c.blobGC.RLock()
	defer c.blobGC.RUnlock()
	return c.write(db, op, f)
}

// write runs f in a write transaction. Callers hold blobGC.
func (c *core) write(db *Database, op string, f func(tx *Tx) error) error {
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	if c.closed {
		return ErrClosed
	}

	c.pendingWriters.Add(1)
	stx, err := c.storage.BeginTx(true)
	c.pendingWriters.Add(-1)
	if err != nil {
		return wrapStorageErr(op, err)
	}
	tx := db.newTx(stx)
	defer tx.release()
	c.writers.Add(1)
	defer c.writers.Add(-1)
	c.writeCount.Add(1)
	c.addTx(tx)
	defer c.removeTx(tx)

	err = safelyCall(func(tx *Tx) error {
		if err := f(tx); err != nil {
			return err
		}
		tx.saveMeta()
		return nil
	}, tx)
	if err != nil {
		stx.Rollback()
		if _, ok := err.(panicked); ok {
			c.logger.Error("db: transaction panicked", zap.String("op", op), zap.Error(err))
			return wrapStorageErr(op, err)
		}
		return err
	}
	c.lastSize.Store(stx.Size())
	if err := stx.Commit(); err != nil {
		stx.Rollback()
		return wrapStorageErr(op, err)
	}
	c.afterCommit(db, tx)
	return nil
}

// read runs f in a read-only transaction.
func (c *core) read(db *Database, f func(tx *Tx) error) error {
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	if c.closed {
		return ErrClosed
	}

	stx, err := c.storage.BeginTx(false)
	if err != nil {
		return wrapStorageErr("read", err)
	}
	defer stx.Rollback()
	tx := db.newTx(stx)
	defer tx.release()
	c.readers.Add(1)
	defer c.readers.Add(-1)
	c.readCount.Add(1)
	c.addTx(tx)
	defer c.removeTx(tx)

	err = safelyCall(f, tx)
	if _, ok := err.(panicked); ok {
		c.logger.Error("db: read panicked", zap.Error(err))
		return wrapStorageErr("read", err)
	}
	return err
}

func (c *core) afterCommit(db *Database, tx *Tx) {
	if tx.meta != nil {
		c.lastSeq.Store(tx.meta.LastSeq)
		c.metrics.lastSequence.Set(float64(tx.meta.LastSeq))
	}
	for _, id := range tx.purged {
		c.evictEverywhere(id)
	}
	if len(tx.changes) == 0 {
		return
	}
	c.metrics.revisionsInserted.Add(float64(len(tx.changes)))
	c.metrics.conflictsCreated.Add(float64(tx.newConflicts))
	c.refreshCaches(tx.changes)
	c.dispatcher.post(DatabaseChange{
		Changes:    tx.changes,
		IsExternal: tx.source != "",
		Source:     tx.source,
	})
}
