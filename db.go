package docdb

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/andreyvit/docdb/blobstore"
)

const trackTxns = true

type Options struct {
	Backend Backend

	// InMemory keeps the database out of the file system. Bolt databases
	// fall back to the memory backend; pebble uses an in-memory FS.
	// Attachments go to a temporary directory removed on Close.
	InMemory bool

	Logger  *zap.Logger
	Verbose bool

	// IsTesting trades durability for speed.
	IsTesting bool
	MmapSize  int

	// LockTimeout bounds how long Open waits for a bolt file held by
	// another process. Defaults to 10s.
	LockTimeout time.Duration

	// Name labels metrics and log lines. Defaults to the file name.
	Name string

	// AttachmentsDir defaults to "<path> attachments".
	AttachmentsDir string

	DocumentCacheSize int
	MaxRevTreeDepth   int
	ReduceBatchSize   int

	// Registerer receives the database's Prometheus collectors.
	Registerer prometheus.Registerer
}

func (opt *Options) setDefaults(path string) {
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	if opt.Name == "" {
		opt.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if opt.DocumentCacheSize <= 0 {
		opt.DocumentCacheSize = 100
	}
	if opt.MaxRevTreeDepth <= 0 {
		opt.MaxRevTreeDepth = 20
	}
	if opt.ReduceBatchSize <= 0 {
		opt.ReduceBatchSize = 100
	} else if opt.ReduceBatchSize < 2 {
		// rereducing one partial at a time never converges
		opt.ReduceBatchSize = 2
	}
	if opt.Backend == BackendBolt && opt.InMemory {
		opt.Backend = BackendMemory
	}
	if opt.Backend == BackendMemory {
		opt.InMemory = true
	}
}

// core is the state shared by every handle on one database: storage, blobs,
// registries and the change dispatcher.
type core struct {
	opt     Options
	path    string
	storage storage
	blobs   *blobstore.Store
	tempDir string

	// blobGC is held shared by writers and exclusively by Compact, which
	// deletes unreferenced blobs after its commit.
	blobGC sync.RWMutex
	logger  *zap.Logger

	hooks *hooks

	viewsMu sync.Mutex
	views   map[string]*viewDef

	dispatcher *dispatcher
	metrics    *metrics
	lastSeq    atomic.Uint64
	uuid       string

	closeMu   sync.RWMutex
	closed    bool
	closeOnce sync.Once

	background sync.WaitGroup

	handlesMu sync.Mutex
	handles   map[*Database]struct{}

	lastSize       atomic.Int64
	readers        atomic.Int64
	writers        atomic.Int64
	pendingWriters atomic.Int64
	readCount      atomic.Uint64
	writeCount     atomic.Uint64

	txns     []*Tx
	txnsLock sync.Mutex
}

// Database is a handle on an open database. Handles returned by RunAsync
// share everything except the document cache.
type Database struct {
	core   *core
	cache  *lru.Cache
	shadow bool
}

// Open opens or creates the database at path. For the bolt backend path is
// a file, for pebble a directory.
func Open(path string, opt Options) (*Database, error) {
	opt.setDefaults(path)

	var st storage
	var err error
	switch opt.Backend {
	case BackendBolt:
		st, err = openBoltStorage(path, &opt)
	case BackendPebble:
		st, err = openPebbleStorage(path, &opt)
	case BackendMemory:
		st = newMemStorage()
	default:
		err = fmt.Errorf("unknown backend %v", opt.Backend)
	}
	if err != nil {
		return nil, wrapStorageErr("open", fmt.Errorf("%s: %w", path, err))
	}

	c := &core{
		opt:     opt,
		path:    path,
		storage: st,
		logger:  opt.Logger,
		hooks:   newHooks(),
		views:   make(map[string]*viewDef),
		metrics: newMetrics(opt.Name, opt.Registerer),
		handles: make(map[*Database]struct{}),
	}

	blobDir := opt.AttachmentsDir
	if blobDir == "" {
		if opt.InMemory {
			c.tempDir, err = os.MkdirTemp("", "docdb-attachments-*")
			if err != nil {
				st.Close()
				return nil, wrapStorageErr("open", err)
			}
			blobDir = c.tempDir
		} else {
			blobDir = path + " attachments"
		}
	}
	c.blobs, err = blobstore.Open(blobDir, blobstore.Options{Logger: opt.Logger})
	if err != nil {
		c.closeStorage()
		return nil, wrapStorageErr("open", err)
	}
	c.dispatcher = newDispatcher(opt.Logger)

	db := c.newHandle(false)
	err = db.update("open", func(tx *Tx) error {
		for _, name := range rootBuckets {
			if _, err := tx.stx.CreateBucket(name, ""); err != nil {
				return err
			}
		}
		m := tx.loadMeta()
		if m.UUID == "" {
			m.UUID = uuid.NewString()
			tx.metaDirty = true
		}
		c.uuid = m.UUID
		return nil
	})
	if err != nil {
		c.dispatcher.close()
		c.closeStorage()
		return nil, err
	}
	c.logger.Debug("db: opened",
		zap.String("db", opt.Name),
		zap.String("path", path),
		zap.Stringer("backend", opt.Backend),
		zap.Uint64("seq", c.lastSeq.Load()))
	return db, nil
}

func (c *core) newHandle(shadow bool) *Database {
	db := &Database{
		core:   c,
		cache:  must(lru.New(c.opt.DocumentCacheSize)),
		shadow: shadow,
	}
	c.handlesMu.Lock()
	c.handles[db] = struct{}{}
	c.handlesMu.Unlock()
	return db
}

func (c *core) releaseHandle(db *Database) {
	c.handlesMu.Lock()
	delete(c.handles, db)
	c.handlesMu.Unlock()
}

func (c *core) eachHandle(f func(db *Database)) {
	c.handlesMu.Lock()
	handles := make([]*Database, 0, len(c.handles))
	for db := range c.handles {
		handles = append(handles, db)
	}
	c.handlesMu.Unlock()
	for _, db := range handles {
		f(db)
	}
}

// refreshCaches drops the memoized revisions of changed documents in
// every handle's cache.
func (c *core) refreshCaches(changes []DocumentChange) {
	c.eachHandle(func(db *Database) {
		for _, chg := range changes {
			if v, ok := db.cache.Peek(chg.DocID); ok {
				v.(*Document).invalidate(nil)
			}
		}
	})
}

func (c *core) evictEverywhere(docID string) {
	c.eachHandle(func(db *Database) {
		if v, ok := db.cache.Peek(docID); ok {
			v.(*Document).invalidate(nil)
			db.cache.Remove(docID)
		}
	})
}

func (db *Database) update(op string, f func(tx *Tx) error) error {
	return db.core.update(db, op, f)
}

func (db *Database) read(f func(tx *Tx) error) error {
	return db.core.read(db, f)
}

func (db *Database) Name() string { return db.core.opt.Name }
func (db *Database) Path() string { return db.core.path }

// UUID identifies this database file; it is generated on creation.
func (db *Database) UUID() string { return db.core.uuid }

func (db *Database) Logger() *zap.Logger { return db.core.logger }

// Size is the storage size as of the last commit, if the backend reports it.
func (db *Database) Size() int64 { return db.core.lastSize.Load() }

func (db *Database) IsClosed() bool {
	db.core.closeMu.RLock()
	defer db.core.closeMu.RUnlock()
	return db.core.closed
}

// Close waits for background index updates and pending change
// notifications, then closes the database. Closing a handle obtained from
// RunAsync only releases that handle.
func (db *Database) Close() error {
	if db.shadow {
		db.core.releaseHandle(db)
		return nil
	}
	return db.core.close()
}

func (c *core) close() error {
	var err error
	c.closeOnce.Do(func() {
		c.background.Wait()
		c.dispatcher.close()
		c.closeMu.Lock()
		c.closed = true
		c.closeMu.Unlock()
		err = c.closeStorage()
		c.logger.Debug("db: closed", zap.String("db", c.opt.Name))
	})
	return err
}

func (c *core) closeStorage() error {
	err := c.storage.Close()
	if c.tempDir != "" {
		if rerr := os.RemoveAll(c.tempDir); rerr != nil {
			c.logger.Warn("db: cannot remove attachments dir", zap.String("dir", c.tempDir), zap.Error(rerr))
		}
	}
	if err != nil {
		return wrapStorageErr("close", err)
	}
	return nil
}

// InBatch runs fn in one write transaction: every write commits together
// and produces one change notification, or none is stored if fn fails.
// Other writers block until the batch completes.
//
// Inside fn use the Tx methods only. Database write methods start their own
// transaction and would deadlock.
func (db *Database) InBatch(fn func(tx *Tx) error) error {
	return db.update("batch", fn)
}

// RunAsync calls fn on a new goroutine with a handle that shares this
// database but has its own document cache. The channel receives fn's
// result and is closed.
func (db *Database) RunAsync(fn func(bg *Database) error) <-chan error {
	done := make(chan error, 1)
	bg := db.core.newHandle(true)
	go func() {
		defer close(done)
		defer db.core.releaseHandle(bg)
		err := func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					err = panicked{p, string(debug.Stack())}
				}
			}()
			return fn(bg)
		}()
		done <- err
	}()
	return done
}

// OnChange registers fn for every committed transaction that stored
// revisions. fn runs on a dedicated goroutine, one event at a time, in
// commit order. It may call back into the database.
func (db *Database) OnChange(fn func(DatabaseChange)) (cancel func()) {
	return db.core.dispatcher.subscribe(fn)
}

// waitForChanges blocks until every change committed so far was delivered.
func (db *Database) waitForChanges() {
	db.core.dispatcher.wait()
}

func (c *core) addTx(tx *Tx) {
	if !trackTxns {
		return
	}
	tx.startTime = time.Now()
	if c.opt.IsTesting {
		tx.stack = debug.Stack()
	}
	c.txnsLock.Lock()
	defer c.txnsLock.Unlock()
	c.txns = append(c.txns, tx)
}

func (c *core) removeTx(tx *Tx) {
	if !trackTxns {
		return
	}
	c.txnsLock.Lock()
	defer c.txnsLock.Unlock()

	found := slices.Index(c.txns, tx)
	if found < 0 {
		panic("tx not found in list")
	}
	n := len(c.txns)
	c.txns[found] = c.txns[n-1]
	c.txns[n-1] = nil
	c.txns = c.txns[:n-1]
}

// DescribeOpenTxns lists open transactions and how long they have been
// open, with stacks for long-running ones when IsTesting is set.
func (db *Database) DescribeOpenTxns() string {
	if !trackTxns {
		return "OPEN TX TRACKING DISABLED"
	}
	c := db.core
	c.txnsLock.Lock()
	txns := slices.Clone(c.txns)
	c.txnsLock.Unlock()

	if len(txns) == 0 {
		return "NO OPEN TRANSACTIONS"
	}
	slices.SortFunc(txns, func(a, b *Tx) int {
		return a.startTime.Compare(b.startTime)
	})

	now := time.Now()
	var buf strings.Builder
	fmt.Fprintf(&buf, "%d OPEN TRANSACTIONS:\n", len(txns))
	for _, tx := range txns {
		ms := now.Sub(tx.startTime).Milliseconds()
		kind := "read"
		if tx.IsWritable() {
			kind = "write"
		}
		if ms < 100 || tx.stack == nil {
			fmt.Fprintf(&buf, "\n---\n%s open for %d ms\n", kind, ms)
		} else {
			fmt.Fprintf(&buf, "\n---\n%s open for %d ms:\n%s", kind, ms, tx.stack)
		}
	}
	return buf.String()
}
