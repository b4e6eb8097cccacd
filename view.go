package docdb

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/singleflight"

	"github.com/andreyvit/docdb/collate"
)

// EmitFunc adds a row to a view's index. Keys and values must be JSON-like.
type EmitFunc func(key, value any)

// MapFunc is called with a document's current properties, including _id,
// _rev, _local_seq and, for conflicted documents, _conflicts. A panic fails
// indexing of that document only.
type MapFunc func(doc map[string]any, emit EmitFunc)

// ReduceFunc combines values. With rereduce set, values are earlier results
// of the same function and keys is nil.
type ReduceFunc func(keys, values []any, rereduce bool) (any, error)

type ViewState int

const (
	// ViewUnbuilt means the view has no map function in this process.
	ViewUnbuilt ViewState = iota
	// ViewStale means documents were written since the last index update.
	ViewStale
	ViewUpToDate
)

func (s ViewState) String() string {
	switch s {
	case ViewUnbuilt:
		return "unbuilt"
	case ViewStale:
		return "stale"
	case ViewUpToDate:
		return "up_to_date"
	default:
		return "invalid"
	}
}

// viewDef is the registry entry shared by every handle on a core: the
// functions live here, never in a View.
type viewDef struct {
	name string

	mu        sync.RWMutex
	mapFn     MapFunc
	reduceFn  ReduceFunc
	version   string
	collation collate.Mode

	mapInvocations atomic.Int64
	updates        singleflight.Group
}

func (def *viewDef) funcs() (MapFunc, ReduceFunc, string, collate.Mode) {
	def.mu.RLock()
	defer def.mu.RUnlock()
	return def.mapFn, def.reduceFn, def.version, def.collation
}

// viewState is persisted per view in the views bucket.
type viewState struct {
	Version   string       `msgpack:"v"`
	Collation collate.Mode `msgpack:"c"`
	LastSeq   uint64       `msgpack:"s"`
	TotalRows int64        `msgpack:"n"`
}

// View is a handle on a named index.
type View struct {
	db  *Database
	def *viewDef
}

func (c *core) viewDef(name string, create bool) *viewDef {
	c.viewsMu.Lock()
	defer c.viewsMu.Unlock()
	def := c.views[name]
	if def == nil && create {
		def = &viewDef{name: name}
		c.views[name] = def
	}
	return def
}

// View returns the named view, registering it if needed.
func (db *Database) View(name string) *View {
	return &View{db: db, def: db.core.viewDef(name, true)}
}

// ExistingView returns the named view if it has a map function or a
// persisted index, otherwise nil.
func (db *Database) ExistingView(name string) *View {
	if def := db.core.viewDef(name, false); def != nil {
		return &View{db: db, def: def}
	}
	var found bool
	db.read(func(tx *Tx) error {
		st, err := tx.loadViewState(name)
		found = err == nil && st != nil
		return nil
	})
	if !found {
		return nil
	}
	return db.View(name)
}

// AllViews returns every view with a persisted index, sorted by name.
func (db *Database) AllViews() []*View {
	var names []string
	db.read(func(tx *Tx) error {
		names = tx.viewNames()
		return nil
	})
	sort.Strings(names)
	views := make([]*View, len(names))
	for i, name := range names {
		views[i] = db.View(name)
	}
	return views
}

func (v *View) Name() string { return v.def.name }
func (v *View) Database() *Database { return v.db }
func (v *View) MapFunc() MapFunc { m, _, _, _ := v.def.funcs(); return m }
func (v *View) ReduceFunc() ReduceFunc { _, r, _, _ := v.def.funcs(); return r }

// MapInvocations counts map function calls made by this process.
func (v *View) MapInvocations() int64 { return v.def.mapInvocations.Load() }

// SetMapReduce installs the view's functions. It returns false when the
// version and the presence of a map function are unchanged, in which case
// the index is left alone. A different version discards the index; a nil
// mapFn deletes it.
func (v *View) SetMapReduce(mapFn MapFunc, reduceFn ReduceFunc, version string) bool {
	def := v.def
	def.mu.Lock()
	changed := version != def.version || (mapFn == nil) != (def.mapFn == nil)
	def.mapFn, def.reduceFn, def.version = mapFn, reduceFn, version
	collation := def.collation
	def.mu.Unlock()
	if !changed {
		return false
	}

	err := v.db.update("set_map_reduce", func(tx *Tx) error {
		st, err := tx.loadViewState(def.name)
		if err != nil {
			return err
		}
		if mapFn == nil {
			if st != nil {
				tx.deleteView(def.name)
			}
			return nil
		}
		if st == nil {
			tx.saveViewState(def.name, &viewState{Version: version, Collation: collation})
			return nil
		}
		if st.Version != version || st.Collation != collation {
			tx.resetViewIndex(def.name)
			tx.saveViewState(def.name, &viewState{Version: version, Collation: collation})
		}
		return nil
	})
	if err != nil {
		v.db.core.logger.Sugar().Errorf("db: view %s: cannot save state: %v", def.name, err)
	}
	return true
}

// SetCollation selects the key order. Changing it discards the index.
func (v *View) SetCollation(mode collate.Mode) error {
	def := v.def
	def.mu.Lock()
	def.collation = mode
	version := def.version
	hasMap := def.mapFn != nil
	def.mu.Unlock()

	return v.db.update("set_collation", func(tx *Tx) error {
		st, err := tx.loadViewState(def.name)
		if err != nil {
			return err
		}
		if st == nil {
			if hasMap {
				tx.saveViewState(def.name, &viewState{Version: version, Collation: mode})
			}
			return nil
		}
		if st.Collation != mode {
			tx.resetViewIndex(def.name)
			st = &viewState{Version: st.Version, Collation: mode}
			tx.saveViewState(def.name, st)
		}
		return nil
	})
}

func (v *View) Collation() collate.Mode {
	_, _, _, c := v.def.funcs()
	return c
}

func (v *View) loadState() *viewState {
	var st *viewState
	err := v.db.read(func(tx *Tx) error {
		var err error
		st, err = tx.loadViewState(v.def.name)
		return err
	})
	if err != nil {
		v.db.core.logger.Sugar().Errorf("db: view %s: cannot load state: %v", v.def.name, err)
	}
	return st
}

func (v *View) State() ViewState {
	if v.MapFunc() == nil {
		return ViewUnbuilt
	}
	st := v.loadState()
	if st == nil || st.LastSeq < v.db.LastSequenceNumber() {
		return ViewStale
	}
	return ViewUpToDate
}

func (v *View) IsStale() bool {
	return v.State() != ViewUpToDate
}

func (v *View) LastSequenceIndexed() uint64 {
	if st := v.loadState(); st != nil {
		return st.LastSeq
	}
	return 0
}

func (v *View) TotalRows() int {
	if st := v.loadState(); st != nil {
		return int(st.TotalRows)
	}
	return 0
}

// DeleteIndex discards all rows; the next update rebuilds from scratch.
func (v *View) DeleteIndex() error {
	_, _, version, collation := v.def.funcs()
	return v.db.update("delete_index", func(tx *Tx) error {
		st, err := tx.loadViewState(v.def.name)
		if err != nil || st == nil {
			return err
		}
		tx.resetViewIndex(v.def.name)
		tx.saveViewState(v.def.name, &viewState{Version: version, Collation: collation})
		return nil
	})
}

// Delete removes the index and unregisters the view's functions.
func (v *View) Delete() error {
	def := v.def
	def.mu.Lock()
	def.mapFn, def.reduceFn, def.version = nil, nil, ""
	def.mu.Unlock()
	v.db.core.viewsMu.Lock()
	delete(v.db.core.views, def.name)
	v.db.core.viewsMu.Unlock()
	return v.db.update("delete_view", func(tx *Tx) error {
		tx.deleteView(def.name)
		return nil
	})
}

func (tx *Tx) loadViewState(name string) (*viewState, error) {
	raw := tx.bucket(bucketViews).Get([]byte(name))
	if raw == nil {
		return nil, nil
	}
	st := new(viewState)
	if err := msgpack.Unmarshal(raw, st); err != nil {
		return nil, dataErrf(raw, 0, err, "invalid state of view %s", name)
	}
	return st, nil
}

func (tx *Tx) saveViewState(name string, st *viewState) {
	ensure(tx.bucket(bucketViews).Put([]byte(name), must(msgpack.Marshal(st))))
	tx.markWritten()
}

func (tx *Tx) resetViewIndex(name string) {
	for _, b := range []string{bucketRows, bucketRowKeys} {
		if err := tx.stx.DeleteBucket(b, name); err != nil && !errors.Is(err, ErrBucketNotFound) {
			panic(err)
		}
	}
	tx.markWritten()
	if tx.verbose() {
		tx.logf("db: VIEW.RESET %s", name)
	}
}

func (tx *Tx) deleteView(name string) {
	tx.resetViewIndex(name)
	ensure(tx.bucket(bucketViews).Delete([]byte(name)))
}

func (tx *Tx) viewNames() []string {
	var names []string
	c := tx.bucket(bucketViews).Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		names = append(names, string(k))
	}
	return names
}
