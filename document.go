package docdb

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// Document is a cached handle on one document ID. It memoizes the current
// revision; committed changes observed by the database refresh it.
type Document struct {
	db *Database
	id string

	mu      sync.Mutex
	current *Revision
	loaded  bool
}

// CreateDocument returns a handle with a new random ID. Nothing is stored
// until the first PutProperties.
func (db *Database) CreateDocument() *Document {
	return db.GetDocument(uuid.NewString())
}

// GetDocument returns the handle for id, whether or not the document exists,
// or nil if id is not a valid document ID.
func (db *Database) GetDocument(id string) *Document {
	if !validDocID(id) {
		return nil
	}
	if v, ok := db.cache.Get(id); ok {
		return v.(*Document)
	}
	doc := &Document{db: db, id: id}
	db.cache.Add(id, doc)
	return doc
}

// GetExistingDocument returns the handle for id, or nil if no revision of
// it was ever stored (or it was purged). Deleted documents are returned.
func (db *Database) GetExistingDocument(id string) (*Document, error) {
	if !validDocID(id) {
		return nil, nil
	}
	doc := db.GetDocument(id)
	if err := doc.load(); err != nil {
		return nil, err
	}
	if doc.currentRevision() == nil {
		return nil, nil
	}
	return doc, nil
}

// EvictAll empties the handle cache. Outstanding Document values stay
// usable but are no longer refreshed.
func (db *Database) EvictAll() {
	db.cache.Purge()
}

func (db *Database) Evict(id string) {
	db.cache.Remove(id)
}

func (doc *Document) ID() string { return doc.id }
func (doc *Document) Database() *Database { return doc.db }

func (doc *Document) load() error {
	doc.mu.Lock()
	defer doc.mu.Unlock()
	if doc.loaded {
		return nil
	}
	rev, err := doc.db.GetRevision(doc.id, "")
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	doc.current, doc.loaded = rev, true
	return nil
}

func (doc *Document) currentRevision() *Revision {
	doc.mu.Lock()
	defer doc.mu.Unlock()
	return doc.current
}

// invalidate drops the memoized revision, or replaces it when the change
// carries the new winner.
func (doc *Document) invalidate(rev *Revision) {
	doc.mu.Lock()
	doc.current, doc.loaded = rev, rev != nil
	doc.mu.Unlock()
}

// CurrentRevision returns the winning revision, which is a tombstone for a
// deleted document, or nil if the document does not exist.
func (doc *Document) CurrentRevision() *Revision {
	if err := doc.load(); err != nil {
		doc.db.core.logger.Sugar().Errorf("db: cannot load document %s: %v", doc.id, err)
		return nil
	}
	return doc.currentRevision()
}

func (doc *Document) CurrentRevisionID() string {
	if rev := doc.CurrentRevision(); rev != nil {
		return rev.RevID()
	}
	return ""
}

func (doc *Document) Exists() bool {
	return doc.CurrentRevision() != nil
}

func (doc *Document) IsDeleted() bool {
	rev := doc.CurrentRevision()
	return rev != nil && rev.IsDeletion()
}

// Properties returns the current revision's properties, or nil.
func (doc *Document) Properties() map[string]any {
	if rev := doc.CurrentRevision(); rev != nil {
		return rev.Properties()
	}
	return nil
}

func (doc *Document) UserProperties() map[string]any {
	if rev := doc.CurrentRevision(); rev != nil {
		return rev.UserProperties()
	}
	return nil
}

func (doc *Document) Get(key string) any {
	if rev := doc.CurrentRevision(); rev != nil {
		return rev.Get(key)
	}
	return nil
}

// PutProperties saves a new revision. The parent is props["_rev"]; a
// missing _rev creates the document. A stale _rev fails with a Conflict.
func (doc *Document) PutProperties(props map[string]any) (*Revision, error) {
	prevRevID, _ := props["_rev"].(string)
	rev, err := doc.db.Put(doc.id, props, prevRevID, false)
	if err != nil {
		return nil, err
	}
	doc.invalidate(rev)
	return rev, nil
}

// Update applies fn to a copy of the current properties and saves the
// result, retrying with fresh properties on Conflict. Returning nil
// properties from fn cancels the update.
func (doc *Document) Update(fn func(props map[string]any) (map[string]any, error)) (*Revision, error) {
	for {
		var props map[string]any
		if rev := doc.CurrentRevision(); rev != nil && !rev.IsDeletion() {
			var err error
			if props, err = rev.LoadProperties(); err != nil {
				return nil, err
			}
		} else {
			props = make(map[string]any)
			if rev != nil {
				props["_rev"] = rev.RevID()
			}
		}
		updated, err := fn(props)
		if err != nil {
			return nil, err
		}
		if updated == nil {
			return nil, nil
		}
		rev, err := doc.PutProperties(updated)
		if errors.Is(err, ErrConflict) {
			doc.invalidate(nil)
			continue
		}
		return rev, err
	}
}

// Delete adds a tombstone on top of the current revision.
func (doc *Document) Delete() (*Revision, error) {
	prevRevID := doc.CurrentRevisionID()
	if prevRevID == "" {
		return nil, newErr(StatusNotFound, "delete", doc.id, "", nil, "no such document")
	}
	var rev *Revision
	err := doc.db.update("delete", func(tx *Tx) error {
		var err error
		rev, err = tx.DeleteDocument(doc.id, prevRevID)
		return err
	})
	if err != nil {
		return nil, err
	}
	doc.invalidate(rev)
	return rev, nil
}

// Purge erases every revision of the document as if it never existed.
func (doc *Document) Purge() (bool, error) {
	return doc.db.Purge(doc.id)
}

func (doc *Document) ConflictingRevisions() ([]*Revision, error) {
	return doc.db.ConflictingRevisions(doc.id)
}

func (doc *Document) LeafRevisions() ([]*Revision, error) {
	return doc.db.LeafRevisions(doc.id)
}

// RevisionHistory returns the current revision and its ancestors, newest
// first.
func (doc *Document) RevisionHistory() ([]*Revision, error) {
	rev := doc.CurrentRevision()
	if rev == nil {
		return nil, nil
	}
	return doc.db.GetRevisionHistory(rev)
}

func (doc *Document) Revision(revID string) (*Revision, error) {
	if revID == "" {
		return nil, newErr(StatusNotFound, "get", doc.id, "", nil, "no revision ID")
	}
	if rev := doc.currentRevision(); rev != nil && rev.RevID() == revID {
		return rev, nil
	}
	return doc.db.GetRevision(doc.id, revID)
}

// OnChange calls fn for every committed change to this document, on the
// database's dispatch goroutine.
func (doc *Document) OnChange(fn func(DocumentChange)) (cancel func()) {
	return doc.db.OnChange(func(chg DatabaseChange) {
		for _, c := range chg.Changes {
			if c.DocID == doc.id {
				fn(c)
			}
		}
	})
}

func (doc *Document) String() string {
	return "doc(" + doc.id + ")"
}
