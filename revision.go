package docdb

import (
	"sync"

	"github.com/andreyvit/docdb/revid"
)

// Revision is one immutable version of a document. Its body is loaded lazily
// when the revision came from a listing that did not ask for bodies.
type Revision struct {
	db *Database

	docID       string
	revID       string
	deleted     bool
	sequence    uint64
	parentRevID string
	parentSeq   uint64
	missing     bool

	mu     sync.Mutex
	body   map[string]any
	loaded bool
}

func (rev *Revision) DocID() string { return rev.docID }
func (rev *Revision) RevID() string { return rev.revID }
func (rev *Revision) Generation() int { return revid.Generation(rev.revID) }
func (rev *Revision) IsDeletion() bool { return rev.deleted }
func (rev *Revision) Sequence() uint64 { return rev.sequence }
func (rev *Revision) ParentRevID() string { return rev.parentRevID }
func (rev *Revision) ParentSequence() uint64 { return rev.parentSeq }

// IsMissing reports whether the revision's body is unavailable: it is a stub
// learned from a replicated history, or compaction dropped its body.
func (rev *Revision) IsMissing() bool { return rev.missing }

func (rev *Revision) Database() *Database { return rev.db }

func (rev *Revision) Document() *Document {
	return rev.db.GetDocument(rev.docID)
}

func (rev *Revision) setBody(body map[string]any) {
	rev.mu.Lock()
	rev.body, rev.loaded = body, true
	rev.mu.Unlock()
}

func (rev *Revision) loadBody() (map[string]any, error) {
	rev.mu.Lock()
	defer rev.mu.Unlock()
	if rev.loaded {
		return rev.body, nil
	}
	if rev.missing || rev.sequence == 0 {
		rev.loaded = true
		return nil, nil
	}
	var body map[string]any
	err := rev.db.read(func(tx *Tx) error {
		var err error
		body, err = tx.loadBody(rev.sequence)
		return err
	})
	if err != nil {
		return nil, err
	}
	rev.body, rev.loaded = body, true
	return body, nil
}

// LoadProperties returns the full properties, including _id, _rev and
// _deleted. A missing body yields the metadata alone.
func (rev *Revision) LoadProperties() (map[string]any, error) {
	body, err := rev.loadBody()
	if err != nil {
		return nil, err
	}
	props := deepCopyMap(body)
	if props == nil {
		props = make(map[string]any, 3)
	}
	props["_id"] = rev.docID
	props["_rev"] = rev.revID
	if rev.deleted {
		props["_deleted"] = true
	}
	return props, nil
}

// Properties is LoadProperties that logs failures and returns nil.
func (rev *Revision) Properties() map[string]any {
	props, err := rev.LoadProperties()
	if err != nil {
		rev.db.core.logger.Sugar().Errorf("db: cannot load body of %s@%s: %v", rev.docID, rev.revID, err)
		return nil
	}
	return props
}

func (rev *Revision) UserProperties() map[string]any {
	return UserProperties(rev.Properties())
}

func (rev *Revision) Get(key string) any {
	body, err := rev.loadBody()
	if err != nil {
		return nil
	}
	switch key {
	case "_id":
		return rev.docID
	case "_rev":
		return rev.revID
	case "_deleted":
		if rev.deleted {
			return true
		}
		return nil
	}
	return deepCopy(body[key])
}

// Parent returns the parent revision or nil for a root.
func (rev *Revision) Parent() (*Revision, error) {
	if rev.parentRevID == "" {
		return nil, nil
	}
	return rev.db.GetRevision(rev.docID, rev.parentRevID)
}

// History returns the revision and its ancestors, newest first.
func (rev *Revision) History() ([]*Revision, error) {
	return rev.db.GetRevisionHistory(rev)
}

func (rev *Revision) String() string {
	return rev.docID + "@" + rev.revID
}
