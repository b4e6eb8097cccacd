package docdb

import (
	"sort"
)

// revisionFromNode builds a Revision for node i. When loaded is false the
// body is fetched lazily on first access.
func (tx *Tx) revisionFromNode(docID string, t *revTree, i int, body map[string]any, loaded bool) *Revision {
	n := &t.Nodes[i]
	rev := &Revision{
		db:          tx.db,
		docID:       docID,
		revID:       n.RevID,
		deleted:     n.Deleted,
		sequence:    n.Seq,
		parentRevID: prevRevIDOf(t, int(n.Parent)),
		parentSeq:   t.parentSeq(i),
		missing:     !n.HasBody,
	}
	if loaded || rev.missing {
		rev.body, rev.loaded = body, true
	}
	return rev
}

// GetRevision returns revID of docID, or the current revision when revID is
// empty. The current revision of a deleted document is its tombstone.
func (db *Database) GetRevision(docID, revID string) (*Revision, error) {
	var rev *Revision
	err := db.read(func(tx *Tx) error {
		var err error
		rev, err = tx.GetRevision(docID, revID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rev, nil
}

func (tx *Tx) GetRevision(docID, revID string) (*Revision, error) {
	t, err := tx.loadTree(docID)
	if err != nil {
		return nil, err
	}
	if t == nil || len(t.Nodes) == 0 {
		return nil, newErr(StatusNotFound, "get", docID, revID, nil, "no such document")
	}
	i := -1
	if revID == "" {
		i = t.winner()
	} else {
		i = t.find(revID)
	}
	if i < 0 {
		return nil, newErr(StatusNotFound, "get", docID, revID, nil, "no such revision")
	}
	body, err := tx.loadBody(t.Nodes[i].Seq)
	if err != nil {
		return nil, err
	}
	rev := tx.revisionFromNode(docID, t, i, body, true)
	if tx.verbose() {
		tx.logf("db: GET %s@%s seq=%d", docID, rev.revID, rev.sequence)
	}
	return rev, nil
}

// GetRevisionHistory returns rev and its ancestors, newest first. Ancestors
// without a local body are marked IsMissing.
func (db *Database) GetRevisionHistory(rev *Revision) ([]*Revision, error) {
	var result []*Revision
	err := db.read(func(tx *Tx) error {
		t, err := tx.loadTree(rev.docID)
		if err != nil {
			return err
		}
		if t == nil {
			return newErr(StatusNotFound, "history", rev.docID, rev.revID, nil, "no such document")
		}
		i := t.find(rev.revID)
		if i < 0 {
			return newErr(StatusNotFound, "history", rev.docID, rev.revID, nil, "no such revision")
		}
		for _, j := range t.history(i) {
			result = append(result, tx.revisionFromNode(rev.docID, t, j, nil, false))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RevsDiff returns, for each document, the given revisions that are not
// stored locally. Documents with nothing missing are omitted.
func (db *Database) RevsDiff(revs map[string][]string) (map[string][]string, error) {
	result := make(map[string][]string)
	err := db.read(func(tx *Tx) error {
		for docID, ids := range revs {
			t, err := tx.loadTree(docID)
			if err != nil {
				return err
			}
			var missing []string
			for _, id := range ids {
				if t == nil {
					missing = append(missing, id)
				} else if i := t.find(id); i < 0 || t.Nodes[i].isStub() {
					missing = append(missing, id)
				}
			}
			if len(missing) > 0 {
				sort.Strings(missing)
				result[docID] = missing
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (tx *Tx) leafRevisions(docID string, conflictsOnly bool) ([]*Revision, error) {
	t, err := tx.loadTree(docID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, nil
	}
	var idxs []int
	if conflictsOnly {
		idxs = t.conflicts()
	} else {
		idxs = t.leaves()
		w := t.winner()
		sort.SliceStable(idxs, func(x, y int) bool {
			a, b := idxs[x], idxs[y]
			if a == w || b == w {
				return a == w && b != w
			}
			return t.beats(a, b)
		})
	}
	result := make([]*Revision, 0, len(idxs))
	for _, i := range idxs {
		result = append(result, tx.revisionFromNode(docID, t, i, nil, false))
	}
	return result, nil
}

// ConflictingRevisions returns the document's live leaves, winner first.
// When every leaf is a tombstone, all of them are returned.
func (db *Database) ConflictingRevisions(docID string) ([]*Revision, error) {
	var result []*Revision
	err := db.read(func(tx *Tx) error {
		var err error
		result, err = tx.leafRevisions(docID, true)
		return err
	})
	return result, err
}

// LeafRevisions returns every leaf including tombstones, winner first.
func (db *Database) LeafRevisions(docID string) ([]*Revision, error) {
	var result []*Revision
	err := db.read(func(tx *Tx) error {
		var err error
		result, err = tx.leafRevisions(docID, false)
		return err
	})
	return result, err
}

// DocumentCount returns the number of documents that are not deleted.
// Local documents are not counted.
func (db *Database) DocumentCount() (int, error) {
	var n int64
	err := db.read(func(tx *Tx) error {
		n = tx.loadMeta().DocCount
		return nil
	})
	return int(n), err
}

func (db *Database) LastSequenceNumber() uint64 {
	return db.core.lastSeq.Load()
}
