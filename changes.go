package docdb

type ChangesOptions struct {
	// Filter names a function registered with SetFilter. FilterFunc takes
	// precedence when both are set.
	Filter       string
	FilterFunc   FilterFunc
	FilterParams map[string]any

	// DocIDs restricts the listing to these documents.
	DocIDs []string

	// LeavesOnly skips revisions that have since been superseded.
	LeavesOnly bool

	// IncludeDocs loads bodies up front instead of on first access.
	IncludeDocs bool

	// Limit caps the number of results; zero means no limit.
	Limit int
}

// ChangesSince lists committed revisions with a sequence greater than since,
// in ascending sequence order. Local documents never appear. Calling it again
// with the same since returns the same revisions followed by newer ones.
func (db *Database) ChangesSince(since uint64, opt *ChangesOptions) ([]*Revision, error) {
	if opt == nil {
		opt = &ChangesOptions{}
	}
	filter := opt.FilterFunc
	if filter == nil && opt.Filter != "" {
		filter = db.Filter(opt.Filter)
		if filter == nil {
			return nil, newErr(StatusNotFound, "changes", "", "", nil, "no filter named %q", opt.Filter)
		}
	}
	var result []*Revision
	err := db.read(func(tx *Tx) error {
		var err error
		result, err = tx.changesSince(since, opt, filter)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (tx *Tx) changesSince(since uint64, opt *ChangesOptions, filter FilterFunc) ([]*Revision, error) {
	var docIDs map[string]bool
	if opt.DocIDs != nil {
		docIDs = make(map[string]bool, len(opt.DocIDs))
		for _, id := range opt.DocIDs {
			docIDs[id] = true
		}
	}

	if since == ^uint64(0) {
		return nil, nil
	}
	trees := make(map[string]*revTree)
	var result []*Revision
	rang := keyRange{Lower: seqKey(since + 1)}
	for c := rang.newCursor(tx.bucket(bucketSeqs).Cursor(), tx.logger()); c.Next(); {
		rec, err := decodeChangeRecord(c.Value())
		if err != nil {
			return nil, err
		}
		if docIDs != nil && !docIDs[rec.DocID] {
			continue
		}
		t, ok := trees[rec.DocID]
		if !ok {
			t, err = tx.loadTree(rec.DocID)
			if err != nil {
				return nil, err
			}
			trees[rec.DocID] = t
		}
		if t == nil {
			continue
		}
		i := t.find(rec.RevID)
		if i < 0 {
			continue
		}
		if opt.LeavesOnly && !t.isLeaf(i) {
			continue
		}

		var rev *Revision
		if opt.IncludeDocs || filter != nil {
			body, err := tx.loadBody(t.Nodes[i].Seq)
			if err != nil {
				return nil, err
			}
			rev = tx.revisionFromNode(rec.DocID, t, i, body, true)
		} else {
			rev = tx.revisionFromNode(rec.DocID, t, i, nil, false)
		}
		rev.sequence = decodeSeqKey(c.Key())

		if filter != nil && !callFilter(filter, rev, opt.FilterParams) {
			continue
		}
		result = append(result, rev)
		if opt.Limit > 0 && len(result) >= opt.Limit {
			break
		}
	}
	return result, nil
}
