package docdb

import (
	"errors"

	"github.com/google/uuid"

	"github.com/andreyvit/docdb/revid"
)

// Put stores a new revision of docID. prevRevID names the parent: empty for
// a new document (or to recreate a deleted one), otherwise the revision
// being updated. Recreating a deleted document extends its tombstone, so the
// new revision's generation is one above the tombstone's rather than 1; only
// a purged document starts over at generation 1. With allowConflict the parent may be any existing
// revision, creating a branch. A "_deleted": true property makes the new
// revision a tombstone. An empty docID gets a fresh UUID.
func (db *Database) Put(docID string, props map[string]any, prevRevID string, allowConflict bool) (*Revision, error) {
	var rev *Revision
	err := db.update("put", func(tx *Tx) error {
		var err error
		rev, err = tx.Put(docID, props, prevRevID, allowConflict)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rev, nil
}

// DeleteDocument adds a tombstone on top of the current revision.
func (db *Database) DeleteDocument(docID string) (*Revision, error) {
	var rev *Revision
	err := db.update("delete", func(tx *Tx) error {
		var err error
		rev, err = tx.DeleteDocument(docID, "")
		return err
	})
	if err != nil {
		return nil, err
	}
	return rev, nil
}

// ForceInsert stores a revision received from elsewhere together with its
// ancestry. history lists revision IDs newest first, starting with the
// revision itself; ancestors not known locally become stubs without bodies.
// Inserting a revision that already exists does nothing.
func (db *Database) ForceInsert(docID string, props map[string]any, history []string, source string) (*Revision, error) {
	var rev *Revision
	err := db.update("force_insert", func(tx *Tx) error {
		var err error
		rev, err = tx.ForceInsert(docID, props, history, source)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rev, nil
}

func withDocID(err error, docID string) error {
	var e *Error
	if errors.As(err, &e) && e.DocID == "" && !e.sentinel {
		e.DocID = docID
	}
	return err
}

func (tx *Tx) Put(docID string, props map[string]any, prevRevID string, allowConflict bool) (*Revision, error) {
	tx.requireWritable("Put")
	body, deleted, err := splitProperties(props)
	if err != nil {
		return nil, withDocID(err, docID)
	}
	if docID == "" {
		if id, ok := props["_id"].(string); ok {
			docID = id
		} else if prevRevID == "" && !deleted {
			docID = uuid.NewString()
		}
	}
	return tx.putRevision(docID, body, deleted, prevRevID, allowConflict)
}

// DeleteDocument deletes prevRevID, or the current revision when empty.
func (tx *Tx) DeleteDocument(docID, prevRevID string) (*Revision, error) {
	tx.requireWritable("DeleteDocument")
	if prevRevID == "" {
		if !validDocID(docID) {
			return nil, newErr(StatusBadID, "delete", docID, "", nil, "invalid document ID")
		}
		t, err := tx.loadTree(docID)
		if err != nil {
			return nil, err
		}
		if t == nil || len(t.Nodes) == 0 {
			return nil, newErr(StatusNotFound, "delete", docID, "", nil, "no such document")
		}
		w := t.winner()
		if t.Nodes[w].Deleted {
			return nil, newErr(StatusConflict, "delete", docID, t.Nodes[w].RevID, nil, "document is already deleted")
		}
		prevRevID = t.Nodes[w].RevID
	}
	return tx.putRevision(docID, map[string]any{}, true, prevRevID, false)
}

func (tx *Tx) putRevision(docID string, body map[string]any, deleted bool, prevRevID string, allowConflict bool) (*Revision, error) {
	op := "put"
	if deleted {
		op = "delete"
	}
	if !validDocID(docID) {
		return nil, newErr(StatusBadID, op, docID, "", nil, "invalid document ID")
	}
	t, err := tx.loadTree(docID)
	if err != nil {
		return nil, err
	}
	exists := t != nil && len(t.Nodes) > 0

	parentIdx := -1
	if prevRevID == "" {
		if exists {
			w := t.winner()
			if !t.Nodes[w].Deleted {
				return nil, newErr(StatusConflict, op, docID, "", nil, "document already exists")
			}
			if deleted {
				return nil, newErr(StatusConflict, op, docID, t.Nodes[w].RevID, nil, "document is already deleted")
			}
			// recreating a deleted document continues its tree
			parentIdx = w
		} else if deleted {
			return nil, newErr(StatusNotFound, op, docID, "", nil, "no such document")
		}
	} else {
		if !exists {
			return nil, newErr(StatusNotFound, op, docID, prevRevID, nil, "no such document")
		}
		parentIdx = t.find(prevRevID)
		if parentIdx < 0 {
			return nil, newErr(StatusNotFound, op, docID, prevRevID, nil, "no such revision")
		}
		if !allowConflict && (!t.isLeaf(parentIdx) || parentIdx != t.winner()) {
			return nil, newErr(StatusConflict, op, docID, prevRevID, nil, "revision is not current")
		}
		if deleted && t.Nodes[parentIdx].Deleted {
			return nil, newErr(StatusConflict, op, docID, prevRevID, nil, "revision is already deleted")
		}
	}
	if t == nil {
		t = &revTree{}
	}

	var parent *Revision
	var parentBody map[string]any
	gen := 1
	var parentID revid.ID
	if parentIdx >= 0 {
		pn := &t.Nodes[parentIdx]
		parentBody, err = tx.loadBody(pn.Seq)
		if err != nil {
			return nil, err
		}
		parent = tx.revisionFromNode(docID, t, parentIdx, parentBody, true)
		parentID = revid.Parse(pn.RevID)
		gen = pn.gen + 1
	}

	if deleted {
		delete(body, "_attachments")
	}
	ac := &attachmentContext{docID: docID, generation: gen, parentAtts: attachmentsOf(parentBody)}
	if err := tx.db.processAttachments(body, ac); err != nil {
		return nil, err
	}

	canon, err := canonicalJSON(body)
	if err != nil {
		return nil, newErr(StatusBadJSON, op, docID, "", err, "cannot canonicalize body")
	}
	newRevID := revid.Generate(parentID, deleted, canon).String()

	if i := t.find(newRevID); i >= 0 && !t.Nodes[i].isStub() {
		if tx.verbose() {
			tx.logf("db: PUT.NOOP %s@%s", docID, newRevID)
		}
		return tx.revisionFromNode(docID, t, i, nil, false), nil
	}

	newRev := &Revision{
		db:          tx.db,
		docID:       docID,
		revID:       newRevID,
		deleted:     deleted,
		parentRevID: prevRevIDOf(t, parentIdx),
		parentSeq:   seqOf(t, parentIdx),
	}
	newRev.setBody(body)
	if err := tx.db.core.hooks.validate(newRev, &ValidationContext{current: parent, newRev: newRev}); err != nil {
		return nil, err
	}
	return tx.commitRevision(newRev, t, parentIdx, body, ""), nil
}

func prevRevIDOf(t *revTree, i int) string {
	if i < 0 {
		return ""
	}
	return t.Nodes[i].RevID
}

func seqOf(t *revTree, i int) uint64 {
	if i < 0 {
		return 0
	}
	return t.Nodes[i].Seq
}

func attachmentsOf(body map[string]any) map[string]any {
	atts, _ := body["_attachments"].(map[string]any)
	return atts
}

// commitRevision assigns the next sequence to rev and writes it under
// parentIdx. An existing stub with the same ID is filled in instead of
// adding a node.
func (tx *Tx) commitRevision(rev *Revision, t *revTree, parentIdx int, body map[string]any, source string) *Revision {
	wasLive := len(t.Nodes) > 0 && !t.isDeleted()
	conflictedBefore := t.liveLeafCount() > 1

	seq := tx.nextSeq()
	node := revNode{
		RevID:   rev.revID,
		Parent:  int32(parentIdx),
		Seq:     seq,
		Deleted: rev.deleted,
		HasBody: true,
	}
	idx := t.find(rev.revID)
	if idx >= 0 {
		node.Parent = t.Nodes[idx].Parent
		node.gen = t.Nodes[idx].gen
		t.Nodes[idx] = node
	} else {
		idx = t.add(node)
	}
	rev.sequence = seq

	tx.putBody(seq, body)
	tx.putChangeRecord(seq, changeRecord{DocID: rev.docID, RevID: rev.revID, Deleted: rev.deleted})
	tx.saveTree(rev.docID, t)

	isLive := !t.isDeleted()
	switch {
	case isLive && !wasLive:
		tx.adjustDocCount(1)
	case !isLive && wasLive:
		tx.adjustDocCount(-1)
	}

	w := t.winner()
	conflicted := t.liveLeafCount() > 1
	tx.changes = append(tx.changes, DocumentChange{
		DocID:        rev.docID,
		RevID:        rev.revID,
		Sequence:     seq,
		WinningRevID: t.Nodes[w].RevID,
		IsCurrent:    w == idx,
		IsConflict:   conflicted,
		IsDeletion:   rev.deleted,
		Source:       source,
	})
	if conflicted && !conflictedBefore {
		tx.newConflicts++
	}

	if tx.verbose() {
		tx.logf("db: PUT %s@%s seq=%d deleted=%v current=%v", rev.docID, rev.revID, seq, rev.deleted, w == idx)
	}
	return rev
}

func (tx *Tx) ForceInsert(docID string, props map[string]any, history []string, source string) (*Revision, error) {
	tx.requireWritable("ForceInsert")
	body, deleted, err := splitProperties(props)
	if err != nil {
		return nil, withDocID(err, docID)
	}
	if docID == "" {
		docID, _ = props["_id"].(string)
	}
	if !validDocID(docID) {
		return nil, newErr(StatusBadID, "force_insert", docID, "", nil, "invalid document ID")
	}
	revID, _ := props["_rev"].(string)
	if len(history) == 0 {
		history = []string{revID}
	} else if revID == "" {
		revID = history[0]
	}
	if revID == "" || history[0] != revID {
		return nil, newErr(StatusBadRequest, "force_insert", docID, revID, nil, "history must start with the revision itself")
	}
	for i, id := range history {
		g := revid.Generation(id)
		if g <= 0 || i > 0 && g >= revid.Generation(history[i-1]) {
			return nil, newErr(StatusBadRequest, "force_insert", docID, revID, nil, "invalid revision history entry %q", id)
		}
	}

	t, err := tx.loadTree(docID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		t = &revTree{}
	}
	if i := t.find(revID); i >= 0 && !t.Nodes[i].isStub() {
		if tx.verbose() {
			tx.logf("db: FORCE_INSERT.NOOP %s@%s", docID, revID)
		}
		return tx.revisionFromNode(docID, t, i, nil, false), nil
	}

	// the newest ancestor already in the tree; everything newer becomes stubs
	common := len(history)
	parentIdx := -1
	for i := 1; i < len(history); i++ {
		if idx := t.find(history[i]); idx >= 0 {
			common, parentIdx = i, idx
			break
		}
	}
	for j := common - 1; j >= 1; j-- {
		parentIdx = t.add(revNode{RevID: history[j], Parent: int32(parentIdx)})
	}

	var parent *Revision
	var ancestorBody map[string]any
	for i := parentIdx; i >= 0; i = int(t.Nodes[i].Parent) {
		if t.Nodes[i].HasBody {
			ancestorBody, err = tx.loadBody(t.Nodes[i].Seq)
			if err != nil {
				return nil, err
			}
			break
		}
	}
	if parentIdx >= 0 {
		var pb map[string]any
		if !t.Nodes[parentIdx].isStub() {
			pb, err = tx.loadBody(t.Nodes[parentIdx].Seq)
			if err != nil {
				return nil, err
			}
		}
		parent = tx.revisionFromNode(docID, t, parentIdx, pb, true)
	}

	if deleted {
		delete(body, "_attachments")
	}
	ac := &attachmentContext{
		docID:          docID,
		generation:     revid.Generation(revID),
		parentAtts:     attachmentsOf(ancestorBody),
		preserveRevPos: true,
	}
	if err := tx.db.processAttachments(body, ac); err != nil {
		return nil, err
	}

	newRev := &Revision{
		db:          tx.db,
		docID:       docID,
		revID:       revID,
		deleted:     deleted,
		parentRevID: prevRevIDOf(t, parentIdx),
		parentSeq:   seqOf(t, parentIdx),
	}
	newRev.setBody(body)
	vc := &ValidationContext{current: parent, newRev: newRev, source: source}
	if err := tx.db.core.hooks.validate(newRev, vc); err != nil {
		return nil, err
	}
	if source != "" {
		tx.source = source
	}
	return tx.commitRevision(newRev, t, parentIdx, body, source), nil
}
