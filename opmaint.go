package docdb

import (
	"bytes"

	"go.uber.org/zap"

	"github.com/andreyvit/docdb/blobstore"
)

// Purge erases every revision of docID, its change records and its view
// rows, as if it had never existed. No change event is posted. Returns
// false if there was no such document.
func (db *Database) Purge(docID string) (bool, error) {
	var purged bool
	err := db.update("purge", func(tx *Tx) error {
		var err error
		purged, err = tx.Purge(docID)
		return err
	})
	return purged, err
}

func (tx *Tx) Purge(docID string) (bool, error) {
	tx.requireWritable("Purge")
	t, err := tx.loadTree(docID)
	if err != nil {
		return false, err
	}
	if t == nil {
		if tx.verbose() {
			tx.logf("db: PURGE.NOOP %s", docID)
		}
		return false, nil
	}
	wasLive := !t.isDeleted()
	for _, n := range t.Nodes {
		if n.Seq > 0 {
			tx.deleteBody(n.Seq)
			tx.deleteChangeRecord(n.Seq)
		}
	}
	ensure(tx.bucket(bucketDocs).Delete([]byte(docID)))
	if wasLive {
		tx.adjustDocCount(-1)
	}
	tx.removeDocFromViews(docID)
	tx.purged = append(tx.purged, docID)
	tx.markWritten()
	if tx.verbose() {
		tx.logf("db: PURGE %s revs=%d", docID, len(t.Nodes))
	}
	return true, nil
}

type CompactResult struct {
	FreedBytes      int64
	PrunedRevisions int
	DeletedBlobs    int
}

// Compact prunes revision trees to Options.MaxRevTreeDepth, drops the
// bodies of non-leaf revisions, upgrades legacy attachment digests and
// deletes blobs no remaining revision references.
//
// Blobs written by NewAttachmentWriter but not yet referenced by a
// committed revision are deleted too, so do not compact while attachments
// are being uploaded.
func (db *Database) Compact() (CompactResult, error) {
	var res CompactResult
	live := make(map[blobstore.Key]bool)
	db.core.blobGC.Lock()
	defer db.core.blobGC.Unlock()
	err := db.core.write(db, "compact", func(tx *Tx) error {
		var ids [][]byte
		c := tx.bucket(bucketDocs).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			ids = append(ids, bytes.Clone(k))
		}

		for _, id := range ids {
			if err := tx.compactDoc(string(id), live, &res); err != nil {
				return err
			}
		}
		tx.markWritten()
		return nil
	})
	if err != nil {
		return res, err
	}

	deleted, freed, err := db.core.blobs.DeleteExcept(live)
	res.DeletedBlobs = deleted
	res.FreedBytes += freed
	if err != nil {
		return res, wrapStorageErr("compact", err)
	}
	db.core.metrics.compactions.Inc()
	db.core.logger.Info("db: compacted",
		zap.Int64("freed_bytes", res.FreedBytes),
		zap.Int("pruned_revisions", res.PrunedRevisions),
		zap.Int("deleted_blobs", res.DeletedBlobs))
	return res, nil
}

func (tx *Tx) compactDoc(docID string, live map[blobstore.Key]bool, res *CompactResult) error {
	t, err := tx.loadTree(docID)
	if err != nil || t == nil {
		return err
	}
	var changed bool

	for _, n := range t.prune(tx.db.core.opt.MaxRevTreeDepth) {
		if n.Seq > 0 {
			res.FreedBytes += int64(tx.deleteBody(n.Seq))
			tx.deleteChangeRecord(n.Seq)
		}
		res.PrunedRevisions++
		changed = true
	}

	for i := range t.Nodes {
		n := &t.Nodes[i]
		if !n.HasBody {
			continue
		}
		if !t.isLeaf(i) {
			res.FreedBytes += int64(tx.deleteBody(n.Seq))
			n.HasBody = false
			changed = true
			continue
		}
		body, err := tx.loadBody(n.Seq)
		if err != nil {
			return err
		}
		if upgraded, err := tx.db.upgradeBodyDigests(body); err != nil {
			return err
		} else if upgraded {
			tx.putBody(n.Seq, body)
		}
		attachmentKeys(body, live)
	}

	if changed {
		tx.saveTree(docID, t)
		if tx.verbose() {
			tx.logf("db: COMPACT %s revs=%d", docID, len(t.Nodes))
		}
	}
	return nil
}

// upgradeBodyDigests rewrites legacy MD5 attachment digests in place.
func (db *Database) upgradeBodyDigests(body map[string]any) (bool, error) {
	atts, _ := body["_attachments"].(map[string]any)
	var upgraded bool
	for _, m := range atts {
		meta, ok := m.(map[string]any)
		if !ok {
			continue
		}
		before, _ := meta[attDigest].(string)
		if _, err := db.upgradeAttachmentDigest(meta); err != nil {
			return false, err
		}
		if after, _ := meta[attDigest].(string); after != before {
			upgraded = true
		}
	}
	return upgraded, nil
}
