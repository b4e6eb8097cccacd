package docdb

import (
	"strconv"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/andreyvit/docdb/revid"
)

const localPrefix = "_local/"

// Local documents live outside the revision system: one version each, no
// sequence numbers, no change notifications, no views.
type localDoc struct {
	Rev  string         `msgpack:"r"`
	Body map[string]any `msgpack:"b"`
}

func localKey(id string) (string, error) {
	id = strings.TrimPrefix(id, localPrefix)
	if id == "" {
		return "", newErr(StatusBadID, "local", id, "", nil, "invalid local document ID")
	}
	return id, nil
}

// PutLocalDocument replaces the local document with props and returns its
// new revision ID. Properties starting with an underscore are ignored.
func (db *Database) PutLocalDocument(id string, props map[string]any) (string, error) {
	var revID string
	err := db.update("put_local", func(tx *Tx) error {
		var err error
		revID, err = tx.PutLocalDocument(id, props)
		return err
	})
	if err != nil {
		return "", err
	}
	return revID, nil
}

// GetExistingLocalDocument returns the local document's properties with _id
// and _rev, or nil when there is none.
func (db *Database) GetExistingLocalDocument(id string) (map[string]any, error) {
	var props map[string]any
	err := db.read(func(tx *Tx) error {
		var err error
		props, err = tx.GetExistingLocalDocument(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return props, nil
}

// DeleteLocalDocument removes the local document, returning false if there
// was nothing to delete.
func (db *Database) DeleteLocalDocument(id string) (bool, error) {
	var deleted bool
	err := db.update("delete_local", func(tx *Tx) error {
		var err error
		deleted, err = tx.DeleteLocalDocument(id)
		return err
	})
	return deleted, err
}

func (tx *Tx) loadLocal(key string) (*localDoc, error) {
	raw := tx.bucket(bucketLocal).Get([]byte(key))
	if raw == nil {
		return nil, nil
	}
	ld := new(localDoc)
	if err := msgpack.Unmarshal(raw, ld); err != nil {
		return nil, dataErrf(raw, 0, err, "invalid local document %s", key)
	}
	return ld, nil
}

func (tx *Tx) PutLocalDocument(id string, props map[string]any) (string, error) {
	tx.requireWritable("PutLocalDocument")
	key, err := localKey(id)
	if err != nil {
		return "", err
	}
	body, err := normalizeMap(UserProperties(props))
	if err != nil {
		return "", newErr(StatusBadJSON, "put_local", id, "", err, "invalid properties")
	}
	old, err := tx.loadLocal(key)
	if err != nil {
		return "", err
	}
	gen := 1
	if old != nil {
		gen = max(revid.Generation(old.Rev), 0) + 1
	}
	ld := &localDoc{Rev: strconv.Itoa(gen) + "-local", Body: body}
	ensure(tx.bucket(bucketLocal).Put([]byte(key), must(msgpack.Marshal(ld))))
	tx.markWritten()
	if tx.verbose() {
		tx.logf("db: PUT_LOCAL %s@%s", key, ld.Rev)
	}
	return ld.Rev, nil
}

func (tx *Tx) GetExistingLocalDocument(id string) (map[string]any, error) {
	key, err := localKey(id)
	if err != nil {
		return nil, err
	}
	ld, err := tx.loadLocal(key)
	if err != nil || ld == nil {
		return nil, err
	}
	props := deepCopyMap(ld.Body)
	if props == nil {
		props = make(map[string]any, 2)
	}
	props["_id"] = localPrefix + key
	props["_rev"] = ld.Rev
	return props, nil
}

func (tx *Tx) DeleteLocalDocument(id string) (bool, error) {
	tx.requireWritable("DeleteLocalDocument")
	key, err := localKey(id)
	if err != nil {
		return false, err
	}
	b := tx.bucket(bucketLocal)
	if b.Get([]byte(key)) == nil {
		if tx.verbose() {
			tx.logf("db: DELETE_LOCAL.NOOP %s", key)
		}
		return false, nil
	}
	ensure(b.Delete([]byte(key)))
	tx.markWritten()
	if tx.verbose() {
		tx.logf("db: DELETE_LOCAL %s", key)
	}
	return true, nil
}
