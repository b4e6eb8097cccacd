package docdb

import (
	"bytes"
	"encoding/binary"
)

// A document's row-key record lists the raw keys of every row it emitted
// into a view, sorted, so that reindexing can delete exactly the rows that
// went away.

func appendRowKeys(buf []byte, keys [][]byte) []byte {
	var total = binary.MaxVarintLen32 + len(keys)*binary.MaxVarintLen32
	for _, k := range keys {
		total += len(k)
	}

	w := prealloc(buf, total)
	w.AppendUvarinti(len(keys))
	for _, k := range keys {
		w.AppendVarBytes(k)
	}
	return w.Trimmed()
}

func decodeRowKeys(data []byte, f func(key []byte)) error {
	d := makeByteDecoder(data)
	n, err := d.Uvarinti()
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		key, err := d.VarBytes()
		if err != nil {
			return err
		}
		f(key)
	}
	return nil
}

type rowKeyDiffer struct {
	newKeys [][]byte
}

func (d *rowKeyDiffer) checkOldKey(oldKey []byte) bool {
	// Look for a new key that's >= old key.
	for len(d.newKeys) > 0 {
		c := bytes.Compare(oldKey, d.newKeys[0])
		if c < 0 {
			return false
		} else if c == 0 {
			return true // found exact match
		}
		d.newKeys = d.newKeys[1:] // shift to next new key and compare again
	}
	return false // no more new keys, so remaining old rows have been deleted
}

// findRemovedRowKeys calls removed for every key in oldData missing from
// newKeys. Both must be sorted.
func findRemovedRowKeys(oldData []byte, newKeys [][]byte, removed func(key []byte)) error {
	d := rowKeyDiffer{newKeys}
	return decodeRowKeys(oldData, func(key []byte) {
		if !d.checkOldKey(key) {
			removed(key)
		}
	})
}
