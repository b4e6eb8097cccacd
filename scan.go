package docdb

import (
	"bytes"

	"go.uber.org/zap"
)

const debugLogRawScans = false

// keyRange is a half-open range of raw keys: Lower is inclusive, Upper is
// exclusive, nil means unbounded. Query bounds with other inclusivity are
// converted to this form by appending bytes that sort after every suffix a
// stored key can carry (see rowBounds).
type keyRange struct {
	Lower   []byte
	Upper   []byte
	Reverse bool
}

func prefixRange(p []byte) keyRange {
	return keyRange{Lower: p, Upper: successor(p)}
}

func (r *keyRange) start(c storageCursor, logger *zap.Logger) ([]byte, []byte) {
	var k, v []byte
	if r.Reverse {
		if r.Upper != nil {
			k, v = c.Seek(r.Upper)
			if k == nil {
				k, v = c.Last()
			} else {
				k, v = c.Prev()
			}
		} else {
			k, v = c.Last()
		}
	} else {
		if r.Lower != nil {
			k, v = c.Seek(r.Lower)
		} else {
			k, v = c.First()
		}
	}
	if debugLogRawScans {
		logger.Debug("scan start", hexField("lower", r.Lower), hexField("upper", r.Upper), zap.Bool("reverse", r.Reverse), hexField("key", k))
	}
	if k != nil && r.match(k) {
		return k, v
	}
	return nil, nil
}

func (r *keyRange) next(c storageCursor, logger *zap.Logger) ([]byte, []byte) {
	var k, v []byte
	if r.Reverse {
		k, v = c.Prev()
	} else {
		k, v = c.Next()
	}
	if debugLogRawScans {
		logger.Debug("scan next", hexField("key", k))
	}
	if k != nil && r.match(k) {
		return k, v
	}
	return nil, nil
}

func (r *keyRange) match(k []byte) bool {
	if r.Lower != nil && bytes.Compare(k, r.Lower) < 0 {
		return false
	}
	if r.Upper != nil && bytes.Compare(k, r.Upper) >= 0 {
		return false
	}
	return true
}

func (r keyRange) newCursor(c storageCursor, logger *zap.Logger) *rangeCursor {
	return &rangeCursor{rang: r, c: c, logger: logger}
}

// rangeCursor walks a keyRange:
//
//	for c := rang.newCursor(b.Cursor(), logger); c.Next(); {
//		use(c.Key(), c.Value())
//	}
type rangeCursor struct {
	rang   keyRange
	c      storageCursor
	logger *zap.Logger
	k, v   []byte
	init   bool
}

func (c *rangeCursor) Next() bool {
	if c.init {
		c.k, c.v = c.rang.next(c.c, c.logger)
	} else {
		c.init = true
		c.k, c.v = c.rang.start(c.c, c.logger)
	}
	return c.k != nil
}

func (c *rangeCursor) Key() []byte   { return c.k }
func (c *rangeCursor) Value() []byte { return c.v }
