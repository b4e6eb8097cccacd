// Package collate defines the total order over JSON-like values used for view
// keys and range queries, and an order-preserving binary encoding of it.
//
// The encoding satisfies bytes.Compare(AppendKey(a), AppendKey(b)) ==
// Compare(a, b) for every pair of supported values, and is prefix-free, so an
// encoded key can be followed by arbitrary bytes (document ID, emit ordinal)
// without disturbing the order.
//
// Supported values: nil, bool, all Go integer and float kinds, json.Number,
// string, []any, []string, map[string]any.
package collate

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	xcollate "golang.org/x/text/collate"
	"golang.org/x/text/language"
)

type Mode int

const (
	// Unicode orders null < false < true < numbers < strings < arrays <
	// objects, with strings compared by the Unicode Collation Algorithm.
	Unicode Mode = iota
	// Raw uses the order numbers < false < null < true < objects < arrays <
	// strings, with strings compared byte-wise.
	Raw
	// ASCII uses the Unicode type order with byte-wise string comparison.
	ASCII
)

func (m Mode) String() string {
	switch m {
	case Unicode:
		return "unicode"
	case Raw:
		return "raw"
	case ASCII:
		return "ascii"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "unicode":
		return Unicode, nil
	case "raw":
		return Raw, nil
	case "ascii":
		return ASCII, nil
	default:
		return 0, fmt.Errorf("unknown collation %q", s)
	}
}

type kind int

const (
	kindInvalid kind = iota
	kindNull
	kindFalse
	kindTrue
	kindNumber
	kindString
	kindArray
	kindObject
)

var rawRank = [...]byte{
	kindInvalid: 0xFF,
	kindNumber:  1,
	kindFalse:   2,
	kindNull:    3,
	kindTrue:    4,
	kindObject:  5,
	kindArray:   6,
	kindString:  7,
}

var unicodeRank = [...]byte{
	kindInvalid: 0xFF,
	kindNull:    1,
	kindFalse:   2,
	kindTrue:    3,
	kindNumber:  4,
	kindString:  5,
	kindArray:   6,
	kindObject:  7,
}

const (
	endMarker  = 0x00
	pairMarker = 0x01
)

func (m Mode) rank(k kind) byte {
	if m == Raw {
		return rawRank[k]
	}
	return unicodeRank[k]
}

func (m Mode) kindOfTag(tag byte) kind {
	for k := kindNull; k <= kindObject; k++ {
		if m.rank(k) == tag {
			return k
		}
	}
	return kindInvalid
}

func kindOf(v any) kind {
	switch v := v.(type) {
	case nil:
		return kindNull
	case bool:
		if v {
			return kindTrue
		}
		return kindFalse
	case string:
		return kindString
	case []any, []string:
		return kindArray
	case map[string]any:
		return kindObject
	}
	if _, ok := toFloat(v); ok {
		return kindNumber
	}
	return kindInvalid
}

func toFloat(v any) (float64, bool) {
	switch v := v.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func arrayItems(v any) []any {
	switch v := v.(type) {
	case []any:
		return v
	case []string:
		items := make([]any, len(v))
		for i, s := range v {
			items[i] = s
		}
		return items
	default:
		return nil
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var collators = sync.Pool{
	New: func() any {
		return xcollate.New(language.Und)
	},
}

type keyBuffer struct {
	c   *xcollate.Collator
	buf xcollate.Buffer
}

var keyBuffers = sync.Pool{
	New: func() any {
		return &keyBuffer{c: xcollate.New(language.Und)}
	},
}

func (m Mode) compareStrings(a, b string) int {
	if m != Unicode {
		return strings.Compare(a, b)
	}
	c := collators.Get().(*xcollate.Collator)
	r := c.CompareString(a, b)
	collators.Put(c)
	return r
}

// Compare returns -1, 0 or +1. Values of unsupported types sort after
// everything else and compare equal to each other.
func Compare(m Mode, a, b any) int {
	ka, kb := kindOf(a), kindOf(b)
	if ka != kb {
		return cmpBytes(m.rank(ka), m.rank(kb))
	}
	switch ka {
	case kindNumber:
		fa, _ := toFloat(a)
		fb, _ := toFloat(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	case kindString:
		return m.compareStrings(a.(string), b.(string))
	case kindArray:
		aa, ab := arrayItems(a), arrayItems(b)
		for i := 0; i < len(aa) && i < len(ab); i++ {
			if c := Compare(m, aa[i], ab[i]); c != 0 {
				return c
			}
		}
		return cmpInt(len(aa), len(ab))
	case kindObject:
		ma, mb := a.(map[string]any), b.(map[string]any)
		keysA, keysB := sortedKeys(ma), sortedKeys(mb)
		for i := 0; i < len(keysA) && i < len(keysB); i++ {
			if c := m.compareStrings(keysA[i], keysB[i]); c != 0 {
				return c
			}
			if c := Compare(m, ma[keysA[i]], mb[keysB[i]]); c != 0 {
				return c
			}
		}
		return cmpInt(len(keysA), len(keysB))
	default:
		return 0
	}
}

// AppendKey appends the order-preserving encoding of v to buf.
func AppendKey(buf []byte, m Mode, v any) ([]byte, error) {
	k := kindOf(v)
	switch k {
	case kindInvalid:
		return buf, fmt.Errorf("collate: unsupported key type %T", v)
	case kindNull, kindFalse, kindTrue:
		return append(buf, m.rank(k)), nil
	case kindNumber:
		f, _ := toFloat(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return buf, fmt.Errorf("collate: non-finite number %v", f)
		}
		buf = append(buf, m.rank(k))
		return appendFloat(buf, f), nil
	case kindString:
		buf = append(buf, m.rank(k))
		return m.appendStringBody(buf, v.(string)), nil
	case kindArray:
		buf = append(buf, m.rank(k))
		var err error
		for _, item := range arrayItems(v) {
			buf, err = AppendKey(buf, m, item)
			if err != nil {
				return buf, err
			}
		}
		return append(buf, endMarker), nil
	case kindObject:
		buf = append(buf, m.rank(k))
		obj := v.(map[string]any)
		var err error
		for _, key := range sortedKeys(obj) {
			buf = append(buf, pairMarker)
			buf = m.appendStringBody(buf, key)
			buf, err = AppendKey(buf, m, obj[key])
			if err != nil {
				return buf, err
			}
		}
		return append(buf, endMarker), nil
	}
	panic("unreachable")
}

// Key is AppendKey into a fresh slice.
func Key(m Mode, v any) ([]byte, error) {
	return AppendKey(nil, m, v)
}

func appendFloat(buf []byte, f float64) []byte {
	if f == 0 {
		f = 0 // fold -0
	}
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	return binary.BigEndian.AppendUint64(buf, bits)
}

func (m Mode) appendStringBody(buf []byte, s string) []byte {
	if m == Unicode {
		kb := keyBuffers.Get().(*keyBuffer)
		key := kb.c.KeyFromString(&kb.buf, s)
		buf = AppendEscaped(buf, key)
		kb.buf.Reset()
		keyBuffers.Put(kb)
		return buf
	}
	return AppendEscaped(buf, []byte(s))
}

// AppendEscaped appends b so that the result is prefix-free and sorts like b:
// 0x00 becomes 0x00 0xFF, and the sequence is terminated by 0x00 0x01.
func AppendEscaped(buf, b []byte) []byte {
	for _, c := range b {
		if c == 0 {
			buf = append(buf, 0x00, 0xFF)
		} else {
			buf = append(buf, c)
		}
	}
	return append(buf, 0x00, 0x01)
}

// UnescapeNext decodes one AppendEscaped sequence from the start of raw and
// returns it along with the number of bytes consumed.
func UnescapeNext(raw []byte) ([]byte, int, error) {
	var out []byte
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c != 0 {
			out = append(out, c)
			continue
		}
		if i+1 >= len(raw) {
			break
		}
		switch raw[i+1] {
		case 0xFF:
			out = append(out, 0)
			i++
		case 0x01:
			return out, i + 2, nil
		default:
			return nil, 0, fmt.Errorf("collate: invalid escape 0x00 0x%02x", raw[i+1])
		}
	}
	return nil, 0, fmt.Errorf("collate: unterminated escaped sequence")
}

func skipEscaped(raw []byte) (int, error) {
	for i := 0; i+1 < len(raw); i++ {
		if raw[i] != 0 {
			continue
		}
		switch raw[i+1] {
		case 0xFF:
			i++
		case 0x01:
			return i + 2, nil
		default:
			return 0, fmt.Errorf("collate: invalid escape 0x00 0x%02x", raw[i+1])
		}
	}
	return 0, fmt.Errorf("collate: unterminated escaped sequence")
}

// KeyLen returns the length of the encoded key at the start of raw.
func KeyLen(m Mode, raw []byte) (int, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("collate: empty key")
	}
	k := m.kindOfTag(raw[0])
	switch k {
	case kindNull, kindFalse, kindTrue:
		return 1, nil
	case kindNumber:
		if len(raw) < 9 {
			return 0, fmt.Errorf("collate: truncated number")
		}
		return 9, nil
	case kindString:
		n, err := skipEscaped(raw[1:])
		return 1 + n, err
	case kindArray:
		off := 1
		for {
			if off >= len(raw) {
				return 0, fmt.Errorf("collate: truncated array")
			}
			if raw[off] == endMarker {
				return off + 1, nil
			}
			n, err := KeyLen(m, raw[off:])
			if err != nil {
				return 0, err
			}
			off += n
		}
	case kindObject:
		off := 1
		for {
			if off >= len(raw) {
				return 0, fmt.Errorf("collate: truncated object")
			}
			switch raw[off] {
			case endMarker:
				return off + 1, nil
			case pairMarker:
				off++
				n, err := skipEscaped(raw[off:])
				if err != nil {
					return 0, err
				}
				off += n
				n, err = KeyLen(m, raw[off:])
				if err != nil {
					return 0, err
				}
				off += n
			default:
				return 0, fmt.Errorf("collate: invalid object marker 0x%02x", raw[off])
			}
		}
	default:
		return 0, fmt.Errorf("collate: invalid tag 0x%02x", raw[0])
	}
}

// PrefixKey encodes the first n elements of an array key without the array
// terminator, so that every array key starting with those elements has the
// result as a byte prefix. Non-array values encode as themselves.
func PrefixKey(m Mode, v any, n int) ([]byte, error) {
	items := arrayItems(v)
	if kindOf(v) != kindArray {
		return Key(m, v)
	}
	if n > len(items) {
		n = len(items)
	}
	buf := []byte{m.rank(kindArray)}
	var err error
	for _, item := range items[:n] {
		buf, err = AppendKey(buf, m, item)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpBytes(a, b byte) int {
	return cmpInt(int(a), int(b))
}
