package docdb

import (
	"encoding/binary"
	"encoding/hex"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}

// inc increments data as a big-endian number in place, returning false when
// every byte is 0xFF.
func inc(data []byte) bool {
	n := len(data)
	for i := n - 1; i >= 0; i-- {
		if data[i] != 0xFF {
			data[i]++
			for j := i + 1; j < n; j++ {
				data[j] = 0
			}
			return true
		}
	}
	return false
}

// successor returns the smallest key greater than every key prefixed with p,
// or nil if there is none.
func successor(p []byte) []byte {
	s := append([]byte(nil), p...)
	for len(s) > 0 {
		if s[len(s)-1] != 0xFF {
			s[len(s)-1]++
			return s
		}
		s = s[:len(s)-1]
	}
	return nil
}

func seqKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, 8), seq)
}

func decodeSeqKey(k []byte) uint64 {
	if len(k) != 8 {
		panic(dataErrf(k, 0, nil, "invalid sequence key"))
	}
	return binary.BigEndian.Uint64(k)
}

func hexstr(b []byte) string {
	if b == nil {
		return "<nil>"
	}
	if len(b) == 0 {
		return "<empty>"
	}
	return hex.EncodeToString(b)
}

func hexField(key string, b []byte) zap.Field {
	return zap.String(key, hexstr(b))
}

const designPrefix = "_design/"

func isDesignDocID(id string) bool {
	return strings.HasPrefix(id, designPrefix)
}

func validDocID(id string) bool {
	if id == "" || !utf8.ValidString(id) {
		return false
	}
	if id[0] == '_' {
		return isDesignDocID(id) && len(id) > len(designPrefix)
	}
	return true
}
