// Package revid handles revision identifiers of the form
// “<generation>-<suffix>”.
//
// Malformed identifiers parse into a sentinel with a negative generation
// instead of returning an error, so hot paths (tree walks, sorting) can stay
// allocation- and branch-light.
package revid

import (
	"crypto/sha1"
	"encoding/hex"
	"strconv"
	"strings"
)

type ID struct {
	Gen    int
	Suffix string
}

// Invalid is returned by Parse for malformed input.
var Invalid = ID{Gen: -1}

func New(gen int, suffix string) ID {
	return ID{Gen: gen, Suffix: suffix}
}

func Parse(s string) ID {
	gens, suffix, ok := strings.Cut(s, "-")
	if !ok || gens == "" || suffix == "" {
		return Invalid
	}
	if gens[0] == '0' || gens[0] == '+' || gens[0] == '-' {
		return Invalid
	}
	gen, err := strconv.Atoi(gens)
	if err != nil || gen <= 0 {
		return Invalid
	}
	return ID{Gen: gen, Suffix: suffix}
}

// Generation returns the generation of s, or -1 if s is malformed.
func Generation(s string) int {
	return Parse(s).Gen
}

func (id ID) Valid() bool {
	return id.Gen > 0 && id.Suffix != ""
}

func (id ID) IsZero() bool {
	return id.Gen == 0 && id.Suffix == ""
}

func (id ID) String() string {
	if id.IsZero() {
		return ""
	}
	if !id.Valid() {
		return "<invalid>"
	}
	return strconv.Itoa(id.Gen) + "-" + id.Suffix
}

// Compare orders by generation numerically, then by suffix byte-wise.
func Compare(a, b ID) int {
	if a.Gen != b.Gen {
		if a.Gen < b.Gen {
			return -1
		}
		return 1
	}
	return strings.Compare(a.Suffix, b.Suffix)
}

// CompareStrings is Compare over unparsed identifiers. Malformed
// identifiers sort before every valid one.
func CompareStrings(a, b string) int {
	return Compare(Parse(a), Parse(b))
}

// Generate derives the identifier of a new revision from its parent, its
// deletion flag and the canonical JSON encoding of its body. Equal inputs
// always produce equal identifiers.
func Generate(parent ID, deleted bool, canonicalBody []byte) ID {
	h := sha1.New()
	gen := 1
	if parent.Valid() {
		gen = parent.Gen + 1
		ps := parent.String()
		if len(ps) > 255 {
			ps = ps[:255]
		}
		h.Write([]byte{byte(len(ps))})
		h.Write([]byte(ps))
	} else {
		h.Write([]byte{0})
	}
	if deleted {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	h.Write(canonicalBody)
	return ID{Gen: gen, Suffix: hex.EncodeToString(h.Sum(nil))}
}
