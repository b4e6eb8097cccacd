package blobstore

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

type Algorithm int

const (
	SHA1 Algorithm = iota + 1
	// MD5 digests come from databases written by older versions. They are
	// readable but new blobs are never keyed by them.
	MD5
)

func (a Algorithm) String() string {
	switch a {
	case SHA1:
		return "sha1"
	case MD5:
		return "md5"
	default:
		return fmt.Sprintf("alg(%d)", int(a))
	}
}

func (a Algorithm) size() int {
	switch a {
	case SHA1:
		return sha1.Size
	case MD5:
		return md5.Size
	default:
		return 0
	}
}

// Key identifies a blob by a digest of its decoded content.
type Key struct {
	Alg    Algorithm
	Digest string // raw digest bytes
}

func SHA1Key(data []byte) Key {
	sum := sha1.Sum(data)
	return Key{SHA1, string(sum[:])}
}

func MD5Key(data []byte) Key {
	sum := md5.Sum(data)
	return Key{MD5, string(sum[:])}
}

// ParseKey parses the "sha1-<base64>" and "md5-<base64>" forms used in
// attachment metadata.
func ParseKey(s string) (Key, error) {
	algs, enc, ok := strings.Cut(s, "-")
	if !ok {
		return Key{}, fmt.Errorf("invalid blob key %q", s)
	}
	var alg Algorithm
	switch algs {
	case "sha1":
		alg = SHA1
	case "md5":
		alg = MD5
	default:
		return Key{}, fmt.Errorf("invalid blob key %q: unknown algorithm", s)
	}
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return Key{}, fmt.Errorf("invalid blob key %q: %w", s, err)
	}
	if len(raw) != alg.size() {
		return Key{}, fmt.Errorf("invalid blob key %q: wrong digest length %d", s, len(raw))
	}
	return Key{alg, string(raw)}, nil
}

func (k Key) IsZero() bool {
	return k.Alg == 0
}

func (k Key) String() string {
	if k.IsZero() {
		return ""
	}
	return k.Alg.String() + "-" + base64.StdEncoding.EncodeToString([]byte(k.Digest))
}

func (k Key) Hex() string {
	return hex.EncodeToString([]byte(k.Digest))
}

type Encoding int

const (
	Identity Encoding = iota
	Gzip
)

func (e Encoding) String() string {
	switch e {
	case Identity:
		return ""
	case Gzip:
		return "gzip"
	default:
		return fmt.Sprintf("encoding(%d)", int(e))
	}
}

func ParseEncoding(s string) (Encoding, error) {
	switch s {
	case "", "identity":
		return Identity, nil
	case "gzip":
		return Gzip, nil
	default:
		return 0, fmt.Errorf("unsupported attachment encoding %q", s)
	}
}

func (e Encoding) suffix() string {
	if e == Gzip {
		return ".blob.gz"
	}
	return ".blob"
}
