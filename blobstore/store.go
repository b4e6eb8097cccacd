// Package blobstore is a content-addressed store for attachment bodies.
//
// Each blob is a file in a single directory named after the SHA-1 digest of
// its decoded content, optionally stored gzip-compressed. Identical content
// is stored once no matter how many documents reference it; reference
// tracking belongs to the database, which calls DeleteExcept at compaction.
package blobstore

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/andreyvit/docdb/mmap"
)

var (
	ErrNotFound       = errors.New("blob not found")
	ErrDigestMismatch = errors.New("blob digest mismatch")
)

const (
	defaultMmapThreshold = 64 * 1024
	aliasSuffix          = ".alias"
	md5Prefix            = "md5-"
	tempPattern          = "tmp-*.part"
)

type Options struct {
	Logger *zap.Logger

	// MmapThreshold is the size above which identity-encoded blobs are
	// served from a memory mapping. Zero means 64 KiB, negative disables.
	MmapThreshold int64
}

type Store struct {
	dir           string
	logger        *zap.Logger
	mmapThreshold int64
}

type Info struct {
	Key           Key
	Length        int64
	EncodedLength int64
	Encoding      Encoding
}

func Open(dir string, opt Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: %w", err)
	}
	s := &Store{
		dir:           dir,
		logger:        opt.Logger,
		mmapThreshold: opt.MmapThreshold,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.mmapThreshold == 0 {
		s.mmapThreshold = defaultMmapThreshold
	}
	return s, nil
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(key Key, enc Encoding) string {
	name := key.Hex() + enc.suffix()
	if key.Alg == MD5 {
		name = md5Prefix + name
	}
	return filepath.Join(s.dir, name)
}

func (s *Store) aliasPath(key Key) string {
	return filepath.Join(s.dir, md5Prefix+key.Hex()+aliasSuffix)
}

func parseFileName(name string) (Key, Encoding, bool) {
	var enc Encoding
	switch {
	case strings.HasSuffix(name, ".blob.gz"):
		enc = Gzip
		name = strings.TrimSuffix(name, ".blob.gz")
	case strings.HasSuffix(name, ".blob"):
		enc = Identity
		name = strings.TrimSuffix(name, ".blob")
	default:
		return Key{}, 0, false
	}
	alg := SHA1
	if strings.HasPrefix(name, md5Prefix) {
		alg = MD5
		name = strings.TrimPrefix(name, md5Prefix)
	}
	raw, err := hex.DecodeString(name)
	if err != nil || len(raw) != alg.size() {
		return Key{}, 0, false
	}
	return Key{alg, string(raw)}, enc, true
}

// locate finds the file holding key, following MD5 upgrade aliases.
func (s *Store) locate(key Key) (string, Encoding, error) {
	if key.IsZero() {
		return "", 0, ErrNotFound
	}
	for _, enc := range []Encoding{Identity, Gzip} {
		p := s.path(key, enc)
		if _, err := os.Stat(p); err == nil {
			return p, enc, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", 0, err
		}
	}
	if key.Alg == MD5 {
		if target, err := s.resolveAlias(key); err == nil {
			return s.locate(target)
		}
	}
	return "", 0, fmt.Errorf("%w: %v", ErrNotFound, key)
}

func (s *Store) resolveAlias(key Key) (Key, error) {
	raw, err := os.ReadFile(s.aliasPath(key))
	if err != nil {
		return Key{}, err
	}
	target, err := ParseKey(strings.TrimSpace(string(raw)))
	if err != nil || target.Alg != SHA1 {
		return Key{}, fmt.Errorf("blobstore: corrupt alias for %v", key)
	}
	return target, nil
}

// Resolve maps a legacy MD5 key to the SHA-1 key it was upgraded to. Other
// keys are returned unchanged.
func (s *Store) Resolve(key Key) Key {
	if key.Alg != MD5 {
		return key
	}
	if target, err := s.resolveAlias(key); err == nil {
		return target
	}
	return key
}

func (s *Store) Has(key Key) bool {
	_, _, err := s.locate(key)
	return err == nil
}

type mappedReader struct {
	*bytes.Reader
	m *mmap.Mapping
}

func (r *mappedReader) Close() error {
	return r.m.Close()
}

type gzipFileReader struct {
	*gzip.Reader
	f *os.File
}

func (r *gzipFileReader) Close() error {
	err := r.Reader.Close()
	if cerr := r.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Open returns the decoded content of the blob.
func (s *Store) Open(key Key) (io.ReadCloser, error) {
	p, enc, err := s.locate(key)
	if err != nil {
		return nil, err
	}
	if enc == Identity && s.mmapThreshold > 0 {
		if st, err := os.Stat(p); err == nil && st.Size() >= s.mmapThreshold {
			m, err := mmap.Open(p, mmap.SequentialAccess)
			if err == nil {
				return &mappedReader{bytes.NewReader(m.Data), m}, nil
			}
			s.logger.Warn("blobstore: mmap failed, falling back to read", zap.String("path", p), zap.Error(err))
		}
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	if enc == Identity {
		return f, nil
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("blobstore: %v: %w", key, err)
	}
	return &gzipFileReader{zr, f}, nil
}

// Read returns the decoded content of the blob.
func (s *Store) Read(key Key) ([]byte, error) {
	r, err := s.Open(key)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// ReadEncoded returns the blob's bytes exactly as stored.
func (s *Store) ReadEncoded(key Key) ([]byte, Encoding, error) {
	p, enc, err := s.locate(key)
	if err != nil {
		return nil, 0, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, 0, err
	}
	return data, enc, nil
}

func (s *Store) Info(key Key) (Info, error) {
	p, enc, err := s.locate(key)
	if err != nil {
		return Info{}, err
	}
	st, err := os.Stat(p)
	if err != nil {
		return Info{}, err
	}
	info := Info{Key: key, EncodedLength: st.Size(), Length: st.Size(), Encoding: enc}
	if enc == Gzip {
		r, err := s.Open(key)
		if err != nil {
			return Info{}, err
		}
		defer r.Close()
		n, err := io.Copy(io.Discard, r)
		if err != nil {
			return Info{}, err
		}
		info.Length = n
	}
	return info, nil
}

// Store saves identity-encoded data and returns its key.
func (s *Store) Store(data []byte) (Key, error) {
	return s.StoreEncoded(data, Identity)
}

// StoreEncoded saves data that is already in the given encoding.
func (s *Store) StoreEncoded(data []byte, enc Encoding) (Key, error) {
	w, err := s.NewWriter(enc)
	if err != nil {
		return Key{}, err
	}
	if _, err := w.Write(data); err != nil {
		w.Cancel()
		return Key{}, err
	}
	if err := w.Install(); err != nil {
		return Key{}, err
	}
	return w.Key(), nil
}

type entry struct {
	key  Key
	enc  Encoding
	size int64
	path string
}

func (s *Store) entries() ([]entry, error) {
	des, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var result []entry
	for _, de := range des {
		if de.IsDir() {
			continue
		}
		key, enc, ok := parseFileName(de.Name())
		if !ok {
			continue
		}
		fi, err := de.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		result = append(result, entry{key, enc, fi.Size(), filepath.Join(s.dir, de.Name())})
	}
	return result, nil
}

func (s *Store) Count() (int, error) {
	ents, err := s.entries()
	return len(ents), err
}

func (s *Store) Keys() ([]Key, error) {
	ents, err := s.entries()
	if err != nil {
		return nil, err
	}
	keys := make([]Key, len(ents))
	for i, e := range ents {
		keys[i] = e.key
	}
	return keys, nil
}

// TotalSize is the sum of stored (encoded) blob sizes.
func (s *Store) TotalSize() (int64, error) {
	ents, err := s.entries()
	if err != nil {
		return 0, err
	}
	var n int64
	for _, e := range ents {
		n += e.size
	}
	return n, nil
}

func (s *Store) Delete(key Key) error {
	p, _, err := s.locate(key)
	if err != nil {
		return err
	}
	return os.Remove(p)
}

// DeleteExcept removes every blob whose key is not in keep, along with
// upgrade aliases of removed blobs, and leftover temporary files.
func (s *Store) DeleteExcept(keep map[Key]bool) (deleted int, freed int64, err error) {
	ents, err := s.entries()
	if err != nil {
		return 0, 0, err
	}
	for _, e := range ents {
		if keep[e.key] {
			continue
		}
		if err := os.Remove(e.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return deleted, freed, err
		}
		s.logger.Debug("blobstore: deleted", zap.Stringer("key", e.key), zap.Int64("size", e.size))
		deleted++
		freed += e.size
	}

	aliases, _ := filepath.Glob(filepath.Join(s.dir, md5Prefix+"*"+aliasSuffix))
	for _, p := range aliases {
		name := strings.TrimSuffix(filepath.Base(p), aliasSuffix)
		legacy, _, ok := parseFileName(name + ".blob")
		if !ok {
			continue
		}
		target, err := s.resolveAlias(legacy)
		if err != nil || !keep[legacy] && !keep[target] || !s.Has(target) {
			os.Remove(p)
		}
	}

	temps, _ := filepath.Glob(filepath.Join(s.dir, tempPattern))
	for _, p := range temps {
		os.Remove(p)
	}
	return deleted, freed, nil
}

// UpgradeMD5 rewrites a legacy MD5-keyed blob under its SHA-1 key, keeping
// an alias so that the old key still resolves. It returns the new key.
func (s *Store) UpgradeMD5(key Key) (Key, error) {
	if key.Alg != MD5 {
		return key, nil
	}
	if target, err := s.resolveAlias(key); err == nil && s.Has(target) {
		return target, nil
	}
	p, enc, err := s.locate(key)
	if err != nil {
		return Key{}, err
	}
	raw, err := os.ReadFile(p)
	if err != nil {
		return Key{}, err
	}
	w, err := s.NewWriter(enc)
	if err != nil {
		return Key{}, err
	}
	if _, err := w.Write(raw); err != nil {
		w.Cancel()
		return Key{}, err
	}
	if err := w.Finish(); err != nil {
		w.Cancel()
		return Key{}, err
	}
	if w.MD5Key() != key {
		w.Cancel()
		return Key{}, fmt.Errorf("%w: %v has content digest %v", ErrDigestMismatch, key, w.MD5Key())
	}
	if err := w.Install(); err != nil {
		return Key{}, err
	}
	newKey := w.Key()
	if err := writeFileSync(s.aliasPath(key), []byte(newKey.String())); err != nil {
		return Key{}, err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Key{}, err
	}
	s.logger.Info("blobstore: upgraded legacy digest", zap.Stringer("from", key), zap.Stringer("to", newKey))
	return newKey, nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), tempPattern)
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	return mmap.Install(f, path)
}
