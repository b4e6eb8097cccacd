package blobstore

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func setup(t testing.TB) *Store {
	s, err := Open(filepath.Join(t.TempDir(), "attachments"), Options{})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func gzipped(t testing.TB, data []byte) []byte {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestKeyString(t *testing.T) {
	k := SHA1Key([]byte("hello"))
	if !strings.HasPrefix(k.String(), "sha1-") {
		t.Fatalf("String() = %q", k)
	}
	k2, err := ParseKey(k.String())
	if err != nil {
		t.Fatal(err)
	}
	if k2 != k {
		t.Errorf("ParseKey(String()) = %v, wanted %v", k2, k)
	}
	for _, bad := range []string{"", "sha1", "sha256-AAAA", "sha1-!!", "md5-AAAA"} {
		if _, err := ParseKey(bad); err == nil {
			t.Errorf("ParseKey(%q) succeeded", bad)
		}
	}
}

func TestStoreAndRead(t *testing.T) {
	s := setup(t)
	key, err := s.Store([]byte("this is an attachment"))
	if err != nil {
		t.Fatal(err)
	}
	if key != SHA1Key([]byte("this is an attachment")) {
		t.Errorf("key = %v, wanted SHA-1 of content", key)
	}
	data, err := s.Read(key)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "this is an attachment" {
		t.Errorf("Read = %q", data)
	}
	if n, _ := s.Count(); n != 1 {
		t.Errorf("Count = %d, wanted 1", n)
	}
}

func TestDedup(t *testing.T) {
	s := setup(t)
	k1, _ := s.Store([]byte("same"))
	k2, _ := s.Store([]byte("same"))
	k3, _ := s.StoreEncoded(gzipped(t, []byte("same")), Gzip)
	if k1 != k2 || k1 != k3 {
		t.Fatalf("keys differ: %v %v %v", k1, k2, k3)
	}
	if n, _ := s.Count(); n != 1 {
		t.Errorf("Count = %d, wanted 1", n)
	}
}

func TestGzipRoundTrip(t *testing.T) {
	s := setup(t)
	content := bytes.Repeat([]byte("compressible "), 1000)
	enc := gzipped(t, content)

	w, err := s.NewWriter(Gzip)
	if err != nil {
		t.Fatal(err)
	}
	// write in small chunks to exercise the streaming decoder
	for i := 0; i < len(enc); i += 100 {
		end := min(i+100, len(enc))
		if _, err := w.Write(enc[i:end]); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Install(); err != nil {
		t.Fatal(err)
	}
	if w.Key() != SHA1Key(content) {
		t.Errorf("key = %v, wanted digest of decoded content", w.Key())
	}
	if w.Length() != int64(len(content)) || w.EncodedLength() != int64(len(enc)) {
		t.Errorf("lengths = %d/%d, wanted %d/%d", w.Length(), w.EncodedLength(), len(content), len(enc))
	}

	got, err := s.Read(w.Key())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("decoded content differs")
	}
	raw, encoding, err := s.ReadEncoded(w.Key())
	if err != nil {
		t.Fatal(err)
	}
	if encoding != Gzip || !bytes.Equal(raw, enc) {
		t.Errorf("ReadEncoded = %d bytes %v", len(raw), encoding)
	}
	info, err := s.Info(w.Key())
	if err != nil {
		t.Fatal(err)
	}
	if info.Length != int64(len(content)) || info.Encoding != Gzip {
		t.Errorf("Info = %+v", info)
	}
}

func TestBadGzip(t *testing.T) {
	s := setup(t)
	w, err := s.NewWriter(Gzip)
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte("definitely not gzip"))
	if err := w.Install(); err == nil {
		t.Fatalf("Install succeeded on invalid gzip")
	}
	if n, _ := s.Count(); n != 0 {
		t.Errorf("Count = %d, wanted 0", n)
	}
	if _, err := os.Stat(w.TempPath()); !os.IsNotExist(err) {
		t.Errorf("temp file left behind: %v", err)
	}
}

func TestCancel(t *testing.T) {
	s := setup(t)
	w, _ := s.NewWriter(Identity)
	w.Write([]byte("abandoned"))
	w.Cancel()
	w.Cancel()
	if n, _ := s.Count(); n != 0 {
		t.Errorf("Count = %d, wanted 0", n)
	}
}

func TestMissing(t *testing.T) {
	s := setup(t)
	_, err := s.Read(SHA1Key([]byte("nope")))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Read(missing) err = %v, wanted ErrNotFound", err)
	}
	if s.Has(SHA1Key([]byte("nope"))) {
		t.Errorf("Has(missing) = true")
	}
}

func TestLargeBlobMapped(t *testing.T) {
	s, err := Open(t.TempDir(), Options{MmapThreshold: 16})
	if err != nil {
		t.Fatal(err)
	}
	content := bytes.Repeat([]byte("x"), 1024)
	key, _ := s.Store(content)
	r, err := s.Open(key)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := r.(*mappedReader); !ok {
		t.Errorf("Open returned %T, wanted a mapped reader", r)
	}
	r.Close()
	got, _ := s.Read(key)
	if !bytes.Equal(got, content) {
		t.Errorf("mapped content differs")
	}
}

func TestDeleteExcept(t *testing.T) {
	s := setup(t)
	k1, _ := s.Store([]byte("keep me"))
	k2, _ := s.Store([]byte("drop me"))
	deleted, freed, err := s.DeleteExcept(map[Key]bool{k1: true})
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 || freed != int64(len("drop me")) {
		t.Errorf("DeleteExcept = %d, %d", deleted, freed)
	}
	if !s.Has(k1) || s.Has(k2) {
		t.Errorf("wrong blob deleted")
	}
	keys, _ := s.Keys()
	if len(keys) != 1 || keys[0] != k1 {
		t.Errorf("Keys = %v", keys)
	}
}

func TestUpgradeMD5(t *testing.T) {
	s := setup(t)
	content := []byte("legacy attachment")
	sum := md5.Sum(content)
	legacy := Key{MD5, string(sum[:])}
	name := "md5-" + hex.EncodeToString(sum[:]) + ".blob"
	if err := os.WriteFile(filepath.Join(s.Dir(), name), content, 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := s.Read(legacy)
	if err != nil || !bytes.Equal(got, content) {
		t.Fatalf("Read(legacy) = %q, %v", got, err)
	}

	upgraded, err := s.UpgradeMD5(legacy)
	if err != nil {
		t.Fatal(err)
	}
	if upgraded != SHA1Key(content) {
		t.Errorf("upgraded = %v, wanted SHA-1 key", upgraded)
	}
	if s.Resolve(legacy) != upgraded {
		t.Errorf("Resolve(legacy) = %v", s.Resolve(legacy))
	}
	got, err = s.Read(legacy)
	if err != nil || !bytes.Equal(got, content) {
		t.Errorf("legacy key no longer readable: %q, %v", got, err)
	}
	if n, _ := s.Count(); n != 1 {
		t.Errorf("Count = %d, wanted 1", n)
	}

	again, err := s.UpgradeMD5(legacy)
	if err != nil || again != upgraded {
		t.Errorf("second UpgradeMD5 = %v, %v", again, err)
	}

	s.DeleteExcept(map[Key]bool{})
	if s.Has(legacy) {
		t.Errorf("alias survived deletion of its target")
	}
}
