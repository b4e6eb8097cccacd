package blobstore

import (
	"crypto/md5"
	"crypto/sha1"
	"errors"
	"hash"
	"io"
	"io/fs"
	"os"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/andreyvit/docdb/mmap"
)

var errWriterClosed = errors.New("blob writer already finished")

// Writer streams a new blob into a temporary file. Bytes are written in the
// writer's encoding; digests and Length always describe the decoded content.
type Writer struct {
	store *Store
	enc   Encoding
	f     *os.File

	sha1 hash.Hash
	md5  hash.Hash

	length        int64
	encodedLength int64

	// gzip decoding runs on a goroutine fed through a pipe
	pw      *io.PipeWriter
	decoded chan decodeResult

	key      Key
	md5Key   Key
	finished bool
	closed   bool
}

type decodeResult struct {
	n   int64
	err error
}

func (s *Store) NewWriter(enc Encoding) (*Writer, error) {
	f, err := os.CreateTemp(s.dir, tempPattern)
	if err != nil {
		return nil, err
	}
	w := &Writer{
		store: s,
		enc:   enc,
		f:     f,
		sha1:  sha1.New(),
		md5:   md5.New(),
	}
	if enc == Gzip {
		pr, pw := io.Pipe()
		w.pw = pw
		w.decoded = make(chan decodeResult, 1)
		go w.decode(pr)
	}
	return w, nil
}

func (w *Writer) decode(pr *io.PipeReader) {
	var res decodeResult
	zr, err := gzip.NewReader(pr)
	if err == nil {
		res.n, res.err = io.Copy(io.MultiWriter(w.sha1, w.md5), zr)
		if res.err == nil {
			res.err = zr.Close()
		}
	} else {
		res.err = err
	}
	if res.err != nil {
		pr.CloseWithError(res.err)
	} else {
		// drain trailing bytes so writers never block
		io.Copy(io.Discard, pr)
	}
	w.decoded <- res
}

func (w *Writer) Write(p []byte) (int, error) {
	if w.finished || w.closed {
		return 0, errWriterClosed
	}
	n, err := w.f.Write(p)
	w.encodedLength += int64(n)
	if err != nil {
		return n, err
	}
	if w.pw != nil {
		if _, err := w.pw.Write(p); err != nil {
			return n, err
		}
	} else {
		w.sha1.Write(p)
		w.md5.Write(p)
		w.length += int64(n)
	}
	return n, nil
}

// Finish completes the digests. The blob is not visible until Install.
func (w *Writer) Finish() error {
	if w.finished {
		return nil
	}
	if w.closed {
		return errWriterClosed
	}
	w.finished = true
	if w.pw != nil {
		w.pw.Close()
		res := <-w.decoded
		if res.err != nil {
			return res.err
		}
		w.length = res.n
	}
	w.key = Key{SHA1, string(w.sha1.Sum(nil))}
	w.md5Key = Key{MD5, string(w.md5.Sum(nil))}
	return nil
}

func (w *Writer) Key() Key { return w.key }
func (w *Writer) MD5Key() Key { return w.md5Key }
func (w *Writer) Length() int64 { return w.length }
func (w *Writer) EncodedLength() int64 { return w.encodedLength }
func (w *Writer) Encoding() Encoding { return w.enc }
func (w *Writer) Store() *Store { return w.store }
func (w *Writer) TempPath() string { return w.f.Name() }
func (w *Writer) Finished() bool { return w.finished }

// Install makes the blob durable and moves it into place. If a blob with the
// same content already exists, in any encoding, the new copy is discarded.
func (w *Writer) Install() error {
	if err := w.Finish(); err != nil {
		w.Cancel()
		return err
	}
	if w.closed {
		return nil
	}
	w.closed = true
	tmp := w.f.Name()
	if w.store.Has(w.key) {
		w.f.Close()
		os.Remove(tmp)
		w.store.logger.Debug("blobstore: dedup", zap.Stringer("key", w.key))
		return nil
	}
	if err := mmap.Install(w.f, w.store.path(w.key, w.enc)); err != nil {
		return err
	}
	w.store.logger.Debug("blobstore: installed", zap.Stringer("key", w.key), zap.Int64("length", w.length), zap.Stringer("encoding", w.enc))
	return nil
}

// Cancel discards the temporary file. Safe to call more than once.
func (w *Writer) Cancel() {
	if w.pw != nil && !w.finished {
		w.pw.CloseWithError(errWriterClosed)
		<-w.decoded
		w.finished = true
	}
	if w.closed {
		return
	}
	w.closed = true
	w.f.Close()
	if err := os.Remove(w.f.Name()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		w.store.logger.Warn("blobstore: cannot remove temp file", zap.Error(err))
	}
}
