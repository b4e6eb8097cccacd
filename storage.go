package docdb

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBucketNotFound is returned by storageTx.DeleteBucket when the bucket doesn't exist.
var ErrBucketNotFound = errors.New("bucket not found")

// Backend selects the key-value engine underneath a database.
type Backend int

const (
	// BackendBolt stores the database in a single bbolt file. Default.
	BackendBolt Backend = iota
	// BackendPebble stores the database in a pebble directory.
	BackendPebble
	// BackendMemory keeps everything in memory. Intended for tests.
	BackendMemory
)

func (b Backend) String() string {
	switch b {
	case BackendBolt:
		return "bolt"
	case BackendPebble:
		return "pebble"
	case BackendMemory:
		return "memory"
	default:
		return fmt.Sprintf("backend(%d)", int(b))
	}
}

func ParseBackend(s string) (Backend, error) {
	switch strings.ToLower(s) {
	case "", "bolt", "bbolt":
		return BackendBolt, nil
	case "pebble":
		return BackendPebble, nil
	case "memory", "mem":
		return BackendMemory, nil
	default:
		return 0, fmt.Errorf("unknown storage backend %q", s)
	}
}

// storage is a transactional ordered key-value store with two-level buckets.
// Writable transactions are serialized by the backend; read transactions see
// the last committed state and never block on a writer.
type storage interface {
	BeginTx(writable bool) (storageTx, error)
	Close() error
}

type storageTx interface {
	Writable() bool

	// Bucket returns a bucket. Use sub="" for a root bucket, non-empty for a nested bucket.
	// Returns nil if the bucket doesn't exist.
	Bucket(name, sub string) storageBucket

	// CreateBucket creates a bucket if it doesn't exist.
	CreateBucket(name, sub string) (storageBucket, error)

	// DeleteBucket deletes a nested bucket (sub must be non-empty).
	DeleteBucket(name, sub string) error

	Commit() error

	// Rollback aborts the transaction. Safe to call after Commit.
	Rollback() error

	// Size returns the database size in bytes (0 if unknown).
	Size() int64
}

// storageBucket is a sorted key-value collection. Slices returned by Get and
// cursors are only valid until the end of the transaction.
type storageBucket interface {
	Get(key []byte) []byte
	Put(key, value []byte) error
	Delete(key []byte) error
	Cursor() storageCursor
	Stats() bucketStats
}

type bucketStats struct {
	KeyN        int
	LeafInuse   int64
	LeafAlloc   int64
	BranchAlloc int64
}

func (s bucketStats) TotalAlloc() int64 { return s.BranchAlloc + s.LeafAlloc }

// storageCursor iterates over a sorted bucket. All movement methods return
// nil keys past either end.
type storageCursor interface {
	First() (key, value []byte)
	Last() (key, value []byte)

	// Seek moves to the first key >= seek.
	Seek(seek []byte) (key, value []byte)

	// SeekLast moves to the last key that is < seek or has seek as a prefix.
	SeekLast(prefix []byte) (key, value []byte)

	Next() (key, value []byte)
	Prev() (key, value []byte)
}
