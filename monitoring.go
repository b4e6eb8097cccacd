package docdb

import (
	"fmt"
	"strings"
)

type BucketStats struct {
	Name  string
	Keys  int
	Size  int64
	Alloc int64
}

type ViewStats struct {
	Name      string
	Rows      int
	LastSeq   uint64
	RowsSize  int64
	RowsAlloc int64
}

// Stats describes the database's storage and activity counters.
type Stats struct {
	Documents int64
	LastSeq   uint64
	Size      int64

	Buckets []BucketStats
	Views   []ViewStats

	Blobs     int
	BlobBytes int64

	Readers        int64
	Writers        int64
	PendingWriters int64
	Reads          uint64
	Writes         uint64
}

func (s *Stats) TotalAlloc() int64 {
	var n int64
	for _, b := range s.Buckets {
		n += b.Alloc
	}
	for _, v := range s.Views {
		n += v.RowsAlloc
	}
	return n
}

func (s *Stats) String() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "docs=%d seq=%d size=%d blobs=%d blob_bytes=%d", s.Documents, s.LastSeq, s.Size, s.Blobs, s.BlobBytes)
	for _, b := range s.Buckets {
		fmt.Fprintf(&buf, " %s.keys=%d", b.Name, b.Keys)
	}
	for _, v := range s.Views {
		fmt.Fprintf(&buf, " view.%s.rows=%d", v.Name, v.Rows)
	}
	return buf.String()
}

func (db *Database) Stats() (*Stats, error) {
	c := db.core
	s := &Stats{
		Readers:        c.readers.Load(),
		Writers:        c.writers.Load(),
		PendingWriters: c.pendingWriters.Load(),
		Reads:          c.readCount.Load(),
		Writes:         c.writeCount.Load(),
	}
	err := db.read(func(tx *Tx) error {
		m := tx.loadMeta()
		s.Documents = m.DocCount
		s.LastSeq = m.LastSeq
		s.Size = tx.stx.Size()
		for _, name := range rootBuckets {
			if name == bucketRows || name == bucketRowKeys {
				continue
			}
			bs := tx.bucket(name).Stats()
			s.Buckets = append(s.Buckets, BucketStats{
				Name:  name,
				Keys:  bs.KeyN,
				Size:  bs.LeafInuse,
				Alloc: bs.TotalAlloc(),
			})
		}
		for _, name := range tx.viewNames() {
			vs := ViewStats{Name: name}
			if st, err := tx.loadViewState(name); err != nil {
				return err
			} else if st != nil {
				vs.LastSeq = st.LastSeq
			}
			if b := tx.stx.Bucket(bucketRows, name); b != nil {
				bs := b.Stats()
				vs.Rows = bs.KeyN
				vs.RowsSize = bs.LeafInuse
				vs.RowsAlloc = bs.TotalAlloc()
			}
			s.Views = append(s.Views, vs)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.Blobs, err = c.blobs.Count(); err != nil {
		return nil, wrapStorageErr("stats", err)
	}
	if s.BlobBytes, err = c.blobs.TotalSize(); err != nil {
		return nil, wrapStorageErr("stats", err)
	}
	return s, nil
}
