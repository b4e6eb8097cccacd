/*
Package docdb implements an embedded document database with multi-version
concurrency control, on top of an ordered key-value store (Bolt by default,
Pebble or memory optionally).

We implement:

1. Documents, JSON-like property maps identified by a string ID. Every
change creates a revision; the revisions of a document form a tree, so
concurrent edits (for example, from replication) become conflicts rather
than lost updates.

2. Attachments, binary blobs stored outside the key-value store in a
content-addressed blob directory and referenced from revision bodies.

3. Views, incrementally maintained map/reduce indexes over documents, and
queries over them, including live queries that rerun on change.

4. Local documents, unversioned per-database records that never replicate.

# Technical Details

**Buckets.**
We rely on scoped namespaces for keys called buckets. Bolt supports them
natively; on Pebble buckets are key prefixes. Per-view buckets are
addressed by (name, view name).

	meta            "meta" → msgpack meta (UUID, last sequence, document count)
	docs            docID → msgpack revision tree
	seqs            uint64 BE sequence → change record (docID, revID, deleted)
	bodies          uint64 BE sequence → msgpack revision body
	local           local docID → msgpack {rev, body}
	views           view name → view state (version, collation, indexed seq, row count)
	rows/<view>     row key → msgpack {key, value, docID, seq}
	rowkeys/<view>  docID → row keys emitted for that document

**Sequences.**
Every committed revision consumes exactly one sequence number. Sequences
are never reused, even after purge.

**Revision trees.**
A document's tree is an arena of nodes, each naming its parent by index.
Nodes without a body (ancestors learned from replicated history) have
sequence 0. The current revision is the winning leaf: live beats deleted,
then higher generation, then the greater revision ID.

**Row keys.**
A view row key is the order-preserving collation key of the emitted key,
followed by the escaped document ID and a 4-byte emit ordinal, so a plain
byte-order scan visits rows in collation order. The rowkeys record of
a document lists the keys it emitted, so reindexing deletes exactly those.
*/
package docdb
