// Package jsonldb is a docstore engine keeping each collection in a JSONL file.
//
// # Overview
//
// The package centers around [Table], a generic container that stores rows in a
// JSONL (JSON Lines) file with full in-memory caching for fast reads. Tables are
// safe for concurrent use by multiple goroutines. [DB] maps docstore
// collections onto tables of [docstore.Document].
//
// # Concurrency: Pessimistic Locking
//
// [Table.Modify] holds the write lock for the entire read-modify-write
// operation, including the file rewrite. A batch is therefore applied and
// persisted atomically with respect to other writers and readers of the same
// table. The tradeoff is that every batch rewrites the whole file, which is
// acceptable for local storage with batches of up to a thousand rows.
//
// # Secondary Indexes
//
// [UniqueIndex] and [Index] provide O(1) lookups by a field value, staying
// synchronized with table mutations via [TableObserver]. Unique indexes reject
// writes in [DB] batches; sparse indexes accelerate "exists" filters.
//
// # File Format
//
// JSONL files with line 1 as a header holding the format version and the
// index specifications, subsequent lines as JSON rows in insertion order.
// Files are replaced atomically through a temporary file and a rename.
package jsonldb
