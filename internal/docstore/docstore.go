// Package docstore defines the document store contract used by the dataset
// engine.
//
// # Overview
//
// A [Store] holds named collections of JSON documents keyed by "_id". The
// contract is deliberately small: point reads, filtered scans with a fixed
// predicate set ([Filter]), secondary indexes with optional uniqueness and
// time-to-live, and an unordered [BatchWriter] whose sub-operations are atomic
// per document.
//
// Two engines implement it: package jsonldb (one JSONL file per collection)
// and package boltstore (bbolt buckets). Both pass the conformance suite in
// package storetest.
//
// # Duplicate keys
//
// Unique index violations are reported per sub-operation with
// [CodeDuplicateKey] inside a [*BulkWriteError]. The dataset engine relies on
// this to turn a failed insert into a conflict and a failed conditional upsert
// into "not modified".
package docstore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"
)

// IDField is the primary key of every document.
const IDField = "_id"

// CodeDuplicateKey is the write error code for unique index violations.
const CodeDuplicateKey = 11000

// CodeWriteFailed is the write error code for any other failure.
const CodeWriteFailed = 1

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrIndexNotFound is returned when dropping an unknown index.
	ErrIndexNotFound = errors.New("index not found")
	// ErrDuplicateKey is wrapped by engines when a write violates a unique index.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrInvalidName is returned for collection names that are not usable.
	ErrInvalidName = errors.New("invalid collection name")
)

// Store is a set of named collections.
type Store interface {
	// Collection returns a handle on the named collection. The collection is
	// created lazily on first write or index creation.
	Collection(name string) Collection
	// HasCollection reports whether the collection exists.
	HasCollection(ctx context.Context, name string) (bool, error)
	// ListCollections returns the names of all existing collections.
	ListCollections(ctx context.Context) ([]string, error)
	// DropCollection removes a collection. Dropping a missing collection is
	// not an error.
	DropCollection(ctx context.Context, name string) error
	// RenameCollection atomically replaces "to" with "from".
	RenameCollection(ctx context.Context, from, to string) error
	// Sweep deletes documents expired by TTL indexes and returns how many
	// were removed.
	Sweep(ctx context.Context, now time.Time) (int, error)
	// Close releases resources.
	Close() error
}

// Collection is a handle on a named collection.
type Collection interface {
	Name() string
	// Find iterates over the documents matching q. Documents are copies.
	Find(ctx context.Context, q Query) iter.Seq2[Document, error]
	// FindOne returns the document with the given id or ErrNotFound.
	FindOne(ctx context.Context, id string) (Document, error)
	// Count returns the number of documents matching f.
	Count(ctx context.Context, f Filter) (int, error)
	// Update applies set and unset to the first document matching f. It
	// reports whether a document matched.
	Update(ctx context.Context, f Filter, set Document, unset []string) (bool, error)
	// NewBatch starts an unordered bulk write.
	NewBatch() BatchWriter
	CreateIndex(ctx context.Context, spec IndexSpec) error
	DropIndex(ctx context.Context, name string) error
	Indexes(ctx context.Context) ([]IndexSpec, error)
}

// BatchWriter accumulates an unordered bulk write.
//
// Each sub-operation applies atomically to a single document. A failing
// sub-operation is reported in a *BulkWriteError and does not prevent the
// others from being applied.
type BatchWriter interface {
	// Insert adds a new document. It fails with CodeDuplicateKey when the
	// _id or a unique indexed value already exists.
	Insert(doc Document)
	// Replace replaces the first document matching f with doc.
	Replace(f Filter, doc Document)
	// Upsert replaces the first document matching f with doc or inserts doc
	// when nothing matches.
	Upsert(f Filter, doc Document)
	// Update sets and unsets fields on the first document matching f.
	Update(f Filter, set Document, unset []string)
	// Delete removes the first document matching f.
	Delete(f Filter)
	// Len is the number of queued sub-operations.
	Len() int
	// Execute applies the queued sub-operations. A batch may only be
	// executed once.
	Execute(ctx context.Context) (BulkResult, error)
}

// Query selects documents.
type Query struct {
	Filter Filter
	// Fields limits the returned fields. _id is always returned.
	Fields []string
	SortBy string
	Desc   bool
	// Limit of 0 means no limit.
	Limit int
}

// IndexSpec describes a secondary index.
type IndexSpec struct {
	Name   string `json:"name"`
	Field  string `json:"field"`
	Unique bool   `json:"unique,omitempty"`
	Sparse bool   `json:"sparse,omitempty"`
	// ExpireAfter makes this a TTL index: documents whose Field timestamp is
	// older than ExpireAfter are removed by Store.Sweep.
	ExpireAfter time.Duration `json:"expireAfter,omitempty"`
}

// Validate checks that the index specification is well-formed.
func (s *IndexSpec) Validate() error {
	if s.Name == "" {
		return errors.New("index name is required")
	}
	if s.Field == "" {
		return fmt.Errorf("index %q: field is required", s.Name)
	}
	if s.ExpireAfter < 0 {
		return fmt.Errorf("index %q: expireAfter must be non-negative", s.Name)
	}
	return nil
}

// BulkResult summarizes an executed batch.
type BulkResult struct {
	Inserted int
	Matched  int
	Modified int
	Upserted int
	Deleted  int
	// UpsertedIndexes lists the positions of upserts that inserted.
	UpsertedIndexes []int
}

// WriteError is the failure of one sub-operation of a batch.
type WriteError struct {
	Index   int
	Code    int
	Message string
}

// BulkWriteError reports the sub-operations that failed in a batch.
type BulkWriteError struct {
	WriteErrors []WriteError
}

func (e *BulkWriteError) Error() string {
	if len(e.WriteErrors) == 1 {
		return fmt.Sprintf("bulk write error at index %d: %s", e.WriteErrors[0].Index, e.WriteErrors[0].Message)
	}
	return fmt.Sprintf("%d bulk write errors, first at index %d: %s", len(e.WriteErrors), e.WriteErrors[0].Index, e.WriteErrors[0].Message)
}

// ValidateName checks that a collection name is usable as a file or bucket
// name.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
