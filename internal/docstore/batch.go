package docstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// OpKind is the kind of a batched sub-operation.
type OpKind int

const (
	OpInsert OpKind = iota
	OpReplace
	OpUpsert
	OpUpdate
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpReplace:
		return "replace"
	case OpUpsert:
		return "upsert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("OpKind(%d)", int(k))
	}
}

// Op is one queued sub-operation.
type Op struct {
	Kind   OpKind
	Filter Filter
	Doc    Document
	Set    Document
	Unset  []string
}

// Txn is the view of one collection that an engine exposes while a batch is
// applied. Engines enforce uniqueness in Put.
type Txn interface {
	// Get returns the document with the given id.
	Get(id string) (Document, bool, error)
	// Scan returns the first document matching f.
	Scan(f Filter) (Document, bool, error)
	// Put stores doc. prev is nil for an insert and the replaced document
	// otherwise. It returns an error wrapping ErrDuplicateKey when doc
	// collides with another document on _id or on a unique index.
	Put(prev, doc Document) error
	// Remove deletes doc.
	Remove(doc Document) error
}

// Batch is a BatchWriter that delegates execution to an engine.
type Batch struct {
	ops  []Op
	exec func(ctx context.Context, ops []Op) (BulkResult, error)
	done bool
}

// NewBatch returns a Batch executed by exec.
func NewBatch(exec func(ctx context.Context, ops []Op) (BulkResult, error)) *Batch {
	return &Batch{exec: exec}
}

// Insert implements [BatchWriter].
func (b *Batch) Insert(doc Document) {
	b.ops = append(b.ops, Op{Kind: OpInsert, Doc: doc})
}

// Replace implements [BatchWriter].
func (b *Batch) Replace(f Filter, doc Document) {
	b.ops = append(b.ops, Op{Kind: OpReplace, Filter: f, Doc: doc})
}

// Upsert implements [BatchWriter].
func (b *Batch) Upsert(f Filter, doc Document) {
	b.ops = append(b.ops, Op{Kind: OpUpsert, Filter: f, Doc: doc})
}

// Update implements [BatchWriter].
func (b *Batch) Update(f Filter, set Document, unset []string) {
	b.ops = append(b.ops, Op{Kind: OpUpdate, Filter: f, Set: set, Unset: unset})
}

// Delete implements [BatchWriter].
func (b *Batch) Delete(f Filter) {
	b.ops = append(b.ops, Op{Kind: OpDelete, Filter: f})
}

// Len implements [BatchWriter].
func (b *Batch) Len() int {
	return len(b.ops)
}

// Execute implements [BatchWriter].
func (b *Batch) Execute(ctx context.Context) (BulkResult, error) {
	if b.done {
		return BulkResult{}, errors.New("batch already executed")
	}
	b.done = true
	if len(b.ops) == 0 {
		return BulkResult{}, nil
	}
	return b.exec(ctx, b.ops)
}

// ApplyOps applies ops through txn with the unordered bulk semantics of
// BatchWriter. Failing sub-operations are collected in a *BulkWriteError.
func ApplyOps(txn Txn, ops []Op) (BulkResult, error) {
	var res BulkResult
	var werrs []WriteError
	for i := range ops {
		if err := applyOp(txn, i, &ops[i], &res); err != nil {
			code := CodeWriteFailed
			if errors.Is(err, ErrDuplicateKey) {
				code = CodeDuplicateKey
			}
			werrs = append(werrs, WriteError{Index: i, Code: code, Message: err.Error()})
		}
	}
	if len(werrs) != 0 {
		return res, &BulkWriteError{WriteErrors: werrs}
	}
	return res, nil
}

func applyOp(txn Txn, i int, op *Op, res *BulkResult) error {
	if op.Kind == OpInsert {
		doc, err := Normalize(op.Doc)
		if err != nil {
			return err
		}
		if doc.ID() == "" {
			return errors.New("document _id must be a non-empty string")
		}
		if err := txn.Put(nil, doc); err != nil {
			return err
		}
		res.Inserted++
		return nil
	}
	prev, found, err := findFirst(txn, &op.Filter)
	if err != nil {
		return err
	}
	switch op.Kind {
	case OpReplace, OpUpsert:
		doc, err := Normalize(op.Doc)
		if err != nil {
			return err
		}
		if !found {
			if op.Kind == OpReplace {
				return nil
			}
			if doc.ID() == "" {
				id, ok := op.Filter.SingleID()
				if !ok {
					return errors.New("upsert requires an _id")
				}
				doc[IDField] = id
			}
			if err := txn.Put(nil, doc); err != nil {
				return err
			}
			res.Upserted++
			res.UpsertedIndexes = append(res.UpsertedIndexes, i)
			return nil
		}
		if id := doc.ID(); id != "" && id != prev.ID() {
			return fmt.Errorf("replacement would change _id from %q to %q", prev.ID(), id)
		}
		doc[IDField] = prev.ID()
		res.Matched++
		if Equal(prev, doc) {
			return nil
		}
		if err := txn.Put(prev, doc); err != nil {
			return err
		}
		res.Modified++
	case OpUpdate:
		if !found {
			return nil
		}
		next := prev.Clone()
		for k, v := range op.Set {
			if k == IDField {
				continue
			}
			next[k] = v
		}
		for _, k := range op.Unset {
			if k != IDField {
				delete(next, k)
			}
		}
		next, err = Normalize(next)
		if err != nil {
			return err
		}
		res.Matched++
		if Equal(prev, next) {
			return nil
		}
		if err := txn.Put(prev, next); err != nil {
			return err
		}
		res.Modified++
	case OpDelete:
		if !found {
			return nil
		}
		if err := txn.Remove(prev); err != nil {
			return err
		}
		res.Deleted++
	default:
		return fmt.Errorf("unsupported operation %s", op.Kind)
	}
	return nil
}

func findFirst(txn Txn, f *Filter) (Document, bool, error) {
	if id, ok := f.SingleID(); ok {
		d, found, err := txn.Get(id)
		if err != nil || !found {
			return nil, false, err
		}
		if !f.Match(d) {
			return nil, false, nil
		}
		return d, true, nil
	}
	return txn.Scan(*f)
}

// UniqueViolation returns the error engines report when doc collides with
// another document on a unique index.
func UniqueViolation(spec *IndexSpec, key string) error {
	return fmt.Errorf("%w: index %s dup key %s", ErrDuplicateKey, spec.Name, key)
}

// IDViolation returns the error engines report when an insert reuses an _id.
func IDViolation(id string) error {
	return fmt.Errorf("%w: _id %q already exists", ErrDuplicateKey, id)
}

// UniqueSpecs returns the unique indexes among specs.
func UniqueSpecs(specs []IndexSpec) []IndexSpec {
	var out []IndexSpec
	for _, s := range specs {
		if s.Unique {
			out = append(out, s)
		}
	}
	return slices.Clip(out)
}
