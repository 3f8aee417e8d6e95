package boltstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"

	bolt "go.etcd.io/bbolt"

	"github.com/maruel/datarest/internal/docstore"
)

// findChunk is the number of documents read per read-only transaction.
// Documents are yielded outside of any transaction so that the caller may
// write to the store while iterating.
const findChunk = 100

type collection struct {
	db   *DB
	name string
}

func (c *collection) Name() string {
	return c.name
}

// view runs fn with the collection bucket, or does nothing when the
// collection does not exist.
func (c *collection) view(fn func(b *bolt.Bucket) error) error {
	if err := docstore.ValidateName(c.name); err != nil {
		return err
	}
	return c.db.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(c.name))
		if b == nil {
			return nil
		}
		return fn(b)
	})
}

// update runs fn with the collection bucket, creating it as needed.
func (c *collection) update(fn func(b *bolt.Bucket) error) error {
	if err := docstore.ValidateName(c.name); err != nil {
		return err
	}
	return c.db.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(c.name))
		if err != nil {
			return err
		}
		if _, err := b.CreateBucketIfNotExists(docsBucket); err != nil {
			return err
		}
		return fn(b)
	})
}

func (c *collection) Find(ctx context.Context, q docstore.Query) iter.Seq2[docstore.Document, error] {
	return func(yield func(docstore.Document, error) bool) {
		if q.SortBy != "" || q.Filter.IDs != nil {
			docs, err := c.match(&q.Filter, 0, nil)
			if err != nil {
				yield(nil, err)
				return
			}
			if q.SortBy != "" {
				docstore.SortDocs(docs, q.SortBy, q.Desc)
			}
			if q.Limit > 0 && len(docs) > q.Limit {
				docs = docs[:q.Limit]
			}
			for _, d := range docs {
				if !yield(d.Project(q.Fields), nil) {
					return
				}
			}
			return
		}
		var after []byte
		n := 0
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			docs, err := c.match(&q.Filter, findChunk, after)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, d := range docs {
				if !yield(d.Project(q.Fields), nil) {
					return
				}
				n++
				if q.Limit > 0 && n >= q.Limit {
					return
				}
			}
			if len(docs) < findChunk {
				return
			}
			after = []byte(docs[len(docs)-1].ID())
		}
	}
}

// match returns up to limit documents matching f with an _id strictly
// greater than after. A limit of 0 means no limit.
func (c *collection) match(f *docstore.Filter, limit int, after []byte) ([]docstore.Document, error) {
	var out []docstore.Document
	err := c.view(func(b *bolt.Bucket) error {
		docs := b.Bucket(docsBucket)
		if docs == nil {
			return nil
		}
		if f.IDs != nil {
			for _, id := range f.IDs {
				v := docs.Get([]byte(id))
				if v == nil {
					continue
				}
				d, err := docstore.Decode(v)
				if err != nil {
					return err
				}
				if f.Match(d) {
					out = append(out, d)
				}
			}
			return nil
		}
		cur := docs.Cursor()
		var k, v []byte
		if after == nil {
			k, v = cur.First()
		} else {
			k, v = cur.Seek(after)
			if k != nil && bytes.Equal(k, after) {
				k, v = cur.Next()
			}
		}
		for ; k != nil; k, v = cur.Next() {
			d, err := docstore.Decode(v)
			if err != nil {
				return fmt.Errorf("document %q: %w", k, err)
			}
			if !f.Match(d) {
				continue
			}
			out = append(out, d)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}

func (c *collection) FindOne(_ context.Context, id string) (docstore.Document, error) {
	var d docstore.Document
	err := c.view(func(b *bolt.Bucket) error {
		docs := b.Bucket(docsBucket)
		if docs == nil {
			return nil
		}
		v := docs.Get([]byte(id))
		if v == nil {
			return nil
		}
		var err error
		d, err = docstore.Decode(v)
		return err
	})
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, docstore.ErrNotFound
	}
	return d, nil
}

func (c *collection) Count(_ context.Context, f docstore.Filter) (int, error) {
	docs, err := c.match(&f, 0, nil)
	return len(docs), err
}

func (c *collection) Update(ctx context.Context, f docstore.Filter, set docstore.Document, unset []string) (bool, error) {
	b := c.NewBatch()
	b.Update(f, set, unset)
	res, err := b.Execute(ctx)
	return res.Matched != 0, err
}

func (c *collection) NewBatch() docstore.BatchWriter {
	return docstore.NewBatch(c.exec)
}

func (c *collection) exec(_ context.Context, ops []docstore.Op) (docstore.BulkResult, error) {
	var res docstore.BulkResult
	var bulkErr error
	err := c.update(func(b *bolt.Bucket) error {
		specs, err := readSpecs(b)
		if err != nil {
			return err
		}
		res, bulkErr = docstore.ApplyOps(newTxn(b, specs), ops)
		return nil
	})
	if err != nil {
		return docstore.BulkResult{}, err
	}
	return res, bulkErr
}

func (c *collection) CreateIndex(_ context.Context, spec docstore.IndexSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	return c.update(func(b *bolt.Bucket) error {
		specs, err := readSpecs(b)
		if err != nil {
			return err
		}
		if i, ok := docstore.FindIndex(specs, spec.Name); ok {
			if specs[i] == spec {
				return nil
			}
			specs[i] = spec
		} else {
			specs = append(specs, spec)
		}
		name := uniqueBucketName(&spec)
		if err := b.DeleteBucket(name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		if spec.Unique {
			idx, err := b.CreateBucket(name)
			if err != nil {
				return err
			}
			err = b.Bucket(docsBucket).ForEach(func(k, v []byte) error {
				d, err := docstore.Decode(v)
				if err != nil {
					return err
				}
				key, ok := docstore.IndexKey(d, spec.Field)
				if !ok {
					return nil
				}
				if other := idx.Get([]byte(key)); other != nil {
					return fmt.Errorf("%w: documents %q and %q", docstore.UniqueViolation(&spec, key), other, k)
				}
				return idx.Put([]byte(key), k)
			})
			if err != nil {
				return err
			}
		}
		return writeSpecs(b, specs)
	})
}

func (c *collection) DropIndex(_ context.Context, name string) error {
	if err := docstore.ValidateName(c.name); err != nil {
		return err
	}
	return c.db.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(c.name))
		if b == nil {
			return fmt.Errorf("%w: %s", docstore.ErrIndexNotFound, name)
		}
		specs, err := readSpecs(b)
		if err != nil {
			return err
		}
		i, ok := docstore.FindIndex(specs, name)
		if !ok {
			return fmt.Errorf("%w: %s", docstore.ErrIndexNotFound, name)
		}
		if err := b.DeleteBucket(uniqueBucketName(&specs[i])); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		return writeSpecs(b, slices.Delete(specs, i, i+1))
	})
}

func (c *collection) Indexes(_ context.Context) ([]docstore.IndexSpec, error) {
	var specs []docstore.IndexSpec
	err := c.view(func(b *bolt.Bucket) error {
		var err error
		specs, err = readSpecs(b)
		return err
	})
	return specs, err
}

// txn implements docstore.Txn inside a read-write bbolt transaction, which
// already sees its own writes.
type txn struct {
	b      *bolt.Bucket
	docs   *bolt.Bucket
	unique []docstore.IndexSpec
}

func newTxn(b *bolt.Bucket, specs []docstore.IndexSpec) *txn {
	return &txn{b: b, docs: b.Bucket(docsBucket), unique: docstore.UniqueSpecs(specs)}
}

func (t *txn) Get(id string) (docstore.Document, bool, error) {
	v := t.docs.Get([]byte(id))
	if v == nil {
		return nil, false, nil
	}
	d, err := docstore.Decode(v)
	return d, err == nil, err
}

func (t *txn) Scan(f docstore.Filter) (docstore.Document, bool, error) {
	cur := t.docs.Cursor()
	for k, v := cur.First(); k != nil; k, v = cur.Next() {
		d, err := docstore.Decode(v)
		if err != nil {
			return nil, false, err
		}
		if f.Match(d) {
			return d, true, nil
		}
	}
	return nil, false, nil
}

func (t *txn) Put(prev, doc docstore.Document) error {
	id := []byte(doc.ID())
	if prev == nil && t.docs.Get(id) != nil {
		return docstore.IDViolation(doc.ID())
	}
	// Check every index before writing anything so a rejected document
	// leaves no partial state.
	for i := range t.unique {
		spec := &t.unique[i]
		key, ok := docstore.IndexKey(doc, spec.Field)
		if !ok {
			continue
		}
		if idx := t.b.Bucket(uniqueBucketName(spec)); idx != nil {
			if owner := idx.Get([]byte(key)); owner != nil && !bytes.Equal(owner, id) {
				return docstore.UniqueViolation(spec, key)
			}
		}
	}
	for i := range t.unique {
		spec := &t.unique[i]
		idx, err := t.b.CreateBucketIfNotExists(uniqueBucketName(spec))
		if err != nil {
			return err
		}
		if prev != nil {
			if err := release(idx, spec, prev); err != nil {
				return err
			}
		}
		if key, ok := docstore.IndexKey(doc, spec.Field); ok {
			if err := idx.Put([]byte(key), id); err != nil {
				return err
			}
		}
	}
	raw, err := docstore.Encode(doc)
	if err != nil {
		return err
	}
	return t.docs.Put(id, raw)
}

func (t *txn) Remove(doc docstore.Document) error {
	if doc.ID() == "" {
		return errors.New("cannot remove a document without _id")
	}
	for i := range t.unique {
		spec := &t.unique[i]
		if idx := t.b.Bucket(uniqueBucketName(spec)); idx != nil {
			if err := release(idx, spec, doc); err != nil {
				return err
			}
		}
	}
	return t.docs.Delete([]byte(doc.ID()))
}

// release removes the index entry of doc if doc still owns it.
func release(idx *bolt.Bucket, spec *docstore.IndexSpec, doc docstore.Document) error {
	key, ok := docstore.IndexKey(doc, spec.Field)
	if !ok {
		return nil
	}
	if bytes.Equal(idx.Get([]byte(key)), []byte(doc.ID())) {
		return idx.Delete([]byte(key))
	}
	return nil
}
