package jsonldb

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"

	"github.com/maruel/datarest/internal/docstore"
)

// findChunk is the number of rows cloned per read lock acquisition.
const findChunk = 100

type collection struct {
	db   *DB
	name string
}

func (c *collection) Name() string {
	return c.name
}

// candidates returns the ids that may match f, using the sparse index of an
// "exists" predicate when one is available.
func (c *collection) candidates(st *state, f *docstore.Filter) []string {
	if f.IDs != nil {
		return slices.Clone(f.IDs)
	}
	for _, field := range f.Exists {
		if idx := st.fieldIndex(field); idx != nil {
			ids := idx.AllIDs()
			// Keep the insertion order of the table.
			order := st.table.IDs()
			pos := make(map[string]int, len(order))
			for i, id := range order {
				pos[id] = i
			}
			slices.SortFunc(ids, func(a, b string) int { return pos[a] - pos[b] })
			return ids
		}
	}
	return st.table.IDs()
}

func (c *collection) Find(ctx context.Context, q docstore.Query) iter.Seq2[docstore.Document, error] {
	return func(yield func(docstore.Document, error) bool) {
		st, err := c.db.get(c.name)
		if err != nil {
			yield(nil, err)
			return
		}
		ids := c.candidates(st, &q.Filter)
		if q.SortBy != "" {
			var docs []docstore.Document
			for _, id := range ids {
				if d, ok := st.table.Get(id); ok && q.Filter.Match(d) {
					docs = append(docs, d)
				}
			}
			docstore.SortDocs(docs, q.SortBy, q.Desc)
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
		n := 0
		for chunk := range slices.Chunk(ids, findChunk) {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			var docs []docstore.Document
			for _, id := range chunk {
				if d, ok := st.table.Get(id); ok && q.Filter.Match(d) {
					docs = append(docs, d)
				}
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
		}
	}
}

func (c *collection) FindOne(_ context.Context, id string) (docstore.Document, error) {
	st, err := c.db.get(c.name)
	if err != nil {
		return nil, err
	}
	d, ok := st.table.Get(id)
	if !ok {
		return nil, docstore.ErrNotFound
	}
	return d, nil
}

func (c *collection) Count(_ context.Context, f docstore.Filter) (int, error) {
	st, err := c.db.get(c.name)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range c.candidates(st, &f) {
		if d, ok := st.table.Get(id); ok && f.Match(d) {
			n++
		}
	}
	return n, nil
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
	st, err := c.db.get(c.name)
	if err != nil {
		return docstore.BulkResult{}, err
	}
	var res docstore.BulkResult
	var bulkErr error
	err = st.table.Modify(func(tx *Tx[docstore.Document]) error {
		t := &txn{st: st, tx: tx, unique: docstore.UniqueSpecs(tx.header.Indexes), claims: map[string]map[string]string{}}
		res, bulkErr = docstore.ApplyOps(t, ops)
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
	st, err := c.db.get(c.name)
	if err != nil {
		return err
	}
	err = st.table.Modify(func(tx *Tx[docstore.Document]) error {
		h := tx.Header()
		if i, ok := docstore.FindIndex(h.Indexes, spec.Name); ok {
			h.Indexes[i] = spec
		} else {
			h.Indexes = append(h.Indexes, spec)
		}
		if !spec.Unique {
			return nil
		}
		seen := map[string]string{}
		for row := range tx.Rows() {
			key, ok := docstore.IndexKey(row, spec.Field)
			if !ok {
				continue
			}
			if other, ok := seen[key]; ok {
				return fmt.Errorf("%w: rows %q and %q", docstore.UniqueViolation(&spec, key), other, row.ID())
			}
			seen[key] = row.ID()
		}
		return nil
	})
	if err != nil {
		return err
	}
	return st.syncIndexes()
}

func (c *collection) DropIndex(_ context.Context, name string) error {
	st, err := c.db.get(c.name)
	if err != nil {
		return err
	}
	err = st.table.Modify(func(tx *Tx[docstore.Document]) error {
		i, ok := docstore.FindIndex(tx.header.Indexes, name)
		if !ok {
			return fmt.Errorf("%w: %s", docstore.ErrIndexNotFound, name)
		}
		h := tx.Header()
		h.Indexes = slices.Delete(h.Indexes, i, i+1)
		return nil
	})
	if err != nil {
		return err
	}
	return st.syncIndexes()
}

func (c *collection) Indexes(_ context.Context) ([]docstore.IndexSpec, error) {
	st, err := c.db.get(c.name)
	if err != nil {
		return nil, err
	}
	return st.table.Header().Indexes, nil
}

// txn implements docstore.Txn over a table transaction. claims records the
// unique keys taken by rows written in this transaction.
type txn struct {
	st     *state
	tx     *Tx[docstore.Document]
	unique []docstore.IndexSpec
	claims map[string]map[string]string
}

func (t *txn) Get(id string) (docstore.Document, bool, error) {
	d, ok := t.tx.Get(id)
	return d, ok, nil
}

func (t *txn) Scan(f docstore.Filter) (docstore.Document, bool, error) {
	for row := range t.tx.Rows() {
		if f.Match(row) {
			return row, true, nil
		}
	}
	return nil, false, nil
}

// owner returns the id of the row currently holding key in the index.
func (t *txn) owner(spec *docstore.IndexSpec, key string) string {
	if id, ok := t.claims[spec.Name][key]; ok {
		return id
	}
	idx := t.st.uniqueIndex(spec.Name)
	if idx == nil {
		return ""
	}
	id, ok := idx.Lookup(key)
	if !ok {
		return ""
	}
	// The committed owner may have been changed or removed by this
	// transaction.
	d, ok := t.tx.Get(id)
	if !ok {
		return ""
	}
	if k, ok := docstore.IndexKey(d, spec.Field); !ok || k != key {
		return ""
	}
	return id
}

func (t *txn) Put(prev, doc docstore.Document) error {
	id := doc.ID()
	if prev == nil {
		if _, ok := t.tx.Get(id); ok {
			return docstore.IDViolation(id)
		}
	}
	for i := range t.unique {
		spec := &t.unique[i]
		key, ok := docstore.IndexKey(doc, spec.Field)
		if !ok {
			continue
		}
		if other := t.owner(spec, key); other != "" && other != id {
			return docstore.UniqueViolation(spec, key)
		}
	}
	for i := range t.unique {
		spec := &t.unique[i]
		if prev != nil {
			t.release(spec, prev)
		}
		if key, ok := docstore.IndexKey(doc, spec.Field); ok {
			if t.claims[spec.Name] == nil {
				t.claims[spec.Name] = map[string]string{}
			}
			t.claims[spec.Name][key] = id
		}
	}
	t.tx.Put(doc)
	return nil
}

func (t *txn) Remove(doc docstore.Document) error {
	if doc.ID() == "" {
		return errors.New("cannot remove a document without _id")
	}
	for i := range t.unique {
		t.release(&t.unique[i], doc)
	}
	t.tx.Delete(doc.ID())
	return nil
}

func (t *txn) release(spec *docstore.IndexSpec, doc docstore.Document) {
	key, ok := docstore.IndexKey(doc, spec.Field)
	if !ok {
		return
	}
	if t.claims[spec.Name][key] == doc.ID() {
		delete(t.claims[spec.Name], key)
	}
}
