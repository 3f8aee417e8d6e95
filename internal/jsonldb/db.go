package jsonldb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/maruel/datarest/internal/docstore"
)

const fileExt = ".jsonl"

// DB is a docstore.Store keeping one JSONL file per collection in a
// directory.
type DB struct {
	dir string

	mu     sync.Mutex
	states map[string]*state
	closed bool
}

// state is the loaded form of a collection.
type state struct {
	table *Table[docstore.Document]

	mu     sync.Mutex
	unique map[string]*UniqueIndex[docstore.Document]
	sparse map[string]*Index[docstore.Document]
}

// Open returns a DB rooted at dir, creating the directory if needed.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return &DB{dir: dir, states: map[string]*state{}}, nil
}

func (db *DB) path(name string) string {
	return filepath.Join(db.dir, name+fileExt)
}

// get returns the loaded state of a collection.
func (db *DB) get(name string) (*state, error) {
	if err := docstore.ValidateName(name); err != nil {
		return nil, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, errors.New("database is closed")
	}
	if st, ok := db.states[name]; ok {
		return st, nil
	}
	table, err := NewTable[docstore.Document](db.path(name))
	if err != nil {
		return nil, err
	}
	st := &state{table: table}
	if err := st.syncIndexes(); err != nil {
		return nil, fmt.Errorf("collection %s: %w", name, err)
	}
	db.states[name] = st
	return st, nil
}

// syncIndexes rebuilds the in-memory indexes from the table header.
//
// st.mu is never held while the table lock is taken: writers take the table
// lock first and then consult the indexes.
func (st *state) syncIndexes() error {
	st.mu.Lock()
	oldUnique, oldSparse := st.unique, st.sparse
	st.mu.Unlock()
	for _, idx := range oldUnique {
		st.table.RemoveObserver(idx)
	}
	for _, idx := range oldSparse {
		st.table.RemoveObserver(idx)
	}
	unique := map[string]*UniqueIndex[docstore.Document]{}
	sparse := map[string]*Index[docstore.Document]{}
	var err error
	for _, spec := range st.table.Header().Indexes {
		keyFunc := fieldKey(spec.Field)
		if spec.Unique {
			idx, err2 := NewUniqueIndex(st.table, keyFunc)
			if err2 != nil {
				err = fmt.Errorf("index %s: %w", spec.Name, err2)
				continue
			}
			unique[spec.Name] = idx
			continue
		}
		sparse[spec.Field] = NewIndex(st.table, keyFunc)
	}
	st.mu.Lock()
	st.unique, st.sparse = unique, sparse
	st.mu.Unlock()
	return err
}

func (st *state) uniqueIndex(name string) *UniqueIndex[docstore.Document] {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.unique[name]
}

func (st *state) fieldIndex(field string) *Index[docstore.Document] {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sparse[field]
}

func fieldKey(field string) KeyFunc[docstore.Document] {
	return func(d docstore.Document) (string, bool) {
		return docstore.IndexKey(d, field)
	}
}

// Collection implements [docstore.Store].
func (db *DB) Collection(name string) docstore.Collection {
	return &collection{db: db, name: name}
}

// HasCollection implements [docstore.Store].
func (db *DB) HasCollection(_ context.Context, name string) (bool, error) {
	if err := docstore.ValidateName(name); err != nil {
		return false, err
	}
	if _, err := os.Stat(db.path(name)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListCollections implements [docstore.Store].
func (db *DB) ListCollections(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(db.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), fileExt))
	}
	sort.Strings(names)
	return names, nil
}

// DropCollection implements [docstore.Store].
func (db *DB) DropCollection(_ context.Context, name string) error {
	if err := docstore.ValidateName(name); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if st, ok := db.states[name]; ok {
		delete(db.states, name)
		return st.table.drop()
	}
	if err := os.Remove(db.path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to drop collection %s: %w", name, err)
	}
	return nil
}

// RenameCollection implements [docstore.Store].
//
// The destination file is replaced by a single rename system call.
func (db *DB) RenameCollection(ctx context.Context, from, to string) error {
	if err := docstore.ValidateName(to); err != nil {
		return err
	}
	if ok, err := db.HasCollection(ctx, from); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("rename %s: %w", from, os.ErrNotExist)
	}
	src, err := db.get(from)
	if err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := src.table.rename(db.path(to)); err != nil {
		return err
	}
	if dst, ok := db.states[to]; ok {
		// The file was already replaced; only refuse stale writers.
		dst.table.mu.Lock()
		dst.table.dropped = true
		dst.table.mu.Unlock()
	}
	delete(db.states, from)
	db.states[to] = src
	return nil
}

// Sweep implements [docstore.Store].
func (db *DB) Sweep(ctx context.Context, now time.Time) (int, error) {
	names, err := db.ListCollections(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		st, err := db.get(name)
		if err != nil {
			return total, err
		}
		var ttl []docstore.IndexSpec
		for _, spec := range st.table.Header().Indexes {
			if spec.ExpireAfter > 0 {
				ttl = append(ttl, spec)
			}
		}
		if len(ttl) == 0 {
			continue
		}
		err = st.table.Modify(func(tx *Tx[docstore.Document]) error {
			var expired []string
			for row := range tx.Rows() {
				for i := range ttl {
					if docstore.Expired(row, &ttl[i], now) {
						expired = append(expired, row.ID())
						break
					}
				}
			}
			for _, id := range expired {
				tx.Delete(id)
			}
			total += len(expired)
			return nil
		})
		if err != nil {
			return total, fmt.Errorf("sweep %s: %w", name, err)
		}
	}
	return total, nil
}

// Close implements [docstore.Store].
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.closed = true
	db.states = map[string]*state{}
	return nil
}

var _ docstore.Store = (*DB)(nil)
