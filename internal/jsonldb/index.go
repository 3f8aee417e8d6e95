// Provides concurrent-safe, in-memory secondary indexes for tables.

package jsonldb

import (
	"fmt"
	"maps"
	"slices"
	"sync"
)

// KeyFunc extracts the index key of a row. Rows for which it returns false
// are not indexed.
type KeyFunc[T any] func(T) (string, bool)

// UniqueIndex provides O(1) lookup by a unique secondary key.
//
// The index is built from existing table data when created and kept
// synchronized via the [TableObserver] interface. All operations are
// concurrent-safe. Uniqueness is enforced by the writer before committing;
// the index only reflects committed rows.
type UniqueIndex[T Row[T]] struct {
	keyFunc KeyFunc[T]
	mu      sync.Mutex
	byKey   map[string]string
	dup     string
}

// NewUniqueIndex creates a unique index on the given table.
//
// It fails if existing rows share a key.
func NewUniqueIndex[T Row[T]](table *Table[T], keyFunc KeyFunc[T]) (*UniqueIndex[T], error) {
	idx := &UniqueIndex[T]{
		keyFunc: keyFunc,
		byKey:   make(map[string]string),
	}
	table.AddObserver(idx)
	idx.mu.Lock()
	dup := idx.dup
	idx.mu.Unlock()
	if dup != "" {
		table.RemoveObserver(idx)
		return nil, fmt.Errorf("duplicate key %s", dup)
	}
	return idx, nil
}

// Lookup returns the id of the row holding key.
func (idx *UniqueIndex[T]) Lookup(key string) (string, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	id, ok := idx.byKey[key]
	return id, ok
}

// OnAppend implements [TableObserver].
func (idx *UniqueIndex[T]) OnAppend(row T) {
	key, ok := idx.keyFunc(row)
	if !ok {
		return
	}
	idx.mu.Lock()
	if other, exists := idx.byKey[key]; exists && other != row.ID() && idx.dup == "" {
		idx.dup = key
	}
	idx.byKey[key] = row.ID()
	idx.mu.Unlock()
}

// OnUpdate implements [TableObserver].
func (idx *UniqueIndex[T]) OnUpdate(prev, curr T) {
	oldKey, hadOld := idx.keyFunc(prev)
	newKey, hasNew := idx.keyFunc(curr)
	id := curr.ID()
	idx.mu.Lock()
	if hadOld && idx.byKey[oldKey] == id {
		delete(idx.byKey, oldKey)
	}
	if hasNew {
		idx.byKey[newKey] = id
	}
	idx.mu.Unlock()
}

// OnDelete implements [TableObserver].
func (idx *UniqueIndex[T]) OnDelete(row T) {
	key, ok := idx.keyFunc(row)
	if !ok {
		return
	}
	idx.mu.Lock()
	if idx.byKey[key] == row.ID() {
		delete(idx.byKey, key)
	}
	idx.mu.Unlock()
}

// Index provides O(1) lookup by a non-unique secondary key.
//
// The index is built from existing table data when created and kept
// synchronized via the [TableObserver] interface. All operations are
// concurrent-safe.
type Index[T Row[T]] struct {
	keyFunc KeyFunc[T]
	mu      sync.Mutex
	byKey   map[string]map[string]struct{}
}

// NewIndex creates a non-unique index on the given table.
//
// Multiple rows may share the same key.
func NewIndex[T Row[T]](table *Table[T], keyFunc KeyFunc[T]) *Index[T] {
	idx := &Index[T]{
		keyFunc: keyFunc,
		byKey:   make(map[string]map[string]struct{}),
	}
	table.AddObserver(idx)
	return idx
}

// IDs returns the ids of the rows holding key.
func (idx *Index[T]) IDs(key string) []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return slices.Collect(maps.Keys(idx.byKey[key]))
}

// AllIDs returns the ids of every indexed row.
func (idx *Index[T]) AllIDs() []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	var ids []string
	for _, set := range idx.byKey {
		for id := range set {
			ids = append(ids, id)
		}
	}
	return ids
}

// OnAppend implements [TableObserver].
func (idx *Index[T]) OnAppend(row T) {
	key, ok := idx.keyFunc(row)
	if !ok {
		return
	}
	idx.mu.Lock()
	idx.add(key, row.ID())
	idx.mu.Unlock()
}

// OnUpdate implements [TableObserver].
func (idx *Index[T]) OnUpdate(prev, curr T) {
	oldKey, hadOld := idx.keyFunc(prev)
	newKey, hasNew := idx.keyFunc(curr)
	id := curr.ID()
	idx.mu.Lock()
	if hadOld {
		idx.remove(oldKey, id)
	}
	if hasNew {
		idx.add(newKey, id)
	}
	idx.mu.Unlock()
}

// OnDelete implements [TableObserver].
func (idx *Index[T]) OnDelete(row T) {
	key, ok := idx.keyFunc(row)
	if !ok {
		return
	}
	idx.mu.Lock()
	idx.remove(key, row.ID())
	idx.mu.Unlock()
}

func (idx *Index[T]) add(key, id string) {
	if idx.byKey[key] == nil {
		idx.byKey[key] = make(map[string]struct{})
	}
	idx.byKey[key][id] = struct{}{}
}

func (idx *Index[T]) remove(key, id string) {
	delete(idx.byKey[key], id)
	if len(idx.byKey[key]) == 0 {
		delete(idx.byKey, key)
	}
}
