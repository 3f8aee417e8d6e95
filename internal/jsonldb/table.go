package jsonldb

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/maruel/datarest/internal/docstore"
)

// currentVersion is the current version of the JSONL file format.
const currentVersion = "1.0"

// ErrDropped is returned when modifying a table whose file was removed.
var ErrDropped = errors.New("table was dropped")

// Row is implemented by types stored in a Table.
type Row[T any] interface {
	Clone() T
	ID() string
}

// TableObserver is notified after each committed mutation.
type TableObserver[T any] interface {
	OnAppend(row T)
	OnUpdate(prev, curr T)
	OnDelete(row T)
}

// Header is the first line of a table file.
type Header struct {
	Version string               `json:"version"`
	Indexes []docstore.IndexSpec `json:"indexes,omitempty"`
}

// Validate checks that the header is well-formed.
func (h *Header) Validate() error {
	if h.Version == "" {
		return errors.New("header version is required")
	}
	for i := range h.Indexes {
		if err := h.Indexes[i].Validate(); err != nil {
			return fmt.Errorf("index %d: %w", i, err)
		}
	}
	return nil
}

// Table handles storage and in-memory caching for a single table in JSONL format.
type Table[T Row[T]] struct {
	mu        sync.RWMutex
	path      string
	dropped   bool
	header    Header
	rows      []T
	byID      map[string]int
	observers []TableObserver[T]
}

// NewTable creates a new Table and loads all data from the file.
func NewTable[T Row[T]](path string) (*Table[T], error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	t := &Table[T]{path: path, header: Header{Version: currentVersion}}
	if err := t.load(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table[T]) load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rows = nil
	t.byID = map[string]int{}
	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open table file %s: %w", t.path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	first := true
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if first {
			first = false
			var h Header
			if err := json.Unmarshal(line, &h); err == nil && h.Version != "" {
				if err := h.Validate(); err != nil {
					return fmt.Errorf("invalid header in %s: %w", t.path, err)
				}
				t.header = h
				continue
			}
		}
		var row T
		if err := json.Unmarshal(line, &row); err != nil {
			return fmt.Errorf("failed to unmarshal row in %s: %w", t.path, err)
		}
		// Later lines win, which handles files edited by hand.
		if i, ok := t.byID[row.ID()]; ok {
			t.rows[i] = row
			continue
		}
		t.byID[row.ID()] = len(t.rows)
		t.rows = append(t.rows, row)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read table file %s: %w", t.path, err)
	}
	return nil
}

// Len returns the number of rows.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// Header returns a copy of the table header.
func (t *Table[T]) Header() Header {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Header{Version: t.header.Version, Indexes: slices.Clone(t.header.Indexes)}
}

// Get returns a clone of the row with the given id.
func (t *Table[T]) Get(id string) (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, ok := t.byID[id]
	if !ok {
		var zero T
		return zero, false
	}
	return t.rows[i].Clone(), true
}

// IDs returns a snapshot of the row ids in insertion order.
func (t *Table[T]) IDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, len(t.rows))
	for i, row := range t.rows {
		ids[i] = row.ID()
	}
	return ids
}

// All returns an iterator over clones of all rows.
//
// The read lock is held during iteration; do not modify the table from the
// loop body.
func (t *Table[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		t.mu.RLock()
		defer t.mu.RUnlock()
		for _, row := range t.rows {
			if !yield(row.Clone()) {
				return
			}
		}
	}
}

// AddObserver registers o and replays the existing rows to it.
func (t *Table[T]) AddObserver(o TableObserver[T]) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, row := range t.rows {
		o.OnAppend(row)
	}
	t.observers = append(t.observers, o)
}

// RemoveObserver unregisters o.
func (t *Table[T]) RemoveObserver(o TableObserver[T]) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = slices.DeleteFunc(t.observers, func(x TableObserver[T]) bool { return x == o })
}

// Modify runs fn with a transaction and persists its changes atomically.
//
// The write lock is held for the whole call. When fn returns an error,
// nothing is written.
func (t *Table[T]) Modify(fn func(tx *Tx[T]) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dropped {
		return ErrDropped
	}
	tx := &Tx[T]{
		t:      t,
		header: Header{Version: t.header.Version, Indexes: slices.Clone(t.header.Indexes)},
		puts:   map[string]T{},
		dels:   map[string]struct{}{},
	}
	if err := fn(tx); err != nil {
		return err
	}
	if !tx.changed() {
		return nil
	}

	// Build the next state without touching the current one.
	rows := make([]T, 0, len(t.rows)+len(tx.added))
	for _, row := range t.rows {
		id := row.ID()
		if _, ok := tx.dels[id]; ok {
			continue
		}
		if r, ok := tx.puts[id]; ok {
			rows = append(rows, r)
			continue
		}
		rows = append(rows, row)
	}
	for _, id := range tx.added {
		if r, ok := tx.puts[id]; ok {
			rows = append(rows, r)
		}
	}
	if err := writeFile(t.path, &tx.header, rows); err != nil {
		return err
	}

	prevRows := t.rows
	prevByID := t.byID
	t.header = tx.header
	t.rows = rows
	t.byID = make(map[string]int, len(rows))
	for i, row := range rows {
		t.byID[row.ID()] = i
	}
	for id := range tx.dels {
		if i, ok := prevByID[id]; ok {
			for _, o := range t.observers {
				o.OnDelete(prevRows[i])
			}
		}
	}
	for id, row := range tx.puts {
		if i, ok := prevByID[id]; ok {
			for _, o := range t.observers {
				o.OnUpdate(prevRows[i], row)
			}
		} else {
			for _, o := range t.observers {
				o.OnAppend(row)
			}
		}
	}
	return nil
}

// rename moves the table file to path.
func (t *Table[T]) rename(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dropped {
		return ErrDropped
	}
	if err := os.Rename(t.path, path); err != nil {
		return fmt.Errorf("failed to rename table file: %w", err)
	}
	t.path = path
	return nil
}

// drop removes the table file and refuses further modifications.
func (t *Table[T]) drop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropped = true
	if err := os.Remove(t.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove table file: %w", err)
	}
	return nil
}

func writeFile[T any](path string, header *Header, rows []T) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp) //nolint:gosec // G304: path is built from the data directory
	if err != nil {
		return fmt.Errorf("failed to create table file: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	writer := bufio.NewWriter(f)
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(header); err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("failed to marshal row: %w", err)
		}
		if buf.Len() > 1<<20 {
			if _, err := writer.Write(buf.Bytes()); err != nil {
				return fmt.Errorf("failed to write rows: %w", err)
			}
			buf.Reset()
		}
	}
	if _, err := writer.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write rows: %w", err)
	}
	if err := writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush writer: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close table file: %w", err)
	}
	ok = true
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace table file: %w", err)
	}
	return nil
}

// Tx stages changes to a Table during Modify.
type Tx[T Row[T]] struct {
	t      *Table[T]
	header Header
	puts   map[string]T
	dels   map[string]struct{}
	added  []string
	dirty  bool
}

// Get returns the row as seen by the transaction.
func (tx *Tx[T]) Get(id string) (T, bool) {
	var zero T
	if _, ok := tx.dels[id]; ok {
		return zero, false
	}
	if r, ok := tx.puts[id]; ok {
		return r, true
	}
	i, ok := tx.t.byID[id]
	if !ok {
		return zero, false
	}
	return tx.t.rows[i], true
}

// Rows iterates over the rows as seen by the transaction.
func (tx *Tx[T]) Rows() iter.Seq[T] {
	return func(yield func(T) bool) {
		for _, row := range tx.t.rows {
			id := row.ID()
			if _, ok := tx.dels[id]; ok {
				continue
			}
			if r, ok := tx.puts[id]; ok {
				row = r
			}
			if !yield(row) {
				return
			}
		}
		for _, id := range tx.added {
			r, ok := tx.puts[id]
			if !ok {
				continue
			}
			if !yield(r) {
				return
			}
		}
	}
}

// Put inserts or replaces row.
func (tx *Tx[T]) Put(row T) {
	id := row.ID()
	_, existed := tx.t.byID[id]
	_, deleted := tx.dels[id]
	_, staged := tx.puts[id]
	if deleted {
		delete(tx.dels, id)
	}
	if !existed && !staged {
		tx.added = append(tx.added, id)
	}
	tx.puts[id] = row
}

// Delete removes the row with the given id.
func (tx *Tx[T]) Delete(id string) {
	if _, ok := tx.puts[id]; ok {
		delete(tx.puts, id)
		if _, existed := tx.t.byID[id]; !existed {
			tx.added = slices.DeleteFunc(tx.added, func(x string) bool { return x == id })
			return
		}
	}
	if _, ok := tx.t.byID[id]; ok {
		tx.dels[id] = struct{}{}
	}
}

// Header returns the staged header for modification.
func (tx *Tx[T]) Header() *Header {
	tx.dirty = true
	return &tx.header
}

func (tx *Tx[T]) changed() bool {
	return tx.dirty || len(tx.puts) != 0 || len(tx.dels) != 0
}
