package rest

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/maruel/datarest/internal/dataset"
	"github.com/maruel/datarest/internal/docstore"
)

// ReadFilter selects the lines read by the synchronization stages.
type ReadFilter struct {
	NeedsIndexing  bool
	NeedsExtending bool
	// ID restricts the stream to a single line.
	ID string
}

// ReadStream iterates over the lines of ds matching f, tombstones included.
// Lines written before _i existed get one derived from _updatedAt.
func (e *Engine) ReadStream(ctx context.Context, ds *dataset.Dataset, f ReadFilter) iter.Seq2[docstore.Document, error] {
	var filter docstore.Filter
	if f.NeedsIndexing {
		filter.Exists = append(filter.Exists, fieldNeedsIndexing)
	}
	if f.NeedsExtending {
		filter.Exists = append(filter.Exists, fieldNeedsExtending)
	}
	if f.ID != "" {
		filter.IDs = []string{f.ID}
	}
	return func(yield func(docstore.Document, error) bool) {
		for line, err := range e.lines(ds).Find(ctx, docstore.Query{Filter: filter}) {
			if err != nil {
				yield(nil, err)
				return
			}
			if _, ok := line[fieldI]; !ok {
				if t, ok := line.Timestamp(fieldUpdatedAt); ok {
					line[fieldI] = float64(t.UnixMilli())
				}
			}
			if !yield(line, nil) {
				return
			}
		}
	}
}

// WriteExtended stores the output of the extensions and hands the lines over
// to indexing.
func (e *Engine) WriteExtended(ctx context.Context, ds *dataset.Dataset, rows []docstore.Document) error {
	keys := ds.ExtensionKeys()
	b := e.lines(ds).NewBatch()
	for _, row := range rows {
		set := docstore.Document{fieldNeedsIndexing: true}
		unset := []string{fieldNeedsExtending}
		for _, k := range keys {
			if v, ok := row[k]; ok {
				set[k] = v
			} else {
				unset = append(unset, k)
			}
		}
		b.Update(docstore.ByID(row.ID()), set, unset)
		if b.Len() >= e.opts.MaxBulkOps {
			if _, err := b.Execute(ctx); err != nil {
				return fmt.Errorf("failed to write extended lines of %s: %w", ds.ID, err)
			}
			b = e.lines(ds).NewBatch()
		}
	}
	if b.Len() == 0 {
		return nil
	}
	if _, err := b.Execute(ctx); err != nil {
		return fmt.Errorf("failed to write extended lines of %s: %w", ds.ID, err)
	}
	return nil
}

// IndexedWriter clears the indexing flag of lines confirmed by the search
// index. Create it with [Engine.MarkIndexed].
type IndexedWriter struct {
	e     *Engine
	ds    *dataset.Dataset
	c     docstore.Collection
	batch docstore.BatchWriter
	lost  int
	done  int
}

// MarkIndexed returns a writer acknowledging indexed lines of ds.
func (e *Engine) MarkIndexed(ds *dataset.Dataset) *IndexedWriter {
	c := e.lines(ds)
	return &IndexedWriter{e: e, ds: ds, c: c, batch: c.NewBatch()}
}

// Write acknowledges one indexed row.
//
// When the stored line changed after the row was read, the row is counted
// as a lost update and the line stays flagged for the next pass.
// Acknowledged tombstones are removed.
func (w *IndexedWriter) Write(ctx context.Context, row docstore.Document) error {
	id := row.ID()
	cur, err := w.c.FindOne(ctx, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	rt, ok1 := row.Timestamp(fieldUpdatedAt)
	ct, ok2 := cur.Timestamp(fieldUpdatedAt)
	if !ok1 || !ok2 || !rt.Equal(ct) {
		w.lost++
		counterLostUpdates.Inc()
		return nil
	}
	// Guard the write so that a line replaced meanwhile keeps its flag.
	f := docstore.ByID(id).And(docstore.Filter{Equal: map[string]any{fieldUpdatedAt: cur[fieldUpdatedAt]}})
	if row[fieldDeleted] == true {
		w.batch.Delete(f)
	} else {
		w.batch.Update(f, nil, []string{fieldNeedsIndexing})
	}
	w.done++
	if w.batch.Len() >= w.e.opts.MaxBulkOps {
		return w.flush(ctx)
	}
	return nil
}

func (w *IndexedWriter) flush(ctx context.Context) error {
	if w.batch.Len() == 0 {
		return nil
	}
	b := w.batch
	w.batch = w.c.NewBatch()
	if _, err := b.Execute(ctx); err != nil {
		return fmt.Errorf("failed to mark lines of %s as indexed: %w", w.ds.ID, err)
	}
	return nil
}

// Close flushes the pending acknowledgments.
func (w *IndexedWriter) Close(ctx context.Context) error {
	return w.flush(ctx)
}

// LostUpdates is the number of rows left flagged because the line changed.
func (w *IndexedWriter) LostUpdates() int {
	return w.lost
}

// Acknowledged is the number of rows accepted.
func (w *IndexedWriter) Acknowledged() int {
	return w.done
}
