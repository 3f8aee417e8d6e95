package rest

import (
	"testing"
	"time"

	"github.com/maruel/datarest/internal/dataset"
	"github.com/maruel/datarest/internal/docstore"
)

func collect(t *testing.T, env *testEnv, ds *dataset.Dataset, f ReadFilter) []docstore.Document {
	t.Helper()
	var out []docstore.Document
	for d, err := range env.e.ReadStream(t.Context(), ds, f) {
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, d)
	}
	return out
}

func TestMarkIndexed(t *testing.T) {
	env := newTestEnv(t, Options{MaxBulkOps: 2})
	ds := env.newDataset(t, nil)
	ctx := t.Context()
	a, b, c := lineID(t, ds, "a"), lineID(t, ds, "b"), lineID(t, ds, "c")
	env.apply(t, ds, nil,
		tx(ActionCreate, a, docstore.Document{"id": "a"}),
		tx(ActionCreate, b, docstore.Document{"id": "b"}),
		tx(ActionCreate, c, docstore.Document{"id": "c"}))
	env.apply(t, ds, nil, tx(ActionDelete, c, nil))

	rows := collect(t, env, ds, ReadFilter{NeedsIndexing: true})
	if len(rows) != 3 {
		t.Fatalf("read %d rows, want 3", len(rows))
	}
	// b changes after it was read by the indexer.
	env.apply(t, ds, nil, tx(ActionUpdate, b, docstore.Document{"id": "b", "name": "new"}))

	w := env.e.MarkIndexed(ds)
	for _, row := range rows {
		if err := w.Write(ctx, row); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if w.LostUpdates() != 1 || w.Acknowledged() != 2 {
		t.Errorf("lost %d acknowledged %d, want 1 and 2", w.LostUpdates(), w.Acknowledged())
	}
	pending := collect(t, env, ds, ReadFilter{NeedsIndexing: true})
	if len(pending) != 1 || pending[0].ID() != b {
		t.Errorf("still flagged: %v", pending)
	}
	if _, ok := env.stored(t, ds, a)[fieldNeedsIndexing]; ok {
		t.Error("a is still flagged")
	}
	if _, err := env.store.Collection(dataset.CollectionName(ds.ID)).FindOne(ctx, c); err == nil {
		t.Error("indexed tombstone was not removed")
	}
}

func TestReadStreamSynthesizesOrder(t *testing.T) {
	env := newTestEnv(t, Options{})
	ds := env.newDataset(t, nil)
	b := env.store.Collection(dataset.CollectionName(ds.ID)).NewBatch()
	b.Insert(docstore.Document{docstore.IDField: "legacy", fieldUpdatedAt: "2024-01-01T00:00:00.000Z"})
	if _, err := b.Execute(t.Context()); err != nil {
		t.Fatal(err)
	}
	rows := collect(t, env, ds, ReadFilter{ID: "legacy"})
	if len(rows) != 1 {
		t.Fatalf("rows = %v", rows)
	}
	if got, want := rows[0][fieldI], float64(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()); got != want {
		t.Errorf("_i = %v, want %v", got, want)
	}
}

func TestWriteExtended(t *testing.T) {
	env := newTestEnv(t, Options{})
	ds := env.newDataset(t, func(ds *dataset.Dataset) {
		ds.Extensions = []dataset.Extension{
			{Active: true, Type: dataset.ExtensionExprEval, Property: &dataset.Field{Key: "calc", Type: "number"}},
			{Active: true, Type: dataset.ExtensionRemoteService, PropertyPrefix: "_geo"},
		}
	})
	ctx := t.Context()
	a := lineID(t, ds, "a")
	env.apply(t, ds, nil, tx(ActionCreate, a, docstore.Document{"id": "a"}))
	rows := collect(t, env, ds, ReadFilter{NeedsExtending: true})
	if len(rows) != 1 {
		t.Fatalf("rows = %v", rows)
	}
	row := rows[0]
	row["calc"] = 3.0
	if err := env.e.WriteExtended(ctx, ds, []docstore.Document{row}); err != nil {
		t.Fatal(err)
	}
	line := env.stored(t, ds, a)
	if line["calc"] != 3.0 || line[fieldNeedsIndexing] != true {
		t.Errorf("extended line = %v", line)
	}
	if _, ok := line[fieldNeedsExtending]; ok {
		t.Errorf("_needsExtending kept: %v", line)
	}
	// A second pass without the value removes it.
	delete(row, "calc")
	if err := env.e.WriteExtended(ctx, ds, []docstore.Document{row}); err != nil {
		t.Fatal(err)
	}
	if _, ok := env.stored(t, ds, a)["calc"]; ok {
		t.Error("calc kept after the extension dropped it")
	}
}
