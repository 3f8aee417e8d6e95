// Package storetest is a conformance suite for docstore engines.
package storetest

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/maruel/datarest/internal/docstore"
)

// Factory opens a store rooted at dir. Calling it twice with the same dir
// after closing the first store must reopen the same data.
type Factory func(t *testing.T, dir string) docstore.Store

// Run runs the conformance suite against the engine returned by open.
func Run(t *testing.T, open Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, open Factory)
	}{
		{"InsertFind", testInsertFind},
		{"DuplicateID", testDuplicateID},
		{"UniqueIndex", testUniqueIndex},
		{"ConditionalUpsert", testConditionalUpsert},
		{"Replace", testReplace},
		{"Update", testUpdate},
		{"Delete", testDelete},
		{"Indexes", testIndexes},
		{"Rename", testRename},
		{"Drop", testDrop},
		{"Sweep", testSweep},
		{"Reopen", testReopen},
		{"WriteDuringFind", testWriteDuringFind},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, open)
		})
	}
}

func newStore(t *testing.T, open Factory) docstore.Store {
	t.Helper()
	s := open(t, t.TempDir())
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}

func insert(t *testing.T, c docstore.Collection, docs ...docstore.Document) {
	t.Helper()
	b := c.NewBatch()
	for _, d := range docs {
		b.Insert(d)
	}
	if _, err := b.Execute(t.Context()); err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func collect(t *testing.T, c docstore.Collection, q docstore.Query) []docstore.Document {
	t.Helper()
	var out []docstore.Document
	for d, err := range c.Find(t.Context(), q) {
		if err != nil {
			t.Fatalf("Find: %v", err)
		}
		out = append(out, d)
	}
	return out
}

func ids(docs []docstore.Document) []string {
	var out []string
	for _, d := range docs {
		out = append(out, d.ID())
	}
	return out
}

func writeErrors(t *testing.T, err error) []docstore.WriteError {
	t.Helper()
	var bwe *docstore.BulkWriteError
	if !errors.As(err, &bwe) {
		t.Fatalf("expected *BulkWriteError, got %v", err)
	}
	return bwe.WriteErrors
}

func testInsertFind(t *testing.T, open Factory) {
	s := newStore(t, open)
	c := s.Collection("lines")
	insert(t, c,
		docstore.Document{"_id": "a", "_i": 3, "name": "A", "_needsIndexing": true},
		docstore.Document{"_id": "b", "_i": 1, "name": "B"},
		docstore.Document{"_id": "c", "_i": 2, "name": "C", "_needsIndexing": true},
	)
	got, err := c.FindOne(t.Context(), "a")
	if err != nil {
		t.Fatal(err)
	}
	want := docstore.Document{"_id": "a", "_i": float64(3), "name": "A", "_needsIndexing": true}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("FindOne mismatch (-want +got):\n%s", diff)
	}
	if _, err := c.FindOne(t.Context(), "z"); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("FindOne(z) = %v, want ErrNotFound", err)
	}

	all := collect(t, c, docstore.Query{SortBy: "_i", Desc: true})
	if diff := cmp.Diff([]string{"a", "c", "b"}, ids(all)); diff != "" {
		t.Errorf("sorted Find mismatch (-want +got):\n%s", diff)
	}
	flagged := collect(t, c, docstore.Query{Filter: docstore.Filter{Exists: []string{"_needsIndexing"}}, SortBy: "_i"})
	if diff := cmp.Diff([]string{"c", "a"}, ids(flagged)); diff != "" {
		t.Errorf("filtered Find mismatch (-want +got):\n%s", diff)
	}
	limited := collect(t, c, docstore.Query{SortBy: "_i", Limit: 2, Fields: []string{"name"}})
	if diff := cmp.Diff([]docstore.Document{{"_id": "b", "name": "B"}, {"_id": "c", "name": "C"}}, limited); diff != "" {
		t.Errorf("projected Find mismatch (-want +got):\n%s", diff)
	}
	byIDs := collect(t, c, docstore.Query{Filter: docstore.Filter{IDs: []string{"b", "z", "a"}}, SortBy: "_id"})
	if diff := cmp.Diff([]string{"a", "b"}, ids(byIDs)); diff != "" {
		t.Errorf("Find by ids mismatch (-want +got):\n%s", diff)
	}
	n, err := c.Count(t.Context(), docstore.Filter{LessThan: map[string]any{"_i": 3}})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}
	if n, _ := s.Collection("missing").Count(t.Context(), docstore.Filter{}); n != 0 {
		t.Errorf("Count(missing) = %d, want 0", n)
	}
}

func testDuplicateID(t *testing.T, open Factory) {
	s := newStore(t, open)
	c := s.Collection("lines")
	insert(t, c, docstore.Document{"_id": "a", "v": 1})
	b := c.NewBatch()
	b.Insert(docstore.Document{"_id": "b", "v": 2})
	b.Insert(docstore.Document{"_id": "a", "v": 3})
	b.Insert(docstore.Document{"_id": "c", "v": 4})
	res, err := b.Execute(t.Context())
	werrs := writeErrors(t, err)
	if len(werrs) != 1 || werrs[0].Index != 1 || werrs[0].Code != docstore.CodeDuplicateKey {
		t.Fatalf("write errors = %+v", werrs)
	}
	if res.Inserted != 2 {
		t.Errorf("Inserted = %d, want 2", res.Inserted)
	}
	got, err := c.FindOne(t.Context(), "a")
	if err != nil {
		t.Fatal(err)
	}
	if got["v"] != float64(1) {
		t.Errorf("existing document was overwritten: %v", got)
	}
	if _, err := b.Execute(t.Context()); err == nil {
		t.Error("second Execute should fail")
	}
}

func testUniqueIndex(t *testing.T, open Factory) {
	s := newStore(t, open)
	c := s.Collection("lines")
	if err := c.CreateIndex(t.Context(), docstore.IndexSpec{Name: "_i_-1", Field: "_i", Unique: true}); err != nil {
		t.Fatal(err)
	}
	insert(t, c, docstore.Document{"_id": "a", "_i": 1}, docstore.Document{"_id": "b", "_i": 2})
	b := c.NewBatch()
	b.Insert(docstore.Document{"_id": "c", "_i": 1})
	b.Replace(docstore.ByID("b"), docstore.Document{"_id": "b", "_i": 1})
	b.Replace(docstore.ByID("a"), docstore.Document{"_id": "a", "_i": 10})
	_, err := b.Execute(t.Context())
	werrs := writeErrors(t, err)
	if len(werrs) != 2 {
		t.Fatalf("write errors = %+v", werrs)
	}
	for _, we := range werrs {
		if we.Code != docstore.CodeDuplicateKey {
			t.Errorf("code = %d, want duplicate key", we.Code)
		}
	}
	// "a" moved away from _i=1 so the value is free again.
	insert(t, c, docstore.Document{"_id": "d", "_i": 1})
	if n, _ := c.Count(t.Context(), docstore.Filter{}); n != 3 {
		t.Errorf("Count = %d, want 3", n)
	}

	// Creating a unique index over duplicated values fails.
	insert(t, c, docstore.Document{"_id": "e", "k": "x"}, docstore.Document{"_id": "f", "k": "x"})
	if err := c.CreateIndex(t.Context(), docstore.IndexSpec{Name: "k", Field: "k", Unique: true}); !errors.Is(err, docstore.ErrDuplicateKey) {
		t.Errorf("CreateIndex over duplicates = %v, want ErrDuplicateKey", err)
	}
}

func testConditionalUpsert(t *testing.T, open Factory) {
	s := newStore(t, open)
	c := s.Collection("lines")
	insert(t, c, docstore.Document{"_id": "a", "_hash": "h1", "v": 1})
	b := c.NewBatch()
	b.Upsert(docstore.Filter{IDs: []string{"a"}, NotEqual: map[string]any{"_hash": "h1"}}, docstore.Document{"_id": "a", "_hash": "h1", "v": 1})
	b.Upsert(docstore.Filter{IDs: []string{"b"}, NotEqual: map[string]any{"_hash": "h2"}}, docstore.Document{"_id": "b", "_hash": "h2"})
	res, err := b.Execute(t.Context())
	werrs := writeErrors(t, err)
	if len(werrs) != 1 || werrs[0].Index != 0 || werrs[0].Code != docstore.CodeDuplicateKey {
		t.Fatalf("write errors = %+v", werrs)
	}
	if diff := cmp.Diff([]int{1}, res.UpsertedIndexes); diff != "" {
		t.Errorf("UpsertedIndexes mismatch (-want +got):\n%s", diff)
	}

	b = c.NewBatch()
	b.Upsert(docstore.Filter{IDs: []string{"a"}, NotEqual: map[string]any{"_hash": "h3"}}, docstore.Document{"_id": "a", "_hash": "h3", "v": 2})
	res, err = b.Execute(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if res.Matched != 1 || res.Modified != 1 || res.Upserted != 0 {
		t.Errorf("result = %+v", res)
	}
	got, _ := c.FindOne(t.Context(), "a")
	if got["v"] != float64(2) {
		t.Errorf("v = %v, want 2", got["v"])
	}
}

func testReplace(t *testing.T, open Factory) {
	s := newStore(t, open)
	c := s.Collection("lines")
	insert(t, c, docstore.Document{"_id": "a", "_owner": "user:1", "v": 1})
	b := c.NewBatch()
	b.Replace(docstore.Filter{IDs: []string{"a"}, Equal: map[string]any{"_owner": "user:2"}}, docstore.Document{"_id": "a", "v": 9})
	b.Replace(docstore.ByID("z"), docstore.Document{"_id": "z"})
	res, err := b.Execute(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if res.Matched != 0 {
		t.Errorf("Matched = %d, want 0", res.Matched)
	}
	if _, err := c.FindOne(t.Context(), "z"); !errors.Is(err, docstore.ErrNotFound) {
		t.Error("replace must not insert")
	}

	b = c.NewBatch()
	b.Replace(docstore.Filter{IDs: []string{"a"}, Equal: map[string]any{"_owner": "user:1"}}, docstore.Document{"_id": "a", "w": 2})
	b.Replace(docstore.ByID("a"), docstore.Document{"_id": "other"})
	res, err = b.Execute(t.Context())
	if werrs := writeErrors(t, err); len(werrs) != 1 || werrs[0].Index != 1 || werrs[0].Code != docstore.CodeWriteFailed {
		t.Fatalf("write errors = %+v", werrs)
	}
	if res.Modified != 1 {
		t.Errorf("Modified = %d, want 1", res.Modified)
	}
	got, _ := c.FindOne(t.Context(), "a")
	if diff := cmp.Diff(docstore.Document{"_id": "a", "w": float64(2)}, got); diff != "" {
		t.Errorf("replaced document mismatch (-want +got):\n%s", diff)
	}
}

func testUpdate(t *testing.T, open Factory) {
	s := newStore(t, open)
	c := s.Collection("lines")
	insert(t, c, docstore.Document{"_id": "a", "_needsExtending": true, "geo": "x"})
	ok, err := c.Update(t.Context(), docstore.ByID("a"), docstore.Document{"_needsIndexing": true}, []string{"_needsExtending", "geo"})
	if err != nil || !ok {
		t.Fatalf("Update = %v, %v", ok, err)
	}
	got, _ := c.FindOne(t.Context(), "a")
	if diff := cmp.Diff(docstore.Document{"_id": "a", "_needsIndexing": true}, got); diff != "" {
		t.Errorf("updated document mismatch (-want +got):\n%s", diff)
	}
	if ok, err := c.Update(t.Context(), docstore.ByID("z"), docstore.Document{"x": 1}, nil); err != nil || ok {
		t.Errorf("Update(missing) = %v, %v", ok, err)
	}
	b := c.NewBatch()
	b.Update(docstore.ByID("a"), nil, []string{"_needsIndexing"})
	res, err := b.Execute(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if res.Modified != 1 {
		t.Errorf("Modified = %d, want 1", res.Modified)
	}
}

func testDelete(t *testing.T, open Factory) {
	s := newStore(t, open)
	c := s.Collection("lines")
	if err := c.CreateIndex(t.Context(), docstore.IndexSpec{Name: "_i_-1", Field: "_i", Unique: true}); err != nil {
		t.Fatal(err)
	}
	insert(t, c, docstore.Document{"_id": "a", "_i": 1}, docstore.Document{"_id": "b", "_i": 2})
	b := c.NewBatch()
	b.Delete(docstore.ByID("a"))
	b.Delete(docstore.ByID("z"))
	res, err := b.Execute(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if res.Deleted != 1 {
		t.Errorf("Deleted = %d, want 1", res.Deleted)
	}
	// The unique value of a deleted document is released.
	insert(t, c, docstore.Document{"_id": "c", "_i": 1})
	if n, _ := c.Count(t.Context(), docstore.Filter{}); n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}
}

func testIndexes(t *testing.T, open Factory) {
	s := newStore(t, open)
	c := s.Collection("lines")
	specs := []docstore.IndexSpec{
		{Name: "_needsIndexing_1", Field: "_needsIndexing", Sparse: true},
		{Name: "_i_-1", Field: "_i", Unique: true},
	}
	for _, spec := range specs {
		if err := c.CreateIndex(t.Context(), spec); err != nil {
			t.Fatal(err)
		}
	}
	// Recreating an identical index is a no-op.
	if err := c.CreateIndex(t.Context(), specs[0]); err != nil {
		t.Fatal(err)
	}
	got, err := c.Indexes(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(specs, got); diff != "" {
		t.Errorf("Indexes mismatch (-want +got):\n%s", diff)
	}
	if ok, _ := s.HasCollection(t.Context(), "lines"); !ok {
		t.Error("CreateIndex should create the collection")
	}
	if err := c.DropIndex(t.Context(), "_needsIndexing_1"); err != nil {
		t.Fatal(err)
	}
	if err := c.DropIndex(t.Context(), "_needsIndexing_1"); !errors.Is(err, docstore.ErrIndexNotFound) {
		t.Errorf("DropIndex twice = %v, want ErrIndexNotFound", err)
	}
	if err := c.CreateIndex(t.Context(), docstore.IndexSpec{Name: "bad"}); err == nil {
		t.Error("CreateIndex without field should fail")
	}
}

func testRename(t *testing.T, open Factory) {
	s := newStore(t, open)
	live := s.Collection("dataset-data-x")
	tmp := s.Collection("dataset-data-x-1-tmp-bulk")
	insert(t, live, docstore.Document{"_id": "a"}, docstore.Document{"_id": "b"})
	if err := tmp.CreateIndex(t.Context(), docstore.IndexSpec{Name: "_i_-1", Field: "_i", Unique: true}); err != nil {
		t.Fatal(err)
	}
	insert(t, tmp, docstore.Document{"_id": "c", "_i": 1})
	if err := s.RenameCollection(t.Context(), tmp.Name(), live.Name()); err != nil {
		t.Fatal(err)
	}
	got := collect(t, live, docstore.Query{SortBy: "_id"})
	if diff := cmp.Diff([]string{"c"}, ids(got)); diff != "" {
		t.Errorf("renamed collection mismatch (-want +got):\n%s", diff)
	}
	if ok, _ := s.HasCollection(t.Context(), tmp.Name()); ok {
		t.Error("source collection still exists after rename")
	}
	specs, err := live.Indexes(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if len(specs) != 1 || specs[0].Name != "_i_-1" {
		t.Errorf("indexes after rename = %+v", specs)
	}
	// The unique index still applies after the rename.
	b := live.NewBatch()
	b.Insert(docstore.Document{"_id": "d", "_i": 1})
	if _, err := b.Execute(t.Context()); err == nil {
		t.Error("unique index lost by rename")
	}
	if err := s.RenameCollection(t.Context(), "missing", live.Name()); err == nil {
		t.Error("renaming a missing collection should fail")
	}
}

func testDrop(t *testing.T, open Factory) {
	s := newStore(t, open)
	c := s.Collection("lines")
	insert(t, c, docstore.Document{"_id": "a"})
	names, err := s.ListCollections(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Contains(names, "lines") {
		t.Errorf("ListCollections = %v", names)
	}
	if err := s.DropCollection(t.Context(), "lines"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.HasCollection(t.Context(), "lines"); ok {
		t.Error("collection still exists after drop")
	}
	if err := s.DropCollection(t.Context(), "lines"); err != nil {
		t.Errorf("dropping a missing collection: %v", err)
	}
	if n, _ := c.Count(t.Context(), docstore.Filter{}); n != 0 {
		t.Errorf("Count after drop = %d", n)
	}
	// The handle stays usable and recreates the collection.
	insert(t, c, docstore.Document{"_id": "b"})
	if n, _ := c.Count(t.Context(), docstore.Filter{}); n != 1 {
		t.Errorf("Count after recreate = %d", n)
	}
}

func testSweep(t *testing.T, open Factory) {
	s := newStore(t, open)
	c := s.Collection("revisions")
	if err := c.CreateIndex(t.Context(), docstore.IndexSpec{Name: "history-ttl", Field: "_updatedAt", ExpireAfter: time.Hour}); err != nil {
		t.Fatal(err)
	}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	insert(t, c,
		docstore.Document{"_id": "old", "_updatedAt": docstore.FormatTime(now.Add(-2 * time.Hour))},
		docstore.Document{"_id": "new", "_updatedAt": docstore.FormatTime(now.Add(-time.Minute))},
		docstore.Document{"_id": "undated"},
	)
	n, err := s.Sweep(t.Context(), now)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Sweep removed %d, want 1", n)
	}
	got := collect(t, c, docstore.Query{SortBy: "_id"})
	if diff := cmp.Diff([]string{"new", "undated"}, ids(got)); diff != "" {
		t.Errorf("remaining mismatch (-want +got):\n%s", diff)
	}
}

func testReopen(t *testing.T, open Factory) {
	dir := t.TempDir()
	s := open(t, dir)
	c := s.Collection("lines")
	if err := c.CreateIndex(t.Context(), docstore.IndexSpec{Name: "_i_-1", Field: "_i", Unique: true}); err != nil {
		t.Fatal(err)
	}
	insert(t, c, docstore.Document{"_id": "a", "_i": 1, "label": "<France>"})
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	s = open(t, dir)
	defer func() { _ = s.Close() }()
	c = s.Collection("lines")
	got, err := c.FindOne(t.Context(), "a")
	if err != nil {
		t.Fatal(err)
	}
	if got["label"] != "<France>" {
		t.Errorf("label = %v", got["label"])
	}
	b := c.NewBatch()
	b.Insert(docstore.Document{"_id": "b", "_i": 1})
	if _, err := b.Execute(t.Context()); err == nil {
		t.Error("unique index not restored after reopen")
	}
}

func testWriteDuringFind(t *testing.T, open Factory) {
	s := newStore(t, open)
	c := s.Collection("lines")
	var docs []docstore.Document
	for i := range 250 {
		docs = append(docs, docstore.Document{"_id": string(rune('a'+i%26)) + string(rune('a'+i/26)), "_needsIndexing": true})
	}
	insert(t, c, docs...)
	seen := 0
	for d, err := range c.Find(t.Context(), docstore.Query{Filter: docstore.Filter{Exists: []string{"_needsIndexing"}}}) {
		if err != nil {
			t.Fatal(err)
		}
		seen++
		if _, err := c.Update(t.Context(), docstore.ByID(d.ID()), nil, []string{"_needsIndexing"}); err != nil {
			t.Fatal(err)
		}
	}
	if seen != len(docs) {
		t.Errorf("saw %d documents, want %d", seen, len(docs))
	}
	if n, _ := c.Count(t.Context(), docstore.Filter{Exists: []string{"_needsIndexing"}}); n != 0 {
		t.Errorf("%d documents still flagged", n)
	}
}
