package rest

import (
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/maruel/datarest/internal/dataset"
	"github.com/maruel/datarest/internal/docstore"
)

func feed(lines ...Line) <-chan Line {
	ch := make(chan Line, len(lines))
	for _, l := range lines {
		ch <- l
	}
	close(ch)
	return ch
}

func docs(ds ...docstore.Document) []Line {
	out := make([]Line, len(ds))
	for i, d := range ds {
		out[i] = Line{Doc: d}
	}
	return out
}

func liveIDs(t *testing.T, env *testEnv, ds *dataset.Dataset) []string {
	t.Helper()
	var ids []string
	q := docstore.Query{Filter: docstore.Filter{NotEqual: map[string]any{fieldDeleted: true}}, SortBy: "id"}
	for d, err := range env.store.Collection(dataset.CollectionName(ds.ID)).Find(t.Context(), q) {
		if err != nil {
			t.Fatal(err)
		}
		s, _ := d["id"].(string)
		ids = append(ids, s)
	}
	return ids
}

func TestBulkApply(t *testing.T) {
	env := newTestEnv(t, Options{MaxBulkOps: 3})
	ds := env.newDataset(t, nil)
	ctx := t.Context()
	env.apply(t, ds, nil, tx(ActionCreate, lineID(t, ds, "old"), docstore.Document{"id": "old"}))

	batches := 0
	opts := BulkOptions{
		Validator: dataset.CompileValidator(ds, false),
		OnBatch:   func(*Summary) { batches++ },
	}
	rows := feed(docs(
		docstore.Document{"id": "a", "name": "1"},
		// Same line twice: the second write goes to another batch.
		docstore.Document{"id": "a", "name": "2", fieldI: 42.0},
		docstore.Document{"id": "b", "n": "bad"},
		docstore.Document{"id": "c"},
		docstore.Document{"id": "old", fieldAction: "delete"},
		docstore.Document{"id": "zz", fieldAction: "delete"},
		docstore.Document{"id": "c"},
	)...)
	s, err := env.e.BulkApply(ctx, ds, nil, rows, opts)
	if err != nil {
		t.Fatal(err)
	}
	want := &Summary{
		NbOk:          5,
		NbNotModified: 1,
		NbErrors:      2,
		NbCreated:     2,
		NbModified:    1,
		NbDeleted:     1,
		Errors: []LineError{
			{Line: 2, Status: http.StatusBadRequest},
			{Line: 5, Error: "line not found", Status: http.StatusNotFound},
		},
	}
	// Validation messages are not stable.
	s.Errors[0].Error = ""
	if diff := cmp.Diff(want, s); diff != "" {
		t.Errorf("summary (-want +got):\n%s", diff)
	}
	if batches != 3 {
		t.Errorf("batches = %d, want 3", batches)
	}
	if diff := cmp.Diff([]string{"a", "c"}, liveIDs(t, env, ds)); diff != "" {
		t.Errorf("live lines (-want +got):\n%s", diff)
	}
	if got := env.stored(t, ds, lineID(t, ds, "a"))["name"]; got != "2" {
		t.Errorf("name = %v, want the last write", got)
	}
	got, err := env.svc.Get(ctx, ds.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.PartialRestStatus != dataset.PartialUpdated {
		t.Errorf("partial status = %q", got.PartialRestStatus)
	}
}

func TestBulkApplyGeneratedIDs(t *testing.T) {
	env := newTestEnv(t, Options{})
	ds := env.newDataset(t, func(ds *dataset.Dataset) {
		ds.PrimaryKey = nil
	})
	s, err := env.e.BulkApply(t.Context(), ds, nil, feed(docs(docstore.Document{"name": "x"}, docstore.Document{"name": "x"})...), BulkOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if s.NbCreated != 2 || s.NbOk != 2 {
		t.Errorf("summary = %+v", s)
	}
}

func TestBulkApplyParseError(t *testing.T) {
	env := newTestEnv(t, Options{})
	ds := env.newDataset(t, nil)
	parseErr := errors.New("unexpected character")
	s, err := env.e.BulkApply(t.Context(), ds, nil, feed(Line{Doc: docstore.Document{"id": "a"}}, Line{Err: parseErr}), BulkOptions{})
	if !errors.Is(err, parseErr) {
		t.Fatalf("err = %v", err)
	}
	if !IsPermanent(err) {
		t.Errorf("parse error %v is retryable", err)
	}
	if s.NbErrors != 1 || len(s.Errors) != 1 || s.Errors[0].Line != -1 || !strings.Contains(s.Errors[0].Error, "unexpected") {
		t.Errorf("summary = %+v", s)
	}
	if len(liveIDs(t, env, ds)) != 0 {
		t.Error("pending lines were written after the parse error")
	}
}

func TestBulkApplyNotObject(t *testing.T) {
	env := newTestEnv(t, Options{})
	ds := env.newDataset(t, nil)
	_, err := env.e.BulkApply(t.Context(), ds, nil, feed(Line{}), BulkOptions{})
	if !errors.Is(err, errNotObject) || !IsPermanent(err) {
		t.Errorf("err = %v, want permanent %v", err, errNotObject)
	}
}

func TestBulkDrop(t *testing.T) {
	env := newTestEnv(t, Options{})
	ds := env.newDataset(t, func(ds *dataset.Dataset) {
		ds.Rest.History = true
	})
	ctx := t.Context()
	for _, k := range []string{"a", "b", "c"} {
		env.apply(t, ds, nil, tx(ActionCreate, lineID(t, ds, k), docstore.Document{"id": k}))
	}
	env.apply(t, ds, nil, tx(ActionDelete, lineID(t, ds, "c"), nil))

	rows := feed(docs(docstore.Document{"id": "a"}, docstore.Document{"id": "d"})...)
	s, err := env.e.BulkApply(ctx, ds, nil, rows, BulkOptions{Drop: true, Validator: dataset.CompileValidator(ds, false)})
	if err != nil {
		t.Fatal(err)
	}
	if !s.Dropped || s.Cancelled || s.NbOk != 2 {
		t.Errorf("summary = %+v", s)
	}
	if diff := cmp.Diff([]string{"a", "d"}, liveIDs(t, env, ds)); diff != "" {
		t.Errorf("live lines (-want +got):\n%s", diff)
	}
	page, err := env.e.ReadRevisions(ctx, ds, lineID(t, ds, "b"), nil, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"delete", "create"}, actions(page)); diff != "" {
		t.Errorf("revisions of the dropped line (-want +got):\n%s", diff)
	}
	if page.Results[0][fieldDeleted] != true || page.Results[0]["id"] != "b" {
		t.Errorf("delete revision = %v", page.Results[0])
	}
	// The line deleted before the drop gets no second delete.
	page, err = env.e.ReadRevisions(ctx, ds, lineID(t, ds, "c"), nil, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 2 {
		t.Errorf("revisions of the deleted line = %d, want 2", page.Total)
	}
	got, err := env.svc.Get(ctx, ds.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != dataset.StatusAnalyzed {
		t.Errorf("status = %q, want analyzed", got.Status)
	}
	assertNoTmp(t, env)
}

func TestBulkDropCancelled(t *testing.T) {
	for _, history := range []bool{false, true} {
		name := "no history"
		if history {
			name = "history"
		}
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t, Options{})
			ds := env.newDataset(t, func(ds *dataset.Dataset) {
				ds.Rest.History = history
			})
			ctx := t.Context()
			env.apply(t, ds, nil, tx(ActionCreate, lineID(t, ds, "a"), docstore.Document{"id": "a"}))
			before, err := env.svc.Get(ctx, ds.ID)
			if err != nil {
				t.Fatal(err)
			}
			rows := feed(docs(docstore.Document{"id": "b"}, docstore.Document{"id": "c", "n": "bad"})...)
			s, err := env.e.BulkApply(ctx, ds, nil, rows, BulkOptions{Drop: true, Validator: dataset.CompileValidator(ds, false)})
			if err != nil {
				t.Fatal(err)
			}
			if !s.Cancelled || s.Dropped || s.NbErrors != 1 {
				t.Errorf("summary = %+v", s)
			}
			if diff := cmp.Diff([]string{"a"}, liveIDs(t, env, ds)); diff != "" {
				t.Errorf("live lines (-want +got):\n%s", diff)
			}
			after, err := env.svc.Get(ctx, ds.ID)
			if err != nil {
				t.Fatal(err)
			}
			if !after.DataUpdatedAt.Equal(*before.DataUpdatedAt) {
				t.Errorf("dataUpdatedAt = %v, want %v", after.DataUpdatedAt, before.DataUpdatedAt)
			}
			if history {
				page, err := env.e.ReadRevisions(ctx, ds, "", nil, 0, 0)
				if err != nil {
					t.Fatal(err)
				}
				if page.Total != 1 {
					t.Errorf("revisions = %d, want 1", page.Total)
				}
				page, err = env.e.ReadRevisions(ctx, ds, lineID(t, ds, "b"), nil, 0, 0)
				if err != nil {
					t.Fatal(err)
				}
				if page.Total != 0 {
					t.Errorf("revisions of the cancelled line = %d, want 0", page.Total)
				}
			}
			assertNoTmp(t, env)
		})
	}
}

func TestBulkDropOrdersDeletesInSmallBatches(t *testing.T) {
	env := newTestEnv(t, Options{MaxBulkOps: 2})
	ds := env.newDataset(t, func(ds *dataset.Dataset) {
		ds.Rest.History = true
	})
	ctx := t.Context()
	for i := range 12 {
		k := strconv.Itoa(i)
		env.apply(t, ds, nil, tx(ActionCreate, lineID(t, ds, k), docstore.Document{"id": k}))
	}
	s, err := env.e.BulkApply(ctx, ds, nil, feed(), BulkOptions{Drop: true, Validator: dataset.CompileValidator(ds, false)})
	if err != nil {
		t.Fatal(err)
	}
	if !s.Dropped {
		t.Fatalf("summary = %+v", s)
	}
	env.apply(t, ds, nil, tx(ActionCreate, lineID(t, ds, "z"), docstore.Document{"id": "z"}))

	page, err := env.e.ReadRevisions(ctx, ds, "", nil, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 25 {
		t.Fatalf("revisions = %d, want 25", page.Total)
	}
	if got := page.Results[0][docstore.IDField]; got != lineID(t, ds, "z") {
		t.Errorf("newest revision is for %v, want the line written after the drop", got)
	}
	seen := map[float64]bool{}
	for _, rev := range page.Results {
		i, _ := rev[fieldI].(float64)
		if seen[i] {
			t.Errorf("duplicate _i %v", i)
		}
		seen[i] = true
	}
	if n := len(slices.DeleteFunc(actions(page), func(a string) bool { return a != "delete" })); n != 12 {
		t.Errorf("delete revisions = %d, want 12", n)
	}
}

func assertNoTmp(t *testing.T, env *testEnv) {
	t.Helper()
	names, err := env.store.ListCollections(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range names {
		if strings.HasSuffix(n, "-tmp-bulk") {
			t.Errorf("temporary collection %s left behind", n)
		}
	}
}
