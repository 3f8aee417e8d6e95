package rest

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/maruel/datarest/internal/dataset"
	"github.com/maruel/datarest/internal/docstore"
	apierrors "github.com/maruel/datarest/internal/errors"
)

func statusOf(err error) int {
	var apiErr *apierrors.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode()
	}
	return 0
}

func TestSingleLine(t *testing.T) {
	env := newTestEnv(t, Options{})
	ds := env.newDataset(t, nil)
	ctx := t.Context()
	actor := &dataset.Actor{ID: "u1"}

	line, status, err := env.e.CreateOrUpdateLine(ctx, ds, actor, nil, "", docstore.Document{"id": "a", "name": "A"})
	if err != nil {
		t.Fatal(err)
	}
	a := lineID(t, ds, "a")
	if status != http.StatusCreated || line.ID() != a {
		t.Errorf("create = %d %v", status, line)
	}
	for _, k := range []string{fieldHash, fieldNeedsIndexing, fieldDeleted, fieldAction, fieldStatus} {
		if _, ok := line[k]; ok {
			t.Errorf("returned line has %s: %v", k, line)
		}
	}
	if _, status, err = env.e.CreateOrUpdateLine(ctx, ds, actor, nil, a, docstore.Document{"id": "a", "name": "A"}); err != nil || status != http.StatusNotModified {
		t.Errorf("same content = %d %v", status, err)
	}
	if _, _, err = env.e.CreateOrUpdateLine(ctx, ds, actor, nil, "wrong", docstore.Document{"id": "a"}); statusOf(err) != http.StatusBadRequest {
		t.Errorf("id mismatch = %v, want 400", err)
	}

	line, status, err = env.e.PatchLine(ctx, ds, actor, nil, a, docstore.Document{"n": 3.0})
	if err != nil || status != http.StatusOK {
		t.Fatalf("patch = %d %v", status, err)
	}
	want := docstore.Document{"id": "a", "name": "A", "n": 3.0}
	ignore := cmpopts.IgnoreMapEntries(func(k string, _ any) bool { return k[0] == '_' })
	if diff := cmp.Diff(want, line, ignore); diff != "" {
		t.Errorf("patched line (-want +got):\n%s", diff)
	}
	got, err := env.e.ReadLine(ctx, ds, a, nil)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got, ignore); diff != "" {
		t.Errorf("read line (-want +got):\n%s", diff)
	}
	if _, ok := got[fieldUpdatedAt]; !ok {
		t.Errorf("read line has no _updatedAt: %v", got)
	}

	if _, _, err := env.e.PatchLine(ctx, ds, actor, nil, "missing", docstore.Document{"n": 1.0}); statusOf(err) != http.StatusNotFound {
		t.Errorf("patch missing = %v, want 404", err)
	}
	if err := env.e.DeleteLine(ctx, ds, actor, nil, a); err != nil {
		t.Fatal(err)
	}
	if _, err := env.e.ReadLine(ctx, ds, a, nil); statusOf(err) != http.StatusNotFound {
		t.Errorf("read deleted = %v, want 404", err)
	}
	if err := env.e.DeleteLine(ctx, ds, actor, nil, a); statusOf(err) != http.StatusNotFound {
		t.Errorf("delete twice = %v, want 404", err)
	}
	n, err := env.e.Count(ctx, ds)
	if err != nil || n != 0 {
		t.Errorf("Count = %d %v", n, err)
	}
	stored, err := env.svc.Get(ctx, ds.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.PartialRestStatus != dataset.PartialUpdated {
		t.Errorf("partial status = %q", stored.PartialRestStatus)
	}
}

func TestDeleteAllLines(t *testing.T) {
	env := newTestEnv(t, Options{})
	ds := env.newDataset(t, func(ds *dataset.Dataset) {
		ds.Rest.History = true
	})
	ctx := t.Context()
	env.apply(t, ds, nil, tx(ActionCreate, lineID(t, ds, "a"), docstore.Document{"id": "a"}))
	if err := env.e.DeleteAllLines(ctx, ds); err != nil {
		t.Fatal(err)
	}
	if n, _ := env.e.Count(ctx, ds); n != 0 {
		t.Errorf("Count = %d after DeleteAllLines", n)
	}
	page, err := env.e.ReadRevisions(ctx, ds, "", nil, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 1 {
		t.Errorf("revisions = %d, want them kept", page.Total)
	}
	stored, err := env.svc.Get(ctx, ds.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != dataset.StatusAnalyzed {
		t.Errorf("status = %q", stored.Status)
	}
}

func TestApplyLineTTL(t *testing.T) {
	env := newTestEnv(t, Options{})
	ds := env.newDataset(t, func(ds *dataset.Dataset) {
		ds.Schema = append(ds.Schema, dataset.Field{Key: "date", Type: "string", Format: "date-time"})
		ds.Rest.TTL = dataset.LineTTL{Active: true, Prop: "date", Delay: dataset.Delay{Value: 1, Unit: "day"}}
	})
	ctx := t.Context()
	env.apply(t, ds, nil,
		tx(ActionCreate, lineID(t, ds, "old"), docstore.Document{"id": "old", "date": "2024-02-20T00:00:00Z"}),
		tx(ActionCreate, lineID(t, ds, "new"), docstore.Document{"id": "new", "date": "2024-03-01T00:00:00Z"}),
		tx(ActionCreate, lineID(t, ds, "none"), docstore.Document{"id": "none"}))
	s, err := env.e.ApplyLineTTL(ctx, ds, testNow)
	if err != nil {
		t.Fatal(err)
	}
	if s.NbDeleted != 1 {
		t.Errorf("summary = %+v", s)
	}
	if _, err := env.e.ReadLine(ctx, ds, lineID(t, ds, "old"), nil); statusOf(err) != http.StatusNotFound {
		t.Errorf("expired line still readable: %v", err)
	}
	for _, k := range []string{"new", "none"} {
		if _, err := env.e.ReadLine(ctx, ds, lineID(t, ds, k), nil); err != nil {
			t.Errorf("line %s: %v", k, err)
		}
	}
	stored, err := env.svc.Get(ctx, ds.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Rest.TTL.CheckedAt == nil || !stored.Rest.TTL.CheckedAt.Equal(testNow) {
		t.Errorf("checkedAt = %v", stored.Rest.TTL.CheckedAt)
	}
	if stored.PartialRestStatus != dataset.PartialUpdated {
		t.Errorf("partial status = %q", stored.PartialRestStatus)
	}
}

func TestApplyLineTTLInvalidDelay(t *testing.T) {
	env := newTestEnv(t, Options{})
	ds := env.newDataset(t, nil)
	ds.Rest.TTL = dataset.LineTTL{Active: true, Prop: "name", Delay: dataset.Delay{Value: 1, Unit: "fortnight"}}
	if _, err := env.e.ApplyLineTTL(t.Context(), ds, testNow); !IsPermanent(err) {
		t.Errorf("err = %v, want permanent", err)
	}
}

func TestSyncAttachmentLines(t *testing.T) {
	env := newTestEnv(t, Options{})
	ds := env.newDataset(t, func(ds *dataset.Dataset) {
		ds.Schema = []dataset.Field{{Key: "file", Type: "string", RefersTo: dataset.DigitalDocument}}
		ds.PrimaryKey = []string{"file"}
	})
	ctx := t.Context()
	dir, err := env.e.AttachmentsDir(ds)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"x/a.txt", "y/b.txt"} {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("data"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	s, err := env.e.SyncAttachmentLines(ctx, ds, nil)
	if err != nil {
		t.Fatal(err)
	}
	if s.NbCreated != 2 {
		t.Errorf("first sync = %+v", s)
	}
	if err := os.Remove(filepath.Join(dir, "y", "b.txt")); err != nil {
		t.Fatal(err)
	}
	s, err = env.e.SyncAttachmentLines(ctx, ds, nil)
	if err != nil {
		t.Fatal(err)
	}
	if s.NbDeleted != 1 || s.NbNotModified != 1 {
		t.Errorf("second sync = %+v", s)
	}
	id, _ := DeriveID(docstore.Document{"file": "y/b.txt"}, ds.PrimaryKey, ds.KeyMode())
	if _, err := env.e.ReadLine(ctx, ds, id, nil); statusOf(err) != http.StatusNotFound {
		t.Errorf("line of removed file: %v", err)
	}

	other := env.newDataset(t, func(ds *dataset.Dataset) { ds.ID = "ds2" })
	if _, err := env.e.SyncAttachmentLines(ctx, other, nil); statusOf(err) != http.StatusBadRequest {
		t.Errorf("dataset without path field = %v, want 400", err)
	}
}

func TestLineAttachmentsDir(t *testing.T) {
	env := newTestEnv(t, Options{})
	ds := &dataset.Dataset{ID: "ds1"}
	if _, err := env.e.LineAttachmentsDir(ds, "../escape"); err == nil {
		t.Error("escaping line id accepted")
	}
	if _, err := env.e.LineAttachmentsDir(&dataset.Dataset{ID: "/abs"}, "a"); err == nil {
		t.Error("absolute dataset id accepted")
	}
	if _, err := env.e.LineAttachmentsDir(ds, "a"); err != nil {
		t.Error(err)
	}
}

func TestRemoveAttachmentsOnDelete(t *testing.T) {
	env := newTestEnv(t, Options{})
	ds := env.newDataset(t, nil)
	a := lineID(t, ds, "a")
	env.apply(t, ds, nil, tx(ActionCreate, a, docstore.Document{"id": "a"}))
	dir, err := env.e.LineAttachmentsDir(ds, a)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	env.apply(t, ds, nil, tx(ActionDelete, a, nil))
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("attachments of the deleted line remain: %v", err)
	}
}
